package feedkv

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedkv/feedkv/network"
)

// Role decides a node's replication duties for a database.
type Role int

const (
	// RoleReader only consumes an existing database: it cannot create one,
	// opens value logs lazily on first access, and offers no long-term
	// replication guarantee.
	RoleReader Role = iota
	// RoleCollaborator creates databases, is discoverable as a provider,
	// and permanently replicates every discovered key's value log.
	RoleCollaborator
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleCollaborator:
		return "collaborator"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Option configures the database on open.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for one feedkv database.
// Users typically set it via Option helpers.
type Config struct {
	Name              string
	Role              Role
	Offline           bool
	SyncTimeout       time.Duration
	ReconcileInterval time.Duration
	SearchInterval    time.Duration
	AdvertiseInterval time.Duration
	ReconnectInterval time.Duration
	Bootstrap         []network.Provider
	MDNSPort          int
	Logger            *zap.Logger
	codec             any
}

func defaultConfig() Config {
	return Config{
		Role:              RoleReader,
		SyncTimeout:       30 * time.Second,
		ReconcileInterval: 10 * time.Second,
	}
}

func (c *Config) finalize() error {
	if c.Name == "" {
		return fmt.Errorf("feedkv: database name cannot be empty")
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("feedkv: sync timeout must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("feedkv: reconcile interval must be positive")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// WithRole sets the node's replication role. The default is RoleReader.
func WithRole(role Role) Option {
	return func(c *Config) error {
		if role != RoleReader && role != RoleCollaborator {
			return fmt.Errorf("feedkv: unknown role %d", int(role))
		}
		c.Role = role
		return nil
	}
}

// WithOffline disables networking: the database is created locally without
// waiting for providers and no connection manager is started.
func WithOffline() Option {
	return func(c *Config) error {
		c.Offline = true
		return nil
	}
}

// WithSyncTimeout bounds how long opens wait for a merge with a remote
// replica before reporting ErrSyncTimeout.
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("feedkv: sync timeout must be positive")
		}
		c.SyncTimeout = timeout
		return nil
	}
}

// WithReconcileInterval sets how often the key index is re-scanned for keys
// the update notifications may have batched over.
func WithReconcileInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("feedkv: reconcile interval must be positive")
		}
		c.ReconcileInterval = interval
		return nil
	}
}

// WithSearchInterval sets the provider search period.
func WithSearchInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("feedkv: search interval must be positive")
		}
		c.SearchInterval = interval
		return nil
	}
}

// WithAdvertiseInterval sets the provider advertisement period.
func WithAdvertiseInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("feedkv: advertise interval must be positive")
		}
		c.AdvertiseInterval = interval
		return nil
	}
}

// WithReconnectInterval sets the provider reconnection period.
func WithReconnectInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("feedkv: reconnect interval must be positive")
		}
		c.ReconnectInterval = interval
		return nil
	}
}

// WithBootstrap sets provider records dialed once at startup, best-effort.
func WithBootstrap(providers ...network.Provider) Option {
	return func(c *Config) error {
		c.Bootstrap = append([]network.Provider(nil), providers...)
		return nil
	}
}

// WithMDNS announces this node on the local network on the given port and
// feeds discovered nodes of the same database to the connection manager.
func WithMDNS(port int) Option {
	return func(c *Config) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("feedkv: invalid mdns port %d", port)
		}
		c.MDNSPort = port
		return nil
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("feedkv: logger cannot be nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithCodec sets the value codec used for log entries.
func WithCodec[V any](codec Codec[V]) Option {
	return func(c *Config) error {
		if codec == nil {
			return fmt.Errorf("feedkv: codec cannot be nil")
		}
		c.codec = codec
		return nil
	}
}
