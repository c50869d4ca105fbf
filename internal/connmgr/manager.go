// Package connmgr keeps the nodes serving one database mutually reachable.
// It derives a beacon address from the database name, makes collaborators
// discoverable as providers of that beacon, and runs perpetual background
// loops that search for providers, advertise, and re-dial dropped peers.
package connmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/flowchartsman/retry"
	"go.uber.org/zap"

	"github.com/feedkv/feedkv/network"
)

// ConnTag is the retention tag applied to connections of database
// participants.
const ConnTag = "feedkv"

const (
	connTagWeight = 100

	// Capability resolution after a connect: a bounded number of short
	// polls, then give up silently.
	identifyPolls     = 11
	identifyPollDelay = 200 * time.Millisecond

	advertiseRetries = 10

	defaultSearchInterval    = 60 * time.Second
	defaultAdvertiseInterval = 60 * time.Second
	defaultReconnectInterval = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Database is the database name the manager serves.
	Database string
	// Collaborator makes this node discoverable as a provider.
	Collaborator bool
	// Bootstrap providers are dialed once at startup, best-effort.
	Bootstrap []network.Provider

	SearchInterval    time.Duration
	AdvertiseInterval time.Duration
	ReconnectInterval time.Duration

	Logger *zap.Logger
}

func (c *Config) finalize() {
	if c.SearchInterval <= 0 {
		c.SearchInterval = defaultSearchInterval
	}
	if c.AdvertiseInterval <= 0 {
		c.AdvertiseInterval = defaultAdvertiseInterval
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Manager maintains reachability for one database name.
type Manager struct {
	cfg     Config
	host    network.Host
	routing network.ContentRouting
	blocks  network.BlockStore
	logger  *zap.Logger
	beacon  string

	providersMu sync.RWMutex
	providers   map[string]network.Provider
	dialing     mapset.Set[string]

	ctx           context.Context
	cancel        context.CancelFunc
	cancelConnect func()
	wg            sync.WaitGroup
}

// New creates a manager. Start must be called before it does anything.
func New(cfg Config, host network.Host, routing network.ContentRouting, blocks network.BlockStore) *Manager {
	cfg.finalize()
	return &Manager{
		cfg:       cfg,
		host:      host,
		routing:   routing,
		blocks:    blocks,
		logger:    cfg.Logger.With(zap.String("database", cfg.Database)),
		beacon:    BeaconAddress(cfg.Database),
		providers: make(map[string]network.Provider),
		dialing:   mapset.NewSet[string](),
	}
}

// BeaconAddress derives the fixed content address all nodes of a database
// rendezvous on. It must be deterministic in the database name alone.
func BeaconAddress(database string) string {
	sum := sha256.Sum256(beaconBytes(database))
	return hex.EncodeToString(sum[:])
}

func beaconBytes(database string) []byte {
	return []byte("feedkv:beacon:" + database)
}

// Beacon returns the database's beacon address.
func (m *Manager) Beacon() string { return m.beacon }

// Start registers the database protocols, pins or releases the beacon
// block, launches the background loops, and dials the bootstrap providers
// once. The only fatal failure is protocol handler registration; everything
// else is logged and retried by the loops.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	noop := func(peerID, protocolID string) {}
	if err := m.host.Handle(baseProtocol(m.cfg.Database), noop); err != nil {
		return fmt.Errorf("connmgr: register base protocol: %w", err)
	}
	if m.cfg.Collaborator {
		if err := m.host.Handle(providerProtocol(m.cfg.Database), noop); err != nil {
			return fmt.Errorf("connmgr: register provider protocol: %w", err)
		}
	}

	if _, err := m.blocks.Put(m.ctx, beaconBytes(m.cfg.Database)); err != nil {
		m.logger.Warn("beacon put failed", zap.Error(err))
	}
	if m.cfg.Collaborator {
		if err := m.blocks.Pin(m.ctx, m.beacon); err != nil {
			m.logger.Warn("beacon pin failed", zap.Error(err))
		}
	} else {
		if err := m.blocks.Unpin(m.ctx, m.beacon); err != nil {
			m.logger.Warn("beacon unpin failed", zap.Error(err))
		}
	}

	m.cancelConnect = m.host.OnPeerConnect(m.handlePeerConnect)

	m.wg.Add(1)
	go m.searchLoop()
	m.wg.Add(1)
	go m.reconnectLoop()
	if m.cfg.Collaborator {
		m.wg.Add(1)
		go m.advertiseLoop()
	}

	for _, p := range m.cfg.Bootstrap {
		if err := m.host.Dial(m.ctx, p); err != nil {
			m.logger.Warn("bootstrap dial failed", zap.String("peer", p.ID), zap.Error(err))
		}
	}
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	if m.cancelConnect != nil {
		m.cancelConnect()
	}
	m.wg.Wait()
}

// Providers returns a snapshot of the known provider set.
func (m *Manager) Providers() []network.Provider {
	m.providersMu.RLock()
	defer m.providersMu.RUnlock()
	out := make([]network.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) searchLoop() {
	defer m.wg.Done()
	m.searchOnce()
	ticker := time.NewTicker(m.cfg.SearchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.searchOnce()
		}
	}
}

func (m *Manager) searchOnce() {
	found, err := m.routing.FindProviders(m.ctx, m.beacon)
	if err != nil {
		m.logger.Warn("provider search failed", zap.Error(err))
		return
	}
	for _, p := range found {
		m.ConnectToProvider(p)
	}
}

// advertiseLoop announces the beacon on a fixed interval. A failed
// announcement is retried immediately until it lands, then the loop falls
// back to the normal interval.
func (m *Manager) advertiseLoop() {
	defer m.wg.Done()
	m.advertise()
	ticker := time.NewTicker(m.cfg.AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.advertise()
		}
	}
}

func (m *Manager) advertise() {
	r := retry.NewRetrier(advertiseRetries, 100*time.Millisecond, time.Second)
	for {
		err := r.RunContext(m.ctx, func(ctx context.Context) error {
			return m.routing.Provide(ctx, m.beacon)
		})
		if err == nil {
			return
		}
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("beacon advertisement failed, retrying", zap.Error(err))
	}
}

// reconnectLoop re-dials every known provider, compensating for drops the
// discovery and advertisement churn causes.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			for _, p := range m.Providers() {
				m.ConnectToProvider(p)
			}
		}
	}
}

// ConnectToProvider dials a provider unless it is this node or a
// connection already exists. The dial itself runs asynchronously; its
// outcome is logged either way.
func (m *Manager) ConnectToProvider(p network.Provider) {
	if p.ID == m.host.ID() {
		return
	}
	if p.ID != "" && m.host.Connected(p.ID) {
		return
	}
	key := p.ID
	if key == "" && len(p.Addrs) > 0 {
		key = p.Addrs[0]
	}
	if !m.dialing.Add(key) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.dialing.Remove(key)
		if err := m.host.Dial(m.ctx, p); err != nil {
			m.logger.Warn("provider dial failed", zap.String("peer", p.ID), zap.Error(err))
			return
		}
		m.logger.Debug("provider connected", zap.String("peer", p.ID))
	}()
}

// handlePeerConnect resolves the remote peer's capabilities and classifies
// it. Peers whose capabilities never resolve are dropped silently.
func (m *Manager) handlePeerConnect(peerID string) {
	protos, ok := m.resolveProtocols(peerID)
	if !ok {
		return
	}
	if !slices.Contains(protos, baseProtocol(m.cfg.Database)) {
		return
	}
	m.host.TagPeer(peerID, ConnTag, connTagWeight)
	if slices.Contains(protos, providerProtocol(m.cfg.Database)) {
		m.rememberProvider(network.Provider{
			ID:    peerID,
			Addrs: m.host.Peerstore().Addrs(peerID),
		})
	}
	m.logger.Debug("database participant connected", zap.String("peer", peerID))
}

func (m *Manager) resolveProtocols(peerID string) ([]string, bool) {
	for i := 0; i < identifyPolls; i++ {
		if protos, ok := m.host.Peerstore().Protocols(peerID); ok {
			return protos, true
		}
		select {
		case <-m.ctx.Done():
			return nil, false
		case <-time.After(identifyPollDelay):
		}
	}
	return nil, false
}

func (m *Manager) rememberProvider(p network.Provider) {
	m.providersMu.Lock()
	known, ok := m.providers[p.ID]
	if ok {
		known.Addrs = mergeAddrs(known.Addrs, p.Addrs)
		m.providers[p.ID] = known
	} else {
		m.providers[p.ID] = p
	}
	m.providersMu.Unlock()
	m.host.Peerstore().AddAddrs(p.ID, p.Addrs)
}

func baseProtocol(database string) string {
	return "/feedkv/" + database + "/1.0.0"
}

func providerProtocol(database string) string {
	return "/feedkv/" + database + "/provider/1.0.0"
}

func mergeAddrs(have, add []string) []string {
outer:
	for _, a := range add {
		for _, h := range have {
			if h == a {
				continue outer
			}
		}
		have = append(have, a)
	}
	return have
}
