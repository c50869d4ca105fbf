package feedkv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/feedkv/feedkv/internal/connmgr"
	"github.com/feedkv/feedkv/internal/discovery"
	"github.com/feedkv/feedkv/internal/eventlog"
	"github.com/feedkv/feedkv/logstore"
	"github.com/feedkv/feedkv/network"
	"github.com/feedkv/feedkv/pubsub"
)

// Deps are the external collaborators a database runs on: the distributed
// log engine and the peer substrate. They are injected, never ambient.
type Deps struct {
	Store   logstore.Store
	Host    network.Host
	Routing network.ContentRouting
	Blocks  network.BlockStore
}

// DB represents one replicated key–append-log database on this node. Each
// key owns an independent append-only sequence of values; replicas converge
// through the log engine without central coordination.
//
// It is safe for concurrent use by multiple goroutines. Add, Get and Keys
// serialize against each other; the background reconciliation runs outside
// that exclusion and is idempotent.
//
// Known durability gap, preserved from the design: a Reader's freshly
// created value log has no confirmed-replication guarantee before Add
// returns. A write can be lost if no collaborator has opened that key's log
// yet; collaborators mitigate this by keeping the key index open and
// eagerly replicating newly learned keys.
type DB[K ~string, V any] struct {
	cfg    Config
	codec  Codec[V]
	logger *zap.Logger
	store  logstore.Store
	conn   *connmgr.Manager
	mdns   *discovery.MDNS
	index  *eventlog.Log

	// mu serializes the foreground operations (Add/Get/Keys) and guards
	// closed.
	mu     sync.Mutex
	closed bool

	// stateMu guards the key bookkeeping shared with the reconciliation
	// loop and the log update callbacks.
	stateMu    sync.Mutex
	keys       []K
	keySet     map[K]struct{}
	valueLogs  map[K]*eventlog.Log
	seenValues map[K]mapset.Set[string]
	valueSubs  []func()

	seenIndex mapset.Set[string]
	fanout    *pubsub.Registry[V]
	notify    chan struct{}

	cancelIndexSub func()
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// Open opens the named database. Collaborators (and offline nodes) create
// it when it does not exist yet; Readers must observe a sync with an
// existing replica within the configured timeout or Open fails with
// ErrNoProviders. K must be provided explicitly because it cannot be
// inferred from arguments.
func Open[K ~string, V any](ctx context.Context, name string, deps Deps, opts ...Option) (*DB[K, V], error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	cfg.Name = name
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("feedkv: log store is required")
	}
	if !cfg.Offline && (deps.Host == nil || deps.Routing == nil || deps.Blocks == nil) {
		return nil, fmt.Errorf("feedkv: host, routing and blocks are required unless offline")
	}

	codec := Codec[V](GobCodec[V]{})
	if cfg.codec != nil {
		typed, ok := cfg.codec.(Codec[V])
		if !ok {
			return nil, fmt.Errorf("feedkv: codec type mismatch")
		}
		codec = typed
	}

	db := &DB[K, V]{
		cfg:        cfg,
		codec:      codec,
		logger:     cfg.Logger.With(zap.String("database", name), zap.Stringer("role", cfg.Role)),
		store:      deps.Store,
		keySet:     make(map[K]struct{}),
		valueLogs:  make(map[K]*eventlog.Log),
		seenValues: make(map[K]mapset.Set[string]),
		seenIndex:  mapset.NewSet[string](),
		fanout:     pubsub.NewRegistry[V](),
		notify:     make(chan struct{}, 1),
	}
	db.ctx, db.cancel = context.WithCancel(context.Background())

	// Reachability comes up first so a Reader's sync wait below has peers
	// to sync from.
	if !cfg.Offline {
		db.conn = connmgr.New(connmgr.Config{
			Database:          name,
			Collaborator:      cfg.Role == RoleCollaborator,
			Bootstrap:         cfg.Bootstrap,
			SearchInterval:    cfg.SearchInterval,
			AdvertiseInterval: cfg.AdvertiseInterval,
			ReconnectInterval: cfg.ReconnectInterval,
			Logger:            cfg.Logger,
		}, deps.Host, deps.Routing, deps.Blocks)
		if err := db.conn.Start(db.ctx); err != nil {
			db.cancel()
			return nil, err
		}
		if cfg.MDNSPort > 0 {
			mdns, err := discovery.NewMDNS(deps.Host.ID(), name, cfg.MDNSPort, db.conn.ConnectToProvider)
			if err != nil {
				db.shutdown()
				return nil, err
			}
			db.mdns = mdns
		}
	}

	index, err := db.openIndex(ctx)
	if err != nil {
		db.shutdown()
		return nil, err
	}
	db.index = index

	if err := db.reconcile(ctx); err != nil {
		db.shutdown()
		return nil, err
	}
	db.cancelIndexSub = index.Subscribe(db.notifyReconcile, db.notifyReconcile)
	db.wg.Add(1)
	go db.reconcileLoop()

	return db, nil
}

func (db *DB[K, V]) openIndex(ctx context.Context) (*eventlog.Log, error) {
	if db.cfg.Role == RoleReader && !db.cfg.Offline {
		index, _, err := eventlog.OpenExisting(ctx, db.store, db.cfg.Name, db.cfg.SyncTimeout, db.logger)
		if errors.Is(err, eventlog.ErrSyncTimeout) {
			// A Reader cannot bootstrap an unseeded database.
			return nil, fmt.Errorf("feedkv: open %q: %w", db.cfg.Name, ErrNoProviders)
		}
		if err != nil {
			return nil, mapLogErr(err)
		}
		return index, nil
	}
	index, err := eventlog.Create(ctx, db.store, db.cfg.Name, db.logger)
	if err != nil {
		return nil, mapLogErr(err)
	}
	return index, nil
}

// Add appends value to key's log. An unknown key is first published to the
// key index. The append is immediately visible to local reads; remote
// replicas observe it after a merge.
func (db *DB[K, V]) Add(ctx context.Context, key K, value V) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if key == "" {
		return fmt.Errorf("feedkv: key cannot be empty")
	}

	data, err := db.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("feedkv: marshal value: %w", err)
	}

	if !db.known(key) {
		if _, err := db.index.Append(ctx, []byte(key)); err != nil {
			return mapLogErr(err)
		}
		db.rememberKey(key)
	}

	vl, err := db.resolveValueLog(ctx, key, false)
	if err != nil {
		return err
	}
	hash, err := vl.Append(ctx, data)
	if err != nil {
		return mapLogErr(err)
	}
	db.markSeen(key, hash)
	return nil
}

// Get returns key's full value sequence in local append/merge order. It
// fails with ErrKeyNotFound when the key is absent from the local key set.
// On a Reader the first Get opens the key's log with sync semantics; a sync
// timeout is not an error, the locally known entries are returned.
func (db *DB[K, V]) Get(ctx context.Context, key K) ([]V, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	if !db.known(key) {
		return nil, ErrKeyNotFound
	}

	vl, err := db.resolveValueLog(ctx, key, true)
	if err != nil {
		return nil, err
	}
	entries, err := vl.Entries(ctx)
	if err != nil {
		return nil, mapLogErr(err)
	}
	out := make([]V, 0, len(entries))
	for _, e := range entries {
		v, err := db.codec.Unmarshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("feedkv: unmarshal value: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Keys returns a snapshot of the local key set in discovery order. It never
// contains duplicates.
func (db *DB[K, V]) Keys() []K {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stateMu.Lock()
	out := append([]K(nil), db.keys...)
	db.stateMu.Unlock()
	return out
}

// Watch subscribes to values newly observed on key's log. Delivery is
// active only while the key's log is held open, which happens on first Get
// or Add of the key (collaborators hold every discovered key's log open).
func (db *DB[K, V]) Watch(key K) (*pubsub.Subscription[V], error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.fanout.Subscribe(db.topic(key)), nil
}

// Close stops the background loops, cancels all subscriptions and releases
// the connection manager. Further operations return ErrClosed.
func (db *DB[K, V]) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	db.closed = true
	db.mu.Unlock()
	db.shutdown()
	return nil
}

func (db *DB[K, V]) shutdown() {
	db.cancel()
	if db.cancelIndexSub != nil {
		db.cancelIndexSub()
	}
	db.stateMu.Lock()
	subs := db.valueSubs
	db.valueSubs = nil
	db.stateMu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
	db.mdns.Stop()
	if db.conn != nil {
		db.conn.Stop()
	}
	db.wg.Wait()
	db.fanout.Close()
}

// reconcileLoop periodically re-scans the key index. Update notifications
// are not exactly-once, so the scan is the mechanism of record; the
// notifications only make it prompt. The loop runs for the life of the
// database and survives every error.
func (db *DB[K, V]) reconcileLoop() {
	defer db.wg.Done()
	ticker := time.NewTicker(db.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.ctx.Done():
			return
		case <-db.notify:
		case <-ticker.C:
		}
		if err := db.reconcile(db.ctx); err != nil {
			db.logger.Warn("reconciliation failed", zap.Error(err))
		}
	}
}

func (db *DB[K, V]) notifyReconcile() {
	select {
	case db.notify <- struct{}{}:
	default:
	}
}

// reconcile full-scans the key index and routes every not-yet-seen entry
// through newKeyAdded. Safe to repeat at any time.
func (db *DB[K, V]) reconcile(ctx context.Context) error {
	entries, err := db.index.Entries(ctx)
	if err != nil {
		return mapLogErr(err)
	}
	for _, e := range entries {
		if !db.seenIndex.Add(e.Hash) {
			continue
		}
		if err := db.newKeyAdded(ctx, K(e.Value)); err != nil {
			// Unmark so the next pass retries this entry.
			db.seenIndex.Remove(e.Hash)
			return err
		}
	}
	return nil
}

// newKeyAdded records a key learned from the index. It is an idempotent
// no-op for known keys. Collaborators eagerly open and permanently retain
// the key's value log: the held-open log keeps receiving merges, which is
// the replication mechanism.
func (db *DB[K, V]) newKeyAdded(ctx context.Context, key K) error {
	if key == "" {
		return nil
	}
	db.rememberKey(key)
	if db.cfg.Role != RoleCollaborator {
		return nil
	}
	if _, err := db.resolveValueLog(ctx, key, false); err != nil {
		return fmt.Errorf("feedkv: replicate %q: %w", string(key), err)
	}
	return nil
}

func (db *DB[K, V]) known(key K) bool {
	db.stateMu.Lock()
	_, ok := db.keySet[key]
	db.stateMu.Unlock()
	return ok
}

func (db *DB[K, V]) rememberKey(key K) {
	db.stateMu.Lock()
	if _, ok := db.keySet[key]; !ok {
		db.keySet[key] = struct{}{}
		db.keys = append(db.keys, key)
	}
	db.stateMu.Unlock()
}

// resolveValueLog returns key's open value log, opening it on first use.
// With sync set, non-collaborators wait for a merge with a remote replica
// up to the sync budget; a timeout falls back to the local state.
// Collaborators always create: their held-open logs receive merges anyway.
func (db *DB[K, V]) resolveValueLog(ctx context.Context, key K, sync bool) (*eventlog.Log, error) {
	db.stateMu.Lock()
	vl := db.valueLogs[key]
	db.stateMu.Unlock()
	if vl != nil {
		return vl, nil
	}

	name := db.logName(key)
	var err error
	if sync && db.cfg.Role != RoleCollaborator && !db.cfg.Offline {
		vl, _, err = eventlog.OpenExisting(ctx, db.store, name, db.cfg.SyncTimeout, db.logger)
		if err != nil && !errors.Is(err, eventlog.ErrSyncTimeout) {
			return nil, mapLogErr(err)
		}
	} else {
		vl, err = eventlog.Create(ctx, db.store, name, db.logger)
		if err != nil {
			return nil, mapLogErr(err)
		}
	}
	return db.retainValueLog(ctx, key, vl), nil
}

// retainValueLog installs the log under key, seeds the seen-hash set with
// the entries already present (they are served by Get, not by Watch), and
// wires the update fan-out. The loser of a racing open is dropped in favor
// of the installed handle.
func (db *DB[K, V]) retainValueLog(ctx context.Context, key K, vl *eventlog.Log) *eventlog.Log {
	seen := mapset.NewSet[string]()
	if entries, err := vl.Entries(ctx); err == nil {
		for _, e := range entries {
			seen.Add(e.Hash)
		}
	} else {
		db.logger.Warn("seeding value log failed", zap.String("key", string(key)), zap.Error(err))
	}

	db.stateMu.Lock()
	if existing := db.valueLogs[key]; existing != nil {
		db.stateMu.Unlock()
		return existing
	}
	db.valueLogs[key] = vl
	db.seenValues[key] = seen
	db.stateMu.Unlock()

	cancel := vl.Subscribe(func() { db.onValueUpdate(key) }, nil)
	db.stateMu.Lock()
	db.valueSubs = append(db.valueSubs, cancel)
	db.stateMu.Unlock()
	return vl
}

// onValueUpdate re-scans key's log and publishes every entry not seen
// before. Updates may stand for merged batches, so the scan-and-diff is
// what guarantees no value is skipped.
func (db *DB[K, V]) onValueUpdate(key K) {
	db.stateMu.Lock()
	vl := db.valueLogs[key]
	seen := db.seenValues[key]
	db.stateMu.Unlock()
	if vl == nil || seen == nil {
		return
	}

	entries, err := vl.Entries(db.ctx)
	if err != nil {
		db.logger.Warn("value rescan failed", zap.String("key", string(key)), zap.Error(err))
		return
	}
	for _, e := range entries {
		if !seen.Add(e.Hash) {
			continue
		}
		v, err := db.codec.Unmarshal(e.Value)
		if err != nil {
			db.logger.Warn("undecodable value", zap.String("key", string(key)), zap.Error(err))
			continue
		}
		db.fanout.Publish(db.topic(key), v)
	}
}

func (db *DB[K, V]) markSeen(key K, hash string) {
	db.stateMu.Lock()
	if seen, ok := db.seenValues[key]; ok {
		seen.Add(hash)
	}
	db.stateMu.Unlock()
}

func (db *DB[K, V]) logName(key K) string {
	return db.cfg.Name + "::" + string(key)
}

func (db *DB[K, V]) topic(key K) string {
	return db.logName(key)
}

// Providers exposes the connection manager's known-provider snapshot.
// It is empty for offline databases.
func (db *DB[K, V]) Providers() []network.Provider {
	if db.conn == nil {
		return nil
	}
	return db.conn.Providers()
}
