package logstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in-process merge fabric for memory-backed logs. Stores attached
// to the same hub stand in for nodes: a log opened under the same name on
// two stores converges through the hub, with join/update events delivered
// the way a networked log engine would deliver them. It is the default
// engine for single-process use and for tests.
type Hub struct {
	mu   sync.Mutex
	logs map[string]*sharedLog
}

type sharedLog struct {
	name     string
	entries  []Entry
	replicas map[*memoryLog]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{logs: make(map[string]*sharedLog)}
}

// NewStore attaches a node to the hub and returns its store view. nodeID
// distinguishes replicas: events are delivered only across nodes, never to
// the replica that caused them.
func (h *Hub) NewStore(nodeID string) Store {
	return &memoryStore{
		hub:    h,
		nodeID: nodeID,
		open:   make(map[string]*memoryLog),
	}
}

type memoryStore struct {
	hub    *Hub
	nodeID string

	mu   sync.Mutex
	open map[string]*memoryLog
}

func (s *memoryStore) Open(ctx context.Context, name string, policy AccessPolicy) (Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("logstore: log name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ml, ok := s.open[name]; ok {
		return ml, nil
	}

	h := s.hub
	h.mu.Lock()
	shared, ok := h.logs[name]
	if !ok {
		shared = &sharedLog{
			name:     name,
			replicas: make(map[*memoryLog]struct{}),
		}
		h.logs[name] = shared
	}
	ml := &memoryLog{
		hub:     h,
		shared:  shared,
		nodeID:  s.nodeID,
		updates: make(map[string]func()),
		joins:   make(map[string]func()),
	}
	var remotes []*memoryLog
	for r := range shared.replicas {
		if r.nodeID != s.nodeID {
			remotes = append(remotes, r)
		}
	}
	shared.replicas[ml] = struct{}{}
	h.mu.Unlock()

	// A remote replica already holds this log: both sides observe a join.
	if len(remotes) > 0 {
		ml.markJoined()
		for _, r := range remotes {
			r.markJoined()
		}
	}

	s.open[name] = ml
	return ml, nil
}

type memoryLog struct {
	hub    *Hub
	shared *sharedLog
	nodeID string

	cbMu    sync.Mutex
	joined  bool
	updates map[string]func()
	joins   map[string]func()
}

func (l *memoryLog) Name() string { return l.shared.name }

func (l *memoryLog) Append(ctx context.Context, value []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data := append([]byte(nil), value...)
	h := l.hub
	h.mu.Lock()
	hash := entryHash(l.shared.name, l.nodeID, len(l.shared.entries), data)
	l.shared.entries = append(l.shared.entries, Entry{Hash: hash, Value: data})
	var remotes []*memoryLog
	for r := range l.shared.replicas {
		if r.nodeID != l.nodeID {
			remotes = append(remotes, r)
		}
	}
	h.mu.Unlock()

	for _, r := range remotes {
		r.fireUpdate()
	}
	return hash, nil
}

func (l *memoryLog) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := l.hub
	h.mu.Lock()
	out := make([]Entry, len(l.shared.entries))
	for i, e := range l.shared.entries {
		out[i] = Entry{Hash: e.Hash, Value: append([]byte(nil), e.Value...)}
	}
	h.mu.Unlock()
	return out, nil
}

func (l *memoryLog) OnUpdate(fn func()) (cancel func()) {
	id := uuid.NewString()
	l.cbMu.Lock()
	l.updates[id] = fn
	l.cbMu.Unlock()
	return func() {
		l.cbMu.Lock()
		delete(l.updates, id)
		l.cbMu.Unlock()
	}
}

// OnJoin is sticky: if the log has already merged with a remote replica,
// fn fires immediately. Without this a subscriber racing the first merge
// would wait out its sync budget for an event that already happened.
func (l *memoryLog) OnJoin(fn func()) (cancel func()) {
	id := uuid.NewString()
	l.cbMu.Lock()
	l.joins[id] = fn
	joined := l.joined
	l.cbMu.Unlock()
	if joined {
		go fn()
	}
	return func() {
		l.cbMu.Lock()
		delete(l.joins, id)
		l.cbMu.Unlock()
	}
}

func (l *memoryLog) fireUpdate() {
	l.cbMu.Lock()
	fns := make([]func(), 0, len(l.updates))
	for _, fn := range l.updates {
		fns = append(fns, fn)
	}
	l.cbMu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}

func (l *memoryLog) markJoined() {
	l.cbMu.Lock()
	first := !l.joined
	l.joined = true
	fns := make([]func(), 0, len(l.joins))
	for _, fn := range l.joins {
		fns = append(fns, fn)
	}
	l.cbMu.Unlock()
	if !first {
		return
	}
	for _, fn := range fns {
		go fn()
	}
}

func entryHash(name, nodeID string, index int, value []byte) string {
	sum := sha256.New()
	fmt.Fprintf(sum, "%s|%s|%d|", name, nodeID, index)
	sum.Write(value)
	return hex.EncodeToString(sum.Sum(nil))
}
