package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fabric is an in-process peer transport: hosts attached to the same fabric
// can dial each other, resolve each other's capabilities, and find each
// other through its content routing. It implements the substrate contracts
// for single-process use and for tests.
type Fabric struct {
	mu            sync.Mutex
	hosts         map[string]*fabricHost
	conns         map[string]map[string]time.Time
	providers     map[string]map[string]struct{}
	identifyDelay time.Duration
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		hosts:     make(map[string]*fabricHost),
		conns:     make(map[string]map[string]time.Time),
		providers: make(map[string]map[string]struct{}),
	}
}

// SetIdentifyDelay makes peer capabilities resolvable only after d has
// passed since the connection was made, imitating the identify round-trip
// of a real transport.
func (f *Fabric) SetIdentifyDelay(d time.Duration) {
	f.mu.Lock()
	f.identifyDelay = d
	f.mu.Unlock()
}

// Node bundles one peer's host, content routing and block store.
type Node struct {
	host    *fabricHost
	routing *fabricRouting
	blocks  *memoryBlocks
}

// NewNode attaches a new peer to the fabric. When no addresses are given a
// synthetic one is derived from the generated peer id.
func (f *Fabric) NewNode(addrs ...string) *Node {
	id := uuid.NewString()
	if len(addrs) == 0 {
		addrs = []string{"/mem/" + id[:8]}
	}
	h := &fabricHost{
		fabric:     f,
		id:         id,
		addrs:      append([]string(nil), addrs...),
		handlers:   make(map[string]StreamHandler),
		connectCbs: make(map[string]func(string)),
		addrHints:  make(map[string][]string),
	}
	f.mu.Lock()
	f.hosts[id] = h
	f.mu.Unlock()
	return &Node{
		host:    h,
		routing: &fabricRouting{fabric: f, host: h},
		blocks: &memoryBlocks{
			blocks: make(map[string][]byte),
			pinned: make(map[string]struct{}),
		},
	}
}

func (n *Node) Host() Host              { return n.host }
func (n *Node) Routing() ContentRouting { return n.routing }
func (n *Node) Blocks() BlockStore      { return n.blocks }

// Disconnect drops the connection between two peers without notifying
// either side, the way a network fault would.
func (f *Fabric) Disconnect(a, b string) {
	f.mu.Lock()
	delete(f.conns[a], b)
	delete(f.conns[b], a)
	f.mu.Unlock()
}

// PeerTag reports the retention weight host has assigned to peer under tag.
func (f *Fabric) PeerTag(hostID, peerID, tag string) (int, bool) {
	f.mu.Lock()
	h, ok := f.hosts[hostID]
	f.mu.Unlock()
	if !ok {
		return 0, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	tags, ok := h.tags[peerID]
	if !ok {
		return 0, false
	}
	w, ok := tags[tag]
	return w, ok
}

type fabricHost struct {
	fabric *Fabric
	id     string
	addrs  []string

	mu         sync.Mutex
	protocols  []string
	handlers   map[string]StreamHandler
	connectCbs map[string]func(string)
	addrHints  map[string][]string
	tags       map[string]map[string]int
}

func (h *fabricHost) ID() string      { return h.id }
func (h *fabricHost) Addrs() []string { return append([]string(nil), h.addrs...) }

func (h *fabricHost) Handle(protocolID string, handler StreamHandler) error {
	if protocolID == "" {
		return fmt.Errorf("network: protocol id cannot be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[protocolID]; !ok {
		h.protocols = append(h.protocols, protocolID)
	}
	h.handlers[protocolID] = handler
	return nil
}

func (h *fabricHost) Dial(ctx context.Context, p Provider) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.ID == h.id {
		return fmt.Errorf("network: cannot dial self")
	}

	f := h.fabric
	f.mu.Lock()
	target := f.hosts[p.ID]
	if target == nil {
		target = f.lookupByAddrLocked(p.Addrs)
	}
	if target == nil || target.id == h.id {
		f.mu.Unlock()
		return fmt.Errorf("network: peer %q unreachable", p.ID)
	}
	if _, ok := f.conns[h.id][target.id]; ok {
		f.mu.Unlock()
		return nil
	}
	now := time.Now()
	if f.conns[h.id] == nil {
		f.conns[h.id] = make(map[string]time.Time)
	}
	if f.conns[target.id] == nil {
		f.conns[target.id] = make(map[string]time.Time)
	}
	f.conns[h.id][target.id] = now
	f.conns[target.id][h.id] = now
	f.mu.Unlock()

	h.notifyConnect(target.id)
	target.notifyConnect(h.id)
	return nil
}

func (h *fabricHost) Connected(peerID string) bool {
	f := h.fabric
	f.mu.Lock()
	_, ok := f.conns[h.id][peerID]
	f.mu.Unlock()
	return ok
}

func (h *fabricHost) OnPeerConnect(fn func(peerID string)) (cancel func()) {
	id := uuid.NewString()
	h.mu.Lock()
	h.connectCbs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.connectCbs, id)
		h.mu.Unlock()
	}
}

func (h *fabricHost) TagPeer(peerID, tag string, weight int) {
	h.mu.Lock()
	if h.tags == nil {
		h.tags = make(map[string]map[string]int)
	}
	if h.tags[peerID] == nil {
		h.tags[peerID] = make(map[string]int)
	}
	h.tags[peerID][tag] = weight
	h.mu.Unlock()
}

func (h *fabricHost) Peerstore() Peerstore { return (*fabricPeerstore)(h) }

func (h *fabricHost) notifyConnect(peerID string) {
	h.mu.Lock()
	fns := make([]func(string), 0, len(h.connectCbs))
	for _, fn := range h.connectCbs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		go fn(peerID)
	}
}

func (f *Fabric) lookupByAddrLocked(addrs []string) *fabricHost {
	for _, h := range f.hosts {
		for _, a := range h.addrs {
			for _, want := range addrs {
				if a == want {
					return h
				}
			}
		}
	}
	return nil
}

type fabricPeerstore fabricHost

// Protocols resolves the remote peer's capability list. Capabilities become
// visible only once the peer is connected and the identify delay, if any,
// has elapsed.
func (p *fabricPeerstore) Protocols(peerID string) ([]string, bool) {
	h := (*fabricHost)(p)
	f := h.fabric
	f.mu.Lock()
	at, connected := f.conns[h.id][peerID]
	delay := f.identifyDelay
	remote := f.hosts[peerID]
	f.mu.Unlock()
	if !connected || remote == nil {
		return nil, false
	}
	if delay > 0 && time.Since(at) < delay {
		return nil, false
	}
	remote.mu.Lock()
	out := append([]string(nil), remote.protocols...)
	remote.mu.Unlock()
	return out, true
}

func (p *fabricPeerstore) Addrs(peerID string) []string {
	h := (*fabricHost)(p)
	h.mu.Lock()
	hints := append([]string(nil), h.addrHints[peerID]...)
	h.mu.Unlock()

	f := h.fabric
	f.mu.Lock()
	remote := f.hosts[peerID]
	f.mu.Unlock()
	if remote != nil {
	outer:
		for _, a := range remote.addrs {
			for _, have := range hints {
				if have == a {
					continue outer
				}
			}
			hints = append(hints, a)
		}
	}
	return hints
}

func (p *fabricPeerstore) AddAddrs(peerID string, addrs []string) {
	h := (*fabricHost)(p)
	h.mu.Lock()
	defer h.mu.Unlock()
outer:
	for _, a := range addrs {
		for _, have := range h.addrHints[peerID] {
			if have == a {
				continue outer
			}
		}
		h.addrHints[peerID] = append(h.addrHints[peerID], a)
	}
}

type fabricRouting struct {
	fabric *Fabric
	host   *fabricHost
}

func (r *fabricRouting) Provide(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := r.fabric
	f.mu.Lock()
	if f.providers[address] == nil {
		f.providers[address] = make(map[string]struct{})
	}
	f.providers[address][r.host.id] = struct{}{}
	f.mu.Unlock()
	return nil
}

func (r *fabricRouting) FindProviders(ctx context.Context, address string) ([]Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := r.fabric
	f.mu.Lock()
	out := make([]Provider, 0, len(f.providers[address]))
	for id := range f.providers[address] {
		if h := f.hosts[id]; h != nil {
			out = append(out, Provider{ID: id, Addrs: h.Addrs()})
		}
	}
	f.mu.Unlock()
	return out, nil
}

type memoryBlocks struct {
	mu     sync.Mutex
	blocks map[string][]byte
	pinned map[string]struct{}
}

func (b *memoryBlocks) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	address := hex.EncodeToString(sum[:])
	b.mu.Lock()
	b.blocks[address] = append([]byte(nil), data...)
	b.mu.Unlock()
	return address, nil
}

func (b *memoryBlocks) Pin(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.pinned[address] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *memoryBlocks) Unpin(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.pinned, address)
	b.mu.Unlock()
	return nil
}
