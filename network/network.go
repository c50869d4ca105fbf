package network

import "context"

// Provider identifies a peer reachable as a content provider: its identity
// plus whatever address hints discovery produced for it.
type Provider struct {
	ID    string
	Addrs []string
}

// StreamHandler receives inbound streams for a registered protocol.
type StreamHandler func(peerID, protocolID string)

// Host is the node's view of the peer transport. Registering a protocol
// handler publishes that protocol in the host's capability list, which
// remote peers read through their Peerstore after connecting.
type Host interface {
	ID() string
	Addrs() []string
	// Handle registers h for protocolID and publishes the protocol as a
	// capability of this host.
	Handle(protocolID string, h StreamHandler) error
	// Dial connects to the peer, using the record's address hints. It is a
	// no-op when a connection already exists.
	Dial(ctx context.Context, p Provider) error
	Connected(peerID string) bool
	// OnPeerConnect registers fn to run on every new connection, inbound or
	// outbound. The returned cancel unregisters it.
	OnPeerConnect(fn func(peerID string)) (cancel func())
	// TagPeer marks the connection to peerID with a retention weight in the
	// transport's connection-management policy.
	TagPeer(peerID, tag string, weight int)
	Peerstore() Peerstore
}

// Peerstore caches what the host has learned about remote peers.
type Peerstore interface {
	// Protocols returns the peer's advertised capability list. ok is false
	// while the peer's capabilities have not been resolved yet.
	Protocols(peerID string) (protocols []string, ok bool)
	Addrs(peerID string) []string
	// AddAddrs merges address hints for a peer.
	AddAddrs(peerID string, addrs []string)
}

// ContentRouting finds and announces providers of a content address.
type ContentRouting interface {
	Provide(ctx context.Context, address string) error
	FindProviders(ctx context.Context, address string) ([]Provider, error)
}

// BlockStore is the content-addressed block store.
type BlockStore interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)
	// Pin protects an address from garbage collection.
	Pin(ctx context.Context, address string) error
	// Unpin releases an address for garbage collection.
	Unpin(ctx context.Context, address string) error
}
