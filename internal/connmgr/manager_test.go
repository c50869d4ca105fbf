package connmgr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/feedkv/feedkv/network"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func startManager(t *testing.T, f *network.Fabric, database string, collaborator bool) (*Manager, *network.Node) {
	t.Helper()
	node := f.NewNode()
	m := New(Config{
		Database:          database,
		Collaborator:      collaborator,
		SearchInterval:    30 * time.Millisecond,
		AdvertiseInterval: 30 * time.Millisecond,
		ReconnectInterval: 30 * time.Millisecond,
		Logger:            zap.NewNop(),
	}, node.Host(), node.Routing(), node.Blocks())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, node
}

func TestBeaconAddressDeterministic(t *testing.T) {
	if BeaconAddress("db") != BeaconAddress("db") {
		t.Fatalf("beacon address not deterministic")
	}
	if BeaconAddress("db") == BeaconAddress("other") {
		t.Fatalf("beacon address not scoped to the database name")
	}
}

func TestReaderFindsAndConnectsCollaborator(t *testing.T) {
	f := network.NewFabric()
	_, collab := startManager(t, f, "db", true)
	reader, readerNode := startManager(t, f, "db", false)

	waitFor(t, 3*time.Second, func() bool {
		return readerNode.Host().Connected(collab.Host().ID())
	})

	// The collaborator advertises the provider sub-protocol, so the reader
	// merges it into its known-provider set.
	waitFor(t, 3*time.Second, func() bool {
		for _, p := range reader.Providers() {
			if p.ID == collab.Host().ID() {
				return true
			}
		}
		return false
	})

	// Both sides tag the connection for retention.
	waitFor(t, 3*time.Second, func() bool {
		w, ok := f.PeerTag(readerNode.Host().ID(), collab.Host().ID(), ConnTag)
		return ok && w > 0
	})
}

func TestReaderIsNotRememberedAsProvider(t *testing.T) {
	f := network.NewFabric()
	collabMgr, _ := startManager(t, f, "db", true)
	_, readerNode := startManager(t, f, "db", false)

	waitFor(t, 3*time.Second, func() bool {
		return readerNode.Host().Connected(collabMgr.host.ID())
	})
	time.Sleep(100 * time.Millisecond)
	for _, p := range collabMgr.Providers() {
		if p.ID == readerNode.Host().ID() {
			t.Fatalf("reader remembered as provider")
		}
	}
}

func TestConnectToProviderSkipsSelf(t *testing.T) {
	f := network.NewFabric()
	m, node := startManager(t, f, "db", false)
	m.ConnectToProvider(network.Provider{ID: node.Host().ID()})
	time.Sleep(50 * time.Millisecond)
	if node.Host().Connected(node.Host().ID()) {
		t.Fatalf("dialed self")
	}
}

func TestConnectToProviderSkipsConnected(t *testing.T) {
	f := network.NewFabric()
	m, node := startManager(t, f, "db", false)
	peer := f.NewNode()

	var dials atomic.Int32
	cancel := peer.Host().OnPeerConnect(func(string) { dials.Add(1) })
	defer cancel()

	m.ConnectToProvider(network.Provider{ID: peer.Host().ID()})
	waitFor(t, time.Second, func() bool {
		return node.Host().Connected(peer.Host().ID())
	})
	m.ConnectToProvider(network.Provider{ID: peer.Host().ID()})
	time.Sleep(100 * time.Millisecond)
	if n := dials.Load(); n != 1 {
		t.Fatalf("expected exactly one dial, saw %d", n)
	}
}

func TestReconnectLoopRedialsDroppedProvider(t *testing.T) {
	f := network.NewFabric()
	_, collab := startManager(t, f, "db", true)
	_, readerNode := startManager(t, f, "db", false)

	waitFor(t, 3*time.Second, func() bool {
		return readerNode.Host().Connected(collab.Host().ID())
	})

	f.Disconnect(readerNode.Host().ID(), collab.Host().ID())
	waitFor(t, 3*time.Second, func() bool {
		return readerNode.Host().Connected(collab.Host().ID())
	})
}

func TestBootstrapDialedOnce(t *testing.T) {
	f := network.NewFabric()
	peer := f.NewNode()
	node := f.NewNode()
	m := New(Config{
		Database:  "db",
		Bootstrap: []network.Provider{{ID: peer.Host().ID()}},
		Logger:    zap.NewNop(),
	}, node.Host(), node.Routing(), node.Blocks())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer m.Stop()
	if !node.Host().Connected(peer.Host().ID()) {
		t.Fatalf("bootstrap provider not dialed")
	}
}
