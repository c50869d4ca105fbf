package logstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryAppendVisibleLocally(t *testing.T) {
	hub := NewHub()
	store := hub.NewStore("node-a")

	log, err := store.Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	hash, err := log.Append(context.Background(), []byte("v1"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}

	entries, err := log.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Value) != "v1" {
		t.Fatalf("unexpected entries: %v", entries)
	}
	if entries[0].Hash != hash {
		t.Fatalf("hash mismatch: %q vs %q", entries[0].Hash, hash)
	}
}

func TestMemoryEntriesOrdered(t *testing.T) {
	hub := NewHub()
	store := hub.NewStore("node-a")
	log, err := store.Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	want := []string{"v1", "v2", "v3"}
	hashes := make(map[string]struct{})
	for _, v := range want {
		hash, err := log.Append(context.Background(), []byte(v))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if _, dup := hashes[hash]; dup {
			t.Fatalf("duplicate hash %q", hash)
		}
		hashes[hash] = struct{}{}
	}

	entries, err := log.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("entry count mismatch: %d", len(entries))
	}
	for i, v := range want {
		if string(entries[i].Value) != v {
			t.Fatalf("order mismatch at %d: %q", i, entries[i].Value)
		}
	}
}

func TestMemoryOpenTwiceSameHandle(t *testing.T) {
	hub := NewHub()
	store := hub.NewStore("node-a")
	first, err := store.Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	second, err := store.Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same handle for the same name")
	}
}

func TestMemoryUpdateFiresOnRemoteReplica(t *testing.T) {
	hub := NewHub()
	logA, err := hub.NewStore("node-a").Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	logB, err := hub.NewStore("node-b").Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	updatesB := make(chan struct{}, 8)
	cancel := logB.OnUpdate(func() { updatesB <- struct{}{} })
	defer cancel()

	localFired := false
	cancelA := logA.OnUpdate(func() { localFired = true })
	defer cancelA()

	if _, err := logA.Append(context.Background(), []byte("v1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case <-updatesB:
	case <-time.After(time.Second):
		t.Fatalf("remote replica saw no update")
	}
	if localFired {
		t.Fatalf("append must not fire update on its own replica")
	}

	entries, err := logB.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Value) != "v1" {
		t.Fatalf("remote replica missing entry: %v", entries)
	}
}

func TestMemoryJoinOnSecondReplica(t *testing.T) {
	hub := NewHub()
	logA, err := hub.NewStore("node-a").Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	joinedA := make(chan struct{}, 1)
	cancel := logA.OnJoin(func() {
		select {
		case joinedA <- struct{}{}:
		default:
		}
	})
	defer cancel()

	logB, err := hub.NewStore("node-b").Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	select {
	case <-joinedA:
	case <-time.After(time.Second):
		t.Fatalf("existing replica saw no join")
	}

	// The join is sticky: a subscriber arriving after the merge still
	// observes it.
	joinedB := make(chan struct{}, 1)
	cancelB := logB.OnJoin(func() {
		select {
		case joinedB <- struct{}{}:
		default:
		}
	})
	defer cancelB()
	select {
	case <-joinedB:
	case <-time.After(time.Second):
		t.Fatalf("late subscriber saw no join")
	}
}

func TestMemoryNoJoinWithoutRemote(t *testing.T) {
	hub := NewHub()
	log, err := hub.NewStore("node-a").Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	joined := make(chan struct{}, 1)
	cancel := log.OnJoin(func() { joined <- struct{}{} })
	defer cancel()

	select {
	case <-joined:
		t.Fatalf("unexpected join on a lone replica")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemorySameNodeReplicaIsNotRemote(t *testing.T) {
	hub := NewHub()
	store := hub.NewStore("node-a")
	if _, err := store.Open(context.Background(), "db", WriteOpen); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	other := hub.NewStore("node-a")
	log, err := other.Open(context.Background(), "db", WriteOpen)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	joined := make(chan struct{}, 1)
	cancel := log.OnJoin(func() { joined <- struct{}{} })
	defer cancel()

	select {
	case <-joined:
		t.Fatalf("replicas of the same node must not join each other")
	case <-time.After(100 * time.Millisecond):
	}
}
