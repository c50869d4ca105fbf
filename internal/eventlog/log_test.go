package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/feedkv/feedkv/logstore"
)

func TestCreateAppendEntries(t *testing.T) {
	hub := logstore.NewHub()
	store := hub.NewStore("node-a")

	log, err := Create(context.Background(), store, "db::k1", zap.NewNop())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if log.Name() != "db::k1" {
		t.Fatalf("unexpected name %q", log.Name())
	}

	hash, err := log.Append(context.Background(), []byte("v1"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	entries, err := log.Entries(context.Background())
	if err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Hash != hash {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestOpenExistingSyncsWithRemoteReplica(t *testing.T) {
	hub := logstore.NewHub()
	if _, err := Create(context.Background(), hub.NewStore("collab"), "db", zap.NewNop()); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	log, synced, err := OpenExisting(context.Background(), hub.NewStore("reader"), "db", time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !synced {
		t.Fatalf("expected sync with the existing replica")
	}
	if log == nil {
		t.Fatalf("nil log")
	}
}

func TestOpenExistingTimesOutWithoutRemote(t *testing.T) {
	hub := logstore.NewHub()

	start := time.Now()
	log, synced, err := OpenExisting(context.Background(), hub.NewStore("reader"), "db", 80*time.Millisecond, zap.NewNop())
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("expected ErrSyncTimeout, got %v", err)
	}
	if synced {
		t.Fatalf("synced flag set on timeout")
	}
	if log == nil {
		t.Fatalf("timed-out open must still return the local handle")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}

	// The handle is usable with local state.
	if _, err := log.Append(context.Background(), []byte("v1")); err != nil {
		t.Fatalf("append on timed-out log failed: %v", err)
	}
}

func TestOpenExistingHonorsContext(t *testing.T) {
	hub := logstore.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := OpenExisting(ctx, hub.NewStore("reader"), "db", time.Minute, zap.NewNop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSubscribeUpdate(t *testing.T) {
	hub := logstore.NewHub()
	logA, err := Create(context.Background(), hub.NewStore("node-a"), "db", zap.NewNop())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	logB, err := Create(context.Background(), hub.NewStore("node-b"), "db", zap.NewNop())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	updates := make(chan struct{}, 8)
	cancel := logB.Subscribe(func() { updates <- struct{}{} }, nil)
	defer cancel()

	if _, err := logA.Append(context.Background(), []byte("v1")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}
}
