// Package eventlog wraps one named append-only log from the log store with
// the open/sync semantics the replication layer needs.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/feedkv/feedkv/logstore"
)

// ErrSyncTimeout reports that an open-with-sync did not observe a merge
// with a remote replica within its budget. It is a distinguished condition,
// not a failure of the log itself: the handle it accompanies is open and
// usable with whatever is known locally.
var ErrSyncTimeout = errors.New("eventlog: sync timeout")

// Log is a handle on one named log.
type Log struct {
	name   string
	log    logstore.Log
	logger *zap.Logger
}

// Create idempotently creates or opens the named log with a write-open
// access policy. No sync with remote replicas is awaited.
func Create(ctx context.Context, store logstore.Store, name string, logger *zap.Logger) (*Log, error) {
	l, err := store.Open(ctx, name, logstore.WriteOpen)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %q: %w", name, err)
	}
	return &Log{name: name, log: l, logger: logger}, nil
}

// OpenExisting opens the named log and waits until a merge with a remote
// replica is observed or timeout elapses. The second return reports whether
// the log synced; when it is false the error is ErrSyncTimeout and the
// returned handle is still open with its local, initially empty, state.
func OpenExisting(ctx context.Context, store logstore.Store, name string, timeout time.Duration, logger *zap.Logger) (*Log, bool, error) {
	l, err := Create(ctx, store, name, logger)
	if err != nil {
		return nil, false, err
	}

	joined := make(chan struct{}, 1)
	cancel := l.log.OnJoin(func() {
		select {
		case joined <- struct{}{}:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-joined:
		logger.Debug("log synced", zap.String("log", name))
		return l, true, nil
	case <-timer.C:
		logger.Debug("log sync timed out", zap.String("log", name), zap.Duration("timeout", timeout))
		return l, false, ErrSyncTimeout
	case <-ctx.Done():
		return l, false, ctx.Err()
	}
}

// Name returns the log's name.
func (l *Log) Name() string { return l.name }

// Append adds value to the log and returns its content address. The entry
// is visible to local reads immediately, independent of remote merges.
func (l *Log) Append(ctx context.Context, value []byte) (string, error) {
	hash, err := l.log.Append(ctx, value)
	if err != nil {
		return "", fmt.Errorf("eventlog: append to %q: %w", l.name, err)
	}
	return hash, nil
}

// Entries returns the full locally-known sequence, oldest to newest.
func (l *Log) Entries(ctx context.Context) ([]logstore.Entry, error) {
	entries, err := l.log.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read %q: %w", l.name, err)
	}
	return entries, nil
}

// Subscribe registers update and join callbacks. Either may be nil. The
// callbacks fire asynchronously and may stand for a batch of entries;
// consumers rescan Entries and diff against seen hashes. The returned
// cancel unregisters both.
func (l *Log) Subscribe(onUpdate, onJoin func()) (cancel func()) {
	var cancels []func()
	if onUpdate != nil {
		cancels = append(cancels, l.log.OnUpdate(onUpdate))
	}
	if onJoin != nil {
		cancels = append(cancels, l.log.OnJoin(onJoin))
	}
	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
