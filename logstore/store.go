package logstore

import "context"

// AccessPolicy controls who may append to a log.
type AccessPolicy int

const (
	// WriteOpen permits appends from any identity. It is the only policy the
	// replication layer uses: conflict resolution happens at merge time, not
	// at write time.
	WriteOpen AccessPolicy = iota
)

// Entry is a single immutable log record: a content address plus the opaque
// value bytes it addresses.
type Entry struct {
	Hash  string
	Value []byte
}

// Store opens named append-only logs. Opening the same name twice on one
// node returns handles over the same underlying log.
type Store interface {
	Open(ctx context.Context, name string, policy AccessPolicy) (Log, error)
}

// Log is a handle on one named append-only log. Appends are immediately
// visible to local reads; entries from remote replicas become visible after
// a merge, announced through the update/join callbacks.
//
// Callbacks are fired asynchronously and are not exactly-once per entry: one
// update may stand for a whole merged batch. Consumers that must not miss
// entries re-scan Entries and diff against hashes they have already seen.
type Log interface {
	Name() string
	// Append adds value to the log and returns its content address.
	Append(ctx context.Context, value []byte) (string, error)
	// Entries returns the full locally-known sequence, oldest to newest in
	// local merge order. It is restartable, not a live stream.
	Entries(ctx context.Context) ([]Entry, error)
	// OnUpdate registers fn to run after entries from a remote replica have
	// been merged in. The returned cancel unregisters it.
	OnUpdate(fn func()) (cancel func())
	// OnJoin registers fn to run when a remote replica of this log is first
	// merged with. The returned cancel unregisters it.
	OnJoin(fn func()) (cancel func())
}
