package feedkv

import (
	"errors"

	"github.com/feedkv/feedkv/internal/eventlog"
)

var (
	// ErrKeyNotFound indicates a Get on a key absent from the local key set.
	ErrKeyNotFound = errors.New("feedkv: key not found")
	// ErrSyncTimeout indicates that an open did not observe a merge with a
	// remote replica within its budget. It is recoverable everywhere except
	// a Reader's initial database open.
	ErrSyncTimeout = errors.New("feedkv: sync timeout")
	// ErrNoProviders indicates that a Reader could not find any collaborator
	// to bootstrap the database from. It aborts initialization.
	ErrNoProviders = errors.New("feedkv: no providers found")
	// ErrClosed indicates that the DB has been closed.
	ErrClosed = errors.New("feedkv: database is closed")
)

// mapLogErr rewrites internal log conditions into the package's sentinel
// errors. Unrecognized errors pass through unchanged.
func mapLogErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, eventlog.ErrSyncTimeout) {
		return ErrSyncTimeout
	}
	return err
}
