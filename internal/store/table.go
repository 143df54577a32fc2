package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that no version exists for the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrConflict reports a conditional put that lost to a concurrent
	// writer: the (kind, id, version) key already exists.
	ErrConflict = errors.New("version conflict")
	// ErrUnavailable reports that storage stayed unreachable after the
	// bounded retry budget was spent.
	ErrUnavailable = errors.New("storage unavailable")
)

// Table is the managed key-value table the version chains live in. The
// partition key is (kind, id), the sort key is version. Put is the only
// write primitive; with ifAbsent it is the conditional write that gives
// appenders their optimistic-concurrency guarantee.
type Table interface {
	// Get returns one specific version.
	Get(ctx context.Context, kind, id string, version int) (Record, error)
	// Query returns every version for an id, newest first. An unknown id
	// yields an empty slice, not an error.
	Query(ctx context.Context, kind, id string) ([]Record, error)
	// Put writes a record. With ifAbsent set it fails with ErrConflict
	// when the key already exists; this is the append-time race detector.
	Put(ctx context.Context, rec Record, ifAbsent bool) error
	// Delete removes a single version, or the entire chain when version
	// is zero or negative. Deleting what is already absent is a no-op.
	Delete(ctx context.Context, kind, id string, version int) error
	// Scan returns the current (highest) version of every chain of a
	// kind for which filter returns true. A nil filter matches all.
	Scan(ctx context.Context, kind string, filter func(Record) bool) ([]Record, error)
}
