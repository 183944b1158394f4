// Package storage provides the per-shard durable engine. Each shard owns
// one engine instance; the atomic batch commit is the ACID unit for a
// single KRC-20 operation (entity mutations + operation record + undo
// record land together or not at all).
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Entry is one write in a batch. A nil Value deletes the key.
type Entry struct {
	Key   string
	Value []byte
}

// Batch accumulates writes for one atomic commit. The zero value is ready
// to use. Entries apply in insertion order, so a later write to the same
// key wins.
type Batch struct {
	entries []Entry
}

func (b *Batch) Put(key string, value []byte) {
	b.entries = append(b.entries, Entry{Key: key, Value: value})
}

func (b *Batch) Delete(key string) {
	b.entries = append(b.entries, Entry{Key: key})
}

func (b *Batch) Len() int { return len(b.entries) }

// Entries exposes the accumulated writes. Callers must not mutate the
// returned slice.
func (b *Batch) Entries() []Entry { return b.entries }

// View is the read surface shared by live engines and snapshots.
type View interface {
	// Get returns the value for key or ErrNotFound.
	Get(key string) ([]byte, error)
	// ScanPrefix returns up to limit entries whose keys carry the prefix,
	// in ascending key order, starting strictly after startAfter when it is
	// non-empty. A limit <= 0 means no bound.
	ScanPrefix(prefix, startAfter string, limit int) ([]Entry, error)
}

// Snapshot is a point-in-time view isolated from concurrent writes. It
// must be released when done.
type Snapshot interface {
	View
	Release()
}

// Engine is one shard's durable store.
type Engine interface {
	View
	// CommitBatch applies all writes atomically and durably before
	// returning.
	CommitBatch(batch *Batch) error
	// Snapshot opens a consistent point-in-time view.
	Snapshot() (Snapshot, error)
	Close() error
}
