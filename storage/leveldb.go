package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the persistent per-shard engine. Batches are written with
// fsync so a commit acknowledgment implies durability.
type LevelDB struct {
	db *leveldb.DB
}

var syncWrites = &opt.WriteOptions{Sync: true}

// OpenLevelDB creates or opens the engine at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) CommitBatch(batch *Batch) error {
	wb := new(leveldb.Batch)
	for _, e := range batch.Entries() {
		if e.Value == nil {
			wb.Delete([]byte(e.Key))
		} else {
			wb.Put([]byte(e.Key), e.Value)
		}
	}
	return l.db.Write(wb, syncWrites)
}

func (l *LevelDB) Get(key string) ([]byte, error) {
	value, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (l *LevelDB) ScanPrefix(prefix, startAfter string, limit int) ([]Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	return collect(iter, startAfter, limit)
}

func (l *LevelDB) Snapshot() (Snapshot, error) {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("storage: snapshot: %w", err)
	}
	return &levelSnapshot{snap: snap}, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *levelSnapshot) Get(key string) ([]byte, error) {
	value, err := s.snap.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *levelSnapshot) ScanPrefix(prefix, startAfter string, limit int) ([]Entry, error) {
	iter := s.snap.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	return collect(iter, startAfter, limit)
}

func (s *levelSnapshot) Release() {
	s.snap.Release()
}

func collect(iter iterator.Iterator, startAfter string, limit int) ([]Entry, error) {
	var out []Entry
	if startAfter != "" {
		iter.Seek([]byte(startAfter))
		if iter.Valid() && string(iter.Key()) == startAfter {
			iter.Next()
		}
	} else {
		iter.First()
	}
	for ; iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		key := string(iter.Key())
		value := append([]byte(nil), iter.Value()...)
		out = append(out, Entry{Key: key, Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	return out, nil
}
