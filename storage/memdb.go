package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemDB is the in-memory engine used by tests and by replica fixtures. It
// implements the same contract as LevelDB, including snapshot isolation.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (m *MemDB) CommitBatch(batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range batch.Entries() {
		if e.Value == nil {
			delete(m.data, e.Key)
		} else {
			m.data[e.Key] = append([]byte(nil), e.Value...)
		}
	}
	return nil
}

func (m *MemDB) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return getFrom(m.data, key)
}

func (m *MemDB) ScanPrefix(prefix, startAfter string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return scanFrom(m.data, prefix, startAfter, limit)
}

func (m *MemDB) Snapshot() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	copied := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		copied[k] = v
	}
	return &memSnapshot{data: copied}, nil
}

func (m *MemDB) Close() error { return nil }

// Len reports the number of live keys; test helper.
func (m *MemDB) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

type memSnapshot struct {
	data map[string][]byte
}

func (s *memSnapshot) Get(key string) ([]byte, error) {
	return getFrom(s.data, key)
}

func (s *memSnapshot) ScanPrefix(prefix, startAfter string, limit int) ([]Entry, error) {
	return scanFrom(s.data, prefix, startAfter, limit)
}

func (s *memSnapshot) Release() {}

func getFrom(data map[string][]byte, key string) ([]byte, error) {
	value, ok := data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func scanFrom(data map[string][]byte, prefix, startAfter string, limit int) ([]Entry, error) {
	keys := make([]string, 0)
	for k := range data {
		if strings.HasPrefix(k, prefix) && (startAfter == "" || k > startAfter) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, Entry{Key: k, Value: append([]byte(nil), data[k]...)})
	}
	return out, nil
}
