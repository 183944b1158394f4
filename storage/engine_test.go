package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	ldb, err := OpenLevelDB(filepath.Join(t.TempDir(), "shard-0"))
	require.NoError(t, err)
	t.Cleanup(func() { ldb.Close() })
	return map[string]Engine{
		"leveldb": ldb,
		"memdb":   NewMemDB(),
	}
}

func TestEngineContract(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			_, err := eng.Get("missing")
			require.ErrorIs(t, err, ErrNotFound)

			batch := new(Batch)
			batch.Put("token/DRGN", []byte("a"))
			batch.Put("token/NACH", []byte("b"))
			batch.Put("balance/addr1/DRGN", []byte("1"))
			batch.Put("balance/addr1/NACH", []byte("2"))
			batch.Put("balance/addr2/DRGN", []byte("3"))
			require.Equal(t, 5, batch.Len())
			require.NoError(t, eng.CommitBatch(batch))

			if mem, ok := eng.(*MemDB); ok {
				require.Equal(t, 5, mem.Len())
			}

			got, err := eng.Get("token/DRGN")
			require.NoError(t, err)
			require.Equal(t, []byte("a"), got)

			// Later writes in one batch win, deletes apply atomically.
			batch2 := new(Batch)
			batch2.Put("token/DRGN", []byte("a1"))
			batch2.Put("token/DRGN", []byte("a2"))
			batch2.Delete("token/NACH")
			require.NoError(t, eng.CommitBatch(batch2))

			got, err = eng.Get("token/DRGN")
			require.NoError(t, err)
			require.Equal(t, []byte("a2"), got)
			_, err = eng.Get("token/NACH")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestScanPrefixPagination(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			batch := new(Batch)
			for _, k := range []string{"p/a", "p/b", "p/c", "p/d", "q/a"} {
				batch.Put(k, []byte(k))
			}
			require.NoError(t, eng.CommitBatch(batch))

			page1, err := eng.ScanPrefix("p/", "", 2)
			require.NoError(t, err)
			require.Equal(t, []string{"p/a", "p/b"}, keysOf(page1))

			page2, err := eng.ScanPrefix("p/", page1[len(page1)-1].Key, 2)
			require.NoError(t, err)
			require.Equal(t, []string{"p/c", "p/d"}, keysOf(page2))

			page3, err := eng.ScanPrefix("p/", page2[len(page2)-1].Key, 2)
			require.NoError(t, err)
			require.Empty(t, page3)

			all, err := eng.ScanPrefix("p/", "", 0)
			require.NoError(t, err)
			require.Len(t, all, 4)
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	for name, eng := range engines(t) {
		t.Run(name, func(t *testing.T) {
			batch := new(Batch)
			batch.Put("token/DRGN", []byte("v1"))
			require.NoError(t, eng.CommitBatch(batch))

			snap, err := eng.Snapshot()
			require.NoError(t, err)
			defer snap.Release()

			batch2 := new(Batch)
			batch2.Put("token/DRGN", []byte("v2"))
			batch2.Put("token/NEW", []byte("x"))
			require.NoError(t, eng.CommitBatch(batch2))

			got, err := snap.Get("token/DRGN")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), got)
			_, err = snap.Get("token/NEW")
			require.ErrorIs(t, err, ErrNotFound)

			live, err := eng.Get("token/DRGN")
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), live)
		})
	}
}

func TestLevelDBReopenDurability(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shard-0")

	ldb, err := OpenLevelDB(dir)
	require.NoError(t, err)
	batch := new(Batch)
	batch.Put("token/DRGN", []byte("persist"))
	require.NoError(t, ldb.CommitBatch(batch))
	require.NoError(t, ldb.Close())

	again, err := OpenLevelDB(dir)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Get("token/DRGN")
	require.NoError(t, err)
	require.Equal(t, []byte("persist"), got)
}

func TestSeqKeys(t *testing.T) {
	key := OpKey(42, "aabb")
	require.Equal(t, "op/00000000000000000042/aabb", key)

	seq, txid, err := ParseSeqKey(key)
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)
	require.Equal(t, "aabb", txid)

	ukey := UndoKey(7, 2, "ff")
	require.Equal(t, "undo/00000000000000000007/00002/ff", ukey)

	seq, ord, txid, err := ParseUndoKey(ukey)
	require.NoError(t, err)
	require.Equal(t, uint64(7), seq)
	require.Equal(t, uint32(2), ord)
	require.Equal(t, "ff", txid)

	_, _, err = ParseSeqKey("token/DRGN")
	require.Error(t, err)
	_, _, _, err = ParseUndoKey(key)
	require.Error(t, err)

	// Zero padding keeps lexicographic order aligned with numeric order.
	require.Less(t, OpKey(9, "x"), OpKey(10, "x"))
	require.Less(t, OpKey(999, "x"), OpKey(1000, "x"))
	require.Less(t, UndoKey(5, 1, "x"), UndoKey(5, 2, "x"))
	require.Less(t, UndoKey(5, 99, "x"), UndoKey(6, 0, "x"))
}

func keysOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
