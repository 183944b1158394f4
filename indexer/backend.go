// Package indexer drives ingestion: decoding block envelopes, applying
// them through the state engine, and committing the resulting per-shard
// batches with replication. It also hosts the rollback coordinator and
// the read-side query service.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"krcindex/storage"
)

// Backend is the cluster surface the indexer needs: shard placement plus
// replicated per-shard commits. cluster.Cluster satisfies it.
type Backend interface {
	ShardCount() uint32
	ShardID(key string) uint32
	Primary(shard uint32) (storage.Engine, error)
	Commit(ctx context.Context, shard uint32, seq uint64, batch *storage.Batch) error
}

// routedView reads entity state across the whole cluster: point reads go
// to the owning shard's primary, prefix scans merge every shard's sorted
// results into one ordered stream.
type routedView struct {
	backend Backend
}

func (v routedView) Get(key string) ([]byte, error) {
	eng, err := v.backend.Primary(v.backend.ShardID(key))
	if err != nil {
		return nil, err
	}
	return eng.Get(key)
}

func (v routedView) ScanPrefix(prefix, startAfter string, limit int) ([]storage.Entry, error) {
	var merged []storage.Entry
	for shard := uint32(0); shard < v.backend.ShardCount(); shard++ {
		eng, err := v.backend.Primary(shard)
		if err != nil {
			return nil, err
		}
		entries, err := eng.ScanPrefix(prefix, startAfter, limit)
		if err != nil {
			return nil, fmt.Errorf("indexer: scan shard %d: %w", shard, err)
		}
		merged = append(merged, entries...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return strings.Compare(merged[i].Key, merged[j].Key) < 0
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
