// Package replication ships committed batches from a shard's primary to
// its replicas. The primary's durability never depends on a replica: under
// the async policy replicas may lag, and an unreachable replica degrades
// into catch-up mode instead of blocking writes.
package replication

import (
	"context"
	"fmt"

	"krcindex/storage"
)

// Replica receives committed batches for shards it hosts. Implementations
// must apply batches in receipt order and never originate writes of their
// own.
type Replica interface {
	ID() string
	Apply(ctx context.Context, shard uint32, batch *storage.Batch) error
}

// EngineResolver maps a shard id to the replica-local engine that stores
// it.
type EngineResolver func(shard uint32) (storage.Engine, error)

// EngineReplica applies batches directly to local storage engines. It is
// the in-process transport used when all nodes share one process; a
// network transport satisfies the same interface.
type EngineReplica struct {
	id      string
	resolve EngineResolver
}

func NewEngineReplica(id string, resolve EngineResolver) *EngineReplica {
	return &EngineReplica{id: id, resolve: resolve}
}

func (r *EngineReplica) ID() string { return r.id }

func (r *EngineReplica) Apply(ctx context.Context, shard uint32, batch *storage.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eng, err := r.resolve(shard)
	if err != nil {
		return fmt.Errorf("replication: resolve shard %d on %s: %w", shard, r.id, err)
	}
	return eng.CommitBatch(batch)
}
