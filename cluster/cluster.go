// Package cluster wires the consistent-hash ring, the per-shard storage
// engines, and the replication pipeline into one routing surface. Shard
// ownership comes from the ring; the shard id of a key is fixed by the
// configured shard count and never moves when membership changes.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"krcindex/config"
	"krcindex/replication"
	"krcindex/ring"
	"krcindex/storage"
)

// EngineOpener abstracts how a (node, shard) engine comes to life so tests
// can run the whole cluster on in-memory engines.
type EngineOpener func(path string) (storage.Engine, error)

// Cluster hosts the engines of every configured node in one process and
// routes committed batches to shard primaries and their replicas. A
// network deployment swaps the in-process replica transport for a remote
// one without touching the routing logic.
type Cluster struct {
	cfg  *config.Config
	log  *slog.Logger
	open EngineOpener

	ring atomic.Pointer[ring.Ring]

	mu      sync.Mutex
	engines map[string]map[uint32]storage.Engine
	dataDir map[string]string

	manager *replication.Manager
	journal *replication.Journal
}

// Open builds the ring from the configured membership and starts the
// replication manager. Engines are opened lazily per (node, shard).
func Open(cfg *config.Config, log *slog.Logger) (*Cluster, error) {
	return openWith(cfg, log, func(path string) (storage.Engine, error) {
		return storage.OpenLevelDB(path)
	})
}

func openWith(cfg *config.Config, log *slog.Logger, open EngineOpener) (*Cluster, error) {
	if log == nil {
		log = slog.Default()
	}

	nodeIDs := make([]string, 0, len(cfg.Cluster.Nodes))
	dataDir := make(map[string]string, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
		dataDir[n.ID] = n.DataDir
	}

	r, err := ring.New(nodeIDs, cfg.Cluster.VirtualNodes)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:     cfg,
		log:     log,
		open:    open,
		engines: make(map[string]map[uint32]storage.Engine),
		dataDir: dataDir,
	}
	c.ring.Store(r)

	var journal *replication.Journal
	if cfg.Replication.JournalEnabled {
		path := filepath.Join(dataDir[nodeIDs[0]], "replication.journal")
		journal, err = replication.OpenJournal(path)
		if err != nil {
			return nil, err
		}
	}
	c.journal = journal

	c.manager = replication.NewManager(replication.Config{
		Strategy:      replication.Policy(cfg.Replication.Strategy),
		Factor:        cfg.Cluster.ReplicationFactor,
		Timeout:       time.Duration(cfg.Replication.TimeoutMillis) * time.Millisecond,
		PendingBuffer: cfg.Replication.PendingBuffer,
		CatchupPerSec: cfg.Replication.CatchupPerSec,
	}, journal, log)
	c.manager.SetHealthListener(c.SetHealth)

	for _, id := range nodeIDs {
		id := id
		c.manager.Register(replication.NewEngineReplica(id, func(shard uint32) (storage.Engine, error) {
			return c.Engine(id, shard)
		}))
	}
	return c, nil
}

// Ring returns the current membership snapshot.
func (c *Cluster) Ring() *ring.Ring { return c.ring.Load() }

// ShardCount is fixed at cluster creation.
func (c *Cluster) ShardCount() uint32 { return c.cfg.Cluster.ShardCount }

// ShardID places a key on its shard. The mapping depends only on the key
// digest and the shard count, never on membership.
func (c *Cluster) ShardID(key string) uint32 {
	return uint32(ring.KeyHash(key) % uint64(c.cfg.Cluster.ShardCount))
}

func shardKey(shard uint32) string {
	return fmt.Sprintf("shard/%d", shard)
}

// Route returns the shard's owner set: the primary first, then the
// replicas, replication-factor nodes in total. ring.ErrNotEnoughNodes is
// fatal; the caller must stop ingesting rather than write unplaced data.
func (c *Cluster) Route(shard uint32) ([]string, error) {
	return c.Ring().Lookup(shardKey(shard), c.cfg.Cluster.ReplicationFactor)
}

// Engine returns the (node, shard) engine, opening it on first use.
func (c *Cluster) Engine(node string, shard uint32) (storage.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, ok := c.dataDir[node]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown node %q", node)
	}
	shards, ok := c.engines[node]
	if !ok {
		shards = make(map[uint32]storage.Engine)
		c.engines[node] = shards
	}
	if eng, ok := shards[shard]; ok {
		return eng, nil
	}
	eng, err := c.open(filepath.Join(dir, fmt.Sprintf("shard-%03d", shard)))
	if err != nil {
		return nil, fmt.Errorf("cluster: open shard %d on %s: %w", shard, node, err)
	}
	shards[shard] = eng
	return eng, nil
}

// Primary returns the engine of the shard's current primary.
func (c *Cluster) Primary(shard uint32) (storage.Engine, error) {
	owners, err := c.Route(shard)
	if err != nil {
		return nil, err
	}
	return c.Engine(owners[0], shard)
}

// Commit writes the batch durably on the shard's primary and ships it to
// the replicas according to the configured policy. Under sync replication
// an error means quorum was not reached and the caller must treat the
// operation as uncommitted cluster-wide even though the primary holds it.
func (c *Cluster) Commit(ctx context.Context, shard uint32, seq uint64, batch *storage.Batch) error {
	owners, err := c.Route(shard)
	if err != nil {
		return err
	}
	primary, err := c.Engine(owners[0], shard)
	if err != nil {
		return err
	}
	if err := primary.CommitBatch(batch); err != nil {
		return fmt.Errorf("cluster: commit shard %d on %s: %w", shard, owners[0], err)
	}
	return c.manager.Ship(ctx, shard, seq, batch, owners[1:])
}

// SetHealth publishes a new ring snapshot with the node's health updated.
// Concurrent updates retry against the latest snapshot.
func (c *Cluster) SetHealth(node string, h ring.Health) {
	for {
		cur := c.ring.Load()
		next, err := cur.WithHealth(node, h)
		if err != nil {
			c.log.Warn("health update for unknown node", "node", node, "err", err)
			return
		}
		if c.ring.CompareAndSwap(cur, next) {
			c.log.Info("ring updated", "node", node, "health", h.String(), "version", next.Version())
			return
		}
	}
}

// Degraded lists replicas currently catching up.
func (c *Cluster) Degraded() []string { return c.manager.Degraded() }

// Close stops replication and closes every open engine.
func (c *Cluster) Close() error {
	err := c.manager.Close()
	if c.journal != nil {
		if jerr := c.journal.Close(); err == nil {
			err = jerr
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, shards := range c.engines {
		for shard, eng := range shards {
			if cerr := eng.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("cluster: close shard %d on %s: %w", shard, node, cerr)
			}
		}
	}
	c.engines = make(map[string]map[uint32]storage.Engine)
	return err
}
