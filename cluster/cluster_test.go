package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"krcindex/config"
	"krcindex/ring"
	"krcindex/storage"
)

func testCluster(t *testing.T, nodes int, rf int, strategy string) *Cluster {
	t.Helper()
	cfg := &config.Config{}
	for i := 0; i < nodes; i++ {
		cfg.Cluster.Nodes = append(cfg.Cluster.Nodes, config.Node{
			ID:      string(rune('a' + i)),
			DataDir: t.TempDir(),
		})
	}
	cfg.Cluster.ShardCount = 8
	cfg.Cluster.ReplicationFactor = rf
	cfg.Cluster.VirtualNodes = 32
	cfg.Replication.Strategy = strategy
	cfg.Replication.TimeoutMillis = 2000
	cfg.Replication.PendingBuffer = 16
	cfg.Replication.CatchupPerSec = 100

	c, err := openWith(cfg, nil, func(string) (storage.Engine, error) {
		return storage.NewMemDB(), nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestShardIDFixedAndBounded(t *testing.T) {
	c := testCluster(t, 3, 1, "sync")

	keys := []string{"token/AAAA", "balance/kaspa1qxyz/AAAA", "op/00000000000000000001/ff"}
	first := make(map[string]uint32)
	for _, k := range keys {
		id := c.ShardID(k)
		require.Less(t, id, c.ShardCount())
		first[k] = id
	}

	// Membership changes must never move a key to another shard.
	c.SetHealth("b", ring.Unreachable)
	for _, k := range keys {
		require.Equal(t, first[k], c.ShardID(k))
	}
}

func TestRouteReturnsDistinctOwners(t *testing.T) {
	c := testCluster(t, 3, 2, "sync")

	for shard := uint32(0); shard < c.ShardCount(); shard++ {
		owners, err := c.Route(shard)
		require.NoError(t, err)
		require.Len(t, owners, 2)
		require.NotEqual(t, owners[0], owners[1])
	}
}

func TestCommitWritesPrimaryAndReplica(t *testing.T) {
	c := testCluster(t, 3, 2, "sync")

	const shard = uint32(4)
	owners, err := c.Route(shard)
	require.NoError(t, err)

	batch := new(storage.Batch)
	batch.Put("token/AAAA", []byte("deployed"))
	require.NoError(t, c.Commit(context.Background(), shard, 1, batch))

	for _, node := range owners {
		eng, err := c.Engine(node, shard)
		require.NoError(t, err)
		got, err := eng.Get("token/AAAA")
		require.NoError(t, err)
		require.Equal(t, []byte("deployed"), got)
	}

	// Non-owners never see the batch.
	for _, node := range []string{"a", "b", "c"} {
		if node == owners[0] || node == owners[1] {
			continue
		}
		eng, err := c.Engine(node, shard)
		require.NoError(t, err)
		_, err = eng.Get("token/AAAA")
		require.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestRouteFailsWithoutEnoughLiveNodes(t *testing.T) {
	c := testCluster(t, 2, 2, "sync")

	c.SetHealth("b", ring.Unreachable)
	_, err := c.Route(0)
	require.ErrorIs(t, err, ring.ErrNotEnoughNodes)

	batch := new(storage.Batch)
	batch.Put("k", []byte("v"))
	require.ErrorIs(t, c.Commit(context.Background(), 0, 1, batch), ring.ErrNotEnoughNodes)
}

func TestDegradedNodeStillOwnsShards(t *testing.T) {
	c := testCluster(t, 2, 2, "sync")

	c.SetHealth("b", ring.Degraded)
	owners, err := c.Route(0)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, owners)
}

func TestMonitorFlipsHealthAfterConsecutiveFailures(t *testing.T) {
	c := testCluster(t, 3, 1, "sync")
	m := NewMonitor(c, 10*time.Millisecond, 3)

	down := true
	m.SetProbe(func(_ context.Context, nodeID string) error {
		if nodeID == "b" && down {
			return errors.New("dial timeout")
		}
		return nil
	})

	// Two failures stay below the threshold.
	m.sweep()
	m.sweep()
	h, _ := c.Ring().NodeHealth("b")
	require.Equal(t, ring.Healthy, h)

	m.sweep()
	h, _ = c.Ring().NodeHealth("b")
	require.Equal(t, ring.Unreachable, h)

	down = false
	m.sweep()
	h, _ = c.Ring().NodeHealth("b")
	require.Equal(t, ring.Healthy, h)
}
