package config

// Node describes one storage node participating in the cluster. Every node
// hosts its own directory tree of per-shard engines under DataDir.
type Node struct {
	ID      string `toml:"ID"`
	DataDir string `toml:"DataDir"`
}

// Cluster carries the placement parameters that are fixed at cluster
// creation. ShardCount must never change for the lifetime of a dataset;
// re-sharding is a manual migration.
type Cluster struct {
	ShardCount        uint32 `toml:"ShardCount"`
	ReplicationFactor int    `toml:"ReplicationFactor"`
	VirtualNodes      int    `toml:"VirtualNodes"`
	Nodes             []Node `toml:"Nodes"`
}

// Replication selects how committed batches reach replicas.
//
// "sync" blocks the writer until a quorum of replicas acknowledge,
// "async" acknowledges immediately and streams in the background.
type Replication struct {
	Strategy       string `toml:"Strategy"`
	TimeoutMillis  int64  `toml:"TimeoutMillis"`
	PendingBuffer  int    `toml:"PendingBuffer"`
	CatchupPerSec  int    `toml:"CatchupPerSec"`
	JournalEnabled bool   `toml:"JournalEnabled"`
}

// Protocol carries governance lists installed into the operation decoder
// at startup. ReservedTicks entries are "TICK=address" pairs naming the
// only address allowed to deploy that tick.
type Protocol struct {
	ReservedTicks []string `toml:"ReservedTicks"`
}

// Rollback bounds how deep a chain reorganization may reach. Undo records
// below the horizon are pruned and can no longer be reverted.
type Rollback struct {
	RetentionDepth uint64 `toml:"RetentionDepth"`
}

// Log controls structured log output. When File is set, log lines are
// rotated with lumberjack instead of going to stdout.
type Log struct {
	Env       string `toml:"Env"`
	File      string `toml:"File"`
	MaxSizeMB int    `toml:"MaxSizeMB"`
	MaxAgeDay int    `toml:"MaxAgeDay"`
}
