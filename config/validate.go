package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations that cannot place data safely. It is
// called by Load after defaults are applied, and again by operators after
// programmatic edits.
func (cfg *Config) Validate() error {
	if cfg.Cluster.ShardCount == 0 {
		return fmt.Errorf("config: Cluster.ShardCount must be positive")
	}
	if cfg.Cluster.ReplicationFactor < 1 {
		return fmt.Errorf("config: Cluster.ReplicationFactor must be at least 1")
	}
	if cfg.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("config: Cluster.VirtualNodes must be at least 1")
	}
	if len(cfg.Cluster.Nodes) == 0 {
		return fmt.Errorf("config: at least one cluster node is required")
	}
	if cfg.Cluster.ReplicationFactor > len(cfg.Cluster.Nodes) {
		return fmt.Errorf("config: ReplicationFactor %d exceeds node count %d",
			cfg.Cluster.ReplicationFactor, len(cfg.Cluster.Nodes))
	}
	seen := make(map[string]struct{}, len(cfg.Cluster.Nodes))
	for _, node := range cfg.Cluster.Nodes {
		id := strings.TrimSpace(node.ID)
		if id == "" {
			return fmt.Errorf("config: cluster node with empty ID")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate cluster node ID %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(node.DataDir) == "" {
			return fmt.Errorf("config: node %s has no DataDir", id)
		}
	}
	switch cfg.Replication.Strategy {
	case "sync", "async":
	default:
		return fmt.Errorf("config: unknown replication strategy %q", cfg.Replication.Strategy)
	}
	if cfg.Replication.TimeoutMillis <= 0 {
		return fmt.Errorf("config: Replication.TimeoutMillis must be positive")
	}
	if cfg.Rollback.RetentionDepth == 0 {
		return fmt.Errorf("config: Rollback.RetentionDepth must be positive")
	}
	return nil
}
