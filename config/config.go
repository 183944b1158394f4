package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

type Config struct {
	ListenAddress string      `toml:"ListenAddress"`
	NetworkName   string      `toml:"NetworkName"`
	Testnet       bool        `toml:"Testnet"`
	Protocol      Protocol    `toml:"Protocol"`
	Cluster       Cluster     `toml:"Cluster"`
	Replication   Replication `toml:"Replication"`
	Rollback      Rollback    `toml:"Rollback"`
	Log           Log         `toml:"Log"`
}

// Load loads the configuration from the given path, creating a commented
// default file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "ShardCount" {
			return nil, fmt.Errorf("config file %s places ShardCount at the top level; move it under [Cluster]", path)
		}
	}

	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8787"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "kaspa-mainnet"
	}
	if cfg.Cluster.ShardCount == 0 {
		cfg.Cluster.ShardCount = 16
	}
	if cfg.Cluster.ReplicationFactor == 0 {
		cfg.Cluster.ReplicationFactor = 1
	}
	if cfg.Cluster.VirtualNodes == 0 {
		cfg.Cluster.VirtualNodes = 64
	}
	if len(cfg.Cluster.Nodes) == 0 {
		cfg.Cluster.Nodes = []Node{{
			ID:      uuid.NewString(),
			DataDir: filepath.Join(filepath.Dir(path), "data"),
		}}
	}
	for i := range cfg.Cluster.Nodes {
		if strings.TrimSpace(cfg.Cluster.Nodes[i].ID) == "" {
			cfg.Cluster.Nodes[i].ID = uuid.NewString()
		}
	}
	if strings.TrimSpace(cfg.Replication.Strategy) == "" {
		cfg.Replication.Strategy = "async"
	}
	if cfg.Replication.TimeoutMillis == 0 {
		cfg.Replication.TimeoutMillis = 5000
	}
	if cfg.Replication.PendingBuffer == 0 {
		cfg.Replication.PendingBuffer = 4096
	}
	if cfg.Replication.CatchupPerSec == 0 {
		cfg.Replication.CatchupPerSec = 512
	}
	if cfg.Rollback.RetentionDepth == 0 {
		cfg.Rollback.RetentionDepth = 3600
	}
	if strings.TrimSpace(cfg.Log.Env) == "" {
		cfg.Log.Env = "production"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 128
	}
	if cfg.Log.MaxAgeDay == 0 {
		cfg.Log.MaxAgeDay = 14
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.WriteString(defaultHeader); err != nil {
		return nil, err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultHeader = `# krcindex configuration.
# Cluster.ShardCount is fixed at cluster creation; changing it requires a
# manual re-sharding migration and is NOT picked up by a restart.

`
