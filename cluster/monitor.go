package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"krcindex/ring"
	"krcindex/storage"
)

// Probe checks whether a node is able to serve its shards. The in-process
// default reads from the node's shard-0 engine; a network deployment
// replaces it with a ping against the node's transport.
type Probe func(ctx context.Context, nodeID string) error

// Monitor polls every member node and publishes health transitions to the
// ring. A node becomes unreachable only after Threshold consecutive probe
// failures, so one slow disk flush does not reshuffle lookups.
type Monitor struct {
	cluster   *Cluster
	probe     Probe
	interval  time.Duration
	threshold int

	mu    sync.Mutex
	fails map[string]int

	quit chan struct{}
	done chan struct{}
}

func NewMonitor(c *Cluster, interval time.Duration, threshold int) *Monitor {
	m := &Monitor{
		cluster:   c,
		interval:  interval,
		threshold: threshold,
		fails:     make(map[string]int),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.probe = func(ctx context.Context, nodeID string) error {
		eng, err := c.Engine(nodeID, 0)
		if err != nil {
			return err
		}
		if _, err := eng.Get("probe"); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}
	return m
}

// SetProbe overrides the default probe. Must be called before Start.
func (m *Monitor) SetProbe(p Probe) { m.probe = p }

func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.quit:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.quit)
	<-m.done
}

func (m *Monitor) sweep() {
	r := m.cluster.Ring()
	for _, node := range r.Nodes() {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		err := m.probe(ctx, node)
		cancel()
		m.record(node, err)
	}
}

func (m *Monitor) record(node string, probeErr error) {
	m.mu.Lock()
	if probeErr != nil {
		m.fails[node]++
	} else {
		m.fails[node] = 0
	}
	count := m.fails[node]
	m.mu.Unlock()

	health, known := m.cluster.Ring().NodeHealth(node)
	if !known {
		return
	}
	switch {
	case probeErr != nil && count >= m.threshold && health != ring.Unreachable:
		m.cluster.log.Warn("node unreachable", "node", node, "failures", count, "err", probeErr)
		m.cluster.SetHealth(node, ring.Unreachable)
	case probeErr == nil && health == ring.Unreachable:
		m.cluster.SetHealth(node, ring.Healthy)
	}
}
