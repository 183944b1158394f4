package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"krcindex/observability"
	"krcindex/ring"
	"krcindex/storage"
)

// Policy selects how replica acknowledgment relates to the primary's
// acknowledgment to the caller.
type Policy string

const (
	// PolicySync blocks the caller until a quorum of the replica set has
	// acknowledged the batch.
	PolicySync Policy = "sync"
	// PolicyAsync acknowledges immediately and streams to replicas in the
	// background.
	PolicyAsync Policy = "async"
)

// ErrQuorumNotReached is returned by sync shipping when too few replicas
// acknowledged within the timeout.
var ErrQuorumNotReached = errors.New("replication: quorum not reached")

var errReplicaDegraded = errors.New("replication: replica degraded")

// Quorum is the number of acknowledgments (the primary's local commit
// included) required under the sync policy: floor(factor/2)+1. For an
// even factor this is a strict majority, e.g. factor 4 needs 3.
func Quorum(factor int) int {
	return factor/2 + 1
}

// Config carries the replication knobs from the cluster configuration.
type Config struct {
	Strategy      Policy
	Factor        int
	Timeout       time.Duration
	PendingBuffer int
	CatchupPerSec int
}

// shipment is one batch bound for one replica. The ordinal is assigned at
// ship time and fixes replay order no matter when the shipment reaches the
// journal.
type shipment struct {
	ord   uint64
	shard uint32
	seq   uint64
	batch *storage.Batch
}

type replicaState struct {
	replica Replica

	mu       sync.Mutex
	queue    []shipment
	degraded bool

	wake chan struct{}
	quit chan struct{}
}

// Manager owns the replica set and the shipping pipeline. One Manager
// serves all shards of one primary node. Each replica has a single drain
// goroutine that both applies queued shipments and replays the journal, so
// no two batches for one replica are ever in flight at once.
type Manager struct {
	cfg     Config
	journal *Journal
	log     *slog.Logger
	ord     atomic.Uint64

	mu       sync.Mutex
	onHealth func(nodeID string, h ring.Health)
	replicas map[string]*replicaState
	wg       sync.WaitGroup
	closed   bool
}

func NewManager(cfg Config, journal *Journal, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		journal:  journal,
		log:      log,
		replicas: make(map[string]*replicaState),
	}
	if journal != nil {
		if last, err := journal.LastOrdinal(); err == nil {
			m.ord.Store(last)
		} else {
			log.Warn("reading journal ordinals failed", "err", err)
		}
	}
	return m
}

// SetHealthListener installs the callback invoked when a replica's health
// transitions. The cluster uses it to publish a new ring snapshot.
func (m *Manager) SetHealthListener(fn func(nodeID string, h ring.Health)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHealth = fn
}

// Register adds a replica and starts its drain loop.
func (m *Manager) Register(r Replica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, dup := m.replicas[r.ID()]; dup {
		return
	}
	rs := &replicaState{
		replica: r,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	m.replicas[r.ID()] = rs
	m.wg.Add(1)
	go m.runReplica(rs)
}

// Ship propagates a batch the primary has already committed locally.
// Under the sync policy it blocks for quorum; under async it returns
// immediately, spilling to the journal when a replica's pending window is
// full.
func (m *Manager) Ship(ctx context.Context, shard uint32, seq uint64, batch *storage.Batch, replicaIDs []string) error {
	states := make([]*replicaState, 0, len(replicaIDs))
	m.mu.Lock()
	for _, id := range replicaIDs {
		if rs, ok := m.replicas[id]; ok {
			states = append(states, rs)
		}
	}
	m.mu.Unlock()

	sh := shipment{ord: m.ord.Add(1), shard: shard, seq: seq, batch: batch}
	if m.cfg.Strategy == PolicySync {
		return m.shipSync(ctx, sh, states)
	}
	m.shipAsync(sh, states)
	return nil
}

func (m *Manager) shipSync(ctx context.Context, sh shipment, states []*replicaState) error {
	// The primary's own durable commit counts as the first ack.
	needed := Quorum(m.cfg.Factor) - 1
	if needed <= 0 || len(states) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.ReplicationMetrics().ObserveQuorumWait(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	results := make(chan error, len(states))
	for _, rs := range states {
		rs := rs
		go func() {
			// A degraded replica only takes writes through the journal;
			// applying live would jump ahead of its backlog.
			rs.mu.Lock()
			degraded := rs.degraded
			rs.mu.Unlock()
			if degraded {
				m.spill(rs, sh, nil)
				results <- errReplicaDegraded
				return
			}
			err := rs.replica.Apply(ctx, sh.shard, sh.batch)
			if err != nil {
				m.spill(rs, sh, err)
			} else {
				observability.ReplicationMetrics().ObserveShip(rs.replica.ID(), "ok")
			}
			results <- err
		}()
	}

	acks := 0
	for range states {
		if err := <-results; err == nil {
			acks++
			if acks >= needed {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: got %d of %d replica acks", ErrQuorumNotReached, acks, needed)
}

func (m *Manager) shipAsync(sh shipment, states []*replicaState) {
	for _, rs := range states {
		rs.mu.Lock()
		if rs.degraded {
			// Keep ship order: once a replica is journaling, everything
			// goes through the journal until catch-up completes.
			m.appendJournalLocked(rs, sh)
			rs.mu.Unlock()
			continue
		}
		if len(rs.queue) >= m.cfg.PendingBuffer {
			rs.mu.Unlock()
			m.spill(rs, sh, errors.New("pending window full"))
			continue
		}
		rs.queue = append(rs.queue, sh)
		rs.mu.Unlock()
		select {
		case rs.wake <- struct{}{}:
		default:
		}
	}
}

// spill degrades the replica and routes the shipment to the journal,
// flushing anything still queued ahead of it. Queued shipments carry lower
// ordinals, so the journal's key order stays the ship order.
func (m *Manager) spill(rs *replicaState, sh shipment, cause error) {
	id := rs.replica.ID()
	if cause != nil {
		observability.ReplicationMetrics().ObserveFailure(id)
		m.log.Warn("replica shipment failed", "replica", id, "shard", sh.shard, "seq", sh.seq, "err", cause)
	}

	rs.mu.Lock()
	transition := !rs.degraded
	rs.degraded = true
	backlog := rs.queue
	rs.queue = nil
	for _, queued := range backlog {
		m.appendJournalLocked(rs, queued)
	}
	m.appendJournalLocked(rs, sh)
	rs.mu.Unlock()

	if transition {
		m.notifyHealth(id, ring.Degraded)
	}
}

func (m *Manager) appendJournalLocked(rs *replicaState, sh shipment) {
	id := rs.replica.ID()
	if m.journal == nil {
		m.log.Error("no catch-up journal configured; replica requires manual resync",
			"replica", id, "shard", sh.shard, "seq", sh.seq)
		return
	}
	if err := m.journal.Append(id, sh.ord, sh.shard, sh.seq, sh.batch); err != nil {
		m.log.Error("journal append failed; replica requires manual resync",
			"replica", id, "shard", sh.shard, "seq", sh.seq, "err", err)
	}
}

func (m *Manager) runReplica(rs *replicaState) {
	defer m.wg.Done()

	limiter := rate.NewLimiter(rate.Limit(m.cfg.CatchupPerSec), m.cfg.CatchupPerSec)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rs.quit:
			return
		case <-rs.wake:
			m.drainQueue(rs)
		case <-ticker.C:
			m.drainQueue(rs)
			m.tryCatchup(rs, limiter)
		}
	}
}

// drainQueue applies queued shipments in order until the queue empties or
// the replica degrades.
func (m *Manager) drainQueue(rs *replicaState) {
	for {
		rs.mu.Lock()
		if rs.degraded || len(rs.queue) == 0 {
			rs.mu.Unlock()
			return
		}
		sh := rs.queue[0]
		rs.queue = rs.queue[1:]
		rs.mu.Unlock()
		m.applyWithRetry(rs, sh)
	}
}

func (m *Manager) applyWithRetry(rs *replicaState, sh shipment) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	err := backoff.Retry(func() error {
		return rs.replica.Apply(context.Background(), sh.shard, sh.batch)
	}, policy)
	if err != nil {
		m.spill(rs, sh, err)
		return
	}
	observability.ReplicationMetrics().ObserveShip(rs.replica.ID(), "ok")
}

// tryCatchup replays the journal for a degraded replica. The rate limiter
// bounds how hard catch-up hits the replica while live traffic continues.
func (m *Manager) tryCatchup(rs *replicaState, limiter *rate.Limiter) {
	rs.mu.Lock()
	degraded := rs.degraded
	rs.mu.Unlock()
	if !degraded || m.journal == nil {
		return
	}

	id := rs.replica.ID()
	err := m.journal.Drain(id, func(shard uint32, seq uint64, batch *storage.Batch) error {
		if err := limiter.Wait(context.Background()); err != nil {
			return err
		}
		return rs.replica.Apply(context.Background(), shard, batch)
	})
	if err != nil {
		m.log.Warn("replica catch-up interrupted", "replica", id, "err", err)
		return
	}
	m.recoverIfDrained(rs)
}

// recoverIfDrained flips the replica back to healthy once nothing remains
// journaled for it. The pending check runs under the replica lock so a
// concurrent spill cannot strand an entry behind the transition.
func (m *Manager) recoverIfDrained(rs *replicaState) {
	id := rs.replica.ID()
	transition := false

	rs.mu.Lock()
	if rs.degraded {
		if m.journal == nil {
			rs.degraded = false
			transition = true
		} else if n, err := m.journal.Pending(id); err == nil && n == 0 {
			rs.degraded = false
			transition = true
		}
	}
	rs.mu.Unlock()

	if transition {
		m.log.Info("replica caught up", "replica", id)
		m.notifyHealth(id, ring.Healthy)
	}
}

func (m *Manager) notifyHealth(id string, h ring.Health) {
	m.mu.Lock()
	onHealth := m.onHealth
	m.mu.Unlock()
	observability.ReplicationMetrics().SetDegraded(len(m.Degraded()))
	if onHealth != nil {
		onHealth(id, h)
	}
}

// Degraded lists replicas currently in catch-up mode.
func (m *Manager) Degraded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rs := range m.replicas {
		rs.mu.Lock()
		if rs.degraded {
			out = append(out, id)
		}
		rs.mu.Unlock()
	}
	return out
}

// Close stops the drain loops. Queued shipments that were never applied
// are flushed to the journal so nothing is lost across a restart.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := make([]*replicaState, 0, len(m.replicas))
	for _, rs := range m.replicas {
		states = append(states, rs)
	}
	m.mu.Unlock()

	for _, rs := range states {
		close(rs.quit)
	}
	m.wg.Wait()

	for _, rs := range states {
		rs.mu.Lock()
		for _, sh := range rs.queue {
			m.appendJournalLocked(rs, sh)
		}
		rs.queue = nil
		rs.mu.Unlock()
	}
	return nil
}
