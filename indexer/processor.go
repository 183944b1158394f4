package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"krcindex/observability"
	"krcindex/protocol"
	"krcindex/ring"
	"krcindex/state"
	"krcindex/storage"
)

// Block is one unit of the upstream feed: every candidate envelope found
// at one DAA score, in transaction order.
type Block struct {
	Sequence  uint64
	Envelopes []protocol.Envelope
}

// Processor turns blocks into committed ledger state. Operations on
// different ticks touch disjoint key sets (token, balance, market, and
// blacklist keys all embed the tick), so tick groups run concurrently
// while each group applies in feed order.
type Processor struct {
	backend Backend
	state   *state.Engine
	log     *slog.Logger
}

func NewProcessor(backend Backend, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		backend: backend,
		state:   state.NewEngine(),
		log:     log,
	}
}

// blockOp pairs a decoded operation with its position in the block, which
// fixes the application order the undo key records.
type blockOp struct {
	op  *protocol.Operation
	ord uint32
}

// ProcessBlock ingests one block. Scripts that carry no protocol envelope
// are skipped; envelopes that fail to decode are recorded as rejected;
// everything else goes through the state engine. The block is fully
// committed when ProcessBlock returns nil, and re-running it after a
// partial failure or a restart converges on the same state: operations
// whose records already exist are not applied again.
func (p *Processor) ProcessBlock(ctx context.Context, blk Block) error {
	groups := make(map[string][]blockOp)
	order := make([]string, 0)

	for i, env := range blk.Envelopes {
		op, err := protocol.Decode(env)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) && decodeErr.Kind == protocol.MalformedScript {
				// Not a protocol envelope at all; the feed sends every
				// script it sees.
				continue
			}
			if err := p.commitRejected(ctx, env, err); err != nil {
				return err
			}
			continue
		}
		if _, seen := groups[op.Tick]; !seen {
			order = append(order, op.Tick)
		}
		groups[op.Tick] = append(groups[op.Tick], blockOp{op: op, ord: uint32(i)})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, tick := range order {
		ops := groups[tick]
		g.Go(func() error {
			for _, bop := range ops {
				if err := p.applyOne(ctx, bop.op, bop.ord); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	observability.IndexerMetrics().SetSequence(blk.Sequence)
	return nil
}

func (p *Processor) applyOne(ctx context.Context, op *protocol.Operation, ord uint32) error {
	view := routedView{p.backend}
	opKey := storage.OpKey(op.Sequence, op.ID.TxID)
	undoKey := storage.UndoKey(op.Sequence, ord, op.ID.TxID)

	// The record is the last thing committed, so its presence means the
	// operation is fully durable. A rolledback record marks an abandoned
	// chain segment and the operation applies fresh.
	if raw, err := view.Get(opKey); err == nil {
		rec, err := state.DecodeOperationRecord(raw)
		if err != nil {
			return err
		}
		if rec.Outcome != state.OutcomeRolledBack {
			return nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	// An undo record without its operation record means a previous attempt
	// died between commits. Its priors are absolute, so restoring them
	// rewinds every entity key the attempt may have touched.
	if raw, err := view.Get(undoKey); err == nil {
		undo, err := state.DecodeUndoRecord(raw)
		if err != nil {
			return err
		}
		priors := make([]storage.Entry, 0, len(undo.Entries))
		for _, ue := range undo.Entries {
			priors = append(priors, storage.Entry{Key: ue.Key, Value: ue.Prior})
		}
		if err := commitSharded(ctx, p.backend, op.Sequence, priors); err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	res, err := p.state.Apply(view, op)
	if err != nil {
		return fmt.Errorf("indexer: apply %s: %w", op.ID, err)
	}

	// Commit order is the crash-safety contract: the undo record lands
	// before any entity key changes, and the operation record lands after
	// everything else.
	if res.Applied() {
		undoEntry := []storage.Entry{{Key: undoKey, Value: state.EncodeUndoRecord(res.Undo)}}
		if err := p.commitEntries(ctx, op.Sequence, undoEntry); err != nil {
			return err
		}
		if err := p.commitEntries(ctx, op.Sequence, res.Writes); err != nil {
			return err
		}
	}
	record := []storage.Entry{{Key: opKey, Value: state.EncodeOperationRecord(&res.Record)}}
	if err := p.commitEntries(ctx, op.Sequence, record); err != nil {
		return err
	}

	observability.IndexerMetrics().ObserveOperation(string(op.Kind), string(res.Record.Outcome))
	if res.Record.Outcome == state.OutcomeRejected {
		p.log.Debug("operation rejected",
			"op", op.ID.String(), "kind", op.Kind, "tick", op.Tick, "reason", res.Record.Reason)
	}
	return nil
}

// commitRejected persists the audit record for an envelope that carried a
// recognizable protocol payload but failed decoding.
func (p *Processor) commitRejected(ctx context.Context, env protocol.Envelope, cause error) error {
	key := storage.OpKey(env.Sequence, env.TxID)
	if _, err := (routedView{p.backend}).Get(key); err == nil {
		// Already recorded by an earlier pass over this block.
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	rec := state.OperationRecord{
		TxID:     env.TxID,
		Index:    env.Index,
		Sequence: env.Sequence,
		From:     env.From,
		Outcome:  state.OutcomeRejected,
		Reason:   cause.Error(),
	}
	entries := []storage.Entry{{
		Key:   key,
		Value: state.EncodeOperationRecord(&rec),
	}}
	if err := p.commitEntries(ctx, env.Sequence, entries); err != nil {
		return err
	}
	observability.IndexerMetrics().ObserveOperation("invalid", string(state.OutcomeRejected))
	return nil
}

func (p *Processor) commitEntries(ctx context.Context, seq uint64, entries []storage.Entry) error {
	return commitSharded(ctx, p.backend, seq, entries)
}

// commitSharded partitions one operation's writes by shard and commits
// each sub-batch through the replicated cluster path. Transient commit
// failures retry with backoff; placement failures are fatal because data
// would otherwise land unreplicated.
func commitSharded(ctx context.Context, backend Backend, seq uint64, entries []storage.Entry) error {
	batches := make(map[uint32]*storage.Batch)
	for _, e := range entries {
		shard := backend.ShardID(e.Key)
		b, ok := batches[shard]
		if !ok {
			b = new(storage.Batch)
			batches[shard] = b
		}
		if e.Value == nil {
			b.Delete(e.Key)
		} else {
			b.Put(e.Key, e.Value)
		}
	}

	start := time.Now()
	defer func() {
		observability.IndexerMetrics().ObserveCommit(time.Since(start).Seconds())
	}()

	for shard, batch := range batches {
		attempt := 0
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		err := backoff.Retry(func() error {
			if attempt > 0 {
				observability.IndexerMetrics().ObserveRetry()
			}
			attempt++
			err := backend.Commit(ctx, shard, seq, batch)
			if errors.Is(err, ring.ErrNotEnoughNodes) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)
		if err != nil {
			return fmt.Errorf("indexer: commit shard %d at seq %d: %w", shard, seq, err)
		}
	}
	return nil
}
