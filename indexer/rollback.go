package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"krcindex/observability"
	"krcindex/state"
	"krcindex/storage"
)

// ErrBelowHorizon is returned when a rollback reaches past the retention
// horizon; the undo records needed to revert no longer exist.
var ErrBelowHorizon = errors.New("indexer: rollback below retention horizon")

// Rollback reverts operations above a reorg boundary and prunes undo
// records that fall out of the retention window.
type Rollback struct {
	backend   Backend
	retention uint64
	log       *slog.Logger
}

func NewRollback(backend Backend, retention uint64, log *slog.Logger) *Rollback {
	if log == nil {
		log = slog.Default()
	}
	return &Rollback{backend: backend, retention: retention, log: log}
}

// seqAfter is the scan cursor placed just before the first key at
// sequence seq. Sequenced keys extend this string with at least "/", so a
// strictly-after scan starting here yields every key with sequence >= seq.
func seqAfter(prefix string, seq uint64) string {
	return prefix + storage.SeqPrefix(seq)
}

// RollbackTo reverts every applied operation with sequence greater than
// boundary, newest first, restoring each touched key to its absolute
// prior value. Operation records transition applied -> rolledback;
// rejected records above the boundary are deleted. An applied record
// without its undo record is fatal: state above the boundary cannot be
// reconstructed and the operator must restore from a replica.
func (r *Rollback) RollbackTo(ctx context.Context, boundary uint64) error {
	horizon, err := r.Horizon()
	if err != nil {
		return err
	}
	if boundary < horizon {
		return fmt.Errorf("%w: boundary %d, horizon %d", ErrBelowHorizon, boundary, horizon)
	}

	view := routedView{r.backend}
	undoEntries, err := view.ScanPrefix(storage.PrefixUndo, seqAfter(storage.PrefixUndo, boundary+1), 0)
	if err != nil {
		return err
	}
	opEntries, err := view.ScanPrefix(storage.PrefixOp, seqAfter(storage.PrefixOp, boundary+1), 0)
	if err != nil {
		return err
	}

	// Undo keys embed (seq, block ordinal), so the scan's key order is the
	// application order and the reverse walk below is the revert order.
	type undoItem struct {
		key string
		rec *state.UndoRecord
	}
	items := make([]undoItem, 0, len(undoEntries))
	undoByID := make(map[string]struct{}, len(undoEntries))
	for _, e := range undoEntries {
		rec, err := state.DecodeUndoRecord(e.Value)
		if err != nil {
			return err
		}
		items = append(items, undoItem{key: e.Key, rec: rec})
		undoByID[storage.OpKey(rec.Sequence, rec.TxID)] = struct{}{}
	}

	// Verify completeness before touching anything.
	records := make(map[string]*state.OperationRecord, len(opEntries))
	for _, e := range opEntries {
		rec, err := state.DecodeOperationRecord(e.Value)
		if err != nil {
			return err
		}
		records[e.Key] = rec
		if rec.Outcome == state.OutcomeApplied {
			if _, ok := undoByID[e.Key]; !ok {
				return fmt.Errorf("indexer: undo record missing for %s at seq %d; cannot revert", rec.TxID, rec.Sequence)
			}
		}
	}

	if len(items) > 0 {
		observability.RollbackMetrics().ObserveDepth(items[len(items)-1].rec.Sequence - boundary)
	}

	reverted := 0
	for i := len(items) - 1; i >= 0; i-- {
		undo := items[i].rec

		entries := make([]storage.Entry, 0, len(undo.Entries)+2)
		for _, ue := range undo.Entries {
			entries = append(entries, storage.Entry{Key: ue.Key, Value: ue.Prior})
		}

		opKey := storage.OpKey(undo.Sequence, undo.TxID)
		if rec, ok := records[opKey]; ok {
			rec.Outcome = state.OutcomeRolledBack
			rec.Reason = ""
			entries = append(entries, storage.Entry{Key: opKey, Value: state.EncodeOperationRecord(rec)})
		}
		entries = append(entries, storage.Entry{Key: items[i].key})

		if err := commitSharded(ctx, r.backend, undo.Sequence, entries); err != nil {
			return err
		}
		reverted++
	}

	// Rejected operations above the boundary belong to the abandoned chain
	// segment; drop their records so re-ingestion starts clean.
	var drops []storage.Entry
	for key, rec := range records {
		if rec.Outcome == state.OutcomeRejected {
			drops = append(drops, storage.Entry{Key: key})
		}
	}
	if len(drops) > 0 {
		if err := commitSharded(ctx, r.backend, boundary, drops); err != nil {
			return err
		}
	}

	observability.RollbackMetrics().ObserveRevert(reverted)
	r.log.Info("rollback complete", "boundary", boundary, "reverted", reverted, "recordsDropped", len(drops))
	return nil
}

// Prune deletes undo records older than the retention window below the
// given ingestion sequence, then advances every shard's horizon marker.
// The marker only moves once all shards have confirmed their deletions.
func (r *Rollback) Prune(ctx context.Context, upTo uint64) error {
	if upTo <= r.retention {
		return nil
	}
	horizon := upTo - r.retention

	view := routedView{r.backend}
	entries, err := view.ScanPrefix(storage.PrefixUndo, "", 0)
	if err != nil {
		return err
	}

	var drops []storage.Entry
	for _, e := range entries {
		seq, _, _, err := storage.ParseUndoKey(e.Key)
		if err != nil {
			return err
		}
		if seq >= horizon {
			break
		}
		drops = append(drops, storage.Entry{Key: e.Key})
	}
	if len(drops) > 0 {
		if err := commitSharded(ctx, r.backend, horizon, drops); err != nil {
			return err
		}
		observability.RollbackMetrics().ObservePrune(len(drops))
	}

	marker := []byte(strconv.FormatUint(horizon, 10))
	for shard := uint32(0); shard < r.backend.ShardCount(); shard++ {
		batch := new(storage.Batch)
		batch.Put(storage.HorizonKey, marker)
		if err := r.backend.Commit(ctx, shard, horizon, batch); err != nil {
			return fmt.Errorf("indexer: advance horizon on shard %d: %w", shard, err)
		}
	}
	return nil
}

// Horizon reports the highest horizon marker across shards. Shards that
// have never pruned contribute zero.
func (r *Rollback) Horizon() (uint64, error) {
	var max uint64
	for shard := uint32(0); shard < r.backend.ShardCount(); shard++ {
		eng, err := r.backend.Primary(shard)
		if err != nil {
			return 0, err
		}
		raw, err := eng.Get(storage.HorizonKey)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		h, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("indexer: malformed horizon marker on shard %d: %w", shard, err)
		}
		if h > max {
			max = h
		}
	}
	return max, nil
}
