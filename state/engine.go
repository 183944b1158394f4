package state

import (
	"errors"
	"fmt"

	"krcindex/protocol"
	"krcindex/storage"
)

// Result is the full effect of applying one operation: the entity write
// delta, the permanent record, and (for applied operations only) the undo
// record. Writes never include the op/ or undo/ keys themselves; the
// processor adds those when assembling the commit batch.
type Result struct {
	Record OperationRecord
	Writes []storage.Entry
	Undo   *UndoRecord
}

// Applied reports whether the operation passed all preconditions.
func (r *Result) Applied() bool { return r.Record.Outcome == OutcomeApplied }

// TouchedKeys returns every entity key the operation read or wrote, in
// first-touch order. Every write lands on a touched key, which is what
// makes the undo record complete.
func (r *Result) TouchedKeys() []string {
	if r.Undo == nil {
		return nil
	}
	keys := make([]string, len(r.Undo.Entries))
	for i, e := range r.Undo.Entries {
		keys[i] = e.Key
	}
	return keys
}

type handler func(*Engine, *txn, *protocol.Operation) error

// dispatch is the closed table over the nine operation kinds.
var dispatch = map[protocol.Kind]handler{
	protocol.KindDeploy:    (*Engine).applyDeploy,
	protocol.KindMint:      (*Engine).applyMint,
	protocol.KindTransfer:  (*Engine).applyTransfer,
	protocol.KindBurn:      (*Engine).applyBurn,
	protocol.KindSend:      (*Engine).applySend,
	protocol.KindIssue:     (*Engine).applyIssue,
	protocol.KindList:      (*Engine).applyList,
	protocol.KindChown:     (*Engine).applyChown,
	protocol.KindBlacklist: (*Engine).applyBlacklist,
}

// Engine validates and applies operations. It holds no entity state of its
// own: every Apply reads through the supplied view and returns a delta, so
// the engine itself is safe for concurrent use.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// rejection aborts a handler without touching state. It carries the reason
// recorded on the operation record.
type rejection struct{ reason string }

func (r rejection) Error() string { return r.reason }

func reject(reason string) error { return rejection{reason: reason} }

// Apply runs one operation against the view. Precondition failures yield a
// Result with outcome rejected; only infrastructure failures (storage I/O,
// corrupt entities) return a non-nil error.
func (e *Engine) Apply(view storage.View, op *protocol.Operation) (*Result, error) {
	h, ok := dispatch[op.Kind]
	if !ok {
		return nil, fmt.Errorf("state: no handler for kind %q", op.Kind)
	}

	res := &Result{Record: OperationRecord{
		TxID:     op.ID.TxID,
		Index:    op.ID.Index,
		Kind:     op.Kind,
		Tick:     op.Tick,
		From:     op.From,
		To:       op.To,
		Amount:   op.Amount,
		Sequence: op.Sequence,
		Outcome:  OutcomeApplied,
	}}

	if op.Fee < protocol.FeeLeast(op.Kind) {
		res.Record.Outcome = OutcomeRejected
		res.Record.Reason = "fee not enough"
		return res, nil
	}

	t := &txn{view: view}
	if err := h(e, t, op); err != nil {
		var rej rejection
		if errors.As(err, &rej) {
			res.Record.Outcome = OutcomeRejected
			res.Record.Reason = rej.reason
			return res, nil
		}
		return nil, err
	}

	res.Writes = t.writes
	res.Undo = &UndoRecord{
		TxID:     op.ID.TxID,
		Index:    op.ID.Index,
		Sequence: op.Sequence,
		Entries:  t.undo,
	}
	return res, nil
}

// txn tracks the keys one operation touches. Every read records the prior
// absolute value exactly once, in first-touch order, which is precisely
// the undo record needed to revert the writes.
type txn struct {
	view   storage.View
	writes []storage.Entry
	undo   []UndoEntry
	seen   map[string]struct{}
}

// touch loads the current value for key, recording the prior value for the
// undo record on first access. A missing key yields (nil, nil).
func (t *txn) touch(key string) ([]byte, error) {
	value, err := t.view.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		value = nil
	} else if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", key, err)
	}
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	if _, dup := t.seen[key]; !dup {
		t.seen[key] = struct{}{}
		var prior []byte
		if value != nil {
			prior = append([]byte(nil), value...)
		}
		t.undo = append(t.undo, UndoEntry{Key: key, Prior: prior})
	}
	return value, nil
}

func (t *txn) put(key string, value []byte) {
	t.writes = append(t.writes, storage.Entry{Key: key, Value: value})
}

func (t *txn) del(key string) {
	t.writes = append(t.writes, storage.Entry{Key: key})
}

// token loads and decodes the tick's token, or nil when it does not exist.
func (t *txn) token(tick string) (*Token, error) {
	raw, err := t.touch(storage.TokenKey(tick))
	if err != nil || raw == nil {
		return nil, err
	}
	return DecodeToken(raw)
}

// balance loads the (address, tick) balance, creating a zero value when
// absent.
func (t *txn) balance(addr, tick string) (*Balance, error) {
	raw, err := t.touch(storage.BalanceKey(addr, tick))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return &Balance{Address: addr, Tick: tick}, nil
	}
	return DecodeBalance(raw)
}

func (t *txn) putToken(tok *Token) {
	t.put(storage.TokenKey(tok.Tick), EncodeToken(tok))
}

func (t *txn) putBalance(bal *Balance) {
	t.put(storage.BalanceKey(bal.Address, bal.Tick), EncodeBalance(bal))
}
