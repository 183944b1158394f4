package indexer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"krcindex/address"
	"krcindex/protocol"
	"krcindex/ring"
	"krcindex/state"
	"krcindex/storage"
)

// memBackend is a single-process stand-in for the cluster: one in-memory
// engine per shard, commits applied directly.
type memBackend struct {
	count  uint32
	shards []*storage.MemDB
}

func newMemBackend(count uint32) *memBackend {
	b := &memBackend{count: count}
	for i := uint32(0); i < count; i++ {
		b.shards = append(b.shards, storage.NewMemDB())
	}
	return b
}

func (b *memBackend) ShardCount() uint32 { return b.count }

func (b *memBackend) ShardID(key string) uint32 {
	return uint32(ring.KeyHash(key) % uint64(b.count))
}

func (b *memBackend) Primary(shard uint32) (storage.Engine, error) {
	return b.shards[shard], nil
}

func (b *memBackend) Commit(_ context.Context, shard uint32, _ uint64, batch *storage.Batch) error {
	return b.shards[shard].CommitBatch(batch)
}

// dump collects every entry under the given prefixes across all shards.
func (b *memBackend) dump(t *testing.T, prefixes ...string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, db := range b.shards {
		for _, prefix := range prefixes {
			entries, err := db.ScanPrefix(prefix, "", 0)
			require.NoError(t, err)
			for _, e := range entries {
				out[e.Key] = string(e.Value)
			}
		}
	}
	return out
}

var entityPrefixes = []string{
	storage.PrefixToken, storage.PrefixBalance, storage.PrefixMarket, storage.PrefixBlacklist,
}

func envelopeScript(payload string) []byte {
	script := []byte{0x00, 0x63, 0x07}
	script = append(script, "kasplex"...)
	script = append(script, 0x00)
	if len(payload) <= 75 {
		script = append(script, byte(len(payload)))
	} else {
		script = append(script, 0x4c, byte(len(payload)))
	}
	script = append(script, payload...)
	return append(script, 0x68)
}

func testAddr(t *testing.T, seed byte) string {
	t.Helper()
	addr, err := address.Encode(bytes.Repeat([]byte{seed}, 20), false)
	require.NoError(t, err)
	return addr
}

func txid(seq uint64, n int) string {
	return fmt.Sprintf("%064x", seq*1000+uint64(n))
}

func env(seq uint64, n int, from, payload string, fee uint64) protocol.Envelope {
	return protocol.Envelope{
		Script:   envelopeScript(payload),
		TxID:     txid(seq, n),
		Sequence: seq,
		From:     from,
		Fee:      fee,
	}
}

var (
	deployFee = protocol.FeeLeast(protocol.KindDeploy)
	baseFee   = protocol.FeeLeast(protocol.KindMint)
)

func TestProcessBlockEndToEnd(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)
	bob := testAddr(t, 2)

	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 100, Envelopes: []protocol.Envelope{
		env(100, 0, alice, `{"p":"KRC-20","op":"deploy","tick":"kasp","max":"100000","lim":"1000"}`, deployFee),
	}}))
	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 101, Envelopes: []protocol.Envelope{
		env(101, 0, alice, `{"p":"KRC-20","op":"mint","tick":"KASP","amt":"500"}`, baseFee),
		env(101, 1, alice, fmt.Sprintf(`{"p":"KRC-20","op":"transfer","tick":"KASP","amt":"200","to":"%s"}`, bob), baseFee),
	}}))

	q := NewQuery(b)
	tok, err := q.GetToken("KASP")
	require.NoError(t, err)
	require.Equal(t, uint64(500), tok.Minted)
	require.Equal(t, alice, tok.Deployer)

	aliceBal, err := q.GetBalance(alice, "KASP")
	require.NoError(t, err)
	require.Equal(t, uint64(300), aliceBal.Amount)
	bobBal, err := q.GetBalance(bob, "KASP")
	require.NoError(t, err)
	require.Equal(t, uint64(200), bobBal.Amount)

	records, next, err := q.ListOperations("", "", "", 10)
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, records, 3)
	for _, rec := range records {
		require.Equal(t, state.OutcomeApplied, rec.Outcome)
	}
}

func TestProcessBlockSkipsForeignScripts(t *testing.T) {
	b := newMemBackend(4)
	p := NewProcessor(b, nil)

	require.NoError(t, p.ProcessBlock(context.Background(), Block{Sequence: 1, Envelopes: []protocol.Envelope{
		{Script: []byte{0x76, 0xa9, 0x14, 0xde, 0xad, 0xbe, 0xef}, TxID: txid(1, 0), Sequence: 1},
	}}))

	require.Empty(t, b.dump(t, storage.PrefixOp))
}

func TestProcessBlockRecordsRejectedDecode(t *testing.T) {
	b := newMemBackend(4)
	p := NewProcessor(b, nil)
	alice := testAddr(t, 1)

	require.NoError(t, p.ProcessBlock(context.Background(), Block{Sequence: 7, Envelopes: []protocol.Envelope{
		env(7, 0, alice, `{"p":"KRC-20","op":"shred","tick":"KASP"}`, baseFee),
	}}))

	rec, err := NewQuery(b).GetOperation(7, txid(7, 0))
	require.NoError(t, err)
	require.Equal(t, state.OutcomeRejected, rec.Outcome)
	require.Contains(t, rec.Reason, "unknown operation")
	require.Empty(t, b.dump(t, storage.PrefixUndo))
}

// ingestMints deploys at seq 1 and mints once per sequence through last.
func ingestMints(t *testing.T, p *Processor, owner string, last uint64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 1, Envelopes: []protocol.Envelope{
		env(1, 0, owner, `{"p":"KRC-20","op":"deploy","tick":"AAAA","max":"1000000","lim":"100"}`, deployFee),
	}}))
	for seq := uint64(2); seq <= last; seq++ {
		require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: seq, Envelopes: []protocol.Envelope{
			env(seq, 0, owner, `{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"100"}`, baseFee),
		}}))
	}
}

func TestProcessBlockTwiceIsIdempotent(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	deploy := Block{Sequence: 1, Envelopes: []protocol.Envelope{
		env(1, 0, alice, `{"p":"KRC-20","op":"deploy","tick":"AAAA","max":"1000000","lim":"100"}`, deployFee),
	}}
	mint := Block{Sequence: 2, Envelopes: []protocol.Envelope{
		env(2, 0, alice, `{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"100"}`, baseFee),
	}}
	require.NoError(t, p.ProcessBlock(ctx, deploy))
	require.NoError(t, p.ProcessBlock(ctx, mint))

	allPrefixes := append([]string{storage.PrefixOp, storage.PrefixUndo}, entityPrefixes...)
	before := b.dump(t, allPrefixes...)

	// A restart replays the feed from an earlier sequence; committed
	// operations must not apply twice.
	require.NoError(t, p.ProcessBlock(ctx, deploy))
	require.NoError(t, p.ProcessBlock(ctx, mint))

	require.Equal(t, before, b.dump(t, allPrefixes...))

	tok, err := NewQuery(b).GetToken("AAAA")
	require.NoError(t, err)
	require.Equal(t, uint64(100), tok.Minted)
}

func TestProcessBlockResumesPartialCommit(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	ingestMints(t, p, alice, 2)

	read := func(key string) []byte {
		raw, err := b.shards[b.ShardID(key)].Get(key)
		require.NoError(t, err)
		return raw
	}
	tokenKey := storage.TokenKey("AAAA")
	balKey := storage.BalanceKey(alice, "AAAA")

	// A crashed attempt at seq 3 got its undo record and part of the
	// entity writes down, but not the operation record.
	undoKey := storage.UndoKey(3, 0, txid(3, 0))
	undo := &state.UndoRecord{TxID: txid(3, 0), Sequence: 3, Entries: []state.UndoEntry{
		{Key: tokenKey, Prior: read(tokenKey)},
		{Key: balKey, Prior: read(balKey)},
	}}
	crash := new(storage.Batch)
	crash.Put(undoKey, state.EncodeUndoRecord(undo))
	require.NoError(t, b.Commit(ctx, b.ShardID(undoKey), 3, crash))

	garbled := new(storage.Batch)
	garbled.Put(tokenKey, []byte(`{"tick":"AAAA","max":1000000,"minted":999999}`))
	require.NoError(t, b.Commit(ctx, b.ShardID(tokenKey), 3, garbled))

	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 3, Envelopes: []protocol.Envelope{
		env(3, 0, alice, `{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"100"}`, baseFee),
	}}))

	q := NewQuery(b)
	tok, err := q.GetToken("AAAA")
	require.NoError(t, err)
	require.Equal(t, uint64(200), tok.Minted)
	bal, err := q.GetBalance(alice, "AAAA")
	require.NoError(t, err)
	require.Equal(t, uint64(200), bal.Amount)
	rec, err := q.GetOperation(3, txid(3, 0))
	require.NoError(t, err)
	require.Equal(t, state.OutcomeApplied, rec.Outcome)
}

func TestRollbackRestoresBoundaryState(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	ingestMints(t, p, alice, 5)
	atBoundary := b.dump(t, entityPrefixes...)

	for seq := uint64(6); seq <= 10; seq++ {
		require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: seq, Envelopes: []protocol.Envelope{
			env(seq, 0, alice, `{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"100"}`, baseFee),
		}}))
	}
	require.NotEqual(t, atBoundary, b.dump(t, entityPrefixes...))

	rb := NewRollback(b, 1<<30, nil)
	require.NoError(t, rb.RollbackTo(ctx, 5))

	require.Equal(t, atBoundary, b.dump(t, entityPrefixes...))

	q := NewQuery(b)
	for seq := uint64(6); seq <= 10; seq++ {
		rec, err := q.GetOperation(seq, txid(seq, 0))
		require.NoError(t, err)
		require.Equal(t, state.OutcomeRolledBack, rec.Outcome)
	}
	rec, err := q.GetOperation(5, txid(5, 0))
	require.NoError(t, err)
	require.Equal(t, state.OutcomeApplied, rec.Outcome)

	for key := range b.dump(t, storage.PrefixUndo) {
		seq, _, _, err := storage.ParseUndoKey(key)
		require.NoError(t, err)
		require.LessOrEqual(t, seq, uint64(5))
	}
}

func TestRollbackRevertsInApplicationOrder(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)
	bob := testAddr(t, 2)

	ingestMints(t, p, alice, 2)
	atBoundary := b.dump(t, entityPrefixes...)

	// The first-applied operation carries the lexicographically larger
	// txid, so txid order and application order disagree within the block.
	mintID := strings.Repeat("f", 64)
	transferID := strings.Repeat("0", 64)
	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 3, Envelopes: []protocol.Envelope{
		{Script: envelopeScript(`{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"100"}`), TxID: mintID, Sequence: 3, From: alice, Fee: baseFee},
		{Script: envelopeScript(fmt.Sprintf(`{"p":"KRC-20","op":"transfer","tick":"AAAA","amt":"50","to":"%s"}`, bob)), TxID: transferID, Sequence: 3, From: alice, Fee: baseFee},
	}}))

	rb := NewRollback(b, 1<<30, nil)
	require.NoError(t, rb.RollbackTo(ctx, 2))

	require.Equal(t, atBoundary, b.dump(t, entityPrefixes...))
}

func TestRollbackThenReingestConverges(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	ingestMints(t, p, alice, 10)
	allPrefixes := append([]string{storage.PrefixOp, storage.PrefixUndo}, entityPrefixes...)
	before := b.dump(t, allPrefixes...)

	rb := NewRollback(b, 1<<30, nil)
	require.NoError(t, rb.RollbackTo(ctx, 5))

	for seq := uint64(6); seq <= 10; seq++ {
		require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: seq, Envelopes: []protocol.Envelope{
			env(seq, 0, alice, `{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"100"}`, baseFee),
		}}))
	}

	require.Equal(t, before, b.dump(t, allPrefixes...))
}

func TestRollbackMissingUndoIsFatal(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	ingestMints(t, p, alice, 10)

	// Simulate a corrupted shard: the undo record for seq 8 disappears.
	key := storage.UndoKey(8, 0, txid(8, 0))
	batch := new(storage.Batch)
	batch.Delete(key)
	require.NoError(t, b.Commit(ctx, b.ShardID(key), 8, batch))

	rb := NewRollback(b, 1<<30, nil)
	err := rb.RollbackTo(ctx, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "undo record missing")

	// Nothing was reverted.
	rec, err := NewQuery(b).GetOperation(10, txid(10, 0))
	require.NoError(t, err)
	require.Equal(t, state.OutcomeApplied, rec.Outcome)
}

func TestPruneAdvancesHorizon(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	ingestMints(t, p, alice, 10)

	rb := NewRollback(b, 3, nil)
	require.NoError(t, rb.Prune(ctx, 10))

	horizon, err := rb.Horizon()
	require.NoError(t, err)
	require.Equal(t, uint64(7), horizon)

	for key := range b.dump(t, storage.PrefixUndo) {
		seq, _, _, err := storage.ParseUndoKey(key)
		require.NoError(t, err)
		require.GreaterOrEqual(t, seq, uint64(7))
	}

	require.ErrorIs(t, rb.RollbackTo(ctx, 5), ErrBelowHorizon)
	require.NoError(t, rb.RollbackTo(ctx, 8))
}

func TestListOperationsFilters(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)
	bob := testAddr(t, 2)

	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 1, Envelopes: []protocol.Envelope{
		env(1, 0, alice, `{"p":"KRC-20","op":"deploy","tick":"AAAA","max":"1000","lim":"1000"}`, deployFee),
		env(1, 1, bob, `{"p":"KRC-20","op":"deploy","tick":"BBBB","max":"1000","lim":"1000"}`, deployFee),
	}}))
	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 2, Envelopes: []protocol.Envelope{
		env(2, 0, alice, `{"p":"KRC-20","op":"mint","tick":"AAAA","amt":"10"}`, baseFee),
		env(2, 1, bob, `{"p":"KRC-20","op":"mint","tick":"BBBB","amt":"10"}`, baseFee),
		env(2, 2, alice, fmt.Sprintf(`{"p":"KRC-20","op":"transfer","tick":"AAAA","amt":"5","to":"%s"}`, bob), baseFee),
	}}))

	q := NewQuery(b)

	byTick, _, err := q.ListOperations("", "AAAA", "", 10)
	require.NoError(t, err)
	require.Len(t, byTick, 3)
	for _, rec := range byTick {
		require.Equal(t, "AAAA", rec.Tick)
	}

	byAddr, _, err := q.ListOperations(bob, "", "", 10)
	require.NoError(t, err)
	require.Len(t, byAddr, 3)
	for _, rec := range byAddr {
		require.True(t, rec.From == bob || rec.To == bob)
	}

	both, _, err := q.ListOperations(bob, "AAAA", "", 10)
	require.NoError(t, err)
	require.Len(t, both, 1)
	require.Equal(t, protocol.KindTransfer, both[0].Kind)

	// Filtered pages keep scanning past non-matching records.
	first, next, err := q.ListOperations("", "AAAA", "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, next)
	rest, _, err := q.ListOperations("", "AAAA", next, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, protocol.KindTransfer, rest[0].Kind)
}

func TestMarketFlowThroughProcessor(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)
	bob := testAddr(t, 2)

	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 1, Envelopes: []protocol.Envelope{
		env(1, 0, alice, `{"p":"KRC-20","op":"deploy","tick":"MRKT","max":"10000","lim":"10000"}`, deployFee),
	}}))
	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 2, Envelopes: []protocol.Envelope{
		env(2, 0, alice, `{"p":"KRC-20","op":"mint","tick":"MRKT","amt":"1000"}`, baseFee),
	}}))
	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 3, Envelopes: []protocol.Envelope{
		env(3, 0, alice, `{"p":"KRC-20","op":"list","tick":"MRKT","amt":"400","price":"5000"}`, baseFee),
	}}))

	q := NewQuery(b)
	listings, _, err := q.Listings("MRKT", "", 0)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, uint64(400), listings[0].Amount)

	bal, err := q.GetBalance(alice, "MRKT")
	require.NoError(t, err)
	require.Equal(t, uint64(400), bal.Locked)

	require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: 4, Envelopes: []protocol.Envelope{
		env(4, 0, alice, fmt.Sprintf(`{"p":"KRC-20","op":"send","tick":"MRKT","utxo":"%s","to":"%s"}`, txid(3, 0), bob), baseFee),
	}}))

	listings, _, err = q.Listings("MRKT", "", 0)
	require.NoError(t, err)
	require.Empty(t, listings)

	bobBal, err := q.GetBalance(bob, "MRKT")
	require.NoError(t, err)
	require.Equal(t, uint64(400), bobBal.Amount)
}

func TestListTokensPagination(t *testing.T) {
	b := newMemBackend(8)
	p := NewProcessor(b, nil)
	ctx := context.Background()
	alice := testAddr(t, 1)

	ticks := []string{"AAAA", "BBBB", "CCCC", "DDDD", "EEEE"}
	for i, tick := range ticks {
		payload := fmt.Sprintf(`{"p":"KRC-20","op":"deploy","tick":"%s","max":"1000","lim":"10","pre":"10"}`, tick)
		require.NoError(t, p.ProcessBlock(ctx, Block{Sequence: uint64(i + 1), Envelopes: []protocol.Envelope{
			env(uint64(i+1), 0, alice, payload, deployFee),
		}}))
	}

	q := NewQuery(b)
	var got []string
	cursor := ""
	for {
		page, next, err := q.ListTokens(cursor, 2)
		require.NoError(t, err)
		for _, tok := range page {
			got = append(got, tok.Tick)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	require.Equal(t, ticks, got)

	var holdings []string
	cursor = ""
	for {
		page, next, err := q.ListBalances(alice, cursor, 2)
		require.NoError(t, err)
		for _, bal := range page {
			require.Equal(t, uint64(10), bal.Amount)
			holdings = append(holdings, bal.Tick)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	require.Equal(t, ticks, holdings)
}
