package indexer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"krcindex/state"
	"krcindex/storage"
)

// ErrNotFound is returned by point lookups for absent entities.
var ErrNotFound = errors.New("indexer: not found")

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Query is the read side of the index. Scans run against one snapshot per
// shard taken at call time, so a page never mixes state from before and
// after a concurrent commit on the same shard.
type Query struct {
	backend Backend
}

func NewQuery(backend Backend) *Query {
	return &Query{backend: backend}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	}
	return limit
}

// scan merges one prefix scan across every shard snapshot into a single
// key-ordered page.
func (q *Query) scan(prefix, startAfter string, limit int) ([]storage.Entry, error) {
	var merged []storage.Entry
	for shard := uint32(0); shard < q.backend.ShardCount(); shard++ {
		eng, err := q.backend.Primary(shard)
		if err != nil {
			return nil, err
		}
		snap, err := eng.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("indexer: snapshot shard %d: %w", shard, err)
		}
		entries, err := snap.ScanPrefix(prefix, startAfter, limit)
		snap.Release()
		if err != nil {
			return nil, fmt.Errorf("indexer: scan shard %d: %w", shard, err)
		}
		merged = append(merged, entries...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return strings.Compare(merged[i].Key, merged[j].Key) < 0
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (q *Query) get(key string) ([]byte, error) {
	eng, err := q.backend.Primary(q.backend.ShardID(key))
	if err != nil {
		return nil, err
	}
	raw, err := eng.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (q *Query) GetToken(tick string) (*state.Token, error) {
	raw, err := q.get(storage.TokenKey(tick))
	if err != nil {
		return nil, err
	}
	return state.DecodeToken(raw)
}

// ListTokens pages through all deployed tokens in tick order. The cursor
// is the last tick of the previous page; empty starts from the beginning.
func (q *Query) ListTokens(cursor string, limit int) ([]*state.Token, string, error) {
	startAfter := ""
	if cursor != "" {
		startAfter = storage.TokenKey(cursor)
	}
	entries, err := q.scan(storage.PrefixToken, startAfter, clampLimit(limit))
	if err != nil {
		return nil, "", err
	}
	tokens := make([]*state.Token, 0, len(entries))
	for _, e := range entries {
		tok, err := state.DecodeToken(e.Value)
		if err != nil {
			return nil, "", err
		}
		tokens = append(tokens, tok)
	}
	next := ""
	if len(tokens) == clampLimit(limit) {
		next = tokens[len(tokens)-1].Tick
	}
	return tokens, next, nil
}

// GetBalance returns the (address, tick) holding; absent balances are the
// zero value, not an error.
func (q *Query) GetBalance(addr, tick string) (*state.Balance, error) {
	raw, err := q.get(storage.BalanceKey(addr, tick))
	if errors.Is(err, ErrNotFound) {
		return &state.Balance{Address: addr, Tick: tick}, nil
	}
	if err != nil {
		return nil, err
	}
	return state.DecodeBalance(raw)
}

// ListBalances pages through one address's holdings in tick order. The
// cursor is the last tick of the previous page.
func (q *Query) ListBalances(addr, cursor string, limit int) ([]*state.Balance, string, error) {
	startAfter := ""
	if cursor != "" {
		startAfter = storage.BalanceKey(addr, cursor)
	}
	entries, err := q.scan(storage.BalancePrefix(addr), startAfter, clampLimit(limit))
	if err != nil {
		return nil, "", err
	}
	balances := make([]*state.Balance, 0, len(entries))
	for _, e := range entries {
		bal, err := state.DecodeBalance(e.Value)
		if err != nil {
			return nil, "", err
		}
		balances = append(balances, bal)
	}
	next := ""
	if len(balances) == clampLimit(limit) {
		next = balances[len(balances)-1].Tick
	}
	return balances, next, nil
}

// ListOperations pages through operation records in sequence order,
// optionally narrowed to one address (as sender or recipient) or one tick.
// The cursor is opaque; pass the previous page's next cursor to continue.
func (q *Query) ListOperations(addr, tick, cursor string, limit int) ([]*state.OperationRecord, string, error) {
	want := clampLimit(limit)
	startAfter := ""
	if cursor != "" {
		startAfter = storage.PrefixOp + cursor
	}

	// Records are keyed by sequence, not by address or tick, so filtered
	// pages keep scanning until they fill or the keyspace runs out.
	var records []*state.OperationRecord
	next := ""
	for {
		entries, err := q.scan(storage.PrefixOp, startAfter, want)
		if err != nil {
			return nil, "", err
		}
		for _, e := range entries {
			rec, err := state.DecodeOperationRecord(e.Value)
			if err != nil {
				return nil, "", err
			}
			if addr != "" && rec.From != addr && rec.To != addr {
				continue
			}
			if tick != "" && rec.Tick != tick {
				continue
			}
			records = append(records, rec)
			if len(records) == want {
				next = strings.TrimPrefix(e.Key, storage.PrefixOp)
				return records, next, nil
			}
		}
		if len(entries) < want {
			return records, "", nil
		}
		startAfter = entries[len(entries)-1].Key
	}
}

func (q *Query) GetOperation(seq uint64, txid string) (*state.OperationRecord, error) {
	raw, err := q.get(storage.OpKey(seq, txid))
	if err != nil {
		return nil, err
	}
	return state.DecodeOperationRecord(raw)
}

// Listings pages through the tick's open market listings. The cursor is
// the listing txid of the previous page's last entry.
func (q *Query) Listings(tick, cursor string, limit int) ([]*state.Listing, string, error) {
	startAfter := ""
	if cursor != "" {
		startAfter = storage.MarketKey(tick, cursor)
	}
	entries, err := q.scan(storage.MarketPrefix(tick), startAfter, clampLimit(limit))
	if err != nil {
		return nil, "", err
	}
	listings := make([]*state.Listing, 0, len(entries))
	for _, e := range entries {
		lst, err := state.DecodeListing(e.Value)
		if err != nil {
			return nil, "", err
		}
		listings = append(listings, lst)
	}
	next := ""
	if len(entries) == clampLimit(limit) {
		next = strings.TrimPrefix(entries[len(entries)-1].Key, storage.MarketPrefix(tick))
	}
	return listings, next, nil
}

// IsBlacklisted reports whether the address is blocked for the tick,
// either through a per-address entry or a token-level blacklist.
func (q *Query) IsBlacklisted(tick, addr string) (bool, error) {
	tok, err := q.GetToken(tick)
	if err != nil {
		return false, err
	}
	if tok.Status == state.StatusBlacklisted {
		return true, nil
	}
	_, err = q.get(storage.BlacklistKey(tick, addr))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
