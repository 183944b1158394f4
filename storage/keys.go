package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Key namespaces. Sequence numbers are zero-padded to 20 digits so the
// engine's lexicographic ordering matches numeric ordering.
const (
	PrefixToken     = "token/"
	PrefixBalance   = "balance/"
	PrefixOp        = "op/"
	PrefixUndo      = "undo/"
	PrefixMarket    = "market/"
	PrefixBlacklist = "blacklist/"

	seqDigits = 20
	ordDigits = 5
)

// HorizonKey stores a shard's rollback low-water mark: the sequence below
// which undo records have been pruned and reverting is no longer possible.
const HorizonKey = "meta/horizon"

func TokenKey(tick string) string {
	return PrefixToken + tick
}

func BalanceKey(addr, tick string) string {
	return PrefixBalance + addr + "/" + tick
}

// BalancePrefix scans all of one address's balances.
func BalancePrefix(addr string) string {
	return PrefixBalance + addr + "/"
}

func OpKey(seq uint64, txid string) string {
	return fmt.Sprintf("%s%0*d/%s", PrefixOp, seqDigits, seq, txid)
}

// UndoKey embeds the operation's position within its block so that a
// descending key scan over one sequence visits undo records in reverse
// application order.
func UndoKey(seq uint64, ord uint32, txid string) string {
	return fmt.Sprintf("%s%0*d/%0*d/%s", PrefixUndo, seqDigits, seq, ordDigits, ord, txid)
}

func MarketKey(tick, listingTxID string) string {
	return PrefixMarket + tick + "/" + listingTxID
}

func MarketPrefix(tick string) string {
	return PrefixMarket + tick + "/"
}

func BlacklistKey(tick, addr string) string {
	return PrefixBlacklist + tick + "/" + addr
}

// SeqPrefix formats a sequence number the way OpKey and UndoKey embed it.
func SeqPrefix(seq uint64) string {
	return fmt.Sprintf("%0*d", seqDigits, seq)
}

// ParseSeqKey recovers (seq, txid) from an op/ key.
func ParseSeqKey(key string) (uint64, string, error) {
	if !strings.HasPrefix(key, PrefixOp) {
		return 0, "", fmt.Errorf("storage: %q is not a sequenced key", key)
	}
	rest := key[len(PrefixOp):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || len(parts[0]) != seqDigits {
		return 0, "", fmt.Errorf("storage: malformed sequenced key %q", key)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("storage: malformed sequence in key %q: %w", key, err)
	}
	return seq, parts[1], nil
}

// ParseUndoKey recovers (seq, ord, txid) from an undo/ key.
func ParseUndoKey(key string) (uint64, uint32, string, error) {
	if !strings.HasPrefix(key, PrefixUndo) {
		return 0, 0, "", fmt.Errorf("storage: %q is not an undo key", key)
	}
	rest := key[len(PrefixUndo):]
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || len(parts[0]) != seqDigits || len(parts[1]) != ordDigits {
		return 0, 0, "", fmt.Errorf("storage: malformed undo key %q", key)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", fmt.Errorf("storage: malformed sequence in key %q: %w", key, err)
	}
	ord, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("storage: malformed ordinal in key %q: %w", key, err)
	}
	return seq, uint32(ord), parts[2], nil
}
