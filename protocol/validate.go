package protocol

import (
	"strconv"
	"strings"
	"sync"
)

// Ticks on this list may never be deployed; they shadow assets that exist
// outside the protocol.
var ignoredTicks = map[string]struct{}{
	"KAS": {}, "WKAS": {}, "KASP": {}, "GIGA": {},
	"WBTC": {}, "WETH": {}, "USDT": {}, "USDC": {}, "USDD": {},
	"TUSD": {}, "USDP": {}, "EURC": {}, "BUSD": {}, "GUSD": {},
	"EURT": {}, "XAUT": {},
}

// reservedTicks maps a tick to the only address allowed to deploy it.
// Populated from governance configuration at startup; the lock covers a
// config reload racing concurrent decodes.
var (
	reservedMu    sync.RWMutex
	reservedTicks = map[string]string{}
)

// ApplyTickReserved replaces the reserved tick list. Entries are
// "TICK=address" pairs; malformed entries are skipped.
func ApplyTickReserved(entries []string) {
	next := make(map[string]string, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		tick, ok := NormalizeTick(parts[0])
		if !ok {
			continue
		}
		next[tick] = parts[1]
	}
	reservedMu.Lock()
	reservedTicks = next
	reservedMu.Unlock()
}

// ReservedTickAddress returns the deployer address a tick is reserved for,
// if any.
func ReservedTickAddress(tick string) (string, bool) {
	reservedMu.RLock()
	defer reservedMu.RUnlock()
	addr, ok := reservedTicks[tick]
	return addr, ok
}

// TickIgnored reports whether the tick shadows an external asset and must
// never be deployable.
func TickIgnored(tick string) bool {
	_, ok := ignoredTicks[tick]
	return ok
}

// NormalizeTick upper-cases and validates a tick symbol: one to four ASCII
// alphanumeric characters.
func NormalizeTick(tick string) (string, bool) {
	tick = strings.ToUpper(tick)
	if len(tick) < 1 || len(tick) > 4 {
		return "", false
	}
	for i := 0; i < len(tick); i++ {
		c := tick[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return "", false
		}
	}
	return tick, true
}

// ParseAmount parses a canonical unsigned decimal amount. Leading zeros,
// signs, whitespace, and values past 2^64-1 are all rejected; the string
// must round-trip exactly.
func ParseAmount(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	if strconv.FormatUint(v, 10) != s {
		return 0, false
	}
	return v, true
}

// ParseDecimals parses the deploy "dec" field, defaulting when empty and
// capping precision at 18.
func ParseDecimals(s string) (uint8, bool) {
	if s == "" {
		return 8, true
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || strconv.FormatUint(v, 10) != s || v > 18 {
		return 0, false
	}
	return uint8(v), true
}

// ValidateTxID validates a lowercase 64-character hex transaction id.
func ValidateTxID(txid string) bool {
	if len(txid) != 64 {
		return false
	}
	for i := 0; i < len(txid); i++ {
		c := txid[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
