// Package address implements the bech32 address codec boundary consumed by
// the operation decoder. Addresses are treated as opaque routing strings
// everywhere else in the indexer.
package address

import (
	"strings"

	"github.com/btcsuite/btcutil/bech32"
)

const (
	// MainnetPrefix is the human-readable part of mainnet addresses.
	MainnetPrefix = "kaspa"
	// TestnetPrefix is the human-readable part of testnet addresses.
	TestnetPrefix = "kaspatest"
)

// Valid reports whether addr is a well-formed bech32 address for the
// selected network.
func Valid(addr string, testnet bool) bool {
	hrp, _, err := bech32.Decode(addr)
	if err != nil {
		return false
	}
	if testnet {
		return hrp == TestnetPrefix
	}
	return hrp == MainnetPrefix
}

// Encode builds an address from a payload for the selected network.
func Encode(payload []byte, testnet bool) (string, error) {
	hrp := MainnetPrefix
	if testnet {
		hrp = TestnetPrefix
	}
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, converted)
}

// Prefixed reports whether addr carries any known network prefix, without
// checking the checksum. Used for cheap shape checks in list filters.
func Prefixed(addr string) bool {
	return strings.HasPrefix(addr, MainnetPrefix+"1") ||
		strings.HasPrefix(addr, TestnetPrefix+"1")
}
