// Package protocol decodes KRC-20 envelope scripts into typed operations.
// Decoding is pure: the same script bytes always yield the same operation
// or the same error, which is what makes replays after a crash or a reorg
// reproduce identical history.
package protocol

import "fmt"

// Kind enumerates the nine KRC-20 operation kinds.
type Kind string

const (
	KindDeploy    Kind = "deploy"
	KindMint      Kind = "mint"
	KindTransfer  Kind = "transfer"
	KindBurn      Kind = "burn"
	KindSend      Kind = "send"
	KindIssue     Kind = "issue"
	KindList      Kind = "list"
	KindChown     Kind = "chown"
	KindBlacklist Kind = "blacklist"
)

var registeredKinds = map[Kind]struct{}{
	KindDeploy:    {},
	KindMint:      {},
	KindTransfer:  {},
	KindBurn:      {},
	KindSend:      {},
	KindIssue:     {},
	KindList:      {},
	KindChown:     {},
	KindBlacklist: {},
}

// Registered reports whether k names a supported operation kind.
func Registered(k Kind) bool {
	_, ok := registeredKinds[k]
	return ok
}

// Kinds returns every supported operation kind. The slice is a copy.
func Kinds() []Kind {
	out := make([]Kind, 0, len(registeredKinds))
	for k := range registeredKinds {
		out = append(out, k)
	}
	return out
}

// OperationID identifies an operation by its carrying transaction and the
// script index within it. The pair is unique for the lifetime of the chain.
type OperationID struct {
	TxID  string
	Index uint32
}

func (id OperationID) String() string {
	return fmt.Sprintf("%s:%d", id.TxID, id.Index)
}

// Operation is a fully decoded, validated-for-shape KRC-20 operation.
// Protocol preconditions (balances, supply, ownership) are checked later by
// the state engine; the decoder only guarantees well-formed fields.
type Operation struct {
	ID       OperationID
	Kind     Kind
	Sequence uint64

	Tick string
	From string
	To   string

	Amount uint64

	// Deploy-only fields.
	MaxSupply uint64
	Limit     uint64
	Premine   uint64
	Decimals  uint8
	Mode      string

	// List/Send fields.
	Price       uint64
	ListingTxID string

	Fee uint64
}

// FeeLeast returns the minimum acceptance fee for a kind, in base chain
// units. Deploy is deliberately expensive to discourage tick squatting.
func FeeLeast(k Kind) uint64 {
	if k == KindDeploy {
		return 100000000000
	}
	return 100000000
}
