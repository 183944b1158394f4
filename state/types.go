// Package state implements the KRC-20 ledger state machine: validating a
// decoded operation against current state and producing the write delta,
// the operation record, and the undo record that makes the operation
// reversible under chain reorganizations.
package state

import (
	"encoding/json"
	"fmt"

	"krcindex/protocol"
)

// TokenStatus is the administrative state of a token.
type TokenStatus string

const (
	StatusActive      TokenStatus = "active"
	StatusBlacklisted TokenStatus = "blacklisted"
)

// Token is the per-tick ledger entity. Created by Deploy, never deleted.
// Minted is a high-water mark: Burn increments Burned instead of
// decrementing Minted, so `Minted <= MaxSupply` stays monotone.
type Token struct {
	Tick       string      `json:"tick"`
	MaxSupply  uint64      `json:"max"`
	Limit      uint64      `json:"lim,omitempty"`
	Premine    uint64      `json:"pre,omitempty"`
	Decimals   uint8       `json:"dec"`
	Mode       string      `json:"mod,omitempty"`
	Minted     uint64      `json:"minted"`
	Burned     uint64      `json:"burned"`
	Deployer   string      `json:"deployer"`
	DeploySeq  uint64      `json:"deploySeq"`
	DeployTxID string      `json:"deployTx"`
	Status     TokenStatus `json:"status"`
}

// Balance is the per-(address, tick) holding. Locked tracks amounts tied
// up in market listings; Available is what Transfer/Burn/List may spend.
type Balance struct {
	Address string `json:"address"`
	Tick    string `json:"tick"`
	Amount  uint64 `json:"amount"`
	Locked  uint64 `json:"locked,omitempty"`
}

func (b Balance) Available() uint64 {
	if b.Locked > b.Amount {
		return 0
	}
	return b.Amount - b.Locked
}

// Listing is one active market listing, keyed by the listing transaction.
type Listing struct {
	Tick     string `json:"tick"`
	Seller   string `json:"seller"`
	Amount   uint64 `json:"amount"`
	Price    uint64 `json:"price,omitempty"`
	Sequence uint64 `json:"seq"`
}

// BlacklistEntry marks one (tick, address) pair as blocked.
type BlacklistEntry struct {
	Tick     string `json:"tick"`
	Address  string `json:"address"`
	Sequence uint64 `json:"seq"`
}

// Outcome is the final disposition of an operation record.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeRejected   Outcome = "rejected"
	OutcomeRolledBack Outcome = "rolledback"
)

// OperationRecord is the permanent audit entry for every ingested
// operation, rejected ones included. Immutable once committed except for
// the rollback transition applied→rolledback.
type OperationRecord struct {
	TxID     string        `json:"txid"`
	Index    uint32        `json:"index"`
	Kind     protocol.Kind `json:"kind"`
	Tick     string        `json:"tick"`
	From     string        `json:"from,omitempty"`
	To       string        `json:"to,omitempty"`
	Amount   uint64        `json:"amount,omitempty"`
	Sequence uint64        `json:"seq"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
}

func (r OperationRecord) ID() protocol.OperationID {
	return protocol.OperationID{TxID: r.TxID, Index: r.Index}
}

// UndoEntry captures one storage key's absolute value before the operation
// applied. Prior == nil means the key did not exist.
type UndoEntry struct {
	Key   string `json:"key"`
	Prior []byte `json:"prior,omitempty"`
}

// UndoRecord exists for every applied operation and is what the rollback
// coordinator replays. Because entries hold absolute prior values, a
// revert is idempotent.
type UndoRecord struct {
	TxID     string      `json:"txid"`
	Index    uint32      `json:"index"`
	Sequence uint64      `json:"seq"`
	Entries  []UndoEntry `json:"entries"`
}

func encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All persisted types marshal without error by construction.
		panic(fmt.Sprintf("state: marshal %T: %v", v, err))
	}
	return data
}

func DecodeToken(data []byte) (*Token, error) {
	tok := new(Token)
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("state: decode token: %w", err)
	}
	return tok, nil
}

func DecodeBalance(data []byte) (*Balance, error) {
	bal := new(Balance)
	if err := json.Unmarshal(data, bal); err != nil {
		return nil, fmt.Errorf("state: decode balance: %w", err)
	}
	return bal, nil
}

func DecodeListing(data []byte) (*Listing, error) {
	lst := new(Listing)
	if err := json.Unmarshal(data, lst); err != nil {
		return nil, fmt.Errorf("state: decode listing: %w", err)
	}
	return lst, nil
}

func DecodeOperationRecord(data []byte) (*OperationRecord, error) {
	rec := new(OperationRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("state: decode operation record: %w", err)
	}
	return rec, nil
}

func DecodeUndoRecord(data []byte) (*UndoRecord, error) {
	rec := new(UndoRecord)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("state: decode undo record: %w", err)
	}
	return rec, nil
}

// EncodeToken and friends expose the canonical persisted encodings used by
// the processor and the query service.
func EncodeToken(t *Token) []byte                     { return encode(t) }
func EncodeBalance(b *Balance) []byte                 { return encode(b) }
func EncodeListing(l *Listing) []byte                 { return encode(l) }
func EncodeOperationRecord(r *OperationRecord) []byte { return encode(r) }
func EncodeUndoRecord(r *UndoRecord) []byte           { return encode(r) }
