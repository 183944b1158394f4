package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"krcindex/address"
)

// ErrorKind classifies decode failures. All of them are non-fatal to
// ingestion: the operation is recorded as rejected and no ledger state
// mutates.
type ErrorKind int

const (
	// MalformedScript means the envelope structure itself is broken.
	MalformedScript ErrorKind = iota
	// UnsupportedOperation means the envelope is sound but names an
	// unknown protocol or operation kind.
	UnsupportedOperation
	// InvalidParameter means a kind-specific field is missing or malformed.
	InvalidParameter
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedScript:
		return "malformed script"
	case UnsupportedOperation:
		return "unsupported operation"
	case InvalidParameter:
		return "invalid parameter"
	}
	return "unknown"
}

// DecodeError reports why a script could not be decoded into an Operation.
type DecodeError struct {
	Kind   ErrorKind
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Reason)
}

func decodeErr(kind ErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// envelopeMarker is the protocol header embedded in the commit script:
// OP_FALSE OP_IF, then the 7-byte "kasplex" push.
var envelopeMarker = []byte{0x00, 0x63, 0x07, 'k', 'a', 's', 'p', 'l', 'e', 'x'}

const (
	opPushData1 = 0x4c
	opPushData2 = 0x4d
	opEndIf     = 0x68
)

// Envelope carries one raw script plus the transaction metadata the
// decoder needs. Everything here comes from the upstream block feed.
type Envelope struct {
	Script   []byte
	TxID     string
	Index    uint32
	Sequence uint64
	From     string
	Fee      uint64
	Testnet  bool
}

// payload is the JSON document carried inside the envelope. All fields are
// strings on the wire; numeric fields are canonicalized by the decoder.
type payload struct {
	P     string `json:"p"`
	Op    string `json:"op"`
	Tick  string `json:"tick"`
	Amt   string `json:"amt"`
	To    string `json:"to"`
	Max   string `json:"max"`
	Lim   string `json:"lim"`
	Pre   string `json:"pre"`
	Dec   string `json:"dec"`
	Mod   string `json:"mod"`
	Price string `json:"price"`
	UTXO  string `json:"utxo"`
}

// ExtractPayload unwraps the envelope and returns the raw JSON payload
// bytes. It fails with MalformedScript when the marker or push structure is
// absent or truncated.
func ExtractPayload(script []byte) ([]byte, error) {
	at := bytes.Index(bytes.ToLower(script), envelopeMarker)
	if at < 0 {
		return nil, decodeErr(MalformedScript, "envelope marker not found")
	}
	i := at + len(envelopeMarker)
	if i >= len(script) || script[i] != 0x00 {
		return nil, decodeErr(MalformedScript, "missing payload separator")
	}
	i++
	data, next, err := readPush(script, i)
	if err != nil {
		return nil, err
	}
	if next >= len(script) || script[next] != opEndIf {
		return nil, decodeErr(MalformedScript, "unterminated envelope")
	}
	if len(data) == 0 {
		return nil, decodeErr(MalformedScript, "empty payload")
	}
	return data, nil
}

func readPush(script []byte, i int) ([]byte, int, error) {
	if i >= len(script) {
		return nil, i, decodeErr(MalformedScript, "truncated push opcode")
	}
	op := int(script[i])
	i++
	var n int
	switch {
	case op < opPushData1:
		n = op
	case op == opPushData1:
		if i >= len(script) {
			return nil, i, decodeErr(MalformedScript, "truncated pushdata1 length")
		}
		n = int(script[i])
		i++
	case op == opPushData2:
		if i+1 >= len(script) {
			return nil, i, decodeErr(MalformedScript, "truncated pushdata2 length")
		}
		n = int(script[i]) | int(script[i+1])<<8
		i += 2
	default:
		return nil, i, decodeErr(MalformedScript, "unexpected opcode 0x%02x", op)
	}
	if i+n > len(script) {
		return nil, i, decodeErr(MalformedScript, "push length %d exceeds script", n)
	}
	return script[i : i+n], i + n, nil
}

// Decode turns one envelope into a typed Operation. It never mutates
// anything: identical input always yields an identical operation or an
// identical *DecodeError.
func Decode(env Envelope) (*Operation, error) {
	raw, err := ExtractPayload(env.Script)
	if err != nil {
		return nil, err
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, decodeErr(MalformedScript, "payload is not valid JSON: %v", err)
	}

	if !strings.EqualFold(p.P, "KRC-20") {
		return nil, decodeErr(UnsupportedOperation, "unknown protocol %q", p.P)
	}
	kind := Kind(strings.ToLower(p.Op))
	if !Registered(kind) {
		return nil, decodeErr(UnsupportedOperation, "unknown operation %q", p.Op)
	}

	tick, ok := NormalizeTick(p.Tick)
	if !ok {
		return nil, decodeErr(InvalidParameter, "invalid tick %q", p.Tick)
	}
	if !address.Valid(env.From, env.Testnet) {
		return nil, decodeErr(InvalidParameter, "invalid sender address %q", env.From)
	}

	op := &Operation{
		ID:       OperationID{TxID: env.TxID, Index: env.Index},
		Kind:     kind,
		Sequence: env.Sequence,
		Tick:     tick,
		From:     env.From,
		Fee:      env.Fee,
	}

	switch kind {
	case KindDeploy:
		if err := decodeDeploy(&p, op, env.Testnet); err != nil {
			return nil, err
		}
	case KindMint, KindIssue:
		amt, ok := ParseAmount(p.Amt)
		if !ok || amt == 0 {
			return nil, decodeErr(InvalidParameter, "invalid amount %q", p.Amt)
		}
		op.Amount = amt
		op.To = op.From
		if p.To != "" {
			if !address.Valid(p.To, env.Testnet) {
				return nil, decodeErr(InvalidParameter, "invalid recipient %q", p.To)
			}
			op.To = p.To
		}
	case KindTransfer:
		amt, ok := ParseAmount(p.Amt)
		if !ok || amt == 0 {
			return nil, decodeErr(InvalidParameter, "invalid amount %q", p.Amt)
		}
		if !address.Valid(p.To, env.Testnet) {
			return nil, decodeErr(InvalidParameter, "invalid recipient %q", p.To)
		}
		op.Amount = amt
		op.To = p.To
	case KindBurn:
		amt, ok := ParseAmount(p.Amt)
		if !ok || amt == 0 {
			return nil, decodeErr(InvalidParameter, "invalid amount %q", p.Amt)
		}
		op.Amount = amt
	case KindList:
		amt, ok := ParseAmount(p.Amt)
		if !ok || amt == 0 {
			return nil, decodeErr(InvalidParameter, "invalid amount %q", p.Amt)
		}
		op.Amount = amt
		if p.Price != "" {
			price, ok := ParseAmount(p.Price)
			if !ok {
				return nil, decodeErr(InvalidParameter, "invalid price %q", p.Price)
			}
			op.Price = price
		}
	case KindSend:
		listing := strings.ToLower(p.UTXO)
		if !ValidateTxID(listing) {
			return nil, decodeErr(InvalidParameter, "invalid listing txid %q", p.UTXO)
		}
		op.ListingTxID = listing
		op.To = op.From
		if p.To != "" {
			if !address.Valid(p.To, env.Testnet) {
				return nil, decodeErr(InvalidParameter, "invalid recipient %q", p.To)
			}
			op.To = p.To
		}
	case KindChown:
		if !address.Valid(p.To, env.Testnet) {
			return nil, decodeErr(InvalidParameter, "invalid new owner %q", p.To)
		}
		op.To = p.To
	case KindBlacklist:
		if p.To != "" {
			if !address.Valid(p.To, env.Testnet) {
				return nil, decodeErr(InvalidParameter, "invalid address %q", p.To)
			}
			op.To = p.To
		}
	}

	return op, nil
}

func decodeDeploy(p *payload, op *Operation, testnet bool) error {
	max, ok := ParseAmount(p.Max)
	if !ok || max == 0 {
		return decodeErr(InvalidParameter, "invalid max supply %q", p.Max)
	}
	op.MaxSupply = max

	mode := strings.ToLower(p.Mod)
	if mode != "" && mode != "issue" {
		return decodeErr(InvalidParameter, "unknown token mode %q", p.Mod)
	}
	op.Mode = mode

	if mode != "issue" {
		lim, ok := ParseAmount(p.Lim)
		if !ok || lim == 0 || lim > max {
			return decodeErr(InvalidParameter, "invalid mint limit %q", p.Lim)
		}
		op.Limit = lim
	}

	if p.Pre != "" && p.Pre != "0" {
		pre, ok := ParseAmount(p.Pre)
		if !ok || pre > max {
			return decodeErr(InvalidParameter, "invalid premine %q", p.Pre)
		}
		op.Premine = pre
		op.To = op.From
		if p.To != "" {
			if !address.Valid(p.To, testnet) {
				return decodeErr(InvalidParameter, "invalid premine recipient %q", p.To)
			}
			op.To = p.To
		}
	}

	dec, ok := ParseDecimals(p.Dec)
	if !ok {
		return decodeErr(InvalidParameter, "invalid decimals %q", p.Dec)
	}
	op.Decimals = dec
	return nil
}
