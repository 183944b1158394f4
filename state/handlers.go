package state

import (
	"math"

	"krcindex/protocol"
	"krcindex/storage"
)

func (e *Engine) applyDeploy(t *txn, op *protocol.Operation) error {
	if protocol.TickIgnored(op.Tick) {
		return reject("tick ignored")
	}
	if reserved, ok := protocol.ReservedTickAddress(op.Tick); ok && reserved != op.From {
		return reject("tick reserved")
	}

	existing, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if existing != nil {
		return reject("tick exists")
	}

	tok := &Token{
		Tick:       op.Tick,
		MaxSupply:  op.MaxSupply,
		Limit:      op.Limit,
		Premine:    op.Premine,
		Decimals:   op.Decimals,
		Mode:       op.Mode,
		Deployer:   op.From,
		DeploySeq:  op.Sequence,
		DeployTxID: op.ID.TxID,
		Status:     StatusActive,
	}

	if op.Premine > 0 {
		recipient := op.To
		if recipient == "" {
			recipient = op.From
		}
		bal, err := t.balance(recipient, op.Tick)
		if err != nil {
			return err
		}
		tok.Minted = op.Premine
		bal.Amount += op.Premine
		t.putBalance(bal)
	}

	t.putToken(tok)
	return nil
}

func (e *Engine) applyMint(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if tok.Status == StatusBlacklisted {
		return reject("token blacklisted")
	}
	if tok.Mode == "issue" {
		return reject("mode invalid")
	}
	if op.Amount > tok.Limit {
		return reject("limit exceeded")
	}
	if op.Amount > math.MaxUint64-tok.Minted || tok.Minted+op.Amount > tok.MaxSupply {
		return reject("supply exceeded")
	}

	bal, err := t.balance(op.To, op.Tick)
	if err != nil {
		return err
	}
	tok.Minted += op.Amount
	bal.Amount += op.Amount

	t.putToken(tok)
	t.putBalance(bal)
	return nil
}

func (e *Engine) applyTransfer(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if tok.Status == StatusBlacklisted {
		return reject("token blacklisted")
	}
	if blocked, err := t.addressBlocked(op.Tick, op.From, op.To); err != nil {
		return err
	} else if blocked {
		return reject("address blacklisted")
	}

	from, err := t.balance(op.From, op.Tick)
	if err != nil {
		return err
	}
	if from.Available() < op.Amount {
		return reject("insufficient balance")
	}

	from.Amount -= op.Amount
	if op.To == op.From {
		t.putBalance(from)
		return nil
	}

	to, err := t.balance(op.To, op.Tick)
	if err != nil {
		return err
	}
	to.Amount += op.Amount

	t.putBalance(from)
	t.putBalance(to)
	return nil
}

func (e *Engine) applyBurn(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}

	bal, err := t.balance(op.From, op.Tick)
	if err != nil {
		return err
	}
	if bal.Available() < op.Amount {
		return reject("insufficient balance")
	}

	bal.Amount -= op.Amount
	tok.Burned += op.Amount

	t.putToken(tok)
	t.putBalance(bal)
	return nil
}

func (e *Engine) applyList(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if tok.Status == StatusBlacklisted {
		return reject("token blacklisted")
	}

	bal, err := t.balance(op.From, op.Tick)
	if err != nil {
		return err
	}
	if bal.Available() < op.Amount {
		return reject("insufficient balance")
	}

	key := storage.MarketKey(op.Tick, op.ID.TxID)
	if _, err := t.touch(key); err != nil {
		return err
	}

	bal.Locked += op.Amount
	t.putBalance(bal)
	t.put(key, EncodeListing(&Listing{
		Tick:     op.Tick,
		Seller:   op.From,
		Amount:   op.Amount,
		Price:    op.Price,
		Sequence: op.Sequence,
	}))
	return nil
}

func (e *Engine) applySend(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if tok.Status == StatusBlacklisted {
		return reject("token blacklisted")
	}

	key := storage.MarketKey(op.Tick, op.ListingTxID)
	raw, err := t.touch(key)
	if err != nil {
		return err
	}
	if raw == nil {
		return reject("listing not found")
	}
	listing, err := DecodeListing(raw)
	if err != nil {
		return err
	}
	if blocked, err := t.addressBlocked(op.Tick, op.To); err != nil {
		return err
	} else if blocked {
		return reject("address blacklisted")
	}

	seller, err := t.balance(listing.Seller, op.Tick)
	if err != nil {
		return err
	}
	if seller.Locked < listing.Amount || seller.Amount < listing.Amount {
		return reject("listing unfunded")
	}

	if op.To == listing.Seller {
		// Seller reclaiming their own listing: tokens return to available.
		seller.Locked -= listing.Amount
		t.putBalance(seller)
	} else {
		seller.Locked -= listing.Amount
		seller.Amount -= listing.Amount
		t.putBalance(seller)

		buyer, err := t.balance(op.To, op.Tick)
		if err != nil {
			return err
		}
		buyer.Amount += listing.Amount
		t.putBalance(buyer)
	}

	t.del(key)
	return nil
}

func (e *Engine) applyIssue(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if tok.Mode != "issue" {
		return reject("mode invalid")
	}
	if op.From != tok.Deployer {
		return reject("not owner")
	}
	if tok.Status == StatusBlacklisted {
		return reject("token blacklisted")
	}
	if op.Amount > math.MaxUint64-tok.Minted || tok.Minted+op.Amount > tok.MaxSupply {
		return reject("supply exceeded")
	}

	bal, err := t.balance(op.To, op.Tick)
	if err != nil {
		return err
	}
	tok.Minted += op.Amount
	bal.Amount += op.Amount

	t.putToken(tok)
	t.putBalance(bal)
	return nil
}

func (e *Engine) applyChown(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if op.From != tok.Deployer {
		return reject("not owner")
	}

	tok.Deployer = op.To
	t.putToken(tok)
	return nil
}

func (e *Engine) applyBlacklist(t *txn, op *protocol.Operation) error {
	tok, err := t.token(op.Tick)
	if err != nil {
		return err
	}
	if tok == nil {
		return reject("tick not found")
	}
	if op.From != tok.Deployer {
		return reject("not owner")
	}

	if op.To == "" {
		// Token-level flip.
		if tok.Status == StatusBlacklisted {
			tok.Status = StatusActive
		} else {
			tok.Status = StatusBlacklisted
		}
		t.putToken(tok)
		return nil
	}

	key := storage.BlacklistKey(op.Tick, op.To)
	raw, err := t.touch(key)
	if err != nil {
		return err
	}
	if raw != nil {
		t.del(key)
		return nil
	}
	t.put(key, encode(&BlacklistEntry{
		Tick:     op.Tick,
		Address:  op.To,
		Sequence: op.Sequence,
	}))
	return nil
}

// addressBlocked reports whether any of the given addresses carries a
// blacklist entry for the tick.
func (t *txn) addressBlocked(tick string, addrs ...string) (bool, error) {
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		raw, err := t.touch(storage.BlacklistKey(tick, addr))
		if err != nil {
			return false, err
		}
		if raw != nil {
			return true, nil
		}
	}
	return false, nil
}
