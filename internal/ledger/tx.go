package ledger

import (
	"errors"
	"fmt"
	"math/big"
)

var ErrTxClosed = errors.New("ledger: transaction already committed or discarded")

// Tx stages batches on top of a BalanceTracker. Reads through the Tx see
// committed balances plus everything staged so far. Nothing reaches the
// tracker until Commit.
type Tx struct {
	base    *BalanceTracker
	deltas  map[AccountKey]*big.Int
	batches []*Batch
	closed  bool
}

// Begin opens a new staging transaction.
func (bt *BalanceTracker) Begin() *Tx {
	return &Tx{
		base:   bt,
		deltas: make(map[AccountKey]*big.Int),
	}
}

// Balance returns committed balance plus staged delta.
func (tx *Tx) Balance(key AccountKey) *big.Int {
	b := tx.base.Balance(key)
	if d, ok := tx.deltas[key]; ok {
		b.Add(b, d)
	}
	return b
}

// Stage validates a batch and records its effect. A user account driven
// below zero rejects the whole batch and leaves earlier stages intact.
func (tx *Tx) Stage(batch *Batch) error {
	if tx.closed {
		return ErrTxClosed
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	pending := make(map[AccountKey]*big.Int)
	get := func(k AccountKey) *big.Int {
		if v, ok := pending[k]; ok {
			return v
		}
		v := new(big.Int)
		if d, ok := tx.deltas[k]; ok {
			v.Set(d)
		}
		pending[k] = v
		return v
	}

	for _, j := range batch.Journals {
		amount := j.Amount.ToBig()
		get(j.DebitAccount).Add(get(j.DebitAccount), amount)
		get(j.CreditAccount).Sub(get(j.CreditAccount), amount)
	}

	for k, d := range pending {
		if !k.IsUser() {
			continue
		}
		if after := new(big.Int).Add(tx.base.Balance(k), d); after.Sign() < 0 {
			return fmt.Errorf("account %s would go negative: %s", k.AccountPath(), after)
		}
	}

	for k, d := range pending {
		tx.deltas[k] = d
	}
	tx.batches = append(tx.batches, batch)
	return nil
}

// Batches returns the staged batches in order.
func (tx *Tx) Batches() []*Batch {
	return tx.batches
}

// Touched returns the accounts with a staged change, sorted by path.
func (tx *Tx) Touched() []AccountKey {
	keys := make([]AccountKey, 0, len(tx.deltas))
	for k := range tx.deltas {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Commit applies every staged batch to the tracker.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true

	for _, b := range tx.batches {
		if err := tx.base.ApplyBatch(b); err != nil {
			return err
		}
	}
	return nil
}

// Discard drops every staged batch.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.deltas = nil
	tx.batches = nil
}
