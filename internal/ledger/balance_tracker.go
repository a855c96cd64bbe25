package ledger

import (
	"fmt"
	"math/big"
	"sort"
)

// Reader exposes signed account balances. Implemented by BalanceTracker
// (committed state) and Tx (committed state plus staged entries).
type Reader interface {
	Balance(key AccountKey) *big.Int
}

// BalanceTracker maintains in-memory account balances.
// Boundary accounts go negative; user accounts never do.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	bt.add(j.DebitAccount, amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(amount))
}

func (bt *BalanceTracker) add(key AccountKey, delta *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Add(cur, delta)
	if cur.Sign() == 0 {
		delete(bt.balances, key)
	}
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// Balance returns a copy of the current balance for an account
func (bt *BalanceTracker) Balance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// SetBalance overwrites a balance (snapshot restore only).
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	if balance.Sign() == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = new(big.Int).Set(balance)
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if v, ok := bt.balances[key]; ok && v.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), v)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (zero for a
// consistent ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(big.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}

	return totals
}

// Snapshot returns a copy of all non-zero balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// UserAccounts returns every user account with a non-zero balance, sorted by path.
func (bt *BalanceTracker) UserAccounts() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		if k.IsUser() {
			keys = append(keys, k)
		}
	}
	SortKeys(keys)
	return keys
}

// SortKeys orders account keys by AccountPath.
func SortKeys(keys []AccountKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
}
