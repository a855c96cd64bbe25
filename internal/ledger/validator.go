package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies a batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateUserAccounts checks that the given user accounts are >= 0
func (v *InvariantValidator) ValidateUserAccounts(keys []AccountKey) error {
	for _, k := range keys {
		if !k.IsUser() {
			continue
		}
		if err := v.tracker.ValidateNonNegative(k); err != nil {
			return err
		}
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for asset %d is non-zero: %s", assetID, total)
		}
	}

	return nil
}
