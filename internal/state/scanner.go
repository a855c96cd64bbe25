package state

import (
	"context"

	"SynthLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AtRiskPosition is a participant whose health factor is below the minimum.
type AtRiskPosition struct {
	UserID          uuid.UUID
	Debt            *uint256.Int
	CollateralValue *uint256.Int
	HealthFactor    *uint256.Int
}

// LiquidationScanner finds liquidatable participants so keepers know whom to
// liquidate. It never mutates state.
type LiquidationScanner struct {
	health *HealthEvaluator
}

func NewLiquidationScanner(h *HealthEvaluator) *LiquidationScanner {
	return &LiquidationScanner{health: h}
}

// Scan checks every participant with outstanding debt. Participants whose
// valuation fails are returned in skipped rather than aborting the scan.
func (s *LiquidationScanner) Scan(ctx context.Context, bt *ledger.BalanceTracker) (atRisk []AtRiskPosition, skipped []uuid.UUID) {
	seen := make(map[uuid.UUID]bool)

	for _, key := range bt.UserAccounts() {
		if key.SubType != ledger.SubTypeDebt {
			continue
		}
		userID := key.UserID()
		if seen[userID] {
			continue
		}
		seen[userID] = true

		debt, value, err := s.health.AccountInformation(ctx, bt, userID)
		if err != nil {
			skipped = append(skipped, userID)
			continue
		}
		hf, err := CalculateHealthFactor(debt, value, s.health.params)
		if err != nil {
			skipped = append(skipped, userID)
			continue
		}
		if s.health.IsHealthy(hf) {
			continue
		}

		atRisk = append(atRisk, AtRiskPosition{
			UserID:          userID,
			Debt:            debt,
			CollateralValue: value,
			HealthFactor:    hf,
		})
	}

	return atRisk, skipped
}
