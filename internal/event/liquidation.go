package event

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionLiquidated summarizes one successful liquidation.
type PositionLiquidated struct {
	RequestID        string
	Liquidator       uuid.UUID
	Debtor           uuid.UUID
	Asset            string
	DebtCovered      *uint256.Int
	CollateralSeized *uint256.Int // base amount equal in value to DebtCovered
	Bonus            *uint256.Int
	StartingHealth   *uint256.Int
	EndingHealth     *uint256.Int
}

func (e *PositionLiquidated) IdempotencyKey() string { return e.RequestID }
func (e *PositionLiquidated) EventType() EventType   { return EventTypePositionLiquidated }
func (e *PositionLiquidated) Participant() uuid.UUID { return e.Debtor }

// TotalSeized is base plus bonus.
func (e *PositionLiquidated) TotalSeized() *uint256.Int {
	return new(uint256.Int).Add(e.CollateralSeized, e.Bonus)
}

func (e *PositionLiquidated) Payload() ([]byte, error) {
	return json.Marshal(struct {
		Liquidator     string `json:"liquidator"`
		Debtor         string `json:"debtor"`
		Asset          string `json:"asset"`
		DebtCovered    string `json:"debt_covered"`
		Seized         string `json:"collateral_seized"`
		Bonus          string `json:"bonus"`
		TotalSeized    string `json:"total_seized"`
		StartingHealth string `json:"starting_health_factor"`
		EndingHealth   string `json:"ending_health_factor"`
	}{
		e.Liquidator.String(), e.Debtor.String(), e.Asset,
		e.DebtCovered.Dec(), e.CollateralSeized.Dec(), e.Bonus.Dec(), e.TotalSeized().Dec(),
		e.StartingHealth.Dec(), e.EndingHealth.Dec(),
	})
}
