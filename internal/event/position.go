package event

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type CollateralDeposited struct {
	RequestID string
	User      uuid.UUID
	Asset     string
	Amount    *uint256.Int
}

func (e *CollateralDeposited) IdempotencyKey() string { return e.RequestID }
func (e *CollateralDeposited) EventType() EventType   { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) Participant() uuid.UUID { return e.User }

func (e *CollateralDeposited) Payload() ([]byte, error) {
	return json.Marshal(struct {
		User   string `json:"user"`
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}{e.User.String(), e.Asset, e.Amount.Dec()})
}

// CollateralRedeemed records collateral leaving From's position for To.
// From and To differ only when a liquidator receives seized collateral.
type CollateralRedeemed struct {
	RequestID string
	From      uuid.UUID
	To        uuid.UUID
	Asset     string
	Amount    *uint256.Int
}

func (e *CollateralRedeemed) IdempotencyKey() string { return e.RequestID }
func (e *CollateralRedeemed) EventType() EventType   { return EventTypeCollateralRedeemed }
func (e *CollateralRedeemed) Participant() uuid.UUID { return e.From }

func (e *CollateralRedeemed) Payload() ([]byte, error) {
	return json.Marshal(struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}{e.From.String(), e.To.String(), e.Asset, e.Amount.Dec()})
}

type DebtMinted struct {
	RequestID string
	User      uuid.UUID
	Amount    *uint256.Int
}

func (e *DebtMinted) IdempotencyKey() string { return e.RequestID }
func (e *DebtMinted) EventType() EventType   { return EventTypeDebtMinted }
func (e *DebtMinted) Participant() uuid.UUID { return e.User }

func (e *DebtMinted) Payload() ([]byte, error) {
	return json.Marshal(struct {
		User   string `json:"user"`
		Amount string `json:"amount"`
	}{e.User.String(), e.Amount.Dec()})
}

// DebtBurned records OnBehalfOf's debt shrinking, paid with tokens from From.
type DebtBurned struct {
	RequestID  string
	OnBehalfOf uuid.UUID
	From       uuid.UUID
	Amount     *uint256.Int
}

func (e *DebtBurned) IdempotencyKey() string { return e.RequestID }
func (e *DebtBurned) EventType() EventType   { return EventTypeDebtBurned }
func (e *DebtBurned) Participant() uuid.UUID { return e.OnBehalfOf }

func (e *DebtBurned) Payload() ([]byte, error) {
	return json.Marshal(struct {
		OnBehalfOf string `json:"on_behalf_of"`
		From       string `json:"from"`
		Amount     string `json:"amount"`
	}{e.OnBehalfOf.String(), e.From.String(), e.Amount.Dec()})
}
