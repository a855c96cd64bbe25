package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeCollateralRedeemed
	EventTypeDebtMinted
	EventTypeDebtBurned
	EventTypePositionLiquidated
)

// EventEnvelope wraps every committed operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Request id of the operation that produced the event
	IdempotencyKey string

	EventType EventType

	// Participant whose position changed
	Participant uuid.UUID

	// Operation timestamp from the engine clock
	Timestamp time.Time

	// JSON-encoded event data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Participant returns the participant whose position changed
	Participant() uuid.UUID

	// Payload returns the JSON wire form
	Payload() ([]byte, error)
}

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralRedeemed:
		return "CollateralRedeemed"
	case EventTypeDebtMinted:
		return "DebtMinted"
	case EventTypeDebtBurned:
		return "DebtBurned"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeCollateralDeposited; et <= EventTypePositionLiquidated; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
