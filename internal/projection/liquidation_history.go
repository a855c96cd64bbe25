package projection

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LiquidationEntry is one row of liquidation history. Amounts are decimal
// strings in base units; health factors are scaled by the engine precision.
type LiquidationEntry struct {
	Sequence         int64     `json:"sequence"`
	RequestID        string    `json:"request_id"`
	Liquidator       uuid.UUID `json:"liquidator"`
	Debtor           uuid.UUID `json:"debtor"`
	Asset            string    `json:"asset"`
	DebtCovered      string    `json:"debt_covered"`
	CollateralSeized string    `json:"collateral_seized"`
	Bonus            string    `json:"bonus"`
	StartingHealth   string    `json:"starting_health_factor"`
	EndingHealth     string    `json:"ending_health_factor"`
	Timestamp        time.Time `json:"timestamp"`
}

// LiquidationHistory keeps the most recent liquidations in memory, bounded
// to capacity entries. Safe for concurrent use.
type LiquidationHistory struct {
	mu       sync.RWMutex
	entries  []LiquidationEntry
	capacity int
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LiquidationHistory{
		entries:  make([]LiquidationEntry, 0, capacity),
		capacity: capacity,
	}
}

// Add records a liquidation, evicting the oldest entry when full.
func (h *LiquidationHistory) Add(entry LiquidationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == h.capacity {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, entry)
}

// Recent returns up to limit entries, newest first.
func (h *LiquidationHistory) Recent(limit int) []LiquidationEntry {
	return h.filter(limit, func(LiquidationEntry) bool { return true })
}

// ByParticipant returns up to limit entries where user was either the debtor
// or the liquidator, newest first.
func (h *LiquidationHistory) ByParticipant(user uuid.UUID, limit int) []LiquidationEntry {
	return h.filter(limit, func(e LiquidationEntry) bool {
		return e.Debtor == user || e.Liquidator == user
	})
}

func (h *LiquidationHistory) filter(limit int, keep func(LiquidationEntry) bool) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if keep(h.entries[i]) {
			result = append(result, h.entries[i])
		}
	}
	return result
}
