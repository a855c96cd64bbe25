package query

import (
	"time"

	"github.com/google/uuid"
)

// ProjectedBalance is one row of projections.balances. Balance is a signed
// decimal string in base units.
type ProjectedBalance struct {
	AccountPath  string `json:"account_path"`
	AssetID      uint16 `json:"asset_id"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// BalancesResponse lists a participant's projected balances.
type BalancesResponse struct {
	Participant  uuid.UUID          `json:"participant"`
	Balances     []ProjectedBalance `json:"balances"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// LiquidationHistoryEntry is a past liquidation from the projection.
type LiquidationHistoryEntry struct {
	Sequence         int64     `json:"sequence"`
	RequestID        string    `json:"request_id"`
	Liquidator       string    `json:"liquidator"`
	Debtor           string    `json:"debtor"`
	Asset            string    `json:"asset"`
	DebtCovered      string    `json:"debt_covered"`
	CollateralSeized string    `json:"collateral_seized"`
	Bonus            string    `json:"bonus"`
	StartingHealth   string    `json:"starting_health_factor"`
	EndingHealth     string    `json:"ending_health_factor"`
	Timestamp        time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
