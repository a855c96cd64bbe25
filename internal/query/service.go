package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"SynthLedger/internal/ledger"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the projection tables and the
// event log. All responses carry the projection watermark as as_of_sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns every projected balance of participant.
func (qs *QueryService) GetBalances(ctx context.Context, participant uuid.UUID) (*BalancesResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance::TEXT, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, userPrefix(participant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalancesResponse{
		Participant:  participant,
		Balances:     make([]ProjectedBalance, 0),
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var b ProjectedBalance
		var asset int32
		if err := rows.Scan(&b.AccountPath, &asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.AssetID = uint16(asset)
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching participant, newest
// first. afterSequence is an exclusive cursor.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	participant uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{userPrefix(participant)}
	query, args = paginate(query, args, "sequence", limit, afterSequence)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]JournalHistoryEntry, 0)
	for rows.Next() {
		var e JournalHistoryEntry
		var asset, jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &asset, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.AssetID = uint16(asset)
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLiquidationHistory returns liquidations where participant was the
// debtor or the liquidator, newest first.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	participant uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]LiquidationHistoryEntry, error) {
	query := `
		SELECT sequence, request_id, liquidator, debtor, asset,
		       debt_covered::TEXT, collateral_seized::TEXT, bonus::TEXT,
		       starting_health::TEXT, ending_health::TEXT, timestamp
		FROM projections.liquidation_history
		WHERE (debtor = $1 OR liquidator = $1)
	`
	args := []interface{}{participant.String()}
	query, args = paginate(query, args, "sequence", limit, afterSequence)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LiquidationHistoryEntry, 0)
	for rows.Next() {
		var l LiquidationHistoryEntry
		if err := rows.Scan(
			&l.Sequence, &l.RequestID, &l.Liquidator, &l.Debtor, &l.Asset,
			&l.DebtCovered, &l.CollateralSeized, &l.Bonus,
			&l.StartingHealth, &l.EndingHealth, &l.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that the
// projected balances of every asset sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::TEXT
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var asset int32
		var total string
		if err := balanceRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   uint16(asset),
			Imbalance: total,
		})
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// getWatermark returns the last projected sequence, or -1 before the first.
func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func userPrefix(participant uuid.UUID) string {
	return "user:" + participant.String() + ":%"
}

// paginate appends a descending cursor and limit to query.
func paginate(query string, args []interface{}, column string, limit int, after *int64) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(query)

	if after != nil {
		args = append(args, *after)
		fmt.Fprintf(&b, " AND %s < $%d", column, len(args))
	}

	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY %s DESC LIMIT $%d", column, len(args))

	return b.String(), args
}

// MaxPageSize caps history queries.
const MaxPageSize = 500
