package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionOutput is the subset of a committed event the read models need.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	JournalEntries []JournalEntry
	Liquidation    *LiquidationEntry
	Timestamp      time.Time
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string
	JournalType   int32
}

// FromCoreOutput extracts the projection view of an engine output.
func FromCoreOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Timestamp: out.Envelope.Timestamp,
	}

	if out.Batch != nil {
		po.JournalEntries = make([]JournalEntry, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			po.JournalEntries = append(po.JournalEntries, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.Dec(),
				JournalType:   int32(j.JournalType),
			})
		}
	}

	if liq, ok := out.Event.(*event.PositionLiquidated); ok {
		po.Liquidation = &LiquidationEntry{
			Sequence:         out.Envelope.Sequence,
			RequestID:        liq.RequestID,
			Liquidator:       liq.Liquidator,
			Debtor:           liq.Debtor,
			Asset:            liq.Asset,
			DebtCovered:      liq.DebtCovered.Dec(),
			CollateralSeized: liq.CollateralSeized.Dec(),
			Bonus:            liq.Bonus.Dec(),
			StartingHealth:   liq.StartingHealth.Dec(),
			EndingHealth:     liq.EndingHealth.Dec(),
			Timestamp:        out.Envelope.Timestamp,
		}
	}
	return po
}

// ProjectionWorker updates projection tables from processed events.
// The engine never blocks on this channel; outputs dropped under load are
// recovered with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	history   *LiquidationHistory
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, history *LiquidationHistory, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   history,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// LastSequence is the last sequence handed to the worker.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Liquidation != nil && pw.history != nil {
				pw.history.Add(*output.Liquidation)
			}

			if pw.db != nil {
				if err := pw.processOutput(ctx, output); err != nil {
					// eventually consistent; a rebuild repairs it
					pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				}
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("balances").Observe(time.Since(start).Seconds())
	}

	if l := output.Liquidation; l != nil {
		liqStart := time.Now()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidation_history
				(sequence, request_id, liquidator, debtor, asset, debt_covered, collateral_seized,
				 bonus, starting_health, ending_health, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)
			ON CONFLICT (sequence) DO NOTHING
		`, l.Sequence, l.RequestID, l.Liquidator.String(), l.Debtor.String(), l.Asset,
			l.DebtCovered, l.CollateralSeized, l.Bonus, l.StartingHealth, l.EndingHealth, l.Timestamp,
		); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues("liquidation_history").Observe(time.Since(liqStart).Seconds())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection adds the amount to the debit account and subtracts
// it from the credit account.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3::NUMERIC, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3::NUMERIC, last_sequence = $4
	`, j.DebitAccount, int32(j.AssetID), j.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -($3::NUMERIC), $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3::NUMERIC, last_sequence = $4
	`, j.CreditAccount, int32(j.AssetID), j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence
			FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, request_id, liquidator, debtor, asset, debt_covered, collateral_seized,
			 bonus, starting_health, ending_health, timestamp)
		SELECT sequence, idempotency_key,
		       payload->>'liquidator', payload->>'debtor', payload->>'asset',
		       (payload->>'debt_covered')::NUMERIC, (payload->>'collateral_seized')::NUMERIC,
		       (payload->>'bonus')::NUMERIC, (payload->>'starting_health_factor')::NUMERIC,
		       (payload->>'ending_health_factor')::NUMERIC, timestamp
		FROM event_log.events
		WHERE event_type = $1
	`, event.EventTypePositionLiquidated.String()); err != nil {
		return fmt.Errorf("rebuild liquidation history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', MAX(sequence), NOW() FROM event_log.events
		HAVING MAX(sequence) IS NOT NULL
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
