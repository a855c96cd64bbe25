package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON form of core.SnapshotState. Balances are keyed by
// account path and stored as signed decimal strings.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        map[string]string `json:"balances"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

// NewSnapshotData converts engine state to its storage form.
func NewSnapshotData(st *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]string, len(st.Balances))
	for key, bal := range st.Balances {
		balances[key.AccountPath()] = bal.String()
	}
	return &SnapshotData{
		Sequence:        st.Sequence,
		StateHash:       append([]byte(nil), st.StateHash[:]...),
		Balances:        balances,
		IdempotencyKeys: st.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// ToState is the inverse of NewSnapshotData.
func (s *SnapshotData) ToState() (*core.SnapshotState, error) {
	st := &core.SnapshotState{
		Sequence:        s.Sequence,
		Balances:        make(map[ledger.AccountKey]*big.Int, len(s.Balances)),
		IdempotencyKeys: s.IdempotencyKeys,
	}
	if len(s.StateHash) != len(st.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", s.Sequence, len(s.StateHash))
	}
	copy(st.StateHash[:], s.StateHash)

	for path, raw := range s.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", s.Sequence, err)
		}
		bal, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot %d: account %s: bad balance %q", s.Sequence, path, raw)
		}
		st.Balances[key] = bal
	}
	return st, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. It is stored unverified; the caller marks
// it verified once the log up to its sequence is known to be durable.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	formatVersion := int32(1)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return len(data), err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns nil, nil
// when there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events with sequence >= fromSequence, oldest first.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, participant, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Participant,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LoadJournalsRange loads journal rows with fromSequence <= sequence <= toSequence.
func (sm *SnapshotManager) LoadJournalsRange(ctx context.Context, fromSequence, toSequence int64) ([]JournalRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       asset_id, amount::TEXT, journal_type, timestamp
		FROM event_log.journal
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, journal_id ASC
	`, fromSequence, toSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalRow
	for rows.Next() {
		var j JournalRow
		var asset int32
		if err := rows.Scan(
			&j.JournalID, &j.BatchID, &j.EventRef, &j.Sequence, &j.DebitAccount, &j.CreditAccount,
			&asset, &j.Amount, &j.JournalType, &j.Timestamp,
		); err != nil {
			return nil, err
		}
		j.AssetID = uint16(asset)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReplayItem is one persisted event with its rebuilt journal batch. Batch is
// nil for events that moved no balances.
type ReplayItem struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
}

// LoadReplayFrom loads up to limit events from fromSequence together with
// their journals.
func (sm *SnapshotManager) LoadReplayFrom(ctx context.Context, fromSequence int64, limit int) ([]ReplayItem, error) {
	events, err := sm.LoadEventsFrom(ctx, fromSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	journals, err := sm.LoadJournalsRange(ctx, events[0].Sequence, events[len(events)-1].Sequence)
	if err != nil {
		return nil, fmt.Errorf("load journals: %w", err)
	}
	return BuildReplayItems(events, journals)
}

// BuildReplayItems pairs event rows with the journal rows of the same sequence.
func BuildReplayItems(events []EventRow, journals []JournalRow) ([]ReplayItem, error) {
	bySeq := make(map[int64][]JournalRow)
	for _, j := range journals {
		bySeq[j.Sequence] = append(bySeq[j.Sequence], j)
	}

	items := make([]ReplayItem, 0, len(events))
	for _, row := range events {
		env, err := row.Envelope()
		if err != nil {
			return nil, err
		}
		batch, err := rebuildBatch(bySeq[row.Sequence])
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", row.Sequence, err)
		}
		items = append(items, ReplayItem{Envelope: env, Batch: batch})
	}
	return items, nil
}

// Envelope rebuilds the engine envelope from a stored row.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      event.ParseEventType(r.EventType),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	if r.Participant != "" {
		p, err := uuid.Parse(r.Participant)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: participant: %w", r.Sequence, err)
		}
		env.Participant = p
	}
	if len(r.StateHash) != len(env.StateHash) || len(r.PrevHash) != len(env.PrevHash) {
		return nil, fmt.Errorf("sequence %d: malformed hash", r.Sequence)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func rebuildBatch(rows []JournalRow) (*ledger.Batch, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	batchID, err := uuid.Parse(rows[0].BatchID)
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	batch := &ledger.Batch{
		BatchID:   batchID,
		EventRef:  rows[0].EventRef,
		Sequence:  rows[0].Sequence,
		Timestamp: rows[0].Timestamp,
		Journals:  make([]ledger.Journal, 0, len(rows)),
	}

	for _, r := range rows {
		j, err := r.journal()
		if err != nil {
			return nil, err
		}
		batch.Journals = append(batch.Journals, j)
	}
	return batch, nil
}

func (r JournalRow) journal() (ledger.Journal, error) {
	jid, err := uuid.Parse(r.JournalID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal id: %w", err)
	}
	bid, err := uuid.Parse(r.BatchID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: batch id: %w", r.JournalID, err)
	}
	debit, err := ledger.ParseAccountPath(r.DebitAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	credit, err := ledger.ParseAccountPath(r.CreditAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal %s: amount %q: %w", r.JournalID, r.Amount, err)
	}

	return ledger.Journal{
		JournalID:     jid,
		BatchID:       bid,
		EventRef:      r.EventRef,
		Sequence:      r.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       ledger.AssetID(r.AssetID),
		Amount:        amount,
		JournalType:   ledger.JournalType(r.JournalType),
		Timestamp:     r.Timestamp,
	}, nil
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
