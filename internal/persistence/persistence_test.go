package persistence_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/persistence"
	"SynthLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func depositOutput(t *testing.T, seq int64, requestID string, amount uint64) core.CoreOutput {
	t.Helper()

	evt := &event.CollateralDeposited{
		RequestID: requestID,
		User:      alice,
		Asset:     "WETH",
		Amount:    uint256.NewInt(amount),
	}
	payload, err := evt.Payload()
	require.NoError(t, err)

	batch := ledger.NewJournalGenerator(requestID, seq, 1_700_000_000_000_000).
		Deposit(alice, 1, uint256.NewInt(amount))

	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: requestID,
		EventType:      evt.EventType(),
		Participant:    alice,
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		Payload:        payload,
	}
	env.StateHash[0] = byte(seq + 1)
	env.PrevHash[0] = byte(seq)

	return core.CoreOutput{Envelope: env, Event: evt, Batch: batch}
}

func TestFromCoreOutput(t *testing.T) {
	out := depositOutput(t, 7, "req-7", 5)

	rec := persistence.FromCoreOutput(out)

	assert.Equal(t, int64(7), rec.EventRow.Sequence)
	assert.Equal(t, "CollateralDeposited", rec.EventRow.EventType)
	assert.Equal(t, "req-7", rec.EventRow.IdempotencyKey)
	assert.Equal(t, alice.String(), rec.EventRow.Participant)
	assert.Len(t, rec.EventRow.StateHash, 32)

	require.Len(t, rec.JournalRows, 1)
	j := rec.JournalRows[0]
	assert.Equal(t, "user:"+alice.String()+":collateral:1", j.DebitAccount)
	assert.Equal(t, "external:deposits:1", j.CreditAccount)
	assert.Equal(t, "5", j.Amount)
	assert.Equal(t, uint16(1), j.AssetID)
	assert.Equal(t, int64(7), j.Sequence)
}

func TestFromCoreOutput_NoBatch(t *testing.T) {
	out := depositOutput(t, 3, "req-3", 1)
	out.Batch = nil
	out.Envelope.Payload = nil

	rec := persistence.FromCoreOutput(out)

	assert.Empty(t, rec.JournalRows)
	assert.JSONEq(t, "{}", string(rec.EventRow.Payload))
}

func TestBuildReplayItems_RoundTrip(t *testing.T) {
	big1 := depositOutput(t, 0, "req-0", 1)
	// amounts above 2^64 survive the decimal text form
	huge, _ := uint256.FromDecimal("340282366920938463463374607431768211457")
	big1.Batch.Journals[0].Amount = huge

	noBatch := depositOutput(t, 1, "req-1", 1)
	noBatch.Batch = nil

	var events []persistence.EventRow
	var journals []persistence.JournalRow
	for _, out := range []core.CoreOutput{big1, noBatch} {
		rec := persistence.FromCoreOutput(out)
		events = append(events, rec.EventRow)
		journals = append(journals, rec.JournalRows...)
	}

	items, err := persistence.BuildReplayItems(events, journals)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, big1.Envelope.StateHash, items[0].Envelope.StateHash)
	assert.Equal(t, big1.Envelope.PrevHash, items[0].Envelope.PrevHash)
	assert.Equal(t, event.EventTypeCollateralDeposited, items[0].Envelope.EventType)
	assert.Equal(t, alice, items[0].Envelope.Participant)

	require.NotNil(t, items[0].Batch)
	require.Len(t, items[0].Batch.Journals, 1)
	got := items[0].Batch.Journals[0]
	want := big1.Batch.Journals[0]
	assert.Equal(t, want.JournalID, got.JournalID)
	assert.Equal(t, want.BatchID, got.BatchID)
	assert.Equal(t, want.DebitAccount, got.DebitAccount)
	assert.Equal(t, want.CreditAccount, got.CreditAccount)
	assert.Equal(t, huge.Dec(), got.Amount.Dec())
	assert.NoError(t, items[0].Batch.Validate())

	assert.Nil(t, items[1].Batch)
}

func TestBuildReplayItems_Malformed(t *testing.T) {
	rec := persistence.FromCoreOutput(depositOutput(t, 0, "req-0", 1))

	bad := rec.JournalRows[0]
	bad.Amount = "-1"
	_, err := persistence.BuildReplayItems([]persistence.EventRow{rec.EventRow}, []persistence.JournalRow{bad})
	assert.Error(t, err)

	bad = rec.JournalRows[0]
	bad.DebitAccount = "user:nope"
	_, err = persistence.BuildReplayItems([]persistence.EventRow{rec.EventRow}, []persistence.JournalRow{bad})
	assert.Error(t, err)

	row := rec.EventRow
	row.StateHash = []byte{1, 2}
	_, err = persistence.BuildReplayItems([]persistence.EventRow{row}, nil)
	assert.Error(t, err)
}

func TestSnapshotData_RoundTrip(t *testing.T) {
	st := &core.SnapshotState{
		Sequence: 41,
		Balances: map[ledger.AccountKey]*big.Int{
			ledger.CollateralKey(alice, 1):                                                     big.NewInt(10),
			ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 1):                    big.NewInt(-10),
			ledger.DebtKey(alice):                                                              big.NewInt(3),
			ledger.NewSystemAccountKey(ledger.SystemEntity, ledger.SubTypeSystemDebtIssued, 0): big.NewInt(-3),
		},
		IdempotencyKeys: []string{"a", "b"},
	}
	st.StateHash[31] = 0xff

	data := persistence.NewSnapshotData(st, time.Unix(0, 0).UTC())
	assert.Equal(t, "-10", data.Balances["external:deposits:1"])

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var decoded persistence.SnapshotData
	require.NoError(t, json.Unmarshal(raw, &decoded))

	back, err := decoded.ToState()
	require.NoError(t, err)
	assert.Equal(t, st.Sequence, back.Sequence)
	assert.Equal(t, st.StateHash, back.StateHash)
	assert.Equal(t, st.IdempotencyKeys, back.IdempotencyKeys)
	require.Len(t, back.Balances, len(st.Balances))
	for key, bal := range st.Balances {
		assert.Zero(t, bal.Cmp(back.Balances[key]), key.AccountPath())
	}
}

func TestSnapshotData_Invalid(t *testing.T) {
	hash := make([]byte, 32)

	_, err := (&persistence.SnapshotData{StateHash: []byte{1}}).ToState()
	assert.Error(t, err)

	_, err = (&persistence.SnapshotData{StateHash: hash, Balances: map[string]string{"bogus": "1"}}).ToState()
	assert.Error(t, err)

	_, err = (&persistence.SnapshotData{StateHash: hash, Balances: map[string]string{"external:deposits:1": "x"}}).ToState()
	assert.Error(t, err)
}

func TestEventLog_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t, "../../migrations")
	defer cleanup()

	ctx := context.Background()
	writer := persistence.NewEventLogWriter(db)

	var events []persistence.EventRow
	var journals []persistence.JournalRow
	for seq := int64(0); seq < 3; seq++ {
		rec := persistence.FromCoreOutput(depositOutput(t, seq, uuid.NewString(), uint64(seq+1)))
		events = append(events, rec.EventRow)
		journals = append(journals, rec.JournalRows...)
	}
	require.NoError(t, writer.WriteEventBatch(ctx, events, nil))
	require.NoError(t, writer.WriteJournalBatch(ctx, journals, nil))
	// rewrites are ignored
	require.NoError(t, writer.WriteEventBatch(ctx, events, nil))

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	items, err := sm.LoadReplayFrom(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Envelope.Sequence)
	assert.Equal(t, "2", items[0].Batch.Journals[0].Amount.Dec())

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(events[0].IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("never-seen")
	require.NoError(t, err)
	assert.False(t, dup)

	snap := &persistence.SnapshotData{
		Sequence:  2,
		StateHash: events[2].StateHash,
		Balances:  map[string]string{},
		CreatedAt: time.Now().UTC(),
	}
	_, err = sm.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, sm.MarkVerified(ctx, 2))
	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(2), loaded.Sequence)
}
