package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/oracle"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
)

var testUnits = ingestion.Units{
	Collateral: map[string]uint8{"WETH": 18, "WBTC": 8},
	Debt:       18,
}

const (
	userID  = "660e8400-e29b-41d4-a716-446655440001"
	otherID = "770e8400-e29b-41d4-a716-446655440002"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseDepositCommand(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"request_id": "req-1",
		"user":       userID,
		"asset":      "WETH",
		"amount":     "1500000000000000000",
	})

	cmd, err := ingestion.ParseCommand("synth.commands.deposit.shard-1", data, testUnits)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dc, ok := cmd.(core.DepositCommand)
	if !ok {
		t.Fatalf("expected core.DepositCommand, got %T", cmd)
	}
	if dc.RequestID() != "req-1" {
		t.Errorf("request id: got %s, want req-1", dc.RequestID())
	}
	if dc.User != uuid.MustParse(userID) {
		t.Errorf("user: got %s", dc.User)
	}
	if dc.Amount.Dec() != "1500000000000000000" {
		t.Errorf("amount: got %s", dc.Amount.Dec())
	}
}

func TestParseCommand_HumanUnits(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"request_id":        "req-2",
		"user":              userID,
		"asset":             "WBTC",
		"collateral_amount": "0.5",
		"debt_amount":       "1000",
		"units":             true,
	})

	cmd, err := ingestion.ParseCommand("synth.commands.deposit_and_mint", data, testUnits)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dm := cmd.(core.DepositAndMintCommand)
	if dm.CollateralAmount.Dec() != "50000000" {
		t.Errorf("collateral: got %s, want 50000000 (8 decimals)", dm.CollateralAmount.Dec())
	}
	if dm.DebtAmount.Dec() != "1000000000000000000000" {
		t.Errorf("debt: got %s", dm.DebtAmount.Dec())
	}
}

func TestParseLiquidateCommand(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"request_id":    "liq-1",
		"liquidator":    otherID,
		"debtor":        userID,
		"asset":         "WETH",
		"debt_to_cover": "500",
	})

	cmd, err := ingestion.ParseCommand("synth.commands.liquidate", data, testUnits)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	lc := cmd.(core.LiquidateCommand)
	if lc.Liquidator.String() != otherID || lc.Debtor.String() != userID {
		t.Errorf("participants swapped: %s / %s", lc.Liquidator, lc.Debtor)
	}
	if lc.Operation() != "liquidate" {
		t.Errorf("operation: got %s", lc.Operation())
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	valid := map[string]interface{}{
		"request_id": "r",
		"user":       userID,
		"asset":      "WETH",
		"amount":     "1",
	}

	cases := []struct {
		name    string
		subject string
		mutate  func(m map[string]interface{})
		want    error
	}{
		{"unknown op", "synth.commands.withdraw", nil, ingestion.ErrUnknownOperation},
		{"wrong prefix", "perp.commands.deposit", nil, ingestion.ErrUnknownOperation},
		{"missing request id", "synth.commands.deposit", func(m map[string]interface{}) { delete(m, "request_id") }, ingestion.ErrMalformedCommand},
		{"bad user", "synth.commands.deposit", func(m map[string]interface{}) { m["user"] = "nope" }, ingestion.ErrMalformedCommand},
		{"missing amount", "synth.commands.redeem", func(m map[string]interface{}) { delete(m, "amount") }, ingestion.ErrMalformedCommand},
		{"negative amount", "synth.commands.mint", func(m map[string]interface{}) { m["amount"] = "-5" }, ingestion.ErrMalformedCommand},
		{"fractional base units", "synth.commands.burn", func(m map[string]interface{}) { m["amount"] = "1.5" }, ingestion.ErrMalformedCommand},
		{"unknown asset in units", "synth.commands.deposit", func(m map[string]interface{}) { m["asset"] = "DOGE"; m["units"] = true }, core.ErrTokenNotAllowed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := make(map[string]interface{}, len(valid))
			for k, v := range valid {
				m[k] = v
			}
			if tc.mutate != nil {
				tc.mutate(m)
			}
			_, err := ingestion.ParseCommand(tc.subject, mustJSON(t, m), testUnits)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNormalizeOperation(t *testing.T) {
	op, err := ingestion.NormalizeOperation("redeem-for-burn")
	if err != nil || op != "redeem_for_burn" {
		t.Fatalf("got %q, %v", op, err)
	}
}

func TestParsePriceUpdate(t *testing.T) {
	data := mustJSON(t, ingestion.PriceUpdate{
		Price:       "1999.87654321",
		Decimals:    8,
		RoundID:     7,
		TimestampUs: 1_700_000_000_000_000,
	})

	asset, p, err := ingestion.ParsePriceUpdate("synth.prices.WETH", data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if asset != "WETH" {
		t.Errorf("asset: got %s", asset)
	}
	if p.Answer != 199987654321 || p.Decimals != 8 || p.RoundID != 7 {
		t.Errorf("point: got %+v", p)
	}
	if p.UpdatedAt.Unix() != 1_700_000_000 {
		t.Errorf("updated at: got %s", p.UpdatedAt)
	}
}

func TestParsePriceUpdate_Rejects(t *testing.T) {
	good := mustJSON(t, ingestion.PriceUpdate{Price: "1", Decimals: 8})

	for _, subject := range []string{"synth.prices.", "synth.prices.WETH.extra", "perp.prices.WETH"} {
		if _, _, err := ingestion.ParsePriceUpdate(subject, good); !errors.Is(err, ingestion.ErrMalformedPrice) {
			t.Errorf("%s: got %v", subject, err)
		}
	}

	bad := mustJSON(t, ingestion.PriceUpdate{Price: "abc", Decimals: 8})
	if _, _, err := ingestion.ParsePriceUpdate("synth.prices.WETH", bad); !errors.Is(err, ingestion.ErrMalformedPrice) {
		t.Errorf("bad price: got %v", err)
	}

	huge := mustJSON(t, ingestion.PriceUpdate{Price: "1e30", Decimals: 8})
	if _, _, err := ingestion.ParsePriceUpdate("synth.prices.WETH", huge); !errors.Is(err, ingestion.ErrMalformedPrice) {
		t.Errorf("overflow: got %v", err)
	}
}

// --- processors ---

type fakeSubmitter struct {
	calls []core.Command
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd core.Command) (core.Result, error) {
	f.calls = append(f.calls, cmd)
	return core.Result{RequestID: cmd.RequestID(), Operation: cmd.Operation()}, f.err
}

type ackRecorder struct{ outcome string }

func (a *ackRecorder) msg(subject string, data []byte) ingestion.RawMessage {
	return ingestion.RawMessage{
		Subject: subject,
		Data:    data,
		Ack:     func() { a.outcome = "ack" },
		Nak:     func() { a.outcome = "nak" },
		Term:    func() { a.outcome = "term" },
	}
}

func TestCommandProcessor_Acknowledgement(t *testing.T) {
	body := mustJSON(t, map[string]interface{}{"request_id": "r", "user": userID, "amount": "1"})

	cases := []struct {
		name    string
		subject string
		err     error
		want    string
	}{
		{"applied", "synth.commands.mint", nil, "ack"},
		{"rejected by engine", "synth.commands.mint", &core.HealthFactorError{Err: core.ErrBreaksHealthFactor, HealthFactor: uint256.NewInt(1)}, "ack"},
		{"runner stopped", "synth.commands.mint", core.ErrRunnerStopped, "nak"},
		{"malformed", "synth.commands.nope", nil, "term"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tc.err}
			cp := ingestion.NewCommandProcessor(ingestion.NewDispatcher(sub, nil), testUnits)
			rec := &ackRecorder{}

			cp.Handle(context.Background(), rec.msg(tc.subject, body))

			if rec.outcome != tc.want {
				t.Fatalf("got %s, want %s", rec.outcome, tc.want)
			}
		})
	}
}

func TestPriceProcessor(t *testing.T) {
	feed := oracle.NewStreamFeed("WETH")
	pp := ingestion.NewPriceProcessor(map[string]*oracle.StreamFeed{"WETH": feed}, nil)
	rec := &ackRecorder{}

	pp.Handle(rec.msg("synth.prices.WETH", mustJSON(t, ingestion.PriceUpdate{Price: "2000", Decimals: 8, RoundID: 2})))
	pp.Handle(rec.msg("synth.prices.WETH", mustJSON(t, ingestion.PriceUpdate{Price: "1", Decimals: 8, RoundID: 1})))
	pp.Handle(rec.msg("synth.prices.DOGE", mustJSON(t, ingestion.PriceUpdate{Price: "1", Decimals: 8, RoundID: 9})))

	if rec.outcome != "ack" {
		t.Fatalf("price messages are always acked, got %s", rec.outcome)
	}
	p, err := feed.LatestPrice(context.Background())
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if p.Answer != 2000_00000000 || p.RoundID != 2 {
		t.Errorf("older round must not overwrite: got %+v", p)
	}
}

type fakeJS struct {
	subjects []string
	bodies   [][]byte
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{}, nil
}

func TestOutboundPublisher(t *testing.T) {
	evt := &event.DebtMinted{RequestID: "req-9", User: uuid.MustParse(userID), Amount: uint256.NewInt(5)}
	payload, _ := evt.Payload()
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       3,
			IdempotencyKey: "req-9",
			EventType:      evt.EventType(),
			Participant:    evt.User,
			Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
			Payload:        payload,
		},
		Event: evt,
	}

	in := make(chan ingestion.PublishableEvent, 1)
	in <- ingestion.NewPublishableEvent(out)
	close(in)

	js := &fakeJS{}
	if err := ingestion.NewOutboundPublisher(js, in, nil).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(js.subjects) != 1 || js.subjects[0] != "synth.ledger.events.DebtMinted" {
		t.Fatalf("subjects: %v", js.subjects)
	}
	var decoded struct {
		Sequence int64 `json:"sequence"`
		Payload  struct {
			Amount string `json:"amount"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(js.bodies[0], &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Sequence != 3 || decoded.Payload.Amount != "5" {
		t.Errorf("published body: %s", js.bodies[0])
	}
}
