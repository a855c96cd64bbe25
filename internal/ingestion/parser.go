package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/oracle"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrMalformedCommand = errors.New("ingestion: malformed command")
	ErrUnknownOperation = errors.New("ingestion: unknown operation")
	ErrMalformedPrice   = errors.New("ingestion: malformed price update")
)

const (
	CommandSubjectPrefix = "synth.commands."
	PriceSubjectPrefix   = "synth.prices."
	EventSubjectPrefix   = "synth.ledger.events."
)

// Units holds the token precision used to parse human-readable amounts.
type Units struct {
	Collateral map[string]uint8
	Debt       uint8
}

// CommandRequest is the JSON wire form of every command, shared by the NATS
// and HTTP transports. Amounts are decimal strings in base units, or in whole
// token units when Units is true. Fields not used by an operation are ignored.
type CommandRequest struct {
	RequestID        string `json:"request_id"`
	User             string `json:"user,omitempty"`
	Asset            string `json:"asset,omitempty"`
	Amount           string `json:"amount,omitempty"`
	CollateralAmount string `json:"collateral_amount,omitempty"`
	DebtAmount       string `json:"debt_amount,omitempty"`
	Liquidator       string `json:"liquidator,omitempty"`
	Debtor           string `json:"debtor,omitempty"`
	DebtToCover      string `json:"debt_to_cover,omitempty"`
	Units            bool   `json:"units,omitempty"`
}

// Operation names accepted on the wire. HTTP paths use the dashed form.
var operations = map[string]bool{
	"deposit":          true,
	"mint":             true,
	"deposit_and_mint": true,
	"burn":             true,
	"redeem":           true,
	"redeem_for_burn":  true,
	"liquidate":        true,
}

// NormalizeOperation maps "deposit-and-mint" and "deposit_and_mint" to the
// engine's operation name.
func NormalizeOperation(op string) (string, error) {
	op = strings.ReplaceAll(op, "-", "_")
	if !operations[op] {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return op, nil
}

// OperationFromSubject extracts <op> from synth.commands.<op>[.<suffix>...].
func OperationFromSubject(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok {
		return "", fmt.Errorf("%w: subject %q", ErrUnknownOperation, subject)
	}
	op, _, _ := strings.Cut(rest, ".")
	return NormalizeOperation(op)
}

// ParseCommand decodes a NATS command message.
func ParseCommand(subject string, data []byte, units Units) (core.Command, error) {
	op, err := OperationFromSubject(subject)
	if err != nil {
		return nil, err
	}
	var req CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedCommand, op, err)
	}
	return req.ToCommand(op, units)
}

// ToCommand validates the request for op and builds the engine command.
func (r CommandRequest) ToCommand(op string, units Units) (core.Command, error) {
	op, err := NormalizeOperation(op)
	if err != nil {
		return nil, err
	}
	if r.RequestID == "" {
		return nil, fmt.Errorf("%w: %s: request_id is required", ErrMalformedCommand, op)
	}
	p := &fieldParser{op: op, units: units, unit: r.Units}
	req := core.Request{ID: r.RequestID}

	var cmd core.Command
	switch op {
	case "deposit":
		cmd = core.DepositCommand{
			Request: req,
			User:    p.uuid("user", r.User),
			Asset:   p.asset(r.Asset),
			Amount:  p.collateral("amount", r.Asset, r.Amount),
		}
	case "mint":
		cmd = core.MintCommand{
			Request: req,
			User:    p.uuid("user", r.User),
			Amount:  p.debt("amount", r.Amount),
		}
	case "deposit_and_mint":
		cmd = core.DepositAndMintCommand{
			Request:          req,
			User:             p.uuid("user", r.User),
			Asset:            p.asset(r.Asset),
			CollateralAmount: p.collateral("collateral_amount", r.Asset, r.CollateralAmount),
			DebtAmount:       p.debt("debt_amount", r.DebtAmount),
		}
	case "burn":
		cmd = core.BurnCommand{
			Request: req,
			User:    p.uuid("user", r.User),
			Amount:  p.debt("amount", r.Amount),
		}
	case "redeem":
		cmd = core.RedeemCommand{
			Request: req,
			User:    p.uuid("user", r.User),
			Asset:   p.asset(r.Asset),
			Amount:  p.collateral("amount", r.Asset, r.Amount),
		}
	case "redeem_for_burn":
		cmd = core.RedeemForBurnCommand{
			Request:          req,
			User:             p.uuid("user", r.User),
			Asset:            p.asset(r.Asset),
			CollateralAmount: p.collateral("collateral_amount", r.Asset, r.CollateralAmount),
			DebtAmount:       p.debt("debt_amount", r.DebtAmount),
		}
	case "liquidate":
		cmd = core.LiquidateCommand{
			Request:     req,
			Liquidator:  p.uuid("liquidator", r.Liquidator),
			Debtor:      p.uuid("debtor", r.Debtor),
			Asset:       p.asset(r.Asset),
			DebtToCover: p.debt("debt_to_cover", r.DebtToCover),
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	return cmd, nil
}

// fieldParser records the first field error so a command can be built in
// one expression.
type fieldParser struct {
	op    string
	units Units
	unit  bool
	err   error
}

func (p *fieldParser) fail(field string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s: %s: %w", ErrMalformedCommand, p.op, field, err)
	}
}

func (p *fieldParser) uuid(field, s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		p.fail(field, err)
	}
	return id
}

func (p *fieldParser) asset(s string) string {
	if s == "" {
		p.fail("asset", errors.New("required"))
	}
	return s
}

func (p *fieldParser) amount(field, s string, decimals uint8) *uint256.Int {
	if s == "" {
		p.fail(field, errors.New("required"))
		return nil
	}
	v, err := fpmath.ParseAmount(s, decimals, p.unit)
	if err != nil {
		p.fail(field, err)
	}
	return v
}

func (p *fieldParser) collateral(field, asset, s string) *uint256.Int {
	decimals, ok := p.units.Collateral[asset]
	if !ok && p.unit {
		// unknown assets are rejected by the engine; only unit parsing needs decimals
		p.fail(field, fmt.Errorf("%w: %s", core.ErrTokenNotAllowed, asset))
		return nil
	}
	return p.amount(field, s, decimals)
}

func (p *fieldParser) debt(field, s string) *uint256.Int {
	return p.amount(field, s, p.units.Debt)
}

// PriceUpdate is the JSON wire form of a pushed price on synth.prices.<ASSET>.
// Price is a decimal string in the unit of account, e.g. "1999.87".
type PriceUpdate struct {
	Price       string `json:"price"`
	Decimals    uint8  `json:"decimals"`
	RoundID     uint64 `json:"round_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate decodes a price message into the asset and a feed point
// with the given answer precision. Prices with more precision are truncated.
func ParsePriceUpdate(subject string, data []byte) (string, oracle.PricePoint, error) {
	asset, ok := strings.CutPrefix(subject, PriceSubjectPrefix)
	if !ok || asset == "" || strings.Contains(asset, ".") {
		return "", oracle.PricePoint{}, fmt.Errorf("%w: subject %q", ErrMalformedPrice, subject)
	}

	var u PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return "", oracle.PricePoint{}, fmt.Errorf("%w: %s: %w", ErrMalformedPrice, asset, err)
	}

	price, err := decimal.NewFromString(u.Price)
	if err != nil {
		return "", oracle.PricePoint{}, fmt.Errorf("%w: %s: price: %w", ErrMalformedPrice, asset, err)
	}
	scaled := price.Shift(int32(u.Decimals)).Truncate(0)
	if !scaled.BigInt().IsInt64() {
		return "", oracle.PricePoint{}, fmt.Errorf("%w: %s: price %s out of range", ErrMalformedPrice, asset, u.Price)
	}

	return asset, oracle.PricePoint{
		Answer:    scaled.IntPart(),
		Decimals:  u.Decimals,
		UpdatedAt: time.UnixMicro(u.TimestampUs).UTC(),
		RoundID:   u.RoundID,
	}, nil
}
