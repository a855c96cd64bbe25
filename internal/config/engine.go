package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	FeedManual = "manual"
	FeedStream = "stream"
)

// DefaultCustody is the custody account used when the engine file names none.
var DefaultCustody = uuid.NewSHA1(uuid.NameSpaceOID, []byte("synthledger/custody"))

// Engine is the TOML engine file: the collateral registry, the synthetic
// asset and the risk parameters.
//
// The synthetic asset is the unit of account: debt_decimals is also the
// precision of collateral values and health factors.
//
//	custody = "..."
//	debt_symbol = "sUSD"
//	debt_decimals = 18
//	liquidation_threshold = 50
//	liquidation_bonus = 10
//	min_health_factor = "1"
//	oracle_max_age = "3h"
//
//	[[assets]]
//	symbol = "WETH"
//	decimals = 18
//	feed = "stream"
//	price = "2000"
type Engine struct {
	Custody      string `toml:"custody"`
	DebtSymbol   string `toml:"debt_symbol"`
	DebtDecimals uint8  `toml:"debt_decimals"`

	LiquidationThreshold uint64 `toml:"liquidation_threshold"`
	LiquidationBonus     uint64 `toml:"liquidation_bonus"`
	MinHealthFactor      string `toml:"min_health_factor"`

	OracleMaxAge string `toml:"oracle_max_age"`

	// Faucet exposes an admin route that credits the in-process token
	// ledgers. Development only.
	Faucet bool `toml:"faucet"`

	Assets []Asset `toml:"assets"`
}

// Asset is one collateral asset. Price seeds the feed, in the unit of account.
type Asset struct {
	Symbol        string `toml:"symbol"`
	Decimals      uint8  `toml:"decimals"`
	Feed          string `toml:"feed"`
	Price         string `toml:"price"`
	PriceDecimals uint8  `toml:"price_decimals"`
}

// DefaultEngine is WETH and WBTC backing sUSD with manual feeds.
func DefaultEngine() *Engine {
	e := &Engine{
		Assets: []Asset{
			{Symbol: "WETH", Decimals: 18, Feed: FeedManual, Price: "2000"},
			{Symbol: "WBTC", Decimals: 8, Feed: FeedManual, Price: "30000"},
		},
	}
	e.applyDefaults(func(string) bool { return false })
	return e
}

// LoadEngine decodes and validates the engine file at path. An empty path
// returns DefaultEngine.
func LoadEngine(path string) (*Engine, error) {
	if path == "" {
		return DefaultEngine(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	e := &Engine{}
	meta, err := toml.DecodeFile(path, e)
	if err != nil {
		return nil, fmt.Errorf("engine config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("engine config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	e.applyDefaults(func(key string) bool { return meta.IsDefined(key) })
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("engine config %s: %w", path, err)
	}
	return e, nil
}

// applyDefaults fills numeric settings the file did not set. An explicit zero
// is kept and left to Validate.
func (e *Engine) applyDefaults(defined func(key string) bool) {
	if e.DebtSymbol == "" {
		e.DebtSymbol = "sUSD"
	}
	if !defined("debt_decimals") {
		e.DebtDecimals = state.DefaultPrecision
	}
	if !defined("liquidation_threshold") {
		e.LiquidationThreshold = state.DefaultLiquidationThreshold
	}
	if !defined("liquidation_bonus") {
		e.LiquidationBonus = state.DefaultLiquidationBonus
	}
	if e.MinHealthFactor == "" {
		e.MinHealthFactor = "1"
	}
	for i := range e.Assets {
		if e.Assets[i].Feed == "" {
			e.Assets[i].Feed = FeedManual
		}
		if e.Assets[i].PriceDecimals == 0 {
			e.Assets[i].PriceDecimals = 8
		}
	}
}

// Validate checks the file after defaults are applied.
func (e *Engine) Validate() error {
	if len(e.Assets) == 0 {
		return errors.New("at least one collateral asset is required")
	}
	if _, err := e.CustodyID(); err != nil {
		return err
	}
	if _, err := e.Params(); err != nil {
		return err
	}
	if _, err := e.MaxAge(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(e.Assets))
	for _, a := range e.Assets {
		if a.Symbol == "" {
			return errors.New("asset symbol is required")
		}
		if seen[a.Symbol] {
			return fmt.Errorf("duplicate asset %s", a.Symbol)
		}
		seen[a.Symbol] = true
		if a.Symbol == e.DebtSymbol {
			return fmt.Errorf("asset %s collides with the debt symbol", a.Symbol)
		}
		if a.Decimals > state.MaxPrecision {
			return fmt.Errorf("asset %s: decimals %d out of range", a.Symbol, a.Decimals)
		}
		switch a.Feed {
		case FeedManual:
			if a.Price == "" {
				return fmt.Errorf("asset %s: manual feed needs a price", a.Symbol)
			}
		case FeedStream:
		default:
			return fmt.Errorf("asset %s: unknown feed %q", a.Symbol, a.Feed)
		}
		if a.Price != "" {
			if _, err := a.Answer(); err != nil {
				return err
			}
		}
	}
	return nil
}

// CustodyID parses Custody, falling back to DefaultCustody.
func (e *Engine) CustodyID() (uuid.UUID, error) {
	if e.Custody == "" {
		return DefaultCustody, nil
	}
	id, err := uuid.Parse(e.Custody)
	if err != nil {
		return uuid.Nil, fmt.Errorf("custody: %w", err)
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.New("custody must not be the nil uuid")
	}
	return id, nil
}

// Params converts the risk settings into engine parameters. The engine
// precision is the debt token's decimals.
func (e *Engine) Params() (state.Params, error) {
	if e.DebtDecimals == 0 || e.DebtDecimals > state.MaxPrecision {
		return state.Params{}, fmt.Errorf("debt_decimals must be in (0, %d], got %d", state.MaxPrecision, e.DebtDecimals)
	}
	minHF, err := fpmath.ParseUnits(e.MinHealthFactor, e.DebtDecimals)
	if err != nil {
		return state.Params{}, fmt.Errorf("min_health_factor: %w", err)
	}
	p := state.Params{
		LiquidationThreshold: e.LiquidationThreshold,
		LiquidationBonus:     e.LiquidationBonus,
		Precision:            e.DebtDecimals,
		MinHealthFactor:      minHF,
	}
	if err := state.ValidateParams(p); err != nil {
		return state.Params{}, err
	}
	return p, nil
}

// MaxAge parses OracleMaxAge. Empty disables the staleness check.
func (e *Engine) MaxAge() (time.Duration, error) {
	if e.OracleMaxAge == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.OracleMaxAge)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("oracle_max_age %q: invalid duration", e.OracleMaxAge)
	}
	return d, nil
}

// CollateralDecimals maps each asset symbol to its token precision.
func (e *Engine) CollateralDecimals() map[string]uint8 {
	out := make(map[string]uint8, len(e.Assets))
	for _, a := range e.Assets {
		out[a.Symbol] = a.Decimals
	}
	return out
}

// Answer is Price as a feed answer with PriceDecimals decimals.
func (a Asset) Answer() (int64, error) {
	d, err := decimal.NewFromString(a.Price)
	if err != nil {
		return 0, fmt.Errorf("asset %s: price: %w", a.Symbol, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("asset %s: price must be positive", a.Symbol)
	}
	scaled := d.Shift(int32(a.PriceDecimals))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("asset %s: price has more than %d decimals", a.Symbol, a.PriceDecimals)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("asset %s: price out of range", a.Symbol)
	}
	return scaled.IntPart(), nil
}
