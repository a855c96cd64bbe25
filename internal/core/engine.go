package core

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// globalCheckInterval is how many committed operations pass between full
// zero-sum checks of the ledger.
const globalCheckInterval = 1000

// CollateralToken moves one collateral asset. The engine acts as its custody
// account. A false return without an error is treated as a failed movement.
type CollateralToken interface {
	TransferFrom(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error)
	Transfer(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error)
}

// DebtToken is the synthetic asset. The engine must be its sole minter.
type DebtToken interface {
	CollateralToken
	Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error)
	Burn(ctx context.Context, amount *uint256.Int) error
	BalanceOf(holder uuid.UUID) *uint256.Int
}

// Config wires an Engine. Assets, Feeds and Decimals are parallel lists;
// Decimals may be nil, meaning 18 for every asset.
type Config struct {
	Assets   []string
	Feeds    []oracle.Feed
	Decimals []uint8

	// Params defaults to state.DefaultParams when nil.
	Params *state.Params

	// Custody is the engine's own account on every token.
	Custody    uuid.UUID
	Debt       DebtToken
	Collateral map[string]CollateralToken

	Adapter *oracle.Adapter
	Clock   func() time.Time

	StartSequence int64
	DedupCapacity int
	DedupDB       DBIdempotencyChecker

	Metrics        *observability.Metrics
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

// CoreOutput is one committed event with its journal batch.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event
	Batch      *ledger.Batch
	StateDelta []byte
}

// Engine owns the collateral and debt ledgers and executes position and
// liquidation operations against them. It is not safe for concurrent use;
// Runner serializes all access.
type Engine struct {
	sequence  int64
	hasher    *StateHasher
	balances  *ledger.BalanceTracker
	validator *ledger.InvariantValidator

	registry *state.Registry
	valuator *state.Valuator
	health   *state.HealthEvaluator
	scanner  *state.LiquidationScanner
	params   state.Params

	custody    uuid.UUID
	debt       DebtToken
	collateral map[ledger.AssetID]CollateralToken

	idempotency *IdempotencyChecker
	clock       func() time.Time
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	inFlight    bool
	sinceGlobal int
}

// New validates the configuration and builds an engine with empty ledgers.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Assets) != len(cfg.Feeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds", ErrMismatchedConfig, len(cfg.Assets), len(cfg.Feeds))
	}
	if cfg.Decimals != nil && len(cfg.Decimals) != len(cfg.Assets) {
		return nil, fmt.Errorf("%w: %d assets, %d decimals", ErrMismatchedConfig, len(cfg.Assets), len(cfg.Decimals))
	}
	if cfg.Debt == nil {
		return nil, fmt.Errorf("engine: debt token is required")
	}
	if cfg.Custody == uuid.Nil {
		return nil, fmt.Errorf("engine: custody account is required")
	}

	params := state.DefaultParams()
	if cfg.Params != nil {
		params = *cfg.Params
	}
	if err := state.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	configs := make([]state.AssetConfig, len(cfg.Assets))
	for i, symbol := range cfg.Assets {
		dec := uint8(18)
		if cfg.Decimals != nil {
			dec = cfg.Decimals[i]
		}
		configs[i] = state.AssetConfig{Symbol: symbol, Decimals: dec, Feed: cfg.Feeds[i]}
	}
	registry, err := state.NewRegistry(configs)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	collateral := make(map[ledger.AssetID]CollateralToken, len(cfg.Assets))
	for _, a := range registry.Assets() {
		tok, ok := cfg.Collateral[a.Symbol]
		if !ok || tok == nil {
			return nil, fmt.Errorf("engine: no token for collateral asset %s", a.Symbol)
		}
		collateral[a.ID] = tok
	}

	adapter := cfg.Adapter
	if adapter == nil {
		adapter = oracle.NewAdapter(0)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dedupCapacity := cfg.DedupCapacity
	if dedupCapacity <= 0 {
		dedupCapacity = 1_000_000
	}

	balances := ledger.NewBalanceTracker()
	valuator := state.NewValuator(adapter, params.Precision)
	health := state.NewHealthEvaluator(registry, valuator, params)

	return &Engine{
		sequence:       cfg.StartSequence,
		hasher:         NewStateHasher(),
		balances:       balances,
		validator:      ledger.NewInvariantValidator(balances),
		registry:       registry,
		valuator:       valuator,
		health:         health,
		scanner:        state.NewLiquidationScanner(health),
		params:         params,
		custody:        cfg.Custody,
		debt:           cfg.Debt,
		collateral:     collateral,
		idempotency:    NewIdempotencyChecker(dedupCapacity, cfg.DedupDB, cfg.Metrics),
		clock:          clock,
		metrics:        cfg.Metrics,
		logger:         observability.NewLogger("engine"),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

func (e *Engine) healthError(err error, hf *uint256.Int) *HealthFactorError {
	return &HealthFactorError{Err: err, HealthFactor: hf, Decimals: e.params.Precision}
}

// FormatHealthFactor renders hf at the engine's precision.
func (e *Engine) FormatHealthFactor(hf *uint256.Int) string {
	return FormatHealthFactor(hf, e.params.Precision)
}

// lookup resolves a collateral symbol to its asset and token.
func (e *Engine) lookup(symbol string) (*state.Asset, CollateralToken, error) {
	a, err := e.registry.Lookup(symbol)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrTokenNotAllowed, symbol)
	}
	return a, e.collateral[a.ID], nil
}

// --- Queries ---

// CollateralBalance returns the participant's deposited amount of asset.
func (e *Engine) CollateralBalance(userID uuid.UUID, asset string) (*uint256.Int, error) {
	a, _, err := e.lookup(asset)
	if err != nil {
		return nil, err
	}
	return ledger.CollateralOf(e.balances, userID, a.ID), nil
}

// CollateralValue returns the participant's total collateral value in the unit of account.
func (e *Engine) CollateralValue(ctx context.Context, userID uuid.UUID) (*uint256.Int, error) {
	return e.health.CollateralValue(ctx, e.balances, userID)
}

// DebtOf returns the participant's outstanding minted amount.
func (e *Engine) DebtOf(userID uuid.UUID) *uint256.Int {
	return ledger.DebtOf(e.balances, userID)
}

func (e *Engine) HealthFactor(ctx context.Context, userID uuid.UUID) (*uint256.Int, error) {
	return e.health.HealthFactor(ctx, e.balances, userID)
}

// HealthStatus classifies a health factor against the configured minimum.
func (e *Engine) HealthStatus(hf *uint256.Int) state.HealthStatus {
	return e.health.Status(hf)
}

// AccountInformation returns (debt, collateral value).
func (e *Engine) AccountInformation(ctx context.Context, userID uuid.UUID) (*uint256.Int, *uint256.Int, error) {
	return e.health.AccountInformation(ctx, e.balances, userID)
}

// Assets returns the allowed collateral symbols in configuration order.
func (e *Engine) Assets() []string {
	return e.registry.Symbols()
}

// AssetInfo returns the registered asset for symbol.
func (e *Engine) AssetInfo(symbol string) (*state.Asset, error) {
	a, _, err := e.lookup(symbol)
	return a, err
}

func (e *Engine) ValueOf(ctx context.Context, asset string, amount *uint256.Int) (*uint256.Int, error) {
	a, _, err := e.lookup(asset)
	if err != nil {
		return nil, err
	}
	return e.valuator.ValueOf(ctx, a, amount)
}

func (e *Engine) AmountFromValue(ctx context.Context, asset string, value *uint256.Int) (*uint256.Int, error) {
	a, _, err := e.lookup(asset)
	if err != nil {
		return nil, err
	}
	return e.valuator.AmountFromValue(ctx, a, value)
}

// PriceFeed returns the feed configured for asset.
func (e *Engine) PriceFeed(asset string) (oracle.Feed, error) {
	a, _, err := e.lookup(asset)
	if err != nil {
		return nil, err
	}
	return a.Feed, nil
}

func (e *Engine) Params() state.Params { return e.params }

// Custody is the engine's account on the token ledgers.
func (e *Engine) Custody() uuid.UUID { return e.custody }

// Sequence returns the next sequence number to assign.
func (e *Engine) Sequence() int64 { return e.sequence }

// StateHash returns the current hash-chain tip.
func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }

// ScanLiquidatable lists participants below the minimum health factor.
func (e *Engine) ScanLiquidatable(ctx context.Context) ([]state.AtRiskPosition, []uuid.UUID) {
	start := e.clock()
	atRisk, skipped := e.scanner.Scan(ctx, e.balances)
	if e.metrics != nil {
		e.metrics.LiquidationScanDur.Observe(e.clock().Sub(start).Seconds())
		e.metrics.AtRiskPositions.Set(float64(len(atRisk)))
	}
	return atRisk, skipped
}

// --- Snapshot Restore & Startup ---

// SnapshotState is the serializable engine state.
type SnapshotState struct {
	// Last committed sequence; -1 when nothing has been committed.
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]*big.Int
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current ledgers and hash-chain tip.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		Balances:        e.balances.Snapshot(),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the in-memory state with snap. Only valid on
// an engine that has not committed anything.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if e.inFlight {
		return ErrReentrantCall
	}
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	for key, balance := range snap.Balances {
		e.balances.SetBalance(key, balance)
	}
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restored snapshot is not balanced: %w", err)
	}
	return e.validator.ValidateUserAccounts(e.balances.UserAccounts())
}

// ReplayBatch re-applies a persisted journal batch during recovery. The
// envelope's state hash becomes the new chain tip.
func (e *Engine) ReplayBatch(env *event.EventEnvelope, batch *ledger.Batch) error {
	if env.Sequence < e.sequence {
		return nil
	}
	if env.Sequence != e.sequence {
		return fmt.Errorf("replay gap: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	if batch != nil && len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
		if err := e.balances.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
	}
	e.hasher.SetPrevHash(env.StateHash)
	e.sequence = env.Sequence + 1
	if env.IdempotencyKey != "" {
		e.idempotency.lru.Add(env.IdempotencyKey)
	}
	return nil
}

// WarmLRU loads recent request ids into the dedup cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.lru.WarmFromKeys(keys)
}

// Balances exposes the committed ledger for read-only consumers on the engine goroutine.
func (e *Engine) Balances() ledger.Reader {
	return e.balances
}

// CollateralHeld sums every participant's deposits per asset. This is what
// custody must hold on each collateral token.
func (e *Engine) CollateralHeld() map[string]*uint256.Int {
	held := make(map[string]*uint256.Int, len(e.collateral))
	for _, a := range e.registry.Assets() {
		held[a.Symbol] = new(uint256.Int)
	}
	for _, key := range e.balances.UserAccounts() {
		if key.SubType != ledger.SubTypeCollateral {
			continue
		}
		a, ok := e.registry.ByID(key.AssetID)
		if !ok {
			continue
		}
		held[a.Symbol].Add(held[a.Symbol], ledger.CollateralOf(e.balances, key.UserID(), key.AssetID))
	}
	return held
}
