// Package token is an in-memory fungible token ledger with allowances,
// used as the collateral and synthetic-asset tokens when the engine runs
// self-contained.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotMinter             = errors.New("token: caller is not the minter")
	// ErrDeclined makes a hook report failure through a false return instead of an error.
	ErrDeclined = errors.New("token: transfer declined")
)

type Op string

const (
	OpTransfer     Op = "transfer"
	OpTransferFrom Op = "transfer_from"
	OpMint         Op = "mint"
	OpBurn         Op = "burn"
)

// Hook runs before a movement is applied. A non-nil error aborts it.
type Hook func(ctx context.Context, op Op, from, to uuid.UUID, amount *uint256.Int) error

// Ledger holds balances and allowances for one token.
type Ledger struct {
	symbol   string
	decimals uint8
	minter   uuid.UUID

	mu         sync.Mutex
	balances   map[uuid.UUID]*uint256.Int
	allowances map[uuid.UUID]map[uuid.UUID]*uint256.Int
	supply     *uint256.Int
	hook       Hook
}

// NewLedger creates a token. Only minter may mint.
func NewLedger(symbol string, decimals uint8, minter uuid.UUID) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		minter:     minter,
		balances:   make(map[uuid.UUID]*uint256.Int),
		allowances: make(map[uuid.UUID]map[uuid.UUID]*uint256.Int),
		supply:     new(uint256.Int),
	}
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

// SetHook installs a hook invoked before every movement. The ledger lock is
// not held while the hook runs.
func (l *Ledger) SetHook(h Hook) {
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

func (l *Ledger) runHook(ctx context.Context, op Op, from, to uuid.UUID, amount *uint256.Int) (bool, error) {
	l.mu.Lock()
	h := l.hook
	l.mu.Unlock()
	if h == nil {
		return true, nil
	}
	if err := h(ctx, op, from, to, amount); err != nil {
		if errors.Is(err, ErrDeclined) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BalanceOf returns a copy of the holder's balance.
func (l *Ledger) BalanceOf(holder uuid.UUID) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(holder).Clone()
}

func (l *Ledger) balanceLocked(holder uuid.UUID) *uint256.Int {
	b, ok := l.balances[holder]
	if !ok {
		b = new(uint256.Int)
		l.balances[holder] = b
	}
	return b
}

// TotalSupply returns a copy of the outstanding supply.
func (l *Ledger) TotalSupply() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply.Clone()
}

// Allowance returns how much spender may move on behalf of owner.
func (l *Ledger) Allowance(owner, spender uuid.UUID) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.allowances[owner][spender]; ok {
		return a.Clone()
	}
	return new(uint256.Int)
}

// Approve sets spender's allowance over owner's balance.
func (l *Ledger) Approve(owner, spender uuid.UUID, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[uuid.UUID]*uint256.Int)
		l.allowances[owner] = m
	}
	m[spender] = amount.Clone()
}

// Credit mints to any holder without minter checks (faucet for dev mode and tests).
func (l *Ledger) Credit(holder uuid.UUID, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(holder)
	b.Add(b, amount)
	l.supply.Add(l.supply, amount)
}

func (l *Ledger) move(from, to uuid.UUID, amount *uint256.Int) error {
	fb := l.balanceLocked(from)
	if fb.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, fb.Dec(), amount.Dec())
	}
	fb.Sub(fb, amount)
	tb := l.balanceLocked(to)
	tb.Add(tb, amount)
	return nil
}

func (l *Ledger) transfer(ctx context.Context, caller, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if ok, err := l.runHook(ctx, OpTransfer, caller, to, amount); !ok {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.move(caller, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) transferFrom(ctx context.Context, spender, from, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if ok, err := l.runHook(ctx, OpTransferFrom, from, to, amount); !ok {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender != from {
		a, ok := l.allowances[from][spender]
		if !ok || a.Lt(amount) {
			return false, fmt.Errorf("%w: %s for %s", ErrInsufficientAllowance, spender, from)
		}
		if err := l.move(from, to, amount); err != nil {
			return false, err
		}
		a.Sub(a, amount)
		return true, nil
	}

	if err := l.move(from, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) mint(ctx context.Context, caller, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if caller != l.minter {
		return false, ErrNotMinter
	}
	if ok, err := l.runHook(ctx, OpMint, caller, to, amount); !ok {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(to)
	b.Add(b, amount)
	l.supply.Add(l.supply, amount)
	return true, nil
}

func (l *Ledger) burn(ctx context.Context, caller uuid.UUID, amount *uint256.Int) error {
	ok, err := l.runHook(ctx, OpBurn, caller, uuid.Nil, amount)
	if err != nil {
		return err
	}
	if !ok {
		return ErrDeclined
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balanceLocked(caller)
	if b.Lt(amount) {
		return fmt.Errorf("%w: burn %s of %s", ErrInsufficientBalance, amount.Dec(), b.Dec())
	}
	b.Sub(b, amount)
	l.supply.Sub(l.supply, amount)
	return nil
}

// As binds the ledger to a caller identity.
func (l *Ledger) As(caller uuid.UUID) *Handle {
	return &Handle{ledger: l, caller: caller}
}

// Handle is a ledger seen from one caller.
type Handle struct {
	ledger *Ledger
	caller uuid.UUID
}

func (h *Handle) Transfer(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	return h.ledger.transfer(ctx, h.caller, to, amount)
}

func (h *Handle) TransferFrom(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error) {
	return h.ledger.transferFrom(ctx, h.caller, from, to, amount)
}

func (h *Handle) Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	return h.ledger.mint(ctx, h.caller, to, amount)
}

func (h *Handle) Burn(ctx context.Context, amount *uint256.Int) error {
	return h.ledger.burn(ctx, h.caller, amount)
}

func (h *Handle) BalanceOf(holder uuid.UUID) *uint256.Int {
	return h.ledger.BalanceOf(holder)
}

func (h *Handle) Approve(spender uuid.UUID, amount *uint256.Int) {
	h.ledger.Approve(h.caller, spender, amount)
}
