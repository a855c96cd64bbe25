package main

import (
	"fmt"
	"time"

	"SynthLedger/internal/config"
	"SynthLedger/internal/core"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/token"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// tokenSet is the in-process stand-in for the external token contracts and
// price feeds the engine is configured with.
type tokenSet struct {
	custody    uuid.UUID
	debt       *token.Ledger
	collateral map[string]*token.Ledger

	symbols  []string
	decimals []uint8
	feeds    []oracle.Feed
	streams  map[string]*oracle.StreamFeed
}

func buildTokens(cfg *config.Engine) (*tokenSet, error) {
	custody, err := cfg.CustodyID()
	if err != nil {
		return nil, err
	}

	ts := &tokenSet{
		custody:    custody,
		debt:       token.NewLedger(cfg.DebtSymbol, cfg.DebtDecimals, custody),
		collateral: make(map[string]*token.Ledger, len(cfg.Assets)),
		streams:    make(map[string]*oracle.StreamFeed),
	}

	for _, a := range cfg.Assets {
		ts.collateral[a.Symbol] = token.NewLedger(a.Symbol, a.Decimals, uuid.Nil)
		ts.symbols = append(ts.symbols, a.Symbol)
		ts.decimals = append(ts.decimals, a.Decimals)

		var answer int64
		if a.Price != "" {
			if answer, err = a.Answer(); err != nil {
				return nil, err
			}
		}

		switch a.Feed {
		case config.FeedStream:
			feed := oracle.NewStreamFeed(a.Symbol)
			if answer > 0 {
				// round 0 so the first published round replaces the seed
				feed.Update(oracle.PricePoint{Answer: answer, Decimals: a.PriceDecimals, UpdatedAt: time.Now()})
			}
			ts.streams[a.Symbol] = feed
			ts.feeds = append(ts.feeds, feed)
		default:
			ts.feeds = append(ts.feeds, oracle.NewManualFeed(answer, a.PriceDecimals))
		}
	}
	return ts, nil
}

// handles returns the engine's view of each collateral ledger.
func (ts *tokenSet) handles() map[string]core.CollateralToken {
	out := make(map[string]core.CollateralToken, len(ts.collateral))
	for symbol, l := range ts.collateral {
		out[symbol] = l.As(ts.custody)
	}
	return out
}

// reseedCustody credits custody with the collateral the recovered ledger
// says it holds. In-process token balances do not survive a restart.
func (ts *tokenSet) reseedCustody(e *core.Engine) {
	for symbol, amount := range e.CollateralHeld() {
		if amount.IsZero() {
			continue
		}
		ts.collateral[symbol].Credit(ts.custody, amount)
		logger.Info().Str("asset", symbol).Str("amount", amount.Dec()).Msg("custody balance restored")
	}
}

// faucet credits holder and approves custody for the full balance.
func (ts *tokenSet) faucet(holder uuid.UUID, symbol string, amount *uint256.Int) error {
	l, ok := ts.collateral[symbol]
	if !ok {
		if symbol != ts.debt.Symbol() {
			return fmt.Errorf("%w: %q", core.ErrTokenNotAllowed, symbol)
		}
		l = ts.debt
	}
	l.Credit(holder, amount)
	l.Approve(holder, ts.custody, l.BalanceOf(holder))
	return nil
}
