package state

import (
	"errors"
	"fmt"

	"SynthLedger/internal/ledger"
	"SynthLedger/internal/oracle"
)

var (
	ErrUnknownAsset   = errors.New("state: unknown collateral asset")
	ErrDuplicateAsset = errors.New("state: duplicate collateral asset")
)

// Asset is one registered collateral asset.
type Asset struct {
	Symbol   string
	ID       ledger.AssetID
	Decimals uint8
	Feed     oracle.Feed
}

// AssetConfig describes an asset before registration.
type AssetConfig struct {
	Symbol   string
	Decimals uint8
	Feed     oracle.Feed
}

// Registry is the fixed, ordered set of collateral assets.
type Registry struct {
	assets   []*Asset
	bySymbol map[string]*Asset
	byID     map[ledger.AssetID]*Asset
}

// NewRegistry assigns ledger ids 1..n in the given order.
func NewRegistry(configs []AssetConfig) (*Registry, error) {
	if len(configs) >= int(^ledger.AssetID(0)) {
		return nil, fmt.Errorf("too many collateral assets: %d", len(configs))
	}

	r := &Registry{
		assets:   make([]*Asset, 0, len(configs)),
		bySymbol: make(map[string]*Asset, len(configs)),
		byID:     make(map[ledger.AssetID]*Asset, len(configs)),
	}

	for i, c := range configs {
		if c.Symbol == "" {
			return nil, fmt.Errorf("asset %d has empty symbol", i)
		}
		if c.Feed == nil {
			return nil, fmt.Errorf("asset %s has no price feed", c.Symbol)
		}
		if _, dup := r.bySymbol[c.Symbol]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, c.Symbol)
		}

		a := &Asset{
			Symbol:   c.Symbol,
			ID:       ledger.AssetID(i + 1),
			Decimals: c.Decimals,
			Feed:     c.Feed,
		}
		r.assets = append(r.assets, a)
		r.bySymbol[a.Symbol] = a
		r.byID[a.ID] = a
	}

	return r, nil
}

// Lookup resolves a symbol to a registered asset.
func (r *Registry) Lookup(symbol string) (*Asset, error) {
	a, ok := r.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// ByID resolves a ledger asset id.
func (r *Registry) ByID(id ledger.AssetID) (*Asset, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Assets returns the registered assets in registration order.
func (r *Registry) Assets() []*Asset {
	out := make([]*Asset, len(r.assets))
	copy(out, r.assets)
	return out
}

// Symbols returns the registered symbols in registration order.
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.assets))
	for i, a := range r.assets {
		out[i] = a.Symbol
	}
	return out
}
