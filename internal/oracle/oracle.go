package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	// ErrOracleUnavailable is returned when a feed cannot produce a usable price.
	ErrOracleUnavailable = errors.New("oracle: price unavailable")
	// ErrStalePrice wraps ErrOracleUnavailable for points older than the adapter's MaxAge.
	ErrStalePrice = fmt.Errorf("%w: stale price", ErrOracleUnavailable)
)

// PricePoint is one answer from a feed, expressed with the feed's own precision.
type PricePoint struct {
	Answer    int64
	Decimals  uint8
	UpdatedAt time.Time
	RoundID   uint64
}

// Feed is an opaque per-asset price source quoted in the unit of account.
type Feed interface {
	LatestPrice(ctx context.Context) (PricePoint, error)
}

// Adapter normalizes feed answers to a caller-chosen precision.
type Adapter struct {
	// MaxAge rejects points older than this. Zero disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

func NewAdapter(maxAge time.Duration) *Adapter {
	return &Adapter{MaxAge: maxAge, Now: time.Now}
}

// Price queries the feed and returns the price scaled to decimals. A price
// that rounds to zero at that scale is unusable.
func (a *Adapter) Price(ctx context.Context, feed Feed, decimals uint8) (*uint256.Int, error) {
	if feed == nil {
		return nil, fmt.Errorf("%w: no feed", ErrOracleUnavailable)
	}

	p, err := feed.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if p.Answer <= 0 {
		return nil, fmt.Errorf("%w: non-positive answer %d", ErrOracleUnavailable, p.Answer)
	}

	if a.MaxAge > 0 {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		if age := now().Sub(p.UpdatedAt); age > a.MaxAge {
			return nil, fmt.Errorf("%w: round %d is %s old", ErrStalePrice, p.RoundID, age)
		}
	}

	price, err := fpmath.Rescale(uint256.NewInt(uint64(p.Answer)), p.Decimals, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: answer %d with %d decimals rounds to zero", ErrOracleUnavailable, p.Answer, p.Decimals)
	}
	return price, nil
}
