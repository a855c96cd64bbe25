package oracle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ManualFeed is a settable feed used in development mode and tests.
type ManualFeed struct {
	mu       sync.RWMutex
	point    PricePoint
	set      bool
	failWith error
}

// NewManualFeed returns a feed answering price with the given decimals.
func NewManualFeed(price int64, decimals uint8) *ManualFeed {
	f := &ManualFeed{}
	f.SetPrice(price, decimals)
	return f
}

// SetPrice publishes a new answer and advances the round.
func (f *ManualFeed) SetPrice(price int64, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.point = PricePoint{
		Answer:    price,
		Decimals:  decimals,
		UpdatedAt: time.Now(),
		RoundID:   f.point.RoundID + 1,
	}
	f.set = true
}

// SetUpdatedAt overrides the timestamp of the current answer.
func (f *ManualFeed) SetUpdatedAt(t time.Time) {
	f.mu.Lock()
	f.point.UpdatedAt = t
	f.mu.Unlock()
}

// Fail makes every subsequent query return err. Pass nil to recover.
func (f *ManualFeed) Fail(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *ManualFeed) LatestPrice(ctx context.Context) (PricePoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failWith != nil {
		return PricePoint{}, f.failWith
	}
	if !f.set {
		return PricePoint{}, errors.New("no price set")
	}
	return f.point, nil
}
