package oracle

import (
	"context"
	"errors"
	"sync"
)

var errNoRound = errors.New("no round received")

// StreamFeed holds the latest point pushed by an upstream publisher.
// Updates may arrive from a consumer goroutine while the engine reads.
type StreamFeed struct {
	asset string

	mu       sync.RWMutex
	point    PricePoint
	received bool
	gaps     int64
}

func NewStreamFeed(asset string) *StreamFeed {
	return &StreamFeed{asset: asset}
}

func (f *StreamFeed) Asset() string { return f.asset }

// Update applies a pushed point. Rounds at or below the current one are
// ignored; gaps are tolerated and counted. Returns whether the point was applied.
func (f *StreamFeed) Update(p PricePoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.received && p.RoundID <= f.point.RoundID {
		return false
	}
	if f.received && p.RoundID > f.point.RoundID+1 {
		f.gaps++
	}

	f.point = p
	f.received = true
	return true
}

// Gaps returns how many round gaps have been observed.
func (f *StreamFeed) Gaps() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gaps
}

func (f *StreamFeed) LatestPrice(ctx context.Context) (PricePoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.received {
		return PricePoint{}, errNoRound
	}
	return f.point, nil
}
