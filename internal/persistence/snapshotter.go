package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/observability"

	"github.com/rs/zerolog"
)

// EngineQuerier runs a read on the engine goroutine. Implemented by core.Runner.
type EngineQuerier interface {
	Query(ctx context.Context, fn func(*core.Engine) error) error
}

// Snapshotter captures engine state and stores it as a snapshot. A snapshot
// is only marked verified once every event up to its sequence is durable,
// so recovery never starts from state the log cannot reproduce.
type Snapshotter struct {
	engine  EngineQuerier
	mgr     *SnapshotManager
	durable func() int64
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
	poll    time.Duration
}

// NewSnapshotter builds a Snapshotter. durable reports the highest sequence
// committed to the event log; nil means everything is already durable.
func NewSnapshotter(engine EngineQuerier, mgr *SnapshotManager, durable func() int64, metrics *observability.Metrics) *Snapshotter {
	return &Snapshotter{
		engine:  engine,
		mgr:     mgr,
		durable: durable,
		metrics: metrics,
		logger:  observability.NewLogger("snapshot"),
		lastSeq: -1,
		poll:    50 * time.Millisecond,
	}
}

// TakeSnapshot captures, saves and verifies one snapshot.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (*SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	var st *core.SnapshotState
	if err := s.engine.Query(ctx, func(e *core.Engine) error {
		st = e.CreateSnapshotState()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}
	if st.Sequence < 0 {
		return nil, fmt.Errorf("nothing committed yet")
	}

	data := NewSnapshotData(st, start)
	size, err := s.mgr.SaveSnapshot(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if err := s.waitDurable(ctx, data.Sequence); err != nil {
		return nil, fmt.Errorf("snapshot %d left unverified: %w", data.Sequence, err)
	}
	if err := s.mgr.MarkVerified(ctx, data.Sequence); err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	s.lastSeq = data.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	s.logger.Info().Int64("sequence", data.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return data, nil
}

func (s *Snapshotter) waitDurable(ctx context.Context, seq int64) error {
	if s.durable == nil {
		return nil
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for s.durable() < seq {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Run takes a snapshot whenever at least interval events have been committed
// since the last one, checking every period.
func (s *Snapshotter) Run(ctx context.Context, interval int64, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var seq int64
			if err := s.engine.Query(ctx, func(e *core.Engine) error {
				seq = e.Sequence() - 1
				return nil
			}); err != nil {
				continue
			}

			s.mu.Lock()
			due := seq-s.lastSeq >= interval
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// SetLastSequence records the sequence of the snapshot recovery started from.
func (s *Snapshotter) SetLastSequence(seq int64) {
	s.mu.Lock()
	s.lastSeq = seq
	s.mu.Unlock()
}
