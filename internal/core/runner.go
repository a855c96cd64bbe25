package core

import (
	"context"
	"fmt"

	"SynthLedger/internal/observability"

	"github.com/rs/zerolog"
)

type submission struct {
	ctx   context.Context
	cmd   Command
	query func(*Engine) error
	reply chan reply
}

type reply struct {
	res Result
	err error
}

// Runner owns an Engine and executes every command and query on a single
// goroutine, in arrival order.
type Runner struct {
	engine  *Engine
	inbox   chan submission
	done    chan struct{}
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRunner(engine *Engine, queueSize int, metrics *observability.Metrics) *Runner {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Runner{
		engine:  engine,
		inbox:   make(chan submission, queueSize),
		done:    make(chan struct{}),
		metrics: metrics,
		logger:  observability.NewLogger("runner"),
	}
}

// Run processes submissions until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.done)
	r.logger.Info().Int64("sequence", r.engine.Sequence()).Msg("engine runner started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Int64("sequence", r.engine.Sequence()).Msg("engine runner stopped")
			return nil
		case s := <-r.inbox:
			if r.metrics != nil {
				r.metrics.SetChannelMetrics("engine_inbox", len(r.inbox), cap(r.inbox))
			}
			r.handle(s)
		}
	}
}

func (r *Runner) handle(s submission) {
	// the caller may have given up while the submission was queued
	if err := s.ctx.Err(); err != nil {
		s.reply <- reply{err: err}
		return
	}

	if s.query != nil {
		s.reply <- reply{err: s.query(r.engine)}
		return
	}

	res, err := r.engine.Execute(s.ctx, s.cmd)
	if err != nil {
		r.logger.Debug().Err(err).
			Str("operation", s.cmd.Operation()).
			Str("request_id", s.cmd.RequestID()).
			Msg("command failed")
	}
	s.reply <- reply{res: res, err: err}
}

// Submit executes cmd on the engine goroutine and waits for the outcome.
func (r *Runner) Submit(ctx context.Context, cmd Command) (Result, error) {
	if cmd == nil {
		return Result{}, fmt.Errorf("%w: nil", ErrUnknownCommand)
	}
	rep, err := r.send(ctx, submission{ctx: ctx, cmd: cmd})
	if err != nil {
		return Result{}, err
	}
	return rep.res, rep.err
}

// Query runs fn on the engine goroutine. fn must not retain the engine.
func (r *Runner) Query(ctx context.Context, fn func(*Engine) error) error {
	rep, err := r.send(ctx, submission{ctx: ctx, query: fn})
	if err != nil {
		return err
	}
	return rep.err
}

func (r *Runner) send(ctx context.Context, s submission) (reply, error) {
	s.reply = make(chan reply, 1)

	select {
	case r.inbox <- s:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-r.done:
		return reply{}, ErrRunnerStopped
	}

	select {
	case rep := <-s.reply:
		return rep, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-r.done:
		select {
		case rep := <-s.reply:
			return rep, nil
		default:
			return reply{}, ErrRunnerStopped
		}
	}
}
