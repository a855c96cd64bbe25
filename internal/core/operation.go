package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type requestIDKey struct{}

// WithRequestID attaches the request id used as the idempotency key and
// event reference of the next operation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// step is one event produced by an operation together with its journals.
type step struct {
	evt   event.Event
	batch *ledger.Batch
}

// undo reverses one completed external movement.
type undo struct {
	name string
	fn   func(ctx context.Context) error
}

// operation is the unit of atomicity: journals are staged on a Tx, external
// token movements are recorded for compensation, and nothing is committed
// until every check and movement has succeeded.
type operation struct {
	e         *Engine
	ctx       context.Context
	name      string
	requestID string
	timestamp time.Time
	start     time.Time

	tx    *ledger.Tx
	steps []step
	undos []undo
	done  bool
}

// begin claims the engine for one operation. Calls made while another
// operation is in flight, for example from a token hook, are rejected.
func (e *Engine) begin(ctx context.Context, name string) (*operation, error) {
	if e.inFlight {
		if e.metrics != nil {
			e.metrics.OperationsRejected.WithLabelValues(name, RejectReason(ErrReentrantCall)).Inc()
		}
		return nil, ErrReentrantCall
	}
	e.inFlight = true

	requestID, ok := RequestID(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	now := e.clock()
	return &operation{
		e:         e,
		ctx:       ctx,
		name:      name,
		requestID: requestID,
		timestamp: now,
		start:     now,
		tx:        e.balances.Begin(),
	}, nil
}

// end releases the engine. A still-open operation is rolled back.
func (op *operation) end() {
	if !op.done {
		op.abort(nil)
	}
	op.e.inFlight = false
}

func (op *operation) journals() *ledger.JournalGenerator {
	seq := op.e.sequence + int64(len(op.steps))
	return ledger.NewJournalGenerator(op.requestID, seq, op.timestamp.UnixNano())
}

// stage records an event and applies its batch to the Tx.
func (op *operation) stage(evt event.Event, batch *ledger.Batch) error {
	if batch != nil && len(batch.Journals) > 0 {
		if err := op.tx.Stage(batch); err != nil {
			return fmt.Errorf("stage %s: %w", evt.EventType(), err)
		}
	}
	op.steps = append(op.steps, step{evt: evt, batch: batch})
	return nil
}

// onFailure registers a compensation for an external movement that has
// already happened.
func (op *operation) onFailure(name string, fn func(ctx context.Context) error) {
	op.undos = append(op.undos, undo{name: name, fn: fn})
}

// healthFactor evaluates userID against the staged state.
func (op *operation) healthFactor(userID uuid.UUID) (*uint256.Int, error) {
	hf, err := op.e.health.HealthFactor(op.ctx, op.tx, userID)
	if err != nil {
		if errors.Is(err, ErrOracleUnavailable) && op.e.metrics != nil {
			op.e.metrics.OracleFailures.WithLabelValues(op.name).Inc()
		}
		return nil, err
	}
	return hf, nil
}

// requireHealthy fails with ErrBreaksHealthFactor when userID's staged
// health factor is below the minimum.
func (op *operation) requireHealthy(userID uuid.UUID) error {
	hf, err := op.healthFactor(userID)
	if err != nil {
		return err
	}
	if !op.e.health.IsHealthy(hf) {
		return op.e.healthError(ErrBreaksHealthFactor, hf)
	}
	op.observeHealth(hf)
	return nil
}

func (op *operation) observeHealth(hf *uint256.Int) {
	if op.e.metrics == nil || hf.Eq(state.MaxHealthFactor) {
		return
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(hf.ToBig()), new(big.Float).SetInt(op.e.params.Scale().ToBig())).Float64()
	op.e.metrics.HealthFactor.WithLabelValues(op.name).Observe(f)
}

// abort discards staged journals and reverses completed external movements
// in reverse order. It returns cause, joined with ErrCompensationFailed when
// a reversal fails.
func (op *operation) abort(cause error) error {
	op.done = true
	op.tx.Discard()

	var failed []error
	// compensations run even if the caller's context is already cancelled
	ctx := context.WithoutCancel(op.ctx)
	for i := len(op.undos) - 1; i >= 0; i-- {
		u := op.undos[i]
		err := u.fn(ctx)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			failed = append(failed, fmt.Errorf("%s: %w", u.name, err))
			op.e.logger.Error().Err(err).
				Str("operation", op.name).
				Str("request_id", op.requestID).
				Str("step", u.name).
				Msg("compensation failed, token ledgers diverge from engine state")
		}
		if op.e.metrics != nil {
			op.e.metrics.Compensations.WithLabelValues(u.name, outcome).Inc()
		}
	}

	if cause != nil && op.e.metrics != nil {
		op.e.metrics.OperationsRejected.WithLabelValues(op.name, RejectReason(cause)).Inc()
	}

	if len(failed) > 0 {
		return errors.Join(cause, fmt.Errorf("%w: %w", ErrCompensationFailed, errors.Join(failed...)))
	}
	return cause
}

// fail is abort for the common error-return path.
func (op *operation) fail(err error) error {
	op.e.logger.Debug().Err(err).Str("operation", op.name).Str("request_id", op.requestID).Msg("operation rejected")
	return op.abort(err)
}

// commit applies the staged journals, verifies ledger invariants, advances
// the hash chain and emits one output per event.
func (op *operation) commit() {
	e := op.e
	op.done = true

	if err := op.tx.Commit(); err != nil {
		panic(fmt.Sprintf("FATAL: commit of validated batches failed: %v", err))
	}
	if err := e.validator.ValidateUserAccounts(op.tx.Touched()); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", op.name, err))
	}
	e.sinceGlobal++
	if e.sinceGlobal >= globalCheckInterval {
		e.sinceGlobal = 0
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: ledger not zero-sum at sequence %d: %v", e.sequence, err))
		}
	}

	for _, s := range op.steps {
		e.emit(op, s)
	}

	if e.metrics != nil {
		e.metrics.OperationsApplied.WithLabelValues(op.name).Inc()
		e.metrics.OperationDuration.WithLabelValues(op.name).Observe(e.clock().Sub(op.start).Seconds())
		e.metrics.Sequence.Set(float64(e.sequence))
	}
	e.idempotency.MarkProcessed(op.requestID)
}

func (e *Engine) emit(op *operation, s step) {
	var accounts []ledger.AccountKey
	if s.batch != nil {
		seen := make(map[ledger.AccountKey]bool)
		for _, j := range s.batch.Journals {
			for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if !seen[k] {
					seen[k] = true
					accounts = append(accounts, k)
				}
			}
			if e.metrics != nil {
				e.metrics.JournalsGenerated.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
		ledger.SortKeys(accounts)
	}

	digest := ComputeStateDigest(e.balances, accounts)
	prev := e.hasher.GetPrevHash()
	hash := e.hasher.ComputeHash(e.sequence, digest)

	payload, err := s.evt.Payload()
	if err != nil {
		e.logger.Error().Err(err).Str("event", s.evt.EventType().String()).Msg("encode event payload")
	}

	out := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       e.sequence,
			IdempotencyKey: op.requestID,
			EventType:      s.evt.EventType(),
			Participant:    s.evt.Participant(),
			Timestamp:      op.timestamp,
			Payload:        payload,
			StateHash:      hash,
			PrevHash:       prev,
		},
		Event:      s.evt,
		Batch:      s.batch,
		StateDelta: digest,
	}
	e.sequence++

	// Persistence is blocking: the engine stalls rather than lose an event.
	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}

	// Projections may fall behind and rebuild from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("engine").Inc()
			}
		}
	}
}

// requirePositive rejects nil or zero amounts.
func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrNeedsMoreThanZero
	}
	return nil
}

// external normalizes a token call result: an error or a false return both
// become sentinel.
func external(ok bool, err error, sentinel error, what string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", sentinel, what, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s returned false", sentinel, what)
	}
	return nil
}
