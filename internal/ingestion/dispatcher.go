package ingestion

import (
	"context"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/observability"
)

// Submitter executes a command on the engine goroutine. Implemented by
// core.Runner.
type Submitter interface {
	Submit(ctx context.Context, cmd core.Command) (core.Result, error)
}

// Dispatcher is the single entry point for commands from every transport.
type Dispatcher struct {
	submitter Submitter
	metrics   *observability.Metrics
}

func NewDispatcher(submitter Submitter, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{submitter: submitter, metrics: metrics}
}

// Dispatch submits cmd and records ingestion metrics labelled by transport.
func (d *Dispatcher) Dispatch(ctx context.Context, transport string, cmd core.Command) (core.Result, error) {
	start := time.Now()
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(transport, cmd.Operation()).Inc()
	}

	res, err := d.submitter.Submit(ctx, cmd)

	if d.metrics != nil && err == nil && !res.Duplicate {
		d.metrics.IngestToApply.WithLabelValues(cmd.Operation()).Observe(time.Since(start).Seconds())
	}
	return res, err
}
