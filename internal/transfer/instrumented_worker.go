package transfer

import (
	"context"

	"github.com/italolelis/download_engine/internal/telemetry"
)

// Runner executes one transfer attempt.
type Runner interface {
	Run(ctx context.Context, job Job, reporter Reporter) Result
}

// InstrumentedWorker wraps a Runner with telemetry.
type InstrumentedWorker struct {
	runner    Runner
	telemetry *telemetry.Telemetry
}

var _ Runner = (*InstrumentedWorker)(nil)

// NewInstrumentedWorker creates a new instrumented transfer worker.
func NewInstrumentedWorker(runner Runner, tel *telemetry.Telemetry) *InstrumentedWorker {
	return &InstrumentedWorker{
		runner:    runner,
		telemetry: tel,
	}
}

// Run runs the transfer with an active-download gauge, a span and byte counters.
func (w *InstrumentedWorker) Run(ctx context.Context, job Job, reporter Reporter) Result {
	var res Result

	w.telemetry.InstrumentDownload(ctx, func(ctx context.Context) string {
		res = w.runner.Run(ctx, job, reporter)

		return outcomeStatus(res.Outcome)
	})

	written := res.Downloaded - job.Offset
	if res.Restarted {
		written = res.Downloaded
	}

	w.telemetry.RecordDownloadedBytes(ctx, written)

	return res
}

func outcomeStatus(o Outcome) string {
	switch o {
	case Completed:
		return "SUCCESS"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "FAILED"
	}
}
