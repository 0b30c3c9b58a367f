package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: operation names, statuses and component
// names only. Download ids, URLs and file paths belong in logs, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// DownloadFunc runs one transfer attempt and returns the status it ended in.
type DownloadFunc func(ctx context.Context) string

// InstrumentOperation instruments a generic operation with telemetry.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(ctx, operation, status, time.Since(start))

	return err
}

// InstrumentDownload tracks one transfer attempt: active gauge, span and final status.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn DownloadFunc) string {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.incrementActiveDownloads(ctx, 1)
	defer t.incrementActiveDownloads(ctx, -1)

	if t.tracer == nil {
		status := fn(ctx)
		t.RecordDownload(ctx, status, time.Since(start))

		return status
	}

	ctx, span := t.tracer.Start(ctx, "download")
	defer span.End()

	span.SetAttributes(attribute.String("component", "transfer_worker"))

	status := fn(ctx)

	span.SetAttributes(attribute.String("status", status))
	if status == "FAILED" {
		span.SetStatus(codes.Error, "transfer failed")
	}

	t.RecordDownload(ctx, status, time.Since(start))

	return status
}
