package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/storage"
)

// commandFunc applies a command to one record. It runs with the id lock held; w is
// the running worker when it still owns the record.
type commandFunc func(ctx context.Context, w *worker, rec storage.DownloadRecord) error

// Pause stops running transfers cooperatively and moves queued records to PAUSED.
// Records that are already paused or terminal are left alone.
func (e *Engine) Pause(ctx context.Context, sel Selector) error {
	return e.apply(ctx, "pause", sel, false, e.pauseLocked)
}

// Resume re-queues PAUSED records behind everything already queued.
func (e *Engine) Resume(ctx context.Context, sel Selector) error {
	return e.apply(ctx, "resume", sel, false, e.resumeLocked)
}

// Retry re-queues FAILED records, keeping the bytes already downloaded.
func (e *Engine) Retry(ctx context.Context, sel Selector) error {
	return e.apply(ctx, "retry", sel, false, e.retryLocked)
}

// Cancel stops any running transfer, deletes the partial file and removes the record.
func (e *Engine) Cancel(ctx context.Context, sel Selector) error {
	return e.apply(ctx, "cancel", sel, false, func(ctx context.Context, w *worker, rec storage.DownloadRecord) error {
		return e.removeLocked(ctx, w, rec, signalCancel)
	})
}

// Clear removes records regardless of their status, stopping their transfers first.
// Completed files are kept. Unknown ids are ignored.
func (e *Engine) Clear(ctx context.Context, sel Selector) error {
	return e.apply(ctx, "clear", sel, true, func(ctx context.Context, w *worker, rec storage.DownloadRecord) error {
		return e.removeLocked(ctx, w, rec, signalClear)
	})
}

// apply runs fn for every id matched by sel at the time of the call.
func (e *Engine) apply(ctx context.Context, command string, sel Selector, ignoreMissing bool, fn commandFunc) error {
	if err := e.ready(); err != nil {
		return err
	}

	ids, err := e.resolve(ctx, sel)
	if err != nil {
		e.recordCommand(ctx, command, err)

		return err
	}

	var errs []error

	for _, id := range ids {
		err := e.applyOne(ctx, id, fn)

		// Tag members may disappear between the snapshot and the command.
		if errors.Is(err, storage.ErrNotFound) && (ignoreMissing || sel.ID == "") {
			continue
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", command, id, err))
		}
	}

	err = errors.Join(errs...)
	e.recordCommand(ctx, command, err)

	logctx.LoggerFromContext(ctx).Debug("command applied", "command", command, "selector", sel.String(), "records", len(ids), "failed", len(errs))

	return err
}

func (e *Engine) applyOne(ctx context.Context, id string, fn commandFunc) error {
	ctx = logctx.WithDownloadID(ctx, id)

	unlock := e.locks.Lock(id)
	defer unlock()

	rec, w, err := e.load(ctx, id)
	if err != nil {
		return err
	}

	return fn(ctx, w, rec)
}

func (e *Engine) resolve(ctx context.Context, sel Selector) ([]string, error) {
	if sel.ID != "" {
		return []string{sel.ID}, nil
	}

	var (
		recs []storage.DownloadRecord
		err  error
	)

	if sel.Tag != "" {
		recs, err = e.repo.GetDownloadsByTag(ctx, sel.Tag)
	} else {
		recs, err = e.repo.GetDownloads(ctx)
	}

	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.ID)
	}

	return ids, nil
}

func (e *Engine) pauseLocked(ctx context.Context, w *worker, rec storage.DownloadRecord) error {
	switch {
	case rec.Status == storage.StatusQueued:
		e.sched.Remove(rec.ID)
	case rec.Status.IsActive():
		if w != nil {
			w.signal = signalPause
			w.cancel()
		}
	default:
		return nil
	}

	prev := rec.Status
	rec.Status = storage.StatusPaused

	if _, err := e.save(ctx, w, prev, rec); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).Info("download paused", "progress", rec.ProgressPercent)

	return nil
}

func (e *Engine) resumeLocked(ctx context.Context, w *worker, rec storage.DownloadRecord) error {
	if rec.Status != storage.StatusPaused {
		return nil
	}

	return e.requeue(ctx, w, rec)
}

func (e *Engine) retryLocked(ctx context.Context, w *worker, rec storage.DownloadRecord) error {
	if rec.Status != storage.StatusFailed {
		return nil
	}

	if e.opts.MaxRetries > 0 && rec.RetryCount >= e.opts.MaxRetries {
		return fmt.Errorf("%w: %d of %d", ErrRetryLimit, rec.RetryCount, e.opts.MaxRetries)
	}

	rec.RetryCount++

	return e.requeue(ctx, w, rec)
}

// requeue persists rec as QUEUED and appends it to the scheduler queue.
func (e *Engine) requeue(ctx context.Context, w *worker, rec storage.DownloadRecord) error {
	prev := rec.Status
	rec.Status = storage.StatusQueued
	rec.LastError = ""

	if _, err := e.save(ctx, w, prev, rec); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).Info("download queued", "from", prev, "retry_count", rec.RetryCount)

	return e.sched.Submit(rec.ID)
}

// removeLocked deletes the record. A running worker is told to stop and deletes the
// partial file itself once it has; otherwise the partial file is deleted here.
func (e *Engine) removeLocked(ctx context.Context, w *worker, rec storage.DownloadRecord, sig signal) error {
	final := storage.StatusCancelled
	if sig == signalClear {
		final = storage.StatusDefault
	}

	if err := e.remove(ctx, rec, final); err != nil {
		return err
	}

	e.sched.Remove(rec.ID)

	if w != nil {
		w.signal = sig
		w.cancel()
	} else {
		removePartial(ctx, rec)
	}

	logctx.LoggerFromContext(ctx).Info("download removed", "status", final)

	return nil
}

func removePartial(ctx context.Context, rec storage.DownloadRecord) {
	if err := os.Remove(rec.PartialPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).Warn("failed to delete partial file", "file", rec.PartialPath(), "err", err)
	}
}
