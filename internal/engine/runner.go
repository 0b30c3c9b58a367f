package engine

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/storage"
	"github.com/italolelis/download_engine/internal/transfer"
)

// run is the scheduler callback for an admitted id.
func (e *Engine) run(ctx context.Context, id string) {
	ctx = logctx.WithDownloadID(ctx, id)
	logger := logctx.LoggerFromContext(ctx)

	w, job, ok := e.acquire(ctx, id)
	if !ok {
		return
	}

	start := time.Now()
	res := e.runner.Run(w.ctx, job, &reporter{engine: e, id: id, w: w})

	status := e.finalize(ctx, id, w, res)

	logger.Info("transfer ended",
		"outcome", res.Outcome,
		"status", status,
		"downloaded", humanize.Bytes(uint64(max(res.Downloaded, 0))),
		"duration", time.Since(start).Round(time.Millisecond))
}

// acquire moves a QUEUED record to STARTED and registers the worker lease. It gives
// up when the record changed since it was queued or the engine is closing.
func (e *Engine) acquire(ctx context.Context, id string) (*worker, transfer.Job, bool) {
	logger := logctx.LoggerFromContext(ctx)

	unlock := e.locks.Lock(id)
	defer unlock()

	rec, err := e.repo.GetDownload(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("failed to load admitted download", "err", err)
		}

		return nil, transfer.Job{}, false
	}

	if rec.Status != storage.StatusQueued {
		return nil, transfer.Job{}, false
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &worker{rec: rec, cancel: cancel, ctx: wctx}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()

		return nil, transfer.Job{}, false
	}
	e.workers[id] = w
	e.mu.Unlock()

	prev := rec.Status
	rec.Status = storage.StatusStarted

	if _, err := e.save(ctx, w, prev, rec); err != nil {
		logger.Error("failed to start download", "err", err)
		e.release(id, w)

		return nil, transfer.Job{}, false
	}

	return w, transfer.Job{
		ID:          rec.ID,
		URL:         rec.URL,
		Headers:     rec.Headers,
		PartialPath: rec.PartialPath(),
		Offset:      rec.DownloadedBytes,
		TotalBytes:  rec.TotalBytes,
	}, true
}

// finalize records how a transfer ended. A pause, cancel or clear that landed before
// it wins over the worker's outcome, including a completed one.
func (e *Engine) finalize(ctx context.Context, id string, w *worker, res transfer.Result) storage.Status {
	logger := logctx.LoggerFromContext(ctx)

	unlock := e.locks.Lock(id)
	defer unlock()
	defer e.release(id, w)

	rec := w.rec

	switch w.signal {
	case signalCancel, signalClear:
		removePartial(ctx, rec)

		return storage.StatusDefault
	case signalNone:
		switch res.Outcome {
		case transfer.Completed:
			rec = completed(rec, res)

			if err := os.Rename(rec.PartialPath(), rec.FilePath()); err != nil {
				rec.Status = storage.StatusFailed
				rec.LastError = err.Error()
			}
		case transfer.Failed:
			rec = settle(rec, res)
			rec.Status = storage.StatusFailed
			rec.LastError = errorMessage(res.Err)
		default:
			rec = settle(rec, res)
			rec.Status = storage.StatusPaused
		}
	case signalShutdown:
		rec = settle(rec, res)
		rec.Status = storage.StatusPaused
	default:
		// Paused: the command already persisted the status (or a resume replaced it);
		// only the byte count the worker reached is added.
		rec = settle(rec, res)
		if rec.DownloadedBytes == w.rec.DownloadedBytes && rec.TotalBytes == w.rec.TotalBytes {
			return rec.Status
		}
	}

	if _, err := e.save(ctx, w, w.rec.Status, rec); err != nil {
		logger.Error("failed to persist transfer outcome", "status", rec.Status, "err", err)
	}

	return rec.Status
}

func (e *Engine) release(id string, w *worker) {
	w.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.workers[id] == w {
		delete(e.workers, id)
	}
}

// reporter persists worker progress while the worker still holds its lease.
type reporter struct {
	engine *Engine
	id     string
	w      *worker
}

func (r *reporter) Started(ctx context.Context, offset, total int64) error {
	return r.update(ctx, func(rec storage.DownloadRecord) (storage.DownloadRecord, bool) {
		return withBytes(rec, offset, total), true
	})
}

func (r *reporter) Progress(ctx context.Context, downloaded, total int64) error {
	return r.update(ctx, func(rec storage.DownloadRecord) (storage.DownloadRecord, bool) {
		if downloaded <= rec.DownloadedBytes {
			return rec, false
		}

		rec = withBytes(rec, downloaded, total)
		rec.Status = storage.StatusProgress

		return rec, true
	})
}

func (r *reporter) update(ctx context.Context, fn func(storage.DownloadRecord) (storage.DownloadRecord, bool)) error {
	unlock := r.engine.locks.Lock(r.id)
	defer unlock()

	if r.w.signal != signalNone {
		return transfer.ErrInterrupted
	}

	rec, changed := fn(r.w.rec)
	if !changed {
		return nil
	}

	_, err := r.engine.save(ctx, r.w, r.w.rec.Status, rec)

	return err
}

// settle applies the bytes a finished attempt left on disk. A restarted attempt
// truncated the partial file, so its count replaces the high-water mark.
func settle(rec storage.DownloadRecord, res transfer.Result) storage.DownloadRecord {
	if !res.Restarted {
		return withBytes(rec, res.Downloaded, res.Total)
	}

	if res.Total > 0 {
		rec.TotalBytes = res.Total
	}

	rec.DownloadedBytes = res.Downloaded
	rec.ProgressPercent = storage.Percent(rec.DownloadedBytes, rec.TotalBytes)

	return rec
}

// withBytes raises the byte count to downloaded and recomputes the percentage.
// Counts never move backwards while a transfer runs: after a server ignored a
// range request the record keeps its high-water mark until the new transfer
// passes it. Resume offsets are always clamped to the bytes on disk.
func withBytes(rec storage.DownloadRecord, downloaded, total int64) storage.DownloadRecord {
	if total > 0 && total >= rec.DownloadedBytes {
		rec.TotalBytes = total
	}

	rec.DownloadedBytes = max(rec.DownloadedBytes, downloaded)
	if rec.TotalBytes > 0 {
		rec.DownloadedBytes = min(rec.DownloadedBytes, rec.TotalBytes)
	}

	rec.ProgressPercent = max(rec.ProgressPercent, storage.Percent(rec.DownloadedBytes, rec.TotalBytes))

	return rec
}

func completed(rec storage.DownloadRecord, res transfer.Result) storage.DownloadRecord {
	rec.Status = storage.StatusSuccess
	rec.TotalBytes = res.Total
	rec.DownloadedBytes = res.Total
	rec.ProgressPercent = 100
	rec.LastError = ""

	return rec
}

func errorMessage(err error) string {
	if err == nil {
		return "transfer failed"
	}

	return err.Error()
}
