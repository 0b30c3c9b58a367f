package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/transfer/progress"
)

// Job describes one transfer attempt.
type Job struct {
	ID          string
	URL         string
	Headers     map[string]string
	PartialPath string
	// Offset is the durable byte count from the last persisted progress.
	Offset int64
	// TotalBytes is the last known size, 0 when unknown.
	TotalBytes int64
}

// Reporter receives updates from a running transfer. Returning ErrInterrupted
// stops the transfer as interrupted; any other error stops it as failed.
type Reporter interface {
	// Started is called once the response headers are known, before the body is read.
	Started(ctx context.Context, offset, total int64) error
	// Progress is called after bytes were written to the partial file.
	Progress(ctx context.Context, downloaded, total int64) error
}

// Outcome is how a transfer attempt ended.
type Outcome int

const (
	// Completed means every byte is in the partial file and it was synced.
	Completed Outcome = iota
	// Interrupted means the context was cancelled or the reporter gave up ownership.
	Interrupted
	// Failed means a transport or disk error stopped the transfer.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	default:
		return "failed"
	}
}

// Result is the final state of a transfer attempt. Downloaded always reflects
// the bytes present in the partial file.
type Result struct {
	Outcome    Outcome
	Downloaded int64
	Total      int64
	Err        error
	// Restarted is set when the server ignored the range request and the partial
	// file was truncated to start over from zero.
	Restarted bool
}

// Worker streams one URL into a partial file, resuming with a range request when
// bytes are already on disk.
type Worker struct {
	client *http.Client
	opts   Options
}

// NewWorker creates a worker. A nil client is replaced by NewHTTPClient(opts).
func NewWorker(client *http.Client, opts Options) *Worker {
	defaults := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}

	if client == nil {
		client = NewHTTPClient(opts)
	}

	return &Worker{client: client, opts: opts}
}

// Run performs the transfer until completion, failure or cancellation of ctx.
func (w *Worker) Run(ctx context.Context, job Job, reporter Reporter) Result {
	logger := logctx.LoggerFromContext(ctx).With("url", job.URL)

	file, offset, err := openPartial(job)
	if err != nil {
		return Result{Outcome: Failed, Err: err}
	}

	res := w.run(ctx, logger, file, job, offset, reporter)

	if err := file.Sync(); err != nil && res.Outcome == Completed {
		res = Result{Outcome: Failed, Downloaded: res.Downloaded, Total: res.Total, Restarted: res.Restarted, Err: &FileError{Path: job.PartialPath, Op: "sync", Err: err}}
	}

	if err := file.Close(); err != nil && res.Outcome == Completed {
		res = Result{Outcome: Failed, Downloaded: res.Downloaded, Total: res.Total, Restarted: res.Restarted, Err: &FileError{Path: job.PartialPath, Op: "close", Err: err}}
	}

	return res
}

// openPartial opens the partial file and positions it at the resume offset: the
// smaller of the persisted byte count and the bytes actually on disk.
func openPartial(job Job) (*os.File, int64, error) {
	if err := os.MkdirAll(filepath.Dir(job.PartialPath), 0o755); err != nil {
		return nil, 0, &FileError{Path: job.PartialPath, Op: "mkdir", Err: err}
	}

	file, err := os.OpenFile(job.PartialPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, &FileError{Path: job.PartialPath, Op: "open", Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return nil, 0, &FileError{Path: job.PartialPath, Op: "stat", Err: err}
	}

	offset := min(max(job.Offset, 0), info.Size())

	if err := truncateAt(file, offset); err != nil {
		file.Close()

		return nil, 0, &FileError{Path: job.PartialPath, Op: "truncate", Err: err}
	}

	return file, offset, nil
}

func truncateAt(file *os.File, offset int64) error {
	if err := file.Truncate(offset); err != nil {
		return err
	}

	_, err := file.Seek(offset, io.SeekStart)

	return err
}

func (w *Worker) run(ctx context.Context, logger *slog.Logger, file *os.File, job Job, offset int64, reporter Reporter) Result {
	if ctx.Err() != nil {
		return Result{Outcome: Interrupted, Downloaded: offset, Total: job.TotalBytes}
	}

	// A paused transfer whose bytes are all on disk only needs to be finalized.
	if job.TotalBytes > 0 && offset >= job.TotalBytes {
		if err := reporter.Started(ctx, offset, job.TotalBytes); err != nil {
			return reporterResult(err, offset, job.TotalBytes)
		}

		return Result{Outcome: Completed, Downloaded: offset, Total: job.TotalBytes}
	}

	reqCtx, cancelReq := context.WithCancelCause(ctx)
	defer cancelReq(nil)

	watchdog := w.startWatchdog(cancelReq)
	defer watchdog.stop()

	resp, start, total, err := w.open(reqCtx, logger, job, offset)
	watchdog.stop()

	if err != nil {
		return w.streamError(ctx, reqCtx, "connect", err, offset, job.TotalBytes)
	}
	defer resp.Body.Close()

	restarted := start != offset
	if restarted {
		if err := truncateAt(file, start); err != nil {
			return Result{Outcome: Failed, Downloaded: offset, Total: total, Err: &FileError{Path: job.PartialPath, Op: "truncate", Err: err}}
		}

		offset = start
	}

	if err := reporter.Started(ctx, offset, total); err != nil {
		res := reporterResult(err, offset, total)
		res.Restarted = restarted

		return res
	}

	logger.Info("downloading file",
		"file_path", job.PartialPath,
		"offset", humanize.Bytes(uint64(offset)),
		"file_size", humanize.Bytes(uint64(total)))

	res := w.stream(ctx, reqCtx, watchdog, resp.Body, file, job, offset, total, reporter)
	res.Restarted = restarted

	return res
}

func (w *Worker) stream(ctx, reqCtx context.Context, watchdog *watchdog, body io.Reader, file *os.File, job Job, downloaded, total int64, reporter Reporter) Result {
	buf := make([]byte, w.opts.ChunkSize)
	throttle := progress.NewThrottle(w.opts.ProgressInterval)

	for {
		if ctx.Err() != nil {
			return Result{Outcome: Interrupted, Downloaded: downloaded, Total: total}
		}

		watchdog.reset()
		n, readErr := body.Read(buf)
		watchdog.stop()

		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return Result{Outcome: Failed, Downloaded: downloaded, Total: total, Err: &FileError{Path: job.PartialPath, Op: "write", Err: err}}
			}

			downloaded += int64(n)

			if throttle.Allow() {
				if err := reporter.Progress(ctx, downloaded, total); err != nil {
					return reporterResult(err, downloaded, total)
				}
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return w.streamError(ctx, reqCtx, "read", readErr, downloaded, total)
		}
	}

	if total > 0 && downloaded < total {
		return Result{Outcome: Failed, Downloaded: downloaded, Total: total, Err: &TransportError{Operation: "read", Err: io.ErrUnexpectedEOF}}
	}

	if total <= 0 {
		total = downloaded
	}

	return Result{Outcome: Completed, Downloaded: downloaded, Total: total}
}

// open issues the GET and returns the response with the offset its body starts at.
func (w *Worker) open(ctx context.Context, logger *slog.Logger, job Job, offset int64) (*http.Response, int64, int64, error) {
	resp, start, total, err := w.get(ctx, job, offset)
	if errors.Is(err, ErrRangeUnsupported) {
		logger.Warn("server rejected range request, restarting from zero", "offset", offset)

		return w.get(ctx, job, 0)
	}

	if err == nil && start != offset {
		logger.Warn("server ignored range request, restarting from zero", "offset", offset)
	}

	return resp, start, total, err
}

func (w *Worker) get(ctx context.Context, job Job, offset int64) (*http.Response, int64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	if w.opts.UserAgent != "" {
		req.Header.Set("User-Agent", w.opts.UserAgent)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			resp.Body.Close()

			return nil, 0, 0, ErrRangeUnsupported
		}

		if total < 0 {
			total = 0
			if resp.ContentLength >= 0 {
				total = offset + resp.ContentLength
			}
		}

		return resp, offset, total, nil

	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// Either a fresh transfer or a server that ignored the Range header; the
		// body holds the whole entity.
		return resp, 0, max(resp.ContentLength, 0), nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		resp.Body.Close()

		return nil, 0, 0, ErrRangeUnsupported

	default:
		resp.Body.Close()

		return nil, 0, 0, &TransportError{Operation: "connect", StatusCode: resp.StatusCode}
	}
}

// streamError classifies an error raised while connecting or reading.
func (w *Worker) streamError(ctx, reqCtx context.Context, op string, err error, downloaded, total int64) Result {
	if ctx.Err() != nil {
		return Result{Outcome: Interrupted, Downloaded: downloaded, Total: total}
	}

	if errors.Is(context.Cause(reqCtx), ErrReadTimeout) {
		err = ErrReadTimeout
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		err = &TransportError{Operation: op, Err: err}
	}

	return Result{Outcome: Failed, Downloaded: downloaded, Total: total, Err: err}
}

func reporterResult(err error, downloaded, total int64) Result {
	if errors.Is(err, ErrInterrupted) {
		return Result{Outcome: Interrupted, Downloaded: downloaded, Total: total}
	}

	return Result{Outcome: Failed, Downloaded: downloaded, Total: total, Err: err}
}

// watchdog cancels the request when a single read blocks longer than the read timeout.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func (w *Worker) startWatchdog(cancel context.CancelCauseFunc) *watchdog {
	if w.opts.ReadTimeout <= 0 {
		return &watchdog{}
	}

	return &watchdog{
		timer:   time.AfterFunc(w.opts.ReadTimeout, func() { cancel(ErrReadTimeout) }),
		timeout: w.opts.ReadTimeout,
	}
}

func (d *watchdog) reset() {
	if d.timer != nil {
		d.timer.Reset(d.timeout)
	}
}

func (d *watchdog) stop() {
	if d.timer != nil {
		d.timer.Stop()
	}
}
