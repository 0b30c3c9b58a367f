// Package engine is the download facade: it accepts requests, persists every state
// transition, admits work through the scheduler and fans snapshots out to observers.
//
// All transitions of one record are serialized by a per-id lock. Network reads and
// file writes happen outside of it; only the store upsert that records a transition
// (and the final rename of a completed file) runs while it is held.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/notifier"
	"github.com/italolelis/download_engine/internal/pubsub"
	"github.com/italolelis/download_engine/internal/scheduler"
	"github.com/italolelis/download_engine/internal/storage"
	"github.com/italolelis/download_engine/internal/telemetry"
	"github.com/italolelis/download_engine/internal/transfer"
)

var (
	// ErrNotFound is returned when a targeted command names an unknown id.
	ErrNotFound = storage.ErrNotFound
	// ErrStoreUnavailable is returned when the persistence layer fails.
	ErrStoreUnavailable = storage.ErrStoreUnavailable
	// ErrRetryLimit is returned by Retry once a record used up its retries.
	ErrRetryLimit = errors.New("retry limit reached")
	// ErrInvalidRequest is returned by Download for malformed requests.
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrClosed is returned by mutating commands after Close.
	ErrClosed = errors.New("engine is closed")
	// ErrNotStarted is returned by mutating commands until Start has reconciled the store.
	ErrNotStarted = errors.New("engine is not started")
	// ErrConflict is returned by Download when the requested id belongs to a
	// different source or destination file.
	ErrConflict = errors.New("download id already used for another file")
)

// Request describes a download to create.
type Request struct {
	// ID is optional. When empty the id is derived from URL and destination.
	ID              string
	URL             string
	FileName        string
	DestinationPath string
	Tag             string
	Headers         map[string]string
}

// Options configures the engine.
type Options struct {
	// MaxParallel caps the number of transfers running at once.
	MaxParallel int
	// MaxRetries caps Retry per record. Zero means unlimited.
	MaxRetries int
	// Notifier receives status changes. It must not block; wrap slow
	// implementations in a notifier.Dispatcher.
	Notifier  notifier.Notifier
	Telemetry *telemetry.Telemetry
}

type signal int

const (
	signalNone signal = iota
	signalPause
	signalCancel
	signalClear
	signalShutdown
)

// worker is the lease a running transfer holds on its record. All fields are
// guarded by the record's id lock.
type worker struct {
	rec    storage.DownloadRecord
	signal signal
	ctx    context.Context
	cancel context.CancelFunc
}

// owns reports whether the worker's copy of the record is still the live one.
func (w *worker) owns() bool {
	return w.signal != signalCancel && w.signal != signalClear
}

// Engine is the download facade.
type Engine struct {
	repo      storage.DownloadRepository
	runner    transfer.Runner
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry
	opts      Options

	broker *pubsub.Broker
	sched  *scheduler.Scheduler
	locks  keyedMutex
	ctx    context.Context

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	closed  bool
}

// New creates an engine. Call Start before submitting work so interrupted records
// are reconciled first.
func New(ctx context.Context, repo storage.DownloadRepository, runner transfer.Runner, opts Options) *Engine {
	e := &Engine{
		repo:      repo,
		runner:    runner,
		notifier:  opts.Notifier,
		telemetry: opts.Telemetry,
		opts:      opts,
		broker:    pubsub.NewBroker(),
		ctx:       context.WithoutCancel(ctx),
		workers:   make(map[string]*worker),
	}

	e.sched = scheduler.New(e.ctx, opts.MaxParallel, e.run)

	if err := opts.Telemetry.ObserveEngine(e.sched.Stats, e.broker.Len); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to register engine gauges", "err", err)
	}

	return e
}

// Start reclassifies records a previous process left running as PAUSED and
// re-admits every QUEUED record in the order it was queued.
func (e *Engine) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	paused, err := e.repo.PauseInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile interrupted downloads: %w", err)
	}

	if paused > 0 {
		logger.Info("paused downloads interrupted by a previous run", "count", paused)
	}

	queued, err := e.repo.GetDownloadsByStatus(ctx, storage.StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to load queued downloads: %w", err)
	}

	for _, rec := range queued {
		if err := e.sched.Submit(rec.ID); err != nil {
			return fmt.Errorf("failed to admit download %s: %w", rec.ID, err)
		}
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	logger.Info("download engine started", "queued", len(queued), "max_parallel", e.opts.MaxParallel)

	return nil
}

// Close stops admitting work, pauses running transfers and waits for them to
// persist their state. Subscriptions end afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		return nil
	}

	e.closed = true

	ids := make([]string, 0, len(e.workers))
	for id := range e.workers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		unlock := e.locks.Lock(id)
		if w := e.worker(id); w != nil && w.signal == signalNone {
			w.signal = signalShutdown
			w.cancel()
		}
		unlock()
	}

	done := make(chan error, 1)
	go func() { done <- e.sched.Close() }()

	var err error

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.broker.Close()

	logctx.LoggerFromContext(ctx).Info("download engine stopped", "interrupted", len(ids))

	return err
}

// Download creates a record for req, or returns the id of the equivalent existing
// record. A PAUSED record is resumed and a FAILED one retried.
func (e *Engine) Download(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	if err := e.ready(); err != nil {
		return "", err
	}

	dest := filepath.Join(req.DestinationPath, req.FileName)

	id, err := e.download(ctx, req, dest)

	// Another caller created the record for this file under a different id between
	// our lookup and insert; the second pass finds it.
	if errors.Is(err, storage.ErrDuplicateDestination) {
		id, err = e.download(ctx, req, dest)
	}

	e.recordCommand(ctx, "download", err)

	if err != nil {
		return "", err
	}

	return id, nil
}

func (e *Engine) download(ctx context.Context, req Request, dest string) (string, error) {
	id := req.ID
	if id == "" {
		id = recordID(req.URL, dest)
	}

	// A record for the same source and file wins over the requested id.
	existing, err := e.repo.FindByDestination(ctx, req.URL, dest)

	switch {
	case err == nil:
		id = existing.ID
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}

	ctx = logctx.WithDownloadID(ctx, id)

	unlock := e.locks.Lock(id)
	defer unlock()

	rec, w, err := e.load(ctx, id)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := time.Now().UTC()
		rec = storage.DownloadRecord{
			ID:              id,
			Tag:             req.Tag,
			URL:             req.URL,
			FileName:        req.FileName,
			DestinationPath: filepath.Clean(req.DestinationPath),
			Headers:         req.Headers,
			Status:          storage.StatusQueued,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if _, err := e.save(ctx, nil, storage.StatusDefault, rec); err != nil {
			return "", err
		}

		logctx.LoggerFromContext(ctx).Info("download queued", "url", req.URL, "file_name", req.FileName, "tag", req.Tag)

		return id, e.sched.Submit(id)
	case err != nil:
		return "", err
	}

	if rec.URL != req.URL || rec.FilePath() != dest {
		return "", fmt.Errorf("%w: %s holds %s", ErrConflict, id, rec.FilePath())
	}

	switch rec.Status {
	case storage.StatusQueued:
		err = e.sched.Submit(id)
	case storage.StatusPaused:
		err = e.resumeLocked(ctx, w, rec)
	case storage.StatusFailed:
		err = e.retryLocked(ctx, w, rec)
	}

	return id, err
}

// Get returns the stored record for id.
func (e *Engine) Get(ctx context.Context, id string) (storage.DownloadRecord, error) {
	return e.repo.GetDownload(ctx, id)
}

// List returns the stored records matching sel. An unknown id yields an empty list.
func (e *Engine) List(ctx context.Context, sel Selector) ([]storage.DownloadRecord, error) {
	switch {
	case sel.ID != "":
		rec, err := e.repo.GetDownload(ctx, sel.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		return []storage.DownloadRecord{rec}, nil
	case sel.Tag != "":
		return e.repo.GetDownloadsByTag(ctx, sel.Tag)
	default:
		return e.repo.GetDownloads(ctx)
	}
}

// Observe subscribes to snapshots of the records matching sel. The current state of
// every matching record is delivered first. The subscription ends when ctx is done,
// when it is closed or when the engine shuts down.
func (e *Engine) Observe(ctx context.Context, sel Selector) (*pubsub.Subscription, error) {
	sub := e.broker.Subscribe(sel.Match)

	current, err := e.List(ctx, sel)
	if err != nil {
		sub.Close()

		return nil, err
	}

	for _, rec := range current {
		sub.Offer(rec)
	}

	stop := context.AfterFunc(ctx, sub.Close)

	go func() {
		<-sub.Done()
		stop()
	}()

	return sub, nil
}

// load returns the live record for id: the running worker's copy while it owns the
// record, otherwise the stored one. Must be called with the id lock held.
func (e *Engine) load(ctx context.Context, id string) (storage.DownloadRecord, *worker, error) {
	if w := e.worker(id); w != nil && w.owns() {
		return w.rec, w, nil
	}

	rec, err := e.repo.GetDownload(ctx, id)

	return rec, nil, err
}

// save persists rec as a transition from prev and publishes it. Must be called with
// the id lock held.
func (e *Engine) save(ctx context.Context, w *worker, prev storage.Status, rec storage.DownloadRecord) (storage.DownloadRecord, error) {
	rec.UpdatedAt = nextTimestamp(rec.UpdatedAt)

	if err := e.repo.UpsertDownload(ctx, rec); err != nil {
		return rec, err
	}

	if w != nil {
		w.rec = rec
	}

	e.publish(ctx, prev, rec)

	return rec, nil
}

// remove deletes the record and publishes its final snapshot. Must be called with
// the id lock held.
func (e *Engine) remove(ctx context.Context, rec storage.DownloadRecord, final storage.Status) error {
	if err := e.repo.DeleteDownload(ctx, rec.ID); err != nil {
		return err
	}

	prev := rec.Status
	rec.Status = final
	rec.UpdatedAt = nextTimestamp(rec.UpdatedAt)

	if final == storage.StatusDefault {
		rec.ProgressPercent = 0
		rec.DownloadedBytes = 0
	}

	e.publish(ctx, prev, rec)

	return nil
}

func (e *Engine) publish(ctx context.Context, prev storage.Status, rec storage.DownloadRecord) {
	e.broker.Publish(rec)

	if e.notifier == nil || prev == rec.Status {
		return
	}

	if err := e.notifier.Notify(ctx, notifier.EventFromRecord(rec)); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to notify status change", "status", rec.Status, "err", err)
	}
}

func (e *Engine) worker(id string) *worker {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.workers[id]
}

// ready reports whether the engine accepts commands.
func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return ErrClosed
	case !e.started:
		return ErrNotStarted
	default:
		return nil
	}
}

func (e *Engine) recordCommand(ctx context.Context, command string, err error) {
	if e.telemetry == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	e.telemetry.RecordCommand(ctx, command, status)
}

// nextTimestamp returns now, or one nanosecond past prev when the clock has not advanced.
func nextTimestamp(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}

	return now
}

// recordID derives a stable id from the source URL and destination file.
func recordID(rawURL, destination string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(rawURL+"\x00"+destination)).String()
}

func validate(req Request) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}

	if req.FileName == "" || req.FileName == "." || req.FileName == ".." || filepath.Base(req.FileName) != req.FileName {
		return fmt.Errorf("%w: file name must be a plain file name", ErrInvalidRequest)
	}

	if req.DestinationPath == "" {
		return fmt.Errorf("%w: destination path is required", ErrInvalidRequest)
	}

	return nil
}
