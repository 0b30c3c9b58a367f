package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/download_engine/internal/notifier"
	"github.com/italolelis/download_engine/internal/storage"
	"github.com/italolelis/download_engine/internal/storage/sqlite"
	"github.com/italolelis/download_engine/internal/transfer"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 30 * time.Second

// testFile is one resource served by testServer.
type testFile struct {
	content []byte
	// gate, when set, holds the body at gateAt bytes until it is closed.
	gate   chan struct{}
	gateAt int64
	// ignoreRange answers range requests with the full entity and 200.
	ignoreRange bool
	// failFirst answers the first n requests with 500.
	failFirst int
}

type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string]*testFile
	requests []string
	ranges   map[string][]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{files: make(map[string]*testFile), ranges: make(map[string][]string)}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.serve))
	t.Cleanup(ts.Close)

	return ts
}

func (ts *testServer) add(path string, f *testFile) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.files[path] = f

	return ts.URL + path
}

func (ts *testServer) rangesFor(path string) []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return append([]string(nil), ts.ranges[path]...)
}

func (ts *testServer) requestOrder() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return append([]string(nil), ts.requests...)
}

func (ts *testServer) serve(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	f, ok := ts.files[r.URL.Path]
	ts.requests = append(ts.requests, r.URL.Path)
	ts.ranges[r.URL.Path] = append(ts.ranges[r.URL.Path], r.Header.Get("Range"))

	fail := ok && f.failFirst > 0
	if fail {
		f.failFirst--
	}
	ts.mu.Unlock()

	if !ok {
		http.NotFound(w, r)

		return
	}

	if fail {
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	size := len(f.content)
	start := 0

	if rng := r.Header.Get("Range"); rng != "" && !f.ignoreRange {
		if _, err := fmt.Sscanf(rng, "bytes=%d-", &start); err != nil || start >= size {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

			return
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.Itoa(size-start))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)
	}

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for pos := start; pos < size; {
		if f.gate != nil && int64(pos) >= f.gateAt && !isOpen(f.gate) {
			select {
			case <-f.gate:
			case <-r.Context().Done():
				return
			}
		}

		end := min(pos+64*1024, size)
		if f.gate != nil && !isOpen(f.gate) && int64(pos) < f.gateAt && int64(end) > f.gateAt {
			end = int(f.gateAt)
		}

		if _, err := w.Write(f.content[pos:end]); err != nil {
			return
		}

		if flusher != nil {
			flusher.Flush()
		}

		pos = end
	}
}

func isOpen(gate chan struct{}) bool {
	select {
	case <-gate:
		return true
	default:
		return false
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notifier.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)

	return nil
}

func (r *recordingNotifier) statuses(id string) []storage.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []storage.Status

	for _, ev := range r.events {
		if ev.ID == id {
			out = append(out, ev.Status)
		}
	}

	return out
}

type harness struct {
	engine *Engine
	repo   *sqlite.DownloadRepository
	db     *sqlx.DB
	dir    string
	notes  *recordingNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	dir := t.TempDir()

	db, err := sqlite.InitDB(filepath.Join(dir, "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{repo: sqlite.NewDownloadRepository(db), db: db, dir: filepath.Join(dir, "files"), notes: &recordingNotifier{}}
	h.start(t, opts)

	return h
}

// start builds an engine over the harness store, replacing any previous one.
func (h *harness) start(t *testing.T, opts Options) {
	t.Helper()

	if opts.MaxParallel == 0 {
		opts.MaxParallel = 3
	}

	opts.Notifier = h.notes

	worker := transfer.NewWorker(nil, transfer.Options{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		ChunkSize:      32 * 1024,
	})

	h.engine = New(context.Background(), h.repo, worker, opts)
	require.NoError(t, h.engine.Start(context.Background()))

	e := h.engine
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()

		e.Close(ctx)
	})
}

func (h *harness) request(url, name, tag string) Request {
	return Request{URL: url, FileName: name, DestinationPath: h.dir, Tag: tag}
}

func (h *harness) waitStatus(t *testing.T, id string, status storage.Status) storage.DownloadRecord {
	t.Helper()

	var rec storage.DownloadRecord

	require.Eventually(t, func() bool {
		got, err := h.engine.Get(context.Background(), id)
		if err != nil {
			return false
		}

		rec = got

		return got.Status == status
	}, waitFor, 5*time.Millisecond, "waiting for %s to reach %s (last: %s)", id, status, rec.Status)

	return rec
}

func (h *harness) waitIdle(t *testing.T, id string) {
	t.Helper()

	require.Eventually(t, func() bool { return h.engine.worker(id) == nil }, waitFor, 5*time.Millisecond)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)

	return b
}

func TestEngine_DownloadCompletes(t *testing.T) {
	ts := newTestServer(t)
	content := randomBytes(t, 256*1024)
	url := ts.add("/file.bin", &testFile{content: content})

	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "file.bin", "docs"))
	require.NoError(t, err)

	sub, err := h.engine.Observe(ctx, ByID(id))
	require.NoError(t, err)
	defer sub.Close()

	rec := h.waitStatus(t, id, storage.StatusSuccess)
	assert.Equal(t, int64(len(content)), rec.DownloadedBytes)
	assert.Equal(t, int64(len(content)), rec.TotalBytes)
	assert.Equal(t, 100, rec.ProgressPercent)

	got, err := os.ReadFile(filepath.Join(h.dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoFileExists(t, rec.PartialPath())

	var last storage.DownloadRecord
	for snap := range sub.C() {
		assert.GreaterOrEqual(t, snap.ProgressPercent, last.ProgressPercent)
		assert.GreaterOrEqual(t, snap.DownloadedBytes, last.DownloadedBytes)
		assert.True(t, snap.UpdatedAt.After(last.UpdatedAt))

		if snap.TotalBytes > 0 {
			assert.Equal(t, storage.Percent(snap.DownloadedBytes, snap.TotalBytes), snap.ProgressPercent)
		}

		last = snap
		if snap.Status == storage.StatusSuccess {
			break
		}
	}

	assert.Equal(t, storage.StatusSuccess, last.Status)
	assert.Contains(t, h.notes.statuses(id), storage.StatusSuccess)
}

func TestEngine_PauseAndResumeWithRange(t *testing.T) {
	const (
		size   = 10485760
		pausAt = 4194304
	)

	ts := newTestServer(t)
	content := randomBytes(t, size)
	gate := make(chan struct{})
	url := ts.add("/big.bin", &testFile{content: content, gate: gate, gateAt: pausAt})

	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "big.bin", "video"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := h.engine.Get(ctx, id)

		return err == nil && rec.DownloadedBytes == pausAt
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.engine.Pause(ctx, ByID(id)))
	h.waitIdle(t, id)

	rec := h.waitStatus(t, id, storage.StatusPaused)
	assert.Equal(t, int64(pausAt), rec.DownloadedBytes)
	assert.Equal(t, 40, rec.ProgressPercent)

	close(gate)
	require.NoError(t, h.engine.Resume(ctx, ByID(id)))

	rec = h.waitStatus(t, id, storage.StatusSuccess)
	assert.Equal(t, int64(size), rec.DownloadedBytes)
	assert.Equal(t, []string{"", "bytes=4194304-"}, ts.rangesFor("/big.bin"))

	got, err := os.ReadFile(rec.FilePath())
	require.NoError(t, err)
	assert.Equal(t, size, len(got))
	assert.Equal(t, content, got)
}

func TestEngine_ServerIgnoringRangeRestartsFromZero(t *testing.T) {
	ts := newTestServer(t)
	content := randomBytes(t, 1024*1024)
	gate := make(chan struct{})
	url := ts.add("/norange.bin", &testFile{content: content, gate: gate, gateAt: 512 * 1024, ignoreRange: true})

	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "norange.bin", ""))
	require.NoError(t, err)

	sub, err := h.engine.Observe(ctx, ByID(id))
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		rec, err := h.engine.Get(ctx, id)

		return err == nil && rec.DownloadedBytes == 512*1024
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.engine.Pause(ctx, ByID(id)))
	h.waitIdle(t, id)

	close(gate)
	require.NoError(t, h.engine.Resume(ctx, ByID(id)))

	rec := h.waitStatus(t, id, storage.StatusSuccess)
	assert.Equal(t, int64(len(content)), rec.DownloadedBytes)
	assert.Equal(t, []string{"", "bytes=524288-"}, ts.rangesFor("/norange.bin"))

	got, err := os.ReadFile(rec.FilePath())
	require.NoError(t, err)
	assert.Equal(t, content, got)

	var last storage.DownloadRecord
	for snap := range sub.C() {
		assert.GreaterOrEqual(t, snap.ProgressPercent, last.ProgressPercent, "progress regressed")
		last = snap

		if snap.Status == storage.StatusSuccess {
			break
		}
	}
}

func TestEngine_MaxConcurrentOneAdmitsInOrder(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, Options{MaxParallel: 1})
	ctx := context.Background()

	gates := map[string]chan struct{}{}
	ids := map[string]string{}

	for _, name := range []string{"a", "b", "c"} {
		gates[name] = make(chan struct{})
		url := ts.add("/"+name, &testFile{content: randomBytes(t, 64*1024), gate: gates[name], gateAt: 0})

		id, err := h.engine.Download(ctx, h.request(url, name, "batch"))
		require.NoError(t, err)

		ids[name] = id
	}

	status := func(name string) storage.Status {
		rec, err := h.engine.Get(ctx, ids[name])
		require.NoError(t, err)

		return rec.Status
	}

	h.waitStatus(t, ids["a"], storage.StatusStarted)
	assert.Equal(t, storage.StatusQueued, status("b"))
	assert.Equal(t, storage.StatusQueued, status("c"))

	close(gates["a"])
	h.waitStatus(t, ids["a"], storage.StatusSuccess)
	h.waitStatus(t, ids["b"], storage.StatusStarted)
	assert.Equal(t, storage.StatusQueued, status("c"))

	close(gates["b"])
	h.waitStatus(t, ids["b"], storage.StatusSuccess)
	h.waitStatus(t, ids["c"], storage.StatusStarted)

	close(gates["c"])
	h.waitStatus(t, ids["c"], storage.StatusSuccess)

	assert.Equal(t, []string{"/a", "/b", "/c"}, ts.requestOrder())
}

func TestEngine_CancelQueuedCreatesNoFile(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, Options{MaxParallel: 1})
	ctx := context.Background()

	gate := make(chan struct{})
	first := ts.add("/first", &testFile{content: randomBytes(t, 1024), gate: gate})
	second := ts.add("/second", &testFile{content: randomBytes(t, 1024)})

	firstID, err := h.engine.Download(ctx, h.request(first, "first.bin", ""))
	require.NoError(t, err)
	h.waitStatus(t, firstID, storage.StatusStarted)

	secondID, err := h.engine.Download(ctx, h.request(second, "second.bin", ""))
	require.NoError(t, err)

	sub, err := h.engine.Observe(ctx, ByID(secondID))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.engine.Cancel(ctx, ByID(secondID)))

	_, err = h.engine.Get(ctx, secondID)
	require.ErrorIs(t, err, ErrNotFound)

	close(gate)
	h.waitStatus(t, firstID, storage.StatusSuccess)

	assert.NoFileExists(t, filepath.Join(h.dir, "second.bin"))
	assert.NoFileExists(t, filepath.Join(h.dir, "second.bin.part"))
	assert.Equal(t, []string{"/first"}, ts.requestOrder())

	var last storage.DownloadRecord
	for snap := range sub.C() {
		last = snap
		if snap.Status == storage.StatusCancelled {
			break
		}
	}

	assert.Equal(t, storage.StatusCancelled, last.Status)
}

func TestEngine_CancelRunningDeletesPartial(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, Options{})
	ctx := context.Background()

	gate := make(chan struct{})
	defer close(gate)

	url := ts.add("/running", &testFile{content: randomBytes(t, 256*1024), gate: gate, gateAt: 128 * 1024})

	id, err := h.engine.Download(ctx, h.request(url, "running.bin", ""))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := h.engine.Get(ctx, id)

		return err == nil && rec.DownloadedBytes == 128*1024
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(ctx, ByID(id)))
	h.waitIdle(t, id)

	_, err = h.engine.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, filepath.Join(h.dir, "running.bin.part"))
	assert.NoFileExists(t, filepath.Join(h.dir, "running.bin"))
}

func TestEngine_ConcurrentDownloadsShareID(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/shared", &testFile{content: randomBytes(t, 128*1024)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	const callers = 10

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			id, err := h.engine.Download(ctx, h.request(url, "shared.bin", ""))
			assert.NoError(t, err)

			mu.Lock()
			ids[id] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()
	require.Len(t, ids, 1)

	for id := range ids {
		h.waitStatus(t, id, storage.StatusSuccess)
		h.waitIdle(t, id)
	}

	assert.Equal(t, []string{"/shared"}, ts.requestOrder())
}

func TestEngine_RestartPausesInterruptedAndResumes(t *testing.T) {
	ts := newTestServer(t)
	content := randomBytes(t, 512*1024)
	url := ts.add("/restart", &testFile{content: content})

	h := newHarness(t, Options{})
	ctx := context.Background()

	const offset = 200 * 1024

	now := time.Now().UTC()
	rec := storage.DownloadRecord{
		ID:              "restart",
		URL:             url,
		FileName:        "restart.bin",
		DestinationPath: h.dir,
		Status:          storage.StatusStarted,
		DownloadedBytes: offset,
		TotalBytes:      int64(len(content)),
		ProgressPercent: storage.Percent(offset, int64(len(content))),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, h.repo.UpsertDownload(ctx, rec))
	require.NoError(t, os.MkdirAll(h.dir, 0o755))
	require.NoError(t, os.WriteFile(rec.PartialPath(), content[:offset], 0o644))

	// A fresh engine over the same store plays the part of the restarted process.
	h.start(t, Options{})

	got := h.waitStatus(t, "restart", storage.StatusPaused)
	assert.Equal(t, int64(offset), got.DownloadedBytes)

	require.NoError(t, h.engine.Resume(ctx, ByID("restart")))

	got = h.waitStatus(t, "restart", storage.StatusSuccess)
	assert.Equal(t, int64(len(content)), got.DownloadedBytes)
	assert.Equal(t, []string{fmt.Sprintf("bytes=%d-", offset)}, ts.rangesFor("/restart"))

	data, err := os.ReadFile(got.FilePath())
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestEngine_RestartResubmitsQueued(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/queued", &testFile{content: randomBytes(t, 4096)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, h.repo.UpsertDownload(ctx, storage.DownloadRecord{
		ID: "queued", URL: url, FileName: "queued.bin", DestinationPath: h.dir,
		Status: storage.StatusQueued, CreatedAt: now, UpdatedAt: now,
	}))

	h.start(t, Options{})
	h.waitStatus(t, "queued", storage.StatusSuccess)
}

func TestEngine_RetryAfterFailure(t *testing.T) {
	ts := newTestServer(t)
	content := randomBytes(t, 64*1024)
	url := ts.add("/flaky", &testFile{content: content, failFirst: 2})

	h := newHarness(t, Options{MaxRetries: 1})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "flaky.bin", ""))
	require.NoError(t, err)

	rec := h.waitStatus(t, id, storage.StatusFailed)
	assert.Contains(t, rec.LastError, "500")
	h.waitIdle(t, id)

	// Pausing a failed record is a no-op.
	require.NoError(t, h.engine.Pause(ctx, ByID(id)))

	require.NoError(t, h.engine.Retry(ctx, ByID(id)))
	rec = h.waitStatus(t, id, storage.StatusFailed)
	h.waitIdle(t, id)
	assert.Equal(t, 1, rec.RetryCount)

	err = h.engine.Retry(ctx, ByID(id))
	require.ErrorIs(t, err, ErrRetryLimit)

	h.start(t, Options{MaxRetries: 0})

	require.NoError(t, h.engine.Retry(ctx, ByID(id)))
	rec = h.waitStatus(t, id, storage.StatusSuccess)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Empty(t, rec.LastError)
}

func TestEngine_RetryOnlyFromFailed(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/ok", &testFile{content: randomBytes(t, 1024)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "ok.bin", ""))
	require.NoError(t, err)
	h.waitStatus(t, id, storage.StatusSuccess)

	require.NoError(t, h.engine.Retry(ctx, ByID(id)))
	require.NoError(t, h.engine.Resume(ctx, ByID(id)))
	require.NoError(t, h.engine.Pause(ctx, ByID(id)))

	rec := h.waitStatus(t, id, storage.StatusSuccess)
	assert.Equal(t, 0, rec.RetryCount)
}

func TestEngine_UnknownIDs(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	for name, fn := range map[string]func(context.Context, Selector) error{
		"pause":  h.engine.Pause,
		"resume": h.engine.Resume,
		"retry":  h.engine.Retry,
		"cancel": h.engine.Cancel,
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, fn(ctx, ByID("missing")), ErrNotFound)
			require.NoError(t, fn(ctx, ByTag("missing")))
		})
	}

	require.NoError(t, h.engine.Clear(ctx, ByID("missing")))
}

func TestEngine_TagOperations(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, Options{})
	ctx := context.Background()

	gate := make(chan struct{})

	var ids []string

	for _, name := range []string{"one", "two"} {
		url := ts.add("/"+name, &testFile{content: randomBytes(t, 128*1024), gate: gate, gateAt: 64 * 1024})

		id, err := h.engine.Download(ctx, h.request(url, name+".bin", "album"))
		require.NoError(t, err)

		ids = append(ids, id)
	}

	other := ts.add("/other", &testFile{content: randomBytes(t, 1024)})
	otherID, err := h.engine.Download(ctx, h.request(other, "other.bin", "single"))
	require.NoError(t, err)

	for _, id := range ids {
		h.waitStatus(t, id, storage.StatusProgress)
	}

	require.NoError(t, h.engine.Pause(ctx, ByTag("album")))

	for _, id := range ids {
		h.waitStatus(t, id, storage.StatusPaused)
		h.waitIdle(t, id)
	}

	h.waitStatus(t, otherID, storage.StatusSuccess)

	records, err := h.engine.List(ctx, ByTag("album"))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	close(gate)
	require.NoError(t, h.engine.Resume(ctx, ByTag("album")))

	for _, id := range ids {
		h.waitStatus(t, id, storage.StatusSuccess)
	}

	require.NoError(t, h.engine.Clear(ctx, ByTag("album")))

	records, err = h.engine.List(ctx, All())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, otherID, records[0].ID)

	assert.FileExists(t, filepath.Join(h.dir, "one.bin"), "clear keeps completed files")
}

func TestEngine_ClearPublishesResetSnapshot(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/clear", &testFile{content: randomBytes(t, 1024)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "clear.bin", ""))
	require.NoError(t, err)
	h.waitStatus(t, id, storage.StatusSuccess)

	sub, err := h.engine.Observe(ctx, ByID(id))
	require.NoError(t, err)
	defer sub.Close()

	first := <-sub.C()
	assert.Equal(t, storage.StatusSuccess, first.Status)

	require.NoError(t, h.engine.Clear(ctx, ByID(id)))

	final := <-sub.C()
	assert.Equal(t, storage.StatusDefault, final.Status)
	assert.Equal(t, 0, final.ProgressPercent)

	_, err = h.engine.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_DownloadExistingRecord(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/existing", &testFile{content: randomBytes(t, 2048)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	req := h.request(url, "existing.bin", "")

	id, err := h.engine.Download(ctx, req)
	require.NoError(t, err)
	h.waitStatus(t, id, storage.StatusSuccess)
	h.waitIdle(t, id)

	again, err := h.engine.Download(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, ts.requestOrder(), 1)

	require.NoError(t, h.engine.Cancel(ctx, ByID(id)))

	fresh, err := h.engine.Download(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, id, fresh)
	h.waitStatus(t, id, storage.StatusSuccess)
	assert.Len(t, ts.requestOrder(), 2)
}

func TestEngine_DownloadValidation(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing url", req: Request{FileName: "a", DestinationPath: h.dir}},
		{name: "relative url", req: Request{URL: "/a", FileName: "a", DestinationPath: h.dir}},
		{name: "unsupported scheme", req: Request{URL: "ftp://host/a", FileName: "a", DestinationPath: h.dir}},
		{name: "missing file name", req: Request{URL: "http://host/a", DestinationPath: h.dir}},
		{name: "file name with separator", req: Request{URL: "http://host/a", FileName: "../a", DestinationPath: h.dir}},
		{name: "missing destination", req: Request{URL: "http://host/a", FileName: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Download(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestEngine_StoreUnavailable(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.db.Close())

	ctx := context.Background()

	_, err := h.engine.Download(ctx, h.request("http://example.com/a", "a.bin", ""))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	require.ErrorIs(t, h.engine.Pause(ctx, ByTag("x")), ErrStoreUnavailable)
	require.ErrorIs(t, h.engine.Start(ctx), ErrStoreUnavailable)
}

func TestEngine_ClosePausesRunningTransfers(t *testing.T) {
	ts := newTestServer(t)
	gate := make(chan struct{})
	defer close(gate)

	url := ts.add("/shutdown", &testFile{content: randomBytes(t, 256*1024), gate: gate, gateAt: 64 * 1024})

	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.Download(ctx, h.request(url, "shutdown.bin", ""))
	require.NoError(t, err)
	h.waitStatus(t, id, storage.StatusProgress)

	sub, err := h.engine.Observe(ctx, All())
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()

	require.NoError(t, h.engine.Close(closeCtx))

	rec, err := h.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, rec.Status)
	assert.Equal(t, int64(64*1024), rec.DownloadedBytes)

	for range sub.C() {
	}

	_, err = h.engine.Download(ctx, h.request(url, "other.bin", ""))
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngine_PauseWinsOverCompletion(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(h.dir, 0o755))

	now := time.Now().UTC()
	rec := storage.DownloadRecord{
		ID: "race", URL: "http://example.com/race", FileName: "race.bin", DestinationPath: h.dir,
		Status: storage.StatusPaused, DownloadedBytes: 10, TotalBytes: 20, ProgressPercent: 50,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.repo.UpsertDownload(ctx, rec))
	require.NoError(t, os.WriteFile(rec.PartialPath(), make([]byte, 20), 0o644))

	w := &worker{rec: rec, signal: signalPause, cancel: func() {}}
	status := h.engine.finalize(ctx, "race", w, transfer.Result{Outcome: transfer.Completed, Downloaded: 20, Total: 20})

	assert.Equal(t, storage.StatusPaused, status)

	got, err := h.engine.Get(ctx, "race")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, got.Status)
	assert.Equal(t, int64(20), got.DownloadedBytes)
	assert.Equal(t, 100, got.ProgressPercent)
	assert.FileExists(t, rec.PartialPath())
	assert.NoFileExists(t, rec.FilePath())
}

func TestRecordID_Stable(t *testing.T) {
	a := recordID("http://example.com/a", "/tmp/a")
	assert.Equal(t, a, recordID("http://example.com/a", "/tmp/a"))
	assert.NotEqual(t, a, recordID("http://example.com/a", "/tmp/b"))
}

func TestWithBytes(t *testing.T) {
	tests := []struct {
		name       string
		rec        storage.DownloadRecord
		downloaded int64
		total      int64
		wantBytes  int64
		wantTotal  int64
		wantPct    int
	}{
		{name: "progress", rec: storage.DownloadRecord{}, downloaded: 25, total: 100, wantBytes: 25, wantTotal: 100, wantPct: 25},
		{name: "truncated percent", rec: storage.DownloadRecord{TotalBytes: 3}, downloaded: 2, total: 3, wantBytes: 2, wantTotal: 3, wantPct: 66},
		{name: "restart keeps high water mark", rec: storage.DownloadRecord{DownloadedBytes: 40, TotalBytes: 100, ProgressPercent: 40}, downloaded: 0, total: 100, wantBytes: 40, wantTotal: 100, wantPct: 40},
		{name: "unknown total keeps percent", rec: storage.DownloadRecord{DownloadedBytes: 10, ProgressPercent: 0}, downloaded: 50, total: 0, wantBytes: 50, wantTotal: 0, wantPct: 0},
		{name: "never above total", rec: storage.DownloadRecord{TotalBytes: 10}, downloaded: 15, total: 10, wantBytes: 10, wantTotal: 10, wantPct: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := withBytes(tt.rec, tt.downloaded, tt.total)
			assert.Equal(t, tt.wantBytes, got.DownloadedBytes)
			assert.Equal(t, tt.wantTotal, got.TotalBytes)
			assert.Equal(t, tt.wantPct, got.ProgressPercent)
		})
	}
}

func TestEngine_ConcurrentExplicitIDsShareRecord(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/explicit", &testFile{content: randomBytes(t, 1024)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	for i := range 30 {
		name := fmt.Sprintf("explicit-%d.bin", i)

		var (
			wg   sync.WaitGroup
			ids  [2]string
			errs [2]error
		)

		for j, explicit := range []string{"a-" + strconv.Itoa(i), "b-" + strconv.Itoa(i)} {
			wg.Add(1)

			go func() {
				defer wg.Done()

				req := h.request(url, name, "")
				req.ID = explicit
				ids[j], errs[j] = h.engine.Download(ctx, req)
			}()
		}

		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.Equal(t, ids[0], ids[1], "file %s", name)
	}
}

func TestEngine_ExplicitIDForAnotherFileConflicts(t *testing.T) {
	ts := newTestServer(t)
	first := ts.add("/first", &testFile{content: randomBytes(t, 1024)})
	second := ts.add("/second", &testFile{content: randomBytes(t, 1024)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	req := h.request(first, "first.bin", "")
	req.ID = "same"

	id, err := h.engine.Download(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "same", id)
	h.waitStatus(t, id, storage.StatusSuccess)

	other := h.request(second, "second.bin", "")
	other.ID = "same"

	_, err = h.engine.Download(ctx, other)
	require.ErrorIs(t, err, ErrConflict)

	rec, err := h.engine.Get(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, first, rec.URL)
	assert.Equal(t, "first.bin", rec.FileName)
	assert.NotContains(t, ts.requestOrder(), "/second")

	// Re-submitting the original file under its id is still create-or-resume.
	id, err = h.engine.Download(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "same", id)
}

func TestEngine_PauseQueuedAndResumeGoesToTail(t *testing.T) {
	ts := newTestServer(t)
	h := newHarness(t, Options{MaxParallel: 1})
	ctx := context.Background()

	gate := make(chan struct{})
	a := ts.add("/a", &testFile{content: randomBytes(t, 1024), gate: gate})
	b := ts.add("/b", &testFile{content: randomBytes(t, 1024)})
	c := ts.add("/c", &testFile{content: randomBytes(t, 1024)})

	idA, err := h.engine.Download(ctx, h.request(a, "a.bin", ""))
	require.NoError(t, err)
	h.waitStatus(t, idA, storage.StatusStarted)

	idB, err := h.engine.Download(ctx, h.request(b, "b.bin", ""))
	require.NoError(t, err)
	idC, err := h.engine.Download(ctx, h.request(c, "c.bin", ""))
	require.NoError(t, err)

	require.NoError(t, h.engine.Pause(ctx, ByID(idB)))

	rec, err := h.engine.Get(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, rec.Status)

	queued, running := h.engine.sched.Stats()
	assert.Equal(t, 1, queued, "only c stays queued")
	assert.Equal(t, 1, running)

	require.NoError(t, h.engine.Resume(ctx, ByID(idB)))

	rec, err = h.engine.Get(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusQueued, rec.Status)

	close(gate)

	h.waitStatus(t, idA, storage.StatusSuccess)
	h.waitStatus(t, idC, storage.StatusSuccess)
	h.waitStatus(t, idB, storage.StatusSuccess)

	assert.Equal(t, []string{"/a", "/c", "/b"}, ts.requestOrder())
}

func TestEngine_CommandsRejectedUntilStarted(t *testing.T) {
	ts := newTestServer(t)
	url := ts.add("/early", &testFile{content: randomBytes(t, 1024)})

	h := newHarness(t, Options{})
	ctx := context.Background()

	worker := transfer.NewWorker(nil, transfer.DefaultOptions())
	e := New(ctx, h.repo, worker, Options{MaxParallel: 1})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()

		e.Close(ctx)
	})

	_, err := e.Download(ctx, h.request(url, "early.bin", ""))
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, e.Pause(ctx, All()), ErrNotStarted)

	recs, err := h.repo.GetDownloads(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, e.Start(ctx))

	id, err := e.Download(ctx, h.request(url, "early.bin", ""))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestEngine_FailedAfterRestartReportsBytesOnDisk(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(h.dir, 0o755))

	now := time.Now().UTC()
	rec := storage.DownloadRecord{
		ID: "restarted", URL: "http://example.com/restarted", FileName: "restarted.bin", DestinationPath: h.dir,
		Status: storage.StatusProgress, DownloadedBytes: 600, TotalBytes: 1000, ProgressPercent: 60,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.repo.UpsertDownload(ctx, rec))
	require.NoError(t, os.WriteFile(rec.PartialPath(), make([]byte, 100), 0o644))

	w := &worker{rec: rec, cancel: func() {}}
	status := h.engine.finalize(ctx, "restarted", w, transfer.Result{
		Outcome: transfer.Failed, Downloaded: 100, Total: 1000, Restarted: true, Err: assert.AnError,
	})

	assert.Equal(t, storage.StatusFailed, status)

	got, err := h.engine.Get(ctx, "restarted")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, int64(100), got.DownloadedBytes)
	assert.Equal(t, 10, got.ProgressPercent)

	info, err := os.Stat(rec.PartialPath())
	require.NoError(t, err)
	assert.Equal(t, got.DownloadedBytes, info.Size())
}

func TestSettle(t *testing.T) {
	base := storage.DownloadRecord{DownloadedBytes: 600, TotalBytes: 1000, ProgressPercent: 60}

	tests := []struct {
		name      string
		res       transfer.Result
		wantBytes int64
		wantPct   int
	}{
		{name: "resumed attempt keeps high water mark", res: transfer.Result{Downloaded: 400, Total: 1000}, wantBytes: 600, wantPct: 60},
		{name: "resumed attempt moves forward", res: transfer.Result{Downloaded: 800, Total: 1000}, wantBytes: 800, wantPct: 80},
		{name: "restarted attempt reports disk", res: transfer.Result{Downloaded: 100, Total: 1000, Restarted: true}, wantBytes: 100, wantPct: 10},
		{name: "restarted attempt with nothing written", res: transfer.Result{Total: 1000, Restarted: true}, wantBytes: 0, wantPct: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := settle(base, tt.res)
			assert.Equal(t, tt.wantBytes, got.DownloadedBytes)
			assert.Equal(t, int64(1000), got.TotalBytes)
			assert.Equal(t, tt.wantPct, got.ProgressPercent)
		})
	}
}
