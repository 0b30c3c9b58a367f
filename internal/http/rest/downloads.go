package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_engine/internal/engine"
	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/pubsub"
	"github.com/italolelis/download_engine/internal/storage"
)

// Engine is the part of the download engine exposed over HTTP.
type Engine interface {
	Download(ctx context.Context, req engine.Request) (string, error)
	Get(ctx context.Context, id string) (storage.DownloadRecord, error)
	List(ctx context.Context, sel engine.Selector) ([]storage.DownloadRecord, error)
	Pause(ctx context.Context, sel engine.Selector) error
	Resume(ctx context.Context, sel engine.Selector) error
	Retry(ctx context.Context, sel engine.Selector) error
	Cancel(ctx context.Context, sel engine.Selector) error
	Clear(ctx context.Context, sel engine.Selector) error
	Observe(ctx context.Context, sel engine.Selector) (*pubsub.Subscription, error)
}

// DownloadRequest is the body of POST /downloads.
type DownloadRequest struct {
	ID       string            `json:"id,omitempty"`
	URL      string            `json:"url"`
	FileName string            `json:"file_name"`
	Path     string            `json:"path,omitempty"`
	Tag      string            `json:"tag,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type DownloadResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	engine    Engine
	targetDir string
	username  string
	password  string
}

// NewDownloadsHandler creates the command and observation API. Destination paths
// in requests are resolved under targetDir. Basic auth is enforced when username is set.
func NewDownloadsHandler(e Engine, targetDir, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		engine:    e,
		targetDir: targetDir,
		username:  username,
		password:  password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleClearID)
		r.Post("/{id}/{action}", h.HandleActionID)
	})

	r.Route("/tags/{tag}", func(r chi.Router) {
		r.Delete("/", h.HandleClearTag)
		r.Post("/{action}", h.HandleActionTag)
	})

	r.Get("/events", h.HandleEvents)

	return r
}

// HandleCreate submits a download and answers with its id.
func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	dest, err := h.destination(req.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})

		return
	}

	id, err := h.engine.Download(r.Context(), engine.Request{
		ID:              req.ID,
		URL:             req.URL,
		FileName:        req.FileName,
		DestinationPath: dest,
		Tag:             req.Tag,
		Headers:         req.Headers,
	})
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, DownloadResponse{ID: id})
}

// HandleList lists every record, or those of ?tag= when given.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	sel := engine.All()
	if tag := r.URL.Query().Get("tag"); tag != "" {
		sel = engine.ByTag(tag)
	}

	records, err := h.engine.List(r.Context(), sel)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *DownloadsHandler) HandleActionID(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, engine.ByID(chi.URLParam(r, "id")))
}

func (h *DownloadsHandler) HandleActionTag(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, engine.ByTag(chi.URLParam(r, "tag")))
}

func (h *DownloadsHandler) HandleClearID(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.engine.Clear, engine.ByID(chi.URLParam(r, "id")))
}

func (h *DownloadsHandler) HandleClearTag(w http.ResponseWriter, r *http.Request) {
	h.handleCommand(w, r, h.engine.Clear, engine.ByTag(chi.URLParam(r, "tag")))
}

// HandleEvents streams snapshots as server-sent events until the client goes away.
// ?id= or ?tag= narrow the stream.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})

		return
	}

	sel := engine.All()

	switch q := r.URL.Query(); {
	case q.Get("id") != "":
		sel = engine.ByID(q.Get("id"))
	case q.Get("tag") != "":
		sel = engine.ByTag(q.Get("tag"))
	}

	sub, err := h.engine.Observe(r.Context(), sel)
	if err != nil {
		h.writeError(w, r, err)

		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for rec := range sub.C() {
		data, err := json.Marshal(rec)
		if err != nil {
			logger.Error("failed to marshal snapshot", "err", err)

			continue
		}

		if _, err := fmt.Fprintf(w, "event: download\nid: %s\ndata: %s\n\n", rec.ID, data); err != nil {
			return
		}

		flusher.Flush()
	}
}

type commandFunc func(ctx context.Context, sel engine.Selector) error

func (h *DownloadsHandler) handleAction(w http.ResponseWriter, r *http.Request, sel engine.Selector) {
	var fn commandFunc

	switch chi.URLParam(r, "action") {
	case "pause":
		fn = h.engine.Pause
	case "resume":
		fn = h.engine.Resume
	case "retry":
		fn = h.engine.Retry
	case "cancel":
		fn = h.engine.Cancel
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown action " + chi.URLParam(r, "action")})

		return
	}

	h.handleCommand(w, r, fn, sel)
}

func (h *DownloadsHandler) handleCommand(w http.ResponseWriter, r *http.Request, fn commandFunc, sel engine.Selector) {
	if err := fn(r.Context(), sel); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// destination resolves a request path under the target directory.
func (h *DownloadsHandler) destination(path string) (string, error) {
	if path == "" {
		return h.targetDir, nil
	}

	if filepath.IsAbs(path) {
		return "", errors.New("path must be relative to the download directory")
	}

	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes the download directory")
	}

	return filepath.Join(h.targetDir, clean), nil
}

func (h *DownloadsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRetryLimit), errors.Is(err, engine.ErrConflict), errors.Is(err, storage.ErrDuplicateDestination):
		return http.StatusConflict
	case errors.Is(err, engine.ErrStoreUnavailable), errors.Is(err, engine.ErrClosed), errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
