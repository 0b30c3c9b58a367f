package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("download record not found")
	// ErrStoreUnavailable wraps every failure of the persistence layer.
	ErrStoreUnavailable = errors.New("download store unavailable")
	// ErrDuplicateDestination is returned when another record already owns the (url, destination) pair.
	ErrDuplicateDestination = errors.New("download destination already tracked")
)

// Unavailable wraps a driver error so callers can match it with errors.Is(err, ErrStoreUnavailable).
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Status is the lifecycle state of a download record.
type Status string

const (
	StatusDefault   Status = "DEFAULT"
	StatusQueued    Status = "QUEUED"
	StatusStarted   Status = "STARTED"
	StatusProgress  Status = "PROGRESS"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
	StatusSuccess   Status = "SUCCESS"
)

// IsTerminal reports whether no automatic transition follows this status.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusFailed || s == StatusSuccess
}

// IsActive reports whether a worker is expected to be running for the record.
func (s Status) IsActive() bool {
	return s == StatusStarted || s == StatusProgress
}

// DownloadRecord is the persisted state of one download.
type DownloadRecord struct {
	ID              string            `json:"id"`
	Tag             string            `json:"tag"`
	URL             string            `json:"url"`
	FileName        string            `json:"file_name"`
	DestinationPath string            `json:"destination_path"`
	Headers         map[string]string `json:"headers,omitempty"`
	Status          Status            `json:"status"`
	ProgressPercent int               `json:"progress"`
	DownloadedBytes int64             `json:"downloaded_bytes"`
	TotalBytes      int64             `json:"total_bytes"`
	LastError       string            `json:"last_error,omitempty"`
	RetryCount      int               `json:"retry_count"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// FilePath is the final location of the downloaded file.
func (r DownloadRecord) FilePath() string {
	return filepath.Join(r.DestinationPath, r.FileName)
}

// PartialPath is where bytes are written until the transfer completes.
func (r DownloadRecord) PartialPath() string {
	return r.FilePath() + ".part"
}

// Percent computes the progress percentage from byte counts. Unknown totals yield 0.
func Percent(downloaded, total int64) int {
	if total <= 0 || downloaded <= 0 {
		return 0
	}

	if downloaded >= total {
		return 100
	}

	return int(downloaded * 100 / total)
}

// DownloadReadRepository exposes the queries the engine needs.
type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id string) (DownloadRecord, error)
	FindByDestination(ctx context.Context, url, destination string) (DownloadRecord, error)
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
	GetDownloadsByTag(ctx context.Context, tag string) ([]DownloadRecord, error)
	GetDownloadsByStatus(ctx context.Context, statuses ...Status) ([]DownloadRecord, error)
}

// DownloadWriteRepository mutates download records.
type DownloadWriteRepository interface {
	UpsertDownload(ctx context.Context, record DownloadRecord) error
	DeleteDownload(ctx context.Context, id string) error
	// PauseInterrupted moves records left STARTED/PROGRESS by a previous process to PAUSED.
	PauseInterrupted(ctx context.Context) (int64, error)
}

// DownloadRepository is the full persistent store contract.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
