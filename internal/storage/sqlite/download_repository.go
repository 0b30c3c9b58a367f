package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/italolelis/download_engine/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// ErrDuplicateDestination is returned when another record already owns the (url, destination) pair.
var ErrDuplicateDestination = storage.ErrDuplicateDestination

var columns = []string{
	"id", "tag", "url", "file_name", "destination_path", "destination", "headers", "status",
	"progress", "downloaded_bytes", "total_bytes", "last_error", "retry_count", "created_at", "updated_at",
}

type downloadRow struct {
	ID              string `db:"id"`
	Tag             string `db:"tag"`
	URL             string `db:"url"`
	FileName        string `db:"file_name"`
	DestinationPath string `db:"destination_path"`
	Destination     string `db:"destination"`
	Headers         string `db:"headers"`
	Status          string `db:"status"`
	Progress        int    `db:"progress"`
	DownloadedBytes int64  `db:"downloaded_bytes"`
	TotalBytes      int64  `db:"total_bytes"`
	LastError       string `db:"last_error"`
	RetryCount      int    `db:"retry_count"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (row downloadRow) record() (storage.DownloadRecord, error) {
	rec := storage.DownloadRecord{
		ID:              row.ID,
		Tag:             row.Tag,
		URL:             row.URL,
		FileName:        row.FileName,
		DestinationPath: row.DestinationPath,
		Status:          storage.Status(row.Status),
		ProgressPercent: row.Progress,
		DownloadedBytes: row.DownloadedBytes,
		TotalBytes:      row.TotalBytes,
		LastError:       row.LastError,
		RetryCount:      row.RetryCount,
		CreatedAt:       time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:       time.Unix(0, row.UpdatedAt).UTC(),
	}

	if row.Headers != "" && row.Headers != "{}" {
		if err := json.Unmarshal([]byte(row.Headers), &rec.Headers); err != nil {
			return storage.DownloadRecord{}, fmt.Errorf("failed to decode headers for %s: %w", row.ID, err)
		}
	}

	return rec, nil
}

// DownloadRepository stores download records in SQLite.
type DownloadRepository struct {
	db *sqlx.DB
}

func NewDownloadRepository(db *sqlx.DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

// UpsertDownload inserts the record or replaces every mutable column of an existing one.
func (r *DownloadRepository) UpsertDownload(ctx context.Context, rec storage.DownloadRecord) error {
	headers := []byte("{}")

	if len(rec.Headers) > 0 {
		var err error

		headers, err = json.Marshal(rec.Headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
	}

	query, args, err := sq.Insert("downloads").
		Columns(columns...).
		Values(
			rec.ID, rec.Tag, rec.URL, rec.FileName, rec.DestinationPath, rec.FilePath(), string(headers),
			string(rec.Status), rec.ProgressPercent, rec.DownloadedBytes, rec.TotalBytes, rec.LastError,
			rec.RetryCount, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			tag = excluded.tag,
			headers = excluded.headers,
			status = excluded.status,
			progress = excluded.progress,
			downloaded_bytes = excluded.downloaded_bytes,
			total_bytes = excluded.total_bytes,
			last_error = excluded.last_error,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("upsert %s: %w", rec.ID, ErrDuplicateDestination)
		}

		return storage.Unavailable("upsert download", err)
	}

	return nil
}

// DeleteDownload removes the record. Deleting an unknown id is not an error.
func (r *DownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	query, args, err := sq.Delete("downloads").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return storage.Unavailable("delete download", err)
	}

	return nil
}

// PauseInterrupted reclassifies records a previous process left running.
func (r *DownloadRepository) PauseInterrupted(ctx context.Context) (int64, error) {
	query, args, err := sq.Update("downloads").
		Set("status", string(storage.StatusPaused)).
		Set("updated_at", time.Now().UnixNano()).
		Where(sq.Eq{"status": []string{string(storage.StatusStarted), string(storage.StatusProgress)}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build reconcile: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storage.Unavailable("pause interrupted downloads", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Unavailable("pause interrupted downloads", err)
	}

	return affected, nil
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (storage.DownloadRecord, error) {
	return r.getOne(ctx, "get download", sq.Eq{"id": id})
}

// FindByDestination returns the record tracking url into destination (the final file path).
func (r *DownloadRepository) FindByDestination(ctx context.Context, url, destination string) (storage.DownloadRecord, error) {
	return r.getOne(ctx, "find download", sq.Eq{"url": url, "destination": destination})
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	return r.getMany(ctx, "get downloads", nil)
}

func (r *DownloadRepository) GetDownloadsByTag(ctx context.Context, tag string) ([]storage.DownloadRecord, error) {
	return r.getMany(ctx, "get downloads by tag", sq.Eq{"tag": tag})
}

// GetDownloadsByStatus returns matching records in the order they last changed.
func (r *DownloadRepository) GetDownloadsByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}

	return r.getMany(ctx, "get downloads by status", sq.Eq{"status": values})
}

func (r *DownloadRepository) getOne(ctx context.Context, op string, where sq.Eq) (storage.DownloadRecord, error) {
	query, args, err := sq.Select(columns...).From("downloads").Where(where).Limit(1).ToSql()
	if err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("failed to build %s: %w", op, err)
	}

	var row downloadRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.DownloadRecord{}, storage.ErrNotFound
		}

		return storage.DownloadRecord{}, storage.Unavailable(op, err)
	}

	return row.record()
}

func (r *DownloadRepository) getMany(ctx context.Context, op string, where sq.Sqlizer) ([]storage.DownloadRecord, error) {
	builder := sq.Select(columns...).From("downloads").OrderBy("updated_at ASC", "created_at ASC")
	if where != nil {
		builder = builder.Where(where)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", op, err)
	}

	var rows []downloadRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storage.Unavailable(op, err)
	}

	records := make([]storage.DownloadRecord, 0, len(rows))

	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}
