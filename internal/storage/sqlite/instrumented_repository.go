package sqlite

import (
	"context"

	"github.com/italolelis/download_engine/internal/storage"
	"github.com/italolelis/download_engine/internal/telemetry"
	"github.com/jmoiron/sqlx"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(db *sqlx.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) UpsertDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_download", func(ctx context.Context) error {
		return r.repo.UpsertDownload(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) PauseInterrupted(ctx context.Context) (int64, error) {
	var affected int64

	err := r.telemetry.InstrumentDBOperation(ctx, "pause_interrupted", func(ctx context.Context) error {
		var err error
		affected, err = r.repo.PauseInterrupted(ctx)

		return err
	})

	return affected, err
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) FindByDestination(ctx context.Context, url, destination string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "find_by_destination", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindByDestination(ctx, url, destination)

		return err
	})

	return result, err
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetDownloadsByTag(ctx context.Context, tag string) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads_by_tag", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloadsByTag(ctx, tag)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetDownloadsByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads_by_status", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloadsByStatus(ctx, statuses...)

		return err
	})

	return result, err
}
