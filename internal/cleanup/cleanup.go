package cleanup

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_engine/internal/engine"
	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/storage"
)

// Store is the subset of the engine the pruner needs.
type Store interface {
	List(ctx context.Context, sel engine.Selector) ([]storage.DownloadRecord, error)
	Clear(ctx context.Context, sel engine.Selector) error
}

// PruneCompleted clears SUCCESS records finished more than keep ago. The downloaded
// files stay on disk; only the bookkeeping goes. It returns how many records were cleared.
func PruneCompleted(ctx context.Context, store Store, keep time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := store.List(ctx, engine.All())
	if err != nil {
		return 0, err
	}

	pruned := 0

	for _, rec := range records {
		if rec.Status != storage.StatusSuccess || now.Sub(rec.UpdatedAt) <= keep {
			continue
		}

		if err := store.Clear(ctx, engine.ByID(rec.ID)); err != nil {
			logger.Error("failed to clear completed download", "download_id", rec.ID, "err", err)

			return pruned, err
		}

		pruned++

		logger.Info("cleared completed download",
			"download_id", rec.ID,
			"file", rec.FilePath(),
			"completed", humanize.RelTime(rec.UpdatedAt, now, "ago", "from now"))
	}

	return pruned, nil
}

// Run prunes on every tick of interval until ctx is done.
func Run(ctx context.Context, store Store, keep, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case now := <-ticker.C:
			if _, err := PruneCompleted(ctx, store, keep, now); err != nil {
				logger.Error("failed to prune completed downloads", "err", err)
			}
		}
	}
}
