package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/storage"
)

// Event is a status change worth telling someone about.
type Event struct {
	ID       string
	Tag      string
	FileName string
	Status   storage.Status
	Progress int
	Error    string
}

// EventFromRecord builds the event for a record snapshot.
func EventFromRecord(rec storage.DownloadRecord) Event {
	return Event{
		ID:       rec.ID,
		Tag:      rec.Tag,
		FileName: rec.FileName,
		Status:   rec.Status,
		Progress: rec.ProgressPercent,
		Error:    rec.LastError,
	}
}

// Message renders the event as a single human readable line.
func (e Event) Message() string {
	switch e.Status {
	case storage.StatusSuccess:
		return fmt.Sprintf("Download finished: %s (tag %s)", e.FileName, e.Tag)
	case storage.StatusFailed:
		return fmt.Sprintf("Download failed: %s (tag %s) at %d%%: %s", e.FileName, e.Tag, e.Progress, e.Error)
	case storage.StatusPaused:
		return fmt.Sprintf("Download paused: %s (tag %s) at %d%%", e.FileName, e.Tag, e.Progress)
	default:
		return fmt.Sprintf("Download %s: %s (tag %s)", e.Status, e.FileName, e.Tag)
	}
}

// Notifier delivers events to the user.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelDebug
	if event.Status.IsTerminal() {
		level = slog.LevelInfo
	}

	logctx.LoggerFromContext(ctx).Log(ctx, level, "download status changed",
		"download_id", event.ID,
		"tag", event.Tag,
		"status", event.Status,
		"progress", event.Progress)

	return nil
}

// Multi fans an event out to several notifiers and reports the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var firstErr error

	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
