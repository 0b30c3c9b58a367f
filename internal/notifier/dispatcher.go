package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/italolelis/download_engine/internal/logctx"
)

// Dispatcher delivers events on a background goroutine so a slow notifier never
// holds up a download. Events are dropped when the buffer is full.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	events   chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher with room for buffer pending events. Each
// delivery is bounded by timeout.
func NewDispatcher(ctx context.Context, n Notifier, buffer int, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		notifier: n,
		timeout:  timeout,
		events:   make(chan Event, max(buffer, 1)),
	}

	d.wg.Add(1)

	go d.loop(context.WithoutCancel(ctx))

	return d
}

// Notify enqueues the event. It never blocks.
func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil
	}

	select {
	case d.events <- event:
	default:
		logctx.LoggerFromContext(ctx).Warn("notification dropped, queue full",
			"download_id", event.ID, "status", event.Status)
	}

	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true
	close(d.events)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	for event := range d.events {
		nctx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := d.notifier.Notify(nctx, event); err != nil {
			logger.Error("failed to send notification", "download_id", event.ID, "status", event.Status, "err", err)
		}
		cancel()
	}
}
