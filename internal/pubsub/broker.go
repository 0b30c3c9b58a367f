// Package pubsub fans download snapshots out to observers without ever blocking
// the publisher. Each subscription keeps only the newest pending snapshot per id.
package pubsub

import (
	"sync"

	"github.com/italolelis/download_engine/internal/storage"
)

// Filter selects the snapshots a subscription receives.
type Filter func(storage.DownloadRecord) bool

// Broker distributes snapshots to subscriptions.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscription. On a closed broker the returned
// subscription is already closed.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	s := newSubscription(b, filter)
	go s.deliver()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.shutdown()

		return s
	}

	b.subs[s] = struct{}{}

	return s
}

// Publish offers rec to every matching subscription.
func (b *Broker) Publish(rec storage.DownloadRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		s.Offer(rec)
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Close ends every subscription and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is a stream of snapshots. Per id, snapshots arrive in increasing
// UpdatedAt order; intermediate ones may be skipped when the reader is slow.
type Subscription struct {
	broker *Broker
	filter Filter
	out    chan storage.DownloadRecord

	mu       sync.Mutex
	pending  map[string]storage.DownloadRecord
	order    []string
	lastSent map[string]int64
	notify   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newSubscription(b *Broker, filter Filter) *Subscription {
	return &Subscription{
		broker:   b,
		filter:   filter,
		out:      make(chan storage.DownloadRecord),
		pending:  make(map[string]storage.DownloadRecord),
		lastSent: make(map[string]int64),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// C returns the channel snapshots are delivered on. It is closed when the
// subscription ends.
func (s *Subscription) C() <-chan storage.DownloadRecord {
	return s.out
}

// Done is closed once the subscription has been shut down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.remove(s)
	s.shutdown()
}

// Offer queues rec unless it is filtered out or older than what the subscriber
// already has for the same id. It never blocks.
func (s *Subscription) Offer(rec storage.DownloadRecord) {
	if s.filter != nil && !s.filter(rec) {
		return
	}

	ts := rec.UpdatedAt.UnixNano()

	s.mu.Lock()

	if last, ok := s.lastSent[rec.ID]; ok && ts <= last {
		s.mu.Unlock()

		return
	}

	if prev, ok := s.pending[rec.ID]; ok {
		if prev.UpdatedAt.UnixNano() >= ts {
			s.mu.Unlock()

			return
		}
	} else {
		s.order = append(s.order, rec.ID)
	}

	s.pending[rec.ID] = rec
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (storage.DownloadRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return storage.DownloadRecord{}, false
	}

	id := s.order[0]
	s.order = s.order[1:]
	rec := s.pending[id]
	delete(s.pending, id)

	// Removal snapshots keep their watermark too: a record re-created under the
	// same id is stamped after its removal.
	s.lastSent[id] = rec.UpdatedAt.UnixNano()

	return rec, true
}

func (s *Subscription) deliver() {
	defer close(s.out)

	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}

		for {
			rec, ok := s.pop()
			if !ok {
				break
			}

			select {
			case s.out <- rec:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.done)
	})
}
