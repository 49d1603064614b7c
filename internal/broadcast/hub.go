// Package broadcast fans pipeline events out to connected subscribers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Event names pushed to subscribers.
const (
	EventConnected   = "connected"
	EventNewFiling   = "new_filing"
	EventStatsUpdate = "stats_update"
)

// Event is one named payload delivered to every subscriber.
type Event struct {
	Name string
	Data any
}

// Subscriber owns an independent outbound queue. It is created on
// connect and dropped on disconnect; no history is replayed.
type Subscriber struct {
	ch chan Event
}

// C exposes the subscriber's receive channel.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Hub delivers events to all registered subscribers best-effort. A
// slow subscriber drops events instead of delaying the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
	logger zerolog.Logger

	dropped atomic.Uint64
}

// NewHub constructs a Hub. buffer sizes each subscriber queue.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

// Subscribe registers a new channel and primes it with a connected
// event so clients can confirm the stream is live.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	// The fresh queue is empty, so the priming send cannot block.
	sub.ch <- Event{Name: EventConnected, Data: map[string]string{"status": "ok"}}

	h.logger.Debug().Int("subscribers", count).Msg("subscriber registered")
	return sub
}

// Unsubscribe removes the channel from the fan-out set and closes it.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.logger.Debug().Int("subscribers", count).Msg("subscriber removed")
	}
}

// Publish enqueues the event to every subscriber without blocking.
// Queues that are full lose the event; delivery is best effort.
func (h *Hub) Publish(name string, data any) {
	event := Event{Name: name, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Warn().Str("event", name).Msg("subscriber queue full, event dropped")
		}
	}
}

// Dropped returns the number of events lost to full queues.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Count returns the number of active subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
