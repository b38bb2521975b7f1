// Package broadcast fans published events out to live subscribers. The
// hub deduplicates canonical events by id so a log line re-read from
// the same file is delivered at most once, and it never lets one slow
// subscriber stall delivery to the others.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"

	"sessionsync/internal/event"
	"sessionsync/internal/registry"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope wraps everything delivered to subscribers with its event
// name, the same shape for canonical events and status changes.
type Envelope struct {
	EventType string `json:"eventType"`
	Payload   any    `json:"payload"`

	dedupKey string
}

// EventEnvelope wraps a canonical event. Its dedup key is the event id,
// which is derived from log line content; the id scheme, not this
// layer, decides what counts as the same emission.
func EventEnvelope(ev *event.Event) Envelope {
	return Envelope{EventType: "event", Payload: ev, dedupKey: ev.ID}
}

// SessionEnvelope announces a newly discovered session. Not
// deduplicated; the tailer only announces each tracked file once.
func SessionEnvelope(sess registry.Session) Envelope {
	return Envelope{EventType: "session:new", Payload: sess}
}

// StatusEnvelope wraps a session status transition. Status changes are
// not deduplicated; the registry already suppresses same-status no-ops.
func StatusEnvelope(change registry.StatusChange) Envelope {
	return Envelope{EventType: "session:status", Payload: change}
}

// =============================================================================
// SUBSCRIBER
// =============================================================================

// Subscriber receives envelopes on a buffered channel. When the buffer
// is full the oldest undelivered envelope is dropped to make room, so
// a stalled consumer loses history instead of blocking the hub.
type Subscriber struct {
	ch chan Envelope
}

// Events returns the delivery channel. It is closed on Unsubscribe and
// on hub Close.
func (s *Subscriber) Events() <-chan Envelope {
	return s.ch
}

// =============================================================================
// HUB
// =============================================================================

// DefaultDedupCap bounds the remembered-id set. Old ids are evicted
// FIFO once the cap is reached.
const DefaultDedupCap = 8192

// DefaultSubscriberBuffer is the per-subscriber queue depth.
const DefaultSubscriberBuffer = 256

// Hub is the deduplicated fan-out point. Publish calls are serialized
// by the hub mutex, which preserves per-producer arrival order.
type Hub struct {
	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	seen      map[string]struct{}
	seenOrder []string
	dedupCap  int
	closed    bool
	log       *logrus.Entry
}

// NewHub creates a hub with the given dedup capacity (0 means
// DefaultDedupCap).
func NewHub(dedupCap int) *Hub {
	if dedupCap <= 0 {
		dedupCap = DefaultDedupCap
	}
	return &Hub{
		subs:     make(map[*Subscriber]struct{}),
		seen:     make(map[string]struct{}),
		dedupCap: dedupCap,
		log:      logrus.WithField("component", "broadcast"),
	}
}

// Subscribe registers a new subscriber with the given buffer depth
// (0 means DefaultSubscriberBuffer).
func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscriber{ch: make(chan Envelope, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

// Publish delivers an envelope to every subscriber. A duplicate dedup
// key is silently suppressed and reported as false; that is the normal
// outcome of re-reading already-delivered lines, not an error.
func (h *Hub) Publish(env Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}

	if env.dedupKey != "" {
		if _, dup := h.seen[env.dedupKey]; dup {
			return false
		}
		h.remember(env.dedupKey)
	}

	for sub := range h.subs {
		select {
		case sub.ch <- env:
		default:
			// Full buffer: drop the oldest queued envelope, then retry.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
		}
	}
	return true
}

// remember adds a dedup key, evicting the oldest once at capacity.
// Must be called with the lock held.
func (h *Hub) remember(key string) {
	if len(h.seenOrder) >= h.dedupCap {
		evict := h.seenOrder[0]
		h.seenOrder = h.seenOrder[1:]
		delete(h.seen, evict)
	}
	h.seen[key] = struct{}{}
	h.seenOrder = append(h.seenOrder, key)
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down: all subscriber channels are closed and
// later Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
