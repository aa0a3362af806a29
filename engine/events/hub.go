// Package events fans out pipeline lifecycle events (spec §4.6) to
// per-work subscribers — typically one SSE/WebSocket connection per
// browser tab watching a work's progress.
package events

import (
	"sync"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

// bufferSize bounds each subscriber's channel; a slow consumer drops its
// oldest buffered event rather than blocking the publisher (spec §4.6:
// event delivery to subscribers is best-effort, never blocks the pipeline).
const bufferSize = 64

// Hub fans out domain.Event values to per-work subscriber channels. The
// zero value is not usable; construct with New. Safe for concurrent use,
// grounded on the same sync.Mutex-guarded-map-of-state shape
// pkg/resilience.Breaker uses for its own concurrent state.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan domain.Event
	next int
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[string]map[int]chan domain.Event)}
}

// Subscribe registers a new subscriber for a work's events. The returned
// cancel func must be called when the subscriber disconnects.
func (h *Hub) Subscribe(workID string) (<-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[workID] == nil {
		h.subs[workID] = make(map[int]chan domain.Event)
	}
	id := h.next
	h.next++
	ch := make(chan domain.Event, bufferSize)
	h.subs[workID][id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if byID, ok := h.subs[workID]; ok {
			if c, ok := byID[id]; ok {
				delete(byID, id)
				close(c)
			}
			if len(byID) == 0 {
				delete(h.subs, workID)
			}
		}
	}
}

// Publish delivers ev to every subscriber of ev.WorkID. Full subscriber
// buffers drop the oldest queued event to make room, so a stalled
// consumer never blocks or slows the publishing side.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[ev.WorkID] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount reports how many live subscribers a work currently has
// (used by the API layer for diagnostics, and by tests).
func (h *Hub) SubscriberCount(workID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workID])
}
