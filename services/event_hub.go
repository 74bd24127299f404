package services

import (
	"sync"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/metrics"
)

const maxRecentEvents = 200

// EventHub keeps a bounded buffer of recent deal events and fans new ones out to
// subscribers. Slow subscribers miss events rather than blocking publishers.
type EventHub struct {
	clock   clock.Clock
	metrics *metrics.Metrics

	eventsMu sync.Mutex
	events   []deal.Event // newest first
	seq      int64

	listenersMu sync.Mutex
	listeners   []*listener
}

type listener struct {
	dealID string
	ch     chan deal.Event
}

func NewEventHub(clk clock.Clock, m *metrics.Metrics) *EventHub {
	return &EventHub{clock: clk, metrics: m}
}

// Publish numbers evt, records it and broadcasts it.
func (h *EventHub) Publish(evt deal.Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = h.clock.Now()
	}
	h.eventsMu.Lock()
	h.seq++
	evt.Seq = h.seq
	h.events = append([]deal.Event{evt}, h.events...)
	if len(h.events) > maxRecentEvents {
		h.events = h.events[:maxRecentEvents]
	}
	h.eventsMu.Unlock()
	h.broadcast(evt)
}

// Recent returns buffered events for dealID, oldest first. An empty dealID matches all.
func (h *EventHub) Recent(dealID string) []deal.Event {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	out := make([]deal.Event, 0)
	for i := len(h.events) - 1; i >= 0; i-- {
		if dealID == "" || h.events[i].DealID == dealID {
			out = append(out, h.events[i])
		}
	}
	return out
}

// Subscribe registers a listener for dealID. The returned cancel func must be called
// once the caller stops reading; it closes the channel.
func (h *EventHub) Subscribe(dealID string) (<-chan deal.Event, func()) {
	l := &listener{dealID: dealID, ch: make(chan deal.Event, 10)}
	h.listenersMu.Lock()
	h.listeners = append(h.listeners, l)
	h.listenersMu.Unlock()
	if h.metrics != nil {
		h.metrics.EventSubscribers.Inc()
	}
	var once sync.Once
	return l.ch, func() { once.Do(func() { h.removeListener(l) }) }
}

func (h *EventHub) broadcast(evt deal.Event) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	for _, l := range h.listeners {
		if l.dealID != "" && l.dealID != evt.DealID {
			continue
		}
		select {
		case l.ch <- evt:
		default:
			// drop if slow consumer
		}
	}
}

func (h *EventHub) removeListener(target *listener) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	for i, l := range h.listeners {
		if l == target {
			close(l.ch)
			h.listeners = append(h.listeners[:i], h.listeners[i+1:]...)
			if h.metrics != nil {
				h.metrics.EventSubscribers.Dec()
			}
			break
		}
	}
}
