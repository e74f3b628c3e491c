package toolrpc

import (
	"sync"
	"time"
)

// Event is one entry on the in-process event feed: tool call lifecycle and
// batch progress, consumed by the HTTP binding's SSE stream.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	Time      time.Time `json:"time"`
}

// EventFeed fans events out to subscribers. A slow subscriber drops events
// rather than blocking publishers.
type EventFeed struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewEventFeed creates an empty feed.
func NewEventFeed() *EventFeed {
	return &EventFeed{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a cancel function that must be
// called when the subscriber is done.
func (f *EventFeed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has buffer room.
func (f *EventFeed) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
