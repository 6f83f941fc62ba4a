package http

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/notify"
)

// eventBuffer is the per-subscriber channel depth. A stalled consumer loses
// events instead of blocking publishers.
const eventBuffer = 32

// Event types pushed to WebSocket consumers.
const (
	EventIncomingCall = "incoming_call"
	EventCallCleared  = "call_cleared"
	EventQuality      = "quality"
	EventCounts       = "counts"
)

// Event is an outbound message on the event stream. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type    string          `json:"type"`
	Call    *CallPayload    `json:"call,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Quality *QualityPayload `json:"quality,omitempty"`
	Counts  *notify.Counts  `json:"counts,omitempty"`
}

// Broadcaster fans events out to all connected WebSocket clients.
type Broadcaster struct {
	log *zerolog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *zerolog.Logger) *Broadcaster {
	return &Broadcaster{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The returned cancel func is idempotent
// and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, eventBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Str("event_type", ev.Type).Msg("event buffer full, dropping event")
		}
	}
}

// Close closes all subscriber channels. Further Subscribe calls yield an
// already-closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
