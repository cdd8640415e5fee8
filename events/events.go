// Package events implements the inspector's live event plane: a process-wide
// bus that assigns strictly increasing identifiers to lifecycle events,
// retains a bounded replay ring, and fans out to any number of subscribers
// with per-subscriber bounded queues. Slow subscribers are dropped rather
// than allowed to stall publishers; dropped clients reconnect and replay from
// their last received identifier.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	// RingCapacity is the number of recent events retained for replay.
	RingCapacity = 1000
	// QueueCapacity bounds each subscriber's outbound queue. A subscriber
	// whose queue is full when an event arrives is dropped.
	QueueCapacity = 256
)

// Event types.
const (
	TypeConnected        = "Connected"
	TypeSessionStarted   = "SessionStarted"
	TypeSessionPaused    = "SessionPaused"
	TypeSessionResumed   = "SessionResumed"
	TypeSessionFinished  = "SessionFinished"
	TypeWaitingOnSignal  = "WaitingOnSignal"
	TypeHeartbeat        = "Heartbeat"
	TypeProgress         = "Progress"
	TypeDiskSpaceLow     = "DiskSpaceLow"
	TypeExporterDisabled = "ExporterDisabled"
)

type (
	// Event is one lifecycle notification. Type discriminates the variant;
	// the remaining fields are populated per variant and omitted from the
	// wire form when empty.
	Event struct {
		ID        uint64 `json:"event_id"`
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`

		SessionID  string          `json:"session_id,omitempty"`
		Engine     string          `json:"engine,omitempty"`
		Title      string          `json:"title,omitempty"`
		Status     string          `json:"status,omitempty"`
		Error      string          `json:"error,omitempty"`
		SignalName string          `json:"signal_name,omitempty"`
		Prompt     string          `json:"prompt,omitempty"`
		Schema     json.RawMessage `json:"schema,omitempty"`
		Payload    any             `json:"payload,omitempty"`
		DurationMS int64           `json:"duration_ms,omitempty"`
		Metadata   map[string]any  `json:"metadata,omitempty"`

		LLMCallsDelta    int64 `json:"llm_calls_delta,omitempty"`
		TokensDelta      int64 `json:"tokens_delta,omitempty"`
		ToolCallsDelta   int64 `json:"tool_calls_delta,omitempty"`
		CurrentSpanCount int64 `json:"current_span_count,omitempty"`

		OperationID string  `json:"operation_id,omitempty"`
		Percent     float64 `json:"percent,omitempty"`
		Message     string  `json:"message,omitempty"`
	}

	// Bus assigns event ids, retains the replay ring and fans out to
	// subscribers. The zero value is not usable, call NewBus.
	Bus struct {
		mu     sync.Mutex
		nextID uint64
		ring   []Event
		subs   map[*Subscriber]struct{}
	}

	// Subscriber is one live consumer of the bus. Events arrive on the
	// channel returned by Events; the channel is closed when the subscriber
	// falls behind or Close is called.
	Subscriber struct {
		bus    *Bus
		ch     chan Event
		once   sync.Once
		lastID uint64
	}
)

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Publish assigns the next identifier and timestamp to ev, appends it to the
// replay ring and enqueues it to every subscriber. Subscribers whose queue is
// full are dropped: their channel is closed and the client is expected to
// reconnect with its last received id. Publish returns the assigned id.
func (b *Bus) Publish(ev Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ev.ID = b.nextID
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if len(b.ring) == RingCapacity {
		b.ring = append(b.ring[:0], b.ring[1:]...)
	}
	b.ring = append(b.ring, ev)

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return ev.ID
}

// Subscribe registers a new subscriber and returns the ring events newer than
// lastID for replay. The replay snapshot and the registration happen under
// one lock acquisition, so an event is either in the replay slice or will be
// delivered live, never both and never neither. Pass lastID 0 for live-only.
func (b *Bus) Subscribe(lastID uint64) ([]Event, *Subscriber) {
	sub := &Subscriber{bus: b, ch: make(chan Event, QueueCapacity), lastID: lastID}

	b.mu.Lock()
	defer b.mu.Unlock()
	var replay []Event
	if lastID > 0 {
		for _, ev := range b.ring {
			if ev.ID > lastID {
				replay = append(replay, ev)
			}
		}
	}
	b.subs[sub] = struct{}{}
	return replay, sub
}

// LastID returns the id of the most recently published event.
func (b *Bus) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscriber is dropped or closed; a closed channel with no pending
// events means the client should reconnect.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Close removes the subscriber from the bus. It is idempotent and safe to
// call concurrently with Publish.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.ch)
		}
		s.bus.mu.Unlock()
	})
}
