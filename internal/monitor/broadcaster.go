package monitor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smsblast/internal/models"
)

// EventType identifies the kind of a push event.
type EventType string

const (
	EventProgress     EventType = "progress"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
	EventServerStatus EventType = "server_status"
)

// Event is the push-channel message shape. Push delivery is at-most-once;
// the poll endpoint is the ground truth.
type Event struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaignId,omitempty"`
	Data       any       `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
}

// Progress is the Data payload of progress events.
type Progress struct {
	Counters    models.Counters `json:"counters"`
	EstimatedBy *time.Time      `json:"estimated_by,omitempty"`
}

// ServerStatus is the Data payload of server_status events.
type ServerStatus struct {
	ServerID string  `json:"server_id"`
	Type     string  `json:"type"`
	Healthy  bool    `json:"healthy"`
	Score    float64 `json:"performance_score"`
}

// Sink receives every published event; used to mirror the in-process
// stream to an external channel (MQTT).
type Sink interface {
	Emit(topic string, ev Event)
}

// Subscription is a handle on one subscriber's event stream. Events are
// delivered on C; a subscriber that stops draining loses events rather
// than blocking publishers.
type Subscription struct {
	C     <-chan Event
	topic string
	ch    chan Event
	b     *Broadcaster

	mu     sync.Mutex // guards closed and the send into ch
	closed bool
}

// Close detaches the subscription. C is closed afterwards. Safe to call
// more than once and concurrently with Publish.
func (s *Subscription) Close() {
	s.b.unsubscribe(s)

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// deliver offers ev without blocking. It reports whether the event was
// dropped because the buffer is full; delivering to a closed subscription
// is a no-op, never a send on a closed channel.
func (s *Subscription) deliver(ev Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return false
	default:
		return true
	}
}

// Broadcaster publishes progress and status events to subscribers.
// Publishing never blocks the sending pipeline.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	sinks  []Sink
	buffer int
	logger *slog.Logger

	dropped atomic.Uint64 // events not delivered to a slow subscriber
}

// SystemTopic carries events not scoped to one campaign (server health).
const SystemTopic = "system"

// NewBroadcaster creates a broadcaster. buffer is each subscriber's
// channel capacity.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		topics: make(map[string][]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// AddSink registers an external event sink.
func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a stream of the topic's events.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, topic: topic, ch: ch, b: b}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to all active subscribers of the topic,
// fire-and-forget. Within one topic, events arrive in publish order; slow
// subscribers are dropped rather than applying backpressure.
func (b *Broadcaster) Publish(topic string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.topics[topic]
	sinks := b.sinks
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.deliver(ev) {
			b.dropped.Add(1)
			b.logger.Debug("dropping event for slow subscriber", "topic", topic, "type", ev.Type)
		}
	}
	for _, s := range sinks {
		s.Emit(topic, ev)
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
	b.mu.Unlock()
}
