package monitor

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(8, testLogger())

	sub := b.Subscribe("camp-1")
	defer sub.Close()

	b.Publish("camp-1", Event{Type: EventProgress, CampaignID: "camp-1"})

	select {
	case ev := <-sub.C:
		if ev.Type != EventProgress {
			t.Errorf("expected progress event, got %s", ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(8, testLogger())

	one := b.Subscribe("camp-1")
	defer one.Close()
	other := b.Subscribe("camp-2")
	defer other.Close()

	b.Publish("camp-1", Event{Type: EventProgress})

	select {
	case <-other.C:
		t.Fatal("event leaked to another topic")
	case <-time.After(50 * time.Millisecond):
	}
	select {
	case <-one.C:
	default:
		t.Fatal("event missing on its own topic")
	}
}

func TestPublishOrderWithinTopic(t *testing.T) {
	b := NewBroadcaster(16, testLogger())

	sub := b.Subscribe("camp-1")
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish("camp-1", Event{Type: EventProgress, Data: i})
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.C
		if ev.Data.(int) != i {
			t.Fatalf("expected event %d, got %v", i, ev.Data)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroadcaster(2, testLogger())

	sub := b.Subscribe("camp-1")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		// Nobody drains; publishes beyond the buffer must drop, not block.
		for i := 0; i < 20; i++ {
			b.Publish("camp-1", Event{Type: EventProgress, Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The first events survive; later ones were dropped.
	ev := <-sub.C
	if ev.Data.(int) != 0 {
		t.Errorf("expected oldest buffered event first, got %v", ev.Data)
	}
	if b.Dropped() != 18 {
		t.Errorf("expected 18 dropped events, got %d", b.Dropped())
	}
}

func TestDroppedCounterUnderConcurrentPublish(t *testing.T) {
	b := NewBroadcaster(1, testLogger())

	sub := b.Subscribe("camp-1")
	defer sub.Close()

	// Fill the buffer, then race publishers against the full subscriber.
	b.Publish("camp-1", Event{Type: EventProgress})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish("camp-1", Event{Type: EventProgress})
			}
		}()
	}
	wg.Wait()

	if b.Dropped() != 200 {
		t.Errorf("expected 200 dropped events, got %d", b.Dropped())
	}
}

func TestPublishDuringCloseDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(1, testLogger())

	subs := make([]*Subscription, 200)
	for i := range subs {
		subs[i] = b.Subscribe("camp-1")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish("camp-1", Event{Type: EventProgress, Data: i})
		}
	}()
	for _, sub := range subs {
		sub.Close()
	}
	<-done

	// Late events after every subscriber detached are a no-op.
	b.Publish("camp-1", Event{Type: EventComplete})
}

func TestCloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(8, testLogger())

	sub := b.Subscribe("camp-1")
	sub.Close()
	sub.Close()

	if _, open := <-sub.C; open {
		t.Error("expected closed channel after Close")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBroadcaster(8, testLogger())

	sub := b.Subscribe("camp-1")
	sub.Close()

	if _, open := <-sub.C; open {
		t.Error("expected closed channel after Close")
	}

	// Publishing to a topic with no subscribers must not panic.
	b.Publish("camp-1", Event{Type: EventProgress})
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
	events []Event
}

func (s *recordingSink) Emit(topic string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.events = append(s.events, ev)
}

func TestSinkMirrorsAllEvents(t *testing.T) {
	b := NewBroadcaster(8, testLogger())

	sink := &recordingSink{}
	b.AddSink(sink)

	b.Publish("camp-1", Event{Type: EventProgress})
	b.Publish(SystemTopic, Event{Type: EventServerStatus})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("expected 2 mirrored events, got %d", len(sink.events))
	}
	if sink.topics[0] != "camp-1" || sink.topics[1] != SystemTopic {
		t.Errorf("unexpected topics: %v", sink.topics)
	}
}
