package bus

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(clock.NewMock(), zap.NewNop())
	t.Cleanup(b.Close)
	return b
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── Delivery ───────────────────────────────────────────────────────────────

func TestPublish_DeliversToTopicSubscriber(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []Event
	b.Subscribe("tamper", func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	b.Publish(Event{Topic: "tamper", Payload: "front"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "event not delivered")

	mu.Lock()
	defer mu.Unlock()
	if got[0].Payload != "front" {
		t.Errorf("payload = %v, want front", got[0].Payload)
	}
	if got[0].Time.IsZero() {
		t.Error("publish should stamp the event time")
	}
}

func TestPublish_TopicIsolation(t *testing.T) {
	b := newTestBus(t)

	delivered := make(chan string, 4)
	b.Subscribe("leak_detected", func(ev Event) { delivered <- ev.Topic })

	b.Publish(Event{Topic: "tamper"})
	b.Publish(Event{Topic: "leak_detected"})

	select {
	case topic := <-delivered:
		if topic != "leak_detected" {
			t.Errorf("delivered topic = %q, want leak_detected", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("leak_detected not delivered")
	}
	select {
	case topic := <-delivered:
		t.Errorf("unexpected extra delivery: %q", topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_WildcardSubscriber(t *testing.T) {
	b := newTestBus(t)

	delivered := make(chan string, 4)
	b.Subscribe(TopicAll, func(ev Event) { delivered <- ev.Topic })

	b.Publish(Event{Topic: "a"})
	b.Publish(Event{Topic: "b"})

	for _, want := range []string{"a", "b"} {
		select {
		case topic := <-delivered:
			if topic != want {
				t.Errorf("topic = %q, want %q", topic, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %q not delivered", want)
		}
	}
}

func TestPublish_PerPublisherOrdering(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var got []int
	b.Subscribe("seq", func(ev Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
	})

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(Event{Topic: "seq", Payload: i})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, "not all events delivered")

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d (publish order violated)", i, v, i)
		}
	}
}

func TestSubscribe_TwiceDeliversTwice(t *testing.T) {
	b := newTestBus(t)

	delivered := make(chan struct{}, 4)
	h := func(ev Event) { delivered <- struct{}{} }
	b.Subscribe("x", h)
	b.Subscribe("x", h)

	b.Publish(Event{Topic: "x"})

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d missing — no implicit handler dedup", i+1)
		}
	}
}

// ─── Back-Pressure ──────────────────────────────────────────────────────────

func TestPublish_OverflowDropsOldest(t *testing.T) {
	b := newTestBus(t)

	release := make(chan struct{})
	entered := make(chan int, 8)
	b.SubscribeBuffered("flood", 2, func(ev Event) {
		entered <- ev.Payload.(int)
		<-release
	})

	// Event 0 occupies the handler before anything else is published.
	b.Publish(Event{Topic: "flood", Payload: 0})
	select {
	case v := <-entered:
		if v != 0 {
			t.Fatalf("first delivery = %d, want 0", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	// Two fill the mailbox; the fourth evicts the oldest queued entry.
	for i := 1; i < 4; i++ {
		b.Publish(Event{Topic: "flood", Payload: i})
	}
	waitFor(t, func() bool { return b.Stats().Dropped >= 1 }, "no drop recorded")
	close(release)

	// Event 1 (oldest queued) was evicted; 2 and 3 survive.
	var got []int
	for len(got) < 2 {
		select {
		case v := <-entered:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("surviving events not delivered, got %v", got)
		}
	}
	if got[0] != 2 || got[1] != 3 {
		t.Errorf("delivered %v, want [2 3] (oldest queued evicted)", got)
	}
}

func TestPublish_DropEmitsDiagnostic(t *testing.T) {
	b := newTestBus(t)

	diags := make(chan Dropped, DiagnosticBudget+4)
	b.Subscribe(TopicEventDropped, func(ev Event) {
		diags <- ev.Payload.(Dropped)
	})

	block := make(chan struct{})
	sub := b.SubscribeBuffered("hot", 1, func(ev Event) { <-block })

	b.Publish(Event{Topic: "hot"}) // consumed by handler (blocked)
	b.Publish(Event{Topic: "hot"}) // fills mailbox
	b.Publish(Event{Topic: "hot"}) // evicts → diagnostic

	select {
	case d := <-diags:
		if d.Topic != "hot" {
			t.Errorf("diagnostic topic = %q, want hot", d.Topic)
		}
		if d.Subscriber != sub.ID() {
			t.Errorf("diagnostic subscriber = %d, want %d", d.Subscriber, sub.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EventDropped diagnostic not published")
	}
	close(block)
}

func TestPublish_DiagnosticBudgetExhausts(t *testing.T) {
	b := newTestBus(t)

	block := make(chan struct{})
	defer close(block)
	b.SubscribeBuffered("hot", 1, func(ev Event) { <-block })

	// Force far more drops than the diagnostic budget allows.
	for i := 0; i < DiagnosticBudget+10+2; i++ {
		b.Publish(Event{Topic: "hot"})
	}

	waitFor(t, func() bool { return b.Stats().DiagnosticsSuppressed >= 1 },
		"suppression counter never incremented")
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	n := 0
	sub := b.Subscribe("x", func(ev Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	b.Publish(Event{Topic: "x"})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return n == 1 }, "first event missing")

	sub.Close()
	b.Publish(Event{Topic: "x"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Errorf("delivered %d events after Close, want 1 total", n)
	}
}

func TestStats_Counters(t *testing.T) {
	b := newTestBus(t)

	b.Subscribe("x", func(Event) {})
	b.Publish(Event{Topic: "x"})
	b.Publish(Event{Topic: "y"})

	s := b.Stats()
	if s.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", s.Subscribers)
	}
	if s.Published != 2 {
		t.Errorf("Published = %d, want 2", s.Published)
	}
}
