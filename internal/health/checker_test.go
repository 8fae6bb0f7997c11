package health

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/sqlite"
)

func newTestChecker(t *testing.T) (*Checker, *bus.Bus) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	b := bus.New(clock.NewMock(), zap.NewNop())
	t.Cleanup(b.Close)
	return NewChecker(db, b, clock.NewMock()), b
}

func TestRunAll_HealthyBaseline(t *testing.T) {
	c, _ := newTestChecker(t)
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %s unhealthy: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() = false on a clean runtime")
	}
}

func TestEventBusCheck_FlagsDropStorm(t *testing.T) {
	c, b := newTestChecker(t)

	// A blocked subscriber with a tiny mailbox forces drops on most of
	// the published events.
	block := make(chan struct{})
	defer close(block)
	b.SubscribeBuffered("storm", 1, func(bus.Event) { <-block })
	for i := 0; i < 300; i++ {
		b.Publish(bus.Event{Topic: "storm"})
	}

	c.runAll(context.Background())
	healthy := true
	for _, s := range c.Statuses() {
		if s.Name == "event_bus" {
			healthy = s.Healthy
		}
	}
	if healthy {
		t.Error("event_bus check passed despite a drop storm")
	}
}
