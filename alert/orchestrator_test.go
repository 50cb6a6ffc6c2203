package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/model"
)

// recordingChannel captures what it was asked to send.
type recordingChannel struct {
	name    string
	enabled bool
	sendErr error
	panics  bool

	mu     sync.Mutex
	events [][]model.RegressionEvent
	tested int
}

func (c *recordingChannel) Name() string  { return c.name }
func (c *recordingChannel) Enabled() bool { return c.enabled }

func (c *recordingChannel) SendRegressionAlerts(_ context.Context, events []model.RegressionEvent) error {
	if c.panics {
		panic("channel blew up")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events)
	return c.sendErr
}

func (c *recordingChannel) SendHotspotSummary(context.Context, []model.Hotspot) error { return c.sendErr }
func (c *recordingChannel) SendDailySummary(context.Context, DailySummary) error      { return c.sendErr }

func (c *recordingChannel) TestConnection(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tested++
	return c.sendErr
}

func (c *recordingChannel) batches() [][]model.RegressionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func event(sev model.Severity) model.RegressionEvent {
	return model.RegressionEvent{ID: uuid.New(), Severity: sev}
}

func newTestOrchestrator(opts Options, channels ...Channel) *Orchestrator {
	return New(channels, opts, zap.NewNop())
}

func TestSeverityFloor(t *testing.T) {
	ch := &recordingChannel{name: "rec", enabled: true}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "High", CooldownPeriod: time.Hour}, ch)

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{
		event(model.SeverityLow),
		event(model.SeverityMedium),
		event(model.SeverityHigh),
		event(model.SeverityCritical),
	})

	batches := ch.batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("delivered %d events, want 2 (High and Critical)", len(batches[0]))
	}
	for _, ev := range batches[0] {
		if ev.Severity < model.SeverityHigh {
			t.Errorf("severity %s slipped under the floor", ev.Severity)
		}
	}
}

func TestMalformedMinimumSeverityFallsBackToMedium(t *testing.T) {
	ch := &recordingChannel{name: "rec", enabled: true}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "shouty", CooldownPeriod: time.Hour}, ch)

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{
		event(model.SeverityLow),
		event(model.SeverityMedium),
	})

	batches := ch.batches()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].Severity != model.SeverityMedium {
		t.Errorf("fallback floor should pass exactly the Medium event, got %+v", batches)
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	ch := &recordingChannel{name: "rec", enabled: true}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "Low", CooldownPeriod: time.Hour}, ch)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }

	ev := event(model.SeverityHigh)
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{ev})
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{ev})
	if got := len(ch.batches()); got != 1 {
		t.Fatalf("repeat inside cooldown delivered %d batches, want 1", got)
	}

	// Past the cooldown the same event alerts again.
	o.now = func() time.Time { return base.Add(61 * time.Minute) }
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{ev})
	if got := len(ch.batches()); got != 2 {
		t.Errorf("post-cooldown repeat delivered %d batches, want 2", got)
	}
}

func TestDisabledOrchestratorSendsNothing(t *testing.T) {
	ch := &recordingChannel{name: "rec", enabled: true}
	o := newTestOrchestrator(Options{Enabled: false, MinimumSeverity: "Low"}, ch)
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{event(model.SeverityCritical)})
	if len(ch.batches()) != 0 {
		t.Error("disabled orchestrator must not send")
	}
}

func TestDisabledChannelSkipped(t *testing.T) {
	on := &recordingChannel{name: "on", enabled: true}
	off := &recordingChannel{name: "off", enabled: false}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "Low", CooldownPeriod: time.Hour}, on, off)
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{event(model.SeverityHigh)})
	if len(on.batches()) != 1 {
		t.Error("enabled channel should receive the batch")
	}
	if len(off.batches()) != 0 {
		t.Error("disabled channel must be skipped")
	}
}

func TestChannelFailureIsolation(t *testing.T) {
	failing := &recordingChannel{name: "failing", enabled: true, sendErr: errors.New("boom")}
	panicking := &recordingChannel{name: "panicking", enabled: true, panics: true}
	healthy := &recordingChannel{name: "healthy", enabled: true}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "Low", CooldownPeriod: time.Hour},
		failing, panicking, healthy)

	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{event(model.SeverityHigh)})

	if len(healthy.batches()) != 1 {
		t.Error("healthy channel must deliver despite sibling failures")
	}
	if len(failing.batches()) != 1 {
		t.Error("failing channel should still have been invoked")
	}
}

func TestCooldownMapEviction(t *testing.T) {
	ch := &recordingChannel{name: "rec", enabled: true}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "Low", CooldownPeriod: time.Minute}, ch)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }

	var old []model.RegressionEvent
	for i := 0; i < 1100; i++ {
		old = append(old, event(model.SeverityHigh))
	}
	o.SendRegressionAlerts(context.Background(), old)

	// Two days later one fresh event pushes the oversized map through
	// cleanup; everything older than a day goes.
	o.now = func() time.Time { return base.Add(48 * time.Hour) }
	o.SendRegressionAlerts(context.Background(), []model.RegressionEvent{event(model.SeverityHigh)})

	o.mu.Lock()
	size := len(o.lastAlertTime)
	o.mu.Unlock()
	if size != 1 {
		t.Errorf("cooldown map size = %d after eviction, want 1", size)
	}
}

func TestTestChannelsCollectsFailures(t *testing.T) {
	ok := &recordingChannel{name: "ok", enabled: true}
	bad := &recordingChannel{name: "bad", enabled: true, sendErr: errors.New("no route")}
	off := &recordingChannel{name: "off", enabled: false}
	o := newTestOrchestrator(Options{Enabled: true, MinimumSeverity: "Low"}, ok, bad, off)

	failures := o.TestChannels(context.Background())
	if len(failures) != 1 {
		t.Fatalf("failures = %v, want exactly one", failures)
	}
	if _, found := failures["bad"]; !found {
		t.Error("failing channel missing from the report")
	}
	if off.tested != 0 {
		t.Error("disabled channel must not be probed")
	}
}
