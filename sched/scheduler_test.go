package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubFlags struct {
	enabled atomic.Bool
}

func (f *stubFlags) Enabled(string) bool { return f.enabled.Load() }

func onFlags() *stubFlags {
	f := &stubFlags{}
	f.enabled.Store(true)
	return f
}

func testOptions() Options {
	return Options{
		FailureBackoff:         30 * time.Second,
		MaxFailureBackoff:      15 * time.Minute,
		MaxConsecutiveFailures: 5,
	}
}

func TestBackoffCurve(t *testing.T) {
	s := New(onFlags(), testOptions(), zap.NewNop())
	curve := s.newBackoff()

	want := []time.Duration{
		30 * time.Second,
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		15 * time.Minute, // capped
		15 * time.Minute,
	}
	for i, w := range want {
		if got := curve.NextBackOff(); got != w {
			t.Errorf("step %d = %v, want %v", i, got, w)
		}
	}

	curve.Reset()
	if got := curve.NextBackOff(); got != 30*time.Second {
		t.Errorf("after reset = %v, want 30s", got)
	}
}

func TestPeriodicRunsAndStops(t *testing.T) {
	s := New(onFlags(), testOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	ran := make(chan struct{}, 16)
	s.Periodic(ctx, "tick", "", 0, time.Millisecond, func(context.Context) error {
		runs.Add(1)
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	if !s.Wait(2 * time.Second) {
		t.Fatal("jobs did not unwind after cancel")
	}
	if runs.Load() == 0 {
		t.Error("no runs recorded")
	}
}

func TestPeriodicFlagGateSkipsBody(t *testing.T) {
	flags := &stubFlags{} // off
	s := New(flags, testOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s.Periodic(ctx, "gated", "somefeature", 0, time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("body ran while the flag was off")
	}

	// Flipping the flag on picks the job back up without a restart.
	flags.enabled.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Error("body never ran after the flag was enabled")
	}
	cancel()
	s.Wait(2 * time.Second)
}

func TestPeriodicFailureBacksOff(t *testing.T) {
	opts := Options{
		FailureBackoff:         50 * time.Millisecond,
		MaxFailureBackoff:      time.Second,
		MaxConsecutiveFailures: 2,
	}
	s := New(onFlags(), opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s.Periodic(ctx, "flaky", "", 0, time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})

	// With a 50 ms first backoff, a 30 ms window fits exactly one run.
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("runs in first backoff window = %d, want 1", got)
	}
	cancel()
	s.Wait(2 * time.Second)
}

func TestPeriodicStartupDelay(t *testing.T) {
	s := New(onFlags(), testOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	s.Periodic(ctx, "delayed", "", time.Hour, time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 0 {
		t.Error("body ran before the startup delay elapsed")
	}
	cancel()
	if !s.Wait(2 * time.Second) {
		t.Error("delayed job did not unwind on cancel")
	}
}

func TestWaitGraceExpires(t *testing.T) {
	s := New(onFlags(), testOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocked := make(chan struct{})
	s.Periodic(ctx, "stuck", "", 0, time.Millisecond, func(context.Context) error {
		<-blocked
		return nil
	})

	time.Sleep(10 * time.Millisecond)
	cancel()
	if s.Wait(50 * time.Millisecond) {
		t.Error("Wait should report expiry while a body is stuck")
	}
	close(blocked)
	if !s.Wait(2 * time.Second) {
		t.Error("jobs should unwind once the body returns")
	}
}
