package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func expectRun(t *testing.T, runs <-chan Trigger, want Trigger) {
	t.Helper()
	select {
	case got := <-runs:
		if got != want {
			t.Fatalf("expected %s run, got %s", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s run", want)
	}
}

func expectNoRun(t *testing.T, runs <-chan Trigger) {
	t.Helper()
	select {
	case got := <-runs:
		t.Fatalf("unexpected %s run", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func recordingTask(runs chan<- Trigger) Task {
	return func(ctx context.Context, trig Trigger) error {
		runs <- trig
		return nil
	}
}

func TestSchedulerTicks(t *testing.T) {
	clk := newFakeClock()
	runs := make(chan Trigger, 10)
	h := Start(context.Background(), time.Minute, recordingTask(runs), WithClock(clk))
	defer h.Stop()

	clk.waitArmed(t, 1)
	clk.Advance(59 * time.Second)
	expectNoRun(t, runs)
	clk.Advance(time.Second)
	expectRun(t, runs, TriggerTick)

	for i := 0; i < 3; i++ {
		clk.waitArmed(t, 1)
		clk.Advance(time.Minute)
		expectRun(t, runs, TriggerTick)
	}
}

func TestSchedulerImmediate(t *testing.T) {
	clk := newFakeClock()
	runs := make(chan Trigger, 10)
	h := Start(context.Background(), time.Minute, recordingTask(runs), WithClock(clk), WithImmediate())
	defer h.Stop()
	expectRun(t, runs, TriggerManual)
	expectNoRun(t, runs)
}

func TestRunNowCoalescesWithInFlight(t *testing.T) {
	clk := newFakeClock()
	started := make(chan Trigger, 10)
	release := make(chan struct{})
	var calls atomic.Int32
	h := Start(context.Background(), time.Hour, func(ctx context.Context, trig Trigger) error {
		calls.Add(1)
		started <- trig
		<-release
		return nil
	}, WithClock(clk))
	defer h.Stop()

	first := h.RunNow()
	expectRun(t, started, TriggerManual)
	second := h.RunNow()
	third := h.RunNow()
	if second != first || third != first {
		t.Fatalf("requests during a run should share its completion")
	}
	close(release)
	waitClosed(t, first, "coalesced run")
	expectNoRun(t, started)
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected 1 invocation, got %d", n)
	}
}

func TestRunNowFollowUp(t *testing.T) {
	clk := newFakeClock()
	started := make(chan Trigger, 10)
	release := make(chan struct{})
	var calls atomic.Int32
	h := Start(context.Background(), time.Hour, func(ctx context.Context, trig Trigger) error {
		calls.Add(1)
		started <- trig
		<-release
		return nil
	}, WithClock(clk), WithFollowUp())
	defer h.Stop()

	first := h.RunNow()
	expectRun(t, started, TriggerManual)
	second := h.RunNow()
	third := h.RunNow()
	if second == first {
		t.Fatalf("follow-up must not reuse the in-flight run")
	}
	if third != second {
		t.Fatalf("only one follow-up should be queued")
	}
	close(release)
	waitClosed(t, second, "follow-up run")
	expectRun(t, started, TriggerManual)
	expectNoRun(t, started)
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 invocations, got %d", n)
	}
}

func TestManualRunRearmsTimer(t *testing.T) {
	clk := newFakeClock()
	runs := make(chan Trigger, 10)
	h := Start(context.Background(), time.Minute, recordingTask(runs), WithClock(clk))
	defer h.Stop()

	clk.waitArmed(t, 1)
	clk.Advance(40 * time.Second)
	waitClosed(t, h.RunNow(), "manual run")
	expectRun(t, runs, TriggerManual)

	// The first deadline has passed; the next tick is a full interval
	// after the manual run.
	clk.Advance(30 * time.Second)
	expectNoRun(t, runs)
	clk.Advance(30 * time.Second)
	expectRun(t, runs, TriggerTick)
}

func TestStopIsIdempotentAndFinal(t *testing.T) {
	clk := newFakeClock()
	runs := make(chan Trigger, 10)
	h := Start(context.Background(), time.Minute, recordingTask(runs), WithClock(clk))
	clk.waitArmed(t, 1)

	h.Stop()
	h.Stop()
	waitClosed(t, h.Done(), "loop exit")

	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
	}
	waitClosed(t, h.RunNow(), "RunNow after stop")
	expectNoRun(t, runs)
}

func TestStopCancelsInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	h := Start(context.Background(), time.Hour, func(ctx context.Context, trig Trigger) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(errors.Is(ctx.Err(), context.Canceled))
		return ctx.Err()
	}, WithClock(newFakeClock()), WithImmediate())

	waitClosed(t, started, "run start")
	h.Stop()
	if !sawCancel.Load() {
		t.Fatalf("task context was not cancelled by Stop")
	}
}

func TestParentCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := Start(ctx, time.Minute, func(context.Context, Trigger) error { return nil }, WithClock(newFakeClock()))
	cancel()
	waitClosed(t, h.Done(), "loop exit")
	h.Stop()
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	runs := make(chan Trigger, 10)
	var calls atomic.Int32
	h := Start(context.Background(), time.Hour, func(ctx context.Context, trig Trigger) error {
		runs <- trig
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, WithClock(newFakeClock()))
	defer h.Stop()

	waitClosed(t, h.RunNow(), "panicking run")
	expectRun(t, runs, TriggerManual)
	waitClosed(t, h.RunNow(), "second run")
	expectRun(t, runs, TriggerManual)
}

func TestRetireFinishesQueuedWork(t *testing.T) {
	started := make(chan Trigger, 10)
	release := make(chan struct{})
	var cancelled atomic.Bool
	h := Start(context.Background(), 0, func(ctx context.Context, trig Trigger) error {
		started <- trig
		select {
		case <-release:
		case <-ctx.Done():
			cancelled.Store(true)
		}
		return nil
	}, WithFollowUp())
	defer h.Stop()

	first := h.RunNow()
	expectRun(t, started, TriggerManual)
	second := h.RunNow()
	h.Retire()
	close(release)

	waitClosed(t, first, "in-flight run")
	waitClosed(t, second, "queued run")
	waitClosed(t, h.Done(), "retired loop")
	expectRun(t, started, TriggerManual)
	if cancelled.Load() {
		t.Fatalf("retire must not cancel running work")
	}
	select {
	case <-h.RunNow():
	default:
		t.Fatalf("RunNow on an exited handle should return a closed channel")
	}
}

func TestRetireIdleHandleExits(t *testing.T) {
	h := Start(context.Background(), 0, func(context.Context, Trigger) error { return nil })
	h.Retire()
	waitClosed(t, h.Done(), "retired loop")
}
