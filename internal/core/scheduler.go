package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Trigger says why a scheduled task is running.
type Trigger int

const (
	TriggerTick Trigger = iota
	TriggerManual
)

func (t Trigger) String() string {
	if t == TriggerManual {
		return "manual"
	}
	return "tick"
}

// Task is the unit of recurring work. ctx is cancelled when the handle stops.
type Task func(ctx context.Context, trig Trigger) error

// Option configures a Handle.
type Option func(*Handle)

// WithClock replaces the wall clock, mainly for simulated time in tests.
func WithClock(c Clock) Option { return func(h *Handle) { h.clock = c } }

// WithFollowUp makes RunNow during an in-flight run queue exactly one more
// run instead of joining the current one.
func WithFollowUp() Option { return func(h *Handle) { h.followUp = true } }

// WithImmediate runs the task once as soon as the handle starts.
func WithImmediate() Option { return func(h *Handle) { h.immediate = true } }

// WithName labels the handle in logs.
func WithName(name string) Option { return func(h *Handle) { h.name = name } }

type run struct {
	trig Trigger
	done chan struct{}
}

func newRun(trig Trigger) *run { return &run{trig: trig, done: make(chan struct{})} }

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Handle owns one recurring task. At most one invocation is in flight at any
// time, and once Stop returns no further invocation begins.
type Handle struct {
	name      string
	interval  time.Duration
	task      Task
	clock     Clock
	followUp  bool
	immediate bool

	ctx      context.Context
	cancel   context.CancelFunc
	timer    Timer
	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	stopped bool
	retired bool
	current *run
	pending *run
}

// Start begins running task every interval until ctx is cancelled or Stop is
// called. A non-positive interval disables ticks; the task then only runs
// through RunNow. The timer re-arms after every run, so the next tick is
// always a full interval after the previous run finished.
func Start(ctx context.Context, interval time.Duration, task Task, opts ...Option) *Handle {
	h := &Handle{
		name:     "task",
		interval: interval,
		task:     task,
		clock:    RealClock,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	if interval > 0 {
		h.timer = h.clock.NewTimer(interval)
	}
	if h.immediate {
		h.pending = newRun(TriggerManual)
		h.trigger <- struct{}{}
	}
	go h.loop()
	return h
}

// RunNow asks for an out-of-schedule run and returns a channel closed when
// the run serving the request has finished (or the handle stopped).
func (h *Handle) RunNow() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return closedChan
	}
	if h.current != nil && !h.followUp {
		return h.current.done
	}
	if h.pending == nil {
		h.pending = newRun(TriggerManual)
		select {
		case h.trigger <- struct{}{}:
		default:
		}
	}
	return h.pending.done
}

// Stop cancels the task context and waits for the loop to exit. It is
// idempotent. Calling it from inside the task deadlocks.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()
		h.cancel()
	})
	<-h.done
}

// Retire lets the in-flight run and any queued run finish, then exits the
// loop without cancelling them. RunNow keeps queueing until the loop exits.
func (h *Handle) Retire() {
	h.mu.Lock()
	h.retired = true
	h.mu.Unlock()
	select {
	case h.trigger <- struct{}{}:
	default:
	}
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) loop() {
	defer close(h.done)
	var tick <-chan time.Time
	if h.timer != nil {
		tick = h.timer.C()
		defer h.timer.Stop()
	}
	for {
		select {
		case <-h.ctx.Done():
			h.abandon()
			return
		case <-tick:
			h.execute(TriggerTick)
		case <-h.trigger:
			h.execute(TriggerManual)
		}
		if h.drained() {
			h.cancel()
			return
		}
	}
}

// drained reports whether a retired handle has nothing left to run. Once it
// returns true RunNow no longer queues.
func (h *Handle) drained() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.retired || h.current != nil || h.pending != nil {
		return false
	}
	h.stopped = true
	return true
}

func (h *Handle) execute(trig Trigger) {
	h.mu.Lock()
	if h.stopped || h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	r := h.pending
	h.pending = nil
	switch {
	case r == nil && trig == TriggerManual:
		// Already served by a tick that absorbed the request.
		h.mu.Unlock()
		return
	case r == nil:
		r = newRun(TriggerTick)
	default:
		select {
		case <-h.trigger:
		default:
		}
	}
	h.current = r
	h.mu.Unlock()

	if err := h.invoke(r.trig); err != nil {
		log.Debug().Err(err).Str("task", h.name).Str("trigger", r.trig.String()).Msg("scheduled task returned error")
	}

	if h.timer != nil {
		h.timer.Reset(h.interval)
	}
	h.mu.Lock()
	h.current = nil
	close(r.done)
	h.mu.Unlock()
}

func (h *Handle) invoke(trig Trigger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("task", h.name).Interface("panic", p).Msg("scheduled task panicked")
			err = fmt.Errorf("task %s panicked: %v", h.name, p)
		}
	}()
	return h.task(h.ctx, trig)
}

func (h *Handle) abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.pending != nil {
		close(h.pending.done)
		h.pending = nil
	}
}
