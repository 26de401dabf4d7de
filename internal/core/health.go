package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/internal/telemetry"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// HealthChecker checks one integration.
type HealthChecker interface {
	IntegrationHealth(ctx context.Context, id string) (integrations.HealthReport, error)
}

// BatchHealthChecker checks every integration the backend knows in one call.
type BatchHealthChecker interface {
	IntegrationsHealth(ctx context.Context) ([]integrations.HealthReport, error)
}

// DescriptorSource lists the integrations to poll, in display order.
type DescriptorSource interface {
	List() []api.IntegrationDescriptor
}

type HealthMode string

const (
	HealthPerIntegration HealthMode = "per-integration"
	HealthAggregate      HealthMode = "aggregate"
)

const DefaultHealthInterval = 60 * time.Second

type HealthOptions struct {
	Interval time.Duration
	Mode     HealthMode
	Clock    Clock
	Metrics  *telemetry.Metrics
}

// HealthAggregator polls every registered integration and publishes one
// complete snapshot per cycle.
type HealthAggregator struct {
	checker  HealthChecker
	registry DescriptorSource
	opts     HealthOptions

	snap atomic.Pointer[api.HealthSnapshot]

	cycleMu sync.Mutex
	mu      sync.Mutex
	handle  *Handle
	idle    *Handle
	subs    []func(api.HealthSnapshot)
}

// NewHealthAggregator builds an aggregator. In aggregate mode checker must
// also implement BatchHealthChecker, otherwise per-integration checks are used.
func NewHealthAggregator(checker HealthChecker, registry DescriptorSource, opts HealthOptions) *HealthAggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHealthInterval
	}
	if opts.Mode == "" {
		opts.Mode = HealthPerIntegration
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	return &HealthAggregator{checker: checker, registry: registry, opts: opts}
}

// Start begins polling with an immediate first cycle. Calling Start twice is a no-op.
func (a *HealthAggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		return
	}
	if a.idle != nil {
		a.idle.Retire()
	}
	a.handle = Start(ctx, a.opts.Interval, a.cycle,
		WithClock(a.opts.Clock), WithImmediate(), WithName("health"))
}

// Stop halts polling. An in-flight cycle is cancelled and not published.
func (a *HealthAggregator) Stop() {
	a.mu.Lock()
	hs := []*Handle{a.handle, a.idle}
	a.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h.Stop()
		}
	}
}

// Refresh runs a cycle now, joining one already in flight. Before Start the
// cycle runs on a manual-only handle, so it still coalesces and the caller
// does not wait unless it reads the returned channel.
func (a *HealthAggregator) Refresh() <-chan struct{} {
	return a.runner().RunNow()
}

func (a *HealthAggregator) runner() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle != nil {
		return a.handle
	}
	if a.idle == nil {
		a.idle = Start(context.Background(), 0, a.cycle, WithClock(a.opts.Clock), WithName("health"))
	}
	return a.idle
}

// OnPublish registers fn to receive every published snapshot. fn runs on the
// polling goroutine and must not block.
func (a *HealthAggregator) OnPublish(fn func(api.HealthSnapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

// Snapshot returns the latest snapshot with exactly one entry per registered
// descriptor. Descriptors the last cycle did not cover read as unknown.
func (a *HealthAggregator) Snapshot() api.HealthSnapshot {
	descs := a.registry.List()
	var out api.HealthSnapshot
	byID := map[string]api.IntegrationHealth{}
	if cur := a.snap.Load(); cur != nil {
		out.Cycle, out.TakenAt = cur.Cycle, cur.TakenAt
		for _, h := range cur.Integrations {
			byID[h.ID] = h
		}
	}
	out.Integrations = make([]api.IntegrationHealth, 0, len(descs))
	for _, d := range descs {
		if h, ok := byID[d.ID]; ok {
			out.Integrations = append(out.Integrations, h)
			continue
		}
		out.Integrations = append(out.Integrations, api.UnknownHealth(d))
	}
	return out
}

func (a *HealthAggregator) cycle(ctx context.Context, trig Trigger) error {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	descs := a.registry.List()
	start := a.opts.Clock.Now()
	var results []api.IntegrationHealth
	if len(descs) > 0 {
		batch, ok := a.checker.(BatchHealthChecker)
		if a.opts.Mode == HealthAggregate && ok {
			results = a.checkBatch(ctx, batch, descs)
		} else {
			results = a.checkEach(ctx, descs)
		}
	}
	if err := ctx.Err(); err != nil {
		log.Debug().Str("trigger", trig.String()).Msg("health cycle abandoned")
		return err
	}
	a.publish(results, start)
	return nil
}

func (a *HealthAggregator) checkEach(ctx context.Context, descs []api.IntegrationDescriptor) []api.IntegrationHealth {
	out := make([]api.IntegrationHealth, len(descs))
	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func(i int, d api.IntegrationDescriptor) {
			defer wg.Done()
			rep, err := a.checker.IntegrationHealth(ctx, d.ID)
			if err != nil {
				out[i] = a.failed(ctx, d, err)
				return
			}
			out[i] = healthFromReport(d, rep, a.opts.Clock.Now())
		}(i, d)
	}
	wg.Wait()
	return out
}

func (a *HealthAggregator) checkBatch(ctx context.Context, batch BatchHealthChecker, descs []api.IntegrationDescriptor) []api.IntegrationHealth {
	out := make([]api.IntegrationHealth, len(descs))
	reps, err := batch.IntegrationsHealth(ctx)
	if err != nil {
		for i, d := range descs {
			out[i] = a.failed(ctx, d, err)
		}
		return out
	}
	byID := make(map[string]integrations.HealthReport, len(reps))
	for _, r := range reps {
		byID[r.ID] = r
	}
	now := a.opts.Clock.Now()
	for i, d := range descs {
		if r, ok := byID[d.ID]; ok {
			out[i] = healthFromReport(d, r, now)
			continue
		}
		h := api.UnknownHealth(d)
		h.Message = "not reported by backend"
		h.CheckedAt = now
		out[i] = h
	}
	return out
}

func (a *HealthAggregator) failed(ctx context.Context, d api.IntegrationDescriptor, err error) api.IntegrationHealth {
	if ctx.Err() == nil {
		reason := failureReason(err)
		log.Warn().Err(err).Str("integration", d.ID).Str("reason", reason).Msg("health check failed")
		a.opts.Metrics.CheckFailed(d.ID, reason)
	}
	h := api.UnknownHealth(d)
	h.Message = err.Error()
	h.CheckedAt = a.opts.Clock.Now()
	return h
}

func (a *HealthAggregator) publish(results []api.IntegrationHealth, start time.Time) {
	now := a.opts.Clock.Now()
	next := &api.HealthSnapshot{TakenAt: now, Integrations: results}
	if prev := a.snap.Load(); prev != nil {
		next.Cycle = prev.Cycle + 1
		if next.TakenAt.Before(prev.TakenAt) {
			next.TakenAt = prev.TakenAt
		}
	} else {
		next.Cycle = 1
	}
	if next.Integrations == nil {
		next.Integrations = []api.IntegrationHealth{}
	}
	a.snap.Store(next)
	a.opts.Metrics.ObserveSnapshot(*next, now.Sub(start))

	counts := next.Counts()
	log.Debug().
		Uint64("cycle", next.Cycle).
		Int("integrations", len(results)).
		Int("unknown", counts[api.StatusUnknown]).
		Msg("health snapshot published")

	a.mu.Lock()
	subs := append([]func(api.HealthSnapshot){}, a.subs...)
	a.mu.Unlock()
	for _, fn := range subs {
		fn(*next)
	}
}

// healthFromReport takes identity from the registry and state from the report.
func healthFromReport(d api.IntegrationDescriptor, r integrations.HealthReport, now time.Time) api.IntegrationHealth {
	st := r.Status
	if st == "" {
		st = api.StatusUnknown
	}
	return api.IntegrationHealth{
		ID:          d.ID,
		DisplayName: d.DisplayName,
		Status:      st,
		LatencyMs:   r.LatencyMs,
		Message:     r.Message,
		CheckedAt:   now,
	}
}

func failureReason(err error) string {
	var te *integrations.TransportError
	switch {
	case errors.As(err, &te) && te.Timeout:
		return "timeout"
	case te != nil:
		return "transport"
	case integrations.IsBackend(err):
		return "backend"
	case errors.Is(err, integrations.ErrMalformedResponse):
		return "malformed"
	default:
		return "other"
	}
}

func (m HealthMode) Validate() error {
	switch m {
	case HealthPerIntegration, HealthAggregate:
		return nil
	}
	return fmt.Errorf("unknown health mode %q", m)
}
