package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/internal/telemetry"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// ErrStaleResult marks a fetch whose filter was replaced while it ran.
var ErrStaleResult = errors.New("stale execution result discarded")

type ExecutionLister interface {
	ListExecutions(ctx context.Context, q integrations.ExecutionQuery) ([]api.ExecutionRecord, error)
}

const DefaultFeedInterval = 10 * time.Second

type FeedOptions struct {
	Interval    time.Duration
	Filter      api.ExecutionFilter
	AutoRefresh bool
	Clock       Clock
	Metrics     *telemetry.Metrics
}

// ExecutionFeed keeps a bounded, filtered window of recent executions. Only
// the fetch for the most recently requested filter may change the window.
type ExecutionFeed struct {
	lister ExecutionLister
	opts   FeedOptions

	auto atomic.Bool

	mu          sync.RWMutex
	view        api.ExecutionView
	filter      api.ExecutionFilter
	gen         uint64
	cancelFetch context.CancelFunc
	handle      *Handle
	idle        *Handle
	subs        []func(api.ExecutionView)

	fetchMu sync.Mutex
}

func NewExecutionFeed(lister ExecutionLister, opts FeedOptions) *ExecutionFeed {
	if opts.Interval <= 0 {
		opts.Interval = DefaultFeedInterval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	opts.Filter = opts.Filter.Normalize()
	f := &ExecutionFeed{lister: lister, opts: opts, filter: opts.Filter}
	f.view.Filter = opts.Filter
	f.view.Records = []api.ExecutionRecord{}
	f.auto.Store(opts.AutoRefresh)
	return f
}

// Start begins the periodic fetch with an immediate first fetch.
func (f *ExecutionFeed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle != nil {
		return
	}
	if f.idle != nil {
		f.idle.Retire()
	}
	f.handle = Start(ctx, f.opts.Interval, f.fetch,
		WithClock(f.opts.Clock), WithFollowUp(), WithImmediate(), WithName("executions"))
}

func (f *ExecutionFeed) Stop() {
	f.mu.RLock()
	hs := []*Handle{f.handle, f.idle}
	f.mu.RUnlock()
	for _, h := range hs {
		if h != nil {
			h.Stop()
		}
	}
}

// Refresh fetches now. A request made while a fetch is running queues one
// more fetch, so the result reflects state after the request. Before Start
// fetches run on a manual-only handle.
func (f *ExecutionFeed) Refresh() <-chan struct{} {
	return f.runner().RunNow()
}

func (f *ExecutionFeed) runner() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle != nil {
		return f.handle
	}
	if f.idle == nil {
		f.idle = Start(context.Background(), 0, f.fetch,
			WithClock(f.opts.Clock), WithFollowUp(), WithName("executions"))
	}
	return f.idle
}

// SetFilter replaces the filter. When it differs from the current one any
// in-flight fetch is cancelled and a new fetch is queued.
func (f *ExecutionFeed) SetFilter(filter api.ExecutionFilter) <-chan struct{} {
	filter = filter.Normalize()
	f.mu.Lock()
	if filter == f.filter {
		f.mu.Unlock()
		return closedChan
	}
	f.filter = filter
	f.gen++
	if f.cancelFetch != nil {
		f.cancelFetch()
		f.cancelFetch = nil
	}
	gen := f.gen
	f.mu.Unlock()
	log.Debug().Uint64("generation", gen).Str("status", string(filter.Status)).Int("window", filter.WindowSize).Msg("execution filter changed")
	return f.Refresh()
}

// Filter returns the most recently requested filter.
func (f *ExecutionFeed) Filter() api.ExecutionFilter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter
}

// SetAutoRefresh gates periodic fetches. Manual refreshes always run.
func (f *ExecutionFeed) SetAutoRefresh(on bool) { f.auto.Store(on) }

func (f *ExecutionFeed) AutoRefresh() bool { return f.auto.Load() }

// View returns the exposed window. Records and Filter always belong to the
// same applied fetch.
func (f *ExecutionFeed) View() api.ExecutionView {
	f.mu.RLock()
	v := f.view
	f.mu.RUnlock()
	v.AutoRefresh = f.auto.Load()
	return v
}

// OnChange registers fn to receive the view after every completed fetch.
func (f *ExecutionFeed) OnChange(fn func(api.ExecutionView)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *ExecutionFeed) fetch(ctx context.Context, trig Trigger) error {
	if trig == TriggerTick && !f.auto.Load() {
		f.opts.Metrics.FeedFetch("skipped", 0)
		return nil
	}
	f.fetchMu.Lock()
	defer f.fetchMu.Unlock()

	f.mu.Lock()
	gen, filter := f.gen, f.filter
	fctx, cancel := context.WithCancel(ctx)
	f.cancelFetch = cancel
	f.mu.Unlock()
	defer cancel()

	records, err := f.lister.ListExecutions(fctx, integrations.ExecutionQuery{
		Status: filter.Status,
		Limit:  filter.WindowSize,
	})

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		f.opts.Metrics.FeedFetch("stale", 0)
		log.Debug().Uint64("generation", gen).Msg("discarding stale execution fetch")
		return ErrStaleResult
	}
	f.cancelFetch = nil
	if err != nil {
		if ctx.Err() != nil {
			f.mu.Unlock()
			return ctx.Err()
		}
		f.view.Err = err.Error()
		v := f.view
		subs := f.subs
		f.mu.Unlock()
		f.opts.Metrics.FeedFetch("error", 0)
		log.Warn().Err(err).Uint64("generation", gen).Str("trigger", trig.String()).Msg("execution fetch failed")
		f.notify(subs, v)
		return err
	}
	f.view = api.ExecutionView{
		Filter:     filter,
		Records:    filter.Window(records),
		FetchedAt:  f.opts.Clock.Now(),
		Generation: gen,
	}
	v := f.view
	subs := f.subs
	f.mu.Unlock()

	f.opts.Metrics.FeedFetch("applied", len(v.Records))
	log.Debug().Uint64("generation", gen).Int("records", len(v.Records)).Str("trigger", trig.String()).Msg("execution window applied")
	f.notify(subs, v)
	return nil
}

func (f *ExecutionFeed) notify(subs []func(api.ExecutionView), v api.ExecutionView) {
	v.AutoRefresh = f.auto.Load()
	for _, fn := range subs {
		fn(v)
	}
}
