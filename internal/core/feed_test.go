package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

type fakeLister struct {
	mu      sync.Mutex
	queries []integrations.ExecutionQuery
	records []api.ExecutionRecord
	err     error
	// gates hold calls for a status until closed, ignoring cancellation, to
	// model a slow response that arrives late.
	gates map[api.StatusFilter]chan struct{}
}

func (l *fakeLister) ListExecutions(ctx context.Context, q integrations.ExecutionQuery) ([]api.ExecutionRecord, error) {
	l.mu.Lock()
	l.queries = append(l.queries, q)
	gate := l.gates[q.Status]
	recs, err := l.records, l.err
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (l *fakeLister) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queries)
}

func (l *fakeLister) waitCalls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for l.calls() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d fetches, have %d", n, l.calls())
		}
		time.Sleep(time.Millisecond)
	}
}

func (l *fakeLister) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

var t0 = time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)

func execRecord(id string, st api.ExecutionStatus, minutes int) api.ExecutionRecord {
	return api.ExecutionRecord{ID: id, WorkflowID: "wf", Status: st, StartedAt: t0.Add(time.Duration(minutes) * time.Minute)}
}

func TestFeedErrorFilterWindow(t *testing.T) {
	lister := &fakeLister{records: []api.ExecutionRecord{
		execRecord("old-err", api.ExecError, 1),
		execRecord("ok", api.ExecSuccess, 2),
		execRecord("new-err", api.ExecError, 3),
	}}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: newFakeClock()})
	waitClosed(t, feed.SetFilter(api.ExecutionFilter{Status: api.FilterError, WindowSize: 10}), "filtered fetch")

	q := lister.queries[0]
	if q.Status != api.FilterError || q.Limit != 10 {
		t.Fatalf("unexpected query %+v", q)
	}
	v := feed.View()
	if len(v.Records) != 2 || v.Records[0].ID != "new-err" || v.Records[1].ID != "old-err" {
		t.Fatalf("expected the two error records newest first, got %+v", v.Records)
	}
	if v.Filter.Status != api.FilterError || v.Err != "" {
		t.Fatalf("unexpected view %+v", v)
	}
}

func TestFeedKeepsLastGoodWindow(t *testing.T) {
	lister := &fakeLister{records: []api.ExecutionRecord{execRecord("a", api.ExecSuccess, 1)}}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: newFakeClock()})
	waitClosed(t, feed.Refresh(), "fetch")

	lister.setErr(&integrations.BackendError{Op: "list executions", StatusCode: 503, Message: "n8n service unavailable"})
	waitClosed(t, feed.Refresh(), "failing fetch")
	v := feed.View()
	if v.Err == "" {
		t.Fatalf("expected error state")
	}
	if len(v.Records) != 1 || v.Records[0].ID != "a" {
		t.Fatalf("last good window was not kept: %+v", v.Records)
	}

	lister.setErr(nil)
	waitClosed(t, feed.Refresh(), "recovering fetch")
	if v := feed.View(); v.Err != "" {
		t.Fatalf("error should clear after success, got %q", v.Err)
	}
}

func TestFeedDiscardsStaleResult(t *testing.T) {
	gate := make(chan struct{})
	lister := &fakeLister{
		records: []api.ExecutionRecord{
			execRecord("ok", api.ExecSuccess, 2),
			execRecord("bad", api.ExecError, 1),
		},
		gates: map[api.StatusFilter]chan struct{}{api.FilterAll: gate},
	}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: newFakeClock()})
	var mu sync.Mutex
	var seen []api.ExecutionView
	feed.OnChange(func(v api.ExecutionView) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	feed.Start(context.Background())
	defer feed.Stop()

	lister.waitCalls(t, 1)
	done := feed.SetFilter(api.ExecutionFilter{Status: api.FilterError, WindowSize: 10})
	close(gate)
	waitClosed(t, done, "re-fetch for new filter")

	v := feed.View()
	if v.Filter.Status != api.FilterError || v.Generation != 1 {
		t.Fatalf("unexpected view %+v", v)
	}
	if len(v.Records) != 1 || v.Records[0].ID != "bad" {
		t.Fatalf("stale result leaked into window: %+v", v.Records)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, s := range seen {
		if s.Filter.Status != api.FilterError {
			t.Fatalf("listener saw a view for a superseded filter: %+v", s)
		}
	}
}

func TestFeedAutoRefreshGatesTicks(t *testing.T) {
	clk := newFakeClock()
	lister := &fakeLister{}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: clk, AutoRefresh: false})
	feed.Start(context.Background())
	defer feed.Stop()

	waitClosed(t, feed.Refresh(), "startup fetch")
	base := lister.calls()

	clk.Advance(DefaultFeedInterval)
	clk.waitArmed(t, 1)
	if n := lister.calls(); n != base {
		t.Fatalf("tick fetched with auto-refresh off: %d calls", n)
	}

	waitClosed(t, feed.Refresh(), "manual fetch")
	if n := lister.calls(); n != base+1 {
		t.Fatalf("manual refresh must run with auto-refresh off, got %d calls", n)
	}

	feed.SetAutoRefresh(true)
	clk.Advance(DefaultFeedInterval)
	lister.waitCalls(t, base+2)
	if !feed.View().AutoRefresh {
		t.Fatalf("view should report auto-refresh on")
	}
}

func TestFeedSameFilterIsNoop(t *testing.T) {
	lister := &fakeLister{}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: newFakeClock()})
	waitClosed(t, feed.SetFilter(api.ExecutionFilter{}), "noop")
	if lister.calls() != 0 {
		t.Fatalf("unchanged filter should not fetch")
	}
}

func TestFeedClampsWindow(t *testing.T) {
	lister := &fakeLister{}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: newFakeClock()})
	waitClosed(t, feed.SetFilter(api.ExecutionFilter{Status: api.FilterRunning, WindowSize: 500}), "fetch")
	if q := lister.queries[0]; q.Limit != api.MaxWindowSize {
		t.Fatalf("window not clamped: %+v", q)
	}
	if got := feed.Filter(); got.WindowSize != api.MaxWindowSize {
		t.Fatalf("requested filter not normalized: %+v", got)
	}
}

func TestFeedRefreshBeforeStartQueuesOneFollowUp(t *testing.T) {
	gate := make(chan struct{})
	lister := &fakeLister{gates: map[api.StatusFilter]chan struct{}{api.FilterAll: gate}}
	feed := NewExecutionFeed(lister, FeedOptions{Clock: newFakeClock()})
	defer feed.Stop()

	first := feed.Refresh()
	lister.waitCalls(t, 1)
	second := feed.Refresh()
	third := feed.Refresh()
	close(gate)
	waitClosed(t, first, "first fetch")
	waitClosed(t, second, "follow-up fetch")
	waitClosed(t, third, "joined follow-up")
	if n := lister.calls(); n != 2 {
		t.Fatalf("expected the in-flight fetch plus one follow-up, got %d fetches", n)
	}
}
