package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

type fakeHealth struct {
	snap      api.HealthSnapshot
	refreshes int
}

func (f *fakeHealth) Snapshot() api.HealthSnapshot { return f.snap }

func (f *fakeHealth) Refresh() <-chan struct{} {
	f.refreshes++
	f.snap.Cycle++
	return closed()
}

// fakeExecutions applies a requested filter to the view only when failNext
// is unset, like a feed whose fetch for the new filter failed.
type fakeExecutions struct {
	view      api.ExecutionView
	requested api.ExecutionFilter
	failNext  bool
	refreshes int
}

func (f *fakeExecutions) View() api.ExecutionView { return f.view }

func (f *fakeExecutions) Filter() api.ExecutionFilter { return f.requested }

func (f *fakeExecutions) SetFilter(filter api.ExecutionFilter) <-chan struct{} {
	f.requested = filter.Normalize()
	if f.failNext {
		f.failNext = false
		f.view.Err = "list executions: backend returned HTTP 503"
		return closed()
	}
	f.view.Filter = f.requested
	f.view.Err = ""
	return closed()
}

func (f *fakeExecutions) Refresh() <-chan struct{} {
	f.refreshes++
	return closed()
}

type fakeHistory struct {
	err error
}

func (f fakeHistory) History(_ context.Context, id string, limit int) ([]api.HealthPoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	if id == "weather" {
		return nil, fmt.Errorf("%w: %s", integrations.ErrNotRegistered, id)
	}
	return []api.HealthPoint{{IntegrationID: id, Status: api.StatusHealthy, Cycle: uint64(limit)}}, nil
}

type dispatched struct {
	action, target, body string
}

type fakeActions struct {
	calls []dispatched
	err   error
	log   []api.ActionRecord
}

func (f *fakeActions) DispatchRequest(_ context.Context, action, target string, body []byte) (api.Ack, error) {
	f.calls = append(f.calls, dispatched{action, target, string(body)})
	if f.err != nil {
		return api.Ack{}, f.err
	}
	ack := api.Ack{ID: "ack-1", Kind: api.AckJob, Status: "queued"}
	f.log = append(f.log, api.ActionRecord{Action: action, Ack: ack})
	return ack, nil
}

func (f *fakeActions) Actions(_ context.Context, limit int) ([]api.ActionRecord, error) {
	return f.log, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func closed() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func newTestServer(history HistorySource) (*MonitoringServer, *fakeHealth, *fakeExecutions) {
	h := &fakeHealth{snap: api.HealthSnapshot{
		Cycle:   1,
		TakenAt: time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC),
		Integrations: []api.IntegrationHealth{
			{ID: "n8n", Status: api.StatusHealthy},
			{ID: "odoo", Status: api.StatusDegraded},
			{ID: "ros2", Status: api.StatusUnknown},
		},
	}}
	e := &fakeExecutions{view: api.ExecutionView{Filter: api.DefaultExecutionFilter()}, requested: api.DefaultExecutionFilter()}
	return NewMonitoringServer(":0", Sources{Health: h, Executions: e, History: history}, NewMetrics()), h, e
}

func do(t *testing.T, ms *MonitoringServer, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	return doBody(t, ms, method, target, "")
}

func doBody(t *testing.T, ms *MonitoringServer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestHealthRoute(t *testing.T) {
	ms, _, _ := newTestServer(nil)
	rec := do(t, ms, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["integrations"] != string(api.StatusDegraded) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAPIHealthRefresh(t *testing.T) {
	ms, h, _ := newTestServer(nil)
	rec := do(t, ms, http.MethodGet, "/api/health?refresh=1")
	if rec.Code != http.StatusOK || h.refreshes != 1 {
		t.Fatalf("status %d, refreshes %d", rec.Code, h.refreshes)
	}
	var snap api.HealthSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Cycle != 2 || len(snap.Integrations) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAPIExecutionsFilter(t *testing.T) {
	ms, _, e := newTestServer(nil)
	rec := do(t, ms, http.MethodGet, "/api/executions?status=error&limit=10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if e.view.Filter.Status != api.FilterError || e.view.Filter.WindowSize != 10 {
		t.Fatalf("filter not applied: %+v", e.view.Filter)
	}

	rec = do(t, ms, http.MethodGet, "/api/executions?limit=ten")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestAPIHistory(t *testing.T) {
	ms, _, _ := newTestServer(fakeHistory{})
	if rec := do(t, ms, http.MethodGet, "/api/history"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}
	rec := do(t, ms, http.MethodGet, "/api/history?id=n8n&limit=5")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cycle":5`) {
		t.Fatalf("unexpected history response %d %s", rec.Code, rec.Body.String())
	}

	failing, _, _ := newTestServer(fakeHistory{err: errors.New("disk on fire")})
	if rec := do(t, failing, http.MethodGet, "/api/history?id=n8n"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	if rec := do(t, ms, http.MethodGet, "/api/history?id=weather"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered integration, got %d", rec.Code)
	}

	disabled, _, _ := newTestServer(nil)
	if rec := do(t, disabled, http.MethodGet, "/api/history?id=n8n"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when history is disabled, got %d", rec.Code)
	}
}

func TestAPIRefresh(t *testing.T) {
	ms, h, e := newTestServer(nil)
	if rec := do(t, ms, http.MethodGet, "/api/refresh"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", rec.Code)
	}
	rec := do(t, ms, http.MethodPost, "/api/refresh")
	if rec.Code != http.StatusAccepted || h.refreshes != 1 || e.refreshes != 1 {
		t.Fatalf("status %d, health %d, executions %d", rec.Code, h.refreshes, e.refreshes)
	}
}

func TestMetricsRoute(t *testing.T) {
	ms, _, _ := newTestServer(nil)
	ms.metrics.ObserveSnapshot(api.HealthSnapshot{Integrations: []api.IntegrationHealth{{ID: "n8n", Status: api.StatusHealthy}}}, time.Second)
	ms.metrics.Dispatch("execute_workflow", nil)
	rec := do(t, ms, http.MethodGet, "/metrics")
	body := rec.Body.String()
	for _, want := range []string{
		`hubmon_integration_status{integration="n8n",status="healthy"} 1`,
		`hubmon_dispatches_total{action="execute_workflow",result="ok"} 1`,
		"hubmon_health_cycles_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestOverallStatus(t *testing.T) {
	cases := []struct {
		statuses []api.HealthStatus
		want     api.HealthStatus
	}{
		{nil, api.StatusUnknown},
		{[]api.HealthStatus{api.StatusUnknown, api.StatusHealthy}, api.StatusHealthy},
		{[]api.HealthStatus{api.StatusHealthy, api.StatusDegraded}, api.StatusDegraded},
		{[]api.HealthStatus{api.StatusDegraded, api.StatusUnhealthy, api.StatusHealthy}, api.StatusUnhealthy},
	}
	for _, tc := range cases {
		var snap api.HealthSnapshot
		for _, st := range tc.statuses {
			snap.Integrations = append(snap.Integrations, api.IntegrationHealth{Status: st})
		}
		if got := OverallStatus(snap); got != tc.want {
			t.Errorf("OverallStatus(%v) = %s, want %s", tc.statuses, got, tc.want)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSnapshot(api.HealthSnapshot{}, time.Second)
	m.CheckFailed("n8n", "timeout")
	m.FeedFetch("applied", 3)
	m.Dispatch("sync_erp", errors.New("boom"))
}

func TestProfilingRoutes(t *testing.T) {
	ps := NewProfilingServer(":0")
	for _, path := range []string{"/debug/stats", "/debug/build", "/debug/pprof/"} {
		rec := httptest.NewRecorder()
		ps.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}

func TestAPIExecutionsLimitKeepsRequestedStatus(t *testing.T) {
	ms, _, e := newTestServer(nil)
	e.failNext = true
	do(t, ms, http.MethodGet, "/api/executions?status=error")
	if e.view.Filter.Status != api.FilterAll {
		t.Fatalf("failed fetch should leave the applied filter alone, got %+v", e.view.Filter)
	}

	do(t, ms, http.MethodGet, "/api/executions?limit=5")
	if e.requested.Status != api.FilterError || e.requested.WindowSize != 5 {
		t.Fatalf("limit-only query dropped the requested status: %+v", e.requested)
	}
}

func newActionServer(actions *fakeActions) *MonitoringServer {
	h := &fakeHealth{}
	e := &fakeExecutions{requested: api.DefaultExecutionFilter()}
	return NewMonitoringServer(":0", Sources{Health: h, Executions: e, Actions: actions, ActionLog: actions}, nil)
}

func TestActionRoutes(t *testing.T) {
	actions := &fakeActions{}
	ms := newActionServer(actions)
	cases := []struct {
		method, path, body string
		want               dispatched
	}{
		{http.MethodPost, "/api/workflows/7/execute", `{"entityId":"p1"}`, dispatched{"execute_workflow", "7", `{"entityId":"p1"}`}},
		{http.MethodPut, "/api/workflows/7/active", `{"active":false}`, dispatched{"toggle_workflow", "7", `{"active":false}`}},
		{http.MethodPost, "/api/analyze", `{"parcelId":"p1"}`, dispatched{"request_analysis", "", `{"parcelId":"p1"}`}},
		{http.MethodPost, "/api/predict", `{}`, dispatched{"request_prediction", "", `{}`}},
		{http.MethodPost, "/api/notify", `{}`, dispatched{"send_notification", "", `{}`}},
		{http.MethodPost, "/api/sync", ``, dispatched{"sync_erp", "", ``}},
		{http.MethodPost, "/api/robots/robot-1/commands", `{"command":"stop"}`, dispatched{"robot_command", "robot-1", `{"command":"stop"}`}},
	}
	for _, tc := range cases {
		rec := doBody(t, ms, tc.method, tc.path, tc.body)
		if rec.Code != http.StatusOK {
			t.Errorf("%s %s: status %d", tc.method, tc.path, rec.Code)
			continue
		}
		if got := actions.calls[len(actions.calls)-1]; got != tc.want {
			t.Errorf("%s %s: dispatched %+v, want %+v", tc.method, tc.path, got, tc.want)
		}
	}

	rec := do(t, ms, http.MethodGet, "/api/actions")
	var body struct {
		Actions []api.ActionRecord `json:"actions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Actions) != len(cases) || body.Actions[0].Action != "execute_workflow" {
		t.Fatalf("unexpected action log %+v", body.Actions)
	}
}

func TestActionErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{integrations.ValidationError{Field: "workflowId", Message: "required"}, http.StatusBadRequest},
		{&integrations.BackendError{Op: "sync erp", StatusCode: 503, Message: "odoo down"}, http.StatusBadGateway},
		{&integrations.TransportError{Op: "sync erp", Timeout: true, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&integrations.TransportError{Op: "sync erp", Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ms := newActionServer(&fakeActions{err: tc.err})
		rec := doBody(t, ms, http.MethodPost, "/api/sync", "")
		if rec.Code != tc.want {
			t.Errorf("%v: status %d, want %d", tc.err, rec.Code, tc.want)
		}
		if !strings.Contains(rec.Body.String(), tc.err.Error()) {
			t.Errorf("%v: error not passed through: %s", tc.err, rec.Body.String())
		}
	}
}

func TestActionsDisabled(t *testing.T) {
	ms, _, _ := newTestServer(nil)
	if rec := doBody(t, ms, http.MethodPost, "/api/sync", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an action runner, got %d", rec.Code)
	}
	if rec := do(t, ms, http.MethodGet, "/api/actions"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without an action log, got %d", rec.Code)
	}
}

func TestHealthRouteReportsStorePing(t *testing.T) {
	h := &fakeHealth{}
	e := &fakeExecutions{}
	ok := NewMonitoringServer(":0", Sources{Health: h, Executions: e, Store: fakePinger{}}, nil)
	if rec := do(t, ok, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	bad := NewMonitoringServer(":0", Sources{Health: h, Executions: e, Store: fakePinger{err: errors.New("database is closed")}}, nil)
	rec := do(t, bad, http.MethodGet, "/health")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected 503 degraded, got %d %s", rec.Code, rec.Body.String())
	}
}
