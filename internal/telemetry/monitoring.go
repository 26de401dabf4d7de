package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// HealthSource is the read path of the health aggregator.
type HealthSource interface {
	Snapshot() api.HealthSnapshot
	Refresh() <-chan struct{}
}

// ExecutionSource is the read path of the execution feed.
type ExecutionSource interface {
	View() api.ExecutionView
	Filter() api.ExecutionFilter
	SetFilter(api.ExecutionFilter) <-chan struct{}
	Refresh() <-chan struct{}
}

// HistorySource serves recent health points for one integration.
type HistorySource interface {
	History(ctx context.Context, integrationID string, limit int) ([]api.HealthPoint, error)
}

// ActionRunner dispatches an operator action decoded from a request body.
type ActionRunner interface {
	DispatchRequest(ctx context.Context, action, target string, body []byte) (api.Ack, error)
}

// ActionLog lists recently acknowledged actions.
type ActionLog interface {
	Actions(ctx context.Context, limit int) ([]api.ActionRecord, error)
}

// Pinger reports whether a backing store is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sources is what the monitoring server reads from and acts on. Health and
// Executions are required; routes for a nil optional source answer 404.
type Sources struct {
	Health     HealthSource
	Executions ExecutionSource
	History    HistorySource
	Actions    ActionRunner
	ActionLog  ActionLog
	Store      Pinger
}

const (
	refreshWait  = 30 * time.Second
	maxBodyBytes = 1 << 20
)

// MonitoringServer exposes the monitor's published state over HTTP and
// accepts operator actions.
type MonitoringServer struct {
	health     HealthSource
	executions ExecutionSource
	history    HistorySource
	actions    ActionRunner
	actionLog  ActionLog
	store      Pinger
	metrics    *Metrics
	server     *http.Server
}

// NewMonitoringServer creates a new monitoring server. metrics may be nil.
func NewMonitoringServer(addr string, src Sources, metrics *Metrics) *MonitoringServer {
	ms := &MonitoringServer{
		health:     src.Health,
		executions: src.Executions,
		history:    src.History,
		actions:    src.Actions,
		actionLog:  src.ActionLog,
		store:      src.Store,
		metrics:    metrics,
	}
	mux := http.NewServeMux()
	ms.setupRoutes(mux)
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// Handler returns the routed handler, for tests and embedding.
func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

func (ms *MonitoringServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", ms.healthHandler)
	if ms.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(ms.metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /api/health", ms.apiHealthHandler)
	mux.HandleFunc("GET /api/executions", ms.apiExecutionsHandler)
	mux.HandleFunc("GET /api/history", ms.apiHistoryHandler)
	mux.HandleFunc("POST /api/refresh", ms.apiRefreshHandler)
	mux.HandleFunc("GET /api/actions", ms.apiActionsHandler)

	mux.Handle("POST /api/workflows/{id}/execute", ms.action("execute_workflow", "id"))
	mux.Handle("PUT /api/workflows/{id}/active", ms.action("toggle_workflow", "id"))
	mux.Handle("POST /api/analyze", ms.action("request_analysis", ""))
	mux.Handle("POST /api/predict", ms.action("request_prediction", ""))
	mux.Handle("POST /api/notify", ms.action("send_notification", ""))
	mux.Handle("POST /api/sync", ms.action("sync_erp", ""))
	mux.Handle("POST /api/robots/{id}/commands", ms.action("robot_command", "id"))
}

// OverallStatus folds a snapshot into one status. Unknown entries do not
// count against it: unknown means undetermined, not down.
func OverallStatus(snap api.HealthSnapshot) api.HealthStatus {
	overall := api.StatusUnknown
	for _, h := range snap.Integrations {
		switch h.Status {
		case api.StatusUnhealthy:
			return api.StatusUnhealthy
		case api.StatusDegraded:
			overall = api.StatusDegraded
		case api.StatusHealthy:
			if overall == api.StatusUnknown {
				overall = api.StatusHealthy
			}
		}
	}
	return overall
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	code, status := http.StatusOK, "ok"
	body := map[string]any{
		"time":         time.Now(),
		"integrations": OverallStatus(ms.health.Snapshot()),
	}
	if ms.store != nil {
		if err := ms.store.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("history store ping failed")
			code, status = http.StatusServiceUnavailable, "degraded"
			body["history"] = err.Error()
		}
	}
	body["status"] = status
	writeJSON(w, code, body)
}

func (ms *MonitoringServer) apiHealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") != "" {
		wait(r.Context(), ms.health.Refresh())
	}
	writeJSON(w, http.StatusOK, ms.health.Snapshot())
}

func (ms *MonitoringServer) apiExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("status") || q.Has("limit") {
		f := ms.executions.Filter()
		if q.Has("status") {
			f.Status = api.ParseStatusFilter(q.Get("status"))
		}
		if q.Has("limit") {
			n, err := strconv.Atoi(q.Get("limit"))
			if err != nil {
				http.Error(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			f.WindowSize = n
		}
		wait(r.Context(), ms.executions.SetFilter(f))
	}
	writeJSON(w, http.StatusOK, ms.executions.View())
}

func (ms *MonitoringServer) apiHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if ms.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	points, err := ms.history.History(r.Context(), id, limit)
	if errors.Is(err, integrations.ErrNotRegistered) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("integration", id).Msg("history query failed")
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "points": points})
}

func (ms *MonitoringServer) apiRefreshHandler(w http.ResponseWriter, r *http.Request) {
	h := ms.health.Refresh()
	e := ms.executions.Refresh()
	wait(r.Context(), h)
	wait(r.Context(), e)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"health":     ms.health.Snapshot(),
		"executions": ms.executions.View(),
	})
}

func (ms *MonitoringServer) apiActionsHandler(w http.ResponseWriter, r *http.Request) {
	if ms.actionLog == nil {
		http.Error(w, "action log disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := ms.actionLog.Actions(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("action log query failed")
		http.Error(w, "action log query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": records})
}

// action serves one dispatchable action. pathKey names the path wildcard
// passed as the action target, if any.
func (ms *MonitoringServer) action(name, pathKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ms.actions == nil {
			http.Error(w, "actions disabled", http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": err.Error()})
			return
		}
		var target string
		if pathKey != "" {
			target = r.PathValue(pathKey)
		}
		ack, err := ms.actions.DispatchRequest(r.Context(), name, target, body)
		if err != nil {
			writeJSON(w, actionStatus(err), map[string]any{"action": name, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"action": name, "ack": ack})
	})
}

// actionStatus maps a dispatch error onto the response code.
func actionStatus(err error) int {
	var (
		ve integrations.ValidationError
		be *integrations.BackendError
		te *integrations.TransportError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &be):
		return http.StatusBadGateway
	case errors.As(err, &te) && te.Timeout:
		return http.StatusGatewayTimeout
	case te != nil:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func wait(ctx context.Context, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(ctx, refreshWait)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

// Start starts the monitoring server.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("Starting monitoring server")
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the monitoring server.
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
