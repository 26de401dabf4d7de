package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hubmon/pkg/api"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultPrefix  = "/api/n8n-nkz"

	maxBodyBytes = 4 << 20
)

// Credentials supplies the bearer token and tenant id for each request. The
// client passes both through without inspecting or caching them.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Tenant(ctx context.Context) (string, error)
}

// StaticCredentials is a fixed token/tenant pair.
type StaticCredentials struct {
	BearerToken string
	TenantID    string
}

func (s StaticCredentials) Token(context.Context) (string, error)  { return s.BearerToken, nil }
func (s StaticCredentials) Tenant(context.Context) (string, error) { return s.TenantID, nil }

type ClientConfig struct {
	BaseURL string
	Prefix  string
	Timeout time.Duration
}

// Client talks to the hub backend. It performs no retries and keeps no state
// between calls.
type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
	creds   Credentials
}

func NewClient(cfg ClientConfig, creds Credentials) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if creds == nil {
		creds = StaticCredentials{}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.Trim(prefix, "/"),
		timeout: timeout,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		creds: creds,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type wireHealth struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Latency   *float64 `json:"latency"`
	LatencyMs *float64 `json:"latencyMs"`
	Message   string   `json:"message"`
}

func (w wireHealth) report() HealthReport {
	r := HealthReport{ID: w.ID, Name: w.Name, Status: api.ParseHealthStatus(w.Status), Message: w.Message}
	lat := w.Latency
	if lat == nil {
		lat = w.LatencyMs
	}
	if lat != nil {
		ms := int64(*lat)
		r.LatencyMs = &ms
	}
	return r
}

// IntegrationsHealth fetches the backend's view of every integration.
func (c *Client) IntegrationsHealth(ctx context.Context) ([]HealthReport, error) {
	var wire []wireHealth
	if err := c.doJSON(ctx, "integrations health", http.MethodGet, "/health/integrations", nil, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]HealthReport, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		out = append(out, w.report())
	}
	return out, nil
}

// IntegrationHealth fetches a single integration's health.
func (c *Client) IntegrationHealth(ctx context.Context, id string) (HealthReport, error) {
	var wire wireHealth
	if err := c.doJSON(ctx, "integration health", http.MethodGet, "/health/integrations/"+url.PathEscape(id), nil, nil, &wire); err != nil {
		return HealthReport{}, err
	}
	if wire.ID == "" {
		wire.ID = id
	} else if wire.ID != id {
		return HealthReport{}, fmt.Errorf("integration health: %w: asked for %s, got %s", ErrMalformedResponse, id, wire.ID)
	}
	return wire.report(), nil
}

// flexString decodes a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type wireWorkflow struct {
	ID        flexString      `json:"id"`
	Name      string          `json:"name"`
	Active    bool            `json:"active"`
	Tags      json.RawMessage `json:"tags"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

// tags accepts ["a","b"] or [{"name":"a"}].
func (w wireWorkflow) tags() []string {
	if len(w.Tags) == 0 {
		return nil
	}
	var plain []string
	if err := json.Unmarshal(w.Tags, &plain); err == nil {
		return plain
	}
	var named []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(w.Tags, &named); err != nil {
		return nil
	}
	out := make([]string, 0, len(named))
	for _, n := range named {
		out = append(out, n.Name)
	}
	return out
}

// ListWorkflows lists workflows, optionally only the active or inactive ones.
func (c *Client) ListWorkflows(ctx context.Context, active *bool) ([]api.Workflow, error) {
	q := url.Values{}
	if active != nil {
		q.Set("active", strconv.FormatBool(*active))
	}
	var env struct {
		Workflows []wireWorkflow `json:"workflows"`
		Data      []wireWorkflow `json:"data"`
	}
	if err := c.doJSON(ctx, "list workflows", http.MethodGet, "/n8n/workflows", q, nil, &env); err != nil {
		return nil, err
	}
	wire := env.Workflows
	if wire == nil {
		wire = env.Data
	}
	out := make([]api.Workflow, 0, len(wire))
	for _, w := range wire {
		out = append(out, api.Workflow{
			ID:        string(w.ID),
			Name:      w.Name,
			Active:    w.Active,
			Tags:      w.tags(),
			CreatedAt: parseTime(w.CreatedAt),
			UpdatedAt: parseTime(w.UpdatedAt),
		})
	}
	return out, nil
}

// SetWorkflowActive activates or deactivates a workflow.
func (c *Client) SetWorkflowActive(ctx context.Context, id string, active bool) (api.Ack, error) {
	body := struct {
		Active bool `json:"active"`
	}{active}
	var raw map[string]any
	if err := c.doJSON(ctx, "toggle workflow", http.MethodPut, "/n8n/workflows/"+url.PathEscape(id)+"/active", nil, body, &raw); err != nil {
		return api.Ack{}, err
	}
	ack := ackFrom(api.AckToggle, raw)
	if ack.ID == "" {
		ack.ID = id
	}
	if ack.Status == "" {
		ack.Status = "inactive"
		if active {
			ack.Status = "active"
		}
	}
	return ack, nil
}

// ExecuteWorkflow starts a manual run of a workflow.
func (c *Client) ExecuteWorkflow(ctx context.Context, id string, req ExecuteRequest) (api.Ack, error) {
	var raw map[string]any
	if err := c.doJSON(ctx, "execute workflow", http.MethodPost, "/n8n/workflows/"+url.PathEscape(id)+"/execute", nil, req, &raw); err != nil {
		return api.Ack{}, err
	}
	return ackFrom(api.AckExecution, raw), nil
}

type wireExecution struct {
	ID           flexString `json:"id"`
	WorkflowID   flexString `json:"workflowId"`
	WorkflowName string     `json:"workflowName"`
	WorkflowData *struct {
		Name string `json:"name"`
	} `json:"workflowData"`
	Finished  bool   `json:"finished"`
	Mode      string `json:"mode"`
	StartedAt string `json:"startedAt"`
	StoppedAt string `json:"stoppedAt"`
	Status    string `json:"status"`
}

func (w wireExecution) record() api.ExecutionRecord {
	r := api.ExecutionRecord{
		ID:           string(w.ID),
		WorkflowID:   string(w.WorkflowID),
		WorkflowName: w.WorkflowName,
		Status:       executionStatus(w.Status, w.Finished),
		StartedAt:    parseTime(w.StartedAt),
		Mode:         w.Mode,
	}
	if r.WorkflowName == "" && w.WorkflowData != nil {
		r.WorkflowName = w.WorkflowData.Name
	}
	if stopped := parseTime(w.StoppedAt); !stopped.IsZero() && !r.StartedAt.IsZero() && !stopped.Before(r.StartedAt) {
		ms := stopped.Sub(r.StartedAt).Milliseconds()
		r.DurationMs = &ms
	}
	return r
}

func executionStatus(s string, finished bool) api.ExecutionStatus {
	switch strings.ToLower(s) {
	case "success":
		return api.ExecSuccess
	case "error", "crashed", "failed", "canceled", "cancelled":
		return api.ExecError
	case "running":
		return api.ExecRunning
	case "waiting", "new":
		return api.ExecWaiting
	}
	if finished {
		return api.ExecError
	}
	return api.ExecRunning
}

// ListExecutions lists recent executions. Status "all" sends no status filter.
func (c *Client) ListExecutions(ctx context.Context, q ExecutionQuery) ([]api.ExecutionRecord, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Status != "" && q.Status != api.FilterAll {
		params.Set("status", string(q.Status))
	}
	if q.WorkflowID != "" {
		params.Set("workflowId", q.WorkflowID)
	}
	var env struct {
		Executions []wireExecution `json:"executions"`
		Data       []wireExecution `json:"data"`
	}
	if err := c.doJSON(ctx, "list executions", http.MethodGet, "/n8n/executions", params, nil, &env); err != nil {
		return nil, err
	}
	wire := env.Executions
	if wire == nil {
		wire = env.Data
	}
	out := make([]api.ExecutionRecord, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.record())
	}
	return out, nil
}

// RequestAnalysis queues a satellite index analysis for a parcel.
func (c *Client) RequestAnalysis(ctx context.Context, req AnalysisRequest) (api.Ack, error) {
	if err := req.Validate(); err != nil {
		return api.Ack{}, err
	}
	var raw map[string]any
	if err := c.doJSON(ctx, "request analysis", http.MethodPost, "/sentinel/analyze", nil, req, &raw); err != nil {
		return api.Ack{}, err
	}
	return ackFrom(api.AckJob, raw), nil
}

// RequestPrediction queues an ML prediction for an entity.
func (c *Client) RequestPrediction(ctx context.Context, req PredictionRequest) (api.Ack, error) {
	if err := req.Validate(); err != nil {
		return api.Ack{}, err
	}
	var raw map[string]any
	if err := c.doJSON(ctx, "request prediction", http.MethodPost, "/intelligence/predict", nil, req, &raw); err != nil {
		return api.Ack{}, err
	}
	return ackFrom(api.AckJob, raw), nil
}

// SendNotification fans a template out over channels and recipients.
func (c *Client) SendNotification(ctx context.Context, req NotificationRequest) ([]DeliveryResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out []DeliveryResult
	if err := c.doJSON(ctx, "send notification", http.MethodPost, "/notifications/send", nil, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncERP starts an ERP synchronization. No entities means all of them.
func (c *Client) SyncERP(ctx context.Context, req ERPSyncRequest) (api.Ack, error) {
	if err := req.Validate(); err != nil {
		return api.Ack{}, err
	}
	var raw map[string]any
	if err := c.doJSON(ctx, "sync erp", http.MethodPost, "/odoo/sync", nil, req, &raw); err != nil {
		return api.Ack{}, err
	}
	return ackFrom(api.AckJob, raw), nil
}

// SendRobotCommand sends a command through the robotics bridge.
func (c *Client) SendRobotCommand(ctx context.Context, req RobotCommand) (api.Ack, error) {
	if err := req.Validate(); err != nil {
		return api.Ack{}, err
	}
	var raw map[string]any
	if err := c.doJSON(ctx, "robot command", http.MethodPost, "/ros2/commands", nil, req, &raw); err != nil {
		return api.Ack{}, err
	}
	ack := ackFrom(api.AckCommand, raw)
	if ack.ID == "" {
		ack.ID = req.RobotID
	}
	return ack, nil
}

// NotificationAck summarizes delivery results into an acknowledgment.
func NotificationAck(results []DeliveryResult) api.Ack {
	sent := 0
	for _, r := range results {
		if r.Status == "sent" {
			sent++
		}
	}
	status := "partial"
	switch {
	case len(results) == 0 || sent == 0:
		status = "failed"
	case sent == len(results):
		status = "sent"
	}
	return api.Ack{
		Kind:    api.AckNotification,
		Status:  status,
		Message: fmt.Sprintf("%d/%d delivered", sent, len(results)),
	}
}

func ackFrom(kind api.AckKind, raw map[string]any) api.Ack {
	ack := api.Ack{Kind: kind}
	for _, k := range []string{"executionId", "jobId", "commandId", "id"} {
		if v, ok := raw[k]; ok && v != nil {
			ack.ID = fmt.Sprint(v)
			break
		}
	}
	if s, ok := raw["status"].(string); ok {
		ack.Status = s
	} else if accepted, ok := raw["accepted"].(bool); ok {
		ack.Status = "rejected"
		if accepted {
			ack.Status = "accepted"
		}
	}
	if m, ok := raw["message"].(string); ok {
		ack.Message = m
	}
	return ack
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// doJSON performs one bounded request and decodes a 2xx body into out.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("op", op).Str("request_id", reqID).Str("url", u).Msg("request failed")
		return &TransportError{Op: op, URL: u, RequestID: reqID, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransportError{Op: op, URL: u, RequestID: reqID, Timeout: isTimeout(err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &BackendError{Op: op, StatusCode: resp.StatusCode, RequestID: reqID}
		var payload map[string]any
		if json.Unmarshal(data, &payload) == nil {
			be.Payload = payload
			if d, ok := payload["detail"]; ok {
				be.Message = fmt.Sprint(d)
			} else if m, ok := payload["message"].(string); ok {
				be.Message = m
			}
		} else {
			be.Message = strings.TrimSpace(string(data))
		}
		log.Debug().Int("status", resp.StatusCode).Str("op", op).Str("request_id", reqID).Msg("backend error")
		return be
	}

	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%s: %w: empty body", op, ErrMalformedResponse)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	tenant, err := c.creds.Tenant(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
