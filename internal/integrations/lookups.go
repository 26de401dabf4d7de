package integrations

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/3cpo-dev/hubmon/pkg/api"
)

// PredictionJob is a queued or finished prediction. Result holds the model
// output as returned by the backend.
type PredictionJob struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	EntityID  string         `json:"entityId"`
	Status    string         `json:"status"`
	Model     string         `json:"model,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Result    map[string]any `json:"prediction,omitempty"`
}

// AnalysisResult is one index observation for a parcel.
type AnalysisResult struct {
	ParcelID   string    `json:"parcelId"`
	Date       time.Time `json:"date"`
	Index      string    `json:"index"`
	Value      float64   `json:"value"`
	CloudCover *float64  `json:"cloudCover,omitempty"`
}

// ResultsQuery narrows AnalysisResults. Empty fields are not sent.
type ResultsQuery struct {
	StartDate string
	EndDate   string
	Index     string
}

type Robot struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	BatteryLevel   *float64  `json:"batteryLevel,omitempty"`
	CurrentMission string    `json:"currentMission,omitempty"`
	LastSeen       time.Time `json:"lastSeen"`
}

type ERPEntitySync struct {
	Synced int `json:"synced"`
	Errors int `json:"errors"`
}

// ERPStatus is the connector's last synchronization state.
type ERPStatus struct {
	Status         string                   `json:"status"`
	Message        string                   `json:"message,omitempty"`
	LastSync       time.Time                `json:"lastSync"`
	EntitiesSynced int                      `json:"entitiesSynced"`
	Details        map[string]ERPEntitySync `json:"syncDetails,omitempty"`
}

// PredictionJob looks up a prediction by the job id RequestPrediction returned.
func (c *Client) PredictionJob(ctx context.Context, jobID string) (PredictionJob, error) {
	if err := required("jobId", jobID); err != nil {
		return PredictionJob{}, err
	}
	var wire struct {
		ID         flexString     `json:"id"`
		JobID      flexString     `json:"jobId"`
		Type       string         `json:"type"`
		EntityID   string         `json:"entityId"`
		Status     string         `json:"status"`
		Model      string         `json:"model"`
		CreatedAt  string         `json:"createdAt"`
		Prediction map[string]any `json:"prediction"`
		Result     map[string]any `json:"result"`
	}
	if err := c.doJSON(ctx, "prediction job", http.MethodGet, "/intelligence/predictions/"+url.PathEscape(jobID), nil, nil, &wire); err != nil {
		return PredictionJob{}, err
	}
	job := PredictionJob{
		ID:        string(wire.ID),
		Type:      wire.Type,
		EntityID:  wire.EntityID,
		Status:    wire.Status,
		Model:     wire.Model,
		CreatedAt: parseTime(wire.CreatedAt),
		Result:    wire.Prediction,
	}
	if job.ID == "" {
		job.ID = string(wire.JobID)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Result == nil {
		job.Result = wire.Result
	}
	return job, nil
}

// AnalysisResults lists stored index observations for a parcel.
func (c *Client) AnalysisResults(ctx context.Context, parcelID string, q ResultsQuery) ([]AnalysisResult, error) {
	if err := required("parcelId", parcelID); err != nil {
		return nil, err
	}
	params := url.Values{}
	for k, v := range map[string]string{"start_date": q.StartDate, "end_date": q.EndDate, "index": q.Index} {
		if v != "" {
			params.Set(k, v)
		}
	}
	var env struct {
		Results []struct {
			ParcelID   string   `json:"parcelId"`
			Date       string   `json:"date"`
			Index      string   `json:"index"`
			Value      float64  `json:"value"`
			CloudCover *float64 `json:"cloudCover"`
		} `json:"results"`
	}
	if err := c.doJSON(ctx, "analysis results", http.MethodGet, "/sentinel/parcels/"+url.PathEscape(parcelID)+"/results", params, nil, &env); err != nil {
		return nil, err
	}
	out := make([]AnalysisResult, 0, len(env.Results))
	for _, r := range env.Results {
		if r.ParcelID == "" {
			r.ParcelID = parcelID
		}
		out = append(out, AnalysisResult{
			ParcelID:   r.ParcelID,
			Date:       parseTime(r.Date),
			Index:      r.Index,
			Value:      r.Value,
			CloudCover: r.CloudCover,
		})
	}
	return out, nil
}

// Execution fetches one execution by id.
func (c *Client) Execution(ctx context.Context, id string) (api.ExecutionRecord, error) {
	if err := required("executionId", id); err != nil {
		return api.ExecutionRecord{}, err
	}
	var wire wireExecution
	if err := c.doJSON(ctx, "execution", http.MethodGet, "/n8n/executions/"+url.PathEscape(id), nil, nil, &wire); err != nil {
		return api.ExecutionRecord{}, err
	}
	if wire.ID == "" {
		wire.ID = flexString(id)
	} else if string(wire.ID) != id {
		return api.ExecutionRecord{}, fmt.Errorf("execution: %w: asked for %s, got %s", ErrMalformedResponse, id, wire.ID)
	}
	return wire.record(), nil
}

// Robots lists the robots connected to the bridge.
func (c *Client) Robots(ctx context.Context) ([]Robot, error) {
	var env struct {
		Robots []struct {
			ID             flexString `json:"id"`
			Name           string     `json:"name"`
			Type           string     `json:"type"`
			Status         string     `json:"status"`
			BatteryLevel   *float64   `json:"batteryLevel"`
			CurrentMission string     `json:"currentMission"`
			LastSeen       string     `json:"lastSeen"`
		} `json:"robots"`
	}
	if err := c.doJSON(ctx, "list robots", http.MethodGet, "/ros2/robots", nil, nil, &env); err != nil {
		return nil, err
	}
	out := make([]Robot, 0, len(env.Robots))
	for _, r := range env.Robots {
		out = append(out, Robot{
			ID:             string(r.ID),
			Name:           r.Name,
			Type:           r.Type,
			Status:         r.Status,
			BatteryLevel:   r.BatteryLevel,
			CurrentMission: r.CurrentMission,
			LastSeen:       parseTime(r.LastSeen),
		})
	}
	return out, nil
}

// ERPStatus reports the ERP connector's synchronization state.
func (c *Client) ERPStatus(ctx context.Context) (ERPStatus, error) {
	var wire struct {
		Status         string                   `json:"status"`
		Message        string                   `json:"message"`
		LastSync       string                   `json:"lastSync"`
		EntitiesSynced int                      `json:"entitiesSynced"`
		Details        map[string]ERPEntitySync `json:"syncDetails"`
	}
	if err := c.doJSON(ctx, "erp status", http.MethodGet, "/odoo/status", nil, nil, &wire); err != nil {
		return ERPStatus{}, err
	}
	if wire.Status == "" {
		return ERPStatus{}, fmt.Errorf("erp status: %w: missing status", ErrMalformedResponse)
	}
	return ERPStatus{
		Status:         wire.Status,
		Message:        wire.Message,
		LastSync:       parseTime(wire.LastSync),
		EntitiesSynced: wire.EntitiesSynced,
		Details:        wire.Details,
	}, nil
}
