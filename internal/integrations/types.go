package integrations

import "github.com/3cpo-dev/hubmon/pkg/api"

// HealthReport is one integration's health as reported by the backend.
type HealthReport struct {
	ID        string
	Name      string
	Status    api.HealthStatus
	LatencyMs *int64
	Message   string
}

type ExecuteRequest struct {
	EntityID   string         `json:"entityId,omitempty"`
	EntityType string         `json:"entityType,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type ExecutionQuery struct {
	Status     api.StatusFilter
	Limit      int
	WorkflowID string
}

type AnalysisRequest struct {
	ParcelID      string   `json:"parcelId"`
	StartDate     string   `json:"startDate"`
	EndDate       string   `json:"endDate"`
	Indices       []string `json:"indices"`
	CloudCoverMax *float64 `json:"cloudCoverMax,omitempty"`
}

type PredictionRequest struct {
	Type       string         `json:"type"`
	EntityID   string         `json:"entityId"`
	EntityType string         `json:"entityType"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type NotificationRequest struct {
	Channels    []string       `json:"channels"`
	Recipients  []string       `json:"recipients"`
	Template    string         `json:"template"`
	Data        map[string]any `json:"data"`
	Priority    string         `json:"priority,omitempty"`
	ScheduledAt string         `json:"scheduledAt,omitempty"`
}

// DeliveryResult is the per channel/recipient outcome of a notification.
type DeliveryResult struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type ERPSyncRequest struct {
	Entities []string `json:"entities,omitempty"`
}

type RobotCommand struct {
	RobotID    string         `json:"robotId"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}
