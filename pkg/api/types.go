package api

import (
	"sort"
	"strings"
	"time"
)

// v0 contains the public types shared by the monitor core and its surfaces.

type IntegrationDescriptor struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"name" yaml:"name"`
}

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusUnknown   HealthStatus = "unknown"
)

// ParseHealthStatus maps a wire value onto HealthStatus. Anything outside the
// known set means the status could not be determined.
func ParseHealthStatus(s string) HealthStatus {
	switch HealthStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusHealthy:
		return StatusHealthy
	case StatusDegraded:
		return StatusDegraded
	case StatusUnhealthy:
		return StatusUnhealthy
	default:
		return StatusUnknown
	}
}

type IntegrationHealth struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"name"`
	Status      HealthStatus `json:"status"`
	LatencyMs   *int64       `json:"latencyMs,omitempty"`
	Message     string       `json:"message,omitempty"`
	CheckedAt   time.Time    `json:"checkedAt"`
}

// UnknownHealth is the placeholder entry for a descriptor with no result yet.
func UnknownHealth(d IntegrationDescriptor) IntegrationHealth {
	return IntegrationHealth{ID: d.ID, DisplayName: d.DisplayName, Status: StatusUnknown}
}

// HealthSnapshot is the published result of one poll cycle. Treat it as
// read-only; a new cycle publishes a new value.
type HealthSnapshot struct {
	Cycle        uint64              `json:"cycle"`
	TakenAt      time.Time           `json:"takenAt"`
	Integrations []IntegrationHealth `json:"integrations"`
}

// Get returns the entry for id.
func (s HealthSnapshot) Get(id string) (IntegrationHealth, bool) {
	for _, h := range s.Integrations {
		if h.ID == id {
			return h, true
		}
	}
	return IntegrationHealth{}, false
}

// Counts tallies entries per status.
func (s HealthSnapshot) Counts() map[HealthStatus]int {
	out := map[HealthStatus]int{}
	for _, h := range s.Integrations {
		out[h.Status]++
	}
	return out
}

type ExecutionStatus string

const (
	ExecSuccess ExecutionStatus = "success"
	ExecError   ExecutionStatus = "error"
	ExecRunning ExecutionStatus = "running"
	ExecWaiting ExecutionStatus = "waiting"
)

type ExecutionRecord struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName,omitempty"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	Mode         string          `json:"mode,omitempty"`
}

type StatusFilter string

const (
	FilterAll     StatusFilter = "all"
	FilterSuccess StatusFilter = "success"
	FilterError   StatusFilter = "error"
	FilterRunning StatusFilter = "running"
	FilterWaiting StatusFilter = "waiting"
)

// ParseStatusFilter accepts the five filter values; everything else is all.
func ParseStatusFilter(s string) StatusFilter {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(s))) {
	case FilterSuccess:
		return FilterSuccess
	case FilterError:
		return FilterError
	case FilterRunning:
		return FilterRunning
	case FilterWaiting:
		return FilterWaiting
	default:
		return FilterAll
	}
}

// Matches reports whether a record with status st passes the filter.
func (f StatusFilter) Matches(st ExecutionStatus) bool {
	return f == FilterAll || f == "" || ExecutionStatus(f) == st
}

const (
	DefaultWindowSize = 20
	MaxWindowSize     = 100
)

type ExecutionFilter struct {
	Status     StatusFilter `json:"status"`
	WindowSize int          `json:"windowSize"`
}

// DefaultExecutionFilter shows every status with the default window.
func DefaultExecutionFilter() ExecutionFilter {
	return ExecutionFilter{Status: FilterAll, WindowSize: DefaultWindowSize}
}

// Normalize clamps the window into [1, MaxWindowSize] and canonicalizes status.
func (f ExecutionFilter) Normalize() ExecutionFilter {
	f.Status = ParseStatusFilter(string(f.Status))
	switch {
	case f.WindowSize <= 0:
		f.WindowSize = DefaultWindowSize
	case f.WindowSize > MaxWindowSize:
		f.WindowSize = MaxWindowSize
	}
	return f
}

// Window applies f to records: matching status, newest first, at most
// WindowSize entries. The input slice is not modified.
func (f ExecutionFilter) Window(records []ExecutionRecord) []ExecutionRecord {
	f = f.Normalize()
	out := make([]ExecutionRecord, 0, len(records))
	for _, r := range records {
		if f.Status.Matches(r.Status) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > f.WindowSize {
		out = out[:f.WindowSize]
	}
	return out
}

type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

type WorkflowSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Active          bool   `json:"active"`
	RelatedToEntity bool   `json:"relatedToEntity"`
}

// SummarizeWorkflows derives summaries from a raw listing. related decides
// whether a workflow concerns the caller's selected entity; nil means none do.
func SummarizeWorkflows(workflows []Workflow, related func(Workflow) bool) []WorkflowSummary {
	out := make([]WorkflowSummary, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, WorkflowSummary{
			ID:              w.ID,
			Name:            w.Name,
			Active:          w.Active,
			RelatedToEntity: related != nil && related(w),
		})
	}
	return out
}

// MentionsEntityType matches workflows whose name or tags contain entityType,
// ignoring case. URN-style types ("urn:ngsi-ld:AgriParcel:x") are reduced to
// the type segment first.
func MentionsEntityType(entityType string) func(Workflow) bool {
	needle := strings.ToLower(entityType)
	if parts := strings.Split(needle, ":"); len(parts) >= 3 && parts[0] == "urn" {
		needle = parts[2]
	}
	return func(w Workflow) bool {
		if needle == "" {
			return false
		}
		if strings.Contains(strings.ToLower(w.Name), needle) {
			return true
		}
		for _, t := range w.Tags {
			if strings.Contains(strings.ToLower(t), needle) {
				return true
			}
		}
		return false
	}
}

type AckKind string

const (
	AckExecution    AckKind = "execution"
	AckJob          AckKind = "job"
	AckCommand      AckKind = "command"
	AckNotification AckKind = "notification"
	AckToggle       AckKind = "toggle"
)

// Ack is a backend's acknowledgment of a dispatched action.
type Ack struct {
	ID      string  `json:"id,omitempty"`
	Kind    AckKind `json:"kind"`
	Status  string  `json:"status,omitempty"`
	Message string  `json:"message,omitempty"`
}

// ActionRecord is one acknowledged action in the action log.
type ActionRecord struct {
	Action     string    `json:"action"`
	Ack        Ack       `json:"ack"`
	RecordedAt time.Time `json:"recordedAt"`
}

// HealthPoint is a single data point in the health history of an integration.
type HealthPoint struct {
	IntegrationID string       `json:"id"`
	Status        HealthStatus `json:"status"`
	LatencyMs     *int64       `json:"latencyMs,omitempty"`
	CheckedAt     time.Time    `json:"checkedAt"`
	Cycle         uint64       `json:"cycle"`
}

// ExecutionView is what the execution feed currently exposes. Err is set
// after a failed fetch while Records keeps the last good window.
type ExecutionView struct {
	Filter      ExecutionFilter   `json:"filter"`
	Records     []ExecutionRecord `json:"records"`
	Err         string            `json:"error,omitempty"`
	FetchedAt   time.Time         `json:"fetchedAt"`
	Generation  uint64            `json:"generation"`
	AutoRefresh bool              `json:"autoRefresh"`
}
