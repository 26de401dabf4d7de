package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/internal/telemetry"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// ActionClient is the slice of the integration client the dispatcher uses.
type ActionClient interface {
	ExecuteWorkflow(ctx context.Context, id string, req integrations.ExecuteRequest) (api.Ack, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) (api.Ack, error)
	RequestAnalysis(ctx context.Context, req integrations.AnalysisRequest) (api.Ack, error)
	RequestPrediction(ctx context.Context, req integrations.PredictionRequest) (api.Ack, error)
	SendNotification(ctx context.Context, req integrations.NotificationRequest) ([]integrations.DeliveryResult, error)
	SyncERP(ctx context.Context, req integrations.ERPSyncRequest) (api.Ack, error)
	SendRobotCommand(ctx context.Context, req integrations.RobotCommand) (api.Ack, error)
}

// Refresher is anything that can be asked to refresh out of schedule.
type Refresher interface {
	Refresh() <-chan struct{}
}

// AckRecorder keeps a log of acknowledged actions.
type AckRecorder interface {
	RecordAck(ctx context.Context, action string, ack api.Ack) error
}

// Action is a one-shot backend operation.
type Action interface {
	Name() string
}

type ExecuteWorkflow struct {
	WorkflowID string
	Request    integrations.ExecuteRequest
}

type ToggleWorkflow struct {
	WorkflowID string
	Active     bool
}

type RequestAnalysis struct {
	integrations.AnalysisRequest
}

type RequestPrediction struct {
	integrations.PredictionRequest
}

type SendNotification struct {
	integrations.NotificationRequest
}

type SyncERP struct {
	integrations.ERPSyncRequest
}

type SendRobotCommand struct {
	integrations.RobotCommand
}

func (ExecuteWorkflow) Name() string   { return "execute_workflow" }
func (ToggleWorkflow) Name() string    { return "toggle_workflow" }
func (RequestAnalysis) Name() string   { return "request_analysis" }
func (RequestPrediction) Name() string { return "request_prediction" }
func (SendNotification) Name() string  { return "send_notification" }
func (SyncERP) Name() string           { return "sync_erp" }
func (SendRobotCommand) Name() string  { return "robot_command" }

type DispatcherOptions struct {
	Recorder AckRecorder
	Metrics  *telemetry.Metrics
}

// Dispatcher runs actions and then asks the feed and aggregator to refresh.
// It never touches their state directly.
type Dispatcher struct {
	client ActionClient
	feed   Refresher
	health Refresher
	opts   DispatcherOptions
}

// NewDispatcher wires a dispatcher. feed and health may be nil.
func NewDispatcher(client ActionClient, feed, health Refresher, opts DispatcherOptions) *Dispatcher {
	return &Dispatcher{client: client, feed: feed, health: health, opts: opts}
}

// Dispatch runs action. On success it returns the backend acknowledgment
// and triggers the dependent refreshes without waiting for them. Errors are
// returned unchanged and trigger nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action) (api.Ack, error) {
	ack, err := d.call(ctx, action)
	d.opts.Metrics.Dispatch(action.Name(), err)
	if err != nil {
		log.Warn().Err(err).Str("action", action.Name()).Msg("action failed")
		return api.Ack{}, err
	}
	log.Info().Str("action", action.Name()).Str("ack", ack.ID).Str("status", ack.Status).Msg("action acknowledged")

	if d.opts.Recorder != nil {
		if err := d.opts.Recorder.RecordAck(ctx, action.Name(), ack); err != nil {
			log.Warn().Err(err).Str("action", action.Name()).Msg("record ack")
		}
	}
	feed, health := refreshPolicy(action)
	if feed && d.feed != nil {
		d.feed.Refresh()
	}
	if health && d.health != nil {
		d.health.Refresh()
	}
	return ack, nil
}

// refreshPolicy says which views an action can change. ERP syncs and robot
// commands move integration health; toggling a workflow changes neither
// executions nor health.
func refreshPolicy(action Action) (feed, health bool) {
	switch action.(type) {
	case ToggleWorkflow:
		return false, false
	case SyncERP, SendRobotCommand:
		return true, true
	default:
		return true, false
	}
}

func (d *Dispatcher) call(ctx context.Context, action Action) (api.Ack, error) {
	switch a := action.(type) {
	case ExecuteWorkflow:
		if a.WorkflowID == "" {
			return api.Ack{}, integrations.ValidationError{Field: "workflowId", Message: "required"}
		}
		return d.client.ExecuteWorkflow(ctx, a.WorkflowID, a.Request)
	case ToggleWorkflow:
		if a.WorkflowID == "" {
			return api.Ack{}, integrations.ValidationError{Field: "workflowId", Message: "required"}
		}
		return d.client.SetWorkflowActive(ctx, a.WorkflowID, a.Active)
	case RequestAnalysis:
		return d.client.RequestAnalysis(ctx, a.AnalysisRequest)
	case RequestPrediction:
		return d.client.RequestPrediction(ctx, a.PredictionRequest)
	case SendNotification:
		results, err := d.client.SendNotification(ctx, a.NotificationRequest)
		if err != nil {
			return api.Ack{}, err
		}
		return integrations.NotificationAck(results), nil
	case SyncERP:
		return d.client.SyncERP(ctx, a.ERPSyncRequest)
	case SendRobotCommand:
		return d.client.SendRobotCommand(ctx, a.RobotCommand)
	default:
		return api.Ack{}, fmt.Errorf("unsupported action %T", action)
	}
}
