package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// DecodeAction builds the action called name from a JSON request body.
// target is the identifier carried in the request path: the workflow id
// for workflow actions, the robot id for robot commands. Decoding problems
// come back as integrations.ValidationError.
func DecodeAction(name, target string, body []byte) (Action, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	switch name {
	case ExecuteWorkflow{}.Name():
		a := ExecuteWorkflow{WorkflowID: target}
		if err := decodeBody(body, &a.Request); err != nil {
			return nil, err
		}
		return a, nil
	case ToggleWorkflow{}.Name():
		var b struct {
			Active *bool `json:"active"`
		}
		if err := decodeBody(body, &b); err != nil {
			return nil, err
		}
		if b.Active == nil {
			return nil, integrations.ValidationError{Field: "active", Message: "required"}
		}
		return ToggleWorkflow{WorkflowID: target, Active: *b.Active}, nil
	case RequestAnalysis{}.Name():
		var a RequestAnalysis
		if err := decodeBody(body, &a.AnalysisRequest); err != nil {
			return nil, err
		}
		return a, nil
	case RequestPrediction{}.Name():
		var a RequestPrediction
		if err := decodeBody(body, &a.PredictionRequest); err != nil {
			return nil, err
		}
		return a, nil
	case SendNotification{}.Name():
		var a SendNotification
		if err := decodeBody(body, &a.NotificationRequest); err != nil {
			return nil, err
		}
		return a, nil
	case SyncERP{}.Name():
		var a SyncERP
		if err := decodeBody(body, &a.ERPSyncRequest); err != nil {
			return nil, err
		}
		return a, nil
	case SendRobotCommand{}.Name():
		var a SendRobotCommand
		if err := decodeBody(body, &a.RobotCommand); err != nil {
			return nil, err
		}
		if target != "" {
			a.RobotID = target
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", name)
	}
}

func decodeBody(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return integrations.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// DispatchRequest decodes and dispatches an action received over HTTP.
func (d *Dispatcher) DispatchRequest(ctx context.Context, name, target string, body []byte) (api.Ack, error) {
	action, err := DecodeAction(name, target, body)
	if err != nil {
		return api.Ack{}, err
	}
	return d.Dispatch(ctx, action)
}
