package integrations

import (
	"fmt"
	"strings"
	"time"
)

var (
	robotCommands        = []string{"start", "stop", "pause", "resume", "return_home", "emergency_stop"}
	predictionTypes      = []string{"production", "pest", "disease", "irrigation"}
	notificationChannels = []string{"email", "push", "sms", "telegram", "webhook"}
	notificationPriority = []string{"low", "normal", "high", "urgent"}
	erpEntities          = []string{"parcels", "harvests", "inventory", "contacts"}
)

const dateLayout = "2006-01-02"

func oneOf(field, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return ValidationError{Field: field, Value: value, Message: fmt.Sprintf("must be one of %v", valid)}
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return ValidationError{Field: field, Value: "", Message: field + " is required"}
	}
	return nil
}

// parseDate accepts a plain date or an RFC3339 timestamp.
func parseDate(field, value string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Time{}, ValidationError{Field: field, Value: value, Message: "expected YYYY-MM-DD or RFC3339"}
}

// Validate checks an analysis request and fills in default indices.
func (r *AnalysisRequest) Validate() error {
	if err := required("parcelId", r.ParcelID); err != nil {
		return err
	}
	start, err := parseDate("startDate", r.StartDate)
	if err != nil {
		return err
	}
	end, err := parseDate("endDate", r.EndDate)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return ValidationError{Field: "endDate", Value: r.EndDate, Message: "endDate is before startDate"}
	}
	if len(r.Indices) == 0 {
		r.Indices = []string{"NDVI"}
	}
	if r.CloudCoverMax != nil && (*r.CloudCoverMax < 0 || *r.CloudCoverMax > 100) {
		return ValidationError{Field: "cloudCoverMax", Value: fmt.Sprintf("%g", *r.CloudCoverMax), Message: "must be between 0 and 100"}
	}
	return nil
}

func (r PredictionRequest) Validate() error {
	if err := oneOf("type", r.Type, predictionTypes); err != nil {
		return err
	}
	if err := required("entityId", r.EntityID); err != nil {
		return err
	}
	return required("entityType", r.EntityType)
}

// Validate checks a notification request and defaults priority to normal.
func (r *NotificationRequest) Validate() error {
	if len(r.Channels) == 0 {
		return ValidationError{Field: "channels", Message: "at least one channel is required"}
	}
	for _, c := range r.Channels {
		if err := oneOf("channels", c, notificationChannels); err != nil {
			return err
		}
	}
	if len(r.Recipients) == 0 {
		return ValidationError{Field: "recipients", Message: "at least one recipient is required"}
	}
	if err := required("template", r.Template); err != nil {
		return err
	}
	if r.Priority == "" {
		r.Priority = "normal"
	}
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return oneOf("priority", r.Priority, notificationPriority)
}

func (r ERPSyncRequest) Validate() error {
	for _, e := range r.Entities {
		if err := oneOf("entities", e, erpEntities); err != nil {
			return err
		}
	}
	return nil
}

func (r RobotCommand) Validate() error {
	if err := required("robotId", r.RobotID); err != nil {
		return err
	}
	return oneOf("command", r.Command, robotCommands)
}
