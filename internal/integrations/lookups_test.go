package integrations

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/3cpo-dev/hubmon/pkg/api"
)

func TestPredictionJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/n8n-nkz/intelligence/predictions/job-7" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"job-7","type":"production","status":"completed","model":"crop-yield-v2.1","createdAt":"2025-01-12T10:00:00Z","prediction":{"estimatedYield":8500}}`))
	})
	job, err := c.PredictionJob(context.Background(), "job-7")
	if err != nil {
		t.Fatalf("prediction job: %v", err)
	}
	if job.ID != "job-7" || job.Status != "completed" || job.CreatedAt.IsZero() || job.Result["estimatedYield"] != float64(8500) {
		t.Fatalf("unexpected job %+v", job)
	}

	var ve ValidationError
	if _, err := c.PredictionJob(context.Background(), ""); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty job id, got %v", err)
	}
}

func TestAnalysisResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/n8n-nkz/sentinel/parcels/parcel-1/results" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("index"); got != "NDVI" {
			t.Errorf("index query %q", got)
		}
		if r.URL.Query().Has("end_date") {
			t.Errorf("empty end date should not be sent")
		}
		_, _ = w.Write([]byte(`{"results":[{"date":"2025-01-10T00:00:00Z","index":"NDVI","value":0.72,"cloudCover":5.2}]}`))
	})
	got, err := c.AnalysisResults(context.Background(), "parcel-1", ResultsQuery{StartDate: "2025-01-01", Index: "NDVI"})
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(got) != 1 || got[0].ParcelID != "parcel-1" || got[0].Value != 0.72 || got[0].CloudCover == nil {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestExecutionDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/n8n-nkz/n8n/executions/41":
			_, _ = w.Write([]byte(`{"id":41,"workflowId":"7","finished":true,"startedAt":"2025-01-12T10:00:00.000Z","stoppedAt":"2025-01-12T10:00:02.000Z","status":"error"}`))
		case "/api/n8n-nkz/n8n/executions/42":
			_, _ = w.Write([]byte(`{"id":"99","status":"success"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Execution 43 not found"}`))
		}
	})
	rec, err := c.Execution(context.Background(), "41")
	if err != nil {
		t.Fatalf("execution: %v", err)
	}
	if rec.Status != api.ExecError || rec.DurationMs == nil || *rec.DurationMs != 2000 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := c.Execution(context.Background(), "42"); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse for mismatched id, got %v", err)
	}
	var be *BackendError
	if _, err := c.Execution(context.Background(), "43"); !errors.As(err, &be) || be.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 backend error, got %v", err)
	}
}

func TestRobotsAndERPStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/n8n-nkz/ros2/robots":
			_, _ = w.Write([]byte(`{"robots":[{"id":"robot-001","name":"Tractor 1","status":"idle","batteryLevel":85,"lastSeen":"2025-01-12T10:00:00Z"}]}`))
		case "/api/n8n-nkz/odoo/status":
			_, _ = w.Write([]byte(`{"status":"synced","lastSync":"2025-01-12T08:00:00Z","entitiesSynced":156,"syncDetails":{"harvests":{"synced":89,"errors":2}}}`))
		}
	})
	robots, err := c.Robots(context.Background())
	if err != nil {
		t.Fatalf("robots: %v", err)
	}
	if len(robots) != 1 || robots[0].ID != "robot-001" || robots[0].BatteryLevel == nil || *robots[0].BatteryLevel != 85 {
		t.Fatalf("unexpected robots %+v", robots)
	}

	st, err := c.ERPStatus(context.Background())
	if err != nil {
		t.Fatalf("erp status: %v", err)
	}
	if st.Status != "synced" || st.EntitiesSynced != 156 || st.Details["harvests"].Errors != 2 || st.LastSync.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}
}
