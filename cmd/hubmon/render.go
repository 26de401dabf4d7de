package main

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/3cpo-dev/hubmon/internal/telemetry"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var ansiCode = regexp.MustCompile("\x1b\\[[0-9;]*m")

// visibleWidth is the number of runes s occupies on a terminal.
func visibleWidth(s string) int {
	return utf8.RuneCountInString(ansiCode.ReplaceAllString(s, ""))
}

// table aligns columns by visible width, ignoring color escapes.
type table struct {
	w    io.Writer
	rows [][]string
}

func newTable(w io.Writer, header ...string) *table {
	return &table{w: w, rows: [][]string{header}}
}

func (t *table) row(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) flush() {
	var widths []int
	for _, r := range t.rows {
		for i, c := range r {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], visibleWidth(c))
		}
	}
	var b strings.Builder
	for _, r := range t.rows {
		b.Reset()
		for i, c := range r {
			b.WriteString(c)
			if i < len(r)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-visibleWidth(c)+2))
			}
		}
		fmt.Fprintln(t.w, strings.TrimRight(b.String(), " "))
	}
}

func paintHealth(st api.HealthStatus) string {
	switch st {
	case api.StatusHealthy:
		return green(string(st))
	case api.StatusDegraded:
		return yellow(string(st))
	case api.StatusUnhealthy:
		return red(string(st))
	default:
		return faint(string(st))
	}
}

func paintExecution(st api.ExecutionStatus) string {
	switch st {
	case api.ExecSuccess:
		return green(string(st))
	case api.ExecError:
		return red(string(st))
	case api.ExecRunning:
		return yellow(string(st))
	default:
		return faint(string(st))
	}
}

func latency(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *ms)
}

func since(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func printHealth(w io.Writer, snap api.HealthSnapshot, now time.Time) {
	fmt.Fprintf(w, "%s %s  cycle %d\n", bold("overall"), paintHealth(telemetry.OverallStatus(snap)), snap.Cycle)
	t := newTable(w, "ID", "NAME", "STATUS", "LATENCY", "CHECKED", "MESSAGE")
	for _, h := range snap.Integrations {
		t.row(h.ID, h.DisplayName, paintHealth(h.Status), latency(h.LatencyMs), since(h.CheckedAt, now), h.Message)
	}
	t.flush()
}

func printExecutions(w io.Writer, v api.ExecutionView) {
	fmt.Fprintf(w, "%s status=%s window=%d generation=%d\n", bold("executions"), v.Filter.Status, v.Filter.WindowSize, v.Generation)
	if v.Err != "" {
		fmt.Fprintf(w, "%s %s\n", red("last fetch failed:"), v.Err)
	}
	t := newTable(w, "ID", "WORKFLOW", "STATUS", "STARTED", "DURATION", "MODE")
	for _, r := range v.Records {
		name := r.WorkflowName
		if name == "" {
			name = r.WorkflowID
		}
		t.row(r.ID, name, paintExecution(r.Status), r.StartedAt.Format(time.RFC3339), latency(r.DurationMs), r.Mode)
	}
	t.flush()
}

func printWorkflows(w io.Writer, summaries []api.WorkflowSummary) {
	t := newTable(w, "ID", "NAME", "ACTIVE", "RELATED")
	for _, s := range summaries {
		active := faint("no")
		if s.Active {
			active = green("yes")
		}
		related := ""
		if s.RelatedToEntity {
			related = "*"
		}
		t.row(s.ID, s.Name, active, related)
	}
	t.flush()
}

func printAck(w io.Writer, ack api.Ack) {
	id := ack.ID
	if id == "" {
		id = "-"
	}
	fmt.Fprintf(w, "%s %s %s", green("✓"), ack.Kind, id)
	if ack.Status != "" {
		fmt.Fprintf(w, " [%s]", ack.Status)
	}
	if ack.Message != "" {
		fmt.Fprintf(w, " %s", ack.Message)
	}
	fmt.Fprintln(w)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
