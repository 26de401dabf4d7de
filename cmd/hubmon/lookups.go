package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// lookup runs a read-only backend call and prints its result as JSON or
// through the given printer.
func lookup[T any](cmd *cobra.Command, fetch func(*integrations.Client) (T, error), print func(io.Writer, T)) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	m, err := resolveMonitor(cmd)
	if err != nil {
		return err
	}
	defer m.Stop()
	v, err := fetch(m.Client)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	print(cmd.OutOrStdout(), v)
	return nil
}

// Look up a prediction job
func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show the state of a prediction job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lookup(cmd, func(c *integrations.Client) (integrations.PredictionJob, error) {
				return c.PredictionJob(cmd.Context(), args[0])
			}, printJob)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// List analysis results
func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results <parcel-id>",
		Short: "List satellite index results for a parcel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var q integrations.ResultsQuery
			q.StartDate, _ = cmd.Flags().GetString("start")
			q.EndDate, _ = cmd.Flags().GetString("end")
			q.Index, _ = cmd.Flags().GetString("index")
			return lookup(cmd, func(c *integrations.Client) ([]integrations.AnalysisResult, error) {
				return c.AnalysisResults(cmd.Context(), args[0], q)
			}, printResults)
		},
	}
	cmd.Flags().String("start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().String("index", "", "only this index")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// Show one execution
func newExecutionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution <execution-id>",
		Short: "Show one workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return lookup(cmd, func(c *integrations.Client) (api.ExecutionRecord, error) {
				return c.Execution(cmd.Context(), args[0])
			}, printExecution)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// List robots
func newRobotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robots",
		Short: "List robots connected to the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lookup(cmd, func(c *integrations.Client) ([]integrations.Robot, error) {
				return c.Robots(cmd.Context())
			}, printRobots)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// Show ERP sync state
func newERPStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erp-status",
		Short: "Show the ERP connector's synchronization state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return lookup(cmd, func(c *integrations.Client) (integrations.ERPStatus, error) {
				return c.ERPStatus(cmd.Context())
			}, printERPStatus)
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func printJob(w io.Writer, job integrations.PredictionJob) {
	fmt.Fprintf(w, "%s %s  %s\n", bold("job"), job.ID, job.Status)
	fmt.Fprintf(w, "type %s  entity %s  model %s  created %s\n", job.Type, job.EntityID, job.Model, stamp(job.CreatedAt))
	if len(job.Result) > 0 {
		_ = printJSON(w, job.Result)
	}
}

func printResults(w io.Writer, results []integrations.AnalysisResult) {
	t := newTable(w, "DATE", "INDEX", "VALUE", "CLOUD")
	for _, r := range results {
		cloud := "-"
		if r.CloudCover != nil {
			cloud = fmt.Sprintf("%.1f%%", *r.CloudCover)
		}
		t.row(stamp(r.Date), r.Index, fmt.Sprintf("%.3f", r.Value), cloud)
	}
	t.flush()
}

func printExecution(w io.Writer, r api.ExecutionRecord) {
	name := r.WorkflowName
	if name == "" {
		name = r.WorkflowID
	}
	fmt.Fprintf(w, "%s %s  %s\n", bold("execution"), r.ID, paintExecution(r.Status))
	fmt.Fprintf(w, "workflow %s  started %s  duration %s  mode %s\n", name, stamp(r.StartedAt), latency(r.DurationMs), r.Mode)
}

func printRobots(w io.Writer, robots []integrations.Robot) {
	t := newTable(w, "ID", "NAME", "TYPE", "STATUS", "BATTERY", "MISSION", "LAST SEEN")
	for _, r := range robots {
		battery := "-"
		if r.BatteryLevel != nil {
			battery = fmt.Sprintf("%.0f%%", *r.BatteryLevel)
		}
		t.row(r.ID, r.Name, r.Type, r.Status, battery, r.CurrentMission, stamp(r.LastSeen))
	}
	t.flush()
}

func printERPStatus(w io.Writer, st integrations.ERPStatus) {
	fmt.Fprintf(w, "%s %s  last sync %s  entities %d\n", bold("erp"), st.Status, stamp(st.LastSync), st.EntitiesSynced)
	if st.Message != "" {
		fmt.Fprintln(w, st.Message)
	}
	names := make([]string, 0, len(st.Details))
	for n := range st.Details {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return
	}
	t := newTable(w, "ENTITY", "SYNCED", "ERRORS")
	for _, n := range names {
		d := st.Details[n]
		t.row(n, fmt.Sprint(d.Synced), fmt.Sprint(d.Errors))
	}
	t.flush()
}
