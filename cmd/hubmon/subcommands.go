package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/hubmon/internal/core"
	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/internal/telemetry"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// Resolve the monitor from --config
func resolveMonitor(cmd *cobra.Command) (*core.Monitor, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	return core.NewMonitor(cfg)
}

// dispatch runs a single action. One-shot commands do not poll, so nothing
// needs refreshing afterwards.
func dispatch(cmd *cobra.Command, action core.Action) error {
	m, err := resolveMonitor(cmd)
	if err != nil {
		return err
	}
	defer m.Stop()
	d := core.NewDispatcher(m.Client, nil, nil, core.DispatcherOptions{Recorder: m.Store, Metrics: m.Metrics})
	ack, err := d.Dispatch(cmd.Context(), action)
	if err != nil {
		return err
	}
	printAck(cmd.OutOrStdout(), ack)
	return nil
}

func parseData(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return out, nil
}

// Show merged integration health
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Poll every integration once and print the merged health",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			m, err := resolveMonitor(cmd)
			if err != nil {
				return err
			}
			defer m.Stop()
			<-m.Health.Refresh()
			snap := m.Health.Snapshot()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printHealth(cmd.OutOrStdout(), snap, time.Now())
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// List recent executions
func newExecutionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"ex"},
		Short:   "List recent workflow executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")
			m, err := resolveMonitor(cmd)
			if err != nil {
				return err
			}
			defer m.Stop()
			filter := m.Executions.Filter()
			if cmd.Flags().Changed("status") {
				filter.Status = api.ParseStatusFilter(status)
			}
			if cmd.Flags().Changed("limit") {
				filter.WindowSize = limit
			}
			if filter == m.Executions.Filter() {
				<-m.Executions.Refresh()
			} else {
				<-m.Executions.SetFilter(filter)
			}
			v := m.Executions.View()
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), v); err != nil {
					return err
				}
			} else {
				printExecutions(cmd.OutOrStdout(), v)
			}
			if v.Err != "" {
				return errors.New(v.Err)
			}
			return nil
		},
	}
	cmd.Flags().String("status", "all", "filter: all, success, error, running, waiting")
	cmd.Flags().Int("limit", api.DefaultWindowSize, "window size")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// List workflows
func newWorkflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List workflows, optionally marking those related to an entity type",
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, _ := cmd.Flags().GetString("entity-type")
			asJSON, _ := cmd.Flags().GetBool("json")
			var active *bool
			if cmd.Flags().Changed("active") {
				v, _ := cmd.Flags().GetBool("active")
				active = &v
			}
			m, err := resolveMonitor(cmd)
			if err != nil {
				return err
			}
			defer m.Stop()
			wfs, err := m.Client.ListWorkflows(cmd.Context(), active)
			if err != nil {
				return err
			}
			var related func(api.Workflow) bool
			if entityType != "" {
				related = api.MentionsEntityType(entityType)
			}
			summaries := api.SummarizeWorkflows(wfs, related)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), summaries)
			}
			printWorkflows(cmd.OutOrStdout(), summaries)
			return nil
		},
	}
	cmd.Flags().Bool("active", false, "only active (or with =false, inactive) workflows")
	cmd.Flags().String("entity-type", "", "mark workflows mentioning this entity type")
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

// Execute a workflow
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, _ := cmd.Flags().GetString("entity-id")
			entityType, _ := cmd.Flags().GetString("entity-type")
			raw, _ := cmd.Flags().GetString("data")
			data, err := parseData(raw)
			if err != nil {
				return err
			}
			return dispatch(cmd, core.ExecuteWorkflow{
				WorkflowID: args[0],
				Request:    integrations.ExecuteRequest{EntityID: entityID, EntityType: entityType, Data: data},
			})
		},
	}
	cmd.Flags().String("entity-id", "", "entity the run concerns")
	cmd.Flags().String("entity-type", "", "type of that entity")
	cmd.Flags().String("data", "", "JSON payload")
	return cmd
}

// Toggle a workflow
func newToggleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toggle <workflow-id>",
		Short: "Activate or deactivate a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			off, _ := cmd.Flags().GetBool("off")
			return dispatch(cmd, core.ToggleWorkflow{WorkflowID: args[0], Active: !off})
		},
	}
	cmd.Flags().Bool("off", false, "deactivate instead of activate")
	return cmd
}

// Request a satellite analysis
func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Request a satellite index analysis for a parcel",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := integrations.AnalysisRequest{}
			req.ParcelID, _ = cmd.Flags().GetString("parcel")
			req.StartDate, _ = cmd.Flags().GetString("start")
			req.EndDate, _ = cmd.Flags().GetString("end")
			req.Indices, _ = cmd.Flags().GetStringSlice("index")
			if cmd.Flags().Changed("cloud-max") {
				v, _ := cmd.Flags().GetFloat64("cloud-max")
				req.CloudCoverMax = &v
			}
			return dispatch(cmd, core.RequestAnalysis{AnalysisRequest: req})
		},
	}
	cmd.Flags().String("parcel", "", "parcel id")
	cmd.Flags().String("start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringSlice("index", nil, "indices (default NDVI)")
	cmd.Flags().Float64("cloud-max", 0, "maximum cloud cover percentage")
	_ = cmd.MarkFlagRequired("parcel")
	return cmd
}

// Request a prediction
func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Request an ML prediction for an entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := integrations.PredictionRequest{}
			req.Type, _ = cmd.Flags().GetString("type")
			req.EntityID, _ = cmd.Flags().GetString("entity-id")
			req.EntityType, _ = cmd.Flags().GetString("entity-type")
			return dispatch(cmd, core.RequestPrediction{PredictionRequest: req})
		},
	}
	cmd.Flags().String("type", "", "prediction type (production, risk, anomaly, optimization)")
	cmd.Flags().String("entity-id", "", "entity id")
	cmd.Flags().String("entity-type", "", "entity type")
	return cmd
}

// Send a notification
func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Send a templated notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := integrations.NotificationRequest{}
			req.Channels, _ = cmd.Flags().GetStringSlice("channel")
			req.Recipients, _ = cmd.Flags().GetStringSlice("recipient")
			req.Template, _ = cmd.Flags().GetString("template")
			req.Priority, _ = cmd.Flags().GetString("priority")
			raw, _ := cmd.Flags().GetString("data")
			data, err := parseData(raw)
			if err != nil {
				return err
			}
			req.Data = data
			return dispatch(cmd, core.SendNotification{NotificationRequest: req})
		},
	}
	cmd.Flags().StringSlice("channel", nil, "channels (email, telegram, sms, webhook, push)")
	cmd.Flags().StringSlice("recipient", nil, "recipients")
	cmd.Flags().String("template", "", "template name")
	cmd.Flags().String("priority", "", "low, normal, high or urgent")
	cmd.Flags().String("data", "", "JSON template data")
	return cmd
}

// Trigger an ERP sync
func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger an ERP synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			entities, _ := cmd.Flags().GetStringSlice("entity")
			return dispatch(cmd, core.SyncERP{ERPSyncRequest: integrations.ERPSyncRequest{Entities: entities}})
		},
	}
	cmd.Flags().StringSlice("entity", nil, "entities to sync (default all)")
	return cmd
}

// Command a robot
func newRobotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robot <robot-id> <command>",
		Short: "Send a command through the robotics bridge",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("params")
			params, err := parseData(raw)
			if err != nil {
				return err
			}
			return dispatch(cmd, core.SendRobotCommand{RobotCommand: integrations.RobotCommand{
				RobotID:    args[0],
				Command:    args[1],
				Parameters: params,
			}})
		},
	}
	cmd.Flags().String("params", "", "JSON command parameters")
	return cmd
}

// Follow health and executions
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll continuously and print every published update",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := resolveMonitor(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			m.Health.OnPublish(func(snap api.HealthSnapshot) {
				mu.Lock()
				defer mu.Unlock()
				printHealth(out, snap, time.Now())
			})
			m.Executions.OnChange(func(v api.ExecutionView) {
				mu.Lock()
				defer mu.Unlock()
				printExecutions(out, v)
			})
			m.Start(cmd.Context())
			<-cmd.Context().Done()
			m.Stop()
			return nil
		},
	}
}

// Serve the monitoring API
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and expose it over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := resolveMonitor(cmd)
			if err != nil {
				return err
			}
			addr := m.Config.Monitoring.Addr
			if cmd.Flags().Changed("addr") {
				addr, _ = cmd.Flags().GetString("addr")
			}
			pprofAddr, _ := cmd.Flags().GetString("pprof")

			m.Start(cmd.Context())
			defer m.Stop()

			srv := m.Server(addr)
			errc := make(chan error, 2)
			go func() { errc <- srv.Start() }()
			var prof *telemetry.ProfilingServer
			if pprofAddr != "" {
				prof = telemetry.NewProfilingServer(pprofAddr)
				go func() { errc <- prof.Start() }()
			}

			select {
			case <-cmd.Context().Done():
			case err = <-errc:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("monitoring server shutdown")
			}
			if prof != nil {
				_ = prof.Shutdown(shutdownCtx)
			}
			return err
		},
	}
	cmd.Flags().String("addr", "", "listen address (default monitoring.addr)")
	cmd.Flags().String("pprof", "", "also serve pprof on this address")
	return cmd
}
