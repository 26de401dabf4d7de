package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version   = "0.3.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hubmon",
		Short: "hubmon: integration health and execution monitoring",
		Long:  color.CyanString("hubmon") + " polls the integration hub, merges health across services and lets you act on workflows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")
	cmd.PersistentFlags().Bool("no-color", false, "disable colored output")

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		zerolog.SetGlobalLevel(parseLevel(levelStr))
		if noColor, _ := c.Flags().GetBool("no-color"); noColor {
			color.NoColor = true
		}
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newExecutionsCmd())
	cmd.AddCommand(newWorkflowsCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newToggleCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newPredictCmd())
	cmd.AddCommand(newNotifyCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newRobotCmd())
	cmd.AddCommand(newJobCmd())
	cmd.AddCommand(newResultsCmd())
	cmd.AddCommand(newExecutionCmd())
	cmd.AddCommand(newRobotsCmd())
	cmd.AddCommand(newERPStatusCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hubmon %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		cancel()
		os.Exit(1)
	}
}
