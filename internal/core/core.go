package core

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/hubmon/internal/integrations"
	"github.com/3cpo-dev/hubmon/internal/telemetry"
	"github.com/3cpo-dev/hubmon/pkg/api"
)

// Monitor wires the client, the two polling components, the dispatcher and
// the history store for one deployment.
type Monitor struct {
	Config     Config
	Client     *integrations.Client
	Registry   *integrations.Registry
	Health     *HealthAggregator
	Executions *ExecutionFeed
	Dispatcher *Dispatcher
	Store      *Store
	Metrics    *telemetry.Metrics
}

// NewMonitor builds a monitor from cfg. Nothing polls until Start.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := integrations.NewRegistry(cfg.Integrations...)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	store, err := NewStore("", cfg.History.Retention)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	metrics := telemetry.NewMetrics()
	client := integrations.NewClient(cfg.ClientConfig(), integrations.StaticCredentials{
		BearerToken: cfg.Auth.Token,
		TenantID:    cfg.Auth.Tenant,
	})

	m := &Monitor{Config: cfg, Client: client, Registry: reg, Store: store, Metrics: metrics}
	m.Health = NewHealthAggregator(client, reg, HealthOptions{
		Interval: cfg.HealthInterval(),
		Mode:     HealthMode(cfg.Health.Mode),
		Metrics:  metrics,
	})
	m.Executions = NewExecutionFeed(client, FeedOptions{
		Interval:    cfg.FeedInterval(),
		Filter:      cfg.ExecutionFilter(),
		AutoRefresh: cfg.Executions.AutoRefresh,
		Metrics:     metrics,
	})
	m.Dispatcher = NewDispatcher(client, m.Executions, m.Health, DispatcherOptions{Recorder: store, Metrics: metrics})
	m.Health.OnPublish(func(snap api.HealthSnapshot) {
		if err := store.RecordSnapshot(context.Background(), snap); err != nil {
			log.Warn().Err(err).Uint64("cycle", snap.Cycle).Msg("record health history")
		}
	})
	return m, nil
}

// Start begins health polling and the execution feed.
func (m *Monitor) Start(ctx context.Context) {
	log.Info().
		Int("integrations", m.Registry.Len()).
		Dur("health_interval", m.Config.HealthInterval()).
		Dur("feed_interval", m.Config.FeedInterval()).
		Str("mode", m.Config.Health.Mode).
		Msg("monitor starting")
	m.Health.Start(ctx)
	m.Executions.Start(ctx)
}

// Stop halts polling, cancels in-flight calls and releases resources.
func (m *Monitor) Stop() {
	m.Health.Stop()
	m.Executions.Stop()
	if err := m.Client.Close(); err != nil {
		log.Debug().Err(err).Msg("close client")
	}
	if err := m.Store.Close(); err != nil {
		log.Debug().Err(err).Msg("close store")
	}
	log.Info().Msg("monitor stopped")
}

// History returns recent health points for a registered integration.
func (m *Monitor) History(ctx context.Context, integrationID string, limit int) ([]api.HealthPoint, error) {
	if _, err := m.Registry.Get(integrationID); err != nil {
		return nil, err
	}
	return m.Store.History(ctx, integrationID, limit)
}

// Actions returns the most recently acknowledged actions.
func (m *Monitor) Actions(ctx context.Context, limit int) ([]api.ActionRecord, error) {
	return m.Store.Actions(ctx, limit)
}

// Ping reports whether the history store is usable.
func (m *Monitor) Ping(ctx context.Context) error { return m.Store.Ping(ctx) }

// Server builds the monitoring HTTP surface for this monitor.
func (m *Monitor) Server(addr string) *telemetry.MonitoringServer {
	return telemetry.NewMonitoringServer(addr, telemetry.Sources{
		Health:     m.Health,
		Executions: m.Executions,
		History:    m,
		Actions:    m.Dispatcher,
		ActionLog:  m,
		Store:      m,
	}, m.Metrics)
}
