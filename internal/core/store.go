package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/hubmon/pkg/api"
)

const DefaultRetention = 500

// Store is a SQLite-backed history of health points and dispatched actions.
// The default DSN is in-memory, so nothing survives a restart.
type Store struct {
	db        *sql.DB
	retention int
	now       func() time.Time
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens path (":memory:" when empty) and applies the schema.
// retention caps the points kept per integration and the action log.
func NewStore(path string, retention int) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, retention: retention, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// RecordSnapshot appends one point per polled integration and prunes each
// integration's history to the retention limit.
func (s *Store) RecordSnapshot(ctx context.Context, snap api.HealthSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, h := range snap.Integrations {
		if h.CheckedAt.IsZero() {
			continue
		}
		var latency sql.NullInt64
		if h.LatencyMs != nil {
			latency = sql.NullInt64{Int64: *h.LatencyMs, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO health_points (integration_id, status, latency_ms, checked_at, cycle) VALUES (?, ?, ?, ?, ?)`,
			h.ID, string(h.Status), latency, h.CheckedAt.UnixNano(), int64(snap.Cycle)); err != nil {
			return fmt.Errorf("insert health point: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM health_points WHERE integration_id = ? AND id NOT IN (
				SELECT id FROM health_points WHERE integration_id = ? ORDER BY id DESC LIMIT ?)`,
			h.ID, h.ID, s.retention); err != nil {
			return fmt.Errorf("prune health points: %w", err)
		}
	}
	return tx.Commit()
}

// History returns up to limit points for an integration, newest first.
func (s *Store) History(ctx context.Context, integrationID string, limit int) ([]api.HealthPoint, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT integration_id, status, latency_ms, checked_at, cycle FROM health_points
		 WHERE integration_id = ? ORDER BY id DESC LIMIT ?`, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	out := []api.HealthPoint{}
	for rows.Next() {
		var (
			p       api.HealthPoint
			status  string
			latency sql.NullInt64
			checked int64
			cycle   int64
		)
		if err := rows.Scan(&p.IntegrationID, &status, &latency, &checked, &cycle); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		p.Status = api.HealthStatus(status)
		if latency.Valid {
			v := latency.Int64
			p.LatencyMs = &v
		}
		p.CheckedAt = time.Unix(0, checked).UTC()
		p.Cycle = uint64(cycle)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordAck appends an acknowledged action to the action log.
func (s *Store) RecordAck(ctx context.Context, action string, ack api.Ack) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (action, ack_id, kind, status, message, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		action, ack.ID, string(ack.Kind), ack.Status, ack.Message, s.now().UnixNano()); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE id NOT IN (SELECT id FROM actions ORDER BY id DESC LIMIT ?)`, s.retention); err != nil {
		return fmt.Errorf("prune actions: %w", err)
	}
	return nil
}

// Actions returns up to limit recorded actions, newest first.
func (s *Store) Actions(ctx context.Context, limit int) ([]api.ActionRecord, error) {
	if limit <= 0 || limit > s.retention {
		limit = s.retention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, ack_id, kind, status, message, recorded_at FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	out := []api.ActionRecord{}
	for rows.Next() {
		var (
			r    api.ActionRecord
			kind string
			at   int64
		)
		if err := rows.Scan(&r.Action, &r.Ack.ID, &kind, &r.Ack.Status, &r.Ack.Message, &at); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		r.Ack.Kind = api.AckKind(kind)
		r.RecordedAt = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
