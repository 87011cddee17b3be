// Package postgres provides the Postgres-backed Store implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists DataPoints, StatusRecords, and per-source runtime state.
type Store struct {
	pool pool
}

// New creates a Store connected via the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for tests).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS data_points (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL,
	raw           JSONB NOT NULL,
	fields        JSONB NOT NULL,
	collected_at  TIMESTAMPTZ NOT NULL,
	source_time   TIMESTAMPTZ,
	snapshot_uri  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS data_points_source_collected_idx
	ON data_points (source_id, collected_at DESC);

CREATE TABLE IF NOT EXISTS status_records (
	id          TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	state       TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	attempt     INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS status_records_source_created_idx
	ON status_records (source_id, created_at DESC);

CREATE TABLE IF NOT EXISTS source_runtime (
	source_id             TEXT PRIMARY KEY,
	next_run_at           TIMESTAMPTZ NOT NULL,
	consecutive_failures  INT NOT NULL DEFAULT 0,
	paused_until          TIMESTAMPTZ,
	last_run_at           TIMESTAMPTZ,
	last_status           TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateDataPoint inserts one row.
func (s *Store) CreateDataPoint(ctx context.Context, dp poller.DataPoint) error {
	if dp.ID == "" {
		return fmt.Errorf("data point id is required")
	}
	rawJSON, err := json.Marshal(dp.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw fields: %w", err)
	}
	fieldsJSON, err := json.Marshal(dp.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	const q = `
INSERT INTO data_points (id, source_id, raw, fields, collected_at, source_time, snapshot_uri)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, q,
		dp.ID, dp.SourceID, rawJSON, fieldsJSON, dp.CollectedAt, dp.SourceTime, dp.SnapshotURI,
	); err != nil {
		return fmt.Errorf("insert data point: %w", err)
	}
	return nil
}

const dataPointColumns = `id, source_id, raw, fields, collected_at, source_time, snapshot_uri`

// FindLatest returns the newest DataPoint collected at or after since.
func (s *Store) FindLatest(ctx context.Context, sourceID string, since time.Time) (poller.DataPoint, error) {
	q := fmt.Sprintf(`
SELECT %s FROM data_points
WHERE source_id = $1 AND collected_at >= $2
ORDER BY collected_at DESC
LIMIT 1`, dataPointColumns)
	row := s.pool.QueryRow(ctx, q, sourceID, since)
	dp, err := scanDataPoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return poller.DataPoint{}, poller.ErrNotFound
	}
	if err != nil {
		return poller.DataPoint{}, fmt.Errorf("query latest data point: %w", err)
	}
	return dp, nil
}

// FindRange returns DataPoints within [from, to], ascending.
func (s *Store) FindRange(ctx context.Context, sourceID string, from, to time.Time) ([]poller.DataPoint, error) {
	q := fmt.Sprintf(`
SELECT %s FROM data_points
WHERE source_id = $1 AND collected_at >= $2 AND collected_at <= $3
ORDER BY collected_at ASC`, dataPointColumns)
	rows, err := s.pool.Query(ctx, q, sourceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query data point range: %w", err)
	}
	defer rows.Close()

	var out []poller.DataPoint
	for rows.Next() {
		dp, err := scanDataPoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data point: %w", err)
		}
		out = append(out, dp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data points: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes DataPoints and StatusRecords from before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	points, err := s.pool.Exec(ctx, `DELETE FROM data_points WHERE collected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old data points: %w", err)
	}
	statuses, err := s.pool.Exec(ctx, `DELETE FROM status_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return points.RowsAffected(), fmt.Errorf("delete old status records: %w", err)
	}
	return points.RowsAffected() + statuses.RowsAffected(), nil
}

// AppendStatusRecord inserts one history row.
func (s *Store) AppendStatusRecord(ctx context.Context, rec poller.StatusRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("status record id is required")
	}
	const q = `
INSERT INTO status_records (id, source_id, state, message, attempt, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, q,
		rec.ID, rec.SourceID, string(rec.State), rec.Message, rec.Attempt, rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert status record: %w", err)
	}
	return nil
}

// LoadRuntimeState returns the persisted scheduling state for a source.
func (s *Store) LoadRuntimeState(ctx context.Context, sourceID string) (poller.RuntimeState, error) {
	const q = `
SELECT source_id, next_run_at, consecutive_failures, paused_until, last_run_at, last_status
FROM source_runtime WHERE source_id = $1`
	var (
		state      poller.RuntimeState
		lastStatus string
	)
	err := s.pool.QueryRow(ctx, q, sourceID).Scan(
		&state.SourceID,
		&state.NextRunAt,
		&state.ConsecutiveFailures,
		&state.PausedUntil,
		&state.LastRunAt,
		&lastStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return poller.RuntimeState{}, poller.ErrNotFound
	}
	if err != nil {
		return poller.RuntimeState{}, fmt.Errorf("query runtime state: %w", err)
	}
	state.LastStatus = poller.RunState(lastStatus)
	return state, nil
}

// SaveRuntimeState upserts the scheduling state for a source.
func (s *Store) SaveRuntimeState(ctx context.Context, state poller.RuntimeState) error {
	if state.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	const q = `
INSERT INTO source_runtime (source_id, next_run_at, consecutive_failures, paused_until, last_run_at, last_status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source_id) DO UPDATE SET
	next_run_at = EXCLUDED.next_run_at,
	consecutive_failures = EXCLUDED.consecutive_failures,
	paused_until = EXCLUDED.paused_until,
	last_run_at = EXCLUDED.last_run_at,
	last_status = EXCLUDED.last_status`
	if _, err := s.pool.Exec(ctx, q,
		state.SourceID,
		state.NextRunAt,
		state.ConsecutiveFailures,
		state.PausedUntil,
		state.LastRunAt,
		string(state.LastStatus),
	); err != nil {
		return fmt.Errorf("upsert runtime state: %w", err)
	}
	return nil
}

func scanDataPoint(row pgx.Row) (poller.DataPoint, error) {
	var (
		dp         poller.DataPoint
		rawJSON    []byte
		fieldsJSON []byte
	)
	if err := row.Scan(
		&dp.ID,
		&dp.SourceID,
		&rawJSON,
		&fieldsJSON,
		&dp.CollectedAt,
		&dp.SourceTime,
		&dp.SnapshotURI,
	); err != nil {
		return poller.DataPoint{}, err
	}
	if err := json.Unmarshal(rawJSON, &dp.Raw); err != nil {
		return poller.DataPoint{}, fmt.Errorf("unmarshal raw fields: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &dp.Fields); err != nil {
		return poller.DataPoint{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	return dp, nil
}
