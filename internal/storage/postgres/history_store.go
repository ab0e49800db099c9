// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/JakeFAU/videre-progress/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "generations"

// Config controls the Postgres connection pool used for generation history.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// HistoryStore implements store.GenerationRepository using Postgres.
type HistoryStore struct {
	pool  pool
	table string
}

var _ store.GenerationRepository = (*HistoryStore)(nil)

// NewHistoryStore connects to Postgres using cfg.
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &HistoryStore{pool: p, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool, table string) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *HistoryStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the history table when it does not exist.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          uuid PRIMARY KEY,
	topic       text NOT NULL,
	status      text NOT NULL,
	result      text,
	reason      text,
	transcript  text,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertStart inserts a running record or refreshes the topic of an existing one.
func (s *HistoryStore) UpsertStart(ctx context.Context, id uuid.UUID, topic string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, topic, status, started_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET topic = EXCLUDED.topic`, s.table)
	if _, err := s.pool.Exec(ctx, query, id, topic, string(store.RunRunning), startedAt); err != nil {
		return fmt.Errorf("upsert generation start: %w", err)
	}
	return nil
}

// Complete marks the run finished with a terminal status.
func (s *HistoryStore) Complete(ctx context.Context, id uuid.UUID, c store.Completion) error {
	if !c.Status.Valid() || c.Status == store.RunRunning {
		return fmt.Errorf("completion status must be terminal, got %q", c.Status)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, result = $3, reason = $4
WHERE id = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query, c.FinishedAt, string(c.Status), c.Result, c.Reason, id)
	if err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetTranscript records the archive URI.
func (s *HistoryStore) SetTranscript(ctx context.Context, id uuid.UUID, uri string) error {
	query := fmt.Sprintf(`UPDATE %s SET transcript = $1 WHERE id = $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, uri, id)
	if err != nil {
		return fmt.Errorf("set transcript: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *HistoryStore) selectColumns() string {
	return fmt.Sprintf(`SELECT id::text, topic, status, result, reason, transcript, started_at, finished_at FROM %s`, s.table)
}

// Get retrieves a single record by id.
func (s *HistoryStore) Get(ctx context.Context, id uuid.UUID) (store.GenerationRecord, error) {
	row := s.pool.QueryRow(ctx, s.selectColumns()+` WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.GenerationRecord{}, store.ErrNotFound
		}
		return store.GenerationRecord{}, fmt.Errorf("get generation: %w", err)
	}
	return rec, nil
}

// List retrieves records newest first, with optional status filtering. A
// non-positive limit returns every row.
func (s *HistoryStore) List(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.GenerationRecord, error) {
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	query := s.selectColumns() + `
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, statusArg, limitArg, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []store.GenerationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (store.GenerationRecord, error) {
	var (
		rec    store.GenerationRecord
		id     string
		status string
	)
	if err := row.Scan(
		&id,
		&rec.Topic,
		&status,
		&rec.Result,
		&rec.Reason,
		&rec.Transcript,
		&rec.StartedAt,
		&rec.FinishedAt,
	); err != nil {
		return store.GenerationRecord{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.GenerationRecord{}, fmt.Errorf("parse id %q: %w", id, err)
	}
	rec.ID = parsed
	rec.Status = store.RunStatus(status)
	return rec, nil
}
