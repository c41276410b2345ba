// Package postgressink writes accepted items into a Postgres table.
package postgressink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/sink"
)

const defaultTable = "crawl_items"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for item rows.
type Config struct {
	DSN             string
	Table           string
	RunID           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Sink inserts one row per item.
type Sink struct {
	pool  execCloser
	table string
	runID string
	ids   crawler.IDGenerator
	clock crawler.Clock
}

// New connects a pool, creates the table if needed, and returns a Sink.
func New(ctx context.Context, cfg Config, ids crawler.IDGenerator, clock crawler.Clock) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table, cfg.RunID, ids, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a Sink from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table, runID string, ids crawler.IDGenerator, clock crawler.Clock) (*Sink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table, runID: runID, ids: ids, clock: clock}, nil
}

// EnsureSchema creates the item table when missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	accepted_at TIMESTAMPTZ NOT NULL,
	data        JSONB NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create item table: %w", err)
	}
	return nil
}

// Accept implements crawler.ItemSink.
func (s *Sink) Accept(ctx context.Context, item crawler.Item) error {
	rec, err := sink.NewRecord(s.ids, s.clock, s.runID, item)
	if err != nil {
		return err
	}
	dataJSON, err := json.Marshal(nonNil(rec.Data))
	if err != nil {
		return fmt.Errorf("marshal item data: %w", err)
	}
	metaJSON, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal item metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, run_id, accepted_at, data, metadata)
VALUES ($1,$2,$3,$4,$5)`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.ID, rec.RunID, rec.AcceptedAt, dataJSON, metaJSON); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
