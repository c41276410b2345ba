// Package postgres implements a durable work queue and seen store on Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable        = "crawl_queue"
	defaultPollInterval = 200 * time.Millisecond
)

// Config controls the connection pool and table layout.
type Config struct {
	DSN             string
	Table           string
	MaxSize         int
	PollInterval    time.Duration
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Queue stores entries in a table ordered by (priority DESC, id ASC). Pops use
// SKIP LOCKED so several processes can consume the same table.
type Queue struct {
	pool         pool
	table        string
	maxSize      int
	pollInterval time.Duration
	closed       atomic.Bool
}

// Connect opens a pgx pool from cfg.DSN and builds a Queue on it.
func Connect(ctx context.Context, cfg Config) (*Queue, error) {
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg)
}

// NewWithPool constructs a Queue from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Queue, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Queue{
		pool:         p,
		table:        table,
		maxSize:      max(cfg.MaxSize, 0),
		pollInterval: poll,
	}, nil
}

// EnsureSchema creates the queue and seen tables when missing.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	priority INTEGER NOT NULL,
	payload JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_order_idx ON %[1]s (priority DESC, id ASC);
CREATE TABLE IF NOT EXISTS %[1]s_seen (
	fingerprint BYTEA PRIMARY KEY
)`, q.table)
	if _, err := q.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure queue schema: %w", err)
	}
	return nil
}

// Put inserts req.
func (q *Queue) Put(ctx context.Context, req *crawler.Request, priority int) error {
	if q.closed.Load() {
		return crawler.ErrQueueClosed
	}
	payload, err := crawler.MarshalRequest(req)
	if err != nil {
		return err
	}
	if q.maxSize > 0 {
		size, err := q.Size(ctx)
		if err != nil {
			return err
		}
		if size >= q.maxSize {
			return crawler.ErrQueueFull
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (priority, payload) VALUES ($1, $2)`, q.table)
	if _, err := q.pool.Exec(ctx, query, priority, payload); err != nil {
		return fmt.Errorf("insert queue entry: %w", err)
	}
	return nil
}

// TryGet deletes and returns the head row.
func (q *Queue) TryGet(ctx context.Context) (*crawler.Request, bool, error) {
	query := fmt.Sprintf(`
DELETE FROM %[1]s
WHERE id = (
	SELECT id FROM %[1]s
	ORDER BY priority DESC, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING payload`, q.table)
	var payload []byte
	if err := q.pool.QueryRow(ctx, query).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pop queue entry: %w", err)
	}
	req, err := crawler.UnmarshalRequest(payload)
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// Get polls until a row is available, the queue closes, or ctx ends.
func (q *Queue) Get(ctx context.Context) (*crawler.Request, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		req, ok, err := q.TryGet(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return req, nil
		}
		if q.closed.Load() {
			return nil, crawler.ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Size counts queued rows.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, q.table)
	if err := q.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return int(n), nil
}

// MaxSize returns the configured capacity.
func (q *Queue) MaxSize() int {
	return q.maxSize
}

// Clear deletes every queued row.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, q.table))
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close marks the queue closed for this process. The pool stays open until
// Release so the seen store can keep using it.
func (q *Queue) Close(context.Context) error {
	q.closed.Store(true)
	return nil
}

// Release closes the underlying pool.
func (q *Queue) Release() {
	if q == nil || q.pool == nil {
		return
	}
	q.pool.Close()
}

// SeenStore returns a fingerprint store backed by <table>_seen.
func (q *Queue) SeenStore() *SeenStore {
	return &SeenStore{pool: q.pool, table: q.table + "_seen"}
}

// SeenStore persists fingerprints so dedup survives restarts.
type SeenStore struct {
	pool  pool
	table string
}

// Load reads every stored fingerprint.
func (s *SeenStore) Load(ctx context.Context) ([]crawler.Fingerprint, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT fingerprint FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("load seen fingerprints: %w", err)
	}
	defer rows.Close()
	var out []crawler.Fingerprint
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan seen fingerprint: %w", err)
		}
		var fp crawler.Fingerprint
		if len(raw) != len(fp) {
			continue
		}
		copy(fp[:], raw)
		out = append(out, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen fingerprints: %w", err)
	}
	return out, nil
}

// Record inserts fp, ignoring duplicates.
func (s *SeenStore) Record(ctx context.Context, fp crawler.Fingerprint) error {
	query := fmt.Sprintf(`INSERT INTO %s (fingerprint) VALUES ($1) ON CONFLICT DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, fp[:]); err != nil {
		return fmt.Errorf("record seen fingerprint: %w", err)
	}
	return nil
}
