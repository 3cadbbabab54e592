// Package postgres mirrors crawl records into Postgres tables.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/apimapper/internal/sink"
)

var validTablePrefix = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	TablePrefix     string
	RunID           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

type clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// RecordStore writes response, item and error rows into three tables named
// <prefix>_responses, <prefix>_items and <prefix>_errors. It implements
// sink.RecordSink.
type RecordStore struct {
	pool   execCloser
	prefix string
	runID  string
	clock  clock
}

var _ sink.RecordSink = (*RecordStore)(nil)

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(pool, cfg.TablePrefix, cfg.RunID, nil)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
// A nil clk uses the wall clock in UTC.
func NewRecordStoreWithPool(pool execCloser, prefix, runID string, clk clock) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "crawl"
	}
	if !validTablePrefix.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	if clk == nil {
		clk = utcClock{}
	}
	return &RecordStore{pool: pool, prefix: prefix, runID: runID, clock: clk}, nil
}

// EnsureSchema creates the record tables if they are missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_responses (
	run_id       TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	endpoint_key TEXT NOT NULL,
	url          TEXT NOT NULL,
	kind         TEXT NOT NULL,
	page         INTEGER,
	status       INTEGER NOT NULL,
	body         JSONB
)`, s.prefix),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_items (
	run_id          TEXT NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL,
	source_endpoint TEXT NOT NULL,
	source_url      TEXT NOT NULL,
	item            JSONB
)`, s.prefix),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s_errors (
	run_id       TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	url          TEXT NOT NULL,
	endpoint_key TEXT NOT NULL,
	status       INTEGER,
	error_type   TEXT NOT NULL,
	error        TEXT
)`, s.prefix),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WriteResponse inserts one response row.
func (s *RecordStore) WriteResponse(ctx context.Context, rec sink.ResponseRecord) error {
	body := []byte(rec.Body)
	if len(body) == 0 {
		body = nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s_responses (
	run_id, recorded_at, endpoint_key, url, kind, page, status, body
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.prefix)
	if _, err := s.pool.Exec(ctx, query,
		s.runID, s.clock.Now(), rec.EndpointKey, rec.URL, rec.Kind, rec.Page, rec.Status, body,
	); err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// WriteItem inserts one item row. The source column holds the page URL for
// drained collections and the plain URL otherwise.
func (s *RecordStore) WriteItem(ctx context.Context, rec sink.ItemRecord) error {
	item, err := json.Marshal(rec.Item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	source := rec.SourcePageURL
	if source == "" {
		source = rec.SourceURL
	}
	query := fmt.Sprintf(`
INSERT INTO %s_items (
	run_id, recorded_at, source_endpoint, source_url, item
) VALUES ($1,$2,$3,$4,$5)`, s.prefix)
	if _, err := s.pool.Exec(ctx, query,
		s.runID, s.clock.Now(), rec.SourceEndpoint, source, item,
	); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// WriteError inserts one error row.
func (s *RecordStore) WriteError(ctx context.Context, rec sink.ErrorRecord) error {
	var status *int
	if rec.Status != 0 {
		status = &rec.Status
	}
	var msg *string
	if rec.Error != "" {
		msg = &rec.Error
	}
	query := fmt.Sprintf(`
INSERT INTO %s_errors (
	run_id, recorded_at, url, endpoint_key, status, error_type, error
) VALUES ($1,$2,$3,$4,$5,$6,$7)`, s.prefix)
	if _, err := s.pool.Exec(ctx, query,
		s.runID, s.clock.Now(), rec.URL, rec.EndpointKey, status, rec.ErrorType, msg,
	); err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
