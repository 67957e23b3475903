// Package postgres persists run history in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
	"github.com/JakeFAU/nginx-cache-preloader/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	RunsTable       string
	SitesTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// RunStore implements store.RunRepository.
type RunStore struct {
	pool  dbPool
	runs  string
	sites string
}

var _ store.RunRepository = (*RunStore)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*RunStore, error) {
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.RunsTable, cfg.SitesTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store over an existing pool (pgxmock in tests).
func NewWithPool(pool dbPool, runsTable, sitesTable string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "preload_runs"
	}
	if sitesTable == "" {
		sitesTable = "preload_run_sites"
	}
	for _, name := range []string{runsTable, sitesTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &RunStore{pool: pool, runs: runsTable, sites: sitesTable}, nil
}

// Close releases the pool.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the tables when they do not exist.
func (s *RunStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            text PRIMARY KEY,
	kind          text NOT NULL,
	started_at    timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text NOT NULL,
	checked       bigint NOT NULL DEFAULT 0,
	errors        bigint NOT NULL DEFAULT 0,
	error_message text,
	report_uri    text
);
CREATE TABLE IF NOT EXISTS %[2]s (
	run_id      text NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
	site        text NOT NULL,
	last_update timestamptz NOT NULL,
	fetches     bigint NOT NULL DEFAULT 0,
	bytes_total bigint NOT NULL DEFAULT 0,
	fetch_2xx   bigint NOT NULL DEFAULT 0,
	fetch_3xx   bigint NOT NULL DEFAULT 0,
	fetch_4xx   bigint NOT NULL DEFAULT 0,
	fetch_5xx   bigint NOT NULL DEFAULT 0,
	fetch_other bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, site)
);`, s.runs, s.sites)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate run tables: %w", err)
	}
	return nil
}

// StartRun inserts a running row; replays are ignored.
func (s *RunStore) StartRun(ctx context.Context, runID string, kind crawler.Kind, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, string(kind), startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun records the terminal state.
func (s *RunStore) FinishRun(ctx context.Context, runID string, done store.RunCompletion) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, checked = $3, errors = $4, error_message = $5
		WHERE id = $6;`, s.runs)
	tag, err := s.pool.Exec(ctx, query,
		done.FinishedAt, string(done.Status), done.Checked, done.Errors, done.ErrorMessage, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AttachReport stores the report URI.
func (s *RunStore) AttachReport(ctx context.Context, runID string, uri string) error {
	query := fmt.Sprintf(`UPDATE %s SET report_uri = $1 WHERE id = $2;`, s.runs)
	tag, err := s.pool.Exec(ctx, query, uri, runID)
	if err != nil {
		return fmt.Errorf("failed to attach report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

var classColumns = map[string]string{
	"2xx": "fetch_2xx",
	"3xx": "fetch_3xx",
	"4xx": "fetch_4xx",
	"5xx": "fetch_5xx",
}

// UpsertSiteStats applies fetch deltas for one site.
func (s *RunStore) UpsertSiteStats(
	ctx context.Context,
	runID string,
	site string,
	deltaFetches int64,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	column, ok := classColumns[statusClass]
	if !ok {
		column = "fetch_other"
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (run_id, site, last_update, fetches, bytes_total, %[2]s)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (run_id, site) DO UPDATE SET
			fetches = %[1]s.fetches + EXCLUDED.fetches,
			bytes_total = %[1]s.bytes_total + EXCLUDED.bytes_total,
			%[2]s = %[1]s.%[2]s + EXCLUDED.%[2]s,
			last_update = GREATEST(%[1]s.last_update, EXCLUDED.last_update);`, s.sites, column)
	if _, err := s.pool.Exec(ctx, query, runID, site, at, deltaFetches, deltaBytes); err != nil {
		return fmt.Errorf("failed to upsert site stats: %w", err)
	}
	return nil
}

func (s *RunStore) runColumns() string {
	return "id, kind, started_at, finished_at, status, checked, errors, error_message, report_uri"
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run      store.Run
		kind     string
		status   string
		finished pgtype.Timestamptz
		errMsg   pgtype.Text
		report   pgtype.Text
	)
	if err := row.Scan(&run.ID, &kind, &run.StartedAt, &finished, &status, &run.Checked, &run.Errors, &errMsg, &report); err != nil {
		return store.Run{}, err
	}
	run.Kind = crawler.Kind(kind)
	run.Status = store.RunStatus(status)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	if report.Valid {
		uri := report.String
		run.ReportURI = &uri
	}
	return run, nil
}

// GetRun loads one run.
func (s *RunStore) GetRun(ctx context.Context, runID string) (store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1;`, s.runColumns(), s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first. A non-positive limit returns all rows.
func (s *RunStore) ListRuns(ctx context.Context, kind *crawler.Kind, limit, offset int) ([]store.Run, error) {
	var kindArg, limitArg any
	if kind != nil {
		kindArg = string(*kind)
	}
	if limit > 0 {
		limitArg = limit
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ($1::text IS NULL OR kind = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`, s.runColumns(), s.runs)
	rows, err := s.pool.Query(ctx, query, kindArg, limitArg, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunSites lists per-site stats for one run.
func (s *RunStore) ListRunSites(ctx context.Context, runID string, limit, offset int) ([]store.SiteStats, error) {
	query := fmt.Sprintf(`
		SELECT run_id, site, last_update, fetches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx, fetch_other
		FROM %s
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;`, s.sites)
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, runID, limitArg, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	defer rows.Close()

	stats := []store.SiteStats{}
	for rows.Next() {
		var stat store.SiteStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Fetches,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
			&stat.FetchOther,
		); err != nil {
			return nil, fmt.Errorf("failed to scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate site stats: %w", err)
	}
	return stats, nil
}
