package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recurd/internal/schedule"
	logx "recurd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, task_name, args, kwargs, iso_schedule, first_run, last_run_at,
	total_run_count, remaining_runs, enabled, consecutive_failures, failure_threshold,
	resource, principal, last_updated`

func (s *sqliteStore) List(ctx context.Context) ([]*schedule.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Record
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			// One broken schedule must never halt loading the rest.
			s.log.Warn("skipping corrupt schedule row", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*schedule.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	r, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

func (s *sqliteStore) Insert(ctx context.Context, r *schedule.Record) error {
	args, kwargs, principal, err := marshalOpaque(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskName, args, kwargs, r.Expression,
		r.FirstRun.Format(time.RFC3339), nullTime(r.LastRunAt),
		r.TotalRunCount, nullInt(r.RemainingRuns), r.Enabled,
		r.ConsecutiveFailures, r.FailureThreshold,
		r.Resource, principal, r.LastUpdated.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Update(ctx context.Context, r *schedule.Record, prevUpdated time.Time) error {
	args, kwargs, principal, err := marshalOpaque(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET task_name=?, args=?, kwargs=?, iso_schedule=?, first_run=?,
			last_run_at=?, total_run_count=?, remaining_runs=?, enabled=?,
			consecutive_failures=?, failure_threshold=?, resource=?, principal=?, last_updated=?
		 WHERE id=? AND last_updated=?`,
		r.TaskName, args, kwargs, r.Expression, r.FirstRun.Format(time.RFC3339),
		nullTime(r.LastRunAt), r.TotalRunCount, nullInt(r.RemainingRuns), r.Enabled,
		r.ConsecutiveFailures, r.FailureThreshold, r.Resource, principal,
		r.LastUpdated.UnixMilli(),
		r.ID, prevUpdated.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		qerr := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM schedules WHERE id = ?`, r.ID).Scan(&exists)
		if errors.Is(qerr, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
		}
		return fmt.Errorf("%w: %s", ErrConflict, r.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord rebuilds a record from a row through the generic raw mapping,
// so the storage layout stays the flat field set the codec defines.
func (s *sqliteStore) scanRecord(row rowScanner) (*schedule.Record, error) {
	var (
		id, task, args, kwargs, iso, firstRun string
		lastRun                               sql.NullString
		total, cf, ft, lastUpdated            int64
		remaining                             sql.NullInt64
		enabled                               bool
		resource, principal                   string
	)
	if err := row.Scan(&id, &task, &args, &kwargs, &iso, &firstRun, &lastRun,
		&total, &remaining, &enabled, &cf, &ft, &resource, &principal, &lastUpdated); err != nil {
		return nil, err
	}

	raw := map[string]any{
		"id":                   id,
		"task_name":            task,
		"iso_schedule":         iso,
		"first_run":            firstRun,
		"total_run_count":      total,
		"enabled":              enabled,
		"consecutive_failures": cf,
		"failure_threshold":    ft,
		"resource":             resource,
		"last_updated":         lastUpdated,
	}
	if lastRun.Valid {
		raw["last_run_at"] = lastRun.String
	}
	if remaining.Valid {
		raw["remaining_runs"] = remaining.Int64
	}

	var argsVal []any
	if err := json.Unmarshal([]byte(args), &argsVal); err != nil {
		return nil, fmt.Errorf("schedule %s: bad args: %w", id, err)
	}
	raw["args"] = argsVal

	var kwargsVal map[string]any
	if err := json.Unmarshal([]byte(kwargs), &kwargsVal); err != nil {
		return nil, fmt.Errorf("schedule %s: bad kwargs: %w", id, err)
	}
	raw["kwargs"] = kwargsVal

	var principalVal map[string]any
	if err := json.Unmarshal([]byte(principal), &principalVal); err != nil {
		return nil, fmt.Errorf("schedule %s: bad principal: %w", id, err)
	}
	raw["principal"] = principalVal

	return schedule.FromRaw(raw)
}

func marshalOpaque(r *schedule.Record) (args, kwargs, principal string, err error) {
	a, err := json.Marshal(orEmptyList(r.Args))
	if err != nil {
		return "", "", "", fmt.Errorf("schedule %s: marshal args: %w", r.ID, err)
	}
	k, err := json.Marshal(orEmptyMap(r.Kwargs))
	if err != nil {
		return "", "", "", fmt.Errorf("schedule %s: marshal kwargs: %w", r.ID, err)
	}
	p, err := json.Marshal(orEmptyMap(r.Principal))
	if err != nil {
		return "", "", "", fmt.Errorf("schedule %s: marshal principal: %w", r.ID, err)
	}
	return string(a), string(k), string(p), nil
}

func orEmptyList(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
