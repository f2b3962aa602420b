package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "testdeck/pkg/logx"
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
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
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

// ---- schedules ----

func (s *sqliteStore) UpsertSchedule(ctx context.Context, def ScheduleDefinition) error {
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, owner_kind, owner_id, cron_expr, enabled, next_fire_at, retry_limit, exec_type, script_ref, target, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_kind=excluded.owner_kind, owner_id=excluded.owner_id,
		   cron_expr=excluded.cron_expr, enabled=excluded.enabled,
		   next_fire_at=excluded.next_fire_at, retry_limit=excluded.retry_limit,
		   exec_type=excluded.exec_type, script_ref=excluded.script_ref,
		   target=excluded.target, updated_at=excluded.updated_at`,
		def.ID, def.OwnerKind, def.OwnerID, def.CronExpr, boolInt(def.Enabled),
		nullTime(def.NextFireAt), def.RetryLimit, def.ExecType, def.ScriptRef,
		def.Target, def.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (ScheduleDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_kind, owner_id, cron_expr, enabled, next_fire_at, retry_limit, exec_type, script_ref, target, updated_at
		 FROM schedules WHERE id = ?`, id)
	def, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleDefinition{}, ErrNotFound
	}
	return def, err
}

func (s *sqliteStore) ListEnabledSchedules(ctx context.Context) ([]ScheduleDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_kind, owner_id, cron_expr, enabled, next_fire_at, retry_limit, exec_type, script_ref, target, updated_at
		 FROM schedules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateScheduleNextFire(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire_at = ? WHERE id = ?`, nullTime(next), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (ScheduleDefinition, error) {
	var (
		def     ScheduleDefinition
		enabled int
		next    sql.NullString
		updated string
	)
	if err := r.Scan(&def.ID, &def.OwnerKind, &def.OwnerID, &def.CronExpr, &enabled,
		&next, &def.RetryLimit, &def.ExecType, &def.ScriptRef, &def.Target, &updated); err != nil {
		return ScheduleDefinition{}, err
	}
	def.Enabled = enabled != 0
	def.NextFireAt = parseTime(next)
	def.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return def, nil
}

// ---- runs ----

func (s *sqliteStore) InsertRun(ctx context.Context, rec RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, owner_kind, owner_id, test_id, requirement_id, exec_type, status, output, report_url, error_details, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OwnerKind, rec.OwnerID, rec.TestID, rec.RequirementID,
		rec.ExecType, rec.Status, rec.Output, rec.ReportURL, rec.ErrorDetails,
		rec.CreatedAt.Format(time.RFC3339Nano), nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (s *sqliteStore) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'running', started_at = ? WHERE id = ?`,
		nullTime(startedAt), id)
	return err
}

// FinishRun writes the terminal snapshot of a run: status, accumulated
// output, report location and error details.
func (s *sqliteStore) FinishRun(ctx context.Context, rec RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, report_url = ?, error_details = ?, completed_at = ? WHERE id = ?`,
		rec.Status, rec.Output, rec.ReportURL, rec.ErrorDetails, nullTime(rec.CompletedAt), rec.ID)
	return err
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_kind, owner_id, test_id, requirement_id, exec_type, status, output, report_url, error_details, created_at, started_at, completed_at
		 FROM runs WHERE id = ?`, id)

	var (
		rec               RunRecord
		created           string
		started, finished sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.OwnerKind, &rec.OwnerID, &rec.TestID, &rec.RequirementID,
		&rec.ExecType, &rec.Status, &rec.Output, &rec.ReportURL, &rec.ErrorDetails,
		&created, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.StartedAt = parseTime(started)
	rec.CompletedAt = parseTime(finished)
	return rec, nil
}

// LatestTerminalStatus resolves the most recent terminal run for a test.
// ok is false when the test has never reached a terminal run.
func (s *sqliteStore) LatestTerminalStatus(ctx context.Context, testID string) (string, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM runs
		 WHERE test_id = ? AND status IN ('passed','failed','error','cancelled')
		 ORDER BY completed_at DESC LIMIT 1`, testID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// RecoverStrandedRuns forces runs left queued/running by a previous
// process into a terminal error state. Called once at startup.
func (s *sqliteStore) RecoverStrandedRuns(ctx context.Context, details string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'error', error_details = ?, completed_at = ?
		 WHERE status IN ('queued','running')`,
		details, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- requirement coverage ----

func (s *sqliteStore) LinkTest(ctx context.Context, requirementID, testID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requirement_links(requirement_id, test_id, linked_at) VALUES(?,?,?)
		 ON CONFLICT(requirement_id, test_id) DO NOTHING`,
		requirementID, testID, time.Now().Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) UnlinkTest(ctx context.Context, requirementID, testID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM requirement_links WHERE requirement_id = ? AND test_id = ?`,
		requirementID, testID)
	return err
}

func (s *sqliteStore) ListLinkedTests(ctx context.Context, requirementID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id FROM requirement_links WHERE requirement_id = ? ORDER BY test_id`,
		requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListRequirementsForTest(ctx context.Context, testID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT requirement_id FROM requirement_links WHERE test_id = ? ORDER BY requirement_id`,
		testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListRequirementIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT requirement_id FROM requirement_links ORDER BY requirement_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertCoverage(ctx context.Context, snap CoverageSnapshot) error {
	if snap.EvaluatedAt.IsZero() {
		snap.EvaluatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coverage(requirement_id, status, linked_test_count, passed_count, failed_count, evaluated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(requirement_id) DO UPDATE SET
		   status=excluded.status, linked_test_count=excluded.linked_test_count,
		   passed_count=excluded.passed_count, failed_count=excluded.failed_count,
		   evaluated_at=excluded.evaluated_at`,
		snap.RequirementID, snap.Status, snap.LinkedTestCount, snap.PassedCount,
		snap.FailedCount, snap.EvaluatedAt.Format(time.RFC3339Nano))
	return err
}

func (s *sqliteStore) GetCoverage(ctx context.Context, requirementID string) (CoverageSnapshot, error) {
	var (
		snap CoverageSnapshot
		at   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT requirement_id, status, linked_test_count, passed_count, failed_count, evaluated_at
		 FROM coverage WHERE requirement_id = ?`, requirementID).
		Scan(&snap.RequirementID, &snap.Status, &snap.LinkedTestCount, &snap.PassedCount, &snap.FailedCount, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return CoverageSnapshot{}, ErrNotFound
	}
	if err != nil {
		return CoverageSnapshot{}, err
	}
	snap.EvaluatedAt, _ = time.Parse(time.RFC3339Nano, at)
	return snap, nil
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v.String)
	return t
}
