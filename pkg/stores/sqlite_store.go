package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/ledger"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `json:"path" yaml:"path"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a store. Init opens the database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewPermanentError("database path is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	params := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_time_format=sqlite"}
	if s.cfg.Path != MemoryPath {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := s.cfg.Path + "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database answers.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// RecordRun implements bootstrap.RunRecorder. Recording the same iteration
// again replaces it.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *bootstrap.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, pattern_used, final_state, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ExecutionID, run.PatternUsed, string(run.State), run.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	fixes, err := marshal(run.Fixes)
	if err != nil {
		return err
	}
	graph, err := marshal(run.Graph)
	if err != nil {
		return err
	}
	validation, err := marshal(summarizeValidation(run))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (execution_id, iteration, started_at, pattern_used, state, success,
			requires_approval, error, fixes, graph, validation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, iteration) DO UPDATE SET
			started_at = excluded.started_at,
			pattern_used = excluded.pattern_used,
			state = excluded.state,
			success = excluded.success,
			requires_approval = excluded.requires_approval,
			error = excluded.error,
			fixes = excluded.fixes,
			graph = excluded.graph,
			validation = excluded.validation
	`,
		run.ExecutionID,
		run.Iteration,
		run.Timestamp.UTC(),
		run.PatternUsed,
		string(run.State),
		run.Success,
		run.RequiresHumanApproval,
		run.Error,
		fixes,
		graph,
		validation,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM task_results WHERE execution_id = ? AND iteration = ?",
		run.ExecutionID, run.Iteration); err != nil {
		return fmt.Errorf("failed to clear task results: %w", err)
	}

	if run.Execution != nil {
		for _, id := range run.Execution.Order {
			res := run.Execution.Result(id)
			if res == nil {
				continue
			}
			command := ""
			if run.Graph != nil {
				if node, ok := run.Graph.Node(id); ok {
					command = node.Command
				}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_results (execution_id, iteration, task_id, command, status,
					exit_code, attempts, reason, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				run.ExecutionID,
				run.Iteration,
				id,
				command,
				string(res.Status),
				res.ExitCode,
				res.AttemptsUsed,
				res.Reason,
				res.DurationMs,
			)
			if err != nil {
				return fmt.Errorf("failed to record task result %s: %w", id, err)
			}
		}
	}

	if run.SystemCard != nil {
		if err := replaceResources(ctx, tx, run.ExecutionID, run.SystemCard.Resources); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// RecordSummary implements bootstrap.RunRecorder.
func (s *SQLiteStore) RecordSummary(ctx context.Context, summary *bootstrap.Summary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	card, err := marshal(summary.Card)
	if err != nil {
		return err
	}
	paths, err := marshal(summary.ArtifactPaths)
	if err != nil {
		return err
	}

	platform, confidence := "", 0.0
	if summary.Detection != nil {
		platform = summary.Detection.PlatformType
		confidence = summary.Detection.Confidence
	}
	if summary.Card != nil && summary.Card.Platform != "" {
		platform = summary.Card.Platform
	}

	var completedAt interface{}
	if !summary.CompletedAt.IsZero() {
		completedAt = summary.CompletedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (id, project_path, environment, pattern_used, platform, confidence,
			generated, gap_id, final_state, success, iterations, requires_approval, approval_reason,
			artifact_paths, system_card, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_path = excluded.project_path,
			environment = excluded.environment,
			pattern_used = excluded.pattern_used,
			platform = excluded.platform,
			confidence = excluded.confidence,
			generated = excluded.generated,
			gap_id = excluded.gap_id,
			final_state = excluded.final_state,
			success = excluded.success,
			iterations = excluded.iterations,
			requires_approval = excluded.requires_approval,
			approval_reason = excluded.approval_reason,
			artifact_paths = excluded.artifact_paths,
			system_card = excluded.system_card,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		summary.ExecutionID,
		summary.ProjectPath,
		summary.Environment,
		summary.PatternUsed,
		platform,
		confidence,
		summary.Generated,
		summary.GapID,
		string(summary.FinalState),
		summary.Success,
		summary.Iterations,
		summary.RequiresHumanApproval,
		summary.ApprovalReason,
		paths,
		card,
		summary.StartedAt.UTC(),
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record summary: %w", err)
	}

	if summary.Card != nil {
		if err := replaceResources(ctx, tx, summary.ExecutionID, summary.Card.Resources); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summary: %w", err)
	}
	return nil
}

// replaceResources stores the latest resource snapshot of an execution.
func replaceResources(ctx context.Context, tx *sql.Tx, executionID string, resources []ledger.Resource) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM resources WHERE execution_id = ?", executionID); err != nil {
		return fmt.Errorf("failed to clear resources: %w", err)
	}

	for i, r := range resources {
		deps, err := json.Marshal(r.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to encode dependencies of %s: %w", r.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resources (execution_id, resource_id, type, name, namespace, platform,
				created_by, depends_on, position, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, executionID, r.ID, r.Type, r.Name, r.Namespace, r.Platform, r.CreatedBy, string(deps), i, r.RecordedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to record resource %s: %w", r.ID, err)
		}
	}
	return nil
}

// FileGap implements bootstrap.GapTracker. A project with an open gap gets
// the same gap ID back and its occurrence count is incremented.
func (s *SQLiteStore) FileGap(ctx context.Context, gap bootstrap.Gap) (string, error) {
	signals, err := marshal(gap.Signals)
	if err != nil {
		return "", err
	}
	bestPlatform, bestConfidence := "", 0.0
	if gap.Best != nil {
		bestPlatform = gap.Best.PlatformType
		bestConfidence = gap.Best.Confidence
	}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM pattern_gaps WHERE project_path = ? AND status = ? ORDER BY id LIMIT 1",
		gap.ProjectPath, string(GapStatusOpen)).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_gaps (execution_id, project_path, best_platform, best_confidence,
				threshold, signals, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, gap.ExecutionID, gap.ProjectPath, bestPlatform, bestConfidence, gap.Threshold, signals,
			string(GapStatusOpen), now, now)
		if err != nil {
			return "", fmt.Errorf("failed to file gap: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return "", fmt.Errorf("failed to read gap id: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to look up gap: %w", err)
	default:
		_, err := tx.ExecContext(ctx, `
			UPDATE pattern_gaps
			SET execution_id = ?, best_platform = ?, best_confidence = ?, threshold = ?, signals = ?,
				occurrences = occurrences + 1, updated_at = ?
			WHERE id = ?
		`, gap.ExecutionID, bestPlatform, bestConfidence, gap.Threshold, signals, now, id)
		if err != nil {
			return "", fmt.Errorf("failed to update gap: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit gap: %w", err)
	}
	return gapID(id), nil
}

// Publish implements engine.EventPublisher by appending the event.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	details, err := marshal(event.Details)
	if err != nil {
		return err
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, execution_id, task_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.RunID, event.TaskID, string(event.Type), event.Level, event.Message, details, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

const executionColumns = `id, project_path, environment, pattern_used, platform, confidence, generated,
	gap_id, final_state, success, iterations, requires_approval, approval_reason, started_at, completed_at`

func scanExecution(row interface{ Scan(...interface{}) error }) (*Execution, error) {
	e := &Execution{}
	var state string
	var completed sql.NullTime
	err := row.Scan(
		&e.ID,
		&e.ProjectPath,
		&e.Environment,
		&e.PatternUsed,
		&e.Platform,
		&e.Confidence,
		&e.Generated,
		&e.GapID,
		&state,
		&e.Success,
		&e.Iterations,
		&e.RequiresHumanApproval,
		&e.ApprovalReason,
		&e.StartedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	e.FinalState = bootstrap.State(state)
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return e, nil
}

// GetExecution returns a stored session.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns sessions, most recent first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+executionColumns+" FROM executions ORDER BY started_at DESC, id LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := make([]*Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRuns returns the iterations of a session in order.
func (s *SQLiteStore) ListRuns(ctx context.Context, executionID string) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, iteration, started_at, pattern_used, state, success, requires_approval,
			error, fixes, graph, validation
		FROM runs
		WHERE execution_id = ?
		ORDER BY iteration
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	out := make([]*RunRecord, 0)
	for rows.Next() {
		r := &RunRecord{}
		var state string
		var fixes, graph, validation sql.NullString
		err := rows.Scan(
			&r.ExecutionID,
			&r.Iteration,
			&r.StartedAt,
			&r.PatternUsed,
			&state,
			&r.Success,
			&r.RequiresHumanApproval,
			&r.Error,
			&fixes,
			&graph,
			&validation,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.State = bootstrap.State(state)
		if err := unmarshal(fixes, &r.Fixes); err != nil {
			return nil, err
		}
		if err := unmarshal(validation, &r.Validation); err != nil {
			return nil, err
		}
		if r.Graph, err = decodeGraph(graph); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTaskResults returns the task outcomes of one iteration in declaration order.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, executionID string, iteration int) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, iteration, task_id, command, status, exit_code, attempts, reason, duration_ms
		FROM task_results
		WHERE execution_id = ? AND iteration = ?
		ORDER BY rowid
	`, executionID, iteration)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	out := make([]*TaskRecord, 0)
	for rows.Next() {
		t := &TaskRecord{}
		var status string
		if err := rows.Scan(&t.ExecutionID, &t.Iteration, &t.TaskID, &t.Command, &status,
			&t.ExitCode, &t.Attempts, &t.Reason, &t.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		t.Status = engine.TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListResources returns the latest resource snapshot of a session in recording order.
func (s *SQLiteStore) ListResources(ctx context.Context, executionID string) ([]ledger.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, type, name, namespace, platform, created_by, depends_on, recorded_at
		FROM resources
		WHERE execution_id = ?
		ORDER BY position
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Resource, 0)
	for rows.Next() {
		var r ledger.Resource
		var deps string
		if err := rows.Scan(&r.ID, &r.Type, &r.Name, &r.Namespace, &r.Platform, &r.CreatedBy,
			&deps, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &r.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSystemCard returns the system card recorded with a session summary.
func (s *SQLiteStore) GetSystemCard(ctx context.Context, executionID string) (*ledger.SystemCard, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT system_card FROM executions WHERE id = ?", executionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get system card: %w", err)
	}
	if !raw.Valid || raw.String == "null" {
		return nil, notFound("system card", executionID)
	}

	var card ledger.SystemCard
	if err := json.Unmarshal([]byte(raw.String), &card); err != nil {
		return nil, fmt.Errorf("failed to decode system card: %w", err)
	}
	return &card, nil
}

// ListEvents returns the events of a session in publication order.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, execution_id, task_id, type, level, message, details, timestamp
		FROM events
		WHERE execution_id = ?
		ORDER BY id
		LIMIT ?
	`, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	out := make([]*EventRecord, 0)
	for rows.Next() {
		e := &EventRecord{}
		var typ string
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventID, &e.ExecutionID, &e.TaskID, &typ, &e.Level,
			&e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(typ)
		if err := unmarshal(details, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListGaps returns gaps with the given status, or all gaps when status is empty.
func (s *SQLiteStore) ListGaps(ctx context.Context, status GapStatus) ([]*GapRecord, error) {
	query := `
		SELECT id, execution_id, project_path, best_platform, best_confidence, threshold,
			occurrences, status, created_at, updated_at
		FROM pattern_gaps`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list gaps: %w", err)
	}
	defer rows.Close()

	out := make([]*GapRecord, 0)
	for rows.Next() {
		g := &GapRecord{}
		var id int64
		var st string
		if err := rows.Scan(&id, &g.ExecutionID, &g.ProjectPath, &g.BestPlatform, &g.BestConfidence,
			&g.Threshold, &g.Occurrences, &st, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gap: %w", err)
		}
		g.ID = gapID(id)
		g.Status = GapStatus(st)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CloseGap marks a gap closed, typically once a pattern covering it was added.
func (s *SQLiteStore) CloseGap(ctx context.Context, id string) error {
	n, ok := parseGapID(id)
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("invalid gap id %q", id), nil).
			WithCode(engine.ErrCodeValidation)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE pattern_gaps SET status = ?, updated_at = ? WHERE id = ?",
		string(GapStatusClosed), s.now().UTC(), n)
	if err != nil {
		return fmt.Errorf("failed to close gap: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return notFound("gap", id)
	}
	return nil
}

// DeleteExecution removes a session and everything recorded for it.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return notFound("execution", id)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM events WHERE execution_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	return tx.Commit()
}

func summarizeValidation(run *bootstrap.Run) *ValidationSummary {
	if run.Validation == nil {
		return nil
	}
	v := &ValidationSummary{
		OverallPassed: run.Validation.OverallPassed,
		Strict:        run.Validation.Strict,
		Passed:        make([]string, 0),
		Failed:        make([]string, 0),
	}
	for _, c := range run.Validation.Checks {
		if c.Passed {
			v.Passed = append(v.Passed, c.ID)
		} else {
			v.Failed = append(v.Failed, c.ID)
		}
	}
	return v
}

// decodeGraph restores a stored graph, rebuilding its edge indexes.
func decodeGraph(raw sql.NullString) (*engine.TaskGraph, error) {
	var stored *engine.TaskGraph
	if err := unmarshal(raw, &stored); err != nil || stored == nil {
		return nil, err
	}

	nodes := make([]*engine.TaskNode, 0, len(stored.Order))
	for _, id := range stored.Order {
		if n, ok := stored.Nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	graph, err := engine.NewDAGBuilder().BuildGraph(nodes)
	if err != nil {
		return nil, fmt.Errorf("stored graph is invalid: %w", err)
	}
	graph.PatternID = stored.PatternID
	graph.PatternVersion = stored.PatternVersion
	graph.Platform = stored.Platform
	return graph, nil
}

// marshal encodes v as JSON, or NULL for nil values.
func marshal(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func unmarshal(raw sql.NullString, v interface{}) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

func gapID(id int64) string {
	return fmt.Sprintf("GAP-%d", id)
}

func parseGapID(id string) (int64, bool) {
	rest, ok := strings.CutPrefix(id, "GAP-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	return n, err == nil && n > 0
}

func notFound(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}
