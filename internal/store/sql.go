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
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/joescharf/reviewd/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialects supported by SQLStore.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements Store on database/sql, backed by modernc.org/sqlite
// (pure Go, no CGO) or PostgreSQL through pgx.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open picks the driver from dsn: postgres:// and postgresql:// URLs use
// pgx, anything else is a SQLite file path.
func Open(dsn string) (*SQLStore, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(dsn)
	}
	return NewSQLiteStore(dsn)
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer; a single connection
	// serializes access and avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLStore{db: db, dialect: DialectSQLite, now: time.Now}, nil
}

// NewPostgresStore connects to PostgreSQL at dsn.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &SQLStore{db: db, dialect: DialectPostgres, now: time.Now}, nil
}

// Dialect reports which database the store talks to.
func (s *SQLStore) Dialect() string { return s.dialect }

// Migrate applies the embedded migrations for the store's dialect.
func (s *SQLStore) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(s.dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}

	dir := "migrations/sqlite"
	if s.dialect == DialectPostgres {
		dir = "migrations/postgres"
	}
	if err := goose.UpContext(ctx, s.db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// --- Review runs ---

func (s *SQLStore) SaveReviewRun(ctx context.Context, run *models.ReviewRun) error {
	categories, err := json.Marshal(run.Request.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	outcomes, err := json.Marshal(run.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	var finished sql.NullString
	if run.FinishedAt != nil {
		finished = sql.NullString{String: formatTime(*run.FinishedAt), Valid: true}
	}
	started := run.StartedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	req := run.Request
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO review_runs (id, repository_id, revision, subject, number, title, trigger_kind, actor, categories, requested_at,
		state, reason, started_at, finished_at, day, month, outcomes, summary, cost_usd, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, req.RepositoryID, req.Revision, string(req.Subject), req.Number, req.Title, string(req.Trigger), req.Actor,
		string(categories), formatTime(req.RequestedAt), string(run.State), run.Reason, formatTime(started), finished,
		started.Format("2006-01-02"), started.Format("2006-01"), string(outcomes), string(summary), run.CostUSD, run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert review run: %w", err)
	}

	for i, f := range run.Findings {
		analyzers, err := json.Marshal(f.Analyzers)
		if err != nil {
			return fmt.Errorf("encode analyzers: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO findings (run_id, key, position, analyzers, category, severity, path, start_line, end_line, title, body, suggested_fix)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			run.ID, f.Key, i, string(analyzers), string(f.Category), string(f.Severity), f.Path, f.StartLine, f.EndLine,
			f.Title, f.Body, f.SuggestedFix,
		)
		if err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
	}

	for _, c := range run.Calls {
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO analyzer_calls (id, run_id, analyzer, kind, category, attempt, started_at, duration_ms, outcome, input_tokens, output_tokens, cost_usd, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			c.ID, run.ID, c.Analyzer, string(c.Kind), string(c.Category), c.Attempt, formatTime(c.StartedAt),
			c.Duration.Milliseconds(), string(c.Outcome), c.InputTokens, c.OutputTokens, c.CostUSD, c.Error,
		)
		if err != nil {
			return fmt.Errorf("insert analyzer call: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review run: %w", err)
	}
	return nil
}

const runColumns = `id, repository_id, revision, subject, number, title, trigger_kind, actor, categories, requested_at,
	state, reason, started_at, finished_at, outcomes, summary, cost_usd, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.ReviewRun, error) {
	var (
		run                           models.ReviewRun
		subject, trigger, state       string
		categories, outcomes, summary string
		requestedAt, startedAt        string
		finishedAt                    sql.NullString
	)
	err := row.Scan(&run.ID, &run.Request.RepositoryID, &run.Request.Revision, &subject, &run.Request.Number,
		&run.Request.Title, &trigger, &run.Request.Actor, &categories, &requestedAt,
		&state, &run.Reason, &startedAt, &finishedAt, &outcomes, &summary, &run.CostUSD, &run.Error)
	if err != nil {
		return nil, err
	}

	run.Request.Subject = models.Subject(subject)
	run.Request.Trigger = models.TriggerKind(trigger)
	run.State = models.RunState(state)

	if run.Request.RequestedAt, err = parseTime(requestedAt); err != nil {
		return nil, fmt.Errorf("parse requested_at: %w", err)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(categories), &run.Request.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	if err := json.Unmarshal([]byte(outcomes), &run.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &run, nil
}

func (s *SQLStore) GetReviewRun(ctx context.Context, id string) (*models.ReviewRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM review_runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get review run: %w", err)
	}

	if run.Findings, err = s.findings(ctx, id); err != nil {
		return nil, err
	}
	if run.Calls, err = s.calls(ctx, id); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLStore) findings(ctx context.Context, runID string) ([]models.Finding, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT key, analyzers, category, severity, path, start_line, end_line, title, body, suggested_fix
		FROM findings WHERE run_id = ? ORDER BY position`), runID)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	findings := []models.Finding{}
	for rows.Next() {
		var f models.Finding
		var analyzers, category, severity string
		if err := rows.Scan(&f.Key, &analyzers, &category, &severity, &f.Path, &f.StartLine, &f.EndLine,
			&f.Title, &f.Body, &f.SuggestedFix); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		if err := json.Unmarshal([]byte(analyzers), &f.Analyzers); err != nil {
			return nil, fmt.Errorf("decode analyzers: %w", err)
		}
		f.Category = models.Category(category)
		f.Severity = models.Severity(severity)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (s *SQLStore) calls(ctx context.Context, runID string) ([]models.AnalyzerCall, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, analyzer, kind, category, attempt, started_at, duration_ms, outcome, input_tokens, output_tokens, cost_usd, error
		FROM analyzer_calls WHERE run_id = ? ORDER BY started_at, id`), runID)
	if err != nil {
		return nil, fmt.Errorf("list analyzer calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []models.AnalyzerCall
	for rows.Next() {
		c := models.AnalyzerCall{RunID: runID}
		var kind, category, outcome, startedAt string
		var durationMS int64
		if err := rows.Scan(&c.ID, &c.Analyzer, &kind, &category, &c.Attempt, &startedAt, &durationMS, &outcome,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &c.Error); err != nil {
			return nil, fmt.Errorf("scan analyzer call: %w", err)
		}
		if c.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parse call started_at: %w", err)
		}
		c.Kind = models.AnalyzerKind(kind)
		c.Category = models.Category(category)
		c.Outcome = models.Outcome(outcome)
		c.Duration = time.Duration(durationMS) * time.Millisecond
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// ListReviewRuns returns runs newest first, without findings or calls.
func (s *SQLStore) ListReviewRuns(ctx context.Context, filter RunFilter) ([]*models.ReviewRun, error) {
	query := `SELECT ` + runColumns + ` FROM review_runs`
	var where []string
	var args []any
	if filter.RepositoryID != "" {
		where = append(where, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.Revision != "" {
		where = append(where, "revision = ?")
		args = append(args, filter.Revision)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list review runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*models.ReviewRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Usage counts admitted runs today and spend this month (UTC). Rejected runs
// never consumed quota and are excluded.
func (s *SQLStore) Usage(ctx context.Context, repositoryID string) (models.Window, error) {
	now := s.now().UTC()
	w := models.Window{
		RepositoryID: repositoryID,
		Day:          now.Format("2006-01-02"),
		Month:        now.Format("2006-01"),
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT subject, COUNT(*) FROM review_runs
		WHERE repository_id = ? AND day = ? AND state <> ?
		GROUP BY subject`), repositoryID, w.Day, string(models.RunStateRejected))
	if err != nil {
		return w, fmt.Errorf("count runs today: %w", err)
	}
	for rows.Next() {
		var subject string
		var n int
		if err := rows.Scan(&subject, &n); err != nil {
			_ = rows.Close()
			return w, fmt.Errorf("scan run count: %w", err)
		}
		if models.Subject(subject) == models.SubjectIssue {
			w.IssuePlansToday += n
		} else {
			w.ReviewsToday += n
		}
	}
	// Release the connection before the next query; SQLite runs on one.
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return w, err
	}

	var spent sql.NullFloat64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT SUM(cost_usd) FROM review_runs WHERE repository_id = ? AND month = ?`),
		repositoryID, w.Month).Scan(&spent)
	if err != nil {
		return w, fmt.Errorf("sum monthly cost: %w", err)
	}
	w.CostThisMonth = spent.Float64
	return w, nil
}

// Repositories lists every repository with at least one stored run.
func (s *SQLStore) Repositories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT repository_id FROM review_runs ORDER BY repository_id`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, id)
	}
	return repos, rows.Err()
}
