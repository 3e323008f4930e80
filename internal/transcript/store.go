// Package transcript archives finished runs in a SQLite database so they
// can be listed and inspected later.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/operative/pkg/models"
)

// ErrNotFound indicates an unknown run id.
var ErrNotFound = errors.New("transcript not found")

// Run is the summary row of one archived run.
type Run struct {
	ID           string
	Task         string
	Model        string
	ToolVersion  string
	Outcome      string
	Steps        int
	Error        string
	InputTokens  int
	OutputTokens int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store persists runs, their messages and their tool events.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("transcript path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create transcript directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database whose schema is already in place.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			model TEXT NOT NULL,
			tool_version TEXT NOT NULL,
			outcome TEXT NOT NULL,
			steps INTEGER NOT NULL,
			error TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_events (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			tool_use_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			stage TEXT NOT NULL,
			is_error INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			started_at DATETIME NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_tool_events_run ON tool_events(run_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate transcript schema: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes a run with its messages and tool events in one transaction,
// replacing any earlier copy. Screenshot data is not stored.
func (s *Store) Save(ctx context.Context, run Run, messages []models.Message, events []models.ToolEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tool_events WHERE run_id = ?", run.ID); err != nil {
		return fmt.Errorf("clear tool events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (id, task, model, tool_version, outcome, steps, error, input_tokens, output_tokens, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Task, run.Model, run.ToolVersion, run.Outcome, run.Steps,
		nullableString(run.Error), run.InputTokens, run.OutputTokens,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	for i, msg := range messages {
		content, err := json.Marshal(omitImages(msg).Blocks)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO messages (run_id, seq, role, content) VALUES (?, ?, ?, ?)",
			run.ID, i, string(msg.Role), string(content),
		); err != nil {
			return fmt.Errorf("save message %d: %w", i, err)
		}
	}

	for _, ev := range events {
		isError := ev.Result != nil && ev.Result.IsError
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tool_events (run_id, tool_use_id, tool_name, stage, is_error, duration_ms, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			run.ID, ev.ToolUseID, ev.ToolName, string(ev.Stage), isError, ev.Duration().Milliseconds(), ev.StartedAt.UTC(),
		); err != nil {
			return fmt.Errorf("save tool event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	return nil
}

const runColumns = "id, task, model, tool_version, outcome, steps, error, input_tokens, output_tokens, started_at, finished_at"

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// Messages returns the archived conversation of a run in order.
func (s *Store) Messages(ctx context.Context, runID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content FROM messages WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := models.Message{Role: models.Role(role)}
		if err := json.Unmarshal([]byte(content), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return out, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (*Run, error) {
	var (
		run     Run
		errText sql.NullString
	)
	if err := scanner.Scan(
		&run.ID, &run.Task, &run.Model, &run.ToolVersion, &run.Outcome, &run.Steps,
		&errText, &run.InputTokens, &run.OutputTokens, &run.StartedAt, &run.FinishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Error = errText.String
	return &run, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

// omitImages drops screenshot data but keeps the parts, so the archive
// shows where screenshots were taken.
func omitImages(msg models.Message) models.Message {
	out := msg.Clone()
	for _, b := range out.Blocks {
		if b.ToolResult == nil {
			continue
		}
		for i, part := range b.ToolResult.Content {
			if part.Type == models.PartImage {
				b.ToolResult.Content[i].Data = ""
				b.ToolResult.Content[i].Omitted = true
			}
		}
	}
	return out
}
