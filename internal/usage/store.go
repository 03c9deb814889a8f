// Package usage records what an agent run did: one row per reasoning
// step with its token counts, and one row per tool invocation with its
// outcome. Records are append-only and live in an in-memory SQLite
// database, so nothing survives the process.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Outcome classifies how a tool invocation ended.
type Outcome string

const (
	// OutcomeOK means the tool returned a result.
	OutcomeOK Outcome = "ok"
	// OutcomeToolError means the tool reported an error the model can see.
	OutcomeToolError Outcome = "tool_error"
	// OutcomeFatal means the invocation aborted the run.
	OutcomeFatal Outcome = "fatal"
)

// Step is one reasoning request and its token usage.
type Step struct {
	ID           string
	Timestamp    time.Time
	RunID        string
	Turn         int
	Model        string
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// Invocation is one tool call made during a run.
type Invocation struct {
	ID        string
	Timestamp time.Time
	RunID     string
	CallID    string
	Tool      string
	Duration  time.Duration
	Outcome   Outcome
	Error     string
}

// Summary holds aggregated totals for a run.
type Summary struct {
	Steps             int
	TotalInputTokens  int64
	TotalOutputTokens int64
	ToolCalls         int
	ToolErrors        int
	Fatal             int
}

// Store is an append-only SQLite ledger. All public methods are safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens a private in-memory ledger. The schema is created
// immediately.
func NewStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	// Every connection to :memory: gets its own database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection, discarding all records.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS steps (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		turn          INTEGER NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);

	CREATE TABLE IF NOT EXISTS invocations (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		run_id      TEXT NOT NULL,
		call_id     TEXT,
		tool        TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate usage record ID: %w", err)
	}
	return id.String(), nil
}

// RecordStep persists a reasoning step. Empty IDs and zero timestamps
// are filled in.
func (s *Store) RecordStep(ctx context.Context, step Step) error {
	if step.RunID == "" {
		return errors.New("record step: run ID is required")
	}
	if step.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		step.ID = id
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps
			(id, timestamp, run_id, turn, model, input_tokens, output_tokens, tool_calls)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID,
		step.Timestamp.UTC().Format(time.RFC3339Nano),
		step.RunID,
		step.Turn,
		step.Model,
		step.InputTokens,
		step.OutputTokens,
		step.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// RecordInvocation persists a tool invocation.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.RunID == "" || inv.Tool == "" {
		return errors.New("record invocation: run ID and tool are required")
	}
	if inv.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		inv.ID = id
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}
	if inv.Outcome == "" {
		inv.Outcome = OutcomeOK
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations
			(id, timestamp, run_id, call_id, tool, duration_ms, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.Timestamp.UTC().Format(time.RFC3339Nano),
		inv.RunID,
		inv.CallID,
		inv.Tool,
		inv.Duration.Milliseconds(),
		string(inv.Outcome),
		inv.Error,
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for one run. An unknown run yields
// a zero summary.
func (s *Store) Summary(ctx context.Context, runID string) (*Summary, error) {
	var sum Summary

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM steps WHERE run_id = ?`, runID)
	if err := row.Scan(&sum.Steps, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query step summary: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0)
		 FROM invocations WHERE run_id = ?`,
		string(OutcomeToolError), string(OutcomeFatal), runID)
	if err := row.Scan(&sum.ToolCalls, &sum.ToolErrors, &sum.Fatal); err != nil {
		return nil, fmt.Errorf("query invocation summary: %w", err)
	}

	return &sum, nil
}

// ToolCounts returns the number of invocations per tool for one run.
func (s *Store) ToolCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, COUNT(*) FROM invocations WHERE run_id = ? GROUP BY tool`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tool counts: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var tool string
		var n int
		if err := rows.Scan(&tool, &n); err != nil {
			return nil, fmt.Errorf("scan tool counts: %w", err)
		}
		result[tool] = n
	}
	return result, rows.Err()
}

// Invocations returns a run's invocations in the order they were recorded.
func (s *Store) Invocations(ctx context.Context, runID string) ([]Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, run_id, COALESCE(call_id, ''), tool, duration_ms, outcome, COALESCE(error, '')
		 FROM invocations WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var result []Invocation
	for rows.Next() {
		var (
			inv     Invocation
			ts      string
			ms      int64
			outcome string
		)
		if err := rows.Scan(&inv.ID, &ts, &inv.RunID, &inv.CallID, &inv.Tool, &ms, &outcome, &inv.Error); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		inv.Duration = time.Duration(ms) * time.Millisecond
		inv.Outcome = Outcome(outcome)
		result = append(result, inv)
	}
	return result, rows.Err()
}
