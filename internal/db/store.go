package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run statuses persisted in the index.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusEscalated = "escalated"
	StatusFailed    = "failed"
)

// Store persists the run index: runs, their rounds and a per-run event
// timeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunRecord is one row of the run index.
type RunRecord struct {
	RunID          string
	CreatedAt      string
	Goal           string
	Status         string
	Rounds         int
	Verdict        *string
	EscalateReason *string
	RunDir         string
	OracleCalls    int
	OracleTokens   int64
}

// RoundRecord is one executed plan-execute-verify round.
type RoundRecord struct {
	RunID            string
	Round            int
	Kind             string // initial | patch
	Status           string
	StartedAt        string
	EndedAt          string
	StepsTotal       int
	StepsFailed      int
	AssertionsPassed bool
}

// RunUpdate mutates the run row at a phase boundary.
type RunUpdate struct {
	Rounds         int
	Status         string
	Verdict        *string
	EscalateReason *string
	OracleCalls    int
	OracleTokens   int64
}

// Event is a timeline entry for a run.
type Event struct {
	Type     string
	Message  string
	DataJSON string
}

// CreateRun inserts the run record and a run_started event.
func (s *Store) CreateRun(ctx context.Context, runID, goal, runDir string) error {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, goal, status, rounds, verdict, escalate_reason, run_dir, oracle_calls, oracle_tokens)
		VALUES(?, ?, ?, ?, 0, NULL, NULL, ?, 0, 0)`,
		runID, createdAt, goal, StatusRunning, runDir); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	if err := insertEvent(ctx, tx, runID, "run_started", "run started", ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// UpdateRun applies a run update and optional event in one transaction.
func (s *Store) UpdateRun(ctx context.Context, runID string, update RunUpdate, event *Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update run: %w", err)
	}
	if event != nil {
		if err := insertEvent(ctx, tx, runID, event.Type, event.Message, event.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET rounds=?, status=?, verdict=?, escalate_reason=?, oracle_calls=?, oracle_tokens=? WHERE run_id=?`,
		update.Rounds, update.Status, nullableStringPtr(update.Verdict), nullableStringPtr(update.EscalateReason),
		update.OracleCalls, update.OracleTokens, runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update run: %w", err)
	}
	return nil
}

// CommitRound inserts the round record, its events, and the run update in
// one transaction.
func (s *Store) CommitRound(ctx context.Context, round RoundRecord, events []Event, update RunUpdate) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit round: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO rounds(run_id, round, kind, status, started_at, ended_at, steps_total, steps_failed, assertions_passed)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		round.RunID, round.Round, round.Kind, round.Status, round.StartedAt, nullableString(round.EndedAt),
		round.StepsTotal, round.StepsFailed, round.AssertionsPassed); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert round: %w", err)
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, round.RunID, ev.Type, ev.Message, ev.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET rounds=?, status=?, verdict=?, escalate_reason=?, oracle_calls=?, oracle_tokens=? WHERE run_id=?`,
		update.Rounds, update.Status, nullableStringPtr(update.Verdict), nullableStringPtr(update.EscalateReason),
		update.OracleCalls, update.OracleTokens, round.RunID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit round: %w", err)
	}
	return nil
}

// FailStaleRuns marks runs still in the running state as failed. Called
// under the exclusive run lock, where no run can actually be in flight, so
// any running row is a leftover from a crashed process.
func (s *Store) FailStaleRuns(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin fail stale runs: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT run_id FROM runs WHERE status=?`, StatusRunning)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("list stale runs: %w", err)
	}
	var stale []string
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			_ = rows.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("scan stale run: %w", err)
		}
		stale = append(stale, runID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		_ = tx.Rollback()
		return 0, fmt.Errorf("iterate stale runs: %w", err)
	}
	_ = rows.Close()
	for _, runID := range stale {
		if err := insertEvent(ctx, tx, runID, "run_failed", "marked failed: process exited before the run finished", ""); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=? WHERE run_id=?`, StatusFailed, runID); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("fail stale run: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit fail stale runs: %w", err)
	}
	return len(stale), nil
}

// GetRun returns the run row, or nil when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, created_at, goal, status, rounds, verdict, escalate_reason, run_dir, oracle_calls, oracle_tokens
		FROM runs WHERE run_id=?`, runID)
	var rec RunRecord
	err := row.Scan(&rec.RunID, &rec.CreatedAt, &rec.Goal, &rec.Status, &rec.Rounds,
		&rec.Verdict, &rec.EscalateReason, &rec.RunDir, &rec.OracleCalls, &rec.OracleTokens)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read run: %w", err)
	}
	return &rec, nil
}

// ListRuns returns runs newest first, bounded by limit (0 = all).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT run_id, created_at, goal, status, rounds, verdict, escalate_reason, run_dir, oracle_calls, oracle_tokens
		FROM runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RunID, &rec.CreatedAt, &rec.Goal, &rec.Status, &rec.Rounds,
			&rec.Verdict, &rec.EscalateReason, &rec.RunDir, &rec.OracleCalls, &rec.OracleTokens); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// ListEvents returns a run's timeline in sequence order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, message, COALESCE(data_json, '') FROM events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Type, &ev.Message, &ev.DataJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, dataJSON string) error {
	seq, err := nextSeq(ctx, tx, runID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, typ, message, nullableString(dataJSON)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read event seq: %w", err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableStringPtr(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
