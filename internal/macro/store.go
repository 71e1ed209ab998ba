package macro

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists macros in the shared SQLite database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save inserts the macro or replaces the one with the same key.
func (s *Store) Save(ctx context.Context, m Macro) error {
	paramsJSON, err := json.Marshal(m.Params)
	if err != nil {
		return fmt.Errorf("marshal macro params: %w", err)
	}
	planJSON, err := json.Marshal(m.Plan)
	if err != nil {
		return fmt.Errorf("marshal macro plan: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `INSERT INTO macros(hostname, path_pattern, form_signature, name, params_json, plan_json, created_at, updated_at, uses)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(hostname, path_pattern, form_signature, name)
		DO UPDATE SET params_json=excluded.params_json, plan_json=excluded.plan_json, updated_at=excluded.updated_at`,
		m.Hostname, m.PathPattern, m.FormSignature, m.Name, string(paramsJSON), string(planJSON), now, now)
	if err != nil {
		return fmt.Errorf("save macro: %w", err)
	}
	return nil
}

// Get returns the macro for a key, or nil when absent.
func (s *Store) Get(ctx context.Context, key Key) (*Macro, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, hostname, path_pattern, form_signature, name, params_json, plan_json, created_at, updated_at, uses
		FROM macros WHERE hostname=? AND path_pattern=? AND form_signature=? AND name=?`,
		key.Hostname, key.PathPattern, key.FormSignature, key.Name)
	m, err := scanMacro(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read macro: %w", err)
	}
	return m, nil
}

// List returns macros, optionally filtered by hostname, newest first.
func (s *Store) List(ctx context.Context, hostname string) ([]Macro, error) {
	query := `SELECT id, hostname, path_pattern, form_signature, name, params_json, plan_json, created_at, updated_at, uses FROM macros`
	args := []any{}
	if hostname != "" {
		query += ` WHERE hostname=?`
		args = append(args, hostname)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list macros: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Macro
	for rows.Next() {
		m, err := scanMacro(rows)
		if err != nil {
			return nil, fmt.Errorf("scan macro: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate macros: %w", err)
	}
	return out, nil
}

// Delete removes the macro for a key. Deleting a missing macro is not an
// error.
func (s *Store) Delete(ctx context.Context, key Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM macros WHERE hostname=? AND path_pattern=? AND form_signature=? AND name=?`,
		key.Hostname, key.PathPattern, key.FormSignature, key.Name)
	if err != nil {
		return fmt.Errorf("delete macro: %w", err)
	}
	return nil
}

// MarkUsed bumps the macro's use counter.
func (s *Store) MarkUsed(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE macros SET uses = uses + 1 WHERE id=?`, id); err != nil {
		return fmt.Errorf("mark macro used: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanMacro(row scannable) (*Macro, error) {
	var m Macro
	var paramsJSON, planJSON string
	if err := row.Scan(&m.ID, &m.Hostname, &m.PathPattern, &m.FormSignature, &m.Name,
		&paramsJSON, &planJSON, &m.CreatedAt, &m.UpdatedAt, &m.Uses); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &m.Params); err != nil {
		return nil, fmt.Errorf("decode macro params: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &m.Plan); err != nil {
		return nil, fmt.Errorf("decode macro plan: %w", err)
	}
	return &m, nil
}
