package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/storage"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const executionColumns = `id, client, source_hash, source, stage, success, exit_code,
	duration_ms, timed_out, truncated, error, stdout, stderr, created_at`

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each connection to ":memory:" is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, e *storage.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Client, e.SourceHash, e.Source, string(e.Stage), e.Success, e.ExitCode,
		e.ExecutionTime.Milliseconds(), e.TimedOut, e.Truncated, e.Error, e.Stdout, e.Stderr,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	// Prefix match with substr; LIKE would treat '_' in an ID as a wildcard.
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE substr(id, 1, ?) = ? LIMIT 2`,
		utf8.RuneCountInString(id), id)
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous execution prefix %q", id)
	}
}

func (s *SQLiteStore) HasExecution(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying execution: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]storage.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if opts.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(opts.Stage))
	}
	if opts.Client != "" {
		query += ` AND client = ?`
		args = append(args, opts.Client)
	}

	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var executions []storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}
	return executions, rows.Err()
}

func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	// Resolve prefix first
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, e.ID)
	return err
}

func (s *SQLiteStore) CountViolations(ctx context.Context, client string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE client = ? AND stage = ? AND created_at >= ?`,
		client, string(executor.StageValidation), since.UTC().Format(timeLayout),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting violations: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*storage.Execution, error) {
	var e storage.Execution
	var stage, createdAt string
	var durationMS int64
	err := s.Scan(&e.ID, &e.Client, &e.SourceHash, &e.Source, &stage, &e.Success, &e.ExitCode,
		&durationMS, &e.TimedOut, &e.Truncated, &e.Error, &e.Stdout, &e.Stderr, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Stage = executor.Stage(stage)
	e.ExecutionTime = time.Duration(durationMS) * time.Millisecond
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, nil
}
