package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/wchain/internal/storage"
)

// Store is a SQLite implementation of the run journal.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

type runRow struct {
	ID         string       `db:"id"`
	Pipeline   string       `db:"pipeline"`
	Status     string       `db:"status"`
	Error      string       `db:"error"`
	Stages     int          `db:"stages"`
	BytesIn    int64        `db:"bytes_in"`
	BytesOut   int64        `db:"bytes_out"`
	Tokens     int          `db:"tokens"`
	Digests    string       `db:"digests"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if !strings.HasPrefix(dbPath, "file:") && dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			stages INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL DEFAULT 0,
			digests TEXT NOT NULL DEFAULT '{}',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, rec *storage.RunRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Status = storage.StatusRunning

	digests, err := json.Marshal(nonNil(rec.Digests))
	if err != nil {
		return fmt.Errorf("failed to marshal digests: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, status, stages, bytes_in, digests, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Pipeline, string(rec.Status), rec.Stages, rec.BytesIn, string(digests), rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, rec *storage.RunRecord) error {
	if rec.FinishedAt == nil {
		now := time.Now()
		rec.FinishedAt = &now
	}

	digests, err := json.Marshal(nonNil(rec.Digests))
	if err != nil {
		return fmt.Errorf("failed to marshal digests: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, bytes_in = ?, bytes_out = ?, tokens = ?, digests = ?, finished_at = ?
		 WHERE id = ?`,
		string(rec.Status), rec.Error, rec.BytesIn, rec.BytesOut, rec.Tokens, string(digests), *rec.FinishedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", rec.ID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.record()
}

func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*storage.RunRecord, error) {
	var (
		where []string
		args  []any
	)
	if opts.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, opts.Pipeline)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := `SELECT * FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`

	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*storage.RunRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (r runRow) record() (*storage.RunRecord, error) {
	rec := &storage.RunRecord{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Status:    storage.Status(r.Status),
		Error:     r.Error,
		Stages:    r.Stages,
		BytesIn:   r.BytesIn,
		BytesOut:  r.BytesOut,
		Tokens:    r.Tokens,
		StartedAt: r.StartedAt,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		rec.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(r.Digests), &rec.Digests); err != nil {
		return nil, fmt.Errorf("failed to unmarshal digests: %w", err)
	}
	if len(rec.Digests) == 0 {
		rec.Digests = nil
	}
	return rec, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
