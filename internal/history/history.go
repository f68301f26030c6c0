// Package history archives run reports in Postgres so results can be
// compared across runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/terrpan/suiterun/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	tag             TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	setup_ok        BOOLEAN NOT NULL,
	setup_timed_out BOOLEAN NOT NULL,
	exec_ok         BOOLEAN,
	teardown_ok     BOOLEAN,
	cluster_state   TEXT NOT NULL,
	overall_success BOOLEAN NOT NULL,
	error           TEXT
);

CREATE TABLE IF NOT EXISTS suite_results (
	run_id      TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	command     TEXT NOT NULL,
	status      TEXT NOT NULL,
	exit_code   INTEGER,
	duration_ms BIGINT NOT NULL,
	PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS runs_tag_started_at ON runs (tag, started_at DESC);
`

// execer is satisfied by pgx.Tx and *pgxpool.Pool.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Run is a summary row read back from the archive.
type Run struct {
	RunID          string
	Tag            string
	StartedAt      time.Time
	FinishedAt     time.Time
	OverallSuccess bool
}

// PGXStore archives reports in Postgres.
type PGXStore struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn.
func New(ctx context.Context, dsn string) (*PGXStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &PGXStore{pool: pool}, nil
}

// EnsureSchema creates the archive tables if they do not exist.
func (s *PGXStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save stores r and its suite results in one transaction.  Saving the
// same run twice is a no-op.
func (s *PGXStore) Save(ctx context.Context, r *report.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := saveReport(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", r.RunID, err)
	}
	return nil
}

// LastRun returns the most recent archived run for tag, or nil.
func (s *PGXStore) LastRun(ctx context.Context, tag string) (*Run, error) {
	sql := `
SELECT run_id, tag, started_at, finished_at, overall_success
FROM runs WHERE tag = $1 ORDER BY started_at DESC LIMIT 1
`

	row := s.pool.QueryRow(ctx, sql, tag)
	var run Run
	if err := row.Scan(&run.RunID, &run.Tag, &run.StartedAt, &run.FinishedAt, &run.OverallSuccess); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	return &run, nil
}

// Close releases the connection pool.
func (s *PGXStore) Close() error {
	s.pool.Close()
	return nil
}

func saveReport(ctx context.Context, db execer, r *report.Report) error {
	var execOK, teardownOK *bool
	if r.Exec != nil {
		execOK = &r.Exec.Succeeded
	}
	if r.Teardown != nil {
		teardownOK = &r.Teardown.Succeeded
	}

	var firstErr *string
	for _, o := range []*report.PhaseOutcome{&r.Setup, r.Exec, r.Teardown} {
		if o != nil && o.Err != nil {
			msg := o.Err.Error()
			firstErr = &msg
			break
		}
	}

	tag, err := db.Exec(ctx, `
INSERT INTO runs (run_id, tag, started_at, finished_at, setup_ok, setup_timed_out,
	exec_ok, teardown_ok, cluster_state, overall_success, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT DO NOTHING
`,
		r.RunID,
		r.Tag,
		r.StartedAt,
		r.FinishedAt,
		r.Setup.Succeeded,
		r.Setup.TimedOut,
		execOK,
		teardownOK,
		r.ClusterState.String(),
		r.OverallSuccess,
		firstErr,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	for i, res := range r.SuiteResults {
		if _, err := db.Exec(ctx, `
INSERT INTO suite_results (run_id, position, name, command, status, exit_code, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`,
			r.RunID,
			i,
			res.Name,
			res.Command,
			string(res.Status),
			res.ExitCode,
			res.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert suite result %s: %w", res.Name, err)
		}
	}
	return nil
}
