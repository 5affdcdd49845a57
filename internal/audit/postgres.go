// internal/audit/postgres.go
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// DBPool is the slice of pgxpool.Pool the sink needs, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const sqlCreateRunResults = `
	CREATE TABLE IF NOT EXISTS run_results (
		run_id        TEXT PRIMARY KEY,
		success       BOOLEAN NOT NULL,
		artifact_path TEXT,
		size_bytes    BIGINT NOT NULL,
		error         TEXT,
		error_kind    TEXT,
		failed_state  TEXT,
		recorded_at   TIMESTAMPTZ NOT NULL,
		elapsed_ms    BIGINT NOT NULL,
		params        JSONB NOT NULL,
		steps         JSONB,
		trace         JSONB,
		screenshots   JSONB
	);
`

const sqlInsertRunResult = `
	INSERT INTO run_results (run_id, success, artifact_path, size_bytes, error, error_kind,
		failed_state, recorded_at, elapsed_ms, params, steps, trace, screenshots)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`

// PostgresSink mirrors run results into the run_results table. Rows are
// inserted, never updated.
type PostgresSink struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgresSink verifies the connection and makes sure the table exists.
func NewPostgresSink(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresSink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateRunResults); err != nil {
		return nil, fmt.Errorf("failed to create run_results table: %w", err)
	}
	return &PostgresSink{pool: pool, log: logger.Named("audit_pg")}, nil
}

// Append inserts one row.
func (s *PostgresSink) Append(ctx context.Context, r schemas.RunResult) error {
	recordedAt, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return fmt.Errorf("run %s has an unparsable timestamp %q: %w", r.RunID, r.Timestamp, err)
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	steps, err := jsonOrNil(r.Steps, len(r.Steps))
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	trace, err := jsonOrNil(r.Trace, len(r.Trace))
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	shots, err := jsonOrNil(r.Screenshots, len(r.Screenshots))
	if err != nil {
		return fmt.Errorf("failed to marshal screenshots: %w", err)
	}

	_, err = s.pool.Exec(ctx, sqlInsertRunResult,
		r.RunID, r.Success, nullable(r.ArtifactPath), r.SizeBytes, nullable(r.Error), nullable(r.ErrorKind),
		nullable(string(r.FailedState)), recordedAt, r.ElapsedMs, params, steps, trace, shots,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run result %s: %w", r.RunID, err)
	}
	return nil
}

func jsonOrNil(v any, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
