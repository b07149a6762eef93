// internal/history/history.go

// Package history persists fix-attempt audit records to PostgreSQL. The store
// is optional: installations without a database use NoopStore and keep the
// audit trail in structured logs only.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/syntrik/mend/api/schemas"
)

// DBPool abstracts pgxpool.Pool for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store writes attempts to the fix_attempts table.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("history"),
	}, nil
}

const insertAttemptSQL = `
        INSERT INTO fix_attempts (id, error_id, category, root_cause, strategy, status, next_action, detail, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
    `

// RecordAttempt persists one completed attempt. The full attempt document is
// stored as JSONB alongside the queryable columns.
func (s *Store) RecordAttempt(ctx context.Context, attempt *schemas.FixAttempt) error {
	detail, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt %s: %w", attempt.ID, err)
	}

	var strategy string
	if attempt.Plan != nil {
		strategy = attempt.Plan.StrategyName
	}
	status := schemas.FixSkipped
	if attempt.Result != nil {
		status = attempt.Result.Status
	}
	var category, rootCause string
	if attempt.Diagnosis != nil {
		category = string(attempt.Diagnosis.Category)
		rootCause = string(attempt.Diagnosis.RootCause)
	}

	_, err = s.pool.Exec(ctx, insertAttemptSQL,
		attempt.ID, attempt.Error.ID,
		category, rootCause,
		strategy, string(status), string(attempt.NextAction),
		detail,
		attempt.StartedAt.UTC(), attempt.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt %s: %w", attempt.ID, err)
	}

	s.log.Debug("Attempt recorded",
		zap.String("attempt_id", attempt.ID),
		zap.String("error_id", attempt.Error.ID))
	return nil
}

// AttemptsForError returns all attempts recorded against one error ID, newest
// first, rehydrated from the stored detail document.
func (s *Store) AttemptsForError(ctx context.Context, errorID string) ([]schemas.FixAttempt, error) {
	query := `
        SELECT detail
        FROM fix_attempts
        WHERE error_id = $1
        ORDER BY started_at DESC;
    `
	rows, err := s.pool.Query(ctx, query, errorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []schemas.FixAttempt
	for rows.Next() {
		var detail []byte
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		var attempt schemas.FixAttempt
		if err := json.Unmarshal(detail, &attempt); err != nil {
			return nil, fmt.Errorf("failed to decode attempt detail: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}

// NoopStore satisfies schemas.AttemptStore without persistence.
type NoopStore struct{}

func (NoopStore) RecordAttempt(context.Context, *schemas.FixAttempt) error { return nil }

func (NoopStore) AttemptsForError(context.Context, string) ([]schemas.FixAttempt, error) {
	return nil, nil
}

var _ schemas.AttemptStore = (*Store)(nil)
var _ schemas.AttemptStore = NoopStore{}
