package repository

import (
	"context"
	"database/sql"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

const uniqueInFlightIndex = "task_attempts_unique_inflight"

// AttemptRepository is the dedup/idempotency ledger of processed queue messages
type AttemptRepository struct {
	db *DB
}

// NewAttemptRepository creates a new ledger repository
func NewAttemptRepository(db *DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Get retrieves the ledger entry for a message identity
func (r *AttemptRepository) Get(ctx context.Context, messageID string) (*models.TaskAttempt, error) {
	query := `
		SELECT message_id, task, run_id, status, is_unique, outcome, error, started_at, completed_at
		FROM task_attempts
		WHERE message_id = $1
	`

	var attempt models.TaskAttempt
	var completedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, messageID).Scan(
		&attempt.MessageID,
		&attempt.Task,
		&attempt.RunID,
		&attempt.Status,
		&attempt.Unique,
		&attempt.Outcome,
		&attempt.Error,
		&attempt.StartedAt,
		&completedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	if completedAt.Valid {
		attempt.CompletedAt = &completedAt.Time
	}

	return &attempt, nil
}

// HasInFlight reports whether a non-failed attempt of the task kind exists for the run
func (r *AttemptRepository) HasInFlight(ctx context.Context, runID string, task models.TaskKind) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_attempts
			WHERE run_id = $1 AND task = $2 AND status <> 'failed'
		)
	`, runID, task).Scan(&exists)
	return exists, err
}

// Begin inserts a started attempt. It returns ErrDuplicateMessage when the
// message identity is already recorded and ErrAlreadyInFlight when a unique
// attempt of the same kind already holds the run.
func (r *AttemptRepository) Begin(ctx context.Context, attempt *models.TaskAttempt) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO task_attempts (message_id, task, run_id, status, is_unique, started_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, attempt.MessageID, attempt.Task, attempt.RunID, models.AttemptStarted, attempt.Unique)
	if err != nil {
		if isUniqueViolation(err, uniqueInFlightIndex) {
			return ErrAlreadyInFlight
		}
		return errors.Wrap(err, "insert attempt")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateMessage
	}

	attempt.Status = models.AttemptStarted
	return nil
}

// Complete marks a started attempt completed
func (r *AttemptRepository) Complete(ctx context.Context, messageID, outcome string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE task_attempts SET status = $1, outcome = $2, completed_at = NOW()
		WHERE message_id = $3
	`, models.AttemptCompleted, outcome, messageID)
	return errors.Wrap(err, "complete attempt")
}

// Fail marks a started attempt failed
func (r *AttemptRepository) Fail(ctx context.Context, messageID, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE task_attempts SET status = $1, error = $2, completed_at = NOW()
		WHERE message_id = $3
	`, models.AttemptFailed, errMsg, messageID)
	return errors.Wrap(err, "fail attempt")
}

// ListByRun lists every attempt recorded for a run, oldest first
func (r *AttemptRepository) ListByRun(ctx context.Context, runID string) ([]models.TaskAttempt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, task, run_id, status, is_unique, outcome, error, started_at, completed_at
		FROM task_attempts
		WHERE run_id = $1
		ORDER BY started_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.TaskAttempt
	for rows.Next() {
		var attempt models.TaskAttempt
		var completedAt sql.NullTime
		if err := rows.Scan(
			&attempt.MessageID,
			&attempt.Task,
			&attempt.RunID,
			&attempt.Status,
			&attempt.Unique,
			&attempt.Outcome,
			&attempt.Error,
			&attempt.StartedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			attempt.CompletedAt = &completedAt.Time
		}
		attempts = append(attempts, attempt)
	}

	return attempts, rows.Err()
}
