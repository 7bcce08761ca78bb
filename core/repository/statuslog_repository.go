package repository

import (
	"context"
	"encoding/json"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

// StatusLogRepository handles the append-only per-run status log
type StatusLogRepository struct {
	db *DB
}

// NewStatusLogRepository creates a new status log repository
func NewStatusLogRepository(db *DB) *StatusLogRepository {
	return &StatusLogRepository{db: db}
}

// Append records a stage for a run
func (r *StatusLogRepository) Append(ctx context.Context, runID, stage string, payload map[string]interface{}) error {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO status_log (run_id, stage, payload) VALUES ($1, $2, $3)`,
		runID, stage, payloadJSON)
	return errors.Wrap(err, "append status log")
}

// List retrieves the most recent entries for a run
func (r *StatusLogRepository) List(ctx context.Context, runID string, limit int) ([]models.StatusLogEntry, error) {
	query := `
		SELECT id, run_id, stage, payload, created_at
		FROM status_log
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.StatusLogEntry
	for rows.Next() {
		var entry models.StatusLogEntry
		var payloadJSON string

		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Stage, &payloadJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}

		if payloadJSON != "" {
			json.Unmarshal([]byte(payloadJSON), &entry.Payload)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Latest returns the run's most recent entry, or ErrNotFound when it has none
func (r *StatusLogRepository) Latest(ctx context.Context, runID string) (*models.StatusLogEntry, error) {
	entries, err := r.List(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}
