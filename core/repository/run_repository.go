package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"lora-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// RunRepository handles database operations for training runs
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

func terminalStatuses() interface{} {
	statuses := make([]string, len(models.TerminalStatuses))
	for i, s := range models.TerminalStatuses {
		statuses[i] = string(s)
	}
	return pq.Array(statuses)
}

// CreateRun creates a new run and its first status log entry
func (r *RunRepository) CreateRun(ctx context.Context, run *models.TrainingRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusStarted
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO training_runs (id, training_id, image_group_id, status, config_yaml, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, run.ID, run.TrainingID, run.ImageGroupID, run.Status, run.ConfigYAML, now)
	if err != nil {
		return errors.Wrap(err, "insert run")
	}

	if err := appendStatusLogTx(ctx, tx, run.ID, models.StageRunCreated, map[string]interface{}{
		"trainingId": run.TrainingID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID
func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.TrainingRun, error) {
	query := `
		SELECT id, training_id, image_group_id, status, gpu_instance_id, config_yaml,
			gpu_cost_usd, zip_claimed_at, created_at, updated_at
		FROM training_runs
		WHERE id = $1
	`

	var run models.TrainingRun
	var imageGroupID sql.NullString
	var gpuInstanceID sql.NullString
	var zipClaimedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.TrainingID,
		&imageGroupID,
		&run.Status,
		&gpuInstanceID,
		&run.ConfigYAML,
		&run.GpuCostUSD,
		&zipClaimedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	if imageGroupID.Valid {
		run.ImageGroupID = &imageGroupID.String
	}
	if gpuInstanceID.Valid {
		run.GpuInstanceID = &gpuInstanceID.String
	}
	if zipClaimedAt.Valid {
		run.ZipClaimedAt = &zipClaimedAt.Time
	}

	return &run, nil
}

// UpdateStatus moves a non-terminal run to status and logs the transition in
// the same transaction. It reports false when the run was already terminal.
func (r *RunRepository) UpdateStatus(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE training_runs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND NOT (status = ANY($3))
	`, to, runID, terminalStatuses())
	if err != nil {
		return false, errors.Wrap(err, "update run status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	payload := map[string]interface{}{"status": to, "reason": reason}
	for k, v := range meta {
		payload[k] = v
	}
	if err := appendStatusLogTx(ctx, tx, runID, models.StageRunTerminated, payload); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// SetConfig replaces the run's serialized training configuration
func (r *RunRepository) SetConfig(ctx context.Context, runID, configYAML string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE training_runs SET config_yaml = $1, updated_at = NOW() WHERE id = $2`,
		configYAML, runID)
	return errors.Wrap(err, "update run config")
}

// LinkInstance points the run at its rented instance
func (r *RunRepository) LinkInstance(ctx context.Context, runID, instanceID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE training_runs SET gpu_instance_id = $1, updated_at = NOW() WHERE id = $2`,
		instanceID, runID)
	return errors.Wrap(err, "link instance")
}

// ClearInstance removes the run's link if it still points at instanceID
func (r *RunRepository) ClearInstance(ctx context.Context, runID, instanceID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE training_runs SET gpu_instance_id = NULL, updated_at = NOW() WHERE id = $1 AND gpu_instance_id = $2`,
		runID, instanceID)
	return errors.Wrap(err, "clear instance")
}

// ClaimZip atomically decides the fan-in: it succeeds for exactly one caller,
// and only once no unresized image remains for the run.
func (r *RunRepository) ClaimZip(ctx context.Context, runID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE training_runs SET zip_claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1
			AND zip_claimed_at IS NULL
			AND NOT EXISTS (SELECT 1 FROM run_images WHERE run_id = $1 AND NOT resized)
	`, runID)
	if err != nil {
		return false, errors.Wrap(err, "claim zip")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AddGpuCost adds rented-instance spend to the run
func (r *RunRepository) AddGpuCost(ctx context.Context, runID string, usd float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE training_runs SET gpu_cost_usd = gpu_cost_usd + $1, updated_at = NOW() WHERE id = $2`,
		usd, runID)
	return errors.Wrap(err, "add gpu cost")
}

// ListRunsByStatus lists runs in a given status, newest first
func (r *RunRepository) ListRunsByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.TrainingRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, training_id, status, gpu_cost_usd, created_at, updated_at
		FROM training_runs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.TrainingRun
	for rows.Next() {
		var run models.TrainingRun
		if err := rows.Scan(&run.ID, &run.TrainingID, &run.Status, &run.GpuCostUSD, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

func appendStatusLogTx(ctx context.Context, tx *sql.Tx, runID, stage string, payload map[string]interface{}) error {
	payloadJSON, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO status_log (run_id, stage, payload) VALUES ($1, $2, $3)`,
		runID, stage, payloadJSON)
	return errors.Wrap(err, "append status log")
}

func marshalPayload(payload map[string]interface{}) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal status payload")
	}
	return string(b), nil
}
