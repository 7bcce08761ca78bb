package repository

import (
	"context"
	"database/sql"
	"time"

	"lora-orchestrator/core/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// GpuRepository handles database operations for rented GPU instances
type GpuRepository struct {
	db *DB
}

// NewGpuRepository creates a new GPU instance repository
func NewGpuRepository(db *DB) *GpuRepository {
	return &GpuRepository{db: db}
}

const gpuColumns = `id, external_id, run_id, status, offer_id, price_per_hour, created_at, updated_at`

// Create records a freshly provisioned instance
func (r *GpuRepository) Create(ctx context.Context, inst *models.GpuInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = models.GpuInstanceRunning
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gpu_instances (`+gpuColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, inst.ID, inst.ExternalID, inst.RunID, inst.Status, inst.OfferID, inst.PricePerHour, now)
	if err != nil {
		return errors.Wrap(err, "insert gpu instance")
	}

	inst.CreatedAt = now
	inst.UpdatedAt = now
	return nil
}

// Get retrieves an instance record by ID
func (r *GpuRepository) Get(ctx context.Context, id string) (*models.GpuInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+gpuColumns+` FROM gpu_instances WHERE id = $1`, id)
	inst, err := scanGpuInstance(row)
	if err != nil {
		return nil, notFound(err)
	}
	return inst, nil
}

// GetByRun retrieves the instance record linked to a run
func (r *GpuRepository) GetByRun(ctx context.Context, runID string) (*models.GpuInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+gpuColumns+` FROM gpu_instances
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, runID)
	inst, err := scanGpuInstance(row)
	if err != nil {
		return nil, notFound(err)
	}
	return inst, nil
}

// List retrieves every instance record
func (r *GpuRepository) List(ctx context.Context) ([]*models.GpuInstance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+gpuColumns+` FROM gpu_instances ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.GpuInstance
	for rows.Next() {
		inst, err := scanGpuInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	return instances, rows.Err()
}

// ClaimRelease moves a running record to releasing. Records stuck in
// releasing for longer than staleAfter may be claimed again. Exactly one
// caller wins each claim.
func (r *GpuRepository) ClaimRelease(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE gpu_instances SET status = $1, updated_at = NOW()
		WHERE id = $2
			AND (status = $3 OR (status = $1 AND updated_at < $4))
	`, models.GpuInstanceReleasing, id, models.GpuInstanceRunning, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return false, errors.Wrap(err, "claim release")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete removes an instance record once the provider confirmed teardown
func (r *GpuRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM gpu_instances WHERE id = $1`, id)
	return errors.Wrap(err, "delete gpu instance")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGpuInstance(row rowScanner) (*models.GpuInstance, error) {
	var inst models.GpuInstance
	var runID sql.NullString
	err := row.Scan(
		&inst.ID,
		&inst.ExternalID,
		&runID,
		&inst.Status,
		&inst.OfferID,
		&inst.PricePerHour,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		inst.RunID = &runID.String
	}
	return &inst, nil
}
