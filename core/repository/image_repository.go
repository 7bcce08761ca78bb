package repository

import (
	"context"
	"database/sql"
	"fmt"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

// ImageRepository handles a run's target image set
type ImageRepository struct {
	db *DB
}

// NewImageRepository creates a new image repository
func NewImageRepository(db *DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// ReducedKeyPrefix is the object-store prefix of a run's reduced images
func ReducedKeyPrefix(runID string) string {
	return fmt.Sprintf("runs/%s/images/", runID)
}

// SeedRunImages materializes the run's target image set: the training's
// original images, or the image group's cropped members. Existing rows are
// kept so a redelivered reduceImages never resets progress.
func (r *ImageRepository) SeedRunImages(ctx context.Context, run *models.TrainingRun) (int64, error) {
	var res sql.Result
	var err error

	if run.ImageGroupID == nil {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO run_images (run_id, image_id, source_key, target_key, caption)
			SELECT $1, i.id, i.object_key, $2 || i.id || '.png', i.caption
			FROM images i
			WHERE i.training_id = $3
			ON CONFLICT (run_id, image_id) DO NOTHING
		`, run.ID, ReducedKeyPrefix(run.ID), run.TrainingID)
	} else {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO run_images (run_id, image_id, source_key, target_key, caption,
				crop_x, crop_y, crop_width, crop_height)
			SELECT $1, i.id, i.object_key, $2 || i.id || '.png', i.caption,
				g.crop_x, g.crop_y, g.crop_width, g.crop_height
			FROM image_group_items g
			JOIN images i ON i.id = g.image_id
			WHERE g.group_id = $3
			ON CONFLICT (run_id, image_id) DO NOTHING
		`, run.ID, ReducedKeyPrefix(run.ID), *run.ImageGroupID)
	}
	if err != nil {
		return 0, errors.Wrap(err, "seed run images")
	}

	return res.RowsAffected()
}

// ListUnresized lists the run's images still waiting for their resize
func (r *ImageRepository) ListUnresized(ctx context.Context, runID string) ([]models.RunImage, error) {
	return r.list(ctx, `WHERE run_id = $1 AND NOT resized`, runID)
}

// ListRunImages lists the run's whole target image set
func (r *ImageRepository) ListRunImages(ctx context.Context, runID string) ([]models.RunImage, error) {
	return r.list(ctx, `WHERE run_id = $1`, runID)
}

func (r *ImageRepository) list(ctx context.Context, where string, runID string) ([]models.RunImage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, image_id, source_key, target_key, caption,
			crop_x, crop_y, crop_width, crop_height, resized
		FROM run_images `+where+`
		ORDER BY image_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []models.RunImage
	for rows.Next() {
		var img models.RunImage
		var x, y, w, h sql.NullInt64
		if err := rows.Scan(
			&img.RunID,
			&img.ImageID,
			&img.SourceKey,
			&img.TargetKey,
			&img.Caption,
			&x, &y, &w, &h,
			&img.Resized,
		); err != nil {
			return nil, err
		}
		if x.Valid && y.Valid && w.Valid && h.Valid {
			img.Crop = &models.CropRect{X: int(x.Int64), Y: int(y.Int64), Width: int(w.Int64), Height: int(h.Int64)}
		}
		images = append(images, img)
	}

	return images, rows.Err()
}

// MarkResized flags one image of the run as reduced. It reports false when
// the image was already marked.
func (r *ImageRepository) MarkResized(ctx context.Context, runID, imageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE run_images SET resized = TRUE, resized_at = NOW()
		WHERE run_id = $1 AND image_id = $2 AND NOT resized
	`, runID, imageID)
	if err != nil {
		return false, errors.Wrap(err, "mark resized")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
