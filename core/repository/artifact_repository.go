package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

// ArtifactRepository handles database operations for run artifacts
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// GetRunArtifacts retrieves artifacts for a run, newest first
func (r *ArtifactRepository) GetRunArtifacts(ctx context.Context, runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error) {
	query := `
		SELECT id, run_id, type, uri, created_at, meta_json
		FROM run_artifacts
		WHERE run_id = $1
	`
	args := []interface{}{runID}

	if artifactType != nil {
		query += fmt.Sprintf(" AND type = $%d", len(args)+1)
		args = append(args, *artifactType)
	}

	query += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []models.RunArtifact
	for rows.Next() {
		var artifact models.RunArtifact
		var metaJSON string

		if err := rows.Scan(
			&artifact.ID,
			&artifact.RunID,
			&artifact.Type,
			&artifact.URI,
			&artifact.CreatedAt,
			&metaJSON,
		); err != nil {
			return nil, err
		}

		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &artifact.MetaJSON)
		}

		artifacts = append(artifacts, artifact)
	}

	return artifacts, rows.Err()
}

// CreateArtifact creates a new artifact record
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, runID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error {
	metaJSON, err := marshalPayload(meta)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO run_artifacts (run_id, type, uri, meta_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, runID, artifactType, uri, metaJSON)
	return errors.Wrap(err, "insert artifact")
}
