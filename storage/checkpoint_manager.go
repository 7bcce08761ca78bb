package storage

import (
	"context"
	"time"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

// ErrNoCheckpoint is returned when a run has not produced a checkpoint yet
var ErrNoCheckpoint = errors.New("no checkpoint recorded")

// ArtifactRecorder persists artifact rows
type ArtifactRecorder interface {
	CreateArtifact(ctx context.Context, runID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error
	GetRunArtifacts(ctx context.Context, runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error)
}

// CheckpointManager manages checkpoint storage and retrieval
type CheckpointManager struct {
	store        Store
	artifactRepo ArtifactRecorder
	presignTTL   time.Duration
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(store Store, artifactRepo ArtifactRecorder, presignTTL time.Duration) *CheckpointManager {
	return &CheckpointManager{store: store, artifactRepo: artifactRepo, presignTTL: presignTTL}
}

// CheckpointKey is where the runner uploads the finished adapter for a run
func CheckpointKey(runID string) string {
	return "runs/" + runID + "/checkpoint.safetensors"
}

// PrepareUpload issues a short-lived upload URL for the run's checkpoint
func (cm *CheckpointManager) PrepareUpload(ctx context.Context, runID string) (uploadURL, key string, err error) {
	key = CheckpointKey(runID)
	uploadURL, err = cm.store.PresignPut(ctx, key, cm.presignTTL)
	if err != nil {
		return "", "", err
	}
	return uploadURL, key, nil
}

// SaveCheckpoint records a checkpoint object as a run artifact
func (cm *CheckpointManager) SaveCheckpoint(
	ctx context.Context,
	runID string,
	key string,
	step int,
	metadata map[string]interface{},
) error {
	meta := map[string]interface{}{
		"step": step,
		"key":  key,
	}
	for k, v := range metadata {
		meta[k] = v
	}

	return cm.artifactRepo.CreateArtifact(ctx, runID, models.ArtifactTypeCheckpoint, cm.store.URI(key), meta)
}

// GetLatestCheckpoint retrieves the latest checkpoint URI for a run
func (cm *CheckpointManager) GetLatestCheckpoint(ctx context.Context, runID string) (string, error) {
	artifacts, err := cm.ListCheckpoints(ctx, runID)
	if err != nil {
		return "", err
	}

	var latestCheckpoint string
	latestStep := -1
	latestTime := time.Time{}

	for _, artifact := range artifacts {
		step, ok := artifact.MetaJSON["step"].(float64)
		if !ok {
			// fall back to time-based selection
			if latestStep < 0 && artifact.CreatedAt.After(latestTime) {
				latestTime = artifact.CreatedAt
				latestCheckpoint = artifact.URI
			}
			continue
		}

		if int(step) > latestStep {
			latestStep = int(step)
			latestCheckpoint = artifact.URI
		}
	}

	if latestCheckpoint == "" {
		return "", errors.Wrapf(ErrNoCheckpoint, "run %s", runID)
	}

	return latestCheckpoint, nil
}

// ListCheckpoints lists all checkpoints for a run
func (cm *CheckpointManager) ListCheckpoints(ctx context.Context, runID string) ([]models.RunArtifact, error) {
	checkpointType := models.ArtifactTypeCheckpoint
	return cm.artifactRepo.GetRunArtifacts(ctx, runID, &checkpointType)
}
