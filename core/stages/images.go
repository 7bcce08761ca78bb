package stages

import (
	"context"
	"path"
	"strings"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/spec"
	"lora-orchestrator/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ArchiveKey is where a run's packaged dataset is stored
func ArchiveKey(runID string) string {
	return "runs/" + runID + "/dataset.zip"
}

// reduceImages materializes the run's target image set and fans out one
// resize task per image still waiting. With nothing left to resize the run
// goes straight to the fan-in.
func (h *Handlers) reduceImages(ctx context.Context, run *models.TrainingRun) (string, error) {
	cfg, err := spec.Parse(run.ConfigYAML)
	if err != nil {
		return "", err
	}

	seeded, err := h.Images.SeedRunImages(ctx, run)
	if err != nil {
		return "", err
	}

	pending, err := h.Images.ListUnresized(ctx, run.ID)
	if err != nil {
		return "", errors.Wrap(err, "list unresized images")
	}
	if len(pending) == 0 {
		h.logger.Info("no images to reduce", zap.String("run_id", run.ID), zap.Int64("seeded", seeded))
		return h.claimZip(ctx, run)
	}

	for _, img := range pending {
		err := h.Queue.Enqueue(ctx, &models.ResizeImage{
			TaskHeader: models.TaskHeader{TrainingRunID: run.ID},
			ImageID:    img.ImageID,
			SourceKey:  img.SourceKey,
			TargetKey:  img.TargetKey,
			Crop:       img.Crop,
			MaxSide:    cfg.Dataset.MaxSide,
		}, 0)
		if err != nil {
			return "", err
		}
	}

	h.logger.Info("resize fanned out", zap.String("run_id", run.ID), zap.Int("images", len(pending)))
	return OutcomeFannedOut, nil
}

// reduceImageSuccess marks one image reduced and, when it was the last one,
// triggers the zip stage
func (h *Handlers) reduceImageSuccess(ctx context.Context, run *models.TrainingRun, t *models.ReduceImageSuccess) (string, error) {
	if _, err := h.Images.MarkResized(ctx, run.ID, t.ImageID); err != nil {
		return "", err
	}
	return h.claimZip(ctx, run)
}

// claimZip enqueues zipImages for the single caller that wins the fan-in
func (h *Handlers) claimZip(ctx context.Context, run *models.TrainingRun) (string, error) {
	claimed, err := h.Runs.ClaimZip(ctx, run.ID)
	if err != nil {
		return "", err
	}
	if !claimed {
		return OutcomeWaiting, nil
	}

	err = h.Queue.Enqueue(ctx, &models.ZipImages{
		TaskHeader: models.TaskHeader{TrainingRunID: run.ID, Unique: true},
	}, 0)
	if err != nil {
		return "", err
	}

	h.logger.Info("all images reduced, zip enqueued", zap.String("run_id", run.ID))
	return OutcomeEnqueued, nil
}

// zipImages writes a caption object next to every reduced image, packages
// both into the dataset archive and moves on to GPU allocation
func (h *Handlers) zipImages(ctx context.Context, run *models.TrainingRun) (string, error) {
	cfg, err := spec.Parse(run.ConfigYAML)
	if err != nil {
		return "", err
	}

	images, err := h.Images.ListRunImages(ctx, run.ID)
	if err != nil {
		return "", errors.Wrap(err, "list run images")
	}

	entries := make([]storage.ArchiveEntry, 0, 2*len(images))
	for _, img := range images {
		captionKey := strings.TrimSuffix(img.TargetKey, path.Ext(img.TargetKey)) + cfg.Dataset.CaptionExtension
		caption := captionText(img.Caption, cfg.Dataset.TriggerWord)

		if err := h.Store.Put(ctx, captionKey, strings.NewReader(caption), int64(len(caption)), "text/plain; charset=utf-8"); err != nil {
			return "", errors.Wrapf(err, "write caption for %s", img.ImageID)
		}
		entries = append(entries,
			storage.ArchiveEntry{Key: img.TargetKey, Name: path.Base(img.TargetKey)},
			storage.ArchiveEntry{Key: captionKey, Name: path.Base(captionKey)},
		)
	}

	archiveKey := ArchiveKey(run.ID)
	size, err := h.Packager.Package(ctx, archiveKey, entries)
	if err != nil {
		return "", errors.Wrap(err, "package dataset")
	}

	archiveURI := h.Store.URI(archiveKey)
	doc, err := cfg.WithArchive(archiveURI).Marshal()
	if err != nil {
		return "", err
	}
	if err := h.Runs.SetConfig(ctx, run.ID, doc); err != nil {
		return "", err
	}

	if err := h.Artifacts.CreateArtifact(ctx, run.ID, models.ArtifactTypeArchive, archiveURI, map[string]interface{}{
		"key":    archiveKey,
		"bytes":  size,
		"images": len(images),
	}); err != nil {
		return "", err
	}

	err = h.Queue.Enqueue(ctx, &models.AllocateGpu{
		TaskHeader: models.TaskHeader{TrainingRunID: run.ID, Unique: true},
	}, 0)
	if err != nil {
		return "", err
	}

	h.logger.Info("dataset packaged",
		zap.String("run_id", run.ID), zap.String("archive", archiveURI), zap.Int64("bytes", size), zap.Int("images", len(images)))
	return OutcomeEnqueued, nil
}

// captionText prefixes the trigger word unless the caption already has it
func captionText(caption, trigger string) string {
	caption = strings.TrimSpace(caption)
	if trigger == "" || strings.Contains(caption, trigger) {
		return caption
	}
	if caption == "" {
		return trigger
	}
	return trigger + ", " + caption
}
