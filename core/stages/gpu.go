package stages

import (
	"context"

	"lora-orchestrator/core/executor"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/optimizer"
	"lora-orchestrator/core/spec"
	"lora-orchestrator/providers"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// allocateGpu rents an instance for the run. A busy marketplace, or one
// without a matching offer, is retried until the allocate ceiling.
func (h *Handlers) allocateGpu(ctx context.Context, run *models.TrainingRun, t *models.AllocateGpu) (string, error) {
	first := t.FirstAttemptAt
	if first.IsZero() {
		first = h.now()
	}

	inst, err := h.Lifecycle.Allocate(ctx, run)
	if errors.Is(err, providers.ErrRateLimited) || errors.Is(err, optimizer.ErrNoOffers) {
		if h.now().Sub(first) > h.cfg.AllocateCeiling {
			return h.terminate(ctx, run, models.RunStatusStalled, "no gpu could be allocated", map[string]interface{}{
				"attempts": t.Attempt + 1,
				"error":    err.Error(),
			})
		}

		h.logger.Info("allocation deferred", zap.String("run_id", run.ID), zap.Int("attempt", t.Attempt+1), zap.Error(err))
		// not unique: this attempt still counts as in flight for the run
		err = h.Queue.Enqueue(ctx, &models.AllocateGpu{
			TaskHeader:     models.TaskHeader{TrainingRunID: run.ID},
			FirstAttemptAt: first,
			Attempt:        t.Attempt + 1,
		}, h.cfg.AllocateRetry)
		if err != nil {
			return "", err
		}
		return OutcomeRetrying, nil
	}
	if err != nil {
		return "", err
	}

	err = h.Queue.Enqueue(ctx, &models.AwaitGpuReady{
		TaskHeader:     models.TaskHeader{TrainingRunID: run.ID},
		FirstAttemptAt: h.now(),
		Attempt:        1,
	}, h.cfg.AllocateDelay)
	if err != nil {
		return "", err
	}

	h.logger.Info("awaiting gpu", zap.String("run_id", run.ID), zap.String("instance_id", inst.ID))
	return OutcomeEnqueued, nil
}

// awaitGpuReady polls the instance until the runner answers its health
// probe. Not ready is never an error: the task re-enqueues itself.
func (h *Handlers) awaitGpuReady(ctx context.Context, run *models.TrainingRun, t *models.AwaitGpuReady) (string, error) {
	if h.now().Sub(t.FirstAttemptAt) > h.cfg.AwaitCeiling {
		return h.terminate(ctx, run, models.RunStatusStalled, "gpu never became ready", map[string]interface{}{
			"attempts": t.Attempt,
		})
	}

	inst, err := h.Lifecycle.InstanceForRun(ctx, run.ID)
	if isNotFound(err) {
		return h.terminate(ctx, run, models.RunStatusOnError, "no gpu linked to run", nil)
	}
	if err != nil {
		return "", err
	}

	details, err := h.Lifecycle.Instance(ctx, inst)
	if errors.Is(err, providers.ErrInstanceNotFound) {
		return h.terminate(ctx, run, models.RunStatusOnError, "gpu instance vanished", map[string]interface{}{
			"external_id": inst.ExternalID,
		})
	}
	if err != nil {
		return h.awaitAgain(ctx, run, t, "instance lookup failed: "+err.Error())
	}
	if details.IsErrored() {
		return h.terminate(ctx, run, models.RunStatusOnError, "gpu instance failed", map[string]interface{}{
			"external_id":     inst.ExternalID,
			"provider_status": details.ActualStatus,
		})
	}

	ep, err := executor.EndpointFor(details, h.cfg.RunnerPort, h.cfg.RunnerToken)
	if err != nil {
		return h.awaitAgain(ctx, run, t, err.Error())
	}
	if err := h.Runner.Health(ctx, ep); err != nil {
		return h.awaitAgain(ctx, run, t, err.Error())
	}

	err = h.Queue.Enqueue(ctx, &models.StartTraining{
		TaskHeader:     models.TaskHeader{TrainingRunID: run.ID, Unique: true},
		FirstAttemptAt: h.now(),
		Attempt:        1,
	}, 0)
	if err != nil {
		return "", err
	}

	h.logger.Info("gpu ready", zap.String("run_id", run.ID), zap.String("endpoint", ep.BaseURL), zap.Int("polls", t.Attempt))
	return OutcomeEnqueued, nil
}

func (h *Handlers) awaitAgain(ctx context.Context, run *models.TrainingRun, t *models.AwaitGpuReady, why string) (string, error) {
	h.logger.Debug("gpu not ready", zap.String("run_id", run.ID), zap.Int("attempt", t.Attempt), zap.String("why", why))
	err := h.Queue.Enqueue(ctx, &models.AwaitGpuReady{
		TaskHeader:     models.TaskHeader{TrainingRunID: run.ID},
		FirstAttemptAt: t.FirstAttemptAt,
		Attempt:        t.Attempt + 1,
	}, h.cfg.AwaitRetry)
	if err != nil {
		return "", err
	}
	return OutcomeWaiting, nil
}

// startTraining hands the configuration to the runner and starts it. A
// rejected configuration is final; anything else is retried until the start
// ceiling.
func (h *Handlers) startTraining(ctx context.Context, run *models.TrainingRun, t *models.StartTraining) (string, error) {
	if h.now().Sub(t.FirstAttemptAt) > h.cfg.StartCeiling {
		return h.terminate(ctx, run, models.RunStatusStalled, "training did not start in time", map[string]interface{}{
			"attempts": t.Attempt,
		})
	}

	inst, err := h.Lifecycle.InstanceForRun(ctx, run.ID)
	if isNotFound(err) {
		return h.terminate(ctx, run, models.RunStatusOnError, "no gpu linked to run", nil)
	}
	if err != nil {
		return "", err
	}

	details, err := h.Lifecycle.Instance(ctx, inst)
	if err != nil {
		return h.startAgain(ctx, run, t, err)
	}
	ep, err := executor.EndpointFor(details, h.cfg.RunnerPort, h.cfg.RunnerToken)
	if err != nil {
		return h.startAgain(ctx, run, t, err)
	}

	doc, checkpointKey, err := h.runnerConfig(ctx, run)
	if err != nil {
		return "", err
	}

	if err := h.Runner.SubmitConfig(ctx, ep, doc); err != nil {
		if errors.Is(err, executor.ErrRejected) {
			return "", err
		}
		return h.startAgain(ctx, run, t, err)
	}
	// a refused start is retried too: the runner may still be loading the
	// config it just accepted
	if err := h.Runner.Start(ctx, ep, run.ID); err != nil {
		return h.startAgain(ctx, run, t, err)
	}

	h.logger.Info("training started",
		zap.String("run_id", run.ID), zap.String("endpoint", ep.BaseURL), zap.String("checkpoint_key", checkpointKey))
	return OutcomeStarted, nil
}

// runnerConfig patches the stored configuration with fresh download and
// upload URLs. The stored copy keeps the stable archive URI.
func (h *Handlers) runnerConfig(ctx context.Context, run *models.TrainingRun) (string, string, error) {
	cfg, err := spec.Parse(run.ConfigYAML)
	if err != nil {
		return "", "", err
	}

	datasetURL, err := h.Store.PresignGet(ctx, ArchiveKey(run.ID), h.cfg.DatasetURLTTL)
	if err != nil {
		return "", "", err
	}
	uploadURL, key, err := h.Checkpoints.PrepareUpload(ctx, run.ID)
	if err != nil {
		return "", "", err
	}

	doc, err := cfg.WithArchive(datasetURL).WithCheckpointUpload(uploadURL, key).Marshal()
	if err != nil {
		return "", "", err
	}
	return doc, key, nil
}

func (h *Handlers) startAgain(ctx context.Context, run *models.TrainingRun, t *models.StartTraining, cause error) (string, error) {
	h.logger.Warn("training start failed, retrying",
		zap.String("run_id", run.ID), zap.Int("attempt", t.Attempt), zap.Error(cause))
	// not unique: this attempt itself still blocks a unique startTraining
	err := h.Queue.Enqueue(ctx, &models.StartTraining{
		TaskHeader:     models.TaskHeader{TrainingRunID: run.ID},
		FirstAttemptAt: t.FirstAttemptAt,
		Attempt:        t.Attempt + 1,
	}, h.cfg.StartRetry)
	if err != nil {
		return "", err
	}
	return OutcomeRetrying, nil
}
