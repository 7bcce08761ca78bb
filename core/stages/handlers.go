// Package stages implements one handler per pipeline stage. Every handler
// performs its effect and decides the next stage by enqueueing it; the
// dispatcher owns the ledger and the message lifecycle.
package stages

import (
	"context"
	"time"

	"lora-orchestrator/core/executor"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Outcomes recorded on completed attempts
const (
	OutcomeSkipped   = "skipped"
	OutcomeFannedOut = "fanned_out"
	OutcomeWaiting   = "waiting"
	OutcomeEnqueued  = "enqueued"
	OutcomeRetrying  = "retrying"
	OutcomeStarted   = models.OutcomeTrainingStarted
	OutcomeStalled   = "stalled"
	OutcomeOnError   = "onerror"
)

// Enqueuer sends the next task of a run
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.Task, delay time.Duration) error
}

// RunStore is the part of the run repository the handlers need
type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.TrainingRun, error)
	SetConfig(ctx context.Context, runID, configYAML string) error
	ClaimZip(ctx context.Context, runID string) (bool, error)
}

// ImageStore tracks the run's target image set
type ImageStore interface {
	SeedRunImages(ctx context.Context, run *models.TrainingRun) (int64, error)
	ListUnresized(ctx context.Context, runID string) ([]models.RunImage, error)
	ListRunImages(ctx context.Context, runID string) ([]models.RunImage, error)
	MarkResized(ctx context.Context, runID, imageID string) (bool, error)
}

// ArtifactStore records object-store outputs of a run
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, runID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error
}

// Lifecycle rents, inspects and releases the run's GPU instance
type Lifecycle interface {
	Allocate(ctx context.Context, run *models.TrainingRun) (*models.GpuInstance, error)
	InstanceForRun(ctx context.Context, runID string) (*models.GpuInstance, error)
	Instance(ctx context.Context, inst *models.GpuInstance) (*models.InstanceDetails, error)
	TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error)
}

// Runner talks to the training runner on the instance
type Runner interface {
	Health(ctx context.Context, ep executor.Endpoint) error
	SubmitConfig(ctx context.Context, ep executor.Endpoint, configYAML string) error
	Start(ctx context.Context, ep executor.Endpoint, runID string) error
}

// Checkpoints issues the upload location of the finished adapter
type Checkpoints interface {
	PrepareUpload(ctx context.Context, runID string) (uploadURL, key string, err error)
}

// Config holds the pipeline timings
type Config struct {
	AllocateDelay   time.Duration // allocateGpu -> awaitGpuReady
	AllocateRetry   time.Duration // re-enqueue delay while the marketplace is busy
	AllocateCeiling time.Duration
	AwaitRetry      time.Duration
	AwaitCeiling    time.Duration
	StartRetry      time.Duration
	StartCeiling    time.Duration
	DatasetURLTTL   time.Duration
	RunnerPort      int
	RunnerToken     string
}

// DefaultConfig returns the stock pipeline timings
func DefaultConfig() Config {
	return Config{
		AllocateDelay:   120 * time.Second,
		AllocateRetry:   60 * time.Second,
		AllocateCeiling: 30 * time.Minute,
		AwaitRetry:      60 * time.Second,
		AwaitCeiling:    30 * time.Minute,
		StartRetry:      30 * time.Second,
		StartCeiling:    5 * time.Minute,
		DatasetURLTTL:   12 * time.Hour,
		RunnerPort:      8000,
	}
}

// Dependencies wires the handlers to their collaborators
type Dependencies struct {
	Queue       Enqueuer
	Runs        RunStore
	Images      ImageStore
	Artifacts   ArtifactStore
	Store       storage.Store
	Packager    *storage.Packager
	Lifecycle   Lifecycle
	Runner      Runner
	Checkpoints Checkpoints
}

// Handlers executes pipeline tasks
type Handlers struct {
	Dependencies
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewHandlers creates the stage handlers
func NewHandlers(deps Dependencies, cfg Config, logger *zap.Logger) *Handlers {
	return &Handlers{Dependencies: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Handle runs the handler matching the task and returns the outcome to
// record. A task whose run is already terminal is a no-op.
func (h *Handlers) Handle(ctx context.Context, task models.Task) (string, error) {
	run, err := h.Runs.GetRun(ctx, task.RunID())
	if err != nil {
		return "", errors.Wrapf(err, "load run %s", task.RunID())
	}
	if run.IsTerminal() {
		h.logger.Info("run is terminal, skipping task",
			zap.String("run_id", run.ID), zap.String("task", string(task.Kind())), zap.String("status", string(run.Status)))
		return OutcomeSkipped, nil
	}

	switch t := task.(type) {
	case *models.ReduceImages:
		return h.reduceImages(ctx, run)
	case *models.ReduceImageSuccess:
		return h.reduceImageSuccess(ctx, run, t)
	case *models.ZipImages:
		return h.zipImages(ctx, run)
	case *models.AllocateGpu:
		return h.allocateGpu(ctx, run, t)
	case *models.AwaitGpuReady:
		return h.awaitGpuReady(ctx, run, t)
	case *models.StartTraining:
		return h.startTraining(ctx, run, t)
	case *models.ResizeImage:
		return "", errors.Wrap(models.ErrUnknownTask, "resizeImage belongs on the resize queue")
	default:
		return "", errors.Wrapf(models.ErrUnknownTask, "%T", task)
	}
}

// terminate ends the run and releases whatever it rented
func (h *Handlers) terminate(ctx context.Context, run *models.TrainingRun, to models.RunStatus, reason string, meta map[string]interface{}) (string, error) {
	if _, err := h.Lifecycle.TerminateRun(ctx, run.ID, to, reason, meta); err != nil {
		return "", err
	}
	h.logger.Warn("run terminated by stage",
		zap.String("run_id", run.ID), zap.String("status", string(to)), zap.String("reason", reason))
	return string(to), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
