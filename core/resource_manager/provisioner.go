package resource_manager

import (
	"context"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/optimizer"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/providers"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RunStore is the part of the run repository the provisioner needs
type RunStore interface {
	UpdateStatus(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error)
	LinkInstance(ctx context.Context, runID, instanceID string) error
	ClearInstance(ctx context.Context, runID, instanceID string) error
	AddGpuCost(ctx context.Context, runID string, usd float64) error
}

// InstanceStore is the part of the GPU instance repository the provisioner needs
type InstanceStore interface {
	Create(ctx context.Context, inst *models.GpuInstance) error
	GetByRun(ctx context.Context, runID string) (*models.GpuInstance, error)
	ClaimRelease(ctx context.Context, id string, staleAfter time.Duration) (bool, error)
	Delete(ctx context.Context, id string) error
}

// StatusLog appends audit entries
type StatusLog interface {
	Append(ctx context.Context, runID, stage string, payload map[string]interface{}) error
}

// ReleaseRecorder observes confirmed instance releases
type ReleaseRecorder interface {
	GpuReleased(reason string)
}

// Config describes how offers are turned into running instances
type Config struct {
	Image             string
	DiskGB            float64
	OnStart           string
	Env               map[string]string
	RunnerToken       string
	ReleaseStaleAfter time.Duration // a release claim older than this may be taken over
}

// Provisioner rents, inspects and releases GPU instances for training runs
type Provisioner struct {
	market    providers.Marketplace
	optimizer *optimizer.AllocationOptimizer
	costs     *optimizer.CostCalculator
	runs      RunStore
	instances InstanceStore
	statusLog StatusLog
	recorder  ReleaseRecorder
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewProvisioner creates a new provisioner
func NewProvisioner(
	market providers.Marketplace,
	opt *optimizer.AllocationOptimizer,
	costs *optimizer.CostCalculator,
	runs RunStore,
	instances InstanceStore,
	statusLog StatusLog,
	recorder ReleaseRecorder,
	cfg Config,
	logger *zap.Logger,
) *Provisioner {
	if cfg.ReleaseStaleAfter == 0 {
		cfg.ReleaseStaleAfter = 10 * time.Minute
	}
	return &Provisioner{
		market:    market,
		optimizer: opt,
		costs:     costs,
		runs:      runs,
		instances: instances,
		statusLog: statusLog,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Allocate selects an offer, rents it and links the instance to the run.
// A run that already has an instance gets that instance back.
func (p *Provisioner) Allocate(ctx context.Context, run *models.TrainingRun) (*models.GpuInstance, error) {
	existing, err := p.instances.GetByRun(ctx, run.ID)
	if err == nil {
		p.logger.Info("run already has an instance", zap.String("run_id", run.ID), zap.String("instance_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	offer, err := p.optimizer.Select(ctx)
	if err != nil {
		return nil, err
	}

	env := map[string]string{
		"LORA_RUN_ID":  run.ID,
		"RUNNER_TOKEN": p.cfg.RunnerToken,
	}
	for k, v := range p.cfg.Env {
		env[k] = v
	}

	externalID, err := p.market.CreateInstance(ctx, models.CreateInstanceRequest{
		OfferID: offer.ID,
		Image:   p.cfg.Image,
		DiskGB:  p.cfg.DiskGB,
		Label:   "lora-" + run.ID,
		Env:     env,
		OnStart: p.cfg.OnStart,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "provision offer %s", offer.ID)
	}

	runID := run.ID
	inst := &models.GpuInstance{
		ExternalID:   externalID,
		RunID:        &runID,
		Status:       models.GpuInstanceRunning,
		OfferID:      offer.ID,
		PricePerHour: offer.PricePerHour,
	}
	if err := p.instances.Create(ctx, inst); err != nil {
		// nothing references the instance yet, so tear it down now
		if derr := p.market.DeleteInstance(ctx, externalID); derr != nil && !errors.Is(derr, providers.ErrInstanceNotFound) {
			p.logger.Error("failed to tear down unrecorded instance",
				zap.String("run_id", run.ID), zap.String("external_id", externalID), zap.Error(derr))
		}
		return nil, errors.Wrap(err, "record instance")
	}

	if err := p.runs.LinkInstance(ctx, run.ID, inst.ID); err != nil {
		return nil, err
	}

	p.logger.Info("gpu allocated",
		zap.String("run_id", run.ID),
		zap.String("instance_id", inst.ID),
		zap.String("external_id", externalID),
		zap.String("gpu", offer.GPUName),
		zap.Float64("price_per_hour", offer.PricePerHour))

	return inst, nil
}

// InstanceForRun returns the instance record linked to the run
func (p *Provisioner) InstanceForRun(ctx context.Context, runID string) (*models.GpuInstance, error) {
	return p.instances.GetByRun(ctx, runID)
}

// Instance returns the marketplace's current view of the instance
func (p *Provisioner) Instance(ctx context.Context, inst *models.GpuInstance) (*models.InstanceDetails, error) {
	return p.market.GetInstance(ctx, inst.ExternalID)
}

// Release tears down the instance and forgets it. It is idempotent: an
// instance that is already gone, or whose release another caller claimed,
// is not an error.
func (p *Provisioner) Release(ctx context.Context, inst *models.GpuInstance, reason string) error {
	claimed, err := p.instances.ClaimRelease(ctx, inst.ID, p.cfg.ReleaseStaleAfter)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.Debug("release already claimed", zap.String("instance_id", inst.ID))
		return nil
	}

	err = p.market.DeleteInstance(ctx, inst.ExternalID)
	if err != nil && !errors.Is(err, providers.ErrInstanceNotFound) {
		// the record stays in releasing and can be claimed again once stale
		return errors.Wrapf(err, "release instance %s", inst.ID)
	}

	cost := p.costs.RentalCost(inst.PricePerHour, inst.CreatedAt, p.now())
	if inst.RunID != nil {
		runID := *inst.RunID
		if err := p.runs.AddGpuCost(ctx, runID, cost); err != nil {
			return err
		}
		if err := p.runs.ClearInstance(ctx, runID, inst.ID); err != nil {
			return err
		}
		if err := p.statusLog.Append(ctx, runID, models.StageGpuReleased, map[string]interface{}{
			"instance_id": inst.ID,
			"external_id": inst.ExternalID,
			"reason":      reason,
			"cost_usd":    cost,
		}); err != nil {
			p.logger.Warn("failed to log release", zap.String("run_id", runID), zap.Error(err))
		}
	}

	if err := p.instances.Delete(ctx, inst.ID); err != nil {
		return err
	}

	if p.recorder != nil {
		p.recorder.GpuReleased(reason)
	}
	p.logger.Info("gpu released",
		zap.String("instance_id", inst.ID),
		zap.String("external_id", inst.ExternalID),
		zap.String("reason", reason),
		zap.Float64("cost_usd", cost))

	return nil
}

// ReleaseRun releases whatever instance is linked to the run
func (p *Provisioner) ReleaseRun(ctx context.Context, runID, reason string) error {
	inst, err := p.instances.GetByRun(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return p.Release(ctx, inst, reason)
}

// TerminateRun moves the run to a terminal status and releases its instance.
// It reports whether this call performed the transition; the release is
// attempted either way so a previously failed teardown gets another chance.
func (p *Provisioner) TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error) {
	if !to.IsTerminal() {
		return false, errors.Errorf("%s is not a terminal status", to)
	}

	moved, err := p.runs.UpdateStatus(ctx, runID, to, reason, meta)
	if err != nil {
		return false, err
	}
	if moved {
		p.logger.Info("run terminated", zap.String("run_id", runID), zap.String("status", string(to)), zap.String("reason", reason))
	}

	if err := p.ReleaseRun(ctx, runID, string(to)); err != nil {
		return moved, errors.Wrap(err, "release after terminate")
	}
	return moved, nil
}
