package monitoring

import (
	"context"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/providers"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Reasons recorded for reaped instances
const (
	CauseUnknown  = "unknown"
	CauseTerminal = "terminal"
	CauseErrored  = "errored"
	CauseStalled  = "stalled"
	CauseVanished = "vanished"
	CauseOrphaned = "orphaned"
)

// vanishedGrace keeps fresh records out of the vanished check while the
// provider's listing catches up
const vanishedGrace = 2 * time.Minute

// unknownGrace spares an unrecorded instance the provider started this
// recently, so an allocation racing the sweep keeps its instance
const unknownGrace = 5 * time.Minute

// InstanceRecords lists instance records
type InstanceRecords interface {
	List(ctx context.Context) ([]*models.GpuInstance, error)
}

// RunReader loads runs
type RunReader interface {
	GetRun(ctx context.Context, id string) (*models.TrainingRun, error)
}

// ProgressLog returns a run's most recent status entry
type ProgressLog interface {
	Latest(ctx context.Context, runID string) (*models.StatusLogEntry, error)
}

// Releaser tears down instances and terminates runs
type Releaser interface {
	Release(ctx context.Context, inst *models.GpuInstance, reason string) error
	TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error)
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Live     int
	Unknown  int
	Terminal int
	Errored  int
	Stalled  int
	Vanished int
	Failures int
}

// Reaper reconciles live rented instances against known runs and releases
// whatever the pipeline left behind
type Reaper struct {
	market          providers.Marketplace
	records         InstanceRecords
	runs            RunReader
	progress        ProgressLog
	releaser        Releaser
	metrics         *Metrics
	interval        time.Duration
	stallThreshold  time.Duration
	trainingCeiling time.Duration // idle limit once the runner is training
	logger          *zap.Logger
	now             func() time.Time

	mu       sync.Mutex
	suspects map[string]time.Time // unknown external ids without a start time, first seen
}

// NewReaper creates a new reaper
func NewReaper(
	market providers.Marketplace,
	records InstanceRecords,
	runs RunReader,
	progress ProgressLog,
	releaser Releaser,
	metrics *Metrics,
	interval, stallThreshold, trainingCeiling time.Duration,
	logger *zap.Logger,
) *Reaper {
	return &Reaper{
		market:          market,
		records:         records,
		runs:            runs,
		progress:        progress,
		releaser:        releaser,
		metrics:         metrics,
		interval:        interval,
		stallThreshold:  stallThreshold,
		trainingCeiling: trainingCeiling,
		logger:          logger,
		now:             time.Now,
		suspects:        make(map[string]time.Time),
	}
}

// Start runs a sweep every interval until ctx is done
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one reconciliation pass
func (r *Reaper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	// records first: anything recorded before the listing must show up in it
	records, err := r.records.List(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list instance records")
	}
	live, err := r.market.ListInstances(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list live instances")
	}

	report.Live = len(live)
	if r.metrics != nil {
		r.metrics.SweepObserved(len(live))
	}

	byExternal := make(map[string]*models.GpuInstance, len(records))
	for _, rec := range records {
		byExternal[rec.ExternalID] = rec
	}
	liveIDs := make(map[string]bool, len(live))

	for i := range live {
		d := &live[i]
		liveIDs[d.ExternalID] = true

		rec, known := byExternal[d.ExternalID]
		if !known {
			if r.reapUnknown(ctx, d) {
				report.Unknown++
			}
			continue
		}
		r.forget(d.ExternalID)

		cause, err := r.reconcile(ctx, rec, d)
		if err != nil {
			report.Failures++
			r.logger.Error("failed to reconcile instance",
				zap.String("instance_id", rec.ID), zap.String("external_id", rec.ExternalID), zap.Error(err))
			continue
		}
		report.count(cause)
	}

	for _, rec := range records {
		if liveIDs[rec.ExternalID] || r.now().Sub(rec.CreatedAt) < vanishedGrace {
			continue
		}
		if err := r.reapVanished(ctx, rec); err != nil {
			report.Failures++
			r.logger.Error("failed to clear vanished instance", zap.String("instance_id", rec.ID), zap.Error(err))
			continue
		}
		report.Vanished++
	}

	r.logger.Info("reaper sweep done",
		zap.Int("live", report.Live),
		zap.Int("unknown", report.Unknown),
		zap.Int("terminal", report.Terminal),
		zap.Int("errored", report.Errored),
		zap.Int("stalled", report.Stalled),
		zap.Int("vanished", report.Vanished),
		zap.Int("failures", report.Failures))

	return report, nil
}

func (rep *SweepReport) count(cause string) {
	switch cause {
	case CauseTerminal, CauseOrphaned:
		rep.Terminal++
	case CauseErrored:
		rep.Errored++
	case CauseStalled:
		rep.Stalled++
	}
}

// reapUnknown deletes a live instance with no record once the provider has
// run it past unknownGrace. Without a provider start time it must stay
// unknown across two sweeps instead.
func (r *Reaper) reapUnknown(ctx context.Context, d *models.InstanceDetails) bool {
	if !r.unknownLongEnough(d) {
		return false
	}

	err := r.market.DeleteInstance(ctx, d.ExternalID)
	if err != nil && !errors.Is(err, providers.ErrInstanceNotFound) {
		r.logger.Error("failed to delete unknown instance", zap.String("external_id", d.ExternalID), zap.Error(err))
		return false
	}

	r.forget(d.ExternalID)
	r.observe(CauseUnknown)
	r.logger.Warn("deleted unknown instance", zap.String("external_id", d.ExternalID), zap.String("label", d.Label))
	return true
}

func (r *Reaper) unknownLongEnough(d *models.InstanceDetails) bool {
	if d.StartedAt != nil {
		return r.now().Sub(*d.StartedAt) >= unknownGrace
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	first, seen := r.suspects[d.ExternalID]
	if !seen {
		r.suspects[d.ExternalID] = r.now()
		return false
	}
	return r.now().Sub(first) >= r.interval/2
}

func (r *Reaper) forget(externalID string) {
	r.mu.Lock()
	delete(r.suspects, externalID)
	r.mu.Unlock()
}

// reconcile decides what happens to one recorded live instance. It returns
// the cause when the instance was released, or "" when it was left alone.
func (r *Reaper) reconcile(ctx context.Context, rec *models.GpuInstance, d *models.InstanceDetails) (string, error) {
	if rec.RunID == nil {
		return r.release(ctx, rec, CauseOrphaned)
	}

	run, err := r.runs.GetRun(ctx, *rec.RunID)
	if errors.Is(err, repository.ErrNotFound) {
		return r.release(ctx, rec, CauseOrphaned)
	}
	if err != nil {
		return "", err
	}

	if run.IsTerminal() {
		return r.release(ctx, rec, CauseTerminal)
	}

	if d.IsErrored() {
		return r.terminate(ctx, run, models.RunStatusOnError, CauseErrored, map[string]interface{}{
			"provider_status": d.ActualStatus,
		})
	}

	last, limit := run.UpdatedAt, r.stallThreshold
	entry, err := r.progress.Latest(ctx, run.ID)
	switch {
	case err == nil:
		last = entry.CreatedAt
		if entry.TrainingUnderway() {
			limit = r.trainingCeiling
		}
	case !errors.Is(err, repository.ErrNotFound):
		return "", err
	}

	if idle := r.now().Sub(last); idle > limit {
		return r.terminate(ctx, run, models.RunStatusStalled, CauseStalled, map[string]interface{}{
			"idle_seconds":  int(idle.Seconds()),
			"limit_seconds": int(limit.Seconds()),
		})
	}

	return "", nil
}

func (r *Reaper) reapVanished(ctx context.Context, rec *models.GpuInstance) error {
	if rec.RunID != nil {
		run, err := r.runs.GetRun(ctx, *rec.RunID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err == nil && !run.IsTerminal() {
			_, err := r.terminate(ctx, run, models.RunStatusOnError, CauseVanished, map[string]interface{}{
				"external_id": rec.ExternalID,
			})
			return err
		}
	}

	_, err := r.release(ctx, rec, CauseVanished)
	return err
}

func (r *Reaper) release(ctx context.Context, rec *models.GpuInstance, cause string) (string, error) {
	if err := r.releaser.Release(ctx, rec, "reaper:"+cause); err != nil {
		return "", err
	}
	r.observe(cause)
	return cause, nil
}

func (r *Reaper) terminate(ctx context.Context, run *models.TrainingRun, to models.RunStatus, cause string, meta map[string]interface{}) (string, error) {
	meta["source"] = "reaper"
	if _, err := r.releaser.TerminateRun(ctx, run.ID, to, cause, meta); err != nil {
		return "", err
	}
	r.observe(cause)
	r.logger.Warn("reaper terminated run",
		zap.String("run_id", run.ID), zap.String("status", string(to)), zap.String("cause", cause))
	return cause, nil
}

func (r *Reaper) observe(cause string) {
	if r.metrics != nil {
		r.metrics.Reaped(cause)
	}
}
