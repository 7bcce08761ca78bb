// Package repositorytest provides in-memory repositories that mirror the
// Postgres semantics the pipeline depends on: forward-only run status,
// atomic fan-in claim, ledger uniqueness and release claims.
package repositorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"

	"github.com/google/uuid"
)

type state struct {
	mu sync.Mutex

	now       func() time.Time
	runs      map[string]*models.TrainingRun
	sources   map[string][]models.RunImage // keyed by image group id, or training id
	images    map[string][]*models.RunImage
	attempts  map[string]*models.TaskAttempt
	order     []string
	log       []models.StatusLogEntry
	gpus      map[string]*models.GpuInstance
	artifacts []models.RunArtifact
}

// Store bundles one view per repository over shared state
type Store struct {
	Runs      *Runs
	Images    *Images
	Attempts  *Attempts
	StatusLog *StatusLog
	Gpus      *Gpus
	Artifacts *Artifacts

	s *state
}

// New creates an empty store
func New() *Store {
	s := &state{
		now:      func() time.Time { return time.Now().UTC() },
		runs:     make(map[string]*models.TrainingRun),
		sources:  make(map[string][]models.RunImage),
		images:   make(map[string][]*models.RunImage),
		attempts: make(map[string]*models.TaskAttempt),
		gpus:     make(map[string]*models.GpuInstance),
	}
	return &Store{
		Runs:      &Runs{s},
		Images:    &Images{s},
		Attempts:  &Attempts{s},
		StatusLog: &StatusLog{s},
		Gpus:      &Gpus{s},
		Artifacts: &Artifacts{s},
		s:         s,
	}
}

// SetClock replaces the clock used for timestamps
func (st *Store) SetClock(now func() time.Time) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.now = now
}

// AddSourceImages registers the images a training, or an image group, holds
func (st *Store) AddSourceImages(key string, imgs ...models.RunImage) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.sources[key] = append(st.s.sources[key], imgs...)
}

func (s *state) appendLog(runID, stage string, payload map[string]interface{}) {
	s.log = append(s.log, models.StatusLogEntry{
		ID:        int64(len(s.log) + 1),
		RunID:     runID,
		Stage:     stage,
		Payload:   payload,
		CreatedAt: s.now(),
	})
}

// Runs mirrors repository.RunRepository
type Runs struct{ s *state }

func (r *Runs) CreateRun(ctx context.Context, run *models.TrainingRun) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = models.RunStatusStarted
	}
	now := r.s.now()
	run.CreatedAt, run.UpdatedAt = now, now
	cp := *run
	r.s.runs[run.ID] = &cp
	r.s.appendLog(run.ID, models.StageRunCreated, map[string]interface{}{"trainingId": run.TrainingID})
	return nil
}

func (r *Runs) GetRun(ctx context.Context, id string) (*models.TrainingRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *Runs) UpdateStatus(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok || run.Status.IsTerminal() {
		return false, nil
	}
	run.Status = to
	run.UpdatedAt = r.s.now()

	payload := map[string]interface{}{"status": to, "reason": reason}
	for k, v := range meta {
		payload[k] = v
	}
	r.s.appendLog(runID, models.StageRunTerminated, payload)
	return true, nil
}

func (r *Runs) SetConfig(ctx context.Context, runID, configYAML string) error {
	return r.mutate(runID, func(run *models.TrainingRun) { run.ConfigYAML = configYAML })
}

func (r *Runs) LinkInstance(ctx context.Context, runID, instanceID string) error {
	return r.mutate(runID, func(run *models.TrainingRun) { run.GpuInstanceID = &instanceID })
}

func (r *Runs) ClearInstance(ctx context.Context, runID, instanceID string) error {
	return r.mutate(runID, func(run *models.TrainingRun) {
		if run.GpuInstanceID != nil && *run.GpuInstanceID == instanceID {
			run.GpuInstanceID = nil
		}
	})
}

func (r *Runs) AddGpuCost(ctx context.Context, runID string, usd float64) error {
	return r.mutate(runID, func(run *models.TrainingRun) { run.GpuCostUSD += usd })
}

func (r *Runs) mutate(runID string, fn func(*models.TrainingRun)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if run, ok := r.s.runs[runID]; ok {
		fn(run)
		run.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *Runs) ClaimZip(ctx context.Context, runID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[runID]
	if !ok || run.ZipClaimedAt != nil {
		return false, nil
	}
	for _, img := range r.s.images[runID] {
		if !img.Resized {
			return false, nil
		}
	}
	now := r.s.now()
	run.ZipClaimedAt = &now
	return true, nil
}

func (r *Runs) ListRunsByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.TrainingRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.TrainingRun
	for _, run := range r.s.runs {
		if run.Status == status {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Images mirrors repository.ImageRepository
type Images struct{ s *state }

func (r *Images) SeedRunImages(ctx context.Context, run *models.TrainingRun) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := run.TrainingID
	if run.ImageGroupID != nil {
		key = *run.ImageGroupID
	}

	existing := make(map[string]bool)
	for _, img := range r.s.images[run.ID] {
		existing[img.ImageID] = true
	}

	var n int64
	for _, src := range r.s.sources[key] {
		if existing[src.ImageID] {
			continue
		}
		img := src
		img.RunID = run.ID
		img.TargetKey = repository.ReducedKeyPrefix(run.ID) + src.ImageID + ".png"
		img.Resized = false
		r.s.images[run.ID] = append(r.s.images[run.ID], &img)
		n++
	}
	return n, nil
}

func (r *Images) ListUnresized(ctx context.Context, runID string) ([]models.RunImage, error) {
	return r.list(runID, true), nil
}

func (r *Images) ListRunImages(ctx context.Context, runID string) ([]models.RunImage, error) {
	return r.list(runID, false), nil
}

func (r *Images) list(runID string, unresizedOnly bool) []models.RunImage {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RunImage
	for _, img := range r.s.images[runID] {
		if unresizedOnly && img.Resized {
			continue
		}
		out = append(out, *img)
	}
	return out
}

func (r *Images) MarkResized(ctx context.Context, runID, imageID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, img := range r.s.images[runID] {
		if img.ImageID == imageID && !img.Resized {
			img.Resized = true
			return true, nil
		}
	}
	return false, nil
}

// Attempts mirrors repository.AttemptRepository
type Attempts struct{ s *state }

func (r *Attempts) Get(ctx context.Context, messageID string) (*models.TaskAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[messageID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *Attempts) HasInFlight(ctx context.Context, runID string, task models.TaskKind) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if a.RunID == runID && a.Task == task && a.Status != models.AttemptFailed {
			return true, nil
		}
	}
	return false, nil
}

func (r *Attempts) Begin(ctx context.Context, attempt *models.TaskAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.attempts[attempt.MessageID]; ok {
		return repository.ErrDuplicateMessage
	}
	if attempt.Unique {
		for _, a := range r.s.attempts {
			if a.Unique && a.RunID == attempt.RunID && a.Task == attempt.Task && a.Status != models.AttemptFailed {
				return repository.ErrAlreadyInFlight
			}
		}
	}
	attempt.Status = models.AttemptStarted
	attempt.StartedAt = r.s.now()
	cp := *attempt
	r.s.attempts[attempt.MessageID] = &cp
	r.s.order = append(r.s.order, attempt.MessageID)
	return nil
}

func (r *Attempts) Complete(ctx context.Context, messageID, outcome string) error {
	return r.finish(messageID, func(a *models.TaskAttempt) {
		a.Status = models.AttemptCompleted
		a.Outcome = outcome
	})
}

func (r *Attempts) Fail(ctx context.Context, messageID, errMsg string) error {
	return r.finish(messageID, func(a *models.TaskAttempt) {
		a.Status = models.AttemptFailed
		a.Error = errMsg
	})
}

func (r *Attempts) finish(messageID string, fn func(*models.TaskAttempt)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.attempts[messageID]; ok {
		fn(a)
		now := r.s.now()
		a.CompletedAt = &now
	}
	return nil
}

func (r *Attempts) ListByRun(ctx context.Context, runID string) ([]models.TaskAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.TaskAttempt
	for _, id := range r.s.order {
		if a := r.s.attempts[id]; a.RunID == runID {
			out = append(out, *a)
		}
	}
	return out, nil
}

// StatusLog mirrors repository.StatusLogRepository
type StatusLog struct{ s *state }

func (r *StatusLog) Append(ctx context.Context, runID, stage string, payload map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.appendLog(runID, stage, payload)
	return nil
}

func (r *StatusLog) List(ctx context.Context, runID string, limit int) ([]models.StatusLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.StatusLogEntry
	for i := len(r.s.log) - 1; i >= 0; i-- {
		if r.s.log[i].RunID == runID {
			out = append(out, r.s.log[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *StatusLog) Latest(ctx context.Context, runID string) (*models.StatusLogEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.log) - 1; i >= 0; i-- {
		if r.s.log[i].RunID == runID {
			e := r.s.log[i]
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

// Stages returns the stage names logged for a run, oldest first
func (r *StatusLog) Stages(runID string) []string {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for _, e := range r.s.log {
		if e.RunID == runID {
			out = append(out, e.Stage)
		}
	}
	return out
}

// Gpus mirrors repository.GpuRepository
type Gpus struct{ s *state }

func (r *Gpus) Create(ctx context.Context, inst *models.GpuInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Status == "" {
		inst.Status = models.GpuInstanceRunning
	}
	now := r.s.now()
	inst.CreatedAt, inst.UpdatedAt = now, now
	cp := *inst
	r.s.gpus[inst.ID] = &cp
	return nil
}

func (r *Gpus) Get(ctx context.Context, id string) (*models.GpuInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inst, ok := r.s.gpus[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *Gpus) GetByRun(ctx context.Context, runID string) (*models.GpuInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *models.GpuInstance
	for _, inst := range r.s.gpus {
		if inst.RunID != nil && *inst.RunID == runID && (found == nil || inst.CreatedAt.After(found.CreatedAt)) {
			found = inst
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *Gpus) List(ctx context.Context) ([]*models.GpuInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*models.GpuInstance, 0, len(r.s.gpus))
	for _, inst := range r.s.gpus {
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Gpus) ClaimRelease(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	inst, ok := r.s.gpus[id]
	if !ok {
		return false, nil
	}
	now := r.s.now()
	stale := inst.Status == models.GpuInstanceReleasing && inst.UpdatedAt.Before(now.Add(-staleAfter))
	if inst.Status != models.GpuInstanceRunning && !stale {
		return false, nil
	}
	inst.Status = models.GpuInstanceReleasing
	inst.UpdatedAt = now
	return true, nil
}

func (r *Gpus) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.gpus, id)
	return nil
}

// Artifacts mirrors repository.ArtifactRepository
type Artifacts struct{ s *state }

func (r *Artifacts) CreateArtifact(ctx context.Context, runID string, artifactType models.ArtifactType, uri string, meta map[string]interface{}) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.artifacts = append(r.s.artifacts, models.RunArtifact{
		ID:        int64(len(r.s.artifacts) + 1),
		RunID:     runID,
		Type:      artifactType,
		URI:       uri,
		CreatedAt: r.s.now(),
		MetaJSON:  meta,
	})
	return nil
}

func (r *Artifacts) GetRunArtifacts(ctx context.Context, runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RunArtifact
	for i := len(r.s.artifacts) - 1; i >= 0; i-- {
		a := r.s.artifacts[i]
		if a.RunID == runID && (artifactType == nil || a.Type == *artifactType) {
			out = append(out, a)
		}
	}
	return out, nil
}
