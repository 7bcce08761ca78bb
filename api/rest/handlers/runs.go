package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/core/spec"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RunStore is the run persistence the API reads and creates through
type RunStore interface {
	CreateRun(ctx context.Context, run *models.TrainingRun) error
	GetRun(ctx context.Context, id string) (*models.TrainingRun, error)
	ListRunsByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.TrainingRun, error)
}

type AttemptLister interface {
	ListByRun(ctx context.Context, runID string) ([]models.TaskAttempt, error)
}

type StatusLog interface {
	List(ctx context.Context, runID string, limit int) ([]models.StatusLogEntry, error)
	Append(ctx context.Context, runID, stage string, payload map[string]interface{}) error
}

type ArtifactLister interface {
	GetRunArtifacts(ctx context.Context, runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task models.Task, delay time.Duration) error
}

// Terminator moves a run to a terminal status and releases its GPU
type Terminator interface {
	TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error)
}

type CheckpointRecorder interface {
	SaveCheckpoint(ctx context.Context, runID, key string, step int, metadata map[string]interface{}) error
}

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	runs         RunStore
	attempts     AttemptLister
	statusLog    StatusLog
	artifacts    ArtifactLister
	queue        Enqueuer
	terminator   Terminator
	checkpoints  CheckpointRecorder
	webhookToken string
	logger       *zap.Logger
}

// RunDeps groups the collaborators of a RunHandler
type RunDeps struct {
	Runs        RunStore
	Attempts    AttemptLister
	StatusLog   StatusLog
	Artifacts   ArtifactLister
	Queue       Enqueuer
	Terminator  Terminator
	Checkpoints CheckpointRecorder
}

// NewRunHandler creates a new run handler. An empty webhookToken rejects
// every webhook call.
func NewRunHandler(deps RunDeps, webhookToken string, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		runs:         deps.Runs,
		attempts:     deps.Attempts,
		statusLog:    deps.StatusLog,
		artifacts:    deps.Artifacts,
		queue:        deps.Queue,
		terminator:   deps.Terminator,
		checkpoints:  deps.Checkpoints,
		webhookToken: webhookToken,
		logger:       logger,
	}
}

// CreateRunRequest represents the request to start a training run
type CreateRunRequest struct {
	TrainingID   string  `json:"training_id"`
	ImageGroupID *string `json:"image_group_id,omitempty"`
	ConfigYAML   string  `json:"config_yaml"`
}

// CreateRunResponse represents the response after creating a run
type CreateRunResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookProgress is the runner's heartbeat status. It keeps a long
// training run from looking stalled and changes nothing else.
const WebhookProgress = "progress"

// WebhookRequest is the runner's report: a heartbeat or the final result
type WebhookRequest struct {
	Status        string `json:"status"`
	CheckpointKey string `json:"checkpoint_key,omitempty"`
	Step          int    `json:"step,omitempty"`
	Message       string `json:"message,omitempty"`
}

// CreateRun handles POST /v1/runs
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TrainingID == "" {
		http.Error(w, "training_id is required", http.StatusBadRequest)
		return
	}

	cfg, err := spec.Parse(req.ConfigYAML)
	if err != nil {
		http.Error(w, "Invalid training config: "+err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := cfg.Marshal()
	if err != nil {
		http.Error(w, "Failed to encode training config: "+err.Error(), http.StatusInternalServerError)
		return
	}

	run := &models.TrainingRun{
		TrainingID:   req.TrainingID,
		ImageGroupID: req.ImageGroupID,
		ConfigYAML:   doc,
	}
	if err := h.runs.CreateRun(r.Context(), run); err != nil {
		http.Error(w, "Failed to create run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	task := &models.ReduceImages{TaskHeader: models.TaskHeader{TrainingRunID: run.ID}}
	if err := h.queue.Enqueue(r.Context(), task, 0); err != nil {
		h.logger.Error("enqueue first stage", zap.String("run_id", run.ID), zap.Error(err))
		if _, terr := h.terminator.TerminateRun(r.Context(), run.ID, models.RunStatusFailed, "enqueue_failed",
			map[string]interface{}{"error": err.Error()}); terr != nil {
			h.logger.Error("fail run", zap.String("run_id", run.ID), zap.Error(terr))
		}
		http.Error(w, "Failed to enqueue run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("run created", zap.String("run_id", run.ID), zap.String("training_id", run.TrainingID))
	writeJSON(w, http.StatusCreated, CreateRunResponse{
		ID:        run.ID,
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt,
	})
}

// GetRun handles GET /v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	response := map[string]interface{}{
		"id":             run.ID,
		"training_id":    run.TrainingID,
		"image_group_id": run.ImageGroupID,
		"status":         run.Status,
		"gpu_instance":   run.GpuInstanceID,
		"config_yaml":    run.ConfigYAML,
		"cost": map[string]interface{}{
			"gpu_usd": run.GpuCostUSD,
		},
		"timestamps": map[string]interface{}{
			"created_at":     run.CreatedAt,
			"updated_at":     run.UpdatedAt,
			"zip_claimed_at": run.ZipClaimedAt,
		},
	}
	writeJSON(w, http.StatusOK, response)
}

// ListRuns handles GET /v1/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := models.RunStatusStarted
	if s := r.URL.Query().Get("status"); s != "" {
		status = models.RunStatus(s)
	}
	if !status.Valid() {
		http.Error(w, "Unknown status "+string(status), http.StatusBadRequest)
		return
	}
	limit := queryLimit(r, 50)

	runs, err := h.runs.ListRunsByStatus(r.Context(), status, limit)
	if err != nil {
		http.Error(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(runs))
	for i, run := range runs {
		items[i] = map[string]interface{}{
			"id":          run.ID,
			"training_id": run.TrainingID,
			"status":      run.Status,
			"created_at":  run.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// AbortRun handles POST /v1/runs/{id}/abort
func (h *RunHandler) AbortRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if run.IsTerminal() {
		http.Error(w, fmt.Sprintf("Run already %s", run.Status), http.StatusConflict)
		return
	}

	if _, err := h.terminator.TerminateRun(r.Context(), run.ID, models.RunStatusAborted, "user_aborted", nil); err != nil {
		http.Error(w, "Failed to abort run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     run.ID,
		"status": models.RunStatusAborted,
	})
}

// Webhook handles POST /v1/runs/{id}/webhook, called by the runner while
// training and when it finishes
func (h *RunHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	to := models.RunStatus(req.Status)
	if req.Status != WebhookProgress && to != models.RunStatusCompleted && to != models.RunStatusFailed {
		http.Error(w, "status must be progress, completed or failed", http.StatusBadRequest)
		return
	}

	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	if req.Status == WebhookProgress {
		h.progress(w, r, run, req)
		return
	}

	if to == models.RunStatusCompleted && req.CheckpointKey != "" {
		if err := h.checkpoints.SaveCheckpoint(r.Context(), run.ID, req.CheckpointKey, req.Step,
			map[string]interface{}{"source": "webhook"}); err != nil {
			http.Error(w, "Failed to record checkpoint: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	meta := map[string]interface{}{}
	if req.Message != "" {
		meta["message"] = req.Message
	}
	moved, err := h.terminator.TerminateRun(r.Context(), run.ID, to, "runner_webhook", meta)
	if err != nil {
		http.Error(w, "Failed to finish run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("runner reported", zap.String("run_id", run.ID), zap.String("status", req.Status), zap.Bool("transitioned", moved))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           run.ID,
		"status":       to,
		"transitioned": moved,
	})
}

func (h *RunHandler) progress(w http.ResponseWriter, r *http.Request, run *models.TrainingRun, req WebhookRequest) {
	if run.IsTerminal() {
		http.Error(w, "Run already finished", http.StatusConflict)
		return
	}

	payload := map[string]interface{}{"step": req.Step}
	if req.Message != "" {
		payload["message"] = req.Message
	}
	if err := h.statusLog.Append(r.Context(), run.ID, models.StageTrainingProgress, payload); err != nil {
		http.Error(w, "Failed to record progress: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Debug("runner heartbeat", zap.String("run_id", run.ID), zap.Int("step", req.Step))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     run.ID,
		"status": run.Status,
		"step":   req.Step,
	})
}

// GetStatusLog handles GET /v1/runs/{id}/status-log
func (h *RunHandler) GetStatusLog(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	entries, err := h.statusLog.List(r.Context(), run.ID, queryLimit(r, 100))
	if err != nil {
		http.Error(w, "Failed to fetch status log: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		items[i] = map[string]interface{}{
			"at":      e.CreatedAt,
			"stage":   e.Stage,
			"payload": e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetAttempts handles GET /v1/runs/{id}/attempts
func (h *RunHandler) GetAttempts(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	attempts, err := h.attempts.ListByRun(r.Context(), run.ID)
	if err != nil {
		http.Error(w, "Failed to fetch attempts: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(attempts))
	for i, a := range attempts {
		item := map[string]interface{}{
			"message_id": a.MessageID,
			"task":       a.Task,
			"status":     a.Status,
			"unique":     a.Unique,
			"started_at": a.StartedAt,
		}
		if a.Outcome != "" {
			item["outcome"] = a.Outcome
		}
		if a.Error != "" {
			item["error"] = a.Error
		}
		if a.CompletedAt != nil {
			item["completed_at"] = *a.CompletedAt
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// GetArtifacts handles GET /v1/runs/{id}/artifacts
func (h *RunHandler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	var artifactType *models.ArtifactType
	if typeParam := r.URL.Query().Get("type"); typeParam != "" {
		t := models.ArtifactType(typeParam)
		artifactType = &t
	}

	artifacts, err := h.artifacts.GetRunArtifacts(r.Context(), run.ID, artifactType)
	if err != nil {
		http.Error(w, "Failed to fetch artifacts: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(artifacts))
	for i, a := range artifacts {
		items[i] = map[string]interface{}{
			"type":       a.Type,
			"uri":        a.URI,
			"meta":       a.MetaJSON,
			"created_at": a.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *RunHandler) loadRun(w http.ResponseWriter, r *http.Request) (*models.TrainingRun, bool) {
	runID := mux.Vars(r)["id"]
	run, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "Failed to load run: "+err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

func (h *RunHandler) authorized(r *http.Request) bool {
	if h.webhookToken == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.webhookToken)) == 1
}

func queryLimit(r *http.Request, def int) int {
	limit := def
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		fmt.Sscanf(limitParam, "%d", &limit)
	}
	if limit <= 0 || limit > 1000 {
		limit = def
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
