package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/optimizer"
	"lora-orchestrator/core/queue"
	"lora-orchestrator/core/queue/queuetest"
	"lora-orchestrator/core/repository/repositorytest"
	"lora-orchestrator/core/resource_manager"
	"lora-orchestrator/providers/providertest"
	"lora-orchestrator/storage"
	"lora-orchestrator/storage/storagetest"
)

const (
	webhookToken = "hook-secret"
	validConfig  = `
model:
  base: sdxl-base-1.0
training:
  steps: 800
  learning_rate: 0.0001
  rank: 8
output:
  name: style
`
)

type api struct {
	router   *mux.Router
	store    *repositorytest.Store
	pipeline *queuetest.MemoryQueue
	market   *providertest.Marketplace
	prov     *resource_manager.Provisioner
}

type failingQueue struct{ *queuetest.MemoryQueue }

func (failingQueue) Send(ctx context.Context, body []byte, delay time.Duration) error {
	return errors.New("queue unavailable")
}

func newAPI(t *testing.T, pipeline queue.Queue) *api {
	t.Helper()
	store := repositorytest.New()
	objects := storagetest.New()
	market := providertest.New(models.Offer{ID: "o1", GPUName: "RTX 4090", NumGPUs: 1, PricePerHour: 0.5, Reliability: 0.99})
	metrics := monitoring.NewMetrics()

	opt := optimizer.NewAllocationOptimizer(market, models.OfferFilter{}, optimizer.PolicyCheapest)
	prov := resource_manager.NewProvisioner(market, opt, optimizer.NewCostCalculator(time.Minute),
		store.Runs, store.Gpus, store.StatusLog, metrics, resource_manager.Config{Image: "runner:1"}, zap.NewNop())

	runs := handlers.NewRunHandler(handlers.RunDeps{
		Runs:        store.Runs,
		Attempts:    store.Attempts,
		StatusLog:   store.StatusLog,
		Artifacts:   store.Artifacts,
		Queue:       queue.NewPublisher(pipeline, queuetest.New()),
		Terminator:  prov,
		Checkpoints: storage.NewCheckpointManager(objects, store.Artifacts, time.Hour),
	}, webhookToken, zap.NewNop())

	r := mux.NewRouter()
	SetupRoutes(r, runs, handlers.NewSpendHandler(store.Runs), metrics.Handler())

	a := &api{router: r, store: store, market: market, prov: prov}
	if mq, ok := pipeline.(*queuetest.MemoryQueue); ok {
		a.pipeline = mq
	}
	return a
}

func (a *api) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) createRun(t *testing.T) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/v1/runs", handlers.CreateRunRequest{TrainingID: "tr-1", ConfigYAML: validConfig})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp handlers.CreateRunResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.ID
}

func decodeItems(t *testing.T, rec *httptest.ResponseRecorder) []map[string]interface{} {
	t.Helper()
	var body struct {
		Items []map[string]interface{} `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Items
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t, queuetest.New())

	rec := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = a.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRunEnqueuesFirstStage(t *testing.T) {
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)

	tasks, err := a.pipeline.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskReduceImages, tasks[0].Kind())
	assert.Equal(t, id, tasks[0].RunID())

	rec := a.do(t, http.MethodGet, "/v1/runs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, "started", run["status"])
	assert.Equal(t, "tr-1", run["training_id"])
	assert.Contains(t, run["config_yaml"], "sdxl-base-1.0")

	rec = a.do(t, http.MethodGet, "/v1/runs?status=started", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeItems(t, rec), 1)
}

func TestCreateRunRejectsBadInput(t *testing.T) {
	a := newAPI(t, queuetest.New())

	rec := a.do(t, http.MethodPost, "/v1/runs", handlers.CreateRunRequest{ConfigYAML: validConfig})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/runs", handlers.CreateRunRequest{TrainingID: "tr-1", ConfigYAML: "model: ["})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, a.pipeline.Len())
}

func TestCreateRunFailsRunWhenEnqueueFails(t *testing.T) {
	a := newAPI(t, failingQueue{queuetest.New()})

	rec := a.do(t, http.MethodPost, "/v1/runs", handlers.CreateRunRequest{TrainingID: "tr-1", ConfigYAML: validConfig})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	failed, err := a.store.Runs.ListRunsByStatus(context.Background(), models.RunStatusFailed, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestGetUnknownRun(t *testing.T) {
	a := newAPI(t, queuetest.New())
	for _, path := range []string{"/v1/runs/nope", "/v1/runs/nope/status-log", "/v1/runs/nope/attempts", "/v1/runs/nope/artifacts"} {
		rec := a.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestAbortReleasesGpu(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)

	run, err := a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	inst, err := a.prov.Allocate(ctx, run)
	require.NoError(t, err)

	rec := a.do(t, http.MethodPost, "/v1/runs/"+id+"/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run, err = a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, run.Status)
	assert.Nil(t, run.GpuInstanceID)
	assert.False(t, a.market.Live(inst.ExternalID))

	rec = a.do(t, http.MethodPost, "/v1/runs/"+id+"/abort", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodGet, "/v1/runs/"+id+"/status-log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stages []string
	for _, item := range decodeItems(t, rec) {
		stages = append(stages, item["stage"].(string))
	}
	assert.Contains(t, stages, models.StageRunTerminated)
	assert.Contains(t, stages, models.StageGpuReleased)
}

func TestWebhookCompletesRun(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)

	run, err := a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	inst, err := a.prov.Allocate(ctx, run)
	require.NoError(t, err)

	body := handlers.WebhookRequest{Status: "completed", CheckpointKey: storage.CheckpointKey(id), Step: 800}
	rec := a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", body, "Authorization", "Bearer "+webhookToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run, err = a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.False(t, a.market.Live(inst.ExternalID))

	rec = a.do(t, http.MethodGet, "/v1/runs/"+id+"/artifacts?type=checkpoint", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeItems(t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, "checkpoint", items[0]["type"])

	// a repeated report is accepted without a second transition
	rec = a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", handlers.WebhookRequest{Status: "failed"},
		"Authorization", "Bearer "+webhookToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, false, resp["transitioned"])

	run, err = a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
}

func TestWebhookHeartbeatOnlyLogsProgress(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)

	run, err := a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	inst, err := a.prov.Allocate(ctx, run)
	require.NoError(t, err)

	body := handlers.WebhookRequest{Status: handlers.WebhookProgress, Step: 200, Message: "loss 0.12"}
	rec := a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", body, "Authorization", "Bearer "+webhookToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run, err = a.store.Runs.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStarted, run.Status)
	assert.True(t, a.market.Live(inst.ExternalID))

	latest, err := a.store.StatusLog.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StageTrainingProgress, latest.Stage)
	assert.EqualValues(t, 200, latest.Payload["step"])
	assert.Equal(t, "loss 0.12", latest.Payload["message"])
	assert.True(t, latest.TrainingUnderway())

	// heartbeats stop counting once the run is over
	_, err = a.prov.TerminateRun(ctx, id, models.RunStatusCompleted, "done", nil)
	require.NoError(t, err)
	rec = a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", body, "Authorization", "Bearer "+webhookToken)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookRequiresToken(t *testing.T) {
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)
	body := handlers.WebhookRequest{Status: "failed"}

	rec := a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", body, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(t, http.MethodPost, "/v1/runs/"+id+"/webhook", handlers.WebhookRequest{Status: "running"},
		"Authorization", "Bearer "+webhookToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttemptsListed(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)

	require.NoError(t, a.store.Attempts.Begin(ctx, &models.TaskAttempt{MessageID: "m-1", Task: models.TaskReduceImages, RunID: id}))
	require.NoError(t, a.store.Attempts.Complete(ctx, "m-1", "fanned_out"))

	rec := a.do(t, http.MethodGet, "/v1/runs/"+id+"/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeItems(t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, "m-1", items[0]["message_id"])
	assert.Equal(t, "completed", items[0]["status"])
}

func TestSpendSumsReleasedCost(t *testing.T) {
	ctx := context.Background()
	a := newAPI(t, queuetest.New())
	id := a.createRun(t)

	require.NoError(t, a.store.Runs.AddGpuCost(ctx, id, 1.25))
	_, err := a.prov.TerminateRun(ctx, id, models.RunStatusCompleted, "done", nil)
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/v1/spend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs  map[string]int `json:"runs"`
		Costs struct {
			Total float64 `json:"total_usd"`
		} `json:"costs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Runs["completed"])
	assert.InDelta(t, 1.25, body.Costs.Total, 1e-9)

	rec = a.do(t, http.MethodGet, "/v1/spend/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeItems(t, rec)
	require.Len(t, items, 1)
	assert.InDelta(t, 1.25, items[0]["cost_usd"], 1e-9)

	rec = a.do(t, http.MethodGet, "/v1/spend?start_date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
