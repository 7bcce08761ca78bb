package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/queue"
	"lora-orchestrator/core/queue/queuetest"
	"lora-orchestrator/storage/storagetest"
)

func testImage(t *testing.T, w, h int, encode func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, encode(&buf, img))
	return buf.Bytes()
}

func encodePNG(buf *bytes.Buffer, img image.Image) error { return png.Encode(buf, img) }
func encodeJPEG(buf *bytes.Buffer, img image.Image) error {
	return jpeg.Encode(buf, img, &jpeg.Options{Quality: 90})
}

func decodedSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	return cfg.Width, cfg.Height
}

func TestReduce(t *testing.T) {
	src := testImage(t, 200, 100, encodePNG)

	tests := []struct {
		name    string
		crop    *models.CropRect
		maxSide int
		w, h    int
	}{
		{"fits longest side", nil, 50, 50, 25},
		{"never upscales", nil, 1024, 200, 100},
		{"no bound", nil, 0, 200, 100},
		{"crop only", &models.CropRect{X: 10, Y: 10, Width: 40, Height: 20}, 0, 40, 20},
		{"crop then fit", &models.CropRect{X: 0, Y: 0, Width: 100, Height: 100}, 64, 64, 64},
		{"crop clipped to image", &models.CropRect{X: 150, Y: 50, Width: 100, Height: 100}, 0, 50, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Reduce(bytes.NewReader(src), tt.crop, tt.maxSide)
			require.NoError(t, err)
			w, h := decodedSize(t, out)
			assert.Equal(t, tt.w, w)
			assert.Equal(t, tt.h, h)
		})
	}
}

func TestReduceJPEGSource(t *testing.T) {
	out, err := Reduce(bytes.NewReader(testImage(t, 64, 48, encodeJPEG)), nil, 32)
	require.NoError(t, err)
	w, h := decodedSize(t, out)
	assert.Equal(t, 32, w)
	assert.Equal(t, 24, h)
}

func TestReduceErrors(t *testing.T) {
	_, err := Reduce(bytes.NewReader(testImage(t, 20, 20, encodePNG)), &models.CropRect{X: 50, Y: 50, Width: 10, Height: 10}, 0)
	assert.True(t, errors.Is(err, ErrEmptyCrop))

	_, err = Reduce(bytes.NewReader([]byte("not an image")), nil, 0)
	assert.Error(t, err)
}

type recordingTerminator struct{ runs []string }

func (r *recordingTerminator) TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error) {
	r.runs = append(r.runs, runID+":"+string(to))
	return true, nil
}

type workerFixture struct {
	resize   *queuetest.MemoryQueue
	pipeline *queuetest.MemoryQueue
	objects  *storagetest.MemoryStore
	term     *recordingTerminator
	w        *Worker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	resize, pipeline := queuetest.New(), queuetest.New()
	objects := storagetest.New()
	term := &recordingTerminator{}
	w := NewWorker(resize, queue.NewPublisher(pipeline, resize), objects, term, WorkerConfig{
		PollInterval:    time.Second,
		BatchSize:       10,
		Lease:           time.Minute,
		MaxReceiveCount: 3,
	}, zap.NewNop())
	return &workerFixture{resize: resize, pipeline: pipeline, objects: objects, term: term, w: w}
}

func (f *workerFixture) sendResize(t *testing.T, task *models.ResizeImage) {
	t.Helper()
	body, err := models.EncodeTask(task)
	require.NoError(t, err)
	require.NoError(t, f.resize.Send(context.Background(), body, 0))
}

func TestWorkerReducesAndReports(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	src := testImage(t, 300, 200, encodeJPEG)
	require.NoError(t, f.objects.Put(ctx, "uploads/a.jpg", bytes.NewReader(src), int64(len(src)), "image/jpeg"))

	f.sendResize(t, &models.ResizeImage{
		TaskHeader: models.TaskHeader{TrainingRunID: "run-1"},
		ImageID:    "a",
		SourceKey:  "uploads/a.jpg",
		TargetKey:  "runs/run-1/images/a.png",
		MaxSide:    150,
	})

	n, err := f.w.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, ok := f.objects.Object("runs/run-1/images/a.png")
	require.True(t, ok)
	w, h := decodedSize(t, out)
	assert.Equal(t, 150, w)
	assert.Equal(t, 100, h)
	assert.Equal(t, "image/png", f.objects.ContentType("runs/run-1/images/a.png"))

	tasks, err := f.pipeline.Tasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	success, ok := tasks[0].(*models.ReduceImageSuccess)
	require.True(t, ok)
	assert.Equal(t, "a", success.ImageID)
	assert.Equal(t, "run-1", success.RunID())
	assert.Zero(t, f.resize.Len())
}

func TestWorkerLeavesFailedResizeForRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.sendResize(t, &models.ResizeImage{
		TaskHeader: models.TaskHeader{TrainingRunID: "run-2"},
		ImageID:    "missing",
		SourceKey:  "uploads/missing.jpg",
		TargetKey:  "runs/run-2/images/missing.png",
	})

	for i := 0; i < 3; i++ {
		_, err := f.w.PollOnce(ctx)
		require.NoError(t, err)
		assert.Empty(t, f.resize.Deleted())
		f.resize.ExpireLeases()
	}

	// fourth delivery passes the bound
	_, err := f.w.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"run-2:onerror"}, f.term.runs)
	assert.Len(t, f.resize.Deleted(), 1)
	assert.Empty(t, f.pipeline.Sent())
}

func TestWorkerDropsForeignTasks(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	body, err := models.EncodeTask(&models.ZipImages{TaskHeader: models.TaskHeader{TrainingRunID: "run-3"}})
	require.NoError(t, err)
	require.NoError(t, f.resize.Send(ctx, body, 0))

	_, err = f.w.PollOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, f.resize.Deleted(), 1)
	assert.Empty(t, f.pipeline.Sent())
}

func TestWorkerStopEndsLoopAndRefusesBatches(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	done := make(chan struct{})
	go func() {
		f.w.Start(ctx)
		close(done)
	}()

	f.w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	f.sendResize(t, &models.ResizeImage{TaskHeader: models.TaskHeader{TrainingRunID: "run-4"}, ImageID: "a"})
	n, err := f.w.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, f.resize.Len())
	f.w.Stop()
}
