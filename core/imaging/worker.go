package imaging

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/queue"
	"lora-orchestrator/storage"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Enqueuer reports finished images back to the pipeline
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.Task, delay time.Duration) error
}

// Terminator gives up on a run whose image cannot be reduced
type Terminator interface {
	TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error)
}

// WorkerConfig bounds the resize loop
type WorkerConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	Lease           time.Duration
	Wait            time.Duration
	MaxReceiveCount int
	Concurrency     int
}

// Worker consumes the resize queue. A failed resize is left for redelivery
// until the receive bound, then the run is given up.
type Worker struct {
	queue      queue.Queue
	publisher  Enqueuer
	store      storage.Store
	terminator Terminator
	cfg        WorkerConfig
	logger     *zap.Logger
	stopChan   chan struct{}

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// NewWorker creates a resize worker
func NewWorker(q queue.Queue, publisher Enqueuer, store storage.Store, terminator Terminator, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Worker{queue: q, publisher: publisher, store: store, terminator: terminator, cfg: cfg, logger: logger, stopChan: make(chan struct{})}
}

// Start polls the resize queue every interval until ctx is done or Stop is called
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			if _, err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("resize poll failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the poll loop and waits for the batch in flight
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopChan)
	}
	w.mu.Unlock()
	w.inflight.Wait()
}

// PollOnce receives and processes one batch
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return 0, nil
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	msgs, err := w.queue.Receive(ctx, queue.ReceiveOptions{
		MaxMessages: w.cfg.BatchSize,
		Lease:       w.cfg.Lease,
		Wait:        w.cfg.Wait,
	})
	if err != nil {
		return 0, errors.Wrap(err, "receive")
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			w.process(ctx, msg)
			return nil
		})
	}
	return len(msgs), g.Wait()
}

func (w *Worker) process(ctx context.Context, msg queue.Message) {
	log := w.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	task, err := models.DecodeTask(msg.Body)
	if err != nil {
		log.Error("dropping undecodable resize message", zap.Error(err))
		w.delete(ctx, log, msg)
		return
	}
	t, ok := task.(*models.ResizeImage)
	if !ok {
		log.Error("dropping non-resize task", zap.String("task", string(task.Kind())))
		w.delete(ctx, log, msg)
		return
	}
	log = log.With(zap.String("run_id", t.RunID()), zap.String("image_id", t.ImageID))

	if msg.ReceiveCount > w.cfg.MaxReceiveCount {
		if _, err := w.terminator.TerminateRun(ctx, t.RunID(), models.RunStatusOnError, "image could not be reduced", map[string]interface{}{
			"image_id":      t.ImageID,
			"receive_count": msg.ReceiveCount,
		}); err != nil {
			log.Error("failed to give up run", zap.Error(err))
			return
		}
		log.Warn("resize abandoned")
		w.delete(ctx, log, msg)
		return
	}

	started := time.Now()
	size, err := w.resize(ctx, t)
	if err != nil {
		log.Warn("resize failed, awaiting redelivery", zap.Error(err))
		return
	}

	// the image is written; report it even if shutdown began meanwhile
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err = w.publisher.Enqueue(ctx, &models.ReduceImageSuccess{
		TaskHeader: models.TaskHeader{TrainingRunID: t.RunID()},
		ImageID:    t.ImageID,
	}, 0)
	if err != nil {
		log.Error("failed to report resize", zap.Error(err))
		return
	}

	w.delete(ctx, log, msg)
	log.Info("image reduced", zap.Int("bytes", size), zap.Duration("took", time.Since(started)))
}

func (w *Worker) resize(ctx context.Context, t *models.ResizeImage) (int, error) {
	src, err := w.store.Get(ctx, t.SourceKey)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	out, err := Reduce(io.LimitReader(src, 64<<20), t.Crop, t.MaxSide)
	if err != nil {
		return 0, errors.Wrapf(err, "reduce %s", t.SourceKey)
	}

	if err := w.store.Put(ctx, t.TargetKey, bytes.NewReader(out), int64(len(out)), "image/png"); err != nil {
		return 0, err
	}
	return len(out), nil
}

func (w *Worker) delete(ctx context.Context, log *zap.Logger, msg queue.Message) {
	if err := w.queue.Delete(ctx, msg); err != nil {
		log.Error("failed to delete resize message", zap.Error(err))
	}
}
