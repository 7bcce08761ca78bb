// Package dispatcher runs the pipeline message loop. Every delivery is
// checked against the attempt ledger before its stage handler runs, so
// redeliveries and racing fan-in triggers are dropped.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/queue"
	"lora-orchestrator/core/repository"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Results recorded per message
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultDuplicate = "duplicate"
	ResultNotUnique = "not_unique"
	ResultPoison    = "poison"
	ResultInvalid   = "invalid"
	ResultDeferred  = "deferred"
)

// settleTimeout bounds the bookkeeping writes that follow a handler. They
// run detached from the poll context.
const settleTimeout = 10 * time.Second

// Handler executes one task and returns its outcome
type Handler interface {
	Handle(ctx context.Context, task models.Task) (string, error)
}

// Ledger is the attempt ledger
type Ledger interface {
	Get(ctx context.Context, messageID string) (*models.TaskAttempt, error)
	HasInFlight(ctx context.Context, runID string, task models.TaskKind) (bool, error)
	Begin(ctx context.Context, attempt *models.TaskAttempt) error
	Complete(ctx context.Context, messageID, outcome string) error
	Fail(ctx context.Context, messageID, errMsg string) error
}

// StatusLog appends audit entries
type StatusLog interface {
	Append(ctx context.Context, runID, stage string, payload map[string]interface{}) error
}

// Terminator ends a run and releases its instance
type Terminator interface {
	TerminateRun(ctx context.Context, runID string, to models.RunStatus, reason string, meta map[string]interface{}) (bool, error)
}

// Recorder observes handled messages
type Recorder interface {
	MessageHandled(task, result string, took time.Duration)
}

// Config bounds the message loop
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	Lease           time.Duration
	Wait            time.Duration
	MaxReceiveCount int
}

// DefaultConfig returns the stock loop settings
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		Lease:           5 * time.Minute,
		Wait:            10 * time.Second,
		MaxReceiveCount: 5,
	}
}

// Dispatcher polls the pipeline queue and runs stage handlers
type Dispatcher struct {
	queue      queue.Queue
	handler    Handler
	ledger     Ledger
	statusLog  StatusLog
	terminator Terminator
	recorder   Recorder
	cfg        Config
	logger     *zap.Logger
	locks      *runLocks
	stopChan   chan struct{}

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(
	q queue.Queue,
	handler Handler,
	ledger Ledger,
	statusLog StatusLog,
	terminator Terminator,
	recorder Recorder,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:      q,
		handler:    handler,
		ledger:     ledger,
		statusLog:  statusLog,
		terminator: terminator,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
		locks:      newRunLocks(),
		stopChan:   make(chan struct{}),
	}
}

// Start polls the queue every interval until ctx is done or Stop is called
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.C:
			if _, err := d.PollOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("poll failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the poll loop and blocks until the batch in flight is settled.
// No batch starts after Stop.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopChan)
	}
	d.mu.Unlock()
	d.inflight.Wait()
}

func (d *Dispatcher) begin() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.inflight.Add(1)
	return true
}

// PollOnce receives one batch and processes its messages concurrently. It
// returns the number of messages received, zero once stopped.
func (d *Dispatcher) PollOnce(ctx context.Context) (int, error) {
	if !d.begin() {
		return 0, nil
	}
	defer d.inflight.Done()

	msgs, err := d.queue.Receive(ctx, queue.ReceiveOptions{
		MaxMessages: d.cfg.BatchSize,
		Lease:       d.cfg.Lease,
		Wait:        d.cfg.Wait,
	})
	if err != nil {
		return 0, errors.Wrap(err, "receive")
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg queue.Message) {
			defer wg.Done()
			d.process(ctx, msg)
		}(msg)
	}
	wg.Wait()
	return len(msgs), nil
}

// settle detaches ctx so a shutdown mid-handler still records the outcome
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (d *Dispatcher) process(ctx context.Context, msg queue.Message) {
	started := time.Now()
	log := d.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	task, err := models.DecodeTask(msg.Body)
	if err != nil {
		// nothing to attribute it to, and no delivery will ever parse
		log.Error("dropping undecodable message", zap.Error(err))
		d.delete(ctx, log, msg)
		d.observe("unknown", ResultInvalid, started)
		return
	}

	log = log.With(zap.String("task", string(task.Kind())), zap.String("run_id", task.RunID()))
	unlock := d.locks.Lock(task.RunID())
	defer unlock()

	result, err := d.run(ctx, log, msg, task)
	if err != nil {
		// leave the message alone; it comes back once the lease expires
		log.Error("message deferred", zap.Error(err))
		d.observe(string(task.Kind()), ResultDeferred, started)
		return
	}

	sctx, cancel := settle(ctx)
	defer cancel()
	d.delete(sctx, log, msg)
	d.observe(string(task.Kind()), result, started)
	log.Info("message handled", zap.String("result", result), zap.Duration("took", time.Since(started)))
}

// run applies the ledger protocol and the handler. An error means the
// ledger could not be consulted and the message must not be deleted.
func (d *Dispatcher) run(ctx context.Context, log *zap.Logger, msg queue.Message, task models.Task) (string, error) {
	_, err := d.ledger.Get(ctx, msg.ID)
	if err == nil {
		return ResultDuplicate, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", errors.Wrap(err, "ledger lookup")
	}

	if task.IsUnique() {
		inFlight, err := d.ledger.HasInFlight(ctx, task.RunID(), task.Kind())
		if err != nil {
			return "", errors.Wrap(err, "in-flight lookup")
		}
		if inFlight {
			return ResultNotUnique, nil
		}
	}

	if msg.ReceiveCount > d.cfg.MaxReceiveCount {
		d.quarantine(ctx, log, msg, task)
		return ResultPoison, nil
	}

	err = d.ledger.Begin(ctx, &models.TaskAttempt{
		MessageID: msg.ID,
		Task:      task.Kind(),
		RunID:     task.RunID(),
		Unique:    task.IsUnique(),
	})
	switch {
	case errors.Is(err, repository.ErrDuplicateMessage):
		return ResultDuplicate, nil
	case errors.Is(err, repository.ErrAlreadyInFlight):
		return ResultNotUnique, nil
	case err != nil:
		return "", errors.Wrap(err, "begin attempt")
	}

	outcome, herr := d.handler.Handle(ctx, task)

	sctx, cancel := settle(ctx)
	defer cancel()
	if herr != nil {
		log.Error("stage failed", zap.Error(herr))
		if err := d.ledger.Fail(sctx, msg.ID, herr.Error()); err != nil {
			log.Error("failed to record failed attempt", zap.Error(err))
		}
		d.appendLog(sctx, log, task, map[string]interface{}{
			"message_id": msg.ID,
			"result":     ResultFailed,
			"error":      herr.Error(),
		})
		return ResultFailed, nil
	}

	if err := d.ledger.Complete(sctx, msg.ID, outcome); err != nil {
		log.Error("failed to record completed attempt", zap.Error(err))
	}
	d.appendLog(sctx, log, task, map[string]interface{}{
		"message_id": msg.ID,
		"result":     ResultCompleted,
		"outcome":    outcome,
	})
	return ResultCompleted, nil
}

// quarantine stalls the run of a message delivered too often
func (d *Dispatcher) quarantine(ctx context.Context, log *zap.Logger, msg queue.Message, task models.Task) {
	meta := map[string]interface{}{
		"message_id":    msg.ID,
		"task":          string(task.Kind()),
		"receive_count": msg.ReceiveCount,
	}
	if _, err := d.terminator.TerminateRun(ctx, task.RunID(), models.RunStatusStalled, "poison message", meta); err != nil {
		// the run is stalled even when the release failed; the reaper retries it
		log.Error("failed to terminate run for poison message", zap.Error(err))
	}
	if err := d.statusLog.Append(ctx, task.RunID(), models.StagePoisonMessage, meta); err != nil {
		log.Warn("failed to log poison message", zap.Error(err))
	}
	log.Warn("poison message quarantined")
}

func (d *Dispatcher) appendLog(ctx context.Context, log *zap.Logger, task models.Task, payload map[string]interface{}) {
	if err := d.statusLog.Append(ctx, task.RunID(), string(task.Kind()), payload); err != nil {
		log.Warn("failed to append status log", zap.Error(err))
	}
}

func (d *Dispatcher) delete(ctx context.Context, log *zap.Logger, msg queue.Message) {
	if err := d.queue.Delete(ctx, msg); err != nil {
		log.Error("failed to delete message", zap.Error(err))
	}
}

func (d *Dispatcher) observe(task, result string, started time.Time) {
	if d.recorder != nil {
		d.recorder.MessageHandled(task, result, time.Since(started))
	}
}
