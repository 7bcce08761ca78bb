// Package queue carries pipeline tasks over a durable, at-least-once message
// queue. A received message stays invisible to other consumers for its lease
// and must be deleted explicitly; anything not deleted is delivered again.
package queue

import (
	"context"
	"time"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
)

// Message is one delivery of a queued body
type Message struct {
	ID           string // identity assigned by the queue at send time, stable across redeliveries
	Body         []byte
	ReceiveCount int    // approximate number of deliveries, including this one
	Handle       string // backend handle needed to delete this delivery
}

// ReceiveOptions bounds one long-poll
type ReceiveOptions struct {
	MaxMessages int
	Lease       time.Duration
	Wait        time.Duration
}

// Queue is the primitive every backend provides
type Queue interface {
	Send(ctx context.Context, body []byte, delay time.Duration) error
	Receive(ctx context.Context, opts ReceiveOptions) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
}

// Publisher encodes tasks and routes them to the pipeline or resize queue
type Publisher struct {
	pipeline Queue
	resize   Queue
}

// NewPublisher creates a publisher over the two logical queues
func NewPublisher(pipeline, resize Queue) *Publisher {
	return &Publisher{pipeline: pipeline, resize: resize}
}

// Enqueue sends the task, visible after delay
func (p *Publisher) Enqueue(ctx context.Context, task models.Task, delay time.Duration) error {
	body, err := models.EncodeTask(task)
	if err != nil {
		return err
	}

	target := p.pipeline
	if task.Kind() == models.TaskResizeImage {
		target = p.resize
	}

	if err := target.Send(ctx, body, delay); err != nil {
		return errors.Wrapf(err, "enqueue %s for run %s", task.Kind(), task.RunID())
	}
	return nil
}
