// Package queuetest provides an in-memory Queue for tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/queue"
)

// Sent records one Send call
type Sent struct {
	Body  []byte
	Delay time.Duration
}

// MemoryQueue keeps every message in process. Delays are recorded but not
// honored: a sent message is immediately visible to Receive.
type MemoryQueue struct {
	mu       sync.Mutex
	seq      int
	visible  []queue.Message
	inflight map[string]queue.Message
	sent     []Sent
	deleted  []string
}

// New creates an empty queue
func New() *MemoryQueue {
	return &MemoryQueue{inflight: make(map[string]queue.Message)}
}

func (q *MemoryQueue) Send(ctx context.Context, body []byte, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	q.sent = append(q.sent, Sent{Body: body, Delay: delay})
	q.visible = append(q.visible, queue.Message{ID: fmt.Sprintf("mem-%d", q.seq), Body: body})
	return nil
}

// Push makes msg visible as is, keeping its ID and ReceiveCount
func (q *MemoryQueue) Push(msg queue.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visible = append(q.visible, msg)
}

func (q *MemoryQueue) Receive(ctx context.Context, opts queue.ReceiveOptions) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := opts.MaxMessages
	if n <= 0 || n > len(q.visible) {
		n = len(q.visible)
	}

	out := make([]queue.Message, 0, n)
	for _, m := range q.visible[:n] {
		m.ReceiveCount++
		m.Handle = m.ID
		q.inflight[m.ID] = m
		out = append(out, m)
	}
	q.visible = q.visible[n:]
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.ID)
	q.deleted = append(q.deleted, msg.ID)
	return nil
}

// ExpireLeases makes every undeleted delivery visible again
func (q *MemoryQueue) ExpireLeases() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, m := range q.inflight {
		q.visible = append(q.visible, m)
		delete(q.inflight, id)
	}
}

// Sent returns a copy of every Send call so far
func (q *MemoryQueue) Sent() []Sent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Sent(nil), q.sent...)
}

// Tasks decodes every sent body
func (q *MemoryQueue) Tasks() ([]models.Task, error) {
	sent := q.Sent()
	tasks := make([]models.Task, 0, len(sent))
	for _, s := range sent {
		t, err := models.DecodeTask(s.Body)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Deleted returns the IDs passed to Delete
func (q *MemoryQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

// Len reports visible plus in-flight messages
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.visible) + len(q.inflight)
}

// Reset drops all state
func (q *MemoryQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visible = nil
	q.inflight = make(map[string]queue.Message)
	q.sent = nil
	q.deleted = nil
}
