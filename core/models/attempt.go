package models

import "time"

// TaskAttempt is one ledger record per queue delivery actually processed
type TaskAttempt struct {
	MessageID   string // queue-assigned message identity, globally unique
	Task        TaskKind
	RunID       string
	Status      AttemptStatus
	Unique      bool
	Outcome     string
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// AttemptStatus represents the state of a ledger entry
type AttemptStatus string

const (
	AttemptStarted   AttemptStatus = "started"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
)
