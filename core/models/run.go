package models

import "time"

// TrainingRun represents one attempt to train a LoRA for a training
type TrainingRun struct {
	ID            string
	TrainingID    string
	ImageGroupID  *string // nil trains on the full original image set
	Status        RunStatus
	GpuInstanceID *string // weak link to the rented instance, cleared on release
	ConfigYAML    string  // serialized training configuration
	GpuCostUSD    float64
	ZipClaimedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunStatus represents the current status of a training run
type RunStatus string

const (
	RunStatusStarted   RunStatus = "started"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
	RunStatusStalled   RunStatus = "stalled"
	RunStatusOnError   RunStatus = "onerror"
)

// TerminalStatuses lists every status a run never leaves
var TerminalStatuses = []RunStatus{
	RunStatusCompleted,
	RunStatusFailed,
	RunStatusAborted,
	RunStatusStalled,
	RunStatusOnError,
}

// IsTerminal reports whether no further task processing may happen for the status
func (s RunStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	return s == RunStatusStarted || s.IsTerminal()
}

// IsTerminal reports whether the run has reached a final status
func (r *TrainingRun) IsTerminal() bool {
	return r.Status.IsTerminal()
}
