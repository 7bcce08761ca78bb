package models

import "time"

// StatusLogEntry is one append-only audit record for a run. The age of the
// latest entry drives staleness detection.
type StatusLogEntry struct {
	ID        int64
	RunID     string
	Stage     string
	Payload   map[string]interface{}
	CreatedAt time.Time
}

// Stage names recorded outside of task handling
const (
	StageRunCreated       = "runCreated"
	StageRunTerminated    = "runTerminated"
	StageGpuReleased      = "gpuReleased"
	StagePoisonMessage    = "poisonMessage"
	StageTrainingProgress = "trainingProgress"
)

// OutcomeTrainingStarted is the startTraining outcome once the runner accepted the job
const OutcomeTrainingStarted = "started"

// TrainingUnderway reports whether the entry shows the runner at work: a
// startTraining that launched the job, or a runner heartbeat
func (e *StatusLogEntry) TrainingUnderway() bool {
	switch e.Stage {
	case StageTrainingProgress:
		return true
	case string(TaskStartTraining):
		return e.Payload["result"] == "completed" && e.Payload["outcome"] == OutcomeTrainingStarted
	}
	return false
}

// ArtifactType represents the type of run artifact
type ArtifactType string

const (
	ArtifactTypeArchive    ArtifactType = "archive"
	ArtifactTypeCheckpoint ArtifactType = "checkpoint"
)

// RunArtifact records an object-store location produced for a run
type RunArtifact struct {
	ID        int64
	RunID     string
	Type      ArtifactType
	URI       string
	CreatedAt time.Time
	MetaJSON  map[string]interface{}
}
