package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// TaskKind names one stage of the training pipeline. It is the `task`
// discriminator of every queue message body.
type TaskKind string

const (
	TaskReduceImages       TaskKind = "reduceImages"
	TaskReduceImageSuccess TaskKind = "reduceImageSuccess"
	TaskZipImages          TaskKind = "zipImages"
	TaskAllocateGpu        TaskKind = "allocateGpu"
	TaskAwaitGpuReady      TaskKind = "awaitGpuReady"
	TaskStartTraining      TaskKind = "startTraining"

	// TaskResizeImage is only ever sent to the resize queue
	TaskResizeImage TaskKind = "resizeImage"
)

// PipelineKinds lists the kinds consumed from the primary pipeline queue
var PipelineKinds = []TaskKind{
	TaskReduceImages,
	TaskReduceImageSuccess,
	TaskZipImages,
	TaskAllocateGpu,
	TaskAwaitGpuReady,
	TaskStartTraining,
}

var (
	// ErrUnknownTask is returned when a body carries an unrecognised discriminator
	ErrUnknownTask = errors.New("unknown task kind")
	// ErrInvalidTask is returned when a body cannot be decoded into its task
	ErrInvalidTask = errors.New("invalid task payload")
)

// Task is a closed set of queue payloads. Only types in this package implement it.
type Task interface {
	Kind() TaskKind
	RunID() string
	IsUnique() bool
	sealed()
}

// TaskHeader carries the fields shared by every task
type TaskHeader struct {
	TrainingRunID string `json:"runId"`
	Unique        bool   `json:"unique,omitempty"`
}

func (h TaskHeader) RunID() string  { return h.TrainingRunID }
func (h TaskHeader) IsUnique() bool { return h.Unique }
func (TaskHeader) sealed()          {}

// ReduceImages fans out one resize task per target image of the run
type ReduceImages struct {
	TaskHeader
}

// ReduceImageSuccess reports that the resize of one image finished
type ReduceImageSuccess struct {
	TaskHeader
	ImageID string `json:"imageId"`
}

// ZipImages writes captions and packages the reduced images into one archive
type ZipImages struct {
	TaskHeader
}

// AllocateGpu rents a marketplace instance for the run. FirstAttemptAt is
// zero on the first try and carried across rate-limited retries.
type AllocateGpu struct {
	TaskHeader
	FirstAttemptAt time.Time `json:"firstAttemptAt"`
	Attempt        int       `json:"attempt"`
}

// AwaitGpuReady polls the rented instance until the training runner answers
type AwaitGpuReady struct {
	TaskHeader
	FirstAttemptAt time.Time `json:"firstAttemptAt"`
	Attempt        int       `json:"attempt"`
}

// StartTraining submits the configuration to the runner and starts it
type StartTraining struct {
	TaskHeader
	FirstAttemptAt time.Time `json:"firstAttemptAt"`
	Attempt        int       `json:"attempt"`
}

// CropRect selects a region of the source image, in pixels
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResizeImage is the per-image fan-out payload of the resize queue
type ResizeImage struct {
	TaskHeader
	ImageID   string    `json:"imageId"`
	SourceKey string    `json:"sourceKey"`
	TargetKey string    `json:"targetKey"`
	Crop      *CropRect `json:"crop,omitempty"`
	MaxSide   int       `json:"maxSide,omitempty"`
}

func (ReduceImages) Kind() TaskKind       { return TaskReduceImages }
func (ReduceImageSuccess) Kind() TaskKind { return TaskReduceImageSuccess }
func (ZipImages) Kind() TaskKind          { return TaskZipImages }
func (AllocateGpu) Kind() TaskKind        { return TaskAllocateGpu }
func (AwaitGpuReady) Kind() TaskKind      { return TaskAwaitGpuReady }
func (StartTraining) Kind() TaskKind      { return TaskStartTraining }
func (ResizeImage) Kind() TaskKind        { return TaskResizeImage }

// NewTask returns an empty task value for the kind
func NewTask(kind TaskKind) (Task, error) {
	switch kind {
	case TaskReduceImages:
		return &ReduceImages{}, nil
	case TaskReduceImageSuccess:
		return &ReduceImageSuccess{}, nil
	case TaskZipImages:
		return &ZipImages{}, nil
	case TaskAllocateGpu:
		return &AllocateGpu{}, nil
	case TaskAwaitGpuReady:
		return &AwaitGpuReady{}, nil
	case TaskStartTraining:
		return &StartTraining{}, nil
	case TaskResizeImage:
		return &ResizeImage{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownTask, "%q", kind)
	}
}

// EncodeTask serializes a task with its `task` discriminator
func EncodeTask(t Task) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "marshal task")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, errors.Wrap(err, "reshape task")
	}
	fields["task"] = json.RawMessage(strconv.Quote(string(t.Kind())))

	return json.Marshal(fields)
}

// DecodeTask parses a queue message body into its concrete task
func DecodeTask(body []byte) (Task, error) {
	var envelope struct {
		Task TaskKind `json:"task"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(ErrInvalidTask, err.Error())
	}

	task, err := NewTask(envelope.Task)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, task); err != nil {
		return nil, errors.Wrapf(ErrInvalidTask, "%s: %v", envelope.Task, err)
	}
	if task.RunID() == "" {
		return nil, errors.Wrapf(ErrInvalidTask, "%s: missing runId", envelope.Task)
	}

	return task, nil
}
