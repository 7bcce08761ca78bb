package spec

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxSide          = 1024
	DefaultCaptionExtension = ".txt"
)

// ErrInvalidConfig is returned for documents that fail validation
var ErrInvalidConfig = errors.New("invalid training config")

// TrainingConfig represents the YAML training configuration stored on a run
// and submitted to the remote runner
type TrainingConfig struct {
	Model    ModelSection    `yaml:"model"`
	Dataset  DatasetSection  `yaml:"dataset"`
	Training TrainingSection `yaml:"training"`
	Output   OutputSection   `yaml:"output"`

	// Extra keeps sections this service does not interpret
	Extra map[string]interface{} `yaml:",inline"`
}

// ModelSection names the base model the adapter is trained against
type ModelSection struct {
	Base      string `yaml:"base"`
	Precision string `yaml:"precision,omitempty"` // fp16 | bf16
}

// DatasetSection describes the packaged training images
type DatasetSection struct {
	ArchiveURL       string `yaml:"archive_url,omitempty"`
	MaxSide          int    `yaml:"max_side,omitempty"`
	CaptionExtension string `yaml:"caption_extension,omitempty"`
	TriggerWord      string `yaml:"trigger_word,omitempty"`
}

// TrainingSection carries the LoRA hyperparameters
type TrainingSection struct {
	Steps        int     `yaml:"steps"`
	LearningRate float64 `yaml:"learning_rate"`
	Rank         int     `yaml:"rank"`
	Alpha        int     `yaml:"alpha,omitempty"`
	BatchSize    int     `yaml:"batch_size,omitempty"`
	Seed         int64   `yaml:"seed,omitempty"`
}

// OutputSection tells the runner where to put the finished checkpoint
type OutputSection struct {
	Name                string `yaml:"name"`
	CheckpointUploadURL string `yaml:"checkpoint_upload_url,omitempty"`
	CheckpointKey       string `yaml:"checkpoint_key,omitempty"`
}

// Parse parses and validates a YAML training configuration
func Parse(doc string) (*TrainingConfig, error) {
	var cfg TrainingConfig
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks the fields the pipeline cannot do without
func (c *TrainingConfig) Validate() error {
	var missing []string
	if c.Model.Base == "" {
		missing = append(missing, "model.base")
	}
	if c.Output.Name == "" {
		missing = append(missing, "output.name")
	}
	if c.Training.Steps <= 0 {
		missing = append(missing, "training.steps")
	}
	if c.Training.Rank <= 0 {
		missing = append(missing, "training.rank")
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrInvalidConfig, "missing or non-positive: %s", strings.Join(missing, ", "))
	}
	if c.Dataset.MaxSide < 0 {
		return errors.Wrap(ErrInvalidConfig, "dataset.max_side must not be negative")
	}
	return nil
}

func (c *TrainingConfig) applyDefaults() {
	if c.Dataset.MaxSide == 0 {
		c.Dataset.MaxSide = DefaultMaxSide
	}
	if c.Dataset.CaptionExtension == "" {
		c.Dataset.CaptionExtension = DefaultCaptionExtension
	}
	if c.Training.Alpha == 0 {
		c.Training.Alpha = c.Training.Rank
	}
	if c.Training.BatchSize == 0 {
		c.Training.BatchSize = 1
	}
}

// WithArchive records the packaged dataset location
func (c *TrainingConfig) WithArchive(url string) *TrainingConfig {
	c.Dataset.ArchiveURL = url
	return c
}

// WithCheckpointUpload records where the runner uploads its checkpoint
func (c *TrainingConfig) WithCheckpointUpload(url, key string) *TrainingConfig {
	c.Output.CheckpointUploadURL = url
	c.Output.CheckpointKey = key
	return c
}

// Marshal serializes the configuration back to YAML
func (c *TrainingConfig) Marshal() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal YAML")
	}
	return string(out), nil
}
