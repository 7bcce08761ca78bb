package spec

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
model:
  base: sdxl-base-1.0
dataset:
  trigger_word: ohwx
training:
  steps: 1500
  learning_rate: 0.0001
  rank: 16
output:
  name: portrait-lora
sampler:
  prompts: ["a photo of ohwx"]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, "sdxl-base-1.0", cfg.Model.Base)
	assert.Equal(t, DefaultMaxSide, cfg.Dataset.MaxSide)
	assert.Equal(t, DefaultCaptionExtension, cfg.Dataset.CaptionExtension)
	assert.Equal(t, 16, cfg.Training.Alpha)
	assert.Equal(t, 1, cfg.Training.BatchSize)
}

func TestParseRejectsIncompleteConfig(t *testing.T) {
	_, err := Parse("model:\n  base: x\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "output.name")
	assert.Contains(t, err.Error(), "training.steps")

	_, err = Parse("model: [")
	assert.Error(t, err)
}

func TestMarshalKeepsUnknownSectionsAndPatches(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	cfg.WithArchive("s3://bucket/runs/r1/dataset.zip").
		WithCheckpointUpload("https://store/put?sig=abc", "runs/r1/checkpoint.safetensors")

	doc, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, doc, "sampler:")

	again, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/runs/r1/dataset.zip", again.Dataset.ArchiveURL)
	assert.Equal(t, "https://store/put?sig=abc", again.Output.CheckpointUploadURL)
	assert.Equal(t, "runs/r1/checkpoint.safetensors", again.Output.CheckpointKey)
	assert.Contains(t, again.Extra, "sampler")
}
