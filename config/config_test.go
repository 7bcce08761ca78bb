package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqs", cfg.Queue.Backend)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Queue.Lease)
	assert.Equal(t, 5, cfg.Queue.MaxReceiveCount)
	assert.Equal(t, 120*time.Second, cfg.Pipeline.AllocateDelay)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.StartCeiling)
	assert.Equal(t, 30*time.Minute, cfg.Reaper.StallThreshold)
	assert.Equal(t, 12*time.Hour, cfg.Reaper.TrainingCeiling)
	assert.Equal(t, 12*time.Hour, cfg.Storage.PresignTTL)
	assert.Equal(t, []string{"RTX 4090", "RTX A6000"}, cfg.OfferFilter().GPUNames)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: redis
  batch_size: 4
marketplace:
  policy: median
  max_price_per_hour: 0.6
  gpu_names: ["RTX 3090"]
reaper:
  stall_threshold: 45m
`), 0o600))
	t.Setenv("LORA_DATABASE_URL", "postgres://db/lora")
	t.Setenv("LORA_RUNNER_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, 4, cfg.Queue.BatchSize)
	assert.Equal(t, "median", cfg.Marketplace.Policy)
	assert.Equal(t, 0.6, cfg.OfferFilter().MaxPricePerHour)
	assert.Equal(t, []string{"RTX 3090"}, cfg.Marketplace.GPUNames)
	assert.Equal(t, 45*time.Minute, cfg.Reaper.StallThreshold)
	assert.Equal(t, "postgres://db/lora", cfg.Database.URL)
	assert.Equal(t, "secret", cfg.Runner.Token)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LORA_QUEUE_BACKEND", "kafka")
	t.Setenv("LORA_MARKETPLACE_POLICY", "random")
	t.Setenv("LORA_REAPER_TRAINING_CEILING", "10m")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.backend")
	assert.Contains(t, err.Error(), "marketplace.policy")
	assert.Contains(t, err.Error(), "reaper.training_ceiling")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
