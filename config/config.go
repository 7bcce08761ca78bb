package config

import (
	"strings"
	"time"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LORA_DATABASE_URL
const EnvPrefix = "LORA"

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Reaper      ReaperConfig      `mapstructure:"reaper"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig is the HTTP API
type ServerConfig struct {
	Port string `mapstructure:"port"`
	// PublicURL is where runners reach the webhook
	PublicURL    string `mapstructure:"public_url"`
	WebhookToken string `mapstructure:"webhook_token"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// QueueConfig selects the queue backend and bounds the message loops
type QueueConfig struct {
	Backend       string `mapstructure:"backend"` // sqs | redis
	Region        string `mapstructure:"region"`
	PipelineQueue string `mapstructure:"pipeline_queue"`
	ResizeQueue   string `mapstructure:"resize_queue"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Group         string `mapstructure:"group"`
	Consumer      string `mapstructure:"consumer"`

	BatchSize         int           `mapstructure:"batch_size"`
	Lease             time.Duration `mapstructure:"lease"`
	Wait              time.Duration `mapstructure:"wait"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxReceiveCount   int           `mapstructure:"max_receive_count"`
	ResizeConcurrency int           `mapstructure:"resize_concurrency"`
}

// MarketplaceConfig selects the GPU provider, the offer filter and how an
// offer becomes an instance
type MarketplaceConfig struct {
	Provider  string  `mapstructure:"provider"` // vastai | ec2
	BaseURL   string  `mapstructure:"base_url"`
	APIKey    string  `mapstructure:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`

	Region          string `mapstructure:"region"`
	SubnetID        string `mapstructure:"subnet_id"`
	SecurityGroupID string `mapstructure:"security_group_id"`

	GPUNames        []string `mapstructure:"gpu_names"`
	NumGPUs         int      `mapstructure:"num_gpus"`
	MinGPURAMMB     int      `mapstructure:"min_gpu_ram_mb"`
	MaxPricePerHour float64  `mapstructure:"max_price_per_hour"`
	Geolocations    []string `mapstructure:"geolocations"`
	MinReliability  float64  `mapstructure:"min_reliability"`
	MinInetDownMbps float64  `mapstructure:"min_inet_down_mbps"`
	MinDiskSpaceGB  float64  `mapstructure:"min_disk_space_gb"`
	Policy          string   `mapstructure:"policy"` // cheapest | median

	Image             string        `mapstructure:"image"`
	DiskGB            float64       `mapstructure:"disk_gb"`
	OnStart           string        `mapstructure:"on_start"`
	MinimumBillable   time.Duration `mapstructure:"minimum_billable"`
	ReleaseStaleAfter time.Duration `mapstructure:"release_stale_after"`
}

// RunnerConfig addresses the training runner on every instance
type RunnerConfig struct {
	Port    int           `mapstructure:"port"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	AccessKey  string        `mapstructure:"access_key"`
	SecretKey  string        `mapstructure:"secret_key"`
	Bucket     string        `mapstructure:"bucket"`
	Region     string        `mapstructure:"region"`
	Secure     bool          `mapstructure:"secure"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
}

// PipelineConfig holds the stage delays and ceilings
type PipelineConfig struct {
	AllocateDelay   time.Duration `mapstructure:"allocate_delay"`
	AllocateRetry   time.Duration `mapstructure:"allocate_retry"`
	AllocateCeiling time.Duration `mapstructure:"allocate_ceiling"`
	AwaitRetry      time.Duration `mapstructure:"await_retry"`
	AwaitCeiling    time.Duration `mapstructure:"await_ceiling"`
	StartRetry      time.Duration `mapstructure:"start_retry"`
	StartCeiling    time.Duration `mapstructure:"start_ceiling"`
}

type ReaperConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StallThreshold  time.Duration `mapstructure:"stall_threshold"`
	TrainingCeiling time.Duration `mapstructure:"training_ceiling"` // idle limit once training
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

var defaults = map[string]interface{}{
	"server.port":          "8080",
	"server.public_url":    "",
	"server.webhook_token": "",

	"database.url": "postgres://localhost/lora_orchestrator?sslmode=disable",

	"queue.backend":            "sqs",
	"queue.region":             "us-east-1",
	"queue.pipeline_queue":     "lora-pipeline",
	"queue.resize_queue":       "lora-resize",
	"queue.redis_addr":         "localhost:6379",
	"queue.redis_password":     "",
	"queue.redis_db":           0,
	"queue.group":              "lora-orchestrator",
	"queue.consumer":           "",
	"queue.batch_size":         10,
	"queue.lease":              "5m",
	"queue.wait":               "10s",
	"queue.poll_interval":      "10s",
	"queue.max_receive_count":  5,
	"queue.resize_concurrency": 4,

	"marketplace.provider":            "vastai",
	"marketplace.base_url":            "https://console.vast.ai/api/v0",
	"marketplace.api_key":             "",
	"marketplace.rate_limit":          2.0,
	"marketplace.burst":               2,
	"marketplace.region":              "us-east-1",
	"marketplace.subnet_id":           "",
	"marketplace.security_group_id":   "",
	"marketplace.gpu_names":           []string{"RTX 4090", "RTX A6000"},
	"marketplace.num_gpus":            1,
	"marketplace.min_gpu_ram_mb":      24000,
	"marketplace.max_price_per_hour":  1.0,
	"marketplace.geolocations":        []string{},
	"marketplace.min_reliability":     0.95,
	"marketplace.min_inet_down_mbps":  200.0,
	"marketplace.min_disk_space_gb":   60.0,
	"marketplace.policy":              "cheapest",
	"marketplace.image":               "",
	"marketplace.disk_gb":             60.0,
	"marketplace.on_start":            "",
	"marketplace.minimum_billable":    "1m",
	"marketplace.release_stale_after": "10m",

	"runner.port":    8000,
	"runner.token":   "",
	"runner.timeout": "30s",

	"storage.endpoint":    "localhost:9000",
	"storage.access_key":  "",
	"storage.secret_key":  "",
	"storage.bucket":      "lora-datasets",
	"storage.region":      "us-east-1",
	"storage.secure":      false,
	"storage.presign_ttl": "12h",

	"pipeline.allocate_delay":   "120s",
	"pipeline.allocate_retry":   "60s",
	"pipeline.allocate_ceiling": "30m",
	"pipeline.await_retry":      "60s",
	"pipeline.await_ceiling":    "30m",
	"pipeline.start_retry":      "30s",
	"pipeline.start_ceiling":    "5m",

	"reaper.interval":         "5m",
	"reaper.stall_threshold":  "30m",
	"reaper.training_ceiling": "12h",

	"log.level":  "info",
	"log.format": "json",
	"log.file":   "",
}

// Load reads the optional YAML file at path, applies LORA_* environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	var problems []string

	if c.Database.URL == "" {
		problems = append(problems, "database.url is required")
	}
	switch c.Queue.Backend {
	case "sqs", "redis":
	default:
		problems = append(problems, "queue.backend must be sqs or redis")
	}
	switch c.Marketplace.Provider {
	case "vastai", "ec2":
	default:
		problems = append(problems, "marketplace.provider must be vastai or ec2")
	}
	switch c.Marketplace.Policy {
	case "", "cheapest", "median":
	default:
		problems = append(problems, "marketplace.policy must be cheapest or median")
	}
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > 10 {
		problems = append(problems, "queue.batch_size must be between 1 and 10")
	}
	if c.Queue.MaxReceiveCount < 1 {
		problems = append(problems, "queue.max_receive_count must be positive")
	}
	if c.Queue.Lease <= 0 || c.Queue.PollInterval <= 0 || c.Reaper.Interval <= 0 {
		problems = append(problems, "queue.lease, queue.poll_interval and reaper.interval must be positive")
	}
	if c.Reaper.TrainingCeiling < c.Reaper.StallThreshold {
		problems = append(problems, "reaper.training_ceiling must not be below reaper.stall_threshold")
	}

	if len(problems) > 0 {
		return errors.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// OfferFilter is the marketplace search filter
func (c *Config) OfferFilter() models.OfferFilter {
	m := c.Marketplace
	return models.OfferFilter{
		GPUNames:        m.GPUNames,
		NumGPUs:         m.NumGPUs,
		MinGPURAMMB:     m.MinGPURAMMB,
		MaxPricePerHour: m.MaxPricePerHour,
		Geolocations:    m.Geolocations,
		MinReliability:  m.MinReliability,
		MinInetDownMbps: m.MinInetDownMbps,
		MinDiskSpaceGB:  m.MinDiskSpaceGB,
	}
}
