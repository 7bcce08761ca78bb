package main

import (
	"context"
	"os"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/config"
	"lora-orchestrator/core/dispatcher"
	"lora-orchestrator/core/executor"
	"lora-orchestrator/core/imaging"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/optimizer"
	"lora-orchestrator/core/queue"
	"lora-orchestrator/core/repository"
	"lora-orchestrator/core/resource_manager"
	"lora-orchestrator/core/stages"
	"lora-orchestrator/providers"
	"lora-orchestrator/providers/aws"
	"lora-orchestrator/providers/vastai"
	"lora-orchestrator/storage"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds every long-lived component of the service
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *repository.DB
	redisClient *redis.Client
	metrics     *monitoring.Metrics

	dispatcher   *dispatcher.Dispatcher
	resizer      *imaging.Worker
	reaper       *monitoring.Reaper
	runHandler   *handlers.RunHandler
	spendHandler *handlers.SpendHandler
}

func openDB(ctx context.Context, cfg *config.Config) (*repository.DB, error) {
	db, err := repository.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	return db, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: monitoring.NewMetrics()}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.db = db
	logger.Info("database connected")

	runs := repository.NewRunRepository(db)
	images := repository.NewImageRepository(db)
	attempts := repository.NewAttemptRepository(db)
	statusLog := repository.NewStatusLogRepository(db)
	gpus := repository.NewGpuRepository(db)
	artifacts := repository.NewArtifactRepository(db)

	pipelineQueue, resizeQueue, err := a.openQueues(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	publisher := queue.NewPublisher(pipelineQueue, resizeQueue)

	objects, err := storage.NewMinIOStore(cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.Bucket, cfg.Storage.Secure)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := objects.EnsureBucket(ctx, cfg.Storage.Region); err != nil {
		a.Close()
		return nil, err
	}

	market, err := newMarketplace(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy, err := optimizer.ParsePolicy(cfg.Marketplace.Policy)
	if err != nil {
		a.Close()
		return nil, err
	}
	opt := optimizer.NewAllocationOptimizer(market, cfg.OfferFilter(), policy)

	webhookToken := cfg.Server.WebhookToken
	if webhookToken == "" {
		webhookToken = cfg.Runner.Token
	}

	prov := resource_manager.NewProvisioner(market, opt, optimizer.NewCostCalculator(cfg.Marketplace.MinimumBillable),
		runs, gpus, statusLog, a.metrics, resource_manager.Config{
			Image:             cfg.Marketplace.Image,
			DiskGB:            cfg.Marketplace.DiskGB,
			OnStart:           cfg.Marketplace.OnStart,
			Env:               map[string]string{"WEBHOOK_TOKEN": webhookToken},
			RunnerToken:       cfg.Runner.Token,
			ReleaseStaleAfter: cfg.Marketplace.ReleaseStaleAfter,
		}, logger.Named("gpu"))

	checkpoints := storage.NewCheckpointManager(objects, artifacts, cfg.Storage.PresignTTL)

	stageCfg := stages.Config{
		AllocateDelay:   cfg.Pipeline.AllocateDelay,
		AllocateRetry:   cfg.Pipeline.AllocateRetry,
		AllocateCeiling: cfg.Pipeline.AllocateCeiling,
		AwaitRetry:      cfg.Pipeline.AwaitRetry,
		AwaitCeiling:    cfg.Pipeline.AwaitCeiling,
		StartRetry:      cfg.Pipeline.StartRetry,
		StartCeiling:    cfg.Pipeline.StartCeiling,
		DatasetURLTTL:   cfg.Storage.PresignTTL,
		RunnerPort:      cfg.Runner.Port,
		RunnerToken:     cfg.Runner.Token,
	}
	handler := stages.NewHandlers(stages.Dependencies{
		Queue:       publisher,
		Runs:        runs,
		Images:      images,
		Artifacts:   artifacts,
		Store:       objects,
		Packager:    storage.NewPackager(objects),
		Lifecycle:   prov,
		Runner:      executor.NewTrainingExecutor(cfg.Runner.Timeout, cfg.Server.PublicURL, logger.Named("runner")),
		Checkpoints: checkpoints,
	}, stageCfg, logger.Named("stages"))

	a.dispatcher = dispatcher.NewDispatcher(pipelineQueue, handler, attempts, statusLog, prov, a.metrics, dispatcher.Config{
		PollInterval:    cfg.Queue.PollInterval,
		BatchSize:       cfg.Queue.BatchSize,
		Lease:           cfg.Queue.Lease,
		Wait:            cfg.Queue.Wait,
		MaxReceiveCount: cfg.Queue.MaxReceiveCount,
	}, logger.Named("dispatcher"))

	a.resizer = imaging.NewWorker(resizeQueue, publisher, objects, prov, imaging.WorkerConfig{
		PollInterval:    cfg.Queue.PollInterval,
		BatchSize:       cfg.Queue.BatchSize,
		Lease:           cfg.Queue.Lease,
		Wait:            cfg.Queue.Wait,
		MaxReceiveCount: cfg.Queue.MaxReceiveCount,
		Concurrency:     cfg.Queue.ResizeConcurrency,
	}, logger.Named("resize"))

	a.reaper = monitoring.NewReaper(market, gpus, runs, statusLog, prov, a.metrics,
		cfg.Reaper.Interval, cfg.Reaper.StallThreshold, cfg.Reaper.TrainingCeiling, logger.Named("reaper"))

	a.runHandler = handlers.NewRunHandler(handlers.RunDeps{
		Runs:        runs,
		Attempts:    attempts,
		StatusLog:   statusLog,
		Artifacts:   artifacts,
		Queue:       publisher,
		Terminator:  prov,
		Checkpoints: checkpoints,
	}, webhookToken, logger.Named("api"))
	a.spendHandler = handlers.NewSpendHandler(runs)

	return a, nil
}

func (a *app) openQueues(ctx context.Context) (pipeline, resize queue.Queue, err error) {
	qc := a.cfg.Queue
	switch qc.Backend {
	case "redis":
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     qc.RedisAddr,
			Password: qc.RedisPassword,
			DB:       qc.RedisDB,
		})
		consumer := qc.Consumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		p, err := queue.NewRedisQueue(ctx, a.redisClient, qc.PipelineQueue, qc.Group, consumer)
		if err != nil {
			return nil, nil, err
		}
		r, err := queue.NewRedisQueue(ctx, a.redisClient, qc.ResizeQueue, qc.Group, consumer)
		if err != nil {
			return nil, nil, err
		}
		return p, r, nil

	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(qc.Region))
		if err != nil {
			return nil, nil, errors.Wrap(err, "load aws config")
		}
		client := sqs.NewFromConfig(awsCfg)
		p, err := queue.NewSQSQueue(ctx, client, qc.PipelineQueue)
		if err != nil {
			return nil, nil, err
		}
		r, err := queue.NewSQSQueue(ctx, client, qc.ResizeQueue)
		if err != nil {
			return nil, nil, err
		}
		return p, r, nil
	}
}

func newMarketplace(ctx context.Context, cfg *config.Config, logger *zap.Logger) (providers.Marketplace, error) {
	mc := cfg.Marketplace
	switch mc.Provider {
	case "ec2":
		return aws.NewClient(ctx, aws.Options{
			Region:          mc.Region,
			SubnetID:        mc.SubnetID,
			SecurityGroupID: mc.SecurityGroupID,
			RunnerPort:      cfg.Runner.Port,
		}, logger.Named("ec2"))
	default:
		return vastai.NewClient(mc.BaseURL, mc.APIKey,
			vastai.WithRateLimit(mc.RateLimit, mc.Burst),
			vastai.WithLogger(logger.Named("vastai"))), nil
	}
}

// Close releases connections opened by newApp
func (a *app) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
