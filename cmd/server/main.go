package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lora-orchestrator/api/rest/routes"
	"lora-orchestrator/config"
	"lora-orchestrator/logging"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lora-orchestrator",
		Short:         "Runs the LoRA training pipeline on rented GPUs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("LORA_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the API and run the dispatcher, resize worker and reaper",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, serve)
			},
		},
		&cobra.Command{
			Use:   "reap",
			Short: "Run one reaper sweep and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, reapOnce)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context(), configPath)
			},
		},
	)
	return root
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func withApp(ctx context.Context, configPath string, fn func(context.Context, *app) error) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func migrate(ctx context.Context, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}

func reapOnce(ctx context.Context, a *app) error {
	report, err := a.reaper.Sweep(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("sweep finished",
		zap.Int("live", report.Live),
		zap.Int("unknown", report.Unknown),
		zap.Int("terminal", report.Terminal),
		zap.Int("errored", report.Errored),
		zap.Int("stalled", report.Stalled),
		zap.Int("vanished", report.Vanished),
		zap.Int("failures", report.Failures))
	return nil
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.dispatcher.Start(ctx)
	go a.resizer.Start(ctx)
	go a.reaper.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, a.runHandler, a.spendHandler, a.metrics.Handler())

	server := &http.Server{
		Addr:              ":" + a.cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", zap.String("port", a.cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		a.logger.Error("server failed", zap.Error(serveErr))
	}

	a.logger.Info("shutting down server")
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", zap.Error(err))
		if serveErr == nil {
			serveErr = err
		}
	}

	// batches in flight finish and record their outcome before ctx goes
	a.dispatcher.Stop()
	a.resizer.Stop()
	cancel()
	a.logger.Info("server exited")
	return serveErr
}
