// Package app assembles the service from configuration. Both binaries
// build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"intent-service/internal/artifact"
	"intent-service/internal/config"
	"intent-service/internal/events"
	"intent-service/internal/logging"
	"intent-service/internal/metrics"
	"intent-service/internal/nn"
	"intent-service/internal/predictor"
	"intent-service/internal/repository"
	"intent-service/internal/router"
	"intent-service/internal/service"
	"intent-service/internal/trainer"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *sqlx.DB
	Repo         *repository.Repository
	Artifacts    *artifact.Store
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Trainer      *trainer.Trainer
	Predictor    *predictor.Predictor
	Interactions *service.InteractionLogger
	Assistant    *service.Assistant
}

// New loads the config at configPath and wires everything. ctx bounds
// background training runs.
func New(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	return Build(ctx, cfg, logger)
}

// Build wires the components for cfg.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg.Database.Type == repository.TypeSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := repository.Open(cfg.Database.Type, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	repo := repository.NewRepository(db, cfg.InteractionLog.MaxRetries, logger)

	arts, err := artifact.NewStore(cfg.Artifacts.Dir, cfg.Artifacts.Keep, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	queue := events.NewQueue(cfg.EventQueueSize, logger)

	opts := cfg.TrainerOptions()
	opts.Fit.OnEpoch = func(s nn.EpochStats) {
		queue.Post(events.KindTrainingProgress, s)
	}
	tr := trainer.New(repo, arts, opts, m, logger)

	pred := predictor.New(arts, cfg.Advisory.ConfidenceThreshold, m, logger)
	if err := pred.Reload(); err != nil && !errors.Is(err, artifact.ErrNotTrained) {
		logger.Warn("Published classifier could not be loaded", zap.Error(err))
	}

	il := service.NewInteractionLogger(repo, cfg.InteractionLog.QueueSize, m, logger)
	assistant := service.NewAssistant(ctx, repo, router.New(), il, tr, pred, queue, service.Options{
		RecentLimit:     cfg.Stats.RecentLimit,
		Recommendations: cfg.InsightsOptions(),
	}, logger)

	return &App{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Repo:         repo,
		Artifacts:    arts,
		Registry:     reg,
		Metrics:      m,
		Trainer:      tr,
		Predictor:    pred,
		Interactions: il,
		Assistant:    assistant,
	}, nil
}

// Close releases the database and flushes the logger.
func (a *App) Close() {
	a.Assistant.Close()
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
