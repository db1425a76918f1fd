// Package scheduler starts training runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"intent-service/internal/models"
	"intent-service/internal/trainer"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger is the scheduler's name on the training runs it starts.
const Trigger = "schedule"

// Starter starts a background training run.
type Starter interface {
	StartTraining(trigger string) (*models.TrainingRun, error)
}

// Scheduler periodically asks the starter for a training run. A tick that
// finds a run in flight is skipped.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	spec    string
	logger  *zap.Logger
}

// New parses spec (standard cron or descriptors like "@every 24h").
func New(spec string, starter Starter, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		spec:    spec,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid training schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Training scheduler started", zap.String("schedule", s.spec))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Training scheduler stopped")
}

func (s *Scheduler) tick() {
	run, err := s.starter.StartTraining(Trigger)
	switch {
	case errors.Is(err, trainer.ErrTrainingInProgress):
		s.logger.Info("Scheduled training skipped, a run is in progress")
	case err != nil:
		s.logger.Error("Failed to start scheduled training", zap.Error(err))
	default:
		s.logger.Info("Scheduled training started", zap.String("run_id", run.ID))
	}
}
