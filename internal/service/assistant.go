// Package service ties the router, the interaction log, the trainer and the
// predictor together behind one explicit context object.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"intent-service/internal/events"
	"intent-service/internal/insights"
	"intent-service/internal/models"
	"intent-service/internal/predictor"
	"intent-service/internal/router"
	"intent-service/internal/trainer"

	"go.uber.org/zap"
)

// ErrEmptyInput is returned for blank utterances.
var ErrEmptyInput = errors.New("input text is empty")

// Store is the interaction store as the assistant uses it.
type Store interface {
	Appender
	All(ctx context.Context) ([]models.Interaction, error)
	List(ctx context.Context, limit, offset int) ([]models.Interaction, error)
	Stats(ctx context.Context, recent int) (*models.InteractionStats, error)
	GetRun(ctx context.Context, id string) (*models.TrainingRun, error)
	ListRuns(ctx context.Context, limit int) ([]models.TrainingRun, error)
}

// Router decides how an utterance is handled.
type Router interface {
	Route(text string) router.Decision
}

// CommandResult is the outcome of one processed utterance.
type CommandResult struct {
	Input       string              `json:"input"`
	CommandType models.CommandType  `json:"command_type"`
	Response    string              `json:"response"`
	Advice      *models.Prediction  `json:"advice,omitempty"`
	TrainingRun *models.TrainingRun `json:"training_run,omitempty"`
}

// TrainingOutcome is posted when a background run ends.
type TrainingOutcome struct {
	Run             *models.TrainingRun     `json:"run"`
	Error           string                  `json:"error,omitempty"`
	Recommendations []models.Recommendation `json:"recommendations,omitempty"`
}

// Options tune the assistant.
type Options struct {
	RecentLimit     int
	Recommendations insights.Options
}

// Assistant is the context object shared by every entry point. It owns no
// user-facing state: results go to the event queue.
type Assistant struct {
	store        Store
	router       Router
	interactions *InteractionLogger
	trainer      *trainer.Trainer
	predictor    *predictor.Predictor
	events       *events.Queue
	opts         Options
	logger       *zap.Logger

	// runCtx bounds background training runs.
	runCtx context.Context
}

// NewAssistant wires the components. runCtx bounds background training and
// should live as long as the process.
func NewAssistant(
	runCtx context.Context,
	store Store,
	r Router,
	interactions *InteractionLogger,
	t *trainer.Trainer,
	p *predictor.Predictor,
	q *events.Queue,
	opts Options,
	logger *zap.Logger,
) *Assistant {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	return &Assistant{
		store:        store,
		router:       r,
		interactions: interactions,
		trainer:      t,
		predictor:    p,
		events:       q,
		opts:         opts,
		logger:       logger,
		runCtx:       runCtx,
	}
}

// Events is the queue results are posted to.
func (a *Assistant) Events() *events.Queue { return a.events }

// Predictor is the advisory classifier.
func (a *Assistant) Predictor() *predictor.Predictor { return a.predictor }

// Trainer is the training orchestrator.
func (a *Assistant) Trainer() *trainer.Trainer { return a.trainer }

// ProcessCommand routes text, logs the interaction in the background and
// attaches the classifier's advice when it is confident. The advice never
// changes the routed command type.
func (a *Assistant) ProcessCommand(text string) (*CommandResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	decision := a.router.Route(text)
	result := &CommandResult{
		Input:       text,
		CommandType: decision.CommandType,
		Response:    decision.Response,
	}

	if decision.TrainingRequested {
		run, err := a.StartTraining("voice")
		switch {
		case errors.Is(err, trainer.ErrTrainingInProgress):
			result.Response = "Ya hay un entrenamiento en curso"
		case err != nil:
			result.Response = "No se pudo iniciar el entrenamiento"
		default:
			result.TrainingRun = run
		}
	}

	var confidence float64
	if pred := a.predictor.PredictType(text); pred != nil {
		confidence = pred.Confidence
		if pred.Confidence > a.predictor.Threshold() {
			result.Advice = pred
		}
		if pred.Label != decision.CommandType {
			a.logger.Debug("Classifier disagrees with router",
				zap.String("router", string(decision.CommandType)),
				zap.String("classifier", string(pred.Label)),
				zap.Float64("confidence", pred.Confidence))
		}
	}

	// Training requests steer the assistant itself and are not training data.
	if !decision.TrainingRequested {
		a.interactions.Log(models.Interaction{
			InputText:    text,
			ResponseText: result.Response,
			CommandType:  decision.CommandType,
			Timestamp:    time.Now().UTC(),
			Confidence:   confidence,
		})
	}

	a.events.Post(events.KindResponse, result)
	if result.Advice != nil {
		a.events.Post(events.KindAdvice, result.Advice)
	}
	return result, nil
}

// LogInteraction appends an interaction and waits for the write, surfacing
// store failures.
func (a *Assistant) LogInteraction(ctx context.Context, req *models.InteractionRequest) (*models.Interaction, error) {
	ct, err := models.ParseCommandType(req.CommandType)
	if err != nil {
		return nil, err
	}
	in := &models.Interaction{
		InputText:    req.InputText,
		ResponseText: req.ResponseText,
		CommandType:  ct,
		Timestamp:    time.Now().UTC(),
		Confidence:   req.Confidence,
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.Append(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// StartTraining starts a background run. When it ends, a TrainingOutcome
// with fresh recommendations is posted and the predictor reloads.
func (a *Assistant) StartTraining(trigger string) (*models.TrainingRun, error) {
	run, err := a.trainer.StartAsync(a.runCtx, trigger, a.trainingFinished)
	if err != nil {
		return nil, err
	}
	a.events.Post(events.KindTrainingStarted, run)
	return run, nil
}

func (a *Assistant) trainingFinished(run *models.TrainingRun, err error) {
	outcome := &TrainingOutcome{Run: run}
	if err != nil {
		outcome.Error = err.Error()
	} else if rerr := a.predictor.Reload(); rerr != nil {
		a.logger.Warn("Failed to load new classifier", zap.Error(rerr))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.runCtx), 10*time.Second)
	defer cancel()
	recs, rerr := a.Recommendations(ctx)
	if rerr != nil {
		a.logger.Warn("Failed to compute recommendations", zap.Error(rerr))
	}
	outcome.Recommendations = recs
	a.events.Post(events.KindTrainingFinished, outcome)
}

// CancelTraining stops the in-flight run, if any.
func (a *Assistant) CancelTraining() bool { return a.trainer.Cancel() }

// Predict classifies text, reporting why no prediction is available.
func (a *Assistant) Predict(text string) (*models.Prediction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	return a.predictor.Classify(text)
}

// Stats summarizes the interaction log.
func (a *Assistant) Stats(ctx context.Context) (*models.InteractionStats, error) {
	stats, err := a.store.Stats(ctx, a.opts.RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// Recommendations returns training data suggestions over the current log.
func (a *Assistant) Recommendations(ctx context.Context) ([]models.Recommendation, error) {
	return insights.Recommend(ctx, a.store, a.opts.Recommendations)
}

// Interactions pages through the log, newest first.
func (a *Assistant) Interactions(ctx context.Context, limit, offset int) ([]models.Interaction, error) {
	return a.store.List(ctx, limit, offset)
}

// AllInteractions returns the whole log.
func (a *Assistant) AllInteractions(ctx context.Context) ([]models.Interaction, error) {
	return a.store.All(ctx)
}

// Runs lists recent training runs, newest first.
func (a *Assistant) Runs(ctx context.Context, limit int) ([]models.TrainingRun, error) {
	return a.store.ListRuns(ctx, limit)
}

// Run returns one training run. The in-flight run is served from memory.
func (a *Assistant) Run(ctx context.Context, id string) (*models.TrainingRun, error) {
	if cur := a.trainer.Current(); cur != nil && cur.ID == id {
		return cur, nil
	}
	return a.store.GetRun(ctx, id)
}

// Close cancels a running training run and waits for background work.
func (a *Assistant) Close() {
	a.trainer.Cancel()
	a.trainer.Wait()
}
