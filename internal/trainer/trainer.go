// Package trainer turns the interaction log into a published artifact
// triple: vocabulary, label encoder and classifier.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"intent-service/internal/artifact"
	"intent-service/internal/labels"
	"intent-service/internal/metrics"
	"intent-service/internal/models"
	"intent-service/internal/nn"
	"intent-service/internal/textproc"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Store is the data the trainer reads and the run records it writes.
type Store interface {
	All(ctx context.Context) ([]models.Interaction, error)
	SaveRun(ctx context.Context, run *models.TrainingRun) error
	UpdateRun(ctx context.Context, run *models.TrainingRun) error
}

// ArtifactSaver publishes a trained triple.
type ArtifactSaver interface {
	Save(b *artifact.Bundle) (*artifact.Manifest, error)
}

// Options are the training hyperparameters.
type Options struct {
	MaxVocabSize int
	MaxLen       int

	EmbeddingDim     int
	RecurrentUnits   []int
	RecurrentDropout float64
	DenseUnits       int
	DenseDropout     float64

	ValidationSplit float64
	Augment         Augmentation
	Fit             nn.FitOptions

	// SeedCorpus is "builtin", "none" or a YAML file path.
	SeedCorpus string
	TopWords   int
}

// DefaultOptions mirrors the reference architecture.
func DefaultOptions() Options {
	return Options{
		MaxVocabSize:     1000,
		MaxLen:           50,
		EmbeddingDim:     128,
		RecurrentUnits:   []int{128, 64, 32},
		RecurrentDropout: 0.2,
		DenseUnits:       64,
		DenseDropout:     0.3,
		ValidationSplit:  0.2,
		Augment:          DefaultAugmentation(),
		Fit: nn.FitOptions{
			Epochs:       50,
			BatchSize:    32,
			LearningRate: 0.001,
			Patience:     10,
			LRFactor:     0.5,
			LRPatience:   5,
			MinLR:        1e-7,
			ClipNorm:     5,
			Seed:         42,
		},
		SeedCorpus: SeedBuiltin,
		TopWords:   15,
	}
}

var transitions = map[models.TrainingState][]models.TrainingState{
	models.StateIdle:          {models.StateLoading},
	models.StateLoading:       {models.StatePreprocessing},
	models.StatePreprocessing: {models.StateTraining},
	models.StateTraining:      {models.StateEvaluating},
	models.StateEvaluating:    {models.StatePersisting},
	models.StatePersisting:    {models.StateDone},
}

func canTransition(from, to models.TrainingState) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StateFailed || to == models.StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Trainer runs at most one training run at a time.
type Trainer struct {
	store   Store
	saver   ArtifactSaver
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	active *runState
}

// New creates a trainer.
func New(store Store, saver ArtifactSaver, opts Options, m *metrics.Metrics, logger *zap.Logger) *Trainer {
	return &Trainer{
		store:   store,
		saver:   saver,
		opts:    opts,
		metrics: m,
		logger:  logger,
		sem:     semaphore.NewWeighted(1),
	}
}

// runState is the bookkeeping of the in-flight run.
type runState struct {
	run         *models.TrainingRun
	transitions []models.StateTransition
	cancel      context.CancelFunc
}

// Run trains synchronously. It returns ErrTrainingInProgress when another
// run holds the slot. The returned record is non-nil whenever a run started.
func (t *Trainer) Run(ctx context.Context, trigger string) (*models.TrainingRun, error) {
	if !t.sem.TryAcquire(1) {
		return nil, ErrTrainingInProgress
	}
	defer t.sem.Release(1)
	ctx, cancel := context.WithCancel(ctx)
	return t.execute(ctx, t.begin(trigger, cancel))
}

// StartAsync starts a run in the background and returns its initial record.
// ctx bounds the run and should outlive the caller's request. done, if not
// nil, is called from the background goroutine when the run ends.
func (t *Trainer) StartAsync(ctx context.Context, trigger string, done func(*models.TrainingRun, error)) (*models.TrainingRun, error) {
	if !t.sem.TryAcquire(1) {
		return nil, ErrTrainingInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	rs := t.begin(trigger, cancel)
	snapshot := *rs.run

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.sem.Release(1)
		run, err := t.execute(ctx, rs)
		if done != nil {
			done(run, err)
		}
	}()
	return &snapshot, nil
}

// Wait blocks until background runs have finished.
func (t *Trainer) Wait() { t.wg.Wait() }

// InProgress reports whether a run is in flight.
func (t *Trainer) InProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

// Current returns a copy of the in-flight run, or nil.
func (t *Trainer) Current() *models.TrainingRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return nil
	}
	run := *t.active.run
	return &run
}

// Cancel asks the in-flight run to stop at its next checkpoint.
func (t *Trainer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil || t.active.cancel == nil {
		return false
	}
	t.active.cancel()
	return true
}

func (t *Trainer) begin(trigger string, cancel context.CancelFunc) *runState {
	now := time.Now().UTC()
	rs := &runState{
		run: &models.TrainingRun{
			ID:        uuid.New().String(),
			State:     models.StateIdle,
			Trigger:   trigger,
			StartedAt: now,
		},
		transitions: []models.StateTransition{{State: models.StateIdle, EnteredAt: now}},
		cancel:      cancel,
	}
	t.mu.Lock()
	t.active = rs
	t.mu.Unlock()
	return rs
}

func (t *Trainer) enter(ctx context.Context, rs *runState, to models.TrainingState) {
	t.mu.Lock()
	from := rs.run.State
	if !canTransition(from, to) {
		t.mu.Unlock()
		panic(fmt.Sprintf("trainer: illegal transition %s -> %s", from, to))
	}
	rs.run.State = to
	rs.transitions = append(rs.transitions, models.StateTransition{State: to, EnteredAt: time.Now().UTC()})
	snapshot := *rs.run
	t.mu.Unlock()

	t.logger.Debug("Training state changed",
		zap.String("run_id", snapshot.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if to == models.StateLoading {
		if err := t.store.SaveRun(ctx, &snapshot); err != nil {
			t.logger.Warn("Failed to save training run", zap.String("run_id", snapshot.ID), zap.Error(err))
		}
		return
	}
	if err := t.store.UpdateRun(context.WithoutCancel(ctx), &snapshot); err != nil {
		t.logger.Warn("Failed to update training run", zap.String("run_id", snapshot.ID), zap.Error(err))
	}
}

func (t *Trainer) execute(ctx context.Context, rs *runState) (*models.TrainingRun, error) {
	defer rs.cancel()

	started := time.Now()
	t.metrics.TrainingStarted()
	t.logger.Info("Training run started", zap.String("run_id", rs.run.ID), zap.String("trigger", rs.run.Trigger))

	report, err := t.train(ctx, rs)

	final := models.StateDone
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		final = models.StateCancelled
	default:
		final = models.StateFailed
	}

	t.mu.Lock()
	if report != nil {
		report.Transitions = append(rs.transitions, models.StateTransition{State: final, EnteredAt: time.Now().UTC()})
		rs.run.Report = report
	}
	if err != nil {
		rs.run.ErrorMessage = err.Error()
	}
	finished := time.Now().UTC()
	rs.run.FinishedAt = &finished
	t.mu.Unlock()

	t.enter(ctx, rs, final)

	t.mu.Lock()
	run := *rs.run
	t.active = nil
	t.mu.Unlock()

	t.metrics.TrainingFinished(string(final), run.Accuracy, time.Since(started))
	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("state", string(final)),
		zap.Duration("took", time.Since(started)),
	}
	if err != nil {
		t.logger.Warn("Training run did not complete", append(fields, zap.Error(err))...)
		return &run, err
	}
	t.logger.Info("Training run completed", append(fields,
		zap.Float64("accuracy", run.Accuracy),
		zap.String("artifact_version", run.ArtifactVersion))...)
	return &run, nil
}

// train walks the state machine from Loading to Persisting. On error the
// report may be partial or nil.
func (t *Trainer) train(ctx context.Context, rs *runState) (*models.TrainingReport, error) {
	t.enter(ctx, rs, models.StateLoading)
	examples, excluded, usedSeed, err := t.load(ctx)
	t.mu.Lock()
	rs.run.ExcludedUnknown = excluded
	rs.run.UsedSeedCorpus = usedSeed
	rs.run.SampleCount = len(examples)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if usedSeed {
		t.logger.Warn("Interaction log is empty, training on the seed corpus", zap.String("run_id", rs.run.ID))
	}

	t.enter(ctx, rs, models.StatePreprocessing)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prep, err := t.preprocess(examples)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	rs.run.TrainCount = prep.trainSplit
	rs.run.ValidationCount = prep.val.Len()
	t.mu.Unlock()

	t.enter(ctx, rs, models.StateTraining)
	model, err := nn.New(nn.Config{
		VocabSize:        prep.vocab.Size(),
		MaxLen:           t.opts.MaxLen,
		EmbeddingDim:     t.opts.EmbeddingDim,
		RecurrentUnits:   t.opts.RecurrentUnits,
		RecurrentDropout: t.opts.RecurrentDropout,
		DenseUnits:       t.opts.DenseUnits,
		DenseDropout:     t.opts.DenseDropout,
		NumClasses:       prep.labels.Len(),
	}, t.opts.Fit.Seed)
	if err != nil {
		return nil, &TrainingFailure{Stage: models.StateTraining, Err: err}
	}
	fitOpts := t.opts.Fit
	userHook := fitOpts.OnEpoch
	fitOpts.OnEpoch = func(s nn.EpochStats) {
		t.logger.Debug("Epoch finished",
			zap.String("run_id", rs.run.ID),
			zap.Int("epoch", s.Epoch),
			zap.Float64("loss", s.Loss),
			zap.Float64("val_loss", s.ValLoss),
			zap.Float64("val_accuracy", s.ValAccuracy),
			zap.Float64("learning_rate", s.LearningRate))
		if userHook != nil {
			userHook(s)
		}
	}
	hist, err := model.Fit(ctx, prep.train, prep.val, fitOpts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TrainingFailure{Stage: models.StateTraining, Err: err}
	}
	if hist.BestEpoch < 1 || math.IsInf(hist.BestValLoss, 0) || math.IsNaN(hist.BestValLoss) {
		return nil, &TrainingFailure{Stage: models.StateTraining, Err: errors.New("no epoch produced a usable checkpoint")}
	}

	t.enter(ctx, rs, models.StateEvaluating)
	pred := make([]int, prep.val.Len())
	for i, x := range prep.val.X {
		pred[i], _ = nn.Argmax(model.Predict(x))
	}
	ev := evaluate(prep.val.Y, pred, prep.labels.Classes())
	dist, top, lengths, unique := corpusStats(examples, prep.cleaned, t.opts.TopWords)
	report := &models.TrainingReport{
		Accuracy:            ev.accuracy,
		ClassNames:          prep.labels.Classes(),
		ConfusionMatrix:     ev.confusion,
		Classes:             ev.classes,
		Epochs:              epochCurves(hist),
		BestEpoch:           hist.BestEpoch,
		StoppedEarly:        hist.StoppedEarly,
		CommandDistribution: dist,
		TopWords:            top,
		InputLengths:        lengths,
		UniqueWords:         unique,
		VocabularySize:      prep.vocab.Size(),
	}
	t.mu.Lock()
	rs.run.Accuracy = ev.accuracy
	t.mu.Unlock()

	t.enter(ctx, rs, models.StatePersisting)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	manifest, err := t.saver.Save(&artifact.Bundle{
		Manifest: artifact.Manifest{
			RunID:          rs.run.ID,
			Accuracy:       ev.accuracy,
			SampleCount:    len(examples),
			UsedSeedCorpus: rs.run.UsedSeedCorpus,
		},
		Vocabulary: prep.vocab,
		Labels:     prep.labels,
		Model:      model,
	})
	if err != nil {
		return report, &TrainingFailure{Stage: models.StatePersisting, Err: err}
	}
	t.mu.Lock()
	rs.run.ArtifactVersion = manifest.Version
	t.mu.Unlock()
	return report, nil
}

// load reads a point-in-time copy of the log, dropping rows the router did
// not classify. An empty log falls back to the seed corpus.
func (t *Trainer) load(ctx context.Context) ([]Example, int, bool, error) {
	rows, err := t.store.All(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, false, ctx.Err()
		}
		return nil, 0, false, &TrainingFailure{Stage: models.StateLoading, Err: err}
	}

	examples := make([]Example, 0, len(rows))
	excluded := 0
	for _, row := range rows {
		if row.CommandType == models.CommandUnknown || !row.CommandType.Valid() {
			excluded++
			continue
		}
		examples = append(examples, Example{Text: row.InputText, Label: row.CommandType})
	}
	if len(examples) > 0 {
		return examples, excluded, false, nil
	}

	seed, err := LoadSeedCorpus(t.opts.SeedCorpus)
	if err != nil {
		return nil, excluded, false, &DataError{Reason: fmt.Sprintf("no interactions logged and the seed corpus is unavailable: %v", err)}
	}
	if len(seed) == 0 {
		return nil, excluded, false, &DataError{Reason: "no interactions logged and no seed corpus configured"}
	}
	return seed, excluded, true, nil
}

type prepared struct {
	vocab   *textproc.Vocabulary
	labels  *labels.Encoder
	cleaned []string
	// trainSplit counts the training samples before augmentation.
	trainSplit int
	train      nn.Dataset
	val        nn.Dataset
}

func (t *Trainer) preprocess(examples []Example) (*prepared, error) {
	observed := make([]models.CommandType, len(examples))
	counts := make(map[models.CommandType]int)
	for i, ex := range examples {
		observed[i] = ex.Label
		counts[ex.Label]++
	}
	enc := labels.Fit(observed)
	if enc.Len() < 2 {
		return nil, &DataError{Reason: fmt.Sprintf("need at least 2 distinct command types, found %d", enc.Len())}
	}
	for _, c := range enc.Classes() {
		if counts[c] < 2 {
			return nil, &DataError{Reason: fmt.Sprintf(
				"command type %q has %d example(s); a stratified split needs at least 2 per type", c, counts[c])}
		}
	}

	cleaned := make([]string, len(examples))
	for i, ex := range examples {
		cleaned[i] = textproc.Clean(ex.Text)
	}
	vocab, err := textproc.Fit(cleaned, t.opts.MaxVocabSize, t.opts.MaxLen)
	if err != nil {
		return nil, &TrainingFailure{Stage: models.StatePreprocessing, Err: err}
	}

	x := vocab.EncodeAll(cleaned)
	y, err := enc.EncodeAll(observed)
	if err != nil {
		return nil, &TrainingFailure{Stage: models.StatePreprocessing, Err: err}
	}

	trainIdx, valIdx, err := stratifiedSplit(y, enc.Len(), t.opts.ValidationSplit, t.opts.Fit.Seed)
	if err != nil {
		return nil, &DataError{Reason: err.Error()}
	}

	p := &prepared{vocab: vocab, labels: enc, cleaned: cleaned}
	for _, i := range trainIdx {
		p.train.X = append(p.train.X, x[i])
		p.train.Y = append(p.train.Y, y[i])
	}
	for _, i := range valIdx {
		p.val.X = append(p.val.X, x[i])
		p.val.Y = append(p.val.Y, y[i])
	}
	p.trainSplit = p.train.Len()
	p.train = augment(p.train, vocab.MaxLen(), t.opts.Augment, t.opts.Fit.Seed)
	return p, nil
}
