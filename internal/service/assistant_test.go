package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"intent-service/internal/artifact"
	"intent-service/internal/events"
	"intent-service/internal/models"
	"intent-service/internal/predictor"
	"intent-service/internal/repository"
	"intent-service/internal/router"
	"intent-service/internal/trainer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const (
	testTimeout = 30 * time.Second
	testTick    = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastOptions() trainer.Options {
	opts := trainer.DefaultOptions()
	opts.MaxLen = 8
	opts.EmbeddingDim = 8
	opts.RecurrentUnits = []int{8, 6, 4}
	opts.DenseUnits = 8
	opts.Fit.Epochs = 3
	opts.Fit.BatchSize = 8
	opts.Fit.LearningRate = 0.01
	opts.Fit.Workers = 2
	opts.SeedCorpus = trainer.SeedNone
	return opts
}

// gatedStore holds training reads until gate is closed.
type gatedStore struct {
	*repository.Repository
	gate chan struct{}
}

func (s *gatedStore) All(ctx context.Context) ([]models.Interaction, error) {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Repository.All(ctx)
}

// backingStore is what both the assistant and the trainer read and write.
type backingStore interface {
	Store
	trainer.Store
}

var _ backingStore = (*gatedStore)(nil)

type fixture struct {
	assistant *Assistant
	repo      *repository.Repository
	logger    *InteractionLogger
	queue     *events.Queue
	seen      []events.Event
}

func newFixture(t *testing.T, wrap func(*repository.Repository) backingStore) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.Open(repository.TypeSQLite, filepath.Join(dir, "interactions.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := repository.NewRepository(db, 1, zap.NewNop())
	var store backingStore = repo
	if wrap != nil {
		store = wrap(repo)
	}
	arts, err := artifact.NewStore(filepath.Join(dir, "artifacts"), 2, zap.NewNop())
	require.NoError(t, err)

	tr := trainer.New(store, arts, fastOptions(), nil, zap.NewNop())
	p := predictor.New(arts, 0.7, nil, zap.NewNop())
	q := events.NewQueue(64, zap.NewNop())
	il := NewInteractionLogger(store, 16, nil, zap.NewNop())

	a := NewAssistant(context.Background(), store, router.New(), il, tr, p, q, Options{}, zap.NewNop())
	t.Cleanup(a.Close)
	return &fixture{assistant: a, repo: repo, logger: il, queue: q}
}

func (f *fixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.repo.Append(context.Background(), &models.Interaction{
			InputText: fmt.Sprintf("qué hora es %d", i), CommandType: models.CommandTime, Confidence: 1,
		}))
		require.NoError(t, f.repo.Append(context.Background(), &models.Interaction{
			InputText: fmt.Sprintf("clima de hoy %d", i), CommandType: models.CommandWeather, Confidence: 1,
		}))
	}
}

// waitEvent returns the first event of kind, keeping everything drained
// along the way for later calls.
func (f *fixture) waitEvent(t *testing.T, kind events.Kind) events.Event {
	t.Helper()
	find := func() *events.Event {
		for i, e := range f.seen {
			if e.Kind == kind {
				f.seen = append(f.seen[:i:i], f.seen[i+1:]...)
				return &e
			}
		}
		return nil
	}
	var got *events.Event
	require.Eventually(t, func() bool {
		f.queue.Drain(func(e events.Event) { f.seen = append(f.seen, e) })
		got = find()
		return got != nil
	}, testTimeout, testTick)
	return *got
}

func TestProcessCommandRoutesAndLogsInBackground(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.logger.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	res, err := f.assistant.ProcessCommand("  ¿Qué hora es?  ")
	require.NoError(t, err)
	assert.Equal(t, models.CommandTime, res.CommandType)
	assert.Equal(t, "¿Qué hora es?", res.Input)
	assert.Nil(t, res.Advice, "no classifier has been trained")

	ev := f.waitEvent(t, events.KindResponse)
	assert.Equal(t, res, ev.Payload)

	require.Eventually(t, func() bool {
		all, err := f.repo.All(context.Background())
		return err == nil && len(all) == 1
	}, testTimeout, testTick)
	all, _ := f.repo.All(context.Background())
	assert.Equal(t, models.CommandTime, all[0].CommandType)
	assert.Equal(t, res.Response, all[0].ResponseText)

	_, err = f.assistant.ProcessCommand("   ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTrainingRequestFromUtterance(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, 10)

	res, err := f.assistant.ProcessCommand("entrena el modelo")
	require.NoError(t, err)
	require.NotNil(t, res.TrainingRun)

	started := f.waitEvent(t, events.KindTrainingStarted)
	assert.Equal(t, res.TrainingRun.ID, started.Payload.(*models.TrainingRun).ID)

	ev := f.waitEvent(t, events.KindTrainingFinished)
	outcome := ev.Payload.(*TrainingOutcome)
	require.Empty(t, outcome.Error)
	assert.Equal(t, models.StateDone, outcome.Run.State)
	assert.NotEmpty(t, outcome.Recommendations)
	assert.NotEmpty(t, f.assistant.Predictor().Version())

	stored, err := f.assistant.Run(context.Background(), res.TrainingRun.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, stored.State)

	// The request itself is not logged as training data.
	assert.Zero(t, f.logger.Pending())

	// Routing stays with the keyword router once a classifier exists.
	res, err = f.assistant.ProcessCommand("busca recetas")
	require.NoError(t, err)
	assert.Equal(t, models.CommandSearch, res.CommandType)
}

func TestSecondTrainingRequestIsRejected(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, func(r *repository.Repository) backingStore {
		return &gatedStore{Repository: r, gate: gate}
	})
	f.seed(t, 5)

	first, err := f.assistant.ProcessCommand("entrena el modelo")
	require.NoError(t, err)
	require.NotNil(t, first.TrainingRun)

	second, err := f.assistant.ProcessCommand("aprende de nuevo")
	require.NoError(t, err)
	assert.Nil(t, second.TrainingRun)
	assert.Equal(t, "Ya hay un entrenamiento en curso", second.Response)

	_, err = f.assistant.StartTraining("api")
	assert.ErrorIs(t, err, trainer.ErrTrainingInProgress)

	close(gate)
	ev := f.waitEvent(t, events.KindTrainingFinished)
	assert.Equal(t, first.TrainingRun.ID, ev.Payload.(*TrainingOutcome).Run.ID)
}

func TestFailedTrainingIsReported(t *testing.T) {
	f := newFixture(t, nil)
	// A single label is a degenerate corpus.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.repo.Append(context.Background(), &models.Interaction{
			InputText: fmt.Sprintf("hola %d", i), CommandType: models.CommandChat,
		}))
	}

	_, err := f.assistant.StartTraining("test")
	require.NoError(t, err)
	ev := f.waitEvent(t, events.KindTrainingFinished)
	outcome := ev.Payload.(*TrainingOutcome)
	assert.NotEmpty(t, outcome.Error)
	assert.Equal(t, models.StateFailed, outcome.Run.State)
	assert.Empty(t, f.assistant.Predictor().Version())
}

func TestLogInteractionSurfacesErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	in, err := f.assistant.LogInteraction(ctx, &models.InteractionRequest{
		InputText: "pon música", ResponseText: "ok", CommandType: "MUSIC", Confidence: 0.5,
	})
	require.NoError(t, err)
	assert.NotZero(t, in.ID)
	assert.Equal(t, models.CommandMusic, in.CommandType)

	_, err = f.assistant.LogInteraction(ctx, &models.InteractionRequest{InputText: "x", CommandType: "dance"})
	var invalid *models.InvalidCommandTypeError
	assert.True(t, errors.As(err, &invalid))

	_, err = f.assistant.LogInteraction(ctx, &models.InteractionRequest{InputText: "x", Confidence: 2})
	assert.Error(t, err)

	stats, err := f.assistant.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalInteractions)
}

func TestPredictWithoutClassifier(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.assistant.Predict("hola")
	assert.ErrorIs(t, err, artifact.ErrNotTrained)
	_, err = f.assistant.Predict(" ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	recs, err := f.assistant.Recommendations(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.RecommendationNoData, recs[0].Kind)
}
