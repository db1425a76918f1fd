package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"intent-service/internal/artifact"
	"intent-service/internal/models"
	"intent-service/internal/nn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu   sync.Mutex
	rows []models.Interaction
	runs map[string]models.TrainingRun
	gate chan struct{}
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]models.TrainingRun)}
}

func (s *memStore) add(ct models.CommandType, texts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, text := range texts {
		s.rows = append(s.rows, models.Interaction{
			ID: int64(len(s.rows) + 1), InputText: text, CommandType: ct, Confidence: 1,
		})
	}
}

func (s *memStore) All(ctx context.Context) ([]models.Interaction, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Interaction(nil), s.rows...), nil
}

func (s *memStore) SaveRun(_ context.Context, run *models.TrainingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) UpdateRun(_ context.Context, run *models.TrainingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) run(id string) models.TrainingRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

type failingSaver struct{}

func (failingSaver) Save(*artifact.Bundle) (*artifact.Manifest, error) {
	return nil, errors.New("disk full")
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.MaxLen = 8
	opts.EmbeddingDim = 8
	opts.RecurrentUnits = []int{8, 6, 4}
	opts.DenseUnits = 8
	opts.RecurrentDropout = 0.1
	opts.DenseDropout = 0.1
	opts.Fit.Epochs = 4
	opts.Fit.BatchSize = 8
	opts.Fit.LearningRate = 0.01
	opts.Fit.Workers = 2
	return opts
}

func newTestTrainer(t *testing.T, store Store, opts Options) (*Trainer, *artifact.Store) {
	t.Helper()
	arts, err := artifact.NewStore(filepath.Join(t.TempDir(), "artifacts"), 3, zap.NewNop())
	require.NoError(t, err)
	return New(store, arts, opts, nil, zap.NewNop()), arts
}

func twoClassStore(n int) *memStore {
	s := newMemStore()
	for i := 0; i < n; i++ {
		s.add(models.CommandTime, fmt.Sprintf("qué hora es %d", i))
		s.add(models.CommandMusic, fmt.Sprintf("pon música número %d", i))
	}
	return s
}

func TestOneExamplePerClassIsDataError(t *testing.T) {
	store := newMemStore()
	store.add(models.CommandTime, "¿qué hora es?")
	store.add(models.CommandWeather, "dime el clima")
	tr, arts := newTestTrainer(t, store, fastOptions())

	run, err := tr.Run(context.Background(), "test")
	var dataErr *DataError
	require.True(t, errors.As(err, &dataErr), "got %v", err)
	require.NotNil(t, run)
	assert.Equal(t, models.StateFailed, run.State)

	_, err = arts.Load()
	assert.ErrorIs(t, err, artifact.ErrNotTrained)
}

func TestSingleLabelIsDataError(t *testing.T) {
	store := newMemStore()
	store.add(models.CommandTime, "qué hora es", "dime la hora", "hora actual")
	tr, _ := newTestTrainer(t, store, fastOptions())

	_, err := tr.Run(context.Background(), "test")
	var dataErr *DataError
	assert.True(t, errors.As(err, &dataErr))
}

func TestEmptyLogWithoutSeedIsDataError(t *testing.T) {
	opts := fastOptions()
	opts.SeedCorpus = SeedNone
	tr, _ := newTestTrainer(t, newMemStore(), opts)

	_, err := tr.Run(context.Background(), "test")
	var dataErr *DataError
	assert.True(t, errors.As(err, &dataErr))

	opts.SeedCorpus = filepath.Join(t.TempDir(), "missing.yaml")
	tr, _ = newTestTrainer(t, newMemStore(), opts)
	_, err = tr.Run(context.Background(), "test")
	assert.True(t, errors.As(err, &dataErr))
}

func TestEmptyLogUsesSeedCorpus(t *testing.T) {
	store := newMemStore()
	tr, arts := newTestTrainer(t, store, fastOptions())

	run, err := tr.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, run.UsedSeedCorpus)
	assert.Equal(t, models.StateDone, run.State)
	assert.Equal(t, 60, run.SampleCount)

	b, err := arts.Load()
	require.NoError(t, err)
	assert.True(t, b.Manifest.UsedSeedCorpus)
	assert.Equal(t, len(models.KnownCommandTypes), b.Labels.Len())
	assert.True(t, store.run(run.ID).UsedSeedCorpus)
}

func TestRunProducesReportAndArtifacts(t *testing.T) {
	store := twoClassStore(10)
	store.add(models.CommandUnknown, "ruido", "más ruido")
	tr, arts := newTestTrainer(t, store, fastOptions())

	run, err := tr.Run(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, run.State)
	assert.False(t, run.UsedSeedCorpus)
	assert.Equal(t, 2, run.ExcludedUnknown)
	assert.Equal(t, 20, run.SampleCount)
	assert.Equal(t, 16, run.TrainCount)
	assert.Equal(t, 4, run.ValidationCount)
	require.NotEmpty(t, run.ArtifactVersion)
	require.NotNil(t, run.FinishedAt)

	report := run.Report
	require.NotNil(t, report)
	assert.Equal(t, []models.CommandType{models.CommandTime, models.CommandMusic}, report.ClassNames)
	require.Len(t, report.ConfusionMatrix, 2)
	// Row sums are the per-class validation counts.
	for i, row := range report.ConfusionMatrix {
		sum := 0
		for _, v := range row {
			sum += v
		}
		assert.Equal(t, 2, sum, "row %d", i)
		assert.Equal(t, 2, report.Classes[i].Support)
	}
	assert.NotEmpty(t, report.Epochs)
	assert.Equal(t, map[models.CommandType]int{models.CommandTime: 10, models.CommandMusic: 10}, report.CommandDistribution)
	assert.LessOrEqual(t, len(report.TopWords), 15)
	assert.Equal(t, 10, report.InputLengths[models.CommandTime].Count)

	var states []models.TrainingState
	for _, tr := range report.Transitions {
		states = append(states, tr.State)
	}
	assert.Equal(t, []models.TrainingState{
		models.StateIdle, models.StateLoading, models.StatePreprocessing, models.StateTraining,
		models.StateEvaluating, models.StatePersisting, models.StateDone,
	}, states)

	current, err := arts.Current()
	require.NoError(t, err)
	assert.Equal(t, run.ArtifactVersion, current)

	stored := store.run(run.ID)
	assert.Equal(t, models.StateDone, stored.State)
	assert.NotNil(t, stored.Report)
}

func TestSecondRunIsRejectedWhileOneIsInFlight(t *testing.T) {
	store := twoClassStore(5)
	store.gate = make(chan struct{})
	tr, _ := newTestTrainer(t, store, fastOptions())

	done := make(chan error, 1)
	first, err := tr.StartAsync(context.Background(), "async", func(_ *models.TrainingRun, err error) { done <- err })
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.True(t, tr.InProgress())

	_, err = tr.Run(context.Background(), "sync")
	assert.ErrorIs(t, err, ErrTrainingInProgress)
	_, err = tr.StartAsync(context.Background(), "async", nil)
	assert.ErrorIs(t, err, ErrTrainingInProgress)

	close(store.gate)
	require.NoError(t, <-done)
	tr.Wait()
	assert.False(t, tr.InProgress())

	_, err = tr.Run(context.Background(), "again")
	assert.NoError(t, err)
}

func TestCancelledRunLeavesArtifactsUntouched(t *testing.T) {
	store := twoClassStore(8)
	opts := fastOptions()
	tr, arts := newTestTrainer(t, store, opts)

	good, err := tr.Run(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts.Fit.Epochs = 50
	opts.Fit.OnEpoch = func(s nn.EpochStats) {
		if s.Epoch == 1 {
			cancel()
		}
	}
	tr2 := New(store, arts, opts, nil, zap.NewNop())

	run, err := tr2.Run(ctx, "second")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Equal(t, models.StateCancelled, run.State)

	current, err := arts.Current()
	require.NoError(t, err)
	assert.Equal(t, good.ArtifactVersion, current)
}

func TestCancelStopsInFlightRun(t *testing.T) {
	store := twoClassStore(5)
	store.gate = make(chan struct{})
	tr, _ := newTestTrainer(t, store, fastOptions())

	done := make(chan *models.TrainingRun, 1)
	_, err := tr.StartAsync(context.Background(), "async", func(r *models.TrainingRun, _ error) { done <- r })
	require.NoError(t, err)

	assert.Eventually(t, tr.Cancel, testTimeout, testTick)
	run := <-done
	assert.Equal(t, models.StateCancelled, run.State)
	tr.Wait()
	assert.False(t, tr.Cancel())
}

func TestFailedPersistKeepsPreviousArtifacts(t *testing.T) {
	store := twoClassStore(8)
	tr, arts := newTestTrainer(t, store, fastOptions())
	good, err := tr.Run(context.Background(), "first")
	require.NoError(t, err)

	broken := New(store, failingSaver{}, fastOptions(), nil, zap.NewNop())
	run, err := broken.Run(context.Background(), "second")
	var failure *TrainingFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, models.StatePersisting, failure.Stage)
	assert.Equal(t, models.StateFailed, run.State)
	assert.NotNil(t, run.Report)

	current, err := arts.Current()
	require.NoError(t, err)
	assert.Equal(t, good.ArtifactVersion, current)
	_, err = arts.Load()
	assert.NoError(t, err)
}

func TestSeedCorpusFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("examples:\n  time: [\"qué hora es\", \"la hora\"]\n  chat: [\"hola\", \"qué tal\"]\n"), 0o644))

	examples, err := LoadSeedCorpus(path)
	require.NoError(t, err)
	assert.Equal(t, []Example{
		{Text: "qué hora es", Label: models.CommandTime},
		{Text: "la hora", Label: models.CommandTime},
		{Text: "hola", Label: models.CommandChat},
		{Text: "qué tal", Label: models.CommandChat},
	}, examples)

	require.NoError(t, os.WriteFile(path, []byte("examples:\n  karaoke: [\"canta\"]\n"), 0o644))
	_, err = LoadSeedCorpus(path)
	assert.Error(t, err)

	none, err := LoadSeedCorpus(SeedNone)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBuiltinSeedCorpusCoversEveryType(t *testing.T) {
	examples, err := LoadSeedCorpus(SeedBuiltin)
	require.NoError(t, err)
	counts := make(map[models.CommandType]int)
	for _, ex := range examples {
		counts[ex.Label]++
	}
	for _, ct := range models.KnownCommandTypes {
		assert.GreaterOrEqual(t, counts[ct], 2, "type %s", ct)
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(models.StateIdle, models.StateLoading))
	assert.True(t, canTransition(models.StateTraining, models.StateFailed))
	assert.True(t, canTransition(models.StatePreprocessing, models.StateCancelled))
	assert.False(t, canTransition(models.StateLoading, models.StateTraining))
	assert.False(t, canTransition(models.StateDone, models.StateFailed))
	assert.False(t, canTransition(models.StateFailed, models.StateLoading))
}
