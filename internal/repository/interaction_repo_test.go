package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"intent-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "interactions.db")
	db, err := Open(TypeSQLite, path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db, 2, zap.NewNop()), path
}

func appendN(t *testing.T, r *Repository, ct models.CommandType, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.Append(context.Background(), &models.Interaction{
			InputText:    fmt.Sprintf("%s %d", ct, i),
			ResponseText: "ok",
			CommandType:  ct,
			Confidence:   1,
		}))
	}
}

func TestAppendAndAllPreserveInsertionOrder(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	inputs := []models.Interaction{
		{InputText: "¿qué hora es?", ResponseText: "Son las 10", CommandType: models.CommandTime, Confidence: 1},
		{InputText: "clima en Madrid", ResponseText: "Soleado", CommandType: models.CommandWeather, Confidence: 0.8},
		{InputText: "hola", ResponseText: "¡Hola!", CommandType: models.CommandChat},
	}
	for i := range inputs {
		require.NoError(t, r.Append(ctx, &inputs[i]))
		assert.NotZero(t, inputs[i].ID)
	}

	all, err := r.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, got := range all {
		assert.Equal(t, inputs[i].ID, got.ID)
		assert.Equal(t, inputs[i].InputText, got.InputText)
		assert.Equal(t, inputs[i].ResponseText, got.ResponseText)
		assert.Equal(t, inputs[i].CommandType, got.CommandType)
		assert.InDelta(t, inputs[i].Confidence, got.Confidence, 1e-9)
		assert.WithinDuration(t, inputs[i].Timestamp, got.Timestamp, time.Second)
	}
	assert.Less(t, all[0].ID, all[1].ID)
}

func TestAppendRejectsInvalidInteraction(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	cases := []*models.Interaction{
		{InputText: "", CommandType: models.CommandTime},
		{InputText: "x", CommandType: "karaoke"},
		{InputText: "x", CommandType: models.CommandTime, Confidence: 1.5},
	}
	for _, in := range cases {
		err := r.Append(ctx, in)
		var swe *StoreWriteError
		assert.True(t, errors.As(err, &swe), "input %+v", in)
	}

	all, err := r.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAppendFailsOnClosedDatabase(t *testing.T) {
	r, _ := newTestRepo(t)
	require.NoError(t, r.DB().Close())

	err := r.Append(context.Background(), &models.Interaction{InputText: "hola", CommandType: models.CommandChat})
	var swe *StoreWriteError
	assert.True(t, errors.As(err, &swe))
}

func TestDataSurvivesReopen(t *testing.T) {
	r, path := newTestRepo(t)
	appendN(t, r, models.CommandNotes, 3)
	require.NoError(t, r.DB().Close())

	db, err := Open(TypeSQLite, path, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()
	reopened := NewRepository(db, 0, zap.NewNop())

	all, err := reopened.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStats(t *testing.T) {
	r, _ := newTestRepo(t)
	appendN(t, r, models.CommandTime, 4)
	appendN(t, r, models.CommandWeather, 2)
	appendN(t, r, models.CommandUnknown, 1)

	stats, err := r.Stats(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.TotalInteractions)
	assert.Equal(t, map[models.CommandType]int{
		models.CommandTime:    4,
		models.CommandWeather: 2,
		models.CommandUnknown: 1,
	}, stats.CommandTypes)
	require.Len(t, stats.RecentActivity, 3)
	assert.Equal(t, models.CommandUnknown, stats.RecentActivity[0].CommandType)
	assert.Equal(t, "weather 1", stats.RecentActivity[1].InputText)
	assert.Equal(t, []models.CommandType{models.CommandTime, models.CommandWeather, models.CommandUnknown}, stats.SortedCommandTypes())
}

func TestLegacyLabelsReadAsUnknown(t *testing.T) {
	r, _ := newTestRepo(t)
	_, err := r.DB().Exec(`INSERT INTO interactions (user_input, assistant_response, command_type, confidence) VALUES ('pon la radio', '', 'radio', 0.5)`)
	require.NoError(t, err)

	all, err := r.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.CommandUnknown, all[0].CommandType)

	stats, err := r.Stats(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CommandTypes[models.CommandUnknown])
}

func TestConcurrentAppendsWhileReading(t *testing.T) {
	r, _ := newTestRepo(t)
	appendN(t, r, models.CommandChat, 10)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, r.Append(context.Background(), &models.Interaction{
					InputText: fmt.Sprintf("w%d-%d", w, i), CommandType: models.CommandTasks,
				}))
			}
		}()
	}

	snapshot, err := r.All(context.Background())
	require.NoError(t, err)
	wg.Wait()

	assert.GreaterOrEqual(t, len(snapshot), 10)
	all, err := r.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 50)
}

func TestListPagesNewestFirst(t *testing.T) {
	r, _ := newTestRepo(t)
	appendN(t, r, models.CommandNews, 5)

	page, err := r.List(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "news 3", page[0].InputText)
	assert.Equal(t, "news 2", page[1].InputText)
}

func TestTrainingRunLifecycle(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	run := &models.TrainingRun{
		ID:        "2f1c8f0e-0000-4000-8000-000000000001",
		State:     models.StateLoading,
		Trigger:   "manual",
		StartedAt: time.Now(),
	}
	require.NoError(t, r.SaveRun(ctx, run))

	finished := time.Now()
	run.State = models.StateDone
	run.FinishedAt = &finished
	run.Accuracy = 0.875
	run.ArtifactVersion = "v1"
	run.UsedSeedCorpus = true
	run.Report = &models.TrainingReport{
		Accuracy:        0.875,
		ClassNames:      []models.CommandType{models.CommandTime, models.CommandWeather},
		ConfusionMatrix: [][]int{{3, 1}, {0, 4}},
	}
	require.NoError(t, r.UpdateRun(ctx, run))

	got, err := r.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
	assert.Equal(t, "manual", got.Trigger)
	assert.True(t, got.UsedSeedCorpus)
	require.NotNil(t, got.FinishedAt)
	require.NotNil(t, got.Report)
	assert.Equal(t, [][]int{{3, 1}, {0, 4}}, got.Report.ConfusionMatrix)

	runs, err := r.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Report)

	_, err = r.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, r.UpdateRun(ctx, &models.TrainingRun{ID: "missing"}), ErrRunNotFound)
}
