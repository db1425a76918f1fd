package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"intent-service/internal/models"
	"intent-service/internal/trainer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStarter struct {
	mu       sync.Mutex
	triggers []string
	err      error
}

func (f *fakeStarter) StartTraining(trigger string) (*models.TrainingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, trigger)
	if f.err != nil {
		return nil, f.err
	}
	return &models.TrainingRun{ID: "run", Trigger: trigger}, nil
}

func (f *fakeStarter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New("every day", &fakeStarter{}, zap.NewNop())
	assert.Error(t, err)
}

func TestTickSkipsWhileTraining(t *testing.T) {
	for _, err := range []error{nil, trainer.ErrTrainingInProgress, errors.New("boom")} {
		starter := &fakeStarter{err: err}
		s, nerr := New("@every 24h", starter, zap.NewNop())
		require.NoError(t, nerr)
		s.tick()
		assert.Equal(t, []string{Trigger}, starter.triggers)
	}
}

func TestRunFiresOnSchedule(t *testing.T) {
	starter := &fakeStarter{}
	s, err := New("@every 1s", starter, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return starter.calls() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	<-done
}
