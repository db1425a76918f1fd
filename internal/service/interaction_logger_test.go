package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"intent-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingAppender struct {
	mu   sync.Mutex
	got  []models.Interaction
	err  error
	hold chan struct{}
}

func (r *recordingAppender) Append(_ context.Context, in *models.Interaction) error {
	if r.hold != nil {
		<-r.hold
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	in.ID = int64(len(r.got) + 1)
	r.got = append(r.got, *in)
	return nil
}

func (r *recordingAppender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestInteractionLoggerDropsWhenFull(t *testing.T) {
	store := &recordingAppender{}
	l := NewInteractionLogger(store, 2, nil, zap.NewNop())

	assert.True(t, l.Log(models.Interaction{InputText: "a", CommandType: models.CommandChat}))
	assert.True(t, l.Log(models.Interaction{InputText: "b", CommandType: models.CommandChat}))
	assert.False(t, l.Log(models.Interaction{InputText: "c", CommandType: models.CommandChat}))
	assert.EqualValues(t, 1, l.Dropped())
	assert.Equal(t, 2, l.Pending())
}

func TestInteractionLoggerFlushesOnShutdown(t *testing.T) {
	store := &recordingAppender{}
	l := NewInteractionLogger(store, 8, nil, zap.NewNop())
	for _, text := range []string{"uno", "dos", "tres"} {
		require.True(t, l.Log(models.Interaction{InputText: text, CommandType: models.CommandChat}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx)

	require.Equal(t, 3, store.count())
	assert.Equal(t, "uno", store.got[0].InputText)
	assert.Equal(t, "tres", store.got[2].InputText)
	assert.False(t, store.got[0].Timestamp.IsZero())
}

func TestInteractionLoggerSwallowsStoreErrors(t *testing.T) {
	store := &recordingAppender{err: errors.New("disk full")}
	l := NewInteractionLogger(store, 4, nil, zap.NewNop())
	l.Log(models.Interaction{InputText: "hola", CommandType: models.CommandChat})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	assert.Eventually(t, func() bool { return l.Pending() == 0 }, testTimeout, testTick)
	cancel()
	<-done
	assert.Zero(t, store.count())
}
