package service

import (
	"context"
	"sync/atomic"
	"time"

	"intent-service/internal/metrics"
	"intent-service/internal/models"

	"go.uber.org/zap"
)

// Appender persists one interaction.
type Appender interface {
	Append(ctx context.Context, in *models.Interaction) error
}

// InteractionLogger writes interactions from the command path through a
// bounded queue so that logging never blocks or fails a command.
type InteractionLogger struct {
	store   Appender
	queue   chan models.Interaction
	dropped atomic.Int64
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewInteractionLogger creates a logger with room for size pending writes.
func NewInteractionLogger(store Appender, size int, m *metrics.Metrics, logger *zap.Logger) *InteractionLogger {
	if size < 1 {
		size = 1
	}
	return &InteractionLogger{
		store:   store,
		queue:   make(chan models.Interaction, size),
		metrics: m,
		logger:  logger,
	}
}

// Log enqueues in without blocking. A full queue drops the interaction.
func (l *InteractionLogger) Log(in models.Interaction) bool {
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	select {
	case l.queue <- in:
		return true
	default:
		l.dropped.Add(1)
		l.metrics.InteractionDropped()
		l.logger.Warn("Interaction queue full, dropping interaction",
			zap.String("command_type", string(in.CommandType)))
		return false
	}
}

// Dropped is the number of interactions lost to a full queue.
func (l *InteractionLogger) Dropped() int64 { return l.dropped.Load() }

// Pending is the number of queued writes.
func (l *InteractionLogger) Pending() int { return len(l.queue) }

// Run writes queued interactions until ctx is done, then flushes what is
// still queued.
func (l *InteractionLogger) Run(ctx context.Context) {
	l.logger.Info("Interaction logger started")
	for {
		select {
		case <-ctx.Done():
			l.flush()
			l.logger.Info("Interaction logger stopped", zap.Int64("dropped", l.Dropped()))
			return
		case in := <-l.queue:
			l.write(ctx, in)
		}
	}
}

func (l *InteractionLogger) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case in := <-l.queue:
			l.write(ctx, in)
		default:
			return
		}
	}
}

// write swallows store failures: the command that produced in has already
// been answered.
func (l *InteractionLogger) write(ctx context.Context, in models.Interaction) {
	err := l.store.Append(ctx, &in)
	l.metrics.InteractionLogged(err)
	if err != nil {
		l.logger.Error("Failed to log interaction", zap.Error(err))
		return
	}
	l.logger.Debug("Interaction logged",
		zap.Int64("id", in.ID),
		zap.String("command_type", string(in.CommandType)))
}
