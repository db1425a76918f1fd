// Package events is the single-consumer queue between background work and
// the foreground loop that owns user-facing state.
package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Kind names what happened.
type Kind string

const (
	KindInput            Kind = "input"
	KindResponse         Kind = "response"
	KindAdvice           Kind = "advice"
	KindTrainingStarted  Kind = "training_started"
	KindTrainingProgress Kind = "training_progress"
	KindTrainingFinished Kind = "training_finished"
	KindNotice           Kind = "notice"
)

// Event is one message posted to the foreground loop.
type Event struct {
	Kind    Kind
	Payload any
	At      time.Time
}

// Handler applies an event. It runs only on the consumer goroutine.
type Handler func(Event)

// Queue is a bounded multi-producer, single-consumer queue.
type Queue struct {
	ch      chan Event
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewQueue creates a queue holding up to size pending events.
func NewQueue(size int, logger *zap.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{ch: make(chan Event, size), logger: logger}
}

// Post enqueues without blocking. It returns false and counts a drop when
// the queue is full.
func (q *Queue) Post(kind Kind, payload any) bool {
	select {
	case q.ch <- Event{Kind: kind, Payload: payload, At: time.Now()}:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("Event queue full, dropping event", zap.String("kind", string(kind)))
		return false
	}
}

// Dropped is the number of events rejected by Post.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Len is the number of pending events.
func (q *Queue) Len() int { return len(q.ch) }

// Run applies events in posting order until ctx is done, then applies
// whatever is still pending.
func (q *Queue) Run(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			q.Drain(h)
			return
		case e := <-q.ch:
			h(e)
		}
	}
}

// Drain applies pending events without waiting for new ones and returns
// how many it applied.
func (q *Queue) Drain(h Handler) int {
	n := 0
	for {
		select {
		case e := <-q.ch:
			h(e)
			n++
		default:
			return n
		}
	}
}
