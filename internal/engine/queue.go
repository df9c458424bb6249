package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksred/klear-trader/internal/broker"
)

var (
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Queue is the bounded, non-blocking hand-off between broker push goroutines
// and the loop. Only the loop drains it, so ledger and store writes stay on
// one goroutine.
type Queue struct {
	mu     sync.RWMutex
	ch     chan broker.Notification
	closed bool
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan broker.Notification, capacity)}
}

// TryPublish enqueues without blocking
func (q *Queue) TryPublish(n broker.Notification) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain returns everything queued right now, up to max when max > 0
func (q *Queue) Drain(max int) []broker.Notification {
	var out []broker.Notification
	for max <= 0 || len(out) < max {
		select {
		case n, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
	return out
}

func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new notifications. Queued items can
// still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Forward copies src into the queue until ctx is done or src closes. A full
// queue drops the notification; the next poll delivers the same data.
func (q *Queue) Forward(ctx context.Context, src <-chan broker.Notification, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-src:
			if !ok {
				return
			}
			if err := q.TryPublish(n); err != nil {
				logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification dropped")
				if errors.Is(err, ErrQueueClosed) {
					return
				}
			}
		}
	}
}
