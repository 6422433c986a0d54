package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrQueueClosed = errors.New("job queue closed")

// JobQueue delivers evaluation ids to the worker. Delivery is at least once;
// the claim step makes duplicates harmless.
type JobQueue interface {
	Enqueue(ctx context.Context, id uuid.UUID, delay time.Duration) error
	Dequeue(ctx context.Context) (uuid.UUID, error)
	Close() error
}

type memoryQueue struct {
	mu      sync.Mutex
	items   []uuid.UUID
	queued  map[uuid.UUID]struct{}
	timers  map[*time.Timer]struct{}
	notify  chan struct{}
	closed  chan struct{}
	closeMu sync.Once
}

// NewMemoryQueue returns a process-local queue. Ids already waiting are not
// queued twice.
func NewMemoryQueue() JobQueue {
	return &memoryQueue{
		queued: make(map[uuid.UUID]struct{}),
		timers: make(map[*time.Timer]struct{}),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue implements JobQueue.
func (q *memoryQueue) Enqueue(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	if delay <= 0 {
		q.push(id)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.push(id)
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *memoryQueue) push(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.closed:
		return
	default:
	}
	if _, ok := q.queued[id]; ok {
		return
	}
	q.queued[id] = struct{}{}
	q.items = append(q.items, id)
	q.signal()
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue implements JobQueue. It blocks until an id is ready, ctx is done
// or the queue is closed.
func (q *memoryQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			delete(q.queued, id)
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case <-q.closed:
			return uuid.Nil, ErrQueueClosed
		}
	}
}

// Close implements JobQueue. Pending delayed deliveries are dropped.
func (q *memoryQueue) Close() error {
	q.closeMu.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		close(q.closed)
		for t := range q.timers {
			t.Stop()
		}
		q.timers = map[*time.Timer]struct{}{}
	})
	return nil
}
