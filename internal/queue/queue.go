// Package queue serializes generation jobs: one runs at a time, highest
// priority first, FIFO among equals.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/modelchat/internal/logging"
	"go.uber.org/zap"
)

// Item is one queued job.
type Item struct {
	SessionID  string
	Priority   int
	EnqueuedAt time.Time

	// Execute runs the job. ctx is cancelled by Clear.
	Execute func(ctx context.Context) error
	// Abort is called when the job is dropped from the queue, or cleared
	// while running.
	Abort func()
}

// Queue runs items one at a time on a single drain goroutine that exists
// only while there is work.
type Queue struct {
	logger *zap.Logger

	mu        sync.Mutex
	items     []*Item
	running   *Item
	runCancel context.CancelFunc
	draining  bool
	idle      chan struct{} // closed while nothing is queued or running
}

// New creates an idle queue.
func New(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{logger: logger, idle: idle}
}

// Enqueue adds item and starts draining if the queue was idle.
func (q *Queue) Enqueue(item Item) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, &item)
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
	q.logger.Debug("Job enqueued",
		zap.String("session_id", item.SessionID),
		zap.Int("priority", item.Priority),
		zap.Int("queued", len(q.items)))

	if !q.draining {
		q.draining = true
		q.idle = make(chan struct{})
		go q.drain()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.running = item
		q.runCancel = cancel
		q.mu.Unlock()

		q.run(ctx, item)
		cancel()

		q.mu.Lock()
		q.running = nil
		q.runCancel = nil
		q.mu.Unlock()
	}
}

// run executes one item; its failure never stops the drain loop.
func (q *Queue) run(ctx context.Context, item *Item) {
	log := q.logger.With(zap.String("session_id", item.SessionID))
	defer func() {
		if r := recover(); r != nil {
			logging.Error(log, "Queued job panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	if item.Execute == nil {
		return
	}
	if err := item.Execute(ctx); err != nil {
		logging.Error(log, "Queued job failed", err)
	}
}

// Dequeue drops the first not-yet-started item for sessionID and aborts it.
// It reports whether one was found.
func (q *Queue) Dequeue(sessionID string) bool {
	q.mu.Lock()
	var found *Item
	for i, it := range q.items {
		if it.SessionID == sessionID {
			found = it
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if found == nil {
		return false
	}
	q.logger.Debug("Job dequeued", zap.String("session_id", sessionID))
	if found.Abort != nil {
		found.Abort()
	}
	return true
}

// Clear aborts every queued item and the running one, and empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	running := q.running
	cancel := q.runCancel
	q.mu.Unlock()

	for _, it := range items {
		if it.Abort != nil {
			it.Abort()
		}
	}
	if running != nil {
		if running.Abort != nil {
			running.Abort()
		}
		cancel()
	}
	q.logger.Info("Queue cleared", zap.Int("dropped", len(items)), zap.Bool("running_aborted", running != nil))
}

// Len returns the number of items waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Busy reports whether an item is running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running != nil
}

// Wait blocks until the queue is idle or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
