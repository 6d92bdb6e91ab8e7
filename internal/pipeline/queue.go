package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/model"
)

// ErrQueueFull is returned by Schedule when the buffer has no room.
var ErrQueueFull = eris.New("pipeline: stage queue is full")

// ErrQueueStopped is returned by Schedule after Stop.
var ErrQueueStopped = eris.New("pipeline: stage queue is stopped")

// RunFunc executes one stage.
type RunFunc func(ctx context.Context, productID string, stage model.Stage) error

// Queue is an in-process Scheduler: a bounded buffer drained by a fixed
// pool of workers. A ref that is already queued is not queued twice.
type Queue struct {
	refs    chan model.PhaseRef
	workers int

	mu      sync.Mutex
	queued  map[model.PhaseRef]struct{}
	stopped bool

	wg sync.WaitGroup
}

// NewQueue creates a Queue holding up to size refs, drained by workers
// goroutines once started.
func NewQueue(size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		refs:    make(chan model.PhaseRef, size),
		workers: workers,
		queued:  map[model.PhaseRef]struct{}{},
	}
}

// Schedule enqueues ref without blocking.
func (q *Queue) Schedule(_ context.Context, ref model.PhaseRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}
	if _, dup := q.queued[ref]; dup {
		return nil
	}
	select {
	case q.refs <- ref:
		q.queued[ref] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Len reports how many refs are waiting.
func (q *Queue) Len() int {
	return len(q.refs)
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called. Stage errors are already recorded on the stage, so workers only
// log them.
func (q *Queue) Start(ctx context.Context, run RunFunc) {
	for i := range q.workers {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ref, ok := <-q.refs:
					if !ok {
						return
					}
					q.mu.Lock()
					delete(q.queued, ref)
					q.mu.Unlock()

					if err := run(ctx, ref.ProductID, ref.Stage); err != nil {
						zap.L().Debug("pipeline: queued stage ended with error",
							zap.Int("worker", id),
							zap.String("product_id", ref.ProductID),
							zap.Int("stage", int(ref.Stage)),
							zap.Error(err),
						)
					}
				}
			}
		}(i)
	}
	zap.L().Info("pipeline: stage queue started", zap.Int("workers", q.workers), zap.Int("capacity", cap(q.refs)))
}

// Stop refuses new refs, lets the workers drain what is queued, and waits
// for them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.refs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Wait blocks until every worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}
