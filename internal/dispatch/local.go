package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// LocalQueue is an in-process Queue backed by a buffered channel. It is
// the dispatch path when no broker is configured and the degradation
// target when a broker publish fails.
type LocalQueue struct {
	tasks chan Task

	mu     sync.RWMutex
	closed bool
}

func NewLocalQueue(capacity int) *LocalQueue {
	if capacity <= 0 {
		capacity = 128
	}
	return &LocalQueue{tasks: make(chan Task, capacity)}
}

func (q *LocalQueue) newTask(jobID string) Task {
	return Task{
		JobID: jobID,
		Ack:   func() {},
		Nack: func(requeue bool) {
			if requeue {
				q.requeue(jobID)
			}
		},
	}
}

func (q *LocalQueue) Publish(ctx context.Context, jobID string) error {
	// The read lock excludes Close for the duration of the send, so the
	// channel cannot be closed under a blocked sender.
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	select {
	case q.tasks <- q.newTask(jobID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishLocal is Publish; the local queue only has an in-process side.
func (q *LocalQueue) PublishLocal(ctx context.Context, jobID string) error {
	return q.Publish(ctx, jobID)
}

// requeue re-enqueues a nacked task without blocking. Deliveries are
// dropped when the queue is closed or full.
func (q *LocalQueue) requeue(jobID string) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.tasks <- q.newTask(jobID):
	default:
	}
}

func (q *LocalQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	return nil
}

// Degrading wraps a primary queue and falls back to the local queue when
// a publish fails, so accepted jobs still reach a dispatcher in-process.
type Degrading struct {
	primary Queue
	local   *LocalQueue
	onFall  func(jobID string, err error)
}

func NewDegrading(primary Queue, local *LocalQueue, onFall func(jobID string, err error)) *Degrading {
	if onFall == nil {
		onFall = func(string, error) {}
	}
	return &Degrading{primary: primary, local: local, onFall: onFall}
}

func (d *Degrading) Publish(ctx context.Context, jobID string) error {
	if err := d.primary.Publish(ctx, jobID); err != nil {
		d.onFall(jobID, err)
		return d.local.Publish(ctx, jobID)
	}
	return nil
}

// PublishLocal enqueues straight onto the local side, skipping the
// primary even when it is healthy.
func (d *Degrading) PublishLocal(ctx context.Context, jobID string) error {
	return d.local.Publish(ctx, jobID)
}

// Tasks returns the local stream; the primary's consumers run in the
// dispatcher process, not here.
func (d *Degrading) Tasks() <-chan Task {
	return d.local.Tasks()
}

func (d *Degrading) Close() error {
	err := d.primary.Close()
	if localErr := d.local.Close(); localErr != nil && err == nil {
		err = localErr
	}
	return err
}
