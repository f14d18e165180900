// Package dispatch carries accepted jobs from the API service to the
// dispatcher. The broker-backed queue is the normal path; an in-process
// queue keeps dispatch alive when the broker is down and in tests.
package dispatch

import "context"

// Task is one dispatch request pulled off a queue. Ack and Nack settle
// the delivery; both are safe to call on in-process tasks.
type Task struct {
	JobID string
	Ack   func()
	Nack  func(requeue bool)
}

// Queue hands job IDs from the accepting side to the dispatching side.
type Queue interface {
	// Publish enqueues a job for dispatch.
	Publish(ctx context.Context, jobID string) error
	// Tasks returns the stream of dispatch requests. The channel closes
	// when the queue shuts down.
	Tasks() <-chan Task
	// Close stops delivery.
	Close() error
}

// LocalPublisher is implemented by queues that can enqueue a task for
// this process's own workers, bypassing any broker. Used for jobs that
// only exist in local memory and so cannot be dispatched elsewhere.
type LocalPublisher interface {
	PublishLocal(ctx context.Context, jobID string) error
}
