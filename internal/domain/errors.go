package domain

import "errors"

var (
	// ErrInvalidSpec is returned for out-of-range or missing job fields.
	// Never retried.
	ErrInvalidSpec = errors.New("invalid job specification")

	// ErrDuplicateJob is returned when a job identifier already exists.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrNotFound is returned when an entity is unknown to the durable
	// store and to the in-memory fallback.
	ErrNotFound = errors.New("not found")

	// ErrNoRoute is returned when neither a client-scoped nor a global
	// routing entry exists for a model.
	ErrNoRoute = errors.New("no route for model")

	// ErrClusterUnavailable marks the execution cluster as unreachable.
	// This is an expected condition that triggers the local fallback path,
	// never a hard error at the orchestrator boundary.
	ErrClusterUnavailable = errors.New("execution cluster unavailable")

	// ErrBackendUnreachable is surfaced to inference callers when the
	// serving endpoint cannot be reached. Retry policy is theirs.
	ErrBackendUnreachable = errors.New("inference backend unreachable")

	// ErrStoreUnavailable marks the durable store as unreachable. Writes
	// and reads degrade to the in-memory fallback.
	ErrStoreUnavailable = errors.New("durable store unavailable")
)

// SubmissionRejectedError is a hard rejection from the execution backend,
// as opposed to unreachability. It fails the job instead of falling back.
type SubmissionRejectedError struct {
	Detail string
}

func (e *SubmissionRejectedError) Error() string {
	return "backend rejected submission: " + e.Detail
}
