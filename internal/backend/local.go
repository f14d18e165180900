package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rachitjindal56/mini-studio/internal/domain"
)

// LocalRunner simulates workload execution in-process. Each submission
// "runs" for a fixed duration and then succeeds. Execution IDs carry a
// local- prefix so operators can tell simulated runs from cluster runs.
type LocalRunner struct {
	runDuration time.Duration
	now         func() time.Time

	mu   sync.Mutex
	runs map[string]time.Time
}

func NewLocalRunner(runDuration time.Duration) *LocalRunner {
	if runDuration <= 0 {
		runDuration = 30 * time.Second
	}
	return &LocalRunner{
		runDuration: runDuration,
		now:         time.Now,
		runs:        make(map[string]time.Time),
	}
}

// Probe always succeeds; the local runner is the floor of availability.
func (r *LocalRunner) Probe(_ context.Context) error {
	return nil
}

func (r *LocalRunner) Submit(_ context.Context, spec SubmitSpec) (string, error) {
	if spec.Entrypoint == "" {
		return "", &domain.SubmissionRejectedError{Detail: "empty entrypoint"}
	}

	id := "local-" + uuid.NewString()
	r.mu.Lock()
	r.runs[id] = r.now()
	r.mu.Unlock()

	return id, nil
}

func (r *LocalRunner) PollStatus(_ context.Context, executionID string) (ExecStatus, error) {
	r.mu.Lock()
	started, ok := r.runs[executionID]
	r.mu.Unlock()

	if !ok {
		return ExecStatus{}, domain.ErrNotFound
	}

	if r.now().Sub(started) < r.runDuration {
		return ExecStatus{State: ExecRunning, Detail: "simulated run in progress"}, nil
	}
	return ExecStatus{State: ExecSucceeded, Detail: "simulated run complete"}, nil
}

// ClusterResources reports the sentinel local snapshot.
func (r *LocalRunner) ClusterResources(_ context.Context) (ResourceSnapshot, error) {
	return ResourceSnapshot{Local: true}, nil
}

// Fallback routes submissions to the primary adapter and degrades to the
// local runner when the primary is unreachable. Hard rejections from the
// primary are NOT retried locally; they indicate a bad submission.
type Fallback struct {
	primary Adapter
	local   *LocalRunner
}

func NewFallback(primary Adapter, local *LocalRunner) *Fallback {
	return &Fallback{primary: primary, local: local}
}

func (f *Fallback) Probe(ctx context.Context) error {
	return f.primary.Probe(ctx)
}

func (f *Fallback) Submit(ctx context.Context, spec SubmitSpec) (string, error) {
	id, err := f.primary.Submit(ctx, spec)
	if err == nil {
		return id, nil
	}
	if isUnavailable(err) {
		return f.local.Submit(ctx, spec)
	}
	return "", err
}

// PollStatus dispatches on the execution ID prefix: local runs never
// touch the cluster.
func (f *Fallback) PollStatus(ctx context.Context, executionID string) (ExecStatus, error) {
	if isLocalID(executionID) {
		return f.local.PollStatus(ctx, executionID)
	}
	return f.primary.PollStatus(ctx, executionID)
}

func (f *Fallback) ClusterResources(ctx context.Context) (ResourceSnapshot, error) {
	snapshot, err := f.primary.ClusterResources(ctx)
	if err == nil {
		return snapshot, nil
	}
	if isUnavailable(err) {
		return f.local.ClusterResources(ctx)
	}
	return ResourceSnapshot{}, err
}

func isLocalID(executionID string) bool {
	return strings.HasPrefix(executionID, "local-")
}

func isUnavailable(err error) bool {
	return errors.Is(err, domain.ErrClusterUnavailable)
}
