package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rachitjindal56/mini-studio/internal/backend"
	"github.com/rachitjindal56/mini-studio/internal/cache"
	"github.com/rachitjindal56/mini-studio/internal/dispatch"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDurable is a minimal in-memory DurableStore for orchestrator tests.
type memDurable struct {
	mu      sync.Mutex
	down    bool
	jobs    map[string]domain.Job
	clients map[string]domain.ClientConfig
}

func newMemDurable() *memDurable {
	return &memDurable{
		jobs:    make(map[string]domain.Job),
		clients: make(map[string]domain.ClientConfig),
	}
}

func (m *memDurable) setDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

func (m *memDurable) check() error {
	if m.down {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (m *memDurable) InsertJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.jobs[job.JobID]; ok {
		return domain.ErrDuplicateJob
	}
	m.jobs[job.JobID] = *job
	return nil
}

func (m *memDurable) UpdateJob(_ context.Context, jobID string, mut store.JobMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.State.Terminal() || !mut.UpdatedAt.After(job.UpdatedAt) {
		return nil
	}
	job.State = mut.State
	if mut.ExecutionID != "" {
		job.ExecutionID = mut.ExecutionID
	}
	if mut.ErrorDetail != "" {
		job.ErrorDetail = mut.ErrorDetail
	}
	job.UpdatedAt = mut.UpdatedAt
	m.jobs[jobID] = job
	return nil
}

func (m *memDurable) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &job, nil
}

func (m *memDurable) ListJobsByClient(_ context.Context, clientCode string) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []domain.Job
	for _, j := range m.jobs {
		if j.ClientCode == clientCode {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memDurable) ListJobsByState(_ context.Context, state domain.JobState) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []domain.Job
	for _, j := range m.jobs {
		if j.State == state {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memDurable) UpsertRoute(context.Context, *domain.RoutingEntry) error { return nil }
func (m *memDurable) GetRoute(context.Context, string, string) (*domain.RoutingEntry, error) {
	return nil, domain.ErrNotFound
}

func (m *memDurable) GetClientConfig(_ context.Context, clientCode string) (*domain.ClientConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	cfg, ok := m.clients[clientCode]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &cfg, nil
}

func (m *memDurable) InsertDataset(context.Context, *domain.Dataset) error { return nil }
func (m *memDurable) FindDataset(context.Context, string, string) (*domain.Dataset, error) {
	return nil, domain.ErrNotFound
}

// scriptedAdapter lets each test script the backend's behavior.
type scriptedAdapter struct {
	mu        sync.Mutex
	submitID  string
	submitErr error
	statuses  map[string]backend.ExecStatus
	submitted []backend.SubmitSpec
}

func (a *scriptedAdapter) Probe(context.Context) error { return nil }

func (a *scriptedAdapter) Submit(_ context.Context, spec backend.SubmitSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, spec)
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return a.submitID, nil
}

func (a *scriptedAdapter) PollStatus(_ context.Context, executionID string) (backend.ExecStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	status, ok := a.statuses[executionID]
	if !ok {
		return backend.ExecStatus{}, domain.ErrNotFound
	}
	return status, nil
}

func (a *scriptedAdapter) ClusterResources(context.Context) (backend.ResourceSnapshot, error) {
	return backend.ResourceSnapshot{TotalGPUs: 8, AvailableGPUs: 8, NodeCount: 1}, nil
}

// recordingQueue tracks which publish path Submit picked while
// delegating delivery to a real in-process queue.
type recordingQueue struct {
	*dispatch.LocalQueue

	mu     sync.Mutex
	broker []string
	local  []string
}

func (q *recordingQueue) Publish(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.broker = append(q.broker, jobID)
	q.mu.Unlock()
	return q.LocalQueue.Publish(ctx, jobID)
}

func (q *recordingQueue) PublishLocal(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.local = append(q.local, jobID)
	q.mu.Unlock()
	return q.LocalQueue.Publish(ctx, jobID)
}

type fixture struct {
	orch    *Orchestrator
	adapter *scriptedAdapter
	queue   *recordingQueue
	durable *memDurable
	dataset string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	dataset := filepath.Join(dir, "train.jsonl")
	require.NoError(t, os.WriteFile(dataset, make([]byte, 2048), 0o644))

	durable := newMemDurable()
	log := logger.NewNop()
	jobs := store.NewJobStore(durable, log)
	resolver := store.NewDatasetResolver(durable)
	adapter := &scriptedAdapter{
		submitID: "raysubmit_test",
		statuses: map[string]backend.ExecStatus{},
	}
	queue := &recordingQueue{LocalQueue: dispatch.NewLocalQueue(16)}
	t.Cleanup(func() { _ = queue.Close() })

	clients := cache.NewTTL(time.Minute, func(ctx context.Context, key string) (domain.ClientConfig, error) {
		cfg, err := durable.GetClientConfig(ctx, key)
		if err != nil {
			return domain.ClientConfig{}, err
		}
		return *cfg, nil
	})

	orch := New(Config{
		Concurrency:     2,
		PollInterval:    5 * time.Millisecond,
		DispatchTimeout: time.Second,
		EntrypointPath:  "train.py",
	}, jobs, resolver, adapter, queue, clients, log)

	return &fixture{orch: orch, adapter: adapter, queue: queue, durable: durable, dataset: dataset}
}

func (f *fixture) submit(t *testing.T, req SubmitRequest) *domain.Job {
	t.Helper()
	if req.ClientCode == "" {
		req.ClientCode = "acme"
	}
	if req.ModelName == "" {
		req.ModelName = "llama-7b"
	}
	if req.Params == (domain.Hyperparameters{}) {
		req.Params = domain.Hyperparameters{NEpochs: 3, BatchSize: 8, LearningRateMultiplier: 0.1}
	}
	if req.DatasetRef == (domain.DatasetRef{}) {
		req.DatasetRef = domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: f.dataset}
	}
	job, err := f.orch.Submit(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestOrchestrator_SubmitAcceptsJob(t *testing.T) {
	f := newFixture(t)

	job := f.submit(t, SubmitRequest{})
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, domain.JobStatePending, job.State)
	assert.Equal(t, 1, job.Estimate.GPUCount)
	assert.Equal(t, 48, job.Estimate.MemoryGB)
	assert.Equal(t, int64(2048), job.DatasetSizeBytes)

	// The job is on the dispatch queue.
	select {
	case task := <-f.queue.Tasks():
		assert.Equal(t, job.JobID, task.JobID)
	default:
		t.Fatal("expected a dispatch task")
	}
}

func TestOrchestrator_SubmitRejectsInvalidSpec(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Params:     domain.Hyperparameters{NEpochs: 0, BatchSize: 8, LearningRateMultiplier: 0.1},
		DatasetRef: domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: f.dataset},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	_, err = f.orch.Submit(context.Background(), SubmitRequest{
		ModelName:  "llama-7b",
		Params:     domain.Hyperparameters{NEpochs: 3, BatchSize: 8, LearningRateMultiplier: 0.1},
		DatasetRef: domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: f.dataset},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec, "missing client_code")
}

func TestOrchestrator_SubmitRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)

	job := f.submit(t, SubmitRequest{JobID: "11111111-1111-1111-1111-111111111111"})

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		JobID:      job.JobID,
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Params:     domain.Hyperparameters{NEpochs: 3, BatchSize: 8, LearningRateMultiplier: 0.1},
		DatasetRef: domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: f.dataset},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateJob)
}

func TestOrchestrator_SubmitUsesClientDefaults(t *testing.T) {
	f := newFixture(t)
	f.durable.clients["acme"] = domain.ClientConfig{
		ClientCode:   "acme",
		DefaultModel: "llama-13b",
	}

	job, err := f.orch.Submit(context.Background(), SubmitRequest{
		ClientCode: "acme",
		Params:     domain.Hyperparameters{NEpochs: 3, BatchSize: 8, LearningRateMultiplier: 0.1},
		DatasetRef: domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: f.dataset},
	})
	require.NoError(t, err)
	assert.Equal(t, "llama-13b", job.ModelName)
}

func TestOrchestrator_ConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	f.durable.clients["acme"] = domain.ClientConfig{
		ClientCode:        "acme",
		MaxConcurrentJobs: 1,
	}

	f.submit(t, SubmitRequest{})

	_, err := f.orch.Submit(context.Background(), SubmitRequest{
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Params:     domain.Hyperparameters{NEpochs: 3, BatchSize: 8, LearningRateMultiplier: 0.1},
		DatasetRef: domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: f.dataset},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestOrchestrator_DispatchRunsJob(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})

	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, got.State)
	assert.Equal(t, "raysubmit_test", got.ExecutionID)

	require.Len(t, f.adapter.submitted, 1)
	spec := f.adapter.submitted[0]
	assert.Contains(t, spec.Entrypoint, "python train.py")
	assert.Contains(t, spec.Entrypoint, "--model_name llama-7b")
	assert.Contains(t, spec.Entrypoint, "--job_id "+job.JobID)
	assert.Equal(t, 1, spec.GPUCount)
	assert.Equal(t, job.JobID, spec.Metadata["job_id"])
}

func TestOrchestrator_DispatchRedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})

	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))

	assert.Len(t, f.adapter.submitted, 1, "redelivery must not resubmit")
}

func TestOrchestrator_DispatchRetriesAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})

	f.adapter.submitErr = errors.New("submit response was malformed")
	require.Error(t, f.orch.Dispatch(context.Background(), job.JobID))

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStateDispatching, got.State)
	require.Empty(t, got.ExecutionID)

	// The redelivered task must finish the dispatch.
	f.adapter.submitErr = nil
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))

	got, err = f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, got.State)
	assert.Equal(t, "raysubmit_test", got.ExecutionID)
	assert.Len(t, f.adapter.submitted, 2)
}

func TestOrchestrator_MemoryOnlyJobsDispatchInProcess(t *testing.T) {
	f := newFixture(t)

	f.durable.setDown(true)
	job := f.submit(t, SubmitRequest{})

	// A broker consumer in another process could never load this job, so
	// it must stay on the in-process queue.
	assert.Equal(t, []string{job.JobID}, f.queue.local)
	assert.Empty(t, f.queue.broker)

	f.durable.setDown(false)
	durableJob := f.submit(t, SubmitRequest{})
	assert.Equal(t, []string{durableJob.JobID}, f.queue.broker)
	assert.Equal(t, []string{job.JobID}, f.queue.local)
}

func TestOrchestrator_DispatchHardRejectionFailsJob(t *testing.T) {
	f := newFixture(t)
	f.adapter.submitErr = &domain.SubmissionRejectedError{Detail: "bad entrypoint"}

	job := f.submit(t, SubmitRequest{})
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Contains(t, got.ErrorDetail, "bad entrypoint")
}

func TestOrchestrator_DispatchUnknownJob(t *testing.T) {
	f := newFixture(t)
	err := f.orch.Dispatch(context.Background(), "44444444-4444-4444-4444-444444444444")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_RefreshStatusTransitions(t *testing.T) {
	cases := []struct {
		name       string
		execStatus backend.ExecStatus
		wantState  domain.JobState
	}{
		{"still running", backend.ExecStatus{State: backend.ExecRunning}, domain.JobStateRunning},
		{"queued counts as running", backend.ExecStatus{State: backend.ExecQueued}, domain.JobStateRunning},
		{"succeeded", backend.ExecStatus{State: backend.ExecSucceeded}, domain.JobStateSucceeded},
		{"failed", backend.ExecStatus{State: backend.ExecFailed, Detail: "OOM"}, domain.JobStateFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			job := f.submit(t, SubmitRequest{})
			require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))
			f.adapter.statuses["raysubmit_test"] = tc.execStatus

			got, err := f.orch.Get(context.Background(), job.JobID)
			require.NoError(t, err)
			require.NoError(t, f.orch.RefreshStatus(context.Background(), got))
			assert.Equal(t, tc.wantState, got.State)

			if tc.execStatus.Detail != "" && tc.wantState == domain.JobStateFailed {
				assert.Equal(t, "OOM", got.ErrorDetail)
			}
		})
	}
}

func TestOrchestrator_RefreshStatusVanishedExecution(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))
	delete(f.adapter.statuses, "raysubmit_test")

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	require.NoError(t, f.orch.RefreshStatus(context.Background(), got))
	assert.Equal(t, domain.JobStateFailed, got.State)
}

func TestOrchestrator_TerminalJobsNeverRepolled(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))
	f.adapter.statuses["raysubmit_test"] = backend.ExecStatus{State: backend.ExecSucceeded}

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	require.NoError(t, f.orch.RefreshStatus(context.Background(), got))
	require.Equal(t, domain.JobStateSucceeded, got.State)

	// A later backend flap cannot resurrect the job.
	f.adapter.statuses["raysubmit_test"] = backend.ExecStatus{State: backend.ExecFailed}
	require.NoError(t, f.orch.RefreshStatus(context.Background(), got))
	assert.Equal(t, domain.JobStateSucceeded, got.State)
}

func TestOrchestrator_MarkFailed(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))

	require.NoError(t, f.orch.MarkFailed(context.Background(), job.JobID, "operator abort"))

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailed, got.State)
	assert.Equal(t, "operator abort", got.ErrorDetail)
}

func TestOrchestrator_MarkFailedOnSucceededRejected(t *testing.T) {
	f := newFixture(t)
	job := f.submit(t, SubmitRequest{})
	require.NoError(t, f.orch.Dispatch(context.Background(), job.JobID))
	f.adapter.statuses["raysubmit_test"] = backend.ExecStatus{State: backend.ExecSucceeded}

	got, err := f.orch.Get(context.Background(), job.JobID)
	require.NoError(t, err)
	require.NoError(t, f.orch.RefreshStatus(context.Background(), got))

	err = f.orch.MarkFailed(context.Background(), job.JobID, "too late")
	assert.Error(t, err)
}

func TestOrchestrator_RunDrivesQueue(t *testing.T) {
	f := newFixture(t)
	f.adapter.statuses["raysubmit_test"] = backend.ExecStatus{State: backend.ExecRunning}
	job := f.submit(t, SubmitRequest{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.orch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := f.orch.Get(context.Background(), job.JobID)
		return err == nil && got.State == domain.JobStateRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
