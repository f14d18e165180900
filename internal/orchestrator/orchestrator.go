// Package orchestrator owns the fine-tuning job lifecycle: it accepts
// submissions, sizes them, hands them to the execution backend through
// the dispatch queue, and tracks them to a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rachitjindal56/mini-studio/internal/backend"
	"github.com/rachitjindal56/mini-studio/internal/cache"
	"github.com/rachitjindal56/mini-studio/internal/dispatch"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/estimator"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// Config tunes the dispatch workers and the status poller.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	DispatchTimeout time.Duration
	EntrypointPath  string
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.EntrypointPath == "" {
		c.EntrypointPath = "train.py"
	}
}

// SubmitRequest is one job submission. JobID is optional; when empty a
// new ID is minted, when set a replay of the same ID is rejected as a
// duplicate.
type SubmitRequest struct {
	JobID      string
	ClientCode string
	ModelName  string
	Params     domain.Hyperparameters
	DatasetRef domain.DatasetRef
}

// Orchestrator wires the store, estimator, dispatch queue, and backend
// adapter into the job state machine.
type Orchestrator struct {
	cfg      Config
	jobs     *store.JobStore
	resolver *store.DatasetResolver
	adapter  backend.Adapter
	queue    dispatch.Queue
	clients  *cache.TTL[domain.ClientConfig]
	log      *logger.Logger

	now   func() time.Time
	newID func() string
}

func New(
	cfg Config,
	jobs *store.JobStore,
	resolver *store.DatasetResolver,
	adapter backend.Adapter,
	queue dispatch.Queue,
	clients *cache.TTL[domain.ClientConfig],
	log *logger.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		jobs:     jobs,
		resolver: resolver,
		adapter:  adapter,
		queue:    queue,
		clients:  clients,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Submit validates and registers a job, then enqueues it for dispatch.
// The returned job is in state PENDING with its resource estimate set.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	if req.ClientCode == "" {
		return nil, fmt.Errorf("%w: client_code is required", domain.ErrInvalidSpec)
	}

	clientCfg, err := o.clientConfig(ctx, req.ClientCode)
	if err != nil {
		return nil, err
	}

	modelName := req.ModelName
	if modelName == "" {
		modelName = clientCfg.DefaultModel
	}

	ref, sizeBytes, err := o.resolver.Resolve(ctx, req.ClientCode, req.DatasetRef)
	if err != nil {
		return nil, err
	}

	estimate, err := estimator.Estimate(estimator.Spec{
		ModelName:        modelName,
		Params:           req.Params,
		DatasetSizeBytes: sizeBytes,
	})
	if err != nil {
		return nil, err
	}

	if clientCfg.MaxConcurrentJobs > 0 {
		if err := o.checkConcurrency(ctx, req.ClientCode, clientCfg.MaxConcurrentJobs); err != nil {
			return nil, err
		}
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = o.newID()
	}

	now := o.now().UTC()
	job := &domain.Job{
		JobID:            jobID,
		ClientCode:       req.ClientCode,
		ModelName:        modelName,
		Params:           req.Params,
		DatasetRef:       ref,
		DatasetSizeBytes: sizeBytes,
		Estimate:         estimate,
		State:            domain.JobStatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	publish := o.queue.Publish
	if !o.jobs.Durable(job.JobID) {
		// The record exists only in this process's memory, so a broker
		// consumer in another process could never load it. Dispatch it
		// through the in-process queue instead.
		if lp, ok := o.queue.(dispatch.LocalPublisher); ok {
			o.log.Warn("Job not yet durable, dispatching in-process",
				slog.String("job_id", job.JobID))
			publish = lp.PublishLocal
		}
	}
	if err := publish(ctx, job.JobID); err != nil {
		// The job stays PENDING and visible; dispatch will not happen
		// until the queue recovers, so surface the failure.
		o.log.Error("Failed to enqueue job for dispatch",
			slog.String("job_id", job.JobID),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	o.log.Info("Job accepted",
		slog.String("job_id", job.JobID),
		slog.String("client_code", job.ClientCode),
		slog.String("model_name", job.ModelName),
		slog.Int("gpu_count", estimate.GPUCount),
		slog.String("bucket", string(estimate.Bucket)))

	return job, nil
}

func (o *Orchestrator) clientConfig(ctx context.Context, clientCode string) (domain.ClientConfig, error) {
	cfg, err := o.clients.Get(ctx, clientCode)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// Unconfigured clients run under the default profile.
		cfg, err = o.clients.Get(ctx, "default")
		if err == nil {
			return cfg, nil
		}
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrStoreUnavailable) {
		o.log.Warn("Client config unavailable, using zero profile",
			slog.String("client_code", clientCode))
		return domain.ClientConfig{ClientCode: clientCode}, nil
	}
	return domain.ClientConfig{}, err
}

func (o *Orchestrator) checkConcurrency(ctx context.Context, clientCode string, limit int) error {
	jobs, err := o.jobs.ListByClient(ctx, clientCode)
	if err != nil {
		return err
	}
	active := 0
	for _, j := range jobs {
		if !j.State.Terminal() {
			active++
		}
	}
	if active >= limit {
		return fmt.Errorf("%w: client %s has %d active jobs (limit %d)",
			domain.ErrInvalidSpec, clientCode, active, limit)
	}
	return nil
}

// Get returns the current view of a job.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return o.jobs.Get(ctx, jobID)
}

// ListByClient returns a client's jobs, newest first.
func (o *Orchestrator) ListByClient(ctx context.Context, clientCode string) ([]domain.Job, error) {
	return o.jobs.ListByClient(ctx, clientCode)
}

// ClusterStatus reports the execution backend's capacity view.
func (o *Orchestrator) ClusterStatus(ctx context.Context) (backend.ResourceSnapshot, error) {
	return o.adapter.ClusterResources(ctx)
}

// Run consumes dispatch tasks with a bounded worker pool and polls
// running jobs until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.worker(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pollLoop(ctx)
	}()

	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, worker int) {
	log := o.log.With(slog.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-o.queue.Tasks():
			if !ok {
				return
			}

			dispatchCtx, cancel := context.WithTimeout(ctx, o.cfg.DispatchTimeout)
			err := o.Dispatch(dispatchCtx, task.JobID)
			cancel()

			switch {
			case err == nil:
				task.Ack()
			case errors.Is(err, domain.ErrNotFound):
				// Nothing to dispatch; the message is stale.
				log.Warn("Dropping dispatch for unknown job",
					slog.String("job_id", task.JobID))
				task.Ack()
			default:
				log.Error("Dispatch failed, requeueing",
					slog.String("job_id", task.JobID),
					slog.Any("error", err))
				task.Nack(true)
			}
		}
	}
}

// Dispatch moves one PENDING job through DISPATCHING and into RUNNING by
// submitting it to the backend. Hard backend rejections fail the job;
// transient errors leave it DISPATCHING for a retry.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.State == domain.JobStatePending:
	case job.State == domain.JobStateDispatching && job.ExecutionID == "":
		// A previous attempt died before the backend accepted the job;
		// the requeued delivery picks it back up.
	default:
		// Redelivery of an already dispatched job is a no-op.
		return nil
	}

	if err := o.transition(ctx, job, domain.JobStateDispatching, "", ""); err != nil {
		return err
	}

	spec := backend.SubmitSpec{
		Entrypoint: o.entrypoint(job),
		GPUCount:   job.Estimate.GPUCount,
		Metadata: map[string]string{
			"job_id":      job.JobID,
			"client_code": job.ClientCode,
		},
	}

	executionID, err := o.adapter.Submit(ctx, spec)
	if err != nil {
		var rejected *domain.SubmissionRejectedError
		if errors.As(err, &rejected) {
			if failErr := o.transition(ctx, job, domain.JobStateFailed, "", rejected.Detail); failErr != nil {
				return failErr
			}
			o.log.Warn("Backend rejected job",
				slog.String("job_id", job.JobID),
				slog.String("detail", rejected.Detail))
			return nil
		}
		return fmt.Errorf("failed to submit job %s: %w", jobID, err)
	}

	if err := o.transition(ctx, job, domain.JobStateRunning, executionID, ""); err != nil {
		return err
	}

	o.log.Info("Job dispatched",
		slog.String("job_id", job.JobID),
		slog.String("execution_id", executionID))
	return nil
}

// entrypoint renders the training command handed to the backend.
func (o *Orchestrator) entrypoint(job *domain.Job) string {
	return fmt.Sprintf("python %s --dataset %s --model_name %s --gpus %d --job_id %s",
		o.cfg.EntrypointPath,
		job.DatasetRef.Value,
		job.ModelName,
		job.Estimate.GPUCount,
		job.JobID,
	)
}

func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollRunning(ctx)
		}
	}
}

func (o *Orchestrator) pollRunning(ctx context.Context) {
	running, err := o.jobs.ListRunning(ctx)
	if err != nil {
		o.log.Error("Failed to list running jobs", slog.Any("error", err))
		return
	}

	for i := range running {
		if err := o.RefreshStatus(ctx, &running[i]); err != nil {
			o.log.Warn("Failed to refresh job status",
				slog.String("job_id", running[i].JobID),
				slog.Any("error", err))
		}
	}
}

// RefreshStatus polls the backend for one running job and applies the
// resulting transition. Terminal jobs are never polled again.
func (o *Orchestrator) RefreshStatus(ctx context.Context, job *domain.Job) error {
	if job.State.Terminal() {
		return nil
	}
	if job.ExecutionID == "" {
		return nil
	}

	status, err := o.adapter.PollStatus(ctx, job.ExecutionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return o.transition(ctx, job, domain.JobStateFailed, "", "execution disappeared from backend")
		}
		return err
	}

	switch status.State {
	case backend.ExecSucceeded:
		return o.transition(ctx, job, domain.JobStateSucceeded, "", "")
	case backend.ExecFailed:
		detail := status.Detail
		if detail == "" {
			detail = "execution failed"
		}
		return o.transition(ctx, job, domain.JobStateFailed, "", detail)
	default:
		return nil
	}
}

// MarkFailed force-fails a job from the control plane. It only touches
// bookkeeping; the backend execution, if any, is left to finish on its own.
func (o *Orchestrator) MarkFailed(ctx context.Context, jobID, detail string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if detail == "" {
		detail = "marked failed by operator"
	}
	return o.transition(ctx, job, domain.JobStateFailed, "", detail)
}

// transition applies one state-machine step through the store. Invalid
// transitions are rejected before any write happens.
func (o *Orchestrator) transition(ctx context.Context, job *domain.Job, to domain.JobState, executionID, errorDetail string) error {
	if !domain.CanTransition(job.State, to) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", job.State, to, job.JobID)
	}
	if job.State == to {
		return nil
	}

	updatedAt := o.now().UTC()
	if !updatedAt.After(job.UpdatedAt) {
		updatedAt = job.UpdatedAt.Add(time.Microsecond)
	}

	mut := store.JobMutation{
		State:       to,
		ExecutionID: executionID,
		ErrorDetail: errorDetail,
		UpdatedAt:   updatedAt,
	}
	if err := o.jobs.Update(ctx, job.JobID, mut); err != nil {
		return err
	}

	job.State = to
	if executionID != "" {
		job.ExecutionID = executionID
	}
	if errorDetail != "" {
		job.ErrorDetail = errorDetail
	}
	job.UpdatedAt = updatedAt
	return nil
}
