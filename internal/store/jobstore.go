package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// mirrorRecord is one entry of the in-memory tier. durable tracks whether
// the durable store has accepted the latest state of this record.
type mirrorRecord struct {
	job     domain.Job
	durable bool
}

// JobStore is the persistence facade for jobs. Every write goes to the
// in-memory mirror first and then to the durable store; when the durable
// store is unreachable the mirror keeps serving reads and accepting
// writes, and the affected records are flagged for reconciliation.
type JobStore struct {
	durable DurableStore
	log     *logger.Logger

	mu      sync.Mutex
	mirror  map[string]*mirrorRecord
	changes uint64
}

func NewJobStore(durable DurableStore, log *logger.Logger) *JobStore {
	return &JobStore{
		durable: durable,
		log:     log,
		mirror:  make(map[string]*mirrorRecord),
	}
}

// Create registers a new job. Duplicate job IDs are rejected even when the
// durable store is down.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	if _, ok := s.mirror[job.JobID]; ok {
		s.mu.Unlock()
		return domain.ErrDuplicateJob
	}
	s.mirror[job.JobID] = &mirrorRecord{job: *job, durable: false}
	s.changes++
	s.mu.Unlock()

	err := s.durable.InsertJob(ctx, job)
	switch {
	case err == nil:
		s.markDurable(job.JobID)
		return nil
	case errors.Is(err, domain.ErrDuplicateJob):
		s.mu.Lock()
		delete(s.mirror, job.JobID)
		s.mu.Unlock()
		return domain.ErrDuplicateJob
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.log.Warn("durable store unreachable, job held in memory",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()))
		return nil
	default:
		s.mu.Lock()
		delete(s.mirror, job.JobID)
		s.mu.Unlock()
		return err
	}
}

// Update applies a mutation to both tiers. Last write wins by UpdatedAt,
// and terminal records are never modified.
func (s *JobStore) Update(ctx context.Context, jobID string, mut JobMutation) error {
	s.mu.Lock()
	rec, ok := s.mirror[jobID]
	if ok {
		s.applyLocked(rec, mut)
	}
	s.mu.Unlock()

	err := s.durable.UpdateJob(ctx, jobID, mut)
	switch {
	case err == nil:
		s.markDurable(jobID)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		if !ok {
			return domain.ErrNotFound
		}
		// Known only to the mirror: the original insert never landed.
		return nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		if !ok {
			return fmt.Errorf("failed to update job %s: %w", jobID, err)
		}
		s.markDirty(jobID)
		s.log.Warn("durable store unreachable, update held in memory",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return nil
	default:
		return err
	}
}

func (s *JobStore) applyLocked(rec *mirrorRecord, mut JobMutation) {
	if rec.job.State.Terminal() {
		return
	}
	if !mut.UpdatedAt.After(rec.job.UpdatedAt) {
		return
	}
	rec.job.State = mut.State
	if mut.ExecutionID != "" {
		rec.job.ExecutionID = mut.ExecutionID
	}
	if mut.ErrorDetail != "" {
		rec.job.ErrorDetail = mut.ErrorDetail
	}
	rec.job.UpdatedAt = mut.UpdatedAt
	s.changes++
}

// Get prefers the durable store but falls back to the mirror when the
// store is unreachable or has not yet seen the record.
func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.durable.GetJob(ctx, jobID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrStoreUnavailable) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.mirror[jobID]; ok {
		job := rec.job
		return &job, nil
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return nil, domain.ErrNotFound
}

// ListByClient merges durable rows with mirror-only records for the
// client, newest first.
func (s *JobStore) ListByClient(ctx context.Context, clientCode string) ([]domain.Job, error) {
	durable, err := s.durable.ListJobsByClient(ctx, clientCode)
	if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
		return nil, err
	}
	if err != nil {
		s.log.Warn("durable store unreachable, listing from memory",
			slog.String("client_code", clientCode))
	}

	return s.merge(durable, func(j *domain.Job) bool {
		return j.ClientCode == clientCode
	}), nil
}

// ListRunning returns every job in a non-terminal, dispatched state, for
// the status poller.
func (s *JobStore) ListRunning(ctx context.Context) ([]domain.Job, error) {
	durable, err := s.durable.ListJobsByState(ctx, domain.JobStateRunning)
	if err != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
		return nil, err
	}

	return s.merge(durable, func(j *domain.Job) bool {
		return j.State == domain.JobStateRunning
	}), nil
}

func (s *JobStore) merge(durable []domain.Job, match func(*domain.Job) bool) []domain.Job {
	seen := make(map[string]struct{}, len(durable))
	out := make([]domain.Job, 0, len(durable))
	for _, j := range durable {
		seen[j.JobID] = struct{}{}
		out = append(out, j)
	}

	s.mu.Lock()
	for id, rec := range s.mirror {
		if _, ok := seen[id]; ok {
			continue
		}
		if match(&rec.job) {
			out = append(out, rec.job)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Durable reports whether the durable store has acknowledged the job's
// latest state. Jobs absent from the mirror are durable by definition.
func (s *JobStore) Durable(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mirror[jobID]
	return !ok || rec.durable
}

// Changes reports how many mirror mutations have been applied since
// startup. Monotonic; useful for observing fallback activity.
func (s *JobStore) Changes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

// PendingReconciliation lists the jobs whose latest state exists only in
// the mirror. Exposes the backlog; replay is an operator concern.
func (s *JobStore) PendingReconciliation() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, rec := range s.mirror {
		if !rec.durable {
			out = append(out, rec.job)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func (s *JobStore) markDurable(jobID string) {
	s.mu.Lock()
	if rec, ok := s.mirror[jobID]; ok {
		if rec.job.State.Terminal() {
			// A terminal record the durable store has accepted can never
			// change again; evict it so the mirror tracks only live jobs.
			delete(s.mirror, jobID)
		} else {
			rec.durable = true
		}
	}
	s.mu.Unlock()
}

func (s *JobStore) markDirty(jobID string) {
	s.mu.Lock()
	if rec, ok := s.mirror[jobID]; ok {
		rec.durable = false
	}
	s.mu.Unlock()
}

// DatasetResolver turns a dataset reference from a submission into a
// concrete value and a byte size for estimation.
type DatasetResolver struct {
	durable DurableStore
}

func NewDatasetResolver(durable DurableStore) *DatasetResolver {
	return &DatasetResolver{durable: durable}
}

// Resolve validates the reference and determines the dataset size.
// dataset_id references are looked up in the registry; local paths are
// stat'ed directly. Unresolvable references are invalid submissions.
func (r *DatasetResolver) Resolve(ctx context.Context, clientCode string, ref domain.DatasetRef) (domain.DatasetRef, int64, error) {
	if ref.Value == "" {
		return ref, 0, fmt.Errorf("%w: empty dataset reference", domain.ErrInvalidSpec)
	}

	switch ref.Kind {
	case domain.DatasetRefLocalPath:
		info, err := os.Stat(ref.Value)
		if err != nil {
			return ref, 0, fmt.Errorf("%w: dataset path %q not accessible", domain.ErrInvalidSpec, ref.Value)
		}
		return ref, info.Size(), nil

	case domain.DatasetRefID, domain.DatasetRefObjectKey:
		ds, err := r.durable.FindDataset(ctx, clientCode, ref.Value)
		if err == nil {
			resolved := ref
			if ds.LocalPath != "" {
				resolved = domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: ds.LocalPath}
			} else if ds.ObjectKey != "" {
				resolved = domain.DatasetRef{Kind: domain.DatasetRefObjectKey, Value: ds.ObjectKey}
			}
			return resolved, ds.SizeBytes, nil
		}
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrStoreUnavailable) {
			return ref, 0, err
		}
		// Registry miss or outage: a reference that is also a readable
		// path still resolves.
		if info, statErr := os.Stat(ref.Value); statErr == nil {
			return domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: ref.Value}, info.Size(), nil
		}
		return ref, 0, fmt.Errorf("%w: dataset %q not found for client %s", domain.ErrInvalidSpec, ref.Value, clientCode)

	default:
		return ref, 0, fmt.Errorf("%w: unknown dataset reference kind %q", domain.ErrInvalidSpec, ref.Kind)
	}
}
