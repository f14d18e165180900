// Package store is the persistence tier: a DurableStore backed by
// PostgreSQL and a JobStore façade that keeps serving reads and writes
// from an in-memory mirror when the durable store is unreachable.
package store

import (
	"context"
	"time"

	"github.com/rachitjindal56/mini-studio/internal/domain"
)

// JobMutation is a partial update to a job record. Empty string fields are
// left untouched. UpdatedAt drives the last-write-wins rule: a mutation
// older than the stored record is silently dropped.
type JobMutation struct {
	State       domain.JobState
	ExecutionID string
	ErrorDetail string
	UpdatedAt   time.Time
}

// DurableStore is the document store holding job records, dataset
// metadata, routing entries, and client configuration. Implementations
// wrap unreachability as domain.ErrStoreUnavailable so callers can
// degrade to the in-memory fallback.
type DurableStore interface {
	InsertJob(ctx context.Context, job *domain.Job) error
	UpdateJob(ctx context.Context, jobID string, mut JobMutation) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobsByClient(ctx context.Context, clientCode string) ([]domain.Job, error)
	ListJobsByState(ctx context.Context, state domain.JobState) ([]domain.Job, error)

	UpsertRoute(ctx context.Context, entry *domain.RoutingEntry) error
	GetRoute(ctx context.Context, clientCode, modelName string) (*domain.RoutingEntry, error)

	GetClientConfig(ctx context.Context, clientCode string) (*domain.ClientConfig, error)

	InsertDataset(ctx context.Context, ds *domain.Dataset) error
	FindDataset(ctx context.Context, clientCode, identifier string) (*domain.Dataset, error)
}
