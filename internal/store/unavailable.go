package store

import (
	"context"
	"fmt"

	"github.com/rachitjindal56/mini-studio/internal/domain"
)

// Unavailable is a DurableStore for processes that could not reach the
// database at boot. Every call reports unavailability, which routes the
// JobStore onto its in-memory tier.
type Unavailable struct{}

func unavailable(op string) error {
	return fmt.Errorf("%s: %w: no database connection", op, domain.ErrStoreUnavailable)
}

func (Unavailable) InsertJob(context.Context, *domain.Job) error {
	return unavailable("insert job")
}

func (Unavailable) UpdateJob(context.Context, string, JobMutation) error {
	return unavailable("update job")
}

func (Unavailable) GetJob(context.Context, string) (*domain.Job, error) {
	return nil, unavailable("get job")
}

func (Unavailable) ListJobsByClient(context.Context, string) ([]domain.Job, error) {
	return nil, unavailable("list jobs by client")
}

func (Unavailable) ListJobsByState(context.Context, domain.JobState) ([]domain.Job, error) {
	return nil, unavailable("list jobs by state")
}

func (Unavailable) UpsertRoute(context.Context, *domain.RoutingEntry) error {
	return unavailable("upsert route")
}

func (Unavailable) GetRoute(context.Context, string, string) (*domain.RoutingEntry, error) {
	return nil, unavailable("get route")
}

func (Unavailable) GetClientConfig(context.Context, string) (*domain.ClientConfig, error) {
	return nil, unavailable("get client config")
}

func (Unavailable) InsertDataset(context.Context, *domain.Dataset) error {
	return unavailable("insert dataset")
}

func (Unavailable) FindDataset(context.Context, string, string) (*domain.Dataset, error) {
	return nil, unavailable("find dataset")
}
