package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routeTable is a DurableStore fake carrying only the route methods the
// resolver touches.
type routeTable struct {
	mu      sync.Mutex
	routes  map[string]domain.RoutingEntry
	lookups int
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]domain.RoutingEntry)}
}

func (rt *routeTable) UpsertRoute(_ context.Context, entry *domain.RoutingEntry) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes[entry.ClientCode+"/"+entry.ModelName] = *entry
	return nil
}

func (rt *routeTable) GetRoute(_ context.Context, clientCode, modelName string) (*domain.RoutingEntry, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.lookups++
	entry, ok := rt.routes[clientCode+"/"+modelName]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &entry, nil
}

func (rt *routeTable) InsertJob(context.Context, *domain.Job) error { return nil }
func (rt *routeTable) UpdateJob(context.Context, string, store.JobMutation) error {
	return nil
}
func (rt *routeTable) GetJob(context.Context, string) (*domain.Job, error) {
	return nil, domain.ErrNotFound
}
func (rt *routeTable) ListJobsByClient(context.Context, string) ([]domain.Job, error) {
	return nil, nil
}
func (rt *routeTable) ListJobsByState(context.Context, domain.JobState) ([]domain.Job, error) {
	return nil, nil
}
func (rt *routeTable) GetClientConfig(context.Context, string) (*domain.ClientConfig, error) {
	return nil, domain.ErrNotFound
}
func (rt *routeTable) InsertDataset(context.Context, *domain.Dataset) error { return nil }
func (rt *routeTable) FindDataset(context.Context, string, string) (*domain.Dataset, error) {
	return nil, domain.ErrNotFound
}

func newTestResolver(t *testing.T) (*Resolver, *routeTable) {
	t.Helper()
	table := newRouteTable()
	return NewResolver(table, time.Minute, logger.NewNop()), table
}

func TestResolver_ClientEntryWins(t *testing.T) {
	resolver, table := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ModelName: "llama-7b",
		Endpoint:  "http://base:8000",
	}))
	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Endpoint:   "http://acme-ft:8000",
	}))

	entry, err := resolver.Resolve(ctx, "acme", "llama-7b")
	require.NoError(t, err)
	assert.Equal(t, "http://acme-ft:8000", entry.Endpoint)
	assert.Equal(t, domain.DeployKindFineTuned, entry.Kind)

	entry, err = resolver.Resolve(ctx, "globex", "llama-7b")
	require.NoError(t, err)
	assert.Equal(t, "http://base:8000", entry.Endpoint)
	assert.Equal(t, domain.DeployKindBase, entry.Kind)
	assert.True(t, entry.Global())

	table.mu.Lock()
	assert.Len(t, table.routes, 2)
	table.mu.Unlock()
}

func TestResolver_NoRoute(t *testing.T) {
	resolver, _ := newTestResolver(t)

	_, err := resolver.Resolve(context.Background(), "acme", "unknown-model")
	assert.ErrorIs(t, err, domain.ErrNoRoute)

	_, err = resolver.Resolve(context.Background(), "acme", "")
	assert.ErrorIs(t, err, domain.ErrNoRoute)
}

func TestResolver_CacheAbsorbsLookups(t *testing.T) {
	resolver, table := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Endpoint:   "http://acme-ft:8000",
	}))

	for i := 0; i < 10; i++ {
		_, err := resolver.Resolve(ctx, "acme", "llama-7b")
		require.NoError(t, err)
	}

	table.mu.Lock()
	assert.Equal(t, 1, table.lookups, "repeated lookups must hit the cache")
	table.mu.Unlock()
}

func TestResolver_DeploySupersedesAndInvalidates(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Endpoint:   "http://old:8000",
	}))

	entry, err := resolver.Resolve(ctx, "acme", "llama-7b")
	require.NoError(t, err)
	require.Equal(t, "http://old:8000", entry.Endpoint)

	// The new deploy must be visible immediately, not after TTL expiry.
	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ClientCode: "acme",
		ModelName:  "llama-7b",
		Endpoint:   "http://new:8000",
	}))

	entry, err = resolver.Resolve(ctx, "acme", "llama-7b")
	require.NoError(t, err)
	assert.Equal(t, "http://new:8000", entry.Endpoint)
}

func TestResolver_GlobalDeployRefreshesClientViews(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ModelName: "llama-7b",
		Endpoint:  "http://base-v1:8000",
	}))

	entry, err := resolver.Resolve(ctx, "acme", "llama-7b")
	require.NoError(t, err)
	require.Equal(t, "http://base-v1:8000", entry.Endpoint)

	require.NoError(t, resolver.RecordDeploy(ctx, &domain.RoutingEntry{
		ModelName: "llama-7b",
		Endpoint:  "http://base-v2:8000",
	}))

	entry, err = resolver.Resolve(ctx, "acme", "llama-7b")
	require.NoError(t, err)
	assert.Equal(t, "http://base-v2:8000", entry.Endpoint)
}

func TestResolver_RecordDeployValidation(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	err := resolver.RecordDeploy(ctx, &domain.RoutingEntry{Endpoint: "http://x:8000"})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)

	err = resolver.RecordDeploy(ctx, &domain.RoutingEntry{ModelName: "llama-7b"})
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
}
