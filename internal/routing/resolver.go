// Package routing resolves a (client, model) pair to the endpoint that
// serves it, with client-scoped entries taking precedence over global
// base deployments.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rachitjindal56/mini-studio/internal/cache"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// Resolver answers routing lookups through a TTL cache backed by the
// durable route table.
type Resolver struct {
	durable store.DurableStore
	routes  *cache.TTL[domain.RoutingEntry]
	log     *logger.Logger
	now     func() time.Time
}

func NewResolver(durable store.DurableStore, ttl time.Duration, log *logger.Logger) *Resolver {
	r := &Resolver{
		durable: durable,
		log:     log,
		now:     time.Now,
	}
	r.routes = cache.NewTTL(ttl, r.load)
	return r
}

func cacheKey(clientCode, modelName string) string {
	return clientCode + "/" + modelName
}

// load is the cache loader: client-scoped entry first, then the global
// entry for the model.
func (r *Resolver) load(ctx context.Context, key string) (domain.RoutingEntry, error) {
	clientCode, modelName, ok := strings.Cut(key, "/")
	if !ok {
		return domain.RoutingEntry{}, fmt.Errorf("malformed route key %q", key)
	}

	if clientCode != "" {
		entry, err := r.durable.GetRoute(ctx, clientCode, modelName)
		if err == nil {
			return *entry, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.RoutingEntry{}, err
		}
	}

	entry, err := r.durable.GetRoute(ctx, "", modelName)
	if err == nil {
		return *entry, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.RoutingEntry{}, fmt.Errorf("%w: no route for model %s (client %s)", domain.ErrNoRoute, modelName, clientCode)
	}
	return domain.RoutingEntry{}, err
}

// Resolve returns the routing entry for the pair. Client entries win
// over global ones; a miss on both is ErrNoRoute.
func (r *Resolver) Resolve(ctx context.Context, clientCode, modelName string) (*domain.RoutingEntry, error) {
	if modelName == "" {
		return nil, fmt.Errorf("%w: model name is required", domain.ErrNoRoute)
	}

	entry, err := r.routes.Get(ctx, cacheKey(clientCode, modelName))
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecordDeploy registers or supersedes a deployment. Affected cache
// entries are dropped so the next lookup sees the new endpoint.
func (r *Resolver) RecordDeploy(ctx context.Context, entry *domain.RoutingEntry) error {
	if entry.ModelName == "" {
		return fmt.Errorf("%w: model name is required", domain.ErrInvalidSpec)
	}
	if entry.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", domain.ErrInvalidSpec)
	}
	if entry.Kind == "" {
		if entry.Global() {
			entry.Kind = domain.DeployKindBase
		} else {
			entry.Kind = domain.DeployKindFineTuned
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	if err := r.durable.UpsertRoute(ctx, entry); err != nil {
		return err
	}

	r.routes.Invalidate(cacheKey(entry.ClientCode, entry.ModelName))
	if entry.Global() {
		// A new global entry may serve pairs cached as misses under
		// client keys; drop everything rather than track them.
		r.routes.Purge()
	}

	r.log.Info("Route recorded",
		slog.String("client_code", entry.ClientCode),
		slog.String("model_name", entry.ModelName),
		slog.String("endpoint", entry.Endpoint),
		slog.String("kind", string(entry.Kind)))
	return nil
}
