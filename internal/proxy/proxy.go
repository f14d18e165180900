// Package proxy forwards inference requests to whatever endpoint the
// routing layer resolved for the caller's model.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/routing"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// Result is the upstream response, passed through verbatim. Non-2xx
// statuses are results, not errors; only unreachability is an error.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Proxy resolves a route and forwards the request body to the serving
// endpoint's predict path.
type Proxy struct {
	resolver *routing.Resolver
	client   *http.Client
	log      *logger.Logger
}

func New(resolver *routing.Resolver, requestTimeout time.Duration, log *logger.Logger) *Proxy {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Proxy{
		resolver: resolver,
		client:   &http.Client{Timeout: requestTimeout},
		log:      log,
	}
}

// Forward routes one inference call. The payload is forwarded untouched
// and the upstream response comes back as-is, status included.
func (p *Proxy) Forward(ctx context.Context, clientCode, modelName string, payload []byte) (*Result, error) {
	entry, err := p.resolver.Resolve(ctx, clientCode, modelName)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(entry.Endpoint, "/") + "/predict"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("Inference endpoint unreachable",
			slog.String("model_name", modelName),
			slog.String("endpoint", entry.Endpoint),
			slog.Any("error", err))
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrBackendUnreachable, entry.Endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response from %s: %v", domain.ErrBackendUnreachable, entry.Endpoint, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	return &Result{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}
