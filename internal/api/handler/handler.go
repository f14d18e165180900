package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rachitjindal56/mini-studio/internal/api/dto"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/orchestrator"
	"github.com/rachitjindal56/mini-studio/internal/proxy"
	"github.com/rachitjindal56/mini-studio/internal/routing"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Logger       *logger.Logger
	Orchestrator *orchestrator.Orchestrator
	Resolver     *routing.Resolver
	Proxy        *proxy.Proxy
	Durable      store.DurableStore
	DataDir      string
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var rejected *domain.SubmissionRejectedError
	switch {
	case errors.Is(err, domain.ErrInvalidSpec):
		status = http.StatusBadRequest
		message = err.Error()
	case errors.Is(err, domain.ErrDuplicateJob):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoRoute):
		status = http.StatusNotFound
		message = err.Error()
	case errors.Is(err, domain.ErrBackendUnreachable):
		status = http.StatusBadGateway
		message = err.Error()
	case errors.Is(err, domain.ErrClusterUnavailable):
		status = http.StatusServiceUnavailable
		message = err.Error()
	case errors.As(err, &rejected):
		status = http.StatusBadRequest
		message = rejected.Detail
	default:
		log.Error("Request failed", slog.Any("error", err))
	}

	c.JSON(status, dto.ErrorResponse{Error: message})
}
