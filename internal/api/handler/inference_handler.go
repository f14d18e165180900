package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rachitjindal56/mini-studio/internal/api/dto"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/proxy"
	"github.com/rachitjindal56/mini-studio/internal/routing"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// InferenceHandler serves route registration and inference forwarding.
type InferenceHandler struct {
	logger   *logger.Logger
	resolver *routing.Resolver
	proxy    *proxy.Proxy
}

func NewInferenceHandler(deps *Dependencies) *InferenceHandler {
	return &InferenceHandler{
		logger:   deps.Logger,
		resolver: deps.Resolver,
		proxy:    deps.Proxy,
	}
}

// DeployRoute handles POST /api/v1/inference/routes
func (h *InferenceHandler) DeployRoute(c *gin.Context) {
	var req dto.DeployRouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	entry := &domain.RoutingEntry{
		ClientCode: req.ClientCode,
		ModelName:  req.ModelName,
		Endpoint:   req.Endpoint,
	}
	if req.IsBase {
		entry.ClientCode = ""
		entry.Kind = domain.DeployKindBase
	}

	if err := h.resolver.RecordDeploy(c.Request.Context(), entry); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, dto.RouteResponse{
		ClientCode: entry.ClientCode,
		ModelName:  entry.ModelName,
		Endpoint:   entry.Endpoint,
		Kind:       string(entry.Kind),
		CreatedAt:  entry.CreatedAt,
	})
}

// Infer handles POST /api/v1/inference/infer/:model_name
// The client is identified by the client_code query parameter; the
// upstream response is passed through verbatim.
func (h *InferenceHandler) Infer(c *gin.Context) {
	modelName := c.Param("model_name")
	clientCode := c.Query("client_code")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "failed to read request body"})
		return
	}

	result, err := h.proxy.Forward(c.Request.Context(), clientCode, modelName, payload)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Data(result.StatusCode, result.ContentType, result.Body)
}
