package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rachitjindal56/mini-studio/internal/api/dto"
	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/rachitjindal56/mini-studio/internal/orchestrator"
	"github.com/rachitjindal56/mini-studio/internal/store"
	"github.com/rachitjindal56/mini-studio/shared/logger"
)

// FineTuningHandler serves job submission, job reads, dataset uploads,
// and the cluster status view.
type FineTuningHandler struct {
	logger       *logger.Logger
	orchestrator *orchestrator.Orchestrator
	durable      store.DurableStore
	dataDir      string
}

func NewFineTuningHandler(deps *Dependencies) *FineTuningHandler {
	return &FineTuningHandler{
		logger:       deps.Logger,
		orchestrator: deps.Orchestrator,
		durable:      deps.Durable,
		dataDir:      deps.DataDir,
	}
}

// CreateJob handles POST /api/v1/fine-tuning/jobs
func (h *FineTuningHandler) CreateJob(c *gin.Context) {
	var req dto.CreateFineTuneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	ref, ok := req.DatasetRef()
	if !ok {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "exactly one of dataset_filename, dataset_id, dataset_path is required",
		})
		return
	}

	job, err := h.orchestrator.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		ClientCode: req.ClientCode,
		ModelName:  req.Model,
		Params: domain.Hyperparameters{
			NEpochs:                req.NEpochs,
			BatchSize:              req.BatchSize,
			LearningRateMultiplier: req.LearningRateMultiplier,
			PromptLossWeight:       req.PromptLossWeight,
		},
		DatasetRef: ref,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, dto.JobFromDomain(job))
}

// GetJob handles GET /api/v1/fine-tuning/jobs/:job_id
func (h *FineTuningHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	job, err := h.orchestrator.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.JobFromDomain(job))
}

// ListClientJobs handles GET /api/v1/fine-tuning/jobs/client/:client_code
func (h *FineTuningHandler) ListClientJobs(c *gin.Context) {
	clientCode := c.Param("client_code")

	jobs, err := h.orchestrator.ListByClient(c.Request.Context(), clientCode)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.JobListResponse{
		Jobs:  make([]dto.JobResponse, 0, len(jobs)),
		Total: len(jobs),
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, dto.JobFromDomain(&jobs[i]))
	}

	c.JSON(http.StatusOK, resp)
}

// ClusterStatus handles GET /api/v1/fine-tuning/cluster-status
func (h *FineTuningHandler) ClusterStatus(c *gin.Context) {
	snapshot, err := h.orchestrator.ClusterStatus(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, dto.ClusterStatusResponse{
		TotalGPUs:     snapshot.TotalGPUs,
		AvailableGPUs: snapshot.AvailableGPUs,
		NodeCount:     snapshot.NodeCount,
		Local:         snapshot.Local,
	})
}

// UploadDataset handles POST /api/v1/fine-tuning/datasets/:client_code
func (h *FineTuningHandler) UploadDataset(c *gin.Context) {
	clientCode := c.Param("client_code")

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "multipart field 'file' is required"})
		return
	}

	filename := filepath.Base(file.Filename)
	if filename == "." || filename == "/" || filename == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid filename"})
		return
	}

	clientDir := filepath.Join(h.dataDir, clientCode)
	if err := os.MkdirAll(clientDir, 0o755); err != nil {
		respondError(c, h.logger, fmt.Errorf("failed to create dataset dir: %w", err))
		return
	}

	localPath := filepath.Join(clientDir, filename)
	if err := c.SaveUploadedFile(file, localPath); err != nil {
		respondError(c, h.logger, fmt.Errorf("failed to store dataset file: %w", err))
		return
	}

	info, err := os.Stat(localPath)
	if err != nil {
		respondError(c, h.logger, fmt.Errorf("failed to stat uploaded dataset: %w", err))
		return
	}

	ds := &domain.Dataset{
		DatasetID:  uuid.NewString(),
		ClientCode: clientCode,
		Filename:   filename,
		LocalPath:  localPath,
		SizeBytes:  info.Size(),
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.durable.InsertDataset(c.Request.Context(), ds); err != nil {
		// The file is on disk; the registry row can be replayed. Keep
		// serving rather than failing the upload.
		h.logger.Warn("Failed to register dataset",
			slog.String("client_code", clientCode),
			slog.String("filename", filename),
			slog.Any("error", err))
	}

	h.logger.Info("Dataset uploaded",
		slog.String("client_code", clientCode),
		slog.String("filename", filename),
		slog.Int64("size_bytes", ds.SizeBytes))

	c.JSON(http.StatusCreated, dto.DatasetResponse{
		DatasetID:  ds.DatasetID,
		ClientCode: ds.ClientCode,
		Filename:   ds.Filename,
		SizeBytes:  ds.SizeBytes,
		CreatedAt:  ds.CreatedAt,
	})
}

