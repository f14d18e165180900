// Package dto defines the HTTP request and response shapes of the API
// service.
package dto

import (
	"time"

	"github.com/rachitjindal56/mini-studio/internal/domain"
)

// CreateFineTuneRequest is the body of POST /api/v1/fine-tuning/jobs.
// Exactly one of dataset_filename, dataset_id, or dataset_path selects
// the training data.
type CreateFineTuneRequest struct {
	ClientCode             string  `json:"client_code" binding:"required"`
	Model                  string  `json:"model"`
	DatasetFilename        string  `json:"dataset_filename"`
	DatasetID              string  `json:"dataset_id"`
	DatasetPath            string  `json:"dataset_path"`
	NEpochs                int     `json:"n_epochs"`
	BatchSize              int     `json:"batch_size"`
	LearningRateMultiplier float64 `json:"learning_rate_multiplier"`
	PromptLossWeight       float64 `json:"prompt_loss_weight"`
}

// DatasetRef picks the reference out of the three mutually exclusive
// dataset fields. ok is false when zero or several are set.
func (r *CreateFineTuneRequest) DatasetRef() (domain.DatasetRef, bool) {
	set := 0
	var ref domain.DatasetRef
	if r.DatasetFilename != "" {
		set++
		ref = domain.DatasetRef{Kind: domain.DatasetRefID, Value: r.DatasetFilename}
	}
	if r.DatasetID != "" {
		set++
		ref = domain.DatasetRef{Kind: domain.DatasetRefID, Value: r.DatasetID}
	}
	if r.DatasetPath != "" {
		set++
		ref = domain.DatasetRef{Kind: domain.DatasetRefLocalPath, Value: r.DatasetPath}
	}
	return ref, set == 1
}

// JobResponse is the wire view of a job.
type JobResponse struct {
	JobID            string                  `json:"job_id"`
	ClientCode       string                  `json:"client_code"`
	Model            string                  `json:"model"`
	Params           domain.Hyperparameters  `json:"params"`
	DatasetRef       domain.DatasetRef       `json:"dataset_ref"`
	DatasetSizeBytes int64                   `json:"dataset_size_bytes"`
	Estimate         domain.ResourceEstimate `json:"estimate"`
	Status           string                  `json:"status"`
	ExecutionID      string                  `json:"execution_id,omitempty"`
	ErrorDetail      string                  `json:"error_detail,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// JobFromDomain converts a domain job to its wire view.
func JobFromDomain(job *domain.Job) JobResponse {
	return JobResponse{
		JobID:            job.JobID,
		ClientCode:       job.ClientCode,
		Model:            job.ModelName,
		Params:           job.Params,
		DatasetRef:       job.DatasetRef,
		DatasetSizeBytes: job.DatasetSizeBytes,
		Estimate:         job.Estimate,
		Status:           string(job.State),
		ExecutionID:      job.ExecutionID,
		ErrorDetail:      job.ErrorDetail,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}

// JobListResponse wraps a client's job listing.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
}

// DatasetResponse is returned after a successful dataset upload.
type DatasetResponse struct {
	DatasetID  string    `json:"dataset_id"`
	ClientCode string    `json:"client_code"`
	Filename   string    `json:"filename"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeployRouteRequest is the body of POST /api/v1/inference/routes.
// is_base marks a shared deployment usable by every client.
type DeployRouteRequest struct {
	ClientCode string `json:"client_code"`
	ModelName  string `json:"model_name" binding:"required"`
	Endpoint   string `json:"endpoint" binding:"required"`
	IsBase     bool   `json:"is_base"`
}

// RouteResponse is the wire view of a routing entry.
type RouteResponse struct {
	ClientCode string    `json:"client_code"`
	ModelName  string    `json:"model_name"`
	Endpoint   string    `json:"endpoint"`
	Kind       string    `json:"kind"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClusterStatusResponse reports execution capacity.
type ClusterStatusResponse struct {
	TotalGPUs     int  `json:"total_gpus"`
	AvailableGPUs int  `json:"available_gpus"`
	NodeCount     int  `json:"node_count"`
	Local         bool `json:"local"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
