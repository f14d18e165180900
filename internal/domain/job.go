package domain

import "time"

// JobState is the lifecycle state of a fine-tuning job.
type JobState string

const (
	JobStatePending     JobState = "PENDING"
	JobStateDispatching JobState = "DISPATCHING"
	JobStateRunning     JobState = "RUNNING"
	JobStateSucceeded   JobState = "SUCCEEDED"
	JobStateFailed      JobState = "FAILED"
)

// allowedTransitions encodes the forward-only lifecycle:
// PENDING -> DISPATCHING -> RUNNING -> {SUCCEEDED, FAILED}.
// DISPATCHING may fail directly when the backend rejects the submission.
var allowedTransitions = map[JobState][]JobState{
	JobStatePending:     {JobStateDispatching},
	JobStateDispatching: {JobStateRunning, JobStateFailed},
	JobStateRunning:     {JobStateSucceeded, JobStateFailed},
}

// Terminal reports whether the state ends the lifecycle.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// CanTransition reports whether a job may move from one state to another.
// A same-state transition is always a valid no-op.
func CanTransition(from, to JobState) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Hyperparameters are the client-supplied training knobs.
type Hyperparameters struct {
	NEpochs                int     `json:"n_epochs"`
	BatchSize              int     `json:"batch_size"`
	LearningRateMultiplier float64 `json:"learning_rate_multiplier"`
	PromptLossWeight       float64 `json:"prompt_loss_weight"`
}

// DatasetRefKind tags how a dataset reference should be resolved.
type DatasetRefKind string

const (
	DatasetRefLocalPath DatasetRefKind = "local_path"
	DatasetRefObjectKey DatasetRefKind = "object_key"
	DatasetRefID        DatasetRefKind = "dataset_id"
)

// DatasetRef is a tagged reference to training data. The core stores and
// forwards it; resolution to a readable location is a collaborator concern.
type DatasetRef struct {
	Kind  DatasetRefKind `json:"kind"`
	Value string         `json:"value"`
}

// EstimateBucket is a coarse wall-clock class for a training run.
type EstimateBucket string

const (
	BucketSmall  EstimateBucket = "small"
	BucketMedium EstimateBucket = "medium"
	BucketLarge  EstimateBucket = "large"
)

// ResourceEstimate sizes a job. Computed once at creation, never recomputed.
type ResourceEstimate struct {
	GPUCount int            `json:"gpu_count"`
	MemoryGB int            `json:"memory_gb"`
	Bucket   EstimateBucket `json:"bucket"`
}

// Job represents one fine-tuning request.
type Job struct {
	JobID            string           `json:"job_id" db:"job_id"`
	ClientCode       string           `json:"client_code" db:"client_code"`
	ModelName        string           `json:"model_name" db:"model_name"`
	Params           Hyperparameters  `json:"params"`
	DatasetRef       DatasetRef       `json:"dataset_ref"`
	DatasetSizeBytes int64            `json:"dataset_size_bytes" db:"dataset_size_bytes"`
	Estimate         ResourceEstimate `json:"estimate"`
	State            JobState         `json:"state" db:"state"`
	ExecutionID      string           `json:"execution_id,omitempty" db:"execution_id"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
	ErrorDetail      string           `json:"error_detail,omitempty" db:"error_detail"`
}

// Dataset is registered dataset metadata, resolvable at submit time.
type Dataset struct {
	DatasetID  string    `json:"dataset_id" db:"dataset_id"`
	ClientCode string    `json:"client_code" db:"client_code"`
	Filename   string    `json:"filename" db:"filename"`
	LocalPath  string    `json:"local_path" db:"local_path"`
	ObjectKey  string    `json:"object_key" db:"object_key"`
	SizeBytes  int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
