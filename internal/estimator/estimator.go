// Package estimator sizes fine-tuning jobs. Estimation is a pure function
// over the job specification: no I/O, no state, safe for concurrent use.
package estimator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rachitjindal56/mini-studio/internal/domain"
)

// gpuMemoryBytes is the usable memory of a single training GPU (48GB
// L40S-class cards). One GPU is assumed per 48GiB of dataset.
const gpuMemoryBytes = 48 * 1024 * 1024 * 1024

const gpuMemoryGB = 48

// Spec is the input to an estimate.
type Spec struct {
	ModelName        string
	Params           domain.Hyperparameters
	DatasetSizeBytes int64
}

// Estimate derives a resource estimate from a job specification. It is
// deterministic and monotonic: increasing batch size or epoch count never
// shrinks any field of the result.
func Estimate(spec Spec) (domain.ResourceEstimate, error) {
	if err := validate(spec); err != nil {
		return domain.ResourceEstimate{}, err
	}

	dataGPUs := int(spec.DatasetSizeBytes/gpuMemoryBytes) + 1
	modelGPUs := modelClassGPUs(spec.ModelName)

	gpus := dataGPUs
	if modelGPUs > gpus {
		gpus = modelGPUs
	}

	return domain.ResourceEstimate{
		GPUCount: gpus,
		MemoryGB: gpus * gpuMemoryGB,
		Bucket:   bucketFor(spec),
	}, nil
}

func validate(spec Spec) error {
	if strings.TrimSpace(spec.ModelName) == "" {
		return fmt.Errorf("%w: model name is required", domain.ErrInvalidSpec)
	}
	if spec.Params.NEpochs <= 0 {
		return fmt.Errorf("%w: n_epochs must be positive, got %d", domain.ErrInvalidSpec, spec.Params.NEpochs)
	}
	if spec.Params.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive, got %d", domain.ErrInvalidSpec, spec.Params.BatchSize)
	}
	if spec.Params.LearningRateMultiplier <= 0 {
		return fmt.Errorf("%w: learning_rate_multiplier must be positive, got %g", domain.ErrInvalidSpec, spec.Params.LearningRateMultiplier)
	}
	if spec.Params.PromptLossWeight < 0 {
		return fmt.Errorf("%w: prompt_loss_weight must be non-negative, got %g", domain.ErrInvalidSpec, spec.Params.PromptLossWeight)
	}
	if spec.DatasetSizeBytes < 0 {
		return fmt.Errorf("%w: dataset size must be non-negative, got %d", domain.ErrInvalidSpec, spec.DatasetSizeBytes)
	}
	return nil
}

// modelClassGPUs maps a parameter-count token in the model name
// ("llama-70b", "mistral-7B") to a minimum GPU count. Unparseable names
// get the smallest class.
func modelClassGPUs(modelName string) int {
	switch b := parseParamBillions(modelName); {
	case b > 40:
		return 8
	case b > 20:
		return 4
	case b > 8:
		return 2
	default:
		return 1
	}
}

func parseParamBillions(modelName string) int {
	lower := strings.ToLower(modelName)
	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return r == '-' || r == '_' || r == '/' || r == '.' || r == ':'
	}) {
		if !strings.HasSuffix(tok, "b") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSuffix(tok, "b")); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// bucketFor classifies expected wall-clock time from total work: epochs x
// batch size x dataset megabytes.
func bucketFor(spec Spec) domain.EstimateBucket {
	sizeMB := spec.DatasetSizeBytes / (1024 * 1024)
	if sizeMB < 1 {
		sizeMB = 1
	}

	score := int64(spec.Params.NEpochs) * int64(spec.Params.BatchSize) * sizeMB
	switch {
	case score < 5_000:
		return domain.BucketSmall
	case score < 500_000:
		return domain.BucketMedium
	default:
		return domain.BucketLarge
	}
}
