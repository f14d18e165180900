package estimator

import (
	"testing"

	"github.com/rachitjindal56/mini-studio/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() domain.Hyperparameters {
	return domain.Hyperparameters{
		NEpochs:                1,
		BatchSize:              64,
		LearningRateMultiplier: 0.1,
		PromptLossWeight:       0.01,
	}
}

func TestEstimate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Spec)
	}{
		{
			name:   "empty model name",
			mutate: func(s *Spec) { s.ModelName = "  " },
		},
		{
			name:   "zero epochs",
			mutate: func(s *Spec) { s.Params.NEpochs = 0 },
		},
		{
			name:   "negative epochs",
			mutate: func(s *Spec) { s.Params.NEpochs = -3 },
		},
		{
			name:   "zero batch size",
			mutate: func(s *Spec) { s.Params.BatchSize = 0 },
		},
		{
			name:   "zero learning rate multiplier",
			mutate: func(s *Spec) { s.Params.LearningRateMultiplier = 0 },
		},
		{
			name:   "negative prompt loss weight",
			mutate: func(s *Spec) { s.Params.PromptLossWeight = -0.5 },
		},
		{
			name:   "negative dataset size",
			mutate: func(s *Spec) { s.DatasetSizeBytes = -1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := Spec{ModelName: "m1", Params: validParams(), DatasetSizeBytes: 1024}
			tt.mutate(&spec)

			_, err := Estimate(spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidSpec)
		})
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	spec := Spec{ModelName: "llama-13b", Params: validParams(), DatasetSizeBytes: 100 * 1024 * 1024}

	first, err := Estimate(spec)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Estimate(spec)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEstimate_GPUCount(t *testing.T) {
	const gib = 1024 * 1024 * 1024

	tests := []struct {
		name     string
		model    string
		size     int64
		wantGPUs int
	}{
		{name: "tiny dataset small model", model: "m1", size: 1024, wantGPUs: 1},
		{name: "dataset spanning two gpus", model: "m1", size: 50 * gib, wantGPUs: 2},
		{name: "13b model floor", model: "llama-13b", size: 1024, wantGPUs: 2},
		{name: "70b model floor", model: "llama-70b", size: 1024, wantGPUs: 8},
		{name: "data requirement wins over model class", model: "mistral-7b", size: 200 * gib, wantGPUs: 5},
		{name: "unparseable model name defaults small", model: "custom-model", size: 0, wantGPUs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := Estimate(Spec{ModelName: tt.model, Params: validParams(), DatasetSizeBytes: tt.size})
			require.NoError(t, err)
			assert.Equal(t, tt.wantGPUs, est.GPUCount)
			assert.Equal(t, tt.wantGPUs*48, est.MemoryGB)
		})
	}
}

func bucketRank(b domain.EstimateBucket) int {
	switch b {
	case domain.BucketSmall:
		return 0
	case domain.BucketMedium:
		return 1
	default:
		return 2
	}
}

func TestEstimate_MonotonicInBatchAndEpochs(t *testing.T) {
	base := Spec{ModelName: "llama-7b", Params: validParams(), DatasetSizeBytes: 512 * 1024 * 1024}

	small, err := Estimate(base)
	require.NoError(t, err)

	doubledBatch := base
	doubledBatch.Params.BatchSize *= 2
	bigBatch, err := Estimate(doubledBatch)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, bigBatch.GPUCount, small.GPUCount)
	assert.GreaterOrEqual(t, bigBatch.MemoryGB, small.MemoryGB)
	assert.GreaterOrEqual(t, bucketRank(bigBatch.Bucket), bucketRank(small.Bucket))

	moreEpochs := base
	moreEpochs.Params.NEpochs *= 10
	longRun, err := Estimate(moreEpochs)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, longRun.GPUCount, small.GPUCount)
	assert.GreaterOrEqual(t, bucketRank(longRun.Bucket), bucketRank(small.Bucket))
}

func TestEstimate_Buckets(t *testing.T) {
	params := validParams()

	est, err := Estimate(Spec{ModelName: "m1", Params: params, DatasetSizeBytes: 1024})
	require.NoError(t, err)
	assert.Equal(t, domain.BucketSmall, est.Bucket)

	est, err = Estimate(Spec{ModelName: "m1", Params: params, DatasetSizeBytes: 2 * 1024 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, domain.BucketMedium, est.Bucket)

	bigParams := params
	bigParams.NEpochs = 20
	est, err = Estimate(Spec{ModelName: "m1", Params: bigParams, DatasetSizeBytes: 40 * 1024 * 1024 * 1024})
	require.NoError(t, err)
	assert.Equal(t, domain.BucketLarge, est.Bucket)
}
