package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rachitjindal56/mini-studio/internal/api/handler"
)

// Setup configures and returns the Gin router with all routes
func Setup(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "mini-studio-api",
		})
	})

	fineTuning := handler.NewFineTuningHandler(deps)
	inference := handler.NewInferenceHandler(deps)

	v1 := r.Group("/api/v1")
	{
		ft := v1.Group("/fine-tuning")
		{
			// POST /api/v1/fine-tuning/jobs - Submit a fine-tuning job
			ft.POST("/jobs", fineTuning.CreateJob)

			// GET /api/v1/fine-tuning/jobs/:job_id - Get job details
			ft.GET("/jobs/:job_id", fineTuning.GetJob)

			// GET /api/v1/fine-tuning/clients/:client_code/jobs - List a client's jobs
			ft.GET("/clients/:client_code/jobs", fineTuning.ListClientJobs)

			// GET /api/v1/fine-tuning/cluster-status - Execution capacity view
			ft.GET("/cluster-status", fineTuning.ClusterStatus)

			// POST /api/v1/fine-tuning/datasets/:client_code - Upload a dataset
			ft.POST("/datasets/:client_code", fineTuning.UploadDataset)
		}

		inf := v1.Group("/inference")
		{
			// POST /api/v1/inference/routes - Register a model deployment
			inf.POST("/routes", inference.DeployRoute)

			// POST /api/v1/inference/infer/:model_name - Forward an inference call
			inf.POST("/infer/:model_name", inference.Infer)
		}
	}

	return r
}
