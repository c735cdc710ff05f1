package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Handlers groups every handler the API mounts.
type Handlers struct {
	Requests   *SORRequestHandler
	Operations *OperationsHandler
	Artifacts  *ArtifactHandler
	Metrics    *MetricsHandler
}

// RegisterRoutes mounts the API under prefix and the probes at the root.
func RegisterRoutes(r *gin.Engine, prefix string, h Handlers) {
	r.GET("/health", h.Metrics.Health)
	r.GET("/ready", h.Metrics.Ready)
	r.GET("/metrics", h.Metrics.Prometheus)

	api := r.Group("/" + strings.Trim(prefix, "/"))

	requests := api.Group("/requests")
	requests.POST("", h.Requests.Create)
	requests.GET("", h.Requests.List)
	requests.GET("/:id", h.Requests.Get)
	requests.POST("/:id/generate-pdf", h.Requests.GeneratePDF)
	requests.POST("/:id/send-signature", h.Requests.SendSignature)
	requests.POST("/:id/check-signature", h.Requests.CheckSignature)
	requests.POST("/:id/upload-moodle", h.Requests.UploadMoodle)
	requests.POST("/:id/retry", h.Requests.Retry)
	requests.POST("/:id/sync-grade", h.Requests.SyncGrade)
	requests.POST("/:id/release-grade", h.Requests.ReleaseGrade)

	api.POST("/process-pending", h.Operations.ProcessPending)
	api.POST("/check-signatures", h.Operations.CheckSignatures)
	api.POST("/bulk-sync-grades", h.Operations.BulkSyncGrades)
	api.GET("/stats", h.Operations.Stats)
	api.GET("/grading-status", h.Operations.GradingStatus)
	api.GET("/learners/:learnerId/grades", h.Operations.LearnerGrades)

	if h.Artifacts != nil {
		api.GET("/artifacts/:token", h.Artifacts.Download)
	}
}
