package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/middleware"
	"github.com/noah-isme/sor-automation-api/internal/models"
	"github.com/noah-isme/sor-automation-api/internal/service"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/moodle"
	"github.com/noah-isme/sor-automation-api/pkg/response"
)

type bulkWorkflow interface {
	ProcessAllPending(ctx context.Context) (*dto.BulkResult, error)
	BulkSyncGrades(ctx context.Context) (*dto.BulkResult, error)
	PreviewGrades(ctx context.Context, learnerID, name string) (*service.GradeSnapshot, error)
	GradingStatus(ctx context.Context) (*moodle.GradingStatus, error)
}

type signatureSweeper interface {
	Sweep(ctx context.Context) (*dto.SweepResult, error)
}

type statsReader interface {
	Stats(ctx context.Context) (*models.SORStats, bool, error)
}

// OperationsHandler exposes bulk operations and reporting.
type OperationsHandler struct {
	workflow bulkWorkflow
	sweeper  signatureSweeper
	stats    statsReader
}

// NewOperationsHandler constructs the handler.
func NewOperationsHandler(workflow bulkWorkflow, sweeper signatureSweeper, stats statsReader) *OperationsHandler {
	return &OperationsHandler{workflow: workflow, sweeper: sweeper, stats: stats}
}

// ProcessPending godoc
// @Summary Run every pending request through the creation chain
// @Tags Operations
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /process-pending [post]
func (h *OperationsHandler) ProcessPending(c *gin.Context) {
	result, err := h.workflow.ProcessAllPending(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// CheckSignatures godoc
// @Summary Reconcile every request awaiting signature
// @Tags Operations
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /check-signatures [post]
func (h *OperationsHandler) CheckSignatures(c *gin.Context) {
	result, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// BulkSyncGrades godoc
// @Summary Sync the snapshot grade of every uploaded request
// @Tags Grades
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /bulk-sync-grades [post]
func (h *OperationsHandler) BulkSyncGrades(c *gin.Context) {
	result, err := h.workflow.BulkSyncGrades(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Stats godoc
// @Summary Request counts per status
// @Tags Reporting
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /stats [get]
func (h *OperationsHandler) Stats(c *gin.Context) {
	stats, cacheHit, err := h.stats.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// GradingStatus godoc
// @Summary Grading progress of the SOR assignment
// @Tags Reporting
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /grading-status [get]
func (h *OperationsHandler) GradingStatus(c *gin.Context) {
	status, err := h.workflow.GradingStatus(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// LearnerGrades godoc
// @Summary Preview a learner's grade snapshot
// @Tags Grades
// @Produce json
// @Param learnerId path string true "LMS user ID"
// @Param name query string false "Learner name to compare with the LMS record"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /learners/{learnerId}/grades [get]
func (h *OperationsHandler) LearnerGrades(c *gin.Context) {
	learnerID := strings.TrimSpace(c.Param("learnerId"))
	if learnerID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "learnerId is required"))
		return
	}
	snapshot, err := h.workflow.PreviewGrades(c.Request.Context(), learnerID, c.Query("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}
