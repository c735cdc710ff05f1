package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/response"
)

type sorWorkflow interface {
	CreateRequest(ctx context.Context, req dto.CreateSORRequest) (*dto.WorkflowResult, error)
	Advance(ctx context.Context, id string, stage models.SORStage) (*dto.WorkflowResult, error)
	Retry(ctx context.Context, id string) (*dto.WorkflowResult, error)
	SyncGrade(ctx context.Context, id string, in dto.SyncGradeRequest) (*dto.GradeSyncResult, error)
	ReleaseGrade(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*dto.SORRequestDetail, error)
	List(ctx context.Context, q dto.ListSORRequestsQuery) ([]dto.SORRequestSummary, *models.Pagination, error)
}

// SORRequestHandler exposes the request lifecycle endpoints.
type SORRequestHandler struct {
	workflow sorWorkflow
}

// NewSORRequestHandler constructs the handler.
func NewSORRequestHandler(workflow sorWorkflow) *SORRequestHandler {
	return &SORRequestHandler{workflow: workflow}
}

// Create godoc
// @Summary Create a statement of results request
// @Description Snapshots the learner's quiz grades, generates the statement and routes it to signature or upload.
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateSORRequest true "Learner details"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /requests [post]
func (h *SORRequestHandler) Create(c *gin.Context) {
	var req dto.CreateSORRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
		return
	}
	result, err := h.workflow.CreateRequest(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// List godoc
// @Summary List requests
// @Tags Requests
// @Produce json
// @Param status query string false "Status filter"
// @Param search query string false "Learner name, id or email"
// @Param page query int false "Page"
// @Param pageSize query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *SORRequestHandler) List(c *gin.Context) {
	var q dto.ListSORRequestsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	items, pagination, err := h.workflow.List(c.Request.Context(), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get a request with its audit log
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *SORRequestHandler) Get(c *gin.Context) {
	detail, err := h.workflow.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// GeneratePDF godoc
// @Summary Generate the statement PDF
// @Tags Stages
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/generate-pdf [post]
func (h *SORRequestHandler) GeneratePDF(c *gin.Context) {
	h.advance(c, models.SORStageGeneratePDF)
}

// SendSignature godoc
// @Summary Send the statement for e-signature
// @Tags Stages
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/send-signature [post]
func (h *SORRequestHandler) SendSignature(c *gin.Context) {
	h.advance(c, models.SORStageSendSignature)
}

// CheckSignature godoc
// @Summary Reconcile the signature status of one request
// @Tags Stages
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/check-signature [post]
func (h *SORRequestHandler) CheckSignature(c *gin.Context) {
	h.advance(c, models.SORStageReconcileSignature)
}

// UploadMoodle godoc
// @Summary Upload the statement to the LMS assignment
// @Tags Stages
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/upload-moodle [post]
func (h *SORRequestHandler) UploadMoodle(c *gin.Context) {
	h.advance(c, models.SORStageUpload)
}

// Retry godoc
// @Summary Retry the stage a failed request stopped at
// @Tags Stages
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/retry [post]
func (h *SORRequestHandler) Retry(c *gin.Context) {
	result, err := h.workflow.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// SyncGrade godoc
// @Summary Write the grade for an uploaded request to the LMS gradebook
// @Tags Grades
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.SyncGradeRequest false "Grade override and feedback"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/sync-grade [post]
func (h *SORRequestHandler) SyncGrade(c *gin.Context) {
	var in dto.SyncGradeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request body"))
			return
		}
	}
	result, err := h.workflow.SyncGrade(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ReleaseGrade godoc
// @Summary Release the learner's grade in the LMS
// @Tags Grades
// @Param id path string true "Request ID"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/release-grade [post]
func (h *SORRequestHandler) ReleaseGrade(c *gin.Context) {
	if err := h.workflow.ReleaseGrade(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// advance runs one stage. A stage that ran and failed still answers 200; the failure is
// part of the result and already recorded on the request.
func (h *SORRequestHandler) advance(c *gin.Context, stage models.SORStage) {
	result, err := h.workflow.Advance(c.Request.Context(), c.Param("id"), stage)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
