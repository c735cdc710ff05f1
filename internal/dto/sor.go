package dto

import (
	"time"

	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

// CreateSORRequest is the payload for starting a new statement of results.
type CreateSORRequest struct {
	LearnerID    string `json:"learnerId" validate:"required,numeric,max=32"`
	LearnerName  string `json:"learnerName" validate:"required,max=255"`
	LearnerEmail string `json:"learnerEmail" validate:"omitempty,email,max=255"`
}

// SyncGradeRequest overrides the grade written to the LMS. Grade is a percentage.
type SyncGradeRequest struct {
	Grade    *float64 `json:"grade" validate:"omitempty,gte=0,lte=100"`
	Feedback string   `json:"feedback" validate:"max=2000"`
}

// ListSORRequestsQuery captures list filters.
type ListSORRequestsQuery struct {
	Status   string `form:"status"`
	Search   string `form:"search"`
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
}

// WorkflowResult reports where a request ended up after an operation. Error is set when
// the last stage failed; the failure is already recorded on the request.
type WorkflowResult struct {
	ID             string                `json:"id"`
	Status         models.SORStatus      `json:"status"`
	FailedStage    *models.SORStage      `json:"failedStage,omitempty"`
	WorkflowStatus models.WorkflowStatus `json:"workflowStatus"`
	Error          *appErrors.Error      `json:"error,omitempty"`
}

// ArtifactLink is an expiring download link for a stored document.
type ArtifactLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SORArtifacts lists download links for a request's documents.
type SORArtifacts struct {
	PDF       *ArtifactLink `json:"pdf,omitempty"`
	SignedPDF *ArtifactLink `json:"signedPdf,omitempty"`
}

// SORRequestSummary is a list row.
type SORRequestSummary struct {
	models.SORRequest
	WorkflowStatus models.WorkflowStatus `json:"workflowStatus"`
}

// SORRequestDetail is a request with its audit trail.
type SORRequestDetail struct {
	models.SORRequest
	WorkflowStatus models.WorkflowStatus `json:"workflowStatus"`
	Artifacts      SORArtifacts          `json:"artifacts"`
	AuditLog       []models.AuditEntry   `json:"auditLog"`
	Retryable      bool                  `json:"retryable"`
}

// GradeSyncResult describes a grade written to the LMS.
type GradeSyncResult struct {
	RequestID  string  `json:"requestId"`
	Percentage float64 `json:"percentage"`
	Feedback   string  `json:"feedback,omitempty"`
	Details    string  `json:"details"`
}

// BulkItem is the per-request outcome of a bulk operation.
type BulkItem struct {
	RequestID string           `json:"requestId"`
	Status    models.SORStatus `json:"status,omitempty"`
	Error     *appErrors.Error `json:"error,omitempty"`
}

// BulkResult aggregates a bulk operation. Skipped counts requests another worker held.
type BulkResult struct {
	Total        int        `json:"total"`
	SuccessCount int        `json:"successCount"`
	FailCount    int        `json:"failCount"`
	Skipped      int        `json:"skipped"`
	Items        []BulkItem `json:"items"`
}

// SweepResult summarises one signature reconciliation sweep.
type SweepResult struct {
	Checked  int `json:"checked"`
	Signed   int `json:"signed"`
	Uploaded int `json:"uploaded"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}
