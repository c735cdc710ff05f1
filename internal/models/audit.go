package models

import "time"

// AuditStatus is the outcome recorded on an audit entry.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusFailed  AuditStatus = "failed"
	AuditStatusPending AuditStatus = "pending"
)

// AuditActorSystem is recorded for every workflow-driven entry.
const AuditActorSystem = "system"

// Audit actions written by the workflow.
const (
	AuditActionRequestCreated       = "request_created"
	AuditActionPDFGenerated         = "pdf_generated"
	AuditActionPDFGenerationFailed  = "pdf_generation_failed"
	AuditActionSignatureSent        = "signature_sent"
	AuditActionSignatureSendFailed  = "signature_send_failed"
	AuditActionSignatureCompleted   = "signature_completed"
	AuditActionSignatureDeclined    = "signature_declined"
	AuditActionSignatureCheckFailed = "signature_check_failed"
	AuditActionSignatureResumed     = "signature_resumed"
	AuditActionUploaded             = "uploaded"
	AuditActionUploadFailed         = "upload_failed"
	AuditActionGradeSynced          = "grade_synced"
	AuditActionGradeSyncFailed      = "grade_sync_failed"
	AuditActionGradeReleased        = "grade_released"
	AuditActionGradeReleaseFailed   = "grade_release_failed"
)

// AuditEntry is an append-only record of something that happened to a request.
type AuditEntry struct {
	ID        int64       `db:"id" json:"id"`
	RequestID string      `db:"request_id" json:"requestId"`
	Action    string      `db:"action" json:"action"`
	Status    AuditStatus `db:"status" json:"status"`
	Details   string      `db:"details" json:"details"`
	Actor     string      `db:"actor" json:"actor"`
	CreatedAt time.Time   `db:"created_at" json:"createdAt"`
}
