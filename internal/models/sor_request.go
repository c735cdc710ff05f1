package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SORStatus is the current state of a statement of results request.
type SORStatus string

const (
	SORStatusPending       SORStatus = "pending"
	SORStatusPDFGenerated  SORStatus = "pdf_generated"
	SORStatusSignatureSent SORStatus = "signature_sent"
	SORStatusSigned        SORStatus = "signed"
	SORStatusUploaded      SORStatus = "uploaded"
	SORStatusFailed        SORStatus = "failed"
)

// SORStatuses lists every status in lifecycle order.
var SORStatuses = []SORStatus{
	SORStatusPending,
	SORStatusPDFGenerated,
	SORStatusSignatureSent,
	SORStatusSigned,
	SORStatusUploaded,
	SORStatusFailed,
}

// Valid reports whether s is a known status.
func (s SORStatus) Valid() bool {
	for _, known := range SORStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// SORStage names a single edge of the request state machine.
type SORStage string

const (
	SORStageGeneratePDF        SORStage = "generate_pdf"
	SORStageSendSignature      SORStage = "send_signature"
	SORStageReconcileSignature SORStage = "reconcile_signature"
	SORStageUpload             SORStage = "upload"
	SORStageSyncGrade          SORStage = "sync_grade"
)

// Valid reports whether s is a known stage.
func (s SORStage) Valid() bool {
	switch s {
	case SORStageGeneratePDF, SORStageSendSignature, SORStageReconcileSignature, SORStageUpload, SORStageSyncGrade:
		return true
	}
	return false
}

// SORRequest is one learner's statement of results moving through the workflow.
type SORRequest struct {
	ID                 string      `db:"id" json:"id"`
	LearnerID          string      `db:"learner_id" json:"learnerId"`
	LearnerName        string      `db:"learner_name" json:"learnerName"`
	LearnerEmail       string      `db:"learner_email" json:"learnerEmail,omitempty"`
	Scores             TopicScores `db:"scores" json:"scores"`
	OverallScore       *float64    `db:"overall_score" json:"overallScore"`
	Status             SORStatus   `db:"status" json:"status"`
	FailedStage        *SORStage   `db:"failed_stage" json:"failedStage,omitempty"`
	PDFPath            *string     `db:"pdf_path" json:"pdfPath,omitempty"`
	SignatureRequestID *string     `db:"signature_request_id" json:"signatureRequestId,omitempty"`
	SignatureSentAt    *time.Time  `db:"signature_sent_at" json:"signatureSentAt,omitempty"`
	SignedPDFPath      *string     `db:"signed_pdf_path" json:"signedPdfPath,omitempty"`
	ErrorMessage       *string     `db:"error_message" json:"errorMessage,omitempty"`
	FailureCode        *string     `db:"failure_code" json:"failureCode,omitempty"`
	CreatedAt          time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updatedAt"`
}

// HasEmail reports whether the request routes through e-signature.
func (r *SORRequest) HasEmail() bool {
	return r != nil && r.LearnerEmail != ""
}

// FailedAt reports whether the request is failed at the given stage.
func (r *SORRequest) FailedAt(stage SORStage) bool {
	return r.Status == SORStatusFailed && r.FailedStage != nil && *r.FailedStage == stage
}

// Workflow projects the canonical status onto the progress flags shown to operators.
// A failed request keeps the flags earned by the artifacts it already produced.
func (r *SORRequest) Workflow() WorkflowStatus {
	ws := WorkflowStatus{RequestCreated: true}
	switch r.Status {
	case SORStatusUploaded:
		ws.Uploaded = true
		ws.PDFGenerated = true
		ws.SignatureSent = r.SignatureRequestID != nil
		ws.Signed = r.SignedPDFPath != nil
	case SORStatusSigned:
		ws.Signed = true
		fallthrough
	case SORStatusSignatureSent:
		ws.SignatureSent = true
		fallthrough
	case SORStatusPDFGenerated:
		ws.PDFGenerated = true
	case SORStatusFailed:
		ws.PDFGenerated = r.PDFPath != nil
		ws.SignatureSent = r.SignatureRequestID != nil
		ws.Signed = r.SignedPDFPath != nil
	}
	return ws
}

// WorkflowStatus is the boolean projection of a request's status.
type WorkflowStatus struct {
	RequestCreated bool `json:"requestCreated"`
	PDFGenerated   bool `json:"pdfGenerated"`
	SignatureSent  bool `json:"signatureSent"`
	Signed         bool `json:"signed"`
	Uploaded       bool `json:"uploaded"`
}

// TopicScore is one completed quiz in the grade snapshot.
type TopicScore struct {
	QuizID     int     `json:"quizId"`
	Topic      string  `json:"topic"`
	RawScore   float64 `json:"rawScore"`
	MaxScore   float64 `json:"maxScore"`
	Percentage float64 `json:"percentage"`
}

// TopicScores is the snapshot persisted as JSONB.
type TopicScores []TopicScore

// Value marshals the snapshot to JSON for persistence.
func (s TopicScores) Value() (driver.Value, error) {
	if s == nil {
		s = TopicScores{}
	}
	data, err := json.Marshal([]TopicScore(s))
	if err != nil {
		return nil, fmt.Errorf("marshal topic scores: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the snapshot.
func (s *TopicScores) Scan(value interface{}) error {
	if value == nil {
		*s = TopicScores{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for TopicScores", value)
	}
	if len(data) == 0 {
		*s = TopicScores{}
		return nil
	}
	var scores []TopicScore
	if err := json.Unmarshal(data, &scores); err != nil {
		return fmt.Errorf("unmarshal topic scores: %w", err)
	}
	*s = scores
	return nil
}

// SORRequestFilter narrows list queries.
type SORRequestFilter struct {
	Status   SORStatus
	Search   string
	Page     int
	PageSize int
}

// SORTransition is a guarded status change persisted together with its audit entries.
// Artifact pointers left nil keep their stored value.
type SORTransition struct {
	RequestID          string
	From               SORStatus
	To                 SORStatus
	FailedStage        *SORStage
	ErrorMessage       *string
	FailureCode        *string
	PDFPath            *string
	SignatureRequestID *string
	SignatureSentAt    *time.Time
	SignedPDFPath      *string
	Audit              []AuditEntry
}
