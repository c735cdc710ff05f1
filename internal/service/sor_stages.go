package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/dropboxsign"
	"github.com/noah-isme/sor-automation-api/pkg/moodle"
)

type documentStore interface {
	RenderAndStore(ctx context.Context, req *models.SORRequest) (string, error)
	StoreSigned(ctx context.Context, req *models.SORRequest, data []byte) (string, error)
	Load(ctx context.Context, location string) ([]byte, error)
}

type signatureProvider interface {
	Send(ctx context.Context, in dropboxsign.SendRequest) (string, error)
	Status(ctx context.Context, requestID string) (*dropboxsign.Status, error)
	DownloadSigned(ctx context.Context, requestID string) ([]byte, error)
}

type lmsClient interface {
	Assignment(ctx context.Context) (*moodle.Assignment, error)
	UploadSubmission(ctx context.Context, in moodle.Upload) (*moodle.UploadResult, error)
	SaveGrade(ctx context.Context, in moodle.Grade) error
	ReleaseGrade(ctx context.Context, learnerID string) error
	GradingStatus(ctx context.Context) (*moodle.GradingStatus, error)
}

// SignatureTemplate is the text sent with each signature request.
type SignatureTemplate struct {
	Title   string
	Subject string
	Message string
}

// StageOutcome is what a stage executor decided. Transition is nil when the status
// does not change; Audit then holds entries to append on their own.
type StageOutcome struct {
	Transition *models.SORTransition
	Audit      []models.AuditEntry
	Err        error
}

func (o StageOutcome) label() string {
	switch {
	case o.Err != nil:
		return outcomeFailed
	case o.Transition == nil && len(o.Audit) == 0:
		return outcomePending
	default:
		return outcomeSuccess
	}
}

// stageExecutors holds the collaborators each state machine edge calls out to.
type stageExecutors struct {
	documents     documentStore
	signatures    signatureProvider
	lms           lmsClient
	template      SignatureTemplate
	skipSignature bool
	now           func() time.Time
}

// routesThroughSignature reports whether the request must be signed before upload.
func (e *stageExecutors) routesThroughSignature(req *models.SORRequest) bool {
	return req.HasEmail() && !e.skipSignature
}

// checkPrecondition rejects a stage that is not an outgoing edge of the request's
// current status. A failed request accepts only a retry of the stage it failed at.
func (e *stageExecutors) checkPrecondition(stage models.SORStage, req *models.SORRequest) error {
	ok := false
	switch stage {
	case models.SORStageGeneratePDF:
		ok = req.Status == models.SORStatusPending || req.FailedAt(stage)
	case models.SORStageSendSignature:
		ok = (req.Status == models.SORStatusPDFGenerated || req.FailedAt(stage)) && e.routesThroughSignature(req)
	case models.SORStageReconcileSignature:
		ok = req.Status == models.SORStatusSignatureSent || req.FailedAt(stage)
	case models.SORStageUpload:
		ok = req.Status == models.SORStatusSigned ||
			(req.Status == models.SORStatusPDFGenerated && !e.routesThroughSignature(req)) ||
			req.FailedAt(stage)
	case models.SORStageSyncGrade:
		ok = req.Status == models.SORStatusUploaded
	default:
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown stage %q", stage))
	}
	if ok {
		return nil
	}
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot run %s while request is %s", stage, describeStatus(req)))
}

// nextChainStage returns the stage the creation chain runs next, or "" when the chain stops.
func (e *stageExecutors) nextChainStage(req *models.SORRequest) models.SORStage {
	switch req.Status {
	case models.SORStatusPending:
		return models.SORStageGeneratePDF
	case models.SORStatusPDFGenerated:
		if e.routesThroughSignature(req) {
			return models.SORStageSendSignature
		}
		return models.SORStageUpload
	case models.SORStatusSigned:
		return models.SORStageUpload
	}
	return ""
}

func (e *stageExecutors) generatePDF(ctx context.Context, req *models.SORRequest) StageOutcome {
	location, err := e.documents.RenderAndStore(ctx, req)
	if err != nil {
		return e.fail(req, models.SORStageGeneratePDF, models.AuditActionPDFGenerationFailed, err)
	}
	t := e.advance(req, models.SORStatusPDFGenerated, models.AuditActionPDFGenerated, "statement stored at "+location)
	t.PDFPath = &location
	return StageOutcome{Transition: t}
}

func (e *stageExecutors) sendSignature(ctx context.Context, req *models.SORRequest) StageOutcome {
	if req.PDFPath == nil {
		return e.fail(req, models.SORStageSendSignature, models.AuditActionSignatureSendFailed,
			appErrors.Clone(appErrors.ErrInternal, "request has no generated statement"))
	}
	data, err := e.documents.Load(ctx, *req.PDFPath)
	if err != nil {
		return e.fail(req, models.SORStageSendSignature, models.AuditActionSignatureSendFailed, err)
	}

	message := e.template.Message
	if req.LearnerName != "" {
		message = fmt.Sprintf("Dear %s,\n\n%s", req.LearnerName, message)
	}
	signatureID, err := e.signatures.Send(ctx, dropboxsign.SendRequest{
		Title:       e.template.Title,
		Subject:     e.template.Subject,
		Message:     message,
		SignerEmail: req.LearnerEmail,
		SignerName:  req.LearnerName,
		FileName:    documentFileName(req, false),
		File:        data,
	})
	if err != nil {
		return e.fail(req, models.SORStageSendSignature, models.AuditActionSignatureSendFailed, err)
	}

	sentAt := e.now().UTC()
	t := e.advance(req, models.SORStatusSignatureSent, models.AuditActionSignatureSent,
		fmt.Sprintf("signature request %s sent to %s", signatureID, req.LearnerEmail))
	t.SignatureRequestID = &signatureID
	t.SignatureSentAt = &sentAt
	return StageOutcome{Transition: t}
}

// reconcileSignature polls the provider. A request that is not complete yet, or whose
// signed file is still being assembled, produces an empty outcome.
func (e *stageExecutors) reconcileSignature(ctx context.Context, req *models.SORRequest) StageOutcome {
	if req.SignatureRequestID == nil {
		return e.fail(req, models.SORStageReconcileSignature, models.AuditActionSignatureCheckFailed,
			appErrors.Clone(appErrors.ErrInternal, "request has no signature request id"))
	}
	status, err := e.signatures.Status(ctx, *req.SignatureRequestID)
	if err != nil {
		return e.fail(req, models.SORStageReconcileSignature, models.AuditActionSignatureCheckFailed, err)
	}
	if status.Declined {
		return e.fail(req, models.SORStageReconcileSignature, models.AuditActionSignatureDeclined,
			appErrors.Clone(appErrors.ErrUpstreamRejected, "signer declined the signature request"))
	}
	if !status.Complete {
		return e.awaitSignature(req)
	}

	data, err := e.signatures.DownloadSigned(ctx, *req.SignatureRequestID)
	if errors.Is(err, dropboxsign.ErrNotReady) {
		return e.awaitSignature(req)
	}
	if err != nil {
		return e.fail(req, models.SORStageReconcileSignature, models.AuditActionSignatureCheckFailed, err)
	}
	location, err := e.documents.StoreSigned(ctx, req, data)
	if err != nil {
		return e.fail(req, models.SORStageReconcileSignature, models.AuditActionSignatureCheckFailed, err)
	}

	t := e.advance(req, models.SORStatusSigned, models.AuditActionSignatureCompleted, "signed statement stored at "+location)
	t.SignedPDFPath = &location
	return StageOutcome{Transition: t}
}

// awaitSignature leaves a waiting request alone. A failed request that is retried while
// the signer has not finished goes back to signature_sent so the sweep picks it up again.
func (e *stageExecutors) awaitSignature(req *models.SORRequest) StageOutcome {
	if req.Status != models.SORStatusFailed {
		return StageOutcome{}
	}
	return StageOutcome{Transition: &models.SORTransition{
		RequestID: req.ID,
		From:      req.Status,
		To:        models.SORStatusSignatureSent,
		Audit:     []models.AuditEntry{
			auditEntry(req.ID, models.AuditActionSignatureResumed, models.AuditStatusPending,
				fmt.Sprintf("%s -> %s: signature still pending", req.Status, models.SORStatusSignatureSent)),
		},
	}}
}

// upload pushes the signed statement, or the generated one on the unsigned path.
func (e *stageExecutors) upload(ctx context.Context, req *models.SORRequest) StageOutcome {
	location, signed := req.PDFPath, false
	if req.SignedPDFPath != nil {
		location, signed = req.SignedPDFPath, true
	}
	if location == nil {
		return e.fail(req, models.SORStageUpload, models.AuditActionUploadFailed,
			appErrors.Clone(appErrors.ErrInternal, "request has no statement to upload"))
	}
	data, err := e.documents.Load(ctx, *location)
	if err != nil {
		return e.fail(req, models.SORStageUpload, models.AuditActionUploadFailed, err)
	}

	result, err := e.lms.UploadSubmission(ctx, moodle.Upload{
		UserID:      req.LearnerID,
		LearnerName: req.LearnerName,
		FileName:    documentFileName(req, signed),
		Data:        data,
	})
	if err != nil {
		return e.fail(req, models.SORStageUpload, models.AuditActionUploadFailed, err)
	}

	kind := "unsigned"
	if signed {
		kind = "signed"
	}
	t := e.advance(req, models.SORStatusUploaded, models.AuditActionUploaded,
		fmt.Sprintf("%s statement attached to submission %d", kind, result.SubmissionID))
	return StageOutcome{Transition: t}
}

// syncGrade writes percentage (0-100) scaled to the assignment's maximum grade. It never
// changes the request status.
func (e *stageExecutors) syncGrade(ctx context.Context, req *models.SORRequest, percentage float64, feedback string) StageOutcome {
	failed := func(err error) StageOutcome {
		return StageOutcome{
			Audit: []models.AuditEntry{auditEntry(req.ID, models.AuditActionGradeSyncFailed, models.AuditStatusFailed, err.Error())},
			Err:   err,
		}
	}

	assignment, err := e.lms.Assignment(ctx)
	if err != nil {
		return failed(err)
	}
	grade := ScaleGrade(percentage, assignment.MaxGrade)
	if err := e.lms.SaveGrade(ctx, moodle.Grade{UserID: req.LearnerID, Grade: grade, Feedback: feedback}); err != nil {
		return failed(err)
	}

	details := fmt.Sprintf("grade %s%% synced as %s/%s", formatScore(percentage), formatScore(grade), formatScore(assignment.MaxGrade))
	return StageOutcome{Audit: []models.AuditEntry{auditEntry(req.ID, models.AuditActionGradeSynced, models.AuditStatusSuccess, details)}}
}

// gradeFeedback returns the feedback sent with a grade, defaulting to a score summary.
func gradeFeedback(percentage float64, feedback string) string {
	if feedback != "" {
		return feedback
	}
	return fmt.Sprintf("SOR Assessment completed. Score: %.2f%%", percentage)
}

func (e *stageExecutors) releaseGrade(ctx context.Context, req *models.SORRequest) StageOutcome {
	if err := e.lms.ReleaseGrade(ctx, req.LearnerID); err != nil {
		return StageOutcome{
			Audit: []models.AuditEntry{auditEntry(req.ID, models.AuditActionGradeReleaseFailed, models.AuditStatusFailed, err.Error())},
			Err:   err,
		}
	}
	return StageOutcome{Audit: []models.AuditEntry{auditEntry(req.ID, models.AuditActionGradeReleased, models.AuditStatusSuccess, "grade released to learner")}}
}

func (e *stageExecutors) advance(req *models.SORRequest, to models.SORStatus, action, details string) *models.SORTransition {
	return &models.SORTransition{
		RequestID: req.ID,
		From:      req.Status,
		To:        to,
		Audit: []models.AuditEntry{
			auditEntry(req.ID, action, models.AuditStatusSuccess, fmt.Sprintf("%s -> %s: %s", req.Status, to, details)),
		},
	}
}

func (e *stageExecutors) fail(req *models.SORRequest, stage models.SORStage, action string, err error) StageOutcome {
	appErr := appErrors.FromError(err)
	message := err.Error()
	failedStage := stage
	code := appErr.Code
	return StageOutcome{
		Transition: &models.SORTransition{
			RequestID:    req.ID,
			From:         req.Status,
			To:           models.SORStatusFailed,
			FailedStage:  &failedStage,
			ErrorMessage: &message,
			FailureCode:  &code,
			Audit: []models.AuditEntry{
				auditEntry(req.ID, action, models.AuditStatusFailed, fmt.Sprintf("%s [%s]: %s", stage, appErr.Code, message)),
			},
		},
		Err: appErr,
	}
}

// ScaleGrade converts a percentage into the assignment's grading scale.
func ScaleGrade(percentage, maxGrade float64) float64 {
	return decimal.NewFromFloat(percentage).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromFloat(maxGrade)).
		Round(2).
		InexactFloat64()
}

func auditEntry(requestID, action string, status models.AuditStatus, details string) models.AuditEntry {
	return models.AuditEntry{RequestID: requestID, Action: action, Status: status, Details: details, Actor: models.AuditActorSystem}
}

func documentFileName(req *models.SORRequest, signed bool) string {
	name := "SOR_" + sanitizeFilename(req.LearnerName)
	if signed {
		return name + signedSuffix
	}
	return name + ".pdf"
}

func describeStatus(req *models.SORRequest) string {
	if req.Status == models.SORStatusFailed && req.FailedStage != nil {
		return fmt.Sprintf("failed at %s", *req.FailedStage)
	}
	return string(req.Status)
}

func formatScore(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(decimal.NewFromFloat(v).StringFixed(2), "0"), ".")
}
