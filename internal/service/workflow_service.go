package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/models"
	"github.com/noah-isme/sor-automation-api/internal/repository"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/lock"
	applog "github.com/noah-isme/sor-automation-api/pkg/logger"
	"github.com/noah-isme/sor-automation-api/pkg/moodle"
)

const statsCachePattern = "stats*"

type sorRepository interface {
	Create(ctx context.Context, req *models.SORRequest, audit models.AuditEntry) error
	FindByID(ctx context.Context, id string) (*models.SORRequest, error)
	List(ctx context.Context, filter models.SORRequestFilter) ([]models.SORRequest, int, error)
	ListIDsByStatus(ctx context.Context, status models.SORStatus, limit int) ([]string, error)
	ApplyTransition(ctx context.Context, t models.SORTransition) error
	AppendAudit(ctx context.Context, entries ...models.AuditEntry) error
	ListAudit(ctx context.Context, requestID string) ([]models.AuditEntry, error)
}

type snapshotFetcher interface {
	Fetch(ctx context.Context, learnerID, name string) (*GradeSnapshot, error)
}

type artifactLinker interface {
	Link(requestID string, location *string) *dto.ArtifactLink
}

// WorkflowConfig tunes the orchestration engine.
type WorkflowConfig struct {
	SkipSignature   bool
	BatchLimit      int
	BulkConcurrency int
	Signature       SignatureTemplate
}

// WorkflowDeps bundles the engine's collaborators.
type WorkflowDeps struct {
	Repo       sorRepository
	Snapshots  snapshotFetcher
	Documents  documentStore
	Links      artifactLinker
	Signatures signatureProvider
	LMS        lmsClient
	Locker     lock.Locker
	Cache      *CacheService
	Metrics    *MetricsService
	Validator  *validator.Validate
	Logger     *zap.Logger
}

// WorkflowService is the orchestration engine. It sequences stage executors according
// to the request state machine and guarantees one active transition per request.
type WorkflowService struct {
	repo      sorRepository
	snapshots snapshotFetcher
	links     artifactLinker
	stages    *stageExecutors
	locker    lock.Locker
	cache     *CacheService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cfg       WorkflowConfig
}

// NewWorkflowService constructs the engine.
func NewWorkflowService(deps WorkflowDeps, cfg WorkflowConfig) *WorkflowService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 1
	}
	return &WorkflowService{
		repo:      deps.Repo,
		snapshots: deps.Snapshots,
		links:     deps.Links,
		stages: &stageExecutors{
			documents:     deps.Documents,
			signatures:    deps.Signatures,
			lms:           deps.LMS,
			template:      cfg.Signature,
			skipSignature: cfg.SkipSignature,
			now:           time.Now,
		},
		locker:    deps.Locker,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		validator: deps.Validator,
		logger:    deps.Logger,
		cfg:       cfg,
	}
}

// CreateRequest snapshots the learner's grades, persists a pending request and drives it
// through PDF generation and then signature or upload. Stage failures are reported in the
// result; the returned error is only set when no request could be created.
func (s *WorkflowService) CreateRequest(ctx context.Context, req dto.CreateSORRequest) (*dto.WorkflowResult, error) {
	req.LearnerID = strings.TrimSpace(req.LearnerID)
	req.LearnerName = strings.TrimSpace(req.LearnerName)
	req.LearnerEmail = strings.TrimSpace(req.LearnerEmail)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	snapshot, err := s.snapshots.Fetch(ctx, req.LearnerID, req.LearnerName)
	if err != nil {
		return nil, err
	}

	record := &models.SORRequest{
		ID:           uuid.NewString(),
		LearnerID:    req.LearnerID,
		LearnerName:  req.LearnerName,
		LearnerEmail: req.LearnerEmail,
		Scores:       snapshot.Scores,
		OverallScore: snapshot.Overall,
		Status:       models.SORStatusPending,
	}

	release, err := s.acquire(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(release, record.ID)

	details := fmt.Sprintf("%d quizzes, overall %s", len(snapshot.Scores), formatOverall(snapshot.Overall))
	if !snapshot.NameMatched {
		details += fmt.Sprintf("; name differs from lms record %q", snapshot.LMSName)
	}
	if err := s.repo.Create(ctx, record, auditEntry(record.ID, models.AuditActionRequestCreated, models.AuditStatusSuccess, details)); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create request")
	}
	s.invalidateStats(ctx)

	s.logger.Sugar().Infow("sor request created", "request_id", record.ID, "learner_id", record.LearnerID, "quizzes", len(snapshot.Scores))

	stageErr := s.runChain(ctx, record)
	return workflowResult(record, stageErr), nil
}

// Advance runs exactly one stage against the request's current state.
func (s *WorkflowService) Advance(ctx context.Context, id string, stage models.SORStage) (*dto.WorkflowResult, error) {
	if stage == models.SORStageSyncGrade {
		return nil, appErrors.Clone(appErrors.ErrValidation, "use the sync-grade operation to sync grades")
	}
	if !stage.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown stage %q", stage))
	}

	var result *dto.WorkflowResult
	err := s.withRequest(ctx, id, func(req *models.SORRequest) error {
		if err := s.stages.checkPrecondition(stage, req); err != nil {
			return err
		}
		stageErr, err := s.runStage(ctx, stage, req)
		if err != nil {
			return err
		}
		result = workflowResult(req, stageErr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Retry re-runs the stage a failed request stopped at and, when it succeeds, resumes the
// chain from there.
func (s *WorkflowService) Retry(ctx context.Context, id string) (*dto.WorkflowResult, error) {
	var result *dto.WorkflowResult
	err := s.withRequest(ctx, id, func(req *models.SORRequest) error {
		if req.Status != models.SORStatusFailed || req.FailedStage == nil {
			return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("request is %s, only failed requests can be retried", req.Status))
		}
		stage := *req.FailedStage
		if err := s.stages.checkPrecondition(stage, req); err != nil {
			return err
		}
		stageErr, err := s.runStage(ctx, stage, req)
		if err != nil {
			return err
		}
		if stageErr == nil {
			stageErr = s.runChain(ctx, req)
		}
		result = workflowResult(req, stageErr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProcessAllPending chains every pending request. One item's failure never aborts the batch.
func (s *WorkflowService) ProcessAllPending(ctx context.Context) (*dto.BulkResult, error) {
	ids, err := s.repo.ListIDsByStatus(ctx, models.SORStatusPending, s.cfg.BatchLimit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pending requests")
	}

	result := s.forEach(ctx, ids, func(ctx context.Context, id string) dto.BulkItem {
		item := dto.BulkItem{RequestID: id}
		err := s.withRequest(ctx, id, func(req *models.SORRequest) error {
			if req.Status != models.SORStatusPending {
				return appErrors.Clone(appErrors.ErrConflict, "request already picked up")
			}
			stageErr := s.runChain(ctx, req)
			item.Status = req.Status
			item.Error = appErrors.FromError(stageErr)
			return nil
		})
		if err != nil {
			item.Error = appErrors.FromError(err)
		}
		return item
	})
	s.metrics.ObserveBulk("process_pending", result)
	s.logger.Sugar().Infow("processed pending requests", "total", result.Total, "success", result.SuccessCount, "failed", result.FailCount, "skipped", result.Skipped)
	return result, nil
}

// SyncGrade writes a grade for an uploaded request. It may be called any number of times;
// each call appends its own audit entry and the last write wins in the gradebook.
func (s *WorkflowService) SyncGrade(ctx context.Context, id string, in dto.SyncGradeRequest) (*dto.GradeSyncResult, error) {
	if err := s.validator.Struct(in); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	var result *dto.GradeSyncResult
	err := s.withRequest(ctx, id, func(req *models.SORRequest) error {
		if err := s.stages.checkPrecondition(models.SORStageSyncGrade, req); err != nil {
			return err
		}
		percentage := in.Grade
		if percentage == nil {
			percentage = req.OverallScore
		}
		if percentage == nil {
			return appErrors.Clone(appErrors.ErrValidation, "grade is required when the request has no overall score")
		}

		feedback := gradeFeedback(*percentage, in.Feedback)
		start := time.Now()
		outcome := s.stages.syncGrade(ctx, req, *percentage, feedback)
		if err := s.repo.AppendAudit(ctx, outcome.Audit...); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record grade sync")
		}
		s.metrics.ObserveStage(models.SORStageSyncGrade, outcome.label(), time.Since(start))
		if outcome.Err != nil {
			s.logger.Sugar().Warnw("grade sync failed", "request_id", id, "error", outcome.Err)
			return outcome.Err
		}
		result = &dto.GradeSyncResult{RequestID: id, Percentage: *percentage, Feedback: feedback, Details: outcome.Audit[0].Details}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BulkSyncGrades syncs the snapshot overall of every uploaded request.
func (s *WorkflowService) BulkSyncGrades(ctx context.Context) (*dto.BulkResult, error) {
	ids, err := s.repo.ListIDsByStatus(ctx, models.SORStatusUploaded, s.cfg.BatchLimit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list uploaded requests")
	}
	result := s.forEach(ctx, ids, func(ctx context.Context, id string) dto.BulkItem {
		item := dto.BulkItem{RequestID: id, Status: models.SORStatusUploaded}
		if _, err := s.SyncGrade(ctx, id, dto.SyncGradeRequest{}); err != nil {
			item.Error = appErrors.FromError(err)
		}
		return item
	})
	s.metrics.ObserveBulk("sync_grades", result)
	return result, nil
}

// ReleaseGrade marks the learner's grade as released in the LMS.
func (s *WorkflowService) ReleaseGrade(ctx context.Context, id string) error {
	return s.withRequest(ctx, id, func(req *models.SORRequest) error {
		if req.Status != models.SORStatusUploaded {
			return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot release grade while request is %s", describeStatus(req)))
		}
		outcome := s.stages.releaseGrade(ctx, req)
		if err := s.repo.AppendAudit(ctx, outcome.Audit...); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record grade release")
		}
		return outcome.Err
	})
}

// Get returns a request with its audit trail and artifact links.
func (s *WorkflowService) Get(ctx context.Context, id string) (*dto.SORRequestDetail, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	audit, err := s.repo.ListAudit(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit log")
	}
	detail := &dto.SORRequestDetail{
		SORRequest:     *req,
		WorkflowStatus: req.Workflow(),
		AuditLog:       audit,
		Retryable:      retryable(req),
	}
	if s.links != nil {
		detail.Artifacts = dto.SORArtifacts{
			PDF:       s.links.Link(req.ID, req.PDFPath),
			SignedPDF: s.links.Link(req.ID, req.SignedPDFPath),
		}
	}
	return detail, nil
}

// List returns a page of requests.
func (s *WorkflowService) List(ctx context.Context, q dto.ListSORRequestsQuery) ([]dto.SORRequestSummary, *models.Pagination, error) {
	status := models.SORStatus(q.Status)
	if status != "" && !status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", q.Status))
	}
	filter := models.SORRequestFilter{Status: status, Search: strings.TrimSpace(q.Search), Page: q.Page, PageSize: q.PageSize}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 || filter.PageSize > 100 {
		filter.PageSize = 20
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}
	summaries := make([]dto.SORRequestSummary, 0, len(items))
	for i := range items {
		summaries = append(summaries, dto.SORRequestSummary{SORRequest: items[i], WorkflowStatus: items[i].Workflow()})
	}
	return summaries, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// PreviewGrades returns the grade snapshot a new request would capture.
func (s *WorkflowService) PreviewGrades(ctx context.Context, learnerID, name string) (*GradeSnapshot, error) {
	return s.snapshots.Fetch(ctx, learnerID, name)
}

// GradingStatus reports grading progress for the SOR assignment in the LMS.
func (s *WorkflowService) GradingStatus(ctx context.Context) (*moodle.GradingStatus, error) {
	status, err := s.stages.lms.GradingStatus(ctx)
	if err != nil {
		return nil, classifyConnectorError(err, "failed to read grading status")
	}
	return status, nil
}

// reconcileOne runs the reconcile stage for a request found in signature_sent and
// chains the upload when the signature completed.
func (s *WorkflowService) reconcileOne(ctx context.Context, id string) (reconcileResult, error) {
	var res reconcileResult
	err := s.withRequest(ctx, id, func(req *models.SORRequest) error {
		if req.Status != models.SORStatusSignatureSent {
			return appErrors.Clone(appErrors.ErrConflict, "request is no longer awaiting signature")
		}
		stageErr, err := s.runStage(ctx, models.SORStageReconcileSignature, req)
		if err != nil {
			return err
		}
		if stageErr != nil {
			res.err = stageErr
			return nil
		}
		if req.Status != models.SORStatusSigned {
			res.pending = true
			return nil
		}
		res.signed = true
		res.err = s.runChain(ctx, req)
		res.uploaded = req.Status == models.SORStatusUploaded
		return nil
	})
	return res, err
}

type reconcileResult struct {
	pending  bool
	signed   bool
	uploaded bool
	err      error
}

// runChain follows the creation chain from the request's current status until it stops
// or a stage fails. The caller must hold the request lock.
func (s *WorkflowService) runChain(ctx context.Context, req *models.SORRequest) error {
	for {
		stage := s.stages.nextChainStage(req)
		if stage == "" {
			return nil
		}
		stageErr, err := s.runStage(ctx, stage, req)
		if err != nil {
			return err
		}
		if stageErr != nil {
			return stageErr
		}
	}
}

// runStage executes one stage and persists its outcome. stageErr is the classified stage
// failure, already recorded as failed with its audit entry. err means the outcome could
// not be persisted.
func (s *WorkflowService) runStage(ctx context.Context, stage models.SORStage, req *models.SORRequest) (stageErr error, err error) {
	start := time.Now()
	var outcome StageOutcome
	switch stage {
	case models.SORStageGeneratePDF:
		outcome = s.stages.generatePDF(ctx, req)
	case models.SORStageSendSignature:
		outcome = s.stages.sendSignature(ctx, req)
	case models.SORStageReconcileSignature:
		outcome = s.stages.reconcileSignature(ctx, req)
	case models.SORStageUpload:
		outcome = s.stages.upload(ctx, req)
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("stage %s cannot be chained", stage))
	}

	log := applog.WithContext(ctx, s.logger).Sugar()
	label := outcome.label()
	if outcome.Transition != nil {
		if err := s.repo.ApplyTransition(ctx, *outcome.Transition); err != nil {
			s.metrics.ObserveStage(stage, outcomeConflict, time.Since(start))
			if errors.Is(err, repository.ErrStaleState) {
				log.Warnw("stale transition rejected", "request_id", req.ID, "stage", stage, "from", outcome.Transition.From)
				return nil, appErrors.Clone(appErrors.ErrConflict, "request was modified concurrently")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist transition")
		}
		applyTransition(req, *outcome.Transition)
		s.invalidateStats(ctx)
	}
	s.metrics.ObserveStage(stage, label, time.Since(start))

	if outcome.Err != nil {
		log.Warnw("sor stage failed", "request_id", req.ID, "stage", stage, "error", outcome.Err)
		return outcome.Err, nil
	}
	if outcome.Transition != nil {
		log.Infow("sor stage completed", "request_id", req.ID, "stage", stage, "status", req.Status)
	}
	return nil, nil
}

// withRequest takes the request lock, loads the request and runs fn.
func (s *WorkflowService) withRequest(ctx context.Context, id string, fn func(req *models.SORRequest) error) error {
	if _, err := uuid.Parse(id); err != nil {
		return appErrors.Clone(appErrors.ErrNotFound, "request not found")
	}
	release, err := s.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer s.releaseLock(release, id)

	req, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	return fn(req)
}

func (s *WorkflowService) acquire(ctx context.Context, id string) (lock.Release, error) {
	release, ok, err := s.locker.TryLock(ctx, "request:"+id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire request lock")
	}
	if !ok {
		s.metrics.ObserveStage("lock", outcomeConflict, 0)
		return nil, appErrors.Clone(appErrors.ErrConflict, "request is being processed")
	}
	return release, nil
}

func (s *WorkflowService) releaseLock(release lock.Release, id string) {
	// Release with a fresh context so a cancelled request still frees the key.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		s.logger.Warn("failed to release request lock", zap.String("request_id", id), zap.Error(err))
	}
}

func (s *WorkflowService) load(ctx context.Context, id string) (*models.SORRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
	}
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	return req, nil
}

// forEach runs fn over ids with bounded concurrency and tallies the items.
func (s *WorkflowService) forEach(ctx context.Context, ids []string, fn func(ctx context.Context, id string) dto.BulkItem) *dto.BulkResult {
	items := make([]dto.BulkItem, len(ids))
	sem := make(chan struct{}, s.cfg.BulkConcurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			items[i] = fn(ctx, id)
		}(i, id)
	}
	wg.Wait()

	result := &dto.BulkResult{Total: len(ids), Items: items}
	for _, item := range items {
		switch {
		case item.Error == nil:
			result.SuccessCount++
		case item.Error.Code == appErrors.ErrConflict.Code:
			result.Skipped++
		default:
			result.FailCount++
		}
	}
	return result
}

func (s *WorkflowService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, statsCachePattern)
}

// retryable reports whether the recorded failure was a transient connector outage.
func retryable(req *models.SORRequest) bool {
	if req.Status != models.SORStatusFailed || req.FailureCode == nil {
		return false
	}
	return appErrors.Retryable(&appErrors.Error{Code: *req.FailureCode})
}

// applyTransition mirrors a persisted transition onto the in-memory request.
func applyTransition(req *models.SORRequest, t models.SORTransition) {
	req.Status = t.To
	req.FailedStage = t.FailedStage
	req.ErrorMessage = t.ErrorMessage
	req.FailureCode = t.FailureCode
	if t.PDFPath != nil {
		req.PDFPath = t.PDFPath
	}
	if t.SignatureRequestID != nil {
		req.SignatureRequestID = t.SignatureRequestID
	}
	if t.SignatureSentAt != nil {
		req.SignatureSentAt = t.SignatureSentAt
	}
	if t.SignedPDFPath != nil {
		req.SignedPDFPath = t.SignedPDFPath
	}
	req.UpdatedAt = time.Now().UTC()
}

func workflowResult(req *models.SORRequest, stageErr error) *dto.WorkflowResult {
	return &dto.WorkflowResult{
		ID:             req.ID,
		Status:         req.Status,
		FailedStage:    req.FailedStage,
		WorkflowStatus: req.Workflow(),
		Error:          appErrors.FromError(stageErr),
	}
}

func formatOverall(overall *float64) string {
	if overall == nil {
		return "n/a"
	}
	return formatScore(*overall) + "%"
}
