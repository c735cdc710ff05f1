package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/models"
	"github.com/noah-isme/sor-automation-api/internal/repository"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/dropboxsign"
	"github.com/noah-isme/sor-automation-api/pkg/lock"
	"github.com/noah-isme/sor-automation-api/pkg/moodle"
)

type memorySORRepo struct {
	mu        sync.Mutex
	requests  map[string]models.SORRequest
	order     []string
	audit     []models.AuditEntry
	nextAudit int64
	staleNext bool
}

func newMemorySORRepo() *memorySORRepo {
	return &memorySORRepo{requests: map[string]models.SORRequest{}}
}

func (r *memorySORRepo) seed(req models.SORRequest) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.LearnerID == "" {
		req.LearnerID = "42"
	}
	if req.LearnerName == "" {
		req.LearnerName = "Jane Doe"
	}
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	r.requests[req.ID] = req
	r.order = append(r.order, req.ID)
	return req.ID
}

func (r *memorySORRepo) get(id string) models.SORRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id]
}

func (r *memorySORRepo) actions(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, entry := range r.audit {
		if entry.RequestID == id {
			out = append(out, entry.Action)
		}
	}
	return out
}

func (r *memorySORRepo) Create(_ context.Context, req *models.SORRequest, audit models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt
	r.requests[req.ID] = *req
	r.order = append(r.order, req.ID)
	r.appendLocked(audit)
	return nil
}

func (r *memorySORRepo) FindByID(_ context.Context, id string) (*models.SORRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &req, nil
}

func (r *memorySORRepo) List(_ context.Context, filter models.SORRequestFilter) ([]models.SORRequest, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SORRequest
	for _, id := range r.order {
		req := r.requests[id]
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req)
	}
	return out, len(out), nil
}

func (r *memorySORRepo) ListIDsByStatus(_ context.Context, status models.SORStatus, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, id := range r.order {
		if r.requests[id].Status == status && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memorySORRepo) ApplyTransition(_ context.Context, t models.SORTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staleNext {
		r.staleNext = false
		return repository.ErrStaleState
	}
	req, ok := r.requests[t.RequestID]
	if !ok || req.Status != t.From {
		return repository.ErrStaleState
	}
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
	r.requests[t.RequestID] = req
	for _, entry := range t.Audit {
		r.appendLocked(entry)
	}
	return nil
}

func (r *memorySORRepo) AppendAudit(_ context.Context, entries ...models.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		r.appendLocked(entry)
	}
	return nil
}

func (r *memorySORRepo) ListAudit(_ context.Context, requestID string) ([]models.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEntry
	for _, entry := range r.audit {
		if entry.RequestID == requestID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *memorySORRepo) appendLocked(entry models.AuditEntry) {
	r.nextAudit++
	entry.ID = r.nextAudit
	entry.CreatedAt = time.Now().UTC()
	r.audit = append(r.audit, entry)
}

type fakeSnapshots struct {
	snapshot *GradeSnapshot
	err      error
}

func (f *fakeSnapshots) Fetch(_ context.Context, learnerID, name string) (*GradeSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.snapshot != nil {
		return f.snapshot, nil
	}
	overall := 80.0
	return &GradeSnapshot{
		LearnerID:   learnerID,
		LearnerName: name,
		NameMatched: true,
		Scores: models.TopicScores{
			{QuizID: 1, Topic: "Safety", RawScore: 8, MaxScore: 10, Percentage: 80},
			{QuizID: 2, Topic: "Planning", RawScore: 6, MaxScore: 10, Percentage: 60},
			{QuizID: 3, Topic: "Reporting", RawScore: 20, MaxScore: 20, Percentage: 100},
		},
		Overall: &overall,
	}, nil
}

type fakeDocuments struct {
	mu            sync.Mutex
	stored        map[string][]byte
	renderErr     error
	renderStarted chan struct{}
	renderGate    chan struct{}
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{stored: map[string][]byte{}}
}

func (f *fakeDocuments) RenderAndStore(_ context.Context, req *models.SORRequest) (string, error) {
	if f.renderStarted != nil {
		f.renderStarted <- struct{}{}
	}
	if f.renderGate != nil {
		<-f.renderGate
	}
	if f.renderErr != nil {
		return "", f.renderErr
	}
	return f.put("mem://"+req.ID+".pdf", []byte("%PDF-statement")), nil
}

func (f *fakeDocuments) StoreSigned(_ context.Context, req *models.SORRequest, data []byte) (string, error) {
	return f.put("mem://"+req.ID+signedSuffix, data), nil
}

func (f *fakeDocuments) Load(_ context.Context, location string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.stored[location]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "stored statement not found")
	}
	return data, nil
}

func (f *fakeDocuments) put(location string, data []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[location] = data
	return location
}

type fakeSignatures struct {
	mu          sync.Mutex
	sent        []dropboxsign.SendRequest
	sendErr     error
	status      dropboxsign.Status
	statusErr   error
	downloadErr error
}

func (f *fakeSignatures) Send(_ context.Context, in dropboxsign.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, in)
	return "sig-1", nil
}

func (f *fakeSignatures) Status(_ context.Context, requestID string) (*dropboxsign.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := f.status
	status.RequestID = requestID
	return &status, nil
}

func (f *fakeSignatures) DownloadSigned(context.Context, string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return []byte("%PDF-signed"), nil
}

type fakeLMS struct {
	mu        sync.Mutex
	uploads   []moodle.Upload
	grades    []moodle.Grade
	released  []string
	uploadErr error
	gradeErr  error
	maxGrade  float64
}

func (f *fakeLMS) Assignment(context.Context) (*moodle.Assignment, error) {
	maxGrade := f.maxGrade
	if maxGrade == 0 {
		maxGrade = 100
	}
	return &moodle.Assignment{ID: 3, CMID: 17, CourseID: 8, Name: "Statement of Results", MaxGrade: maxGrade}, nil
}

func (f *fakeLMS) UploadSubmission(_ context.Context, in moodle.Upload) (*moodle.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, in)
	return &moodle.UploadResult{DraftItemID: 11, SubmissionID: 42}, nil
}

func (f *fakeLMS) SaveGrade(_ context.Context, in moodle.Grade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gradeErr != nil {
		return f.gradeErr
	}
	f.grades = append(f.grades, in)
	return nil
}

func (f *fakeLMS) ReleaseGrade(_ context.Context, learnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, learnerID)
	return nil
}

func (f *fakeLMS) GradingStatus(context.Context) (*moodle.GradingStatus, error) {
	return &moodle.GradingStatus{TotalSubmissions: 2, Graded: 1, Ungraded: 1, PercentageGraded: 50}, nil
}

type workflowFixture struct {
	repo      *memorySORRepo
	snapshots *fakeSnapshots
	docs      *fakeDocuments
	sigs      *fakeSignatures
	lms       *fakeLMS
	locker    *lock.MemoryLocker
	svc       *WorkflowService
}

func newWorkflowFixture(cfg WorkflowConfig) *workflowFixture {
	f := &workflowFixture{
		repo:      newMemorySORRepo(),
		snapshots: &fakeSnapshots{},
		docs:      newFakeDocuments(),
		sigs:      &fakeSignatures{},
		lms:       &fakeLMS{},
		locker:    lock.NewMemoryLocker(),
	}
	if cfg.Signature.Message == "" {
		cfg.Signature = SignatureTemplate{Title: "Statement of Results", Subject: "Please sign", Message: "Please review and sign your statement."}
	}
	f.svc = NewWorkflowService(WorkflowDeps{
		Repo:       f.repo,
		Snapshots:  f.snapshots,
		Documents:  f.docs,
		Signatures: f.sigs,
		LMS:        f.lms,
		Locker:     f.locker,
	}, cfg)
	return f
}

func (f *workflowFixture) seedWithPDF(status models.SORStatus, email string) string {
	id := uuid.NewString()
	location := f.docs.put("mem://"+id+".pdf", []byte("%PDF-statement"))
	overall := 80.0
	return f.repo.seed(models.SORRequest{ID: id, Status: status, LearnerEmail: email, PDFPath: &location, OverallScore: &overall})
}

func TestWorkflowCreateRequestRoutesThroughSignature(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})

	res, err := f.svc.CreateRequest(context.Background(), dto.CreateSORRequest{LearnerID: "42", LearnerName: " Jane Doe ", LearnerEmail: "jane@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusSignatureSent, res.Status)
	assert.Nil(t, res.Error)
	assert.True(t, res.WorkflowStatus.PDFGenerated)
	assert.True(t, res.WorkflowStatus.SignatureSent)
	assert.False(t, res.WorkflowStatus.Signed)

	stored := f.repo.get(res.ID)
	assert.Equal(t, "Jane Doe", stored.LearnerName)
	require.NotNil(t, stored.PDFPath)
	require.NotNil(t, stored.SignatureRequestID)
	assert.Equal(t, "sig-1", *stored.SignatureRequestID)
	assert.NotNil(t, stored.SignatureSentAt)
	require.NotNil(t, stored.OverallScore)
	assert.Equal(t, 80.0, *stored.OverallScore)

	require.Len(t, f.sigs.sent, 1)
	assert.True(t, strings.HasPrefix(f.sigs.sent[0].Message, "Dear Jane Doe,\n\n"))
	assert.Equal(t, "jane@example.com", f.sigs.sent[0].SignerEmail)
	assert.Equal(t, "SOR_Jane_Doe.pdf", f.sigs.sent[0].FileName)
	assert.Empty(t, f.lms.uploads)

	assert.Equal(t, []string{models.AuditActionRequestCreated, models.AuditActionPDFGenerated, models.AuditActionSignatureSent}, f.repo.actions(res.ID))
}

func TestWorkflowCreateRequestWithoutEmailUploadsUnsigned(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})

	res, err := f.svc.CreateRequest(context.Background(), dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusUploaded, res.Status)
	assert.True(t, res.WorkflowStatus.Uploaded)
	assert.False(t, res.WorkflowStatus.SignatureSent)

	assert.Empty(t, f.sigs.sent)
	require.Len(t, f.lms.uploads, 1)
	assert.Equal(t, "SOR_Jane_Doe.pdf", f.lms.uploads[0].FileName)
	assert.Equal(t, "42", f.lms.uploads[0].UserID)
	assert.Equal(t, []string{models.AuditActionRequestCreated, models.AuditActionPDFGenerated, models.AuditActionUploaded}, f.repo.actions(res.ID))
}

func TestWorkflowSkipSignatureBypassesSigning(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{SkipSignature: true})

	res, err := f.svc.CreateRequest(context.Background(), dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane Doe", LearnerEmail: "jane@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusUploaded, res.Status)
	assert.Empty(t, f.sigs.sent)
	require.Len(t, f.lms.uploads, 1)

	stored := f.repo.get(res.ID)
	assert.Nil(t, stored.SignatureRequestID)
}

func TestWorkflowCreateRequestValidation(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})

	_, err := f.svc.CreateRequest(context.Background(), dto.CreateSORRequest{LearnerID: "42"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.CreateRequest(context.Background(), dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane", LearnerEmail: "not-an-email"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	assert.Empty(t, f.repo.requests)
}

func TestWorkflowCreateRequestWithoutGradesCreatesNothing(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	f.snapshots.err = appErrors.Clone(appErrors.ErrNoGradesFound, "learner 42 has no completed quizzes")

	_, err := f.svc.CreateRequest(context.Background(), dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane Doe"})
	assert.ErrorIs(t, err, appErrors.ErrNoGradesFound)
	assert.Empty(t, f.repo.requests)
	assert.Empty(t, f.repo.audit)
}

func TestWorkflowStageFailureIsRecordedAndRetried(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	f.sigs.sendErr = appErrors.WrapAs(appErrors.ErrConnectorUnavailable, errors.New("dial tcp: connection refused"), "dropbox sign unavailable")
	ctx := context.Background()

	res, err := f.svc.CreateRequest(ctx, dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane Doe", LearnerEmail: "jane@example.com"})
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusFailed, res.Status)
	require.NotNil(t, res.FailedStage)
	assert.Equal(t, models.SORStageSendSignature, *res.FailedStage)
	require.NotNil(t, res.Error)
	assert.Equal(t, appErrors.ErrConnectorUnavailable.Code, res.Error.Code)
	assert.True(t, res.WorkflowStatus.PDFGenerated)

	stored := f.repo.get(res.ID)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "dropbox sign unavailable")
	assert.NotNil(t, stored.PDFPath)

	actions := f.repo.actions(res.ID)
	assert.Equal(t, models.AuditActionSignatureSendFailed, actions[len(actions)-1])

	f.sigs.sendErr = nil
	retried, err := f.svc.Retry(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusSignatureSent, retried.Status)
	assert.Nil(t, retried.Error)

	stored = f.repo.get(res.ID)
	assert.Nil(t, stored.FailedStage)
	assert.Nil(t, stored.ErrorMessage)

	_, err = f.svc.Retry(ctx, res.ID)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestWorkflowRetryContinuesChain(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	f.docs.renderErr = appErrors.Clone(appErrors.ErrInternal, "failed to render statement")
	ctx := context.Background()

	res, err := f.svc.CreateRequest(ctx, dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusFailed, res.Status)
	assert.False(t, res.WorkflowStatus.PDFGenerated)

	f.docs.renderErr = nil
	retried, err := f.svc.Retry(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusUploaded, retried.Status)
	assert.Len(t, f.lms.uploads, 1)
}

func TestWorkflowAdvanceRunsOneStage(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	ctx := context.Background()
	id := f.repo.seed(models.SORRequest{Status: models.SORStatusPending, LearnerEmail: "jane@example.com"})

	res, err := f.svc.Advance(ctx, id, models.SORStageGeneratePDF)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusPDFGenerated, res.Status)
	assert.Empty(t, f.sigs.sent)

	_, err = f.svc.Advance(ctx, id, models.SORStageGeneratePDF)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.svc.Advance(ctx, id, models.SORStageUpload)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	res, err = f.svc.Advance(ctx, id, models.SORStageSendSignature)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusSignatureSent, res.Status)

	_, err = f.svc.Advance(ctx, id, models.SORStageSendSignature)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	assert.Equal(t, []string{models.AuditActionPDFGenerated, models.AuditActionSignatureSent}, f.repo.actions(id))
}

func TestWorkflowAdvanceUnsignedPathRejectsSignature(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	ctx := context.Background()
	id := f.seedWithPDF(models.SORStatusPDFGenerated, "")

	_, err := f.svc.Advance(ctx, id, models.SORStageSendSignature)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	res, err := f.svc.Advance(ctx, id, models.SORStageUpload)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusUploaded, res.Status)
}

func TestWorkflowAdvanceRejectsUnknownInput(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	ctx := context.Background()
	id := f.repo.seed(models.SORRequest{Status: models.SORStatusPending})

	_, err := f.svc.Advance(ctx, id, models.SORStage("publish"))
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.Advance(ctx, id, models.SORStageSyncGrade)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.Advance(ctx, uuid.NewString(), models.SORStageGeneratePDF)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = f.svc.Advance(ctx, "not-a-uuid", models.SORStageGeneratePDF)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestWorkflowConcurrentAdvanceRunsStageOnce(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	f.docs.renderStarted = make(chan struct{})
	f.docs.renderGate = make(chan struct{})
	ctx := context.Background()
	id := f.repo.seed(models.SORRequest{Status: models.SORStatusPending})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Advance(ctx, id, models.SORStageGeneratePDF)
		done <- err
	}()
	<-f.docs.renderStarted

	_, err := f.svc.Advance(ctx, id, models.SORStageGeneratePDF)
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	close(f.docs.renderGate)
	require.NoError(t, <-done)

	assert.Equal(t, models.SORStatusPDFGenerated, f.repo.get(id).Status)
	assert.Equal(t, []string{models.AuditActionPDFGenerated}, f.repo.actions(id))
}

func TestWorkflowStaleTransitionIsConflict(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	id := f.repo.seed(models.SORRequest{Status: models.SORStatusPending})
	f.repo.staleNext = true

	_, err := f.svc.Advance(context.Background(), id, models.SORStageGeneratePDF)
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, models.SORStatusPending, f.repo.get(id).Status)
	assert.Empty(t, f.repo.actions(id))
}

func TestWorkflowProcessAllPending(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{BulkConcurrency: 2})
	f.lms.uploadErr = appErrors.Clone(appErrors.ErrPermissionDenied, "token lacks mod/assign:submit")
	first := f.repo.seed(models.SORRequest{Status: models.SORStatusPending})
	second := f.repo.seed(models.SORRequest{Status: models.SORStatusPending, LearnerEmail: "jane@example.com"})
	third := f.repo.seed(models.SORRequest{Status: models.SORStatusPending})
	f.repo.seed(models.SORRequest{Status: models.SORStatusUploaded})

	result, err := f.svc.ProcessAllPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 2, result.FailCount)
	require.Len(t, result.Items, 3)
	assert.Equal(t, first, result.Items[0].RequestID)
	assert.Equal(t, models.SORStatusFailed, result.Items[0].Status)
	require.NotNil(t, result.Items[0].Error)
	assert.Equal(t, appErrors.ErrPermissionDenied.Code, result.Items[0].Error.Code)
	assert.Equal(t, models.SORStatusSignatureSent, result.Items[1].Status)
	assert.Nil(t, result.Items[1].Error)

	assert.Equal(t, models.SORStatusSignatureSent, f.repo.get(second).Status)
	failed := f.repo.get(third)
	assert.Equal(t, models.SORStatusFailed, failed.Status)
	require.NotNil(t, failed.FailedStage)
	assert.Equal(t, models.SORStageUpload, *failed.FailedStage)
}

func TestWorkflowSyncGrade(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	f.lms.maxGrade = 50
	ctx := context.Background()
	id := f.seedWithPDF(models.SORStatusUploaded, "")

	res, err := f.svc.SyncGrade(ctx, id, dto.SyncGradeRequest{})
	require.NoError(t, err)
	assert.Equal(t, 80.0, res.Percentage)
	assert.Equal(t, "grade 80% synced as 40/50", res.Details)
	require.Len(t, f.lms.grades, 1)
	assert.Equal(t, 40.0, f.lms.grades[0].Grade)
	assert.Equal(t, "SOR Assessment completed. Score: 80.00%", f.lms.grades[0].Feedback)
	assert.Equal(t, f.lms.grades[0].Feedback, res.Feedback)

	override := 72.5
	res, err = f.svc.SyncGrade(ctx, id, dto.SyncGradeRequest{Grade: &override, Feedback: "Well done"})
	require.NoError(t, err)
	assert.Equal(t, "Well done", res.Feedback)
	require.Len(t, f.lms.grades, 2)
	assert.Equal(t, 36.25, f.lms.grades[1].Grade)
	assert.Equal(t, "Well done", f.lms.grades[1].Feedback)

	assert.Equal(t, models.SORStatusUploaded, f.repo.get(id).Status)
	assert.Equal(t, []string{models.AuditActionGradeSynced, models.AuditActionGradeSynced}, f.repo.actions(id))
}

func TestWorkflowSyncGradeRejections(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	ctx := context.Background()

	sent := f.seedWithPDF(models.SORStatusSignatureSent, "jane@example.com")
	_, err := f.svc.SyncGrade(ctx, sent, dto.SyncGradeRequest{})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	uploaded := f.seedWithPDF(models.SORStatusUploaded, "")
	tooHigh := 120.0
	_, err = f.svc.SyncGrade(ctx, uploaded, dto.SyncGradeRequest{Grade: &tooHigh})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	f.lms.gradeErr = appErrors.Clone(appErrors.ErrUpstreamRejected, "invalid grade")
	_, err = f.svc.SyncGrade(ctx, uploaded, dto.SyncGradeRequest{})
	assert.ErrorIs(t, err, appErrors.ErrUpstreamRejected)
	assert.Equal(t, []string{models.AuditActionGradeSyncFailed}, f.repo.actions(uploaded))
	assert.Equal(t, models.SORStatusUploaded, f.repo.get(uploaded).Status)
}

func TestWorkflowBulkSyncGrades(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{BulkConcurrency: 3})
	f.seedWithPDF(models.SORStatusUploaded, "")
	f.seedWithPDF(models.SORStatusUploaded, "")
	f.seedWithPDF(models.SORStatusSignatureSent, "jane@example.com")

	result, err := f.svc.BulkSyncGrades(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Len(t, f.lms.grades, 2)
}

func TestWorkflowReleaseGrade(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	ctx := context.Background()
	uploaded := f.seedWithPDF(models.SORStatusUploaded, "")
	pending := f.repo.seed(models.SORRequest{Status: models.SORStatusPending})

	require.NoError(t, f.svc.ReleaseGrade(ctx, uploaded))
	assert.Equal(t, []string{"42"}, f.lms.released)
	assert.Equal(t, []string{models.AuditActionGradeReleased}, f.repo.actions(uploaded))

	assert.ErrorIs(t, f.svc.ReleaseGrade(ctx, pending), appErrors.ErrInvalidTransition)
}

func TestWorkflowGetAndList(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})
	ctx := context.Background()

	res, err := f.svc.CreateRequest(ctx, dto.CreateSORRequest{LearnerID: "42", LearnerName: "Jane Doe"})
	require.NoError(t, err)
	f.repo.seed(models.SORRequest{Status: models.SORStatusPending})

	detail, err := f.svc.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusUploaded, detail.Status)
	assert.True(t, detail.WorkflowStatus.Uploaded)
	assert.Len(t, detail.AuditLog, 3)
	assert.False(t, detail.Retryable)

	items, pagination, err := f.svc.List(ctx, dto.ListSORRequestsQuery{})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
	assert.Equal(t, 2, pagination.TotalCount)

	items, _, err = f.svc.List(ctx, dto.ListSORRequestsQuery{Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, _, err = f.svc.List(ctx, dto.ListSORRequestsQuery{Status: "archived"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestWorkflowGradingStatus(t *testing.T) {
	f := newWorkflowFixture(WorkflowConfig{})

	status, err := f.svc.GradingStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.TotalSubmissions)
	assert.Equal(t, 50.0, status.PercentageGraded)
}
