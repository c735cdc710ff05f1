package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sor-automation-api/internal/models"
	"github.com/noah-isme/sor-automation-api/pkg/dropboxsign"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

func newSweepFixture() (*workflowFixture, *ReconciliationService) {
	f := newWorkflowFixture(WorkflowConfig{})
	return f, NewReconciliationService(f.repo, f.svc, f.locker, nil, nil, 0)
}

func (f *workflowFixture) seedAwaitingSignature() string {
	id := f.seedWithPDF(models.SORStatusSignatureSent, "jane@example.com")
	req := f.repo.get(id)
	sigID := "sig-9"
	req.SignatureRequestID = &sigID
	f.repo.mu.Lock()
	f.repo.requests[id] = req
	f.repo.mu.Unlock()
	return id
}

func TestReconciliationSweepSignsAndUploadsInOnePass(t *testing.T) {
	f, sweeper := newSweepFixture()
	f.sigs.status = dropboxsign.Status{Complete: true}
	id := f.seedAwaitingSignature()

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Signed)
	assert.Equal(t, 1, result.Uploaded)
	assert.Zero(t, result.Failed)

	stored := f.repo.get(id)
	assert.Equal(t, models.SORStatusUploaded, stored.Status)
	require.NotNil(t, stored.SignedPDFPath)
	require.Len(t, f.lms.uploads, 1)
	assert.Equal(t, "SOR_Jane_Doe_SIGNED.pdf", f.lms.uploads[0].FileName)
	assert.Equal(t, []byte("%PDF-signed"), f.lms.uploads[0].Data)
	assert.Equal(t, []string{models.AuditActionSignatureCompleted, models.AuditActionUploaded}, f.repo.actions(id))

	again, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Checked)
}

func TestReconciliationSweepLeavesIncompleteRequestsUntouched(t *testing.T) {
	f, sweeper := newSweepFixture()
	id := f.seedAwaitingSignature()

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pending)
	assert.Equal(t, models.SORStatusSignatureSent, f.repo.get(id).Status)
	assert.Empty(t, f.repo.actions(id))
}

func TestReconciliationSweepTreatsUnassembledFileAsPending(t *testing.T) {
	f, sweeper := newSweepFixture()
	f.sigs.status = dropboxsign.Status{Complete: true}
	f.sigs.downloadErr = dropboxsign.ErrNotReady
	id := f.seedAwaitingSignature()

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pending)
	assert.Zero(t, result.Signed)
	assert.Equal(t, models.SORStatusSignatureSent, f.repo.get(id).Status)
	assert.Empty(t, f.repo.actions(id))
}

func TestReconciliationSweepRecordsDecline(t *testing.T) {
	f, sweeper := newSweepFixture()
	f.sigs.status = dropboxsign.Status{Declined: true}
	id := f.seedAwaitingSignature()

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored := f.repo.get(id)
	assert.Equal(t, models.SORStatusFailed, stored.Status)
	require.NotNil(t, stored.FailedStage)
	assert.Equal(t, models.SORStageReconcileSignature, *stored.FailedStage)
	assert.Equal(t, []string{models.AuditActionSignatureDeclined}, f.repo.actions(id))
	assert.True(t, stored.Workflow().SignatureSent)
}

func TestReconciliationSweepSkipsRequestsHeldElsewhere(t *testing.T) {
	f, sweeper := newSweepFixture()
	f.sigs.status = dropboxsign.Status{Complete: true}
	id := f.seedAwaitingSignature()

	release, ok, err := f.locker.TryLock(context.Background(), "request:"+id)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = release(context.Background()) }()

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, models.SORStatusSignatureSent, f.repo.get(id).Status)
}

func TestReconciliationConcurrentSweepConflicts(t *testing.T) {
	f, sweeper := newSweepFixture()

	release, ok, err := f.locker.TryLock(context.Background(), sweepLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sweeper.Sweep(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.NoError(t, sweeper.Task(context.Background()))

	require.NoError(t, release(context.Background()))
	_, err = sweeper.Sweep(context.Background())
	assert.NoError(t, err)
}

func TestReconciliationRetryAfterCheckFailure(t *testing.T) {
	f, sweeper := newSweepFixture()
	f.sigs.statusErr = appErrors.Clone(appErrors.ErrConnectorUnavailable, "dropbox sign unavailable")
	id := f.seedAwaitingSignature()

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, models.SORStatusFailed, f.repo.get(id).Status)

	f.sigs.statusErr = nil
	f.sigs.status = dropboxsign.Status{Complete: true}
	res, err := f.svc.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusUploaded, res.Status)
}

func TestReconciliationRetryWhileSignaturePending(t *testing.T) {
	f, sweeper := newSweepFixture()
	f.sigs.statusErr = appErrors.Clone(appErrors.ErrConnectorUnavailable, "dropbox sign unavailable")
	id := f.seedAwaitingSignature()

	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.SORStatusFailed, f.repo.get(id).Status)

	f.sigs.statusErr = nil
	f.sigs.status = dropboxsign.Status{}
	res, err := f.svc.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.SORStatusSignatureSent, res.Status)
	assert.Nil(t, res.Error)

	stored := f.repo.get(id)
	assert.Equal(t, models.SORStatusSignatureSent, stored.Status)
	assert.Nil(t, stored.FailedStage)
	assert.Nil(t, stored.ErrorMessage)
	assert.Nil(t, stored.FailureCode)
	assert.Contains(t, f.repo.actions(id), models.AuditActionSignatureResumed)

	f.sigs.status = dropboxsign.Status{Complete: true}
	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, models.SORStatusUploaded, f.repo.get(id).Status)
}

func TestReconciliationFailureRetryability(t *testing.T) {
	cases := []struct {
		name      string
		status    dropboxsign.Status
		statusErr error
		code      string
		retryable bool
	}{
		{name: "declined", status: dropboxsign.Status{Declined: true}, code: "UPSTREAM_REJECTED", retryable: false},
		{name: "connector down", statusErr: appErrors.Clone(appErrors.ErrConnectorUnavailable, "dropbox sign unavailable"), code: "CONNECTOR_UNAVAILABLE", retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, sweeper := newSweepFixture()
			f.sigs.status = tc.status
			f.sigs.statusErr = tc.statusErr
			id := f.seedAwaitingSignature()

			_, err := sweeper.Sweep(context.Background())
			require.NoError(t, err)

			stored := f.repo.get(id)
			require.Equal(t, models.SORStatusFailed, stored.Status)
			require.NotNil(t, stored.FailureCode)
			assert.Equal(t, tc.code, *stored.FailureCode)

			detail, err := f.svc.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tc.retryable, detail.Retryable)
		})
	}
}
