package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/lock"
)

const sweepLockKey = "sweep:signatures"

type signatureReconciler interface {
	reconcileOne(ctx context.Context, id string) (reconcileResult, error)
}

// ReconciliationService polls outstanding signature requests and pushes signed
// statements on to the LMS.
type ReconciliationService struct {
	repo     sorRepository
	workflow signatureReconciler
	locker   lock.Locker
	metrics  *MetricsService
	logger   *zap.Logger
	limit    int

	mu sync.Mutex
}

// NewReconciliationService constructs the sweeper.
func NewReconciliationService(repo sorRepository, workflow *WorkflowService, locker lock.Locker, metrics *MetricsService, logger *zap.Logger, limit int) *ReconciliationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if limit <= 0 {
		limit = 500
	}
	return &ReconciliationService{repo: repo, workflow: workflow, locker: locker, metrics: metrics, logger: logger, limit: limit}
}

// Sweep visits every request awaiting signature once. Only one sweep runs at a time
// across the deployment; a concurrent call fails with a conflict.
func (s *ReconciliationService) Sweep(ctx context.Context) (*dto.SweepResult, error) {
	if !s.mu.TryLock() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a signature sweep is already running")
	}
	defer s.mu.Unlock()

	release, ok, err := s.locker.TryLock(ctx, sweepLockKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire sweep lock")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a signature sweep is already running")
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			s.logger.Warn("failed to release sweep lock", zap.Error(err))
		}
	}()

	start := time.Now()
	ids, err := s.repo.ListIDsByStatus(ctx, models.SORStatusSignatureSent, s.limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests awaiting signature")
	}

	result := &dto.SweepResult{}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		result.Checked++
		res, err := s.workflow.reconcileOne(ctx, id)
		switch {
		case errors.Is(err, appErrors.ErrConflict), errors.Is(err, appErrors.ErrNotFound):
			result.Skipped++
			continue
		case err != nil:
			result.Failed++
			s.logger.Sugar().Warnw("signature reconciliation failed", "request_id", id, "error", err)
			continue
		}
		if res.signed {
			result.Signed++
		}
		if res.uploaded {
			result.Uploaded++
		}
		if res.pending {
			result.Pending++
		}
		if res.err != nil {
			result.Failed++
		}
	}

	s.metrics.ObserveSweep(result, time.Since(start))
	s.logger.Sugar().Infow("signature sweep finished",
		"checked", result.Checked, "signed", result.Signed, "uploaded", result.Uploaded,
		"pending", result.Pending, "failed", result.Failed, "skipped", result.Skipped)
	return result, nil
}

// Task adapts Sweep for the background runner. An overlapping sweep is not an error.
func (s *ReconciliationService) Task(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	if errors.Is(err, appErrors.ErrConflict) {
		return nil
	}
	return err
}
