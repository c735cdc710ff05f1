package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

const statsCacheKey = "stats"

type statsRepository interface {
	Stats(ctx context.Context, overdueBefore, recentSince time.Time) (*models.SORStats, error)
}

// StatsService serves dashboard counts, cached briefly.
type StatsService struct {
	repo         statsRepository
	cache        *CacheService
	overdueAfter time.Duration
	ttl          time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewStatsService constructs a StatsService. A request counts as overdue once its
// signature has been outstanding longer than overdueAfter.
func NewStatsService(repo statsRepository, cache *CacheService, overdueAfter, ttl time.Duration, logger *zap.Logger) *StatsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if overdueAfter <= 0 {
		overdueAfter = 7 * 24 * time.Hour
	}
	return &StatsService{repo: repo, cache: cache, overdueAfter: overdueAfter, ttl: ttl, logger: logger, now: time.Now}
}

// Stats returns request counts. The bool reports a cache hit.
func (s *StatsService) Stats(ctx context.Context) (*models.SORStats, bool, error) {
	var stats models.SORStats
	hit, err := s.cache.Remember(ctx, statsCacheKey, s.ttl, &stats, func(ctx context.Context) error {
		now := s.now().UTC()
		computed, err := s.repo.Stats(ctx, now.Add(-s.overdueAfter), now.Add(-24*time.Hour))
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute stats")
		}
		if computed.ByStatus == nil {
			computed.ByStatus = map[models.SORStatus]int{}
		}
		for _, st := range models.SORStatuses {
			if _, ok := computed.ByStatus[st]; !ok {
				computed.ByStatus[st] = 0
			}
		}
		stats = *computed
		s.logger.Debug("stats computed", zap.Int("total", stats.Total), zap.Int("overdue", stats.Overdue))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &stats, hit, nil
}
