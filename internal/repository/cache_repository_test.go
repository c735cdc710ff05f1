package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

func TestCacheRepositoryRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := NewCacheRepository(client, "sor:")
	ctx := context.Background()

	var miss models.SORStats
	require.ErrorIs(t, repo.Get(ctx, "stats", &miss), appErrors.ErrCacheMiss)

	stats := models.SORStats{Total: 3, ByStatus: map[models.SORStatus]int{models.SORStatusPending: 3}}
	require.NoError(t, repo.Set(ctx, "stats", stats, time.Minute))
	assert.True(t, mr.Exists("sor:stats"))

	var got models.SORStats
	require.NoError(t, repo.Get(ctx, "stats", &got))
	assert.Equal(t, 3, got.ByStatus[models.SORStatusPending])

	mr.FastForward(2 * time.Minute)
	require.ErrorIs(t, repo.Get(ctx, "stats", &got), appErrors.ErrCacheMiss)
}

func TestCacheRepositoryDeleteByPatternStaysInNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	repo := NewCacheRepository(client, "sor:")
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "stats", 1, 0))
	require.NoError(t, repo.Set(ctx, "stats:detail", 2, 0))
	require.NoError(t, mr.Set("other:stats", "x"))

	require.NoError(t, repo.DeleteByPattern(ctx, "stats*"))
	assert.False(t, mr.Exists("sor:stats"))
	assert.False(t, mr.Exists("sor:stats:detail"))
	assert.True(t, mr.Exists("other:stats"))
}

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, "sor:")
	var dest int
	assert.ErrorIs(t, repo.Get(context.Background(), "k", &dest), appErrors.ErrCacheMiss)
	assert.NoError(t, repo.Set(context.Background(), "k", 1, time.Second))
	assert.NoError(t, repo.DeleteByPattern(context.Background(), "*"))
}
