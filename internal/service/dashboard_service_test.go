package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

type mockStatsRepo struct {
	stats *models.AdminStats
	calls int
	err   error
}

func (m *mockStatsRepo) AdminStats(ctx context.Context) (*models.AdminStats, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

type mockCache struct {
	store   map[string][]byte
	deleted []string
}

func (m *mockCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := m.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *mockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.store == nil {
		m.store = make(map[string][]byte)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.store[key] = raw
	return nil
}

func (m *mockCache) DeleteByPattern(ctx context.Context, pattern string) error {
	m.deleted = append(m.deleted, pattern)
	for key := range m.store {
		delete(m.store, key)
	}
	return nil
}

func TestAdminStatsCachesResult(t *testing.T) {
	repo := &mockStatsRepo{stats: &models.AdminStats{TotalStudents: 12, TotalClasses: 3, TotalEnrollments: 15, CompletedPayments: 9}}
	cache := &mockCache{}
	svc := NewDashboardService(repo, cache, zap.NewNop(), time.Minute)

	first, err := svc.AdminStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, first.TotalStudents)
	assert.Equal(t, 1, repo.calls)

	second, err := svc.AdminStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.calls)
}

func TestAdminStatsInvalidate(t *testing.T) {
	repo := &mockStatsRepo{stats: &models.AdminStats{TotalStudents: 1}}
	cache := &mockCache{}
	svc := NewDashboardService(repo, cache, zap.NewNop(), time.Minute)

	_, err := svc.AdminStats(context.Background())
	require.NoError(t, err)

	svc.Invalidate(context.Background())

	_, err = svc.AdminStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, repo.calls)
}

func TestAdminStatsRepositoryError(t *testing.T) {
	repo := &mockStatsRepo{err: errors.New("db down")}
	svc := NewDashboardService(repo, &mockCache{}, zap.NewNop(), time.Minute)

	_, err := svc.AdminStats(context.Background())
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrInternal.Code, appErr.Code)
}

func TestAdminStatsWorksWithoutCache(t *testing.T) {
	repo := &mockStatsRepo{stats: &models.AdminStats{TotalStudents: 5}}
	svc := NewDashboardService(repo, nil, zap.NewNop(), time.Minute)

	stats, err := svc.AdminStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalStudents)
}
