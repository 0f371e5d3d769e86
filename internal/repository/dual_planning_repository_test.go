package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
	"planning-server/internal/repository/mocks"
)

func newTestDualRepo(t *testing.T, cfg models.DualStorageConfig, now *time.Time) (*DualPlanningRepository, *mocks.PlanningRepository, *mocks.PlanningRepository) {
	t.Helper()
	pg := new(mocks.PlanningRepository)
	rd := new(mocks.PlanningRepository)
	health := newTestHealthTracker(now)
	repo, err := NewDualPlanningRepository(pg, rd, cfg, health, zap.NewNop())
	require.NoError(t, err)
	return repo, pg, rd
}

func bothEnabled(requireBoth bool) models.DualStorageConfig {
	return models.DualStorageConfig{
		PostgresEnabled:    true,
		RedisEnabled:       true,
		RequireBoth:        requireBoth,
		FallbackToPostgres: true,
	}
}

func testContent() *models.Content {
	return models.NewContent(models.ContentTypeScenario, "proj-1", "user-1", "Opening scene", []byte(`{"story":"Once upon a time"}`))
}

func TestDualRepositorySave(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("both backends succeed, full consistency", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		rd.On("Save", mock.Anything, mock.Anything).Return(nil).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.True(t, result.Success)
		assert.Equal(t, models.ConsistencyFull, result.Consistency)
		assert.Equal(t, content.ID, result.ContentID)
		assert.True(t, result.Storage[models.BackendPostgres].Success)
		assert.True(t, result.Storage[models.BackendRedis].Success)
		assert.False(t, result.RollbackExecuted)
		assert.Equal(t, models.StorageStatusSaved, content.StorageStatus)
		assert.True(t, content.Storage[models.BackendPostgres].Saved)
		assert.True(t, content.Storage[models.BackendRedis].Saved)
		pg.AssertExpectations(t)
		rd.AssertExpectations(t)
	})

	t.Run("one backend fails without requireBoth, partial consistency", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		rd.On("Save", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.True(t, result.Success, "partial save still counts as success")
		assert.Equal(t, models.ConsistencyPartial, result.Consistency)
		assert.Contains(t, result.Message, models.BackendRedis)
		assert.True(t, result.Storage[models.BackendPostgres].Success)
		assert.False(t, result.Storage[models.BackendRedis].Success)
		assert.Equal(t, "connection refused", result.Storage[models.BackendRedis].Error)
		assert.Equal(t, models.StorageStatusPartial, content.StorageStatus)
		assert.Equal(t, "connection refused", content.Storage[models.BackendRedis].Error)
	})

	t.Run("requireBoth failure rolls back the surviving copy", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(true), &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		rd.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
		pg.On("Delete", mock.Anything, mock.Anything).Return(nil).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.False(t, result.Success)
		assert.Equal(t, models.ConsistencyFailed, result.Consistency)
		assert.True(t, result.RollbackExecuted)
		assert.Contains(t, result.Message, "required backend failed")
		assert.Equal(t, models.StorageStatusFailed, content.StorageStatus)
		pg.AssertExpectations(t)
		rd.AssertExpectations(t)
	})

	t.Run("postgres-only survivor rejected when fallback disabled", func(t *testing.T) {
		cfg := bothEnabled(false)
		cfg.FallbackToPostgres = false
		repo, pg, rd := newTestDualRepo(t, cfg, &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
		rd.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()
		pg.On("Delete", mock.Anything, mock.Anything).Return(nil).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.False(t, result.Success)
		assert.Equal(t, models.ConsistencyFailed, result.Consistency)
		assert.True(t, result.RollbackExecuted)
		assert.Contains(t, result.Message, "fallback disabled")
		assert.Equal(t, models.StorageStatusFailed, content.StorageStatus)
		pg.AssertExpectations(t)
		rd.AssertExpectations(t)
	})

	t.Run("redis-only survivor stays partial with fallback disabled", func(t *testing.T) {
		cfg := bothEnabled(false)
		cfg.FallbackToPostgres = false
		repo, pg, rd := newTestDualRepo(t, cfg, &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(errors.New("pg down")).Once()
		rd.On("Save", mock.Anything, mock.Anything).Return(nil).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.True(t, result.Success)
		assert.Equal(t, models.ConsistencyPartial, result.Consistency)
		assert.Equal(t, models.StorageStatusPartial, content.StorageStatus)
		pg.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
		rd.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
	})

	t.Run("both backends fail, failed consistency", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(errors.New("pg down")).Once()
		rd.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.False(t, result.Success)
		assert.Equal(t, models.ConsistencyFailed, result.Consistency)
		assert.Contains(t, result.Message, "pg down")
		assert.Contains(t, result.Message, "redis down")
		assert.Equal(t, models.StorageStatusFailed, content.StorageStatus)
	})

	t.Run("invalid content is rejected before touching storage", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)

		content := testContent()
		content.Title = ""
		result := repo.Save(ctx, content)

		assert.False(t, result.Success)
		assert.Equal(t, models.ConsistencyFailed, result.Consistency)
		assert.Contains(t, result.Message, "title")
		pg.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		rd.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("open circuit excludes a backend and marks the save partial", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		for i := 0; i < failureThreshold; i++ {
			repo.health.RecordResult(models.BackendRedis, false)
		}
		pg.On("Save", mock.Anything, mock.Anything).Return(nil).Once()

		content := testContent()
		result := repo.Save(ctx, content)

		assert.True(t, result.Success)
		assert.Equal(t, models.ConsistencyPartial, result.Consistency)
		assert.Contains(t, result.Message, models.BackendRedis)
		assert.False(t, result.Storage[models.BackendRedis].Attempted)
		rd.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("no usable backend fails fast", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		for i := 0; i < failureThreshold; i++ {
			repo.health.RecordResult(models.BackendPostgres, false)
			repo.health.RecordResult(models.BackendRedis, false)
		}

		content := testContent()
		result := repo.Save(ctx, content)

		assert.False(t, result.Success)
		assert.Equal(t, models.ConsistencyFailed, result.Consistency)
		assert.Equal(t, interfaces.ErrStorageUnavailable.Error(), result.Message)
		assert.ErrorIs(t, result.Err, interfaces.ErrStorageUnavailable)
		pg.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		rd.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("repeated save failures open the circuit for later saves", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Save", mock.Anything, mock.Anything).Return(nil)
		rd.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Times(failureThreshold)

		for i := 0; i < failureThreshold; i++ {
			repo.Save(ctx, testContent())
		}
		// The next save no longer reaches redis.
		result := repo.Save(ctx, testContent())
		assert.Equal(t, models.ConsistencyPartial, result.Consistency)
		rd.AssertExpectations(t)
	})
}

func TestDualRepositoryIDLockRelease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
	pg.On("Save", mock.Anything, mock.Anything).Return(nil).Times(2)
	rd.On("Save", mock.Anything, mock.Anything).Return(nil).Times(2)

	content := testContent()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			repo.Save(ctx, content)
		}()
	}
	wg.Wait()

	pg.AssertExpectations(t)
	rd.AssertExpectations(t)

	repo.idLocksMu.Lock()
	defer repo.idLocksMu.Unlock()
	assert.Empty(t, repo.idLocks, "lock entries linger after the writes settled")
}

func TestDualRepositoryFindByID(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("postgres hit wins without consulting redis", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		want := testContent()
		pg.On("FindByID", mock.Anything, want.ID).Return(want, nil).Once()

		got, err := repo.FindByID(ctx, want.ID)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
		rd.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	})

	t.Run("redis fallback triggers background sync to postgres", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		want := testContent()
		healed := make(chan struct{})
		pg.On("FindByID", mock.Anything, want.ID).Return(nil, interfaces.ErrNotFound).Once()
		rd.On("FindByID", mock.Anything, want.ID).Return(want, nil).Once()
		pg.On("Save", mock.Anything, mock.MatchedBy(func(c *models.Content) bool {
			return c.ID == want.ID
		})).Run(func(mock.Arguments) { close(healed) }).Return(nil).Once()

		got, err := repo.FindByID(ctx, want.ID)
		assert.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)

		select {
		case <-healed:
		case <-time.After(2 * time.Second):
			t.Fatal("background sync to postgres never ran")
		}
	})

	t.Run("postgres error falls back to redis without failing the read", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		want := testContent()
		pg.On("FindByID", mock.Anything, want.ID).Return(nil, errors.New("pg down")).Once()
		rd.On("FindByID", mock.Anything, want.ID).Return(want, nil).Once()
		pg.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

		got, err := repo.FindByID(ctx, want.ID)
		assert.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
	})

	t.Run("missing everywhere returns not found", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("FindByID", mock.Anything, "nope").Return(nil, interfaces.ErrNotFound).Once()
		rd.On("FindByID", mock.Anything, "nope").Return(nil, interfaces.ErrNotFound).Once()

		_, err := repo.FindByID(ctx, "nope")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("not found never trips the circuit", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("FindByID", mock.Anything, "nope").Return(nil, interfaces.ErrNotFound)
		rd.On("FindByID", mock.Anything, "nope").Return(nil, interfaces.ErrNotFound)

		for i := 0; i < failureThreshold+2; i++ {
			_, err := repo.FindByID(ctx, "nope")
			assert.ErrorIs(t, err, interfaces.ErrNotFound)
		}
		assert.True(t, repo.health.CanUse(models.BackendPostgres))
		assert.True(t, repo.health.CanUse(models.BackendRedis))
	})
}

func TestDualRepositoryFindByUserID(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("merges both backends, deduplicates by ID, newest first", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)

		older := testContent()
		older.ID = "scenario_p_1_a"
		older.UpdatedAt = now.Add(-time.Hour)
		newer := testContent()
		newer.ID = "scenario_p_2_b"
		newer.UpdatedAt = now
		duplicate := *older
		duplicate.Title = "stale redis copy"

		pg.On("FindByUserID", mock.Anything, "user-1").Return([]*models.Content{older}, nil).Once()
		rd.On("FindByUserID", mock.Anything, "user-1").Return([]*models.Content{&duplicate, newer}, nil).Once()

		got, err := repo.FindByUserID(ctx, "user-1")
		assert.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Equal(t, newer.ID, got[0].ID)
		assert.Equal(t, older.ID, got[1].ID)
		// First seen wins: the postgres copy, not the stale redis duplicate.
		assert.Equal(t, "Opening scene", got[1].Title)
	})

	t.Run("serves the surviving backend when one fails", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		only := testContent()
		pg.On("FindByUserID", mock.Anything, "user-1").Return(nil, errors.New("pg down")).Once()
		rd.On("FindByUserID", mock.Anything, "user-1").Return([]*models.Content{only}, nil).Once()

		got, err := repo.FindByUserID(ctx, "user-1")
		assert.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("fails only when every backend fails", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("FindByUserID", mock.Anything, "user-1").Return(nil, errors.New("pg down")).Once()
		rd.On("FindByUserID", mock.Anything, "user-1").Return(nil, errors.New("redis down")).Once()

		_, err := repo.FindByUserID(ctx, "user-1")
		assert.Error(t, err)
	})
}

func TestDualRepositoryUpdateDelete(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	title := "renamed"
	update := models.ContentUpdate{Title: &title}

	t.Run("update succeeds when one backend succeeds", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Update", mock.Anything, "id-1", update).Return(nil).Once()
		rd.On("Update", mock.Anything, "id-1", update).Return(errors.New("redis down")).Once()

		assert.NoError(t, repo.Update(ctx, "id-1", update))
	})

	t.Run("update reports not found when both backends miss", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Update", mock.Anything, "id-1", update).Return(interfaces.ErrNotFound).Once()
		rd.On("Update", mock.Anything, "id-1", update).Return(interfaces.ErrNotFound).Once()

		assert.ErrorIs(t, repo.Update(ctx, "id-1", update), interfaces.ErrNotFound)
	})

	t.Run("update fails when every backend errors", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Update", mock.Anything, "id-1", update).Return(errors.New("pg down")).Once()
		rd.On("Update", mock.Anything, "id-1", update).Return(errors.New("redis down")).Once()

		err := repo.Update(ctx, "id-1", update)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("delete fans out to both backends", func(t *testing.T) {
		repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
		pg.On("Delete", mock.Anything, "id-1").Return(nil).Once()
		rd.On("Delete", mock.Anything, "id-1").Return(interfaces.ErrNotFound).Once()

		assert.NoError(t, repo.Delete(ctx, "id-1"))
		pg.AssertExpectations(t)
		rd.AssertExpectations(t)
	})
}

func TestDualRepositoryUpdateConfig(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo, _, rd := newTestDualRepo(t, bothEnabled(true), &now)

	off := false
	cfg := repo.UpdateConfig(models.DualStorageConfigUpdate{RedisEnabled: &off, RequireBoth: &off})
	assert.False(t, cfg.RedisEnabled)
	assert.False(t, cfg.RequireBoth)
	assert.True(t, cfg.PostgresEnabled, "untouched fields keep their value")

	// A disabled backend is no longer consulted.
	pgOK, redisOK := repo.usable()
	assert.True(t, pgOK)
	assert.False(t, redisOK)
	rd.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestDualRepositoryPerformHealthCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	repo, pg, rd := newTestDualRepo(t, bothEnabled(false), &now)
	pg.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	pg.On("Delete", mock.Anything, mock.Anything).Return(nil).Once()
	rd.On("Save", mock.Anything, mock.Anything).Return(errors.New("redis down")).Once()

	results := repo.PerformHealthCheck(ctx)
	assert.True(t, results[models.BackendPostgres].Healthy)
	assert.False(t, results[models.BackendRedis].Healthy)
	assert.Equal(t, "redis down", results[models.BackendRedis].Error)

	// Probes are liveness checks; they never feed the circuit breaker.
	assert.Equal(t, 0, repo.health.Snapshot()[models.BackendRedis].Failures)
}
