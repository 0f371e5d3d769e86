package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"planning-server/internal/models"
	"planning-server/internal/repository/mocks"
)

func TestConfigForDegradationMode(t *testing.T) {
	allCaps := Capabilities{Database: true, Redis: true}

	t.Run("full mode requires both backends", func(t *testing.T) {
		cfg := ConfigForDegradationMode(models.DegradationFull, allCaps)
		assert.True(t, cfg.PostgresEnabled)
		assert.True(t, cfg.RedisEnabled)
		assert.True(t, cfg.RequireBoth)
		assert.True(t, cfg.FallbackToPostgres)
	})

	t.Run("degraded mode tolerates single-backend saves", func(t *testing.T) {
		cfg := ConfigForDegradationMode(models.DegradationDegraded, allCaps)
		assert.True(t, cfg.PostgresEnabled)
		assert.True(t, cfg.RedisEnabled)
		assert.False(t, cfg.RequireBoth)
		assert.True(t, cfg.FallbackToPostgres)
	})

	t.Run("degraded mode without database drops the fallback", func(t *testing.T) {
		cfg := ConfigForDegradationMode(models.DegradationDegraded, Capabilities{Redis: true})
		assert.False(t, cfg.PostgresEnabled)
		assert.False(t, cfg.FallbackToPostgres)
	})

	t.Run("disabled mode turns redis off regardless of capabilities", func(t *testing.T) {
		cfg := ConfigForDegradationMode(models.DegradationDisabled, allCaps)
		assert.True(t, cfg.PostgresEnabled)
		assert.False(t, cfg.RedisEnabled)
		assert.False(t, cfg.RequireBoth)
	})
}

func TestNewDualPlanningRepository(t *testing.T) {
	logger := zap.NewNop()

	t.Run("fails with no storage client at all", func(t *testing.T) {
		_, err := NewDualPlanningRepository(nil, nil, models.DualStorageConfig{
			PostgresEnabled: true,
			RedisEnabled:    true,
		}, nil, logger)
		assert.ErrorIs(t, err, ErrNoStorageClient)
	})

	t.Run("missing client downgrades the backend instead of failing", func(t *testing.T) {
		pg := new(mocks.PlanningRepository)
		repo, err := NewDualPlanningRepository(pg, nil, models.DualStorageConfig{
			PostgresEnabled: true,
			RedisEnabled:    true,
			RequireBoth:     true,
		}, nil, logger)
		require.NoError(t, err)

		cfg := repo.Config()
		assert.True(t, cfg.PostgresEnabled)
		assert.False(t, cfg.RedisEnabled)
		assert.False(t, cfg.RequireBoth, "requireBoth is unsatisfiable with one backend")
	})

	t.Run("redis-only construction works", func(t *testing.T) {
		rd := new(mocks.PlanningRepository)
		repo, err := NewDualPlanningRepository(nil, rd, models.DualStorageConfig{
			PostgresEnabled: true,
			RedisEnabled:    true,
		}, nil, logger)
		require.NoError(t, err)

		cfg := repo.Config()
		assert.False(t, cfg.PostgresEnabled)
		assert.True(t, cfg.RedisEnabled)
	})

	t.Run("explicitly disabled backends fail construction", func(t *testing.T) {
		pg := new(mocks.PlanningRepository)
		rd := new(mocks.PlanningRepository)
		_, err := NewDualPlanningRepository(pg, rd, models.DualStorageConfig{}, nil, logger)
		assert.ErrorIs(t, err, ErrNoStorageClient)
	})
}
