package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
	"planning-server/internal/repository"
	"planning-server/internal/repository/mocks"
	"planning-server/internal/service"
)

func scenarioRequest(projectID string) models.StorageRequest {
	return models.StorageRequest{
		Type:      models.ContentTypeScenario,
		ProjectID: projectID,
		UserID:    "user-1",
		Title:     "Opening scene",
		Story:     "Once upon a time",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fullSaveResult(req models.StorageRequest) *models.StorageResult {
	return &models.StorageResult{
		Success:     true,
		ContentID:   models.NewContentID(req.Type, req.ProjectID),
		Consistency: models.ConsistencyFull,
		Storage: map[string]models.BackendResult{
			models.BackendPostgres: {Attempted: true, Success: true},
			models.BackendRedis:    {Attempted: true, Success: true},
		},
	}
}

func TestStorageTrackerSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("successful submit feeds the metrics", func(t *testing.T) {
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			return fullSaveResult(req), nil
		}, zap.NewNop())

		dual, err := tracker.Submit(ctx, scenarioRequest("proj-1"))
		require.NoError(t, err)

		assert.True(t, dual.Success)
		assert.Equal(t, models.ConsistencyFull, dual.Consistency)
		assert.True(t, dual.PostgresResult.Saved)
		assert.True(t, dual.RedisResult.Saved)
		assert.NotEmpty(t, dual.ContentID)

		m := tracker.Metrics()
		assert.Equal(t, 1, m.TotalAttempts)
		assert.Equal(t, 1, m.TotalSuccesses)
		assert.Equal(t, 0, m.TotalFailures)
		assert.Equal(t, 1.0, m.SuccessRate)
		assert.Equal(t, 1.0, m.PostgresSuccessRate)
		assert.Equal(t, 1.0, m.RedisSuccessRate)

		status, lastError := tracker.Status()
		assert.Equal(t, models.TrackerIdle, status)
		assert.Empty(t, lastError)

		successful, failed := tracker.Results()
		assert.Len(t, successful, 1)
		assert.Empty(t, failed)
		assert.Empty(t, tracker.ActiveRequests(), "request must leave the active set when settled")
	})

	t.Run("failed submit joins the retry queue once per project", func(t *testing.T) {
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			return &models.StorageResult{
				Success:     false,
				Consistency: models.ConsistencyFailed,
				Message:     "both storage systems are unavailable",
			}, nil
		}, zap.NewNop())

		_, err := tracker.Submit(ctx, scenarioRequest("proj-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unavailable")

		status, lastError := tracker.Status()
		assert.Equal(t, models.TrackerError, status)
		assert.Contains(t, lastError, "unavailable")
		assert.Equal(t, 1, tracker.QueueLength())

		// A second failure for the same project must not duplicate the entry.
		req := scenarioRequest("proj-1")
		req.CreatedAt = req.CreatedAt.Add(time.Minute)
		_, err = tracker.Submit(ctx, req)
		require.Error(t, err)
		assert.Equal(t, 1, tracker.QueueLength())

		_, failed := tracker.Results()
		assert.Len(t, failed, 2)
	})

	t.Run("rollback outcomes are counted", func(t *testing.T) {
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			return &models.StorageResult{
				Success:          false,
				Consistency:      models.ConsistencyFailed,
				Message:          "required backend failed: redis: down",
				RollbackExecuted: true,
			}, nil
		}, zap.NewNop())

		dual, err := tracker.Submit(ctx, scenarioRequest("proj-1"))
		require.Error(t, err)
		assert.True(t, dual.RollbackExecuted)
		assert.Equal(t, 1, tracker.Metrics().RollbackCount)
	})

	t.Run("validation failures never enter the retry queue", func(t *testing.T) {
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			return nil, &models.ValidationError{Field: "title", Reason: "is required"}
		}, zap.NewNop())

		_, err := tracker.Submit(ctx, scenarioRequest("proj-1"))
		var validationErr *models.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, 0, tracker.QueueLength())
	})

	t.Run("a later success clears the queued retry for the project", func(t *testing.T) {
		var fail bool
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			if fail {
				return nil, errors.New("transient outage")
			}
			return fullSaveResult(req), nil
		}, zap.NewNop())

		fail = true
		_, err := tracker.Submit(ctx, scenarioRequest("proj-1"))
		require.Error(t, err)
		require.Equal(t, 1, tracker.QueueLength())

		fail = false
		_, err = tracker.Submit(ctx, scenarioRequest("proj-1"))
		require.NoError(t, err)
		assert.Equal(t, 0, tracker.QueueLength())
	})

	t.Run("active requests are keyed by project and timestamp", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			close(started)
			<-release
			return fullSaveResult(req), nil
		}, zap.NewNop())

		req := scenarioRequest("proj-1")
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = tracker.Submit(context.Background(), req)
		}()

		<-started
		active := tracker.ActiveRequests()
		wantKey := fmt.Sprintf("%s-%d", req.ProjectID, req.CreatedAt.UnixMilli())
		assert.Contains(t, active, wantKey)

		close(release)
		<-done
		assert.Empty(t, tracker.ActiveRequests())
	})
}

func TestStorageTrackerRetryFailed(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue is a no-op", func(t *testing.T) {
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			t.Fatal("submit must not run with an empty queue")
			return nil, nil
		}, zap.NewNop())

		retried, succeeded := tracker.RetryFailed(ctx)
		assert.Equal(t, 0, retried)
		assert.Equal(t, 0, succeeded)
	})

	t.Run("queued requests are re-submitted and drained on success", func(t *testing.T) {
		var fail bool
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			if fail {
				return nil, errors.New("transient outage")
			}
			return fullSaveResult(req), nil
		}, zap.NewNop())

		fail = true
		_, _ = tracker.Submit(ctx, scenarioRequest("proj-1"))
		_, _ = tracker.Submit(ctx, scenarioRequest("proj-2"))
		require.Equal(t, 2, tracker.QueueLength())

		fail = false
		retried, succeeded := tracker.RetryFailed(ctx)
		assert.Equal(t, 2, retried)
		assert.Equal(t, 2, succeeded)
		assert.Equal(t, 0, tracker.QueueLength())

		m := tracker.Metrics()
		assert.Equal(t, 4, m.TotalAttempts)
		assert.Equal(t, 2, m.TotalSuccesses)
	})

	t.Run("requests that fail again are re-queued", func(t *testing.T) {
		tracker := service.NewStorageTracker(func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
			return nil, errors.New("still down")
		}, zap.NewNop())

		_, _ = tracker.Submit(ctx, scenarioRequest("proj-1"))
		require.Equal(t, 1, tracker.QueueLength())

		retried, succeeded := tracker.RetryFailed(ctx)
		assert.Equal(t, 1, retried)
		assert.Equal(t, 0, succeeded)
		assert.Equal(t, 1, tracker.QueueLength())
	})
}

func TestNewOrchestratorSubmit(t *testing.T) {
	ctx := context.Background()

	newRepo := func(t *testing.T) (*repository.DualPlanningRepository, *mocks.PlanningRepository, *mocks.PlanningRepository) {
		t.Helper()
		pg := new(mocks.PlanningRepository)
		rd := new(mocks.PlanningRepository)
		repo, err := repository.NewDualPlanningRepository(pg, rd, models.DualStorageConfig{
			PostgresEnabled:    true,
			RedisEnabled:       true,
			FallbackToPostgres: true,
		}, nil, zap.NewNop())
		require.NoError(t, err)
		return repo, pg, rd
	}

	t.Run("materializes content from the request and saves it", func(t *testing.T) {
		repo, pg, rd := newRepo(t)
		matchContent := mock.MatchedBy(func(c *models.Content) bool {
			return c.Type == models.ContentTypeScenario &&
				c.ProjectID == "proj-1" &&
				c.UserID == "user-1" &&
				c.Metadata["source"] == "editor"
		})
		pg.On("Save", mock.Anything, matchContent).Return(nil).Once()
		rd.On("Save", mock.Anything, matchContent).Return(nil).Once()

		submit := service.NewOrchestratorSubmit(repo)
		req := scenarioRequest("proj-1")
		req.Source = "editor"

		result, err := submit(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, models.ConsistencyFull, result.Consistency)
		pg.AssertExpectations(t)
		rd.AssertExpectations(t)
	})

	t.Run("invalid request fails before any storage call", func(t *testing.T) {
		repo, pg, rd := newRepo(t)
		submit := service.NewOrchestratorSubmit(repo)

		req := scenarioRequest("proj-1")
		req.Story = ""
		_, err := submit(ctx, req)

		var validationErr *models.ValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, "story", validationErr.Field)
		pg.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		rd.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("unknown content type is rejected", func(t *testing.T) {
		repo, _, _ := newRepo(t)
		submit := service.NewOrchestratorSubmit(repo)

		req := scenarioRequest("proj-1")
		req.Type = "podcast"
		_, err := submit(ctx, req)
		assert.Error(t, err)
	})

	t.Run("unavailability surfaces as the typed sentinel", func(t *testing.T) {
		repo, pg, rd := newRepo(t)
		off := false
		repo.UpdateConfig(models.DualStorageConfigUpdate{PostgresEnabled: &off, RedisEnabled: &off})

		tracker := service.NewStorageTracker(service.NewOrchestratorSubmit(repo), zap.NewNop())
		_, err := tracker.Submit(ctx, scenarioRequest("proj-9"))

		require.Error(t, err)
		assert.ErrorIs(t, err, interfaces.ErrStorageUnavailable)
		pg.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		rd.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}
