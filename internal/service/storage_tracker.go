package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"planning-server/internal/metrics"
	"planning-server/internal/models"
	"planning-server/internal/repository"
)

// SubmitFunc performs one orchestrated save for a storage request and returns
// the structured result. The tracker itself does no storage I/O.
type SubmitFunc func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error)

// StorageTracker records storage submissions: active requests while in
// flight, successful and failed results, rolling metrics and a retry queue of
// failed requests deduplicated by project. Retries are never automatic; they
// run only when RetryFailed is invoked.
type StorageTracker struct {
	submit SubmitFunc
	logger *zap.Logger

	mu         sync.Mutex
	status     models.TrackerStatus
	active     map[string]models.StorageRequest
	successful []models.DualStorageResult
	failed     []models.DualStorageResult
	retryQueue []models.StorageRequest
	lastError  string

	totalAttempts   int
	totalSuccesses  int
	totalLatencyMs  int64
	postgresSuccess int
	redisSuccess    int
	rollbacks       int
}

// NewStorageTracker creates a tracker that submits saves through submit.
func NewStorageTracker(submit SubmitFunc, logger *zap.Logger) *StorageTracker {
	return &StorageTracker{
		submit: submit,
		logger: logger.Named("StorageTracker"),
		status: models.TrackerIdle,
		active: make(map[string]models.StorageRequest),
	}
}

// NewOrchestratorSubmit adapts the dual repository into a SubmitFunc,
// materializing the content record from the request.
func NewOrchestratorSubmit(repo *repository.DualPlanningRepository) SubmitFunc {
	return func(ctx context.Context, req models.StorageRequest) (*models.StorageResult, error) {
		payload, err := payloadForRequest(req)
		if err != nil {
			return nil, err
		}
		content := models.NewContent(req.Type, req.ProjectID, req.UserID, req.Title, payload)
		if req.Metadata != nil {
			content.Metadata = req.Metadata
		}
		if req.Source != "" {
			content.Metadata["source"] = req.Source
		}
		// Validation failures are fatal for the call and must not reach the
		// retry queue as storage failures of a healthy backend.
		if err := content.Validate(); err != nil {
			return nil, err
		}
		return repo.Save(ctx, content), nil
	}
}

func payloadForRequest(req models.StorageRequest) (json.RawMessage, error) {
	switch req.Type {
	case models.ContentTypeScenario:
		return json.Marshal(models.ScenarioPayload{Story: req.Story})
	case models.ContentTypePrompt:
		return json.Marshal(models.PromptPayload{PromptText: req.Prompt})
	case models.ContentTypeVideo:
		return json.Marshal(models.VideoPayload{VideoURL: req.VideoURL})
	default:
		return nil, fmt.Errorf("unknown content type %q", req.Type)
	}
}

func requestKey(req models.StorageRequest) string {
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return fmt.Sprintf("%s-%d", req.ProjectID, createdAt.UnixMilli())
}

// Submit runs one save through the tracker. On success the result is folded
// into the rolling metrics and any queued retry for the same project is
// dropped; on failure the request joins the retry queue.
func (t *StorageTracker) Submit(ctx context.Context, req models.StorageRequest) (*models.DualStorageResult, error) {
	key := requestKey(req)

	t.mu.Lock()
	t.status = models.TrackerLoading
	t.active[key] = req
	t.mu.Unlock()

	start := time.Now()
	result, err := t.submit(ctx, req)
	latency := time.Since(start).Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, key)

	dual := &models.DualStorageResult{
		Timestamp: time.Now().UTC(),
		LatencyMs: latency,
	}
	if result != nil {
		dual.Success = result.Success
		dual.ContentID = result.ContentID
		dual.Consistency = result.Consistency
		dual.Message = result.Message
		dual.RollbackExecuted = result.RollbackExecuted
		if result.RollbackExecuted {
			t.rollbacks++
		}
		if br, ok := result.Storage[models.BackendPostgres]; ok {
			dual.PostgresResult = models.BackendSave{Saved: br.Success, ID: result.ContentID, Error: br.Error}
		}
		if br, ok := result.Storage[models.BackendRedis]; ok {
			dual.RedisResult = models.BackendSave{Saved: br.Success, ID: result.ContentID, Error: br.Error}
		}
	}

	t.totalAttempts++
	if err == nil && result != nil && result.Success {
		t.totalSuccesses++
		t.totalLatencyMs += latency
		if dual.PostgresResult.Saved {
			t.postgresSuccess++
		}
		if dual.RedisResult.Saved {
			t.redisSuccess++
		}
		t.successful = append(t.successful, *dual)
		t.removeFromQueueLocked(req.ProjectID)
		t.status = models.TrackerIdle
		t.lastError = ""
		return dual, nil
	}

	message := "storage request failed"
	if err != nil {
		message = err.Error()
	} else if result != nil && result.Message != "" {
		message = result.Message
	}
	dual.Success = false
	dual.Message = message

	t.failed = append(t.failed, *dual)
	var validationErr *models.ValidationError
	if !errors.As(err, &validationErr) {
		// Validation failures would fail again verbatim; only storage-side
		// failures join the retry queue.
		t.enqueueRetryLocked(req)
	}
	t.status = models.TrackerError
	t.lastError = message
	t.logger.Warn("Storage request failed",
		zap.String("projectID", req.ProjectID),
		zap.String("type", string(req.Type)),
		zap.String("error", message),
	)
	if err == nil {
		if result != nil && result.Err != nil {
			err = result.Err
		} else {
			err = errors.New(message)
		}
	}
	return dual, err
}

// enqueueRetryLocked appends the request to the retry queue unless a request
// for the same project is already queued.
func (t *StorageTracker) enqueueRetryLocked(req models.StorageRequest) {
	for _, queued := range t.retryQueue {
		if queued.ProjectID == req.ProjectID {
			return
		}
	}
	t.retryQueue = append(t.retryQueue, req)
	metrics.RetryQueueDepth.Set(float64(len(t.retryQueue)))
}

func (t *StorageTracker) removeFromQueueLocked(projectID string) {
	filtered := t.retryQueue[:0]
	for _, queued := range t.retryQueue {
		if queued.ProjectID != projectID {
			filtered = append(filtered, queued)
		}
	}
	t.retryQueue = filtered
	metrics.RetryQueueDepth.Set(float64(len(t.retryQueue)))
}

// RetryFailed re-submits every queued request concurrently. Requests that
// succeed leave the queue; the ones that fail again are re-queued by their
// own Submit call. Returns how many were retried and how many succeeded.
func (t *StorageTracker) RetryFailed(ctx context.Context) (retried, succeeded int) {
	t.mu.Lock()
	queue := make([]models.StorageRequest, len(t.retryQueue))
	copy(queue, t.retryQueue)
	t.retryQueue = t.retryQueue[:0]
	metrics.RetryQueueDepth.Set(0)
	t.mu.Unlock()

	if len(queue) == 0 {
		return 0, 0
	}
	t.logger.Info("Retrying failed storage requests", zap.Int("count", len(queue)))

	var wg sync.WaitGroup
	var successMu sync.Mutex
	for _, req := range queue {
		wg.Add(1)
		go func(req models.StorageRequest) {
			defer wg.Done()
			if _, err := t.Submit(ctx, req); err == nil {
				successMu.Lock()
				succeeded++
				successMu.Unlock()
			}
		}(req)
	}
	wg.Wait()
	return len(queue), succeeded
}

// Metrics returns the rolling aggregates over all tracked attempts.
func (t *StorageTracker) Metrics() models.StorageMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := models.StorageMetrics{
		TotalAttempts:  t.totalAttempts,
		TotalSuccesses: t.totalSuccesses,
		TotalFailures:  t.totalAttempts - t.totalSuccesses,
		RollbackCount:  t.rollbacks,
	}
	if t.totalSuccesses > 0 {
		m.AverageLatencyMs = float64(t.totalLatencyMs) / float64(t.totalSuccesses)
	}
	if t.totalAttempts > 0 {
		m.SuccessRate = float64(t.totalSuccesses) / float64(t.totalAttempts)
		m.PostgresSuccessRate = float64(t.postgresSuccess) / float64(t.totalAttempts)
		m.RedisSuccessRate = float64(t.redisSuccess) / float64(t.totalAttempts)
	}
	return m
}

// Status returns the aggregate tracker status and the last error message.
func (t *StorageTracker) Status() (models.TrackerStatus, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.lastError
}

// QueueLength returns the current retry queue depth.
func (t *StorageTracker) QueueLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retryQueue)
}

// Results returns copies of the successful and failed result lists.
func (t *StorageTracker) Results() (successful, failed []models.DualStorageResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	successful = append([]models.DualStorageResult(nil), t.successful...)
	failed = append([]models.DualStorageResult(nil), t.failed...)
	return successful, failed
}

// ActiveRequests returns the requests currently in flight, keyed by
// {projectId}-{timestamp}.
func (t *StorageTracker) ActiveRequests() map[string]models.StorageRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]models.StorageRequest, len(t.active))
	for k, v := range t.active {
		out[k] = v
	}
	return out
}
