package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
	"planning-server/internal/repository"
	"planning-server/internal/service"
)

// PlanningHandler exposes the dual-storage core over HTTP.
type PlanningHandler struct {
	repo      *repository.DualPlanningRepository
	auditor   *repository.ConsistencyAuditor
	tracker   *service.StorageTracker
	publisher interfaces.StorageEventPublisher
	logger    *zap.Logger
}

// NewPlanningHandler creates the HTTP handler. publisher may be nil when the
// broker is not configured; events are then skipped.
func NewPlanningHandler(
	repo *repository.DualPlanningRepository,
	auditor *repository.ConsistencyAuditor,
	tracker *service.StorageTracker,
	publisher interfaces.StorageEventPublisher,
	logger *zap.Logger,
) *PlanningHandler {
	return &PlanningHandler{
		repo:      repo,
		auditor:   auditor,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger.Named("PlanningHandler"),
	}
}

// RegisterRoutes attaches all planning routes. rateLimit guards the write
// endpoint and may be nil in tests.
func (h *PlanningHandler) RegisterRoutes(router *gin.Engine, rateLimit gin.HandlerFunc) {
	api := router.Group("/api/planning")
	{
		if rateLimit != nil {
			api.POST("/register", rateLimit, h.register)
		} else {
			api.POST("/register", h.register)
		}
		api.POST("/retry", h.retryFailed)
		api.GET("/metrics", h.trackerMetrics)
		api.GET("/storage/health", h.storageHealth)
		api.PUT("/storage/config", h.updateStorageConfig)
		api.GET("/consistency/:id", h.contentConsistency)
		api.GET("/users/:user_id/consistency", h.userConsistency)
		api.GET("/users/:user_id", h.listByUser)
		api.GET("/:id", h.getByID)
		api.PATCH("/:id", h.updateContent)
		api.DELETE("/:id", h.deleteContent)
	}
}

func (h *PlanningHandler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid request body: " + err.Error()})
		return
	}

	result, err := h.tracker.Submit(c.Request.Context(), req.toStorageRequest())
	h.publishSaveEvent(c, req, result)

	if err != nil {
		status := http.StatusInternalServerError
		var validationErr *models.ValidationError
		switch {
		case errors.As(err, &validationErr):
			status = http.StatusBadRequest
		case errors.Is(err, interfaces.ErrStorageUnavailable):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, errorResponse{Message: err.Error()})
		return
	}

	resp := registerResponse{
		Success: true,
		Data:    registerResponseData{DualStorage: result},
	}
	if result.Consistency == models.ConsistencyPartial {
		resp.Message = result.Message
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PlanningHandler) publishSaveEvent(c *gin.Context, req registerRequest, result *models.DualStorageResult) {
	if h.publisher == nil || result == nil {
		return
	}
	eventType := interfaces.StorageEventSaved
	switch result.Consistency {
	case models.ConsistencyPartial:
		eventType = interfaces.StorageEventPartialSave
	case models.ConsistencyFailed:
		eventType = interfaces.StorageEventSaveFailed
	}
	event := interfaces.StorageEvent{
		EventType:   eventType,
		ContentID:   result.ContentID,
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Consistency: result.Consistency,
		Storage: map[string]models.BackendResult{
			models.BackendPostgres: {Attempted: true, Success: result.PostgresResult.Saved, Error: result.PostgresResult.Error},
			models.BackendRedis:    {Attempted: true, Success: result.RedisResult.Saved, Error: result.RedisResult.Error},
		},
		LatencyMs: result.LatencyMs,
		Detail:    result.Message,
		Timestamp: time.Now().UTC(),
	}
	if err := h.publisher.PublishStorageEvent(c.Request.Context(), event); err != nil {
		// Event delivery is advisory; the save result stands either way.
		h.logger.Warn("Failed to publish storage event", zap.Error(err), zap.String("contentID", result.ContentID))
	}
}

func (h *PlanningHandler) retryFailed(c *gin.Context) {
	retried, succeeded := h.tracker.RetryFailed(c.Request.Context())
	c.JSON(http.StatusOK, retryResponse{
		Retried:   retried,
		Succeeded: succeeded,
		Remaining: h.tracker.QueueLength(),
	})
}

func (h *PlanningHandler) trackerMetrics(c *gin.Context) {
	status, lastError := h.tracker.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"last_error": lastError,
		"metrics":    h.tracker.Metrics(),
		"queue":      h.tracker.QueueLength(),
	})
}

func (h *PlanningHandler) storageHealth(c *gin.Context) {
	c.JSON(http.StatusOK, storageHealthResponse{
		Circuit: h.repo.GetStorageHealth(),
		Probe:   h.repo.PerformHealthCheck(c.Request.Context()),
	})
}

func (h *PlanningHandler) updateStorageConfig(c *gin.Context) {
	var update models.DualStorageConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid request body: " + err.Error()})
		return
	}
	cfg := h.repo.UpdateConfig(update)
	c.JSON(http.StatusOK, gin.H{"success": true, "config": cfg})
}

func (h *PlanningHandler) contentConsistency(c *gin.Context) {
	report, err := h.auditor.ValidateContent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Consistency check failed", zap.Error(err), zap.String("contentID", c.Param("id")))
		c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *PlanningHandler) userConsistency(c *gin.Context) {
	report, err := h.auditor.ValidateUserContent(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.logger.Error("User consistency check failed", zap.Error(err), zap.String("userID", c.Param("user_id")))
		c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
		return
	}
	if h.publisher != nil && !report.Consistent {
		event := interfaces.StorageEvent{
			EventType: interfaces.StorageEventAuditReport,
			UserID:    report.UserID,
			Detail:    "user content inconsistencies found",
			Timestamp: time.Now().UTC(),
		}
		if err := h.publisher.PublishStorageEvent(c.Request.Context(), event); err != nil {
			h.logger.Warn("Failed to publish audit event", zap.Error(err), zap.String("userID", report.UserID))
		}
	}
	c.JSON(http.StatusOK, report)
}

func (h *PlanningHandler) getByID(c *gin.Context) {
	content, err := h.repo.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, content)
}

func (h *PlanningHandler) listByUser(c *gin.Context) {
	contents, err := h.repo.FindByUserID(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.handleRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contents": contents, "count": len(contents)})
}

func (h *PlanningHandler) updateContent(c *gin.Context) {
	var req updateContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid request body: " + err.Error()})
		return
	}
	if err := h.repo.Update(c.Request.Context(), c.Param("id"), req.toContentUpdate()); err != nil {
		h.handleRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PlanningHandler) deleteContent(c *gin.Context) {
	if err := h.repo.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.handleRepoError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PlanningHandler) handleRepoError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Message: "content not found"})
	case errors.Is(err, interfaces.ErrStorageUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Message: err.Error()})
	default:
		h.logger.Error("Repository operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}
}
