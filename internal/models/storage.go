package models

import "time"

// Backend names used throughout the storage layer. The orchestrator, health
// tracker and consistency auditor all key their state by these.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DegradationMode is the externally supplied signal describing how many
// backends are expected to be available.
type DegradationMode string

const (
	DegradationFull     DegradationMode = "full"
	DegradationDegraded DegradationMode = "degraded"
	DegradationDisabled DegradationMode = "disabled"
)

// Valid reports whether the mode is one of the known values.
func (m DegradationMode) Valid() bool {
	switch m {
	case DegradationFull, DegradationDegraded, DegradationDisabled:
		return true
	}
	return false
}

// DualStorageConfig controls which backends participate in writes and what
// counts as a successful save.
type DualStorageConfig struct {
	PostgresEnabled    bool `json:"postgres_enabled"`
	RedisEnabled       bool `json:"redis_enabled"`
	RequireBoth        bool `json:"require_both"`
	FallbackToPostgres bool `json:"fallback_to_postgres"`
}

// DualStorageConfigUpdate is a partial runtime reconfiguration. Nil fields are
// left unchanged.
type DualStorageConfigUpdate struct {
	PostgresEnabled    *bool `json:"postgres_enabled,omitempty"`
	RedisEnabled       *bool `json:"redis_enabled,omitempty"`
	RequireBoth        *bool `json:"require_both,omitempty"`
	FallbackToPostgres *bool `json:"fallback_to_postgres,omitempty"`
}

// ConsistencyLevel classifies the outcome of a dual write.
type ConsistencyLevel string

const (
	// ConsistencyFull means every enabled backend succeeded.
	ConsistencyFull ConsistencyLevel = "full"
	// ConsistencyPartial means at least one enabled backend succeeded but not all.
	ConsistencyPartial ConsistencyLevel = "partial"
	// ConsistencyFailed means no enabled backend succeeded, or a required one failed.
	ConsistencyFailed ConsistencyLevel = "failed"
)

// BackendResult is the per-backend outcome of a single storage operation.
type BackendResult struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StorageResult is the structured outcome of an orchestrated save.
type StorageResult struct {
	Success          bool                     `json:"success"`
	ContentID        string                   `json:"content_id"`
	Storage          map[string]BackendResult `json:"storage"`
	Message          string                   `json:"message,omitempty"`
	Consistency      ConsistencyLevel         `json:"consistency"`
	RollbackExecuted bool                     `json:"rollback_executed,omitempty"`

	// Err carries the typed failure cause for callers that branch on
	// sentinels; Message holds its rendered form for the wire.
	Err error `json:"-"`
}

// BackendHealth is the result of a live write/delete probe against one backend.
type BackendHealth struct {
	Healthy   bool    `json:"healthy"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// HealthRecord is a snapshot of the circuit-breaker state for one backend.
type HealthRecord struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	IsHealthy   bool      `json:"is_healthy"`
}

// StorageRequest is a save submission tracked by the storage tracker. It is the
// shape accepted by POST /api/planning/register.
type StorageRequest struct {
	Type      ContentType    `json:"type"`
	ProjectID string         `json:"project_id"`
	UserID    string         `json:"user_id"`
	Title     string         `json:"title"`
	Source    string         `json:"source,omitempty"`
	Story     string         `json:"story,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	VideoURL  string         `json:"video_url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// DualStorageResult is the wire-level payload returned to register callers
// under data.dualStorage.
type DualStorageResult struct {
	Success          bool             `json:"success"`
	ContentID        string           `json:"content_id,omitempty"`
	PostgresResult   BackendSave      `json:"postgresResult"`
	RedisResult      BackendSave      `json:"redisResult"`
	Consistency      ConsistencyLevel `json:"consistency"`
	RollbackExecuted bool             `json:"rollbackExecuted"`
	Timestamp        time.Time        `json:"timestamp"`
	LatencyMs        int64            `json:"latencyMs"`
	Message          string           `json:"message,omitempty"`
}

// BackendSave is the per-backend slice of a DualStorageResult.
type BackendSave struct {
	Saved bool   `json:"saved"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// StorageMetrics are rolling aggregates over all tracked save attempts.
type StorageMetrics struct {
	TotalAttempts       int     `json:"total_attempts"`
	TotalSuccesses      int     `json:"total_successes"`
	TotalFailures       int     `json:"total_failures"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
	SuccessRate         float64 `json:"success_rate"`
	PostgresSuccessRate float64 `json:"postgres_success_rate"`
	RedisSuccessRate    float64 `json:"redis_success_rate"`
	RollbackCount       int     `json:"rollback_count"`
}

// TrackerStatus is the aggregate state of the storage tracker.
type TrackerStatus string

const (
	TrackerIdle    TrackerStatus = "idle"
	TrackerLoading TrackerStatus = "loading"
	TrackerError   TrackerStatus = "error"
)
