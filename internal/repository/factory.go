package repository

import (
	"errors"

	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
)

// ErrNoStorageClient is returned when construction would leave the
// orchestrator with zero usable backends.
var ErrNoStorageClient = errors.New("at least one storage client must be provided")

// Capabilities are the environment flags describing which storage clients the
// deployment can actually reach.
type Capabilities struct {
	Database bool
	Redis    bool
}

// ConfigForDegradationMode translates the externally supplied degradation mode
// plus capability flags into a DualStorageConfig.
//
//	mode      postgres            redis               requireBoth  fallbackToPostgres
//	full      capabilities.db     capabilities.redis  true         true
//	degraded  capabilities.db     capabilities.redis  false        capabilities.db
//	disabled  capabilities.db     false               false        true
func ConfigForDegradationMode(mode models.DegradationMode, caps Capabilities) models.DualStorageConfig {
	switch mode {
	case models.DegradationDegraded:
		return models.DualStorageConfig{
			PostgresEnabled:    caps.Database,
			RedisEnabled:       caps.Redis,
			RequireBoth:        false,
			FallbackToPostgres: caps.Database,
		}
	case models.DegradationDisabled:
		return models.DualStorageConfig{
			PostgresEnabled:    caps.Database,
			RedisEnabled:       false,
			RequireBoth:        false,
			FallbackToPostgres: true,
		}
	default: // full
		return models.DualStorageConfig{
			PostgresEnabled:    caps.Database,
			RedisEnabled:       caps.Redis,
			RequireBoth:        true,
			FallbackToPostgres: true,
		}
	}
}

// NewDualPlanningRepository builds the orchestrator over the given backends.
// A backend configured enabled whose client is missing is downgraded to
// disabled rather than failing construction; construction fails only when no
// backend remains available.
func NewDualPlanningRepository(
	postgres interfaces.PlanningRepository,
	redisRepo interfaces.PlanningRepository,
	cfg models.DualStorageConfig,
	health *StorageHealthTracker,
	logger *zap.Logger,
) (*DualPlanningRepository, error) {
	if cfg.PostgresEnabled && postgres == nil {
		logger.Warn("Postgres enabled but no client supplied, disabling backend")
		cfg.PostgresEnabled = false
	}
	if cfg.RedisEnabled && redisRepo == nil {
		logger.Warn("Redis enabled but no client supplied, disabling backend")
		cfg.RedisEnabled = false
	}
	if !cfg.PostgresEnabled && !cfg.RedisEnabled {
		return nil, ErrNoStorageClient
	}
	// Requiring both with one backend disabled can never succeed; relax it.
	if cfg.RequireBoth && (!cfg.PostgresEnabled || !cfg.RedisEnabled) {
		logger.Warn("RequireBoth relaxed, only one backend is available")
		cfg.RequireBoth = false
	}
	if health == nil {
		health = NewStorageHealthTracker(logger)
	}

	return &DualPlanningRepository{
		postgres: postgres,
		redis:    redisRepo,
		health:   health,
		logger:   logger.Named("DualPlanningRepo"),
		cfg:      cfg,
		idLocks:  make(map[string]*idLock),
	}, nil
}
