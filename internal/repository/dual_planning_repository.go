package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/metrics"
	"planning-server/internal/models"
)

// selfHealTimeout bounds the detached re-write triggered by a read fallback.
const selfHealTimeout = 10 * time.Second

// DualPlanningRepository coordinates writes across the PostgreSQL and Redis
// backends. It consults the health tracker to decide which backends
// participate, issues backend calls concurrently with fault isolation (one
// backend's failure never aborts the other's attempt) and classifies every
// save as full, partial or failed consistency.
type DualPlanningRepository struct {
	postgres interfaces.PlanningRepository
	redis    interfaces.PlanningRepository
	health   *StorageHealthTracker
	logger   *zap.Logger

	cfgMu sync.RWMutex
	cfg   models.DualStorageConfig

	// idLocks serializes writes per content ID. Entries are created on demand
	// and dropped when the last holder releases.
	idLocksMu sync.Mutex
	idLocks   map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// backendOutcome is the settled result of one backend's participation.
type backendOutcome struct {
	attempted bool
	err       error
}

func (o backendOutcome) success() bool {
	return o.attempted && o.err == nil
}

func (r *DualPlanningRepository) lockID(id string) func() {
	r.idLocksMu.Lock()
	l, ok := r.idLocks[id]
	if !ok {
		l = &idLock{}
		r.idLocks[id] = l
	}
	l.refs++
	r.idLocksMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.idLocksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.idLocks, id)
		}
		r.idLocksMu.Unlock()
	}
}

// Config returns the current dual-storage configuration.
func (r *DualPlanningRepository) Config() models.DualStorageConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// UpdateConfig applies a partial runtime reconfiguration, e.g. an operator
// forcing single-backend mode.
func (r *DualPlanningRepository) UpdateConfig(update models.DualStorageConfigUpdate) models.DualStorageConfig {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	if update.PostgresEnabled != nil {
		r.cfg.PostgresEnabled = *update.PostgresEnabled
	}
	if update.RedisEnabled != nil {
		r.cfg.RedisEnabled = *update.RedisEnabled
	}
	if update.RequireBoth != nil {
		r.cfg.RequireBoth = *update.RequireBoth
	}
	if update.FallbackToPostgres != nil {
		r.cfg.FallbackToPostgres = *update.FallbackToPostgres
	}
	r.logger.Info("Dual storage config updated",
		zap.Bool("postgresEnabled", r.cfg.PostgresEnabled),
		zap.Bool("redisEnabled", r.cfg.RedisEnabled),
		zap.Bool("requireBoth", r.cfg.RequireBoth),
		zap.Bool("fallbackToPostgres", r.cfg.FallbackToPostgres),
	)
	return r.cfg
}

// usable reports which backends may participate in the next operation,
// combining configuration with circuit-breaker state.
func (r *DualPlanningRepository) usable() (postgres, redisOK bool) {
	cfg := r.Config()
	postgres = cfg.PostgresEnabled && r.postgres != nil && r.health.CanUse(models.BackendPostgres)
	redisOK = cfg.RedisEnabled && r.redis != nil && r.health.CanUse(models.BackendRedis)
	r.updateCircuitGauges()
	return postgres, redisOK
}

func (r *DualPlanningRepository) updateCircuitGauges() {
	for name, rec := range r.health.Snapshot() {
		v := 0.0
		if !rec.IsHealthy {
			v = 1.0
		}
		metrics.CircuitOpen.WithLabelValues(name).Set(v)
	}
}

// attempt runs one backend call, converting its error into an outcome and
// feeding the circuit breaker. A not-found result is a healthy answer, not a
// backend failure.
func (r *DualPlanningRepository) attempt(backend string, fn func() error) backendOutcome {
	err := fn()
	r.health.RecordResult(backend, err == nil || errors.Is(err, interfaces.ErrNotFound))
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		metrics.BackendFailuresTotal.WithLabelValues(backend).Inc()
	}
	return backendOutcome{attempted: true, err: err}
}

// Save writes the content to every usable backend. With both usable the two
// writes run concurrently and are joined regardless of individual failure;
// with one usable the write is delegated to it alone; with none the save
// fails immediately without touching either backend.
//
// Save is create-only: callers synthesize a fresh ID per request. The
// all-or-nothing rollback deletes the surviving copy and would destroy a
// pre-existing record if an ID were ever reused; use Update to modify
// stored content.
func (r *DualPlanningRepository) Save(ctx context.Context, content *models.Content) *models.StorageResult {
	unlock := r.lockID(content.ID)
	defer unlock()

	if err := content.Validate(); err != nil {
		return &models.StorageResult{
			Success:     false,
			ContentID:   content.ID,
			Storage:     map[string]models.BackendResult{},
			Message:     err.Error(),
			Consistency: models.ConsistencyFailed,
		}
	}

	canUsePostgres, canUseRedis := r.usable()
	content.StorageStatus = models.StorageStatusSaving
	if content.Storage == nil {
		content.Storage = map[string]models.BackendState{}
	}

	var pgOutcome, redisOutcome backendOutcome
	switch {
	case !canUsePostgres && !canUseRedis:
		r.logger.Error("Save rejected, no usable backend", zap.String("contentID", content.ID))
		content.StorageStatus = models.StorageStatusFailed
		result := &models.StorageResult{
			Success:     false,
			ContentID:   content.ID,
			Storage:     map[string]models.BackendResult{},
			Message:     interfaces.ErrStorageUnavailable.Error(),
			Err:         interfaces.ErrStorageUnavailable,
			Consistency: models.ConsistencyFailed,
		}
		metrics.SavesTotal.WithLabelValues(string(result.Consistency)).Inc()
		return result

	case canUsePostgres && canUseRedis:
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			pgOutcome = r.attempt(models.BackendPostgres, func() error { return r.postgres.Save(ctx, content) })
		}()
		go func() {
			defer wg.Done()
			redisOutcome = r.attempt(models.BackendRedis, func() error { return r.redis.Save(ctx, content) })
		}()
		wg.Wait()

	case canUsePostgres:
		pgOutcome = r.attempt(models.BackendPostgres, func() error { return r.postgres.Save(ctx, content) })

	default:
		redisOutcome = r.attempt(models.BackendRedis, func() error { return r.redis.Save(ctx, content) })
	}

	return r.classifySave(content, pgOutcome, redisOutcome)
}

// classifySave folds the per-backend outcomes into a StorageResult according
// to the configured consistency policy.
func (r *DualPlanningRepository) classifySave(content *models.Content, pg, rd backendOutcome) *models.StorageResult {
	cfg := r.Config()
	result := &models.StorageResult{
		ContentID: content.ID,
		Storage:   map[string]models.BackendResult{},
	}

	record := func(name string, o backendOutcome) {
		br := models.BackendResult{Attempted: o.attempted, Success: o.success()}
		state := models.BackendState{Saved: o.success()}
		if o.attempted && o.err != nil {
			br.Error = o.err.Error()
			state.Error = o.err.Error()
		}
		result.Storage[name] = br
		content.Storage[name] = state
	}
	record(models.BackendPostgres, pg)
	record(models.BackendRedis, rd)

	enabled := 0
	succeeded := 0
	var failedBackends, failureMessages []string
	check := func(name string, enabledFlag bool, o backendOutcome) {
		if !enabledFlag {
			return
		}
		enabled++
		if o.success() {
			succeeded++
			return
		}
		failedBackends = append(failedBackends, name)
		if o.attempted && o.err != nil {
			failureMessages = append(failureMessages, fmt.Sprintf("%s: %s", name, o.err.Error()))
		} else {
			failureMessages = append(failureMessages, fmt.Sprintf("%s: skipped, circuit open", name))
		}
	}
	check(models.BackendPostgres, cfg.PostgresEnabled, pg)
	check(models.BackendRedis, cfg.RedisEnabled, rd)

	switch {
	case succeeded == enabled && enabled > 0:
		result.Success = true
		result.Consistency = models.ConsistencyFull
		content.StorageStatus = models.StorageStatusSaved
	case succeeded > 0 && cfg.RequireBoth:
		result.Success = false
		result.Consistency = models.ConsistencyFailed
		result.Message = fmt.Sprintf("required backend failed: %s", strings.Join(failureMessages, "; "))
		content.StorageStatus = models.StorageStatusFailed
		// All-or-nothing mode: undo the half-written copy, best effort.
		result.RollbackExecuted = r.rollback(content.ID, pg, rd)
	case succeeded > 0 && pg.success() && !cfg.FallbackToPostgres:
		// A postgres-only survivor counts as partial only when the fallback
		// policy accepts operating on postgres alone.
		result.Success = false
		result.Consistency = models.ConsistencyFailed
		result.Message = fmt.Sprintf("postgres fallback disabled: %s", strings.Join(failureMessages, "; "))
		content.StorageStatus = models.StorageStatusFailed
		result.RollbackExecuted = r.rollback(content.ID, pg, rd)
	case succeeded > 0:
		result.Success = true
		result.Consistency = models.ConsistencyPartial
		result.Message = fmt.Sprintf("partial save, failed backends: %s", strings.Join(failedBackends, ", "))
		content.StorageStatus = models.StorageStatusPartial
		r.logger.Warn("Partial save",
			zap.String("contentID", content.ID),
			zap.Strings("failedBackends", failedBackends),
		)
	default:
		result.Success = false
		result.Consistency = models.ConsistencyFailed
		result.Message = strings.Join(failureMessages, "; ")
		content.StorageStatus = models.StorageStatusFailed
		r.logger.Error("Save failed on every backend",
			zap.String("contentID", content.ID),
			zap.String("errors", result.Message),
		)
	}

	metrics.SavesTotal.WithLabelValues(string(result.Consistency)).Inc()
	return result
}

// rollback deletes the content from whichever backend accepted the write
// after a requireBoth save failed overall. Reports whether every undo stuck.
func (r *DualPlanningRepository) rollback(id string, pg, rd backendOutcome) bool {
	ctx, cancel := context.WithTimeout(context.Background(), selfHealTimeout)
	defer cancel()

	executed := true
	if pg.success() {
		if err := r.postgres.Delete(ctx, id); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			r.logger.Error("Rollback delete failed on postgres", zap.Error(err), zap.String("contentID", id))
			executed = false
		}
	}
	if rd.success() {
		if err := r.redis.Delete(ctx, id); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			r.logger.Error("Rollback delete failed on redis", zap.Error(err), zap.String("contentID", id))
			executed = false
		}
	}
	return executed
}

// FindByID reads through the backends in preference order: PostgreSQL first,
// then Redis. A hit on Redis alone triggers a detached background re-write to
// PostgreSQL so the stores converge without slowing the read path.
func (r *DualPlanningRepository) FindByID(ctx context.Context, id string) (*models.Content, error) {
	canUsePostgres, canUseRedis := r.usable()

	if canUsePostgres {
		content, err := r.postgres.FindByID(ctx, id)
		switch {
		case err == nil:
			r.health.RecordResult(models.BackendPostgres, true)
			return content, nil
		case errors.Is(err, interfaces.ErrNotFound):
			// Missing in the primary is not a backend failure.
		default:
			r.health.RecordResult(models.BackendPostgres, false)
			r.logger.Warn("Postgres read failed, falling back to redis", zap.Error(err), zap.String("contentID", id))
		}
	}

	if canUseRedis {
		content, err := r.redis.FindByID(ctx, id)
		switch {
		case err == nil:
			r.health.RecordResult(models.BackendRedis, true)
			if canUsePostgres {
				r.selfHeal(content)
			}
			return content, nil
		case errors.Is(err, interfaces.ErrNotFound):
		default:
			r.health.RecordResult(models.BackendRedis, false)
			r.logger.Warn("Redis read failed", zap.Error(err), zap.String("contentID", id))
		}
	}

	if !canUsePostgres && !canUseRedis {
		return nil, interfaces.ErrStorageUnavailable
	}
	return nil, interfaces.ErrNotFound
}

// selfHeal re-writes a record found only in Redis back to PostgreSQL. Errors
// stay on this detached path; the caller of FindByID never sees them.
func (r *DualPlanningRepository) selfHeal(content *models.Content) {
	healed := *content
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), selfHealTimeout)
		defer cancel()
		if err := r.postgres.Save(ctx, &healed); err != nil {
			r.logger.Warn("Background sync to postgres failed",
				zap.Error(err),
				zap.String("contentID", healed.ID),
			)
			return
		}
		metrics.SelfHealTotal.Inc()
		r.logger.Info("Content synced back to postgres", zap.String("contentID", healed.ID))
	}()
}

// FindByUserID merges both backends' results, deduplicating by ID with the
// first-seen backend winning, sorted most recently updated first.
func (r *DualPlanningRepository) FindByUserID(ctx context.Context, userID string) ([]*models.Content, error) {
	canUsePostgres, canUseRedis := r.usable()
	if !canUsePostgres && !canUseRedis {
		return nil, interfaces.ErrStorageUnavailable
	}

	var pgContents, redisContents []*models.Content
	var pgErr, redisErr error
	var wg sync.WaitGroup

	if canUsePostgres {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pgContents, pgErr = r.postgres.FindByUserID(ctx, userID)
			r.health.RecordResult(models.BackendPostgres, pgErr == nil)
		}()
	}
	if canUseRedis {
		wg.Add(1)
		go func() {
			defer wg.Done()
			redisContents, redisErr = r.redis.FindByUserID(ctx, userID)
			r.health.RecordResult(models.BackendRedis, redisErr == nil)
		}()
	}
	wg.Wait()

	if pgErr != nil && redisErr != nil {
		return nil, fmt.Errorf("failed to list content for user %s: postgres: %v; redis: %v", userID, pgErr, redisErr)
	}
	if pgErr != nil {
		r.logger.Warn("Postgres list failed, serving redis only", zap.Error(pgErr), zap.String("userID", userID))
	}
	if redisErr != nil {
		r.logger.Warn("Redis list failed, serving postgres only", zap.Error(redisErr), zap.String("userID", userID))
	}

	seen := make(map[string]struct{})
	merged := make([]*models.Content, 0, len(pgContents)+len(redisContents))
	for _, content := range append(pgContents, redisContents...) {
		if _, ok := seen[content.ID]; ok {
			continue
		}
		seen[content.ID] = struct{}{}
		merged = append(merged, content)
	}

	sort.Slice(merged, func(i, j int) bool {
		ti, tj := merged[i].UpdatedAt, merged[j].UpdatedAt
		if ti.IsZero() {
			ti = merged[i].CreatedAt
		}
		if tj.IsZero() {
			tj = merged[j].CreatedAt
		}
		return ti.After(tj)
	})
	return merged, nil
}

// fanOut runs an operation against every usable backend concurrently and
// succeeds when at least one backend succeeds. Not-found results are passed
// through when every backend reports them.
func (r *DualPlanningRepository) fanOut(op string, id string, pgFn, redisFn func() error) error {
	canUsePostgres, canUseRedis := r.usable()
	if !canUsePostgres && !canUseRedis {
		return interfaces.ErrStorageUnavailable
	}

	var pgOutcome, redisOutcome backendOutcome
	var wg sync.WaitGroup
	if canUsePostgres {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pgOutcome = r.attempt(models.BackendPostgres, pgFn)
		}()
	}
	if canUseRedis {
		wg.Add(1)
		go func() {
			defer wg.Done()
			redisOutcome = r.attempt(models.BackendRedis, redisFn)
		}()
	}
	wg.Wait()

	if pgOutcome.success() || redisOutcome.success() {
		for _, o := range []struct {
			name    string
			outcome backendOutcome
		}{
			{models.BackendPostgres, pgOutcome},
			{models.BackendRedis, redisOutcome},
		} {
			if o.outcome.attempted && o.outcome.err != nil && !errors.Is(o.outcome.err, interfaces.ErrNotFound) {
				r.logger.Warn("Backend failed during fan-out",
					zap.String("operation", op),
					zap.String("backend", o.name),
					zap.String("contentID", id),
					zap.Error(o.outcome.err),
				)
			}
		}
		return nil
	}

	var errs []string
	for _, o := range []backendOutcome{pgOutcome, redisOutcome} {
		if o.attempted && o.err != nil {
			errs = append(errs, o.err.Error())
		}
	}
	if allNotFound(pgOutcome, redisOutcome) {
		return interfaces.ErrNotFound
	}
	return fmt.Errorf("%s failed on every backend for %s: %s", op, id, strings.Join(errs, "; "))
}

func allNotFound(outcomes ...backendOutcome) bool {
	attempted := 0
	for _, o := range outcomes {
		if !o.attempted {
			continue
		}
		attempted++
		if !errors.Is(o.err, interfaces.ErrNotFound) {
			return false
		}
	}
	return attempted > 0
}

// Update applies a partial update on every usable backend.
func (r *DualPlanningRepository) Update(ctx context.Context, id string, update models.ContentUpdate) error {
	unlock := r.lockID(id)
	defer unlock()
	return r.fanOut("update", id,
		func() error { return r.postgres.Update(ctx, id, update) },
		func() error { return r.redis.Update(ctx, id, update) },
	)
}

// Delete removes the record from every usable backend.
func (r *DualPlanningRepository) Delete(ctx context.Context, id string) error {
	unlock := r.lockID(id)
	defer unlock()
	return r.fanOut("delete", id,
		func() error { return r.postgres.Delete(ctx, id) },
		func() error { return r.redis.Delete(ctx, id) },
	)
}

// GetStorageHealth returns the circuit-breaker view of every backend.
func (r *DualPlanningRepository) GetStorageHealth() map[string]models.HealthRecord {
	return r.health.Snapshot()
}

// PerformHealthCheck runs a live write-then-delete probe against each backend
// independently. This is a liveness check, distinct from the failure-counting
// circuit breaker; probe outcomes do not feed the failure counters.
func (r *DualPlanningRepository) PerformHealthCheck(ctx context.Context) map[string]models.BackendHealth {
	results := make(map[string]models.BackendHealth, 2)
	cfg := r.Config()

	probe := func(name string, repo interfaces.PlanningRepository) models.BackendHealth {
		probeContent := models.NewContent(models.ContentTypeScenario, "health-check", "health-check", "health check", []byte(`{"story":"probe"}`))
		start := time.Now()
		if err := repo.Save(ctx, probeContent); err != nil {
			return models.BackendHealth{Healthy: false, Error: err.Error()}
		}
		if err := repo.Delete(ctx, probeContent.ID); err != nil {
			return models.BackendHealth{Healthy: false, Error: fmt.Sprintf("probe cleanup failed: %s", err.Error())}
		}
		return models.BackendHealth{Healthy: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
	}

	if cfg.PostgresEnabled && r.postgres != nil {
		results[models.BackendPostgres] = probe(models.BackendPostgres, r.postgres)
	}
	if cfg.RedisEnabled && r.redis != nil {
		results[models.BackendRedis] = probe(models.BackendRedis, r.redis)
	}
	return results
}
