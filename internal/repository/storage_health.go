package repository

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"planning-server/internal/models"
)

const (
	// failureThreshold is the number of consecutive failures after which a
	// backend is excluded from participation.
	failureThreshold = 3
	// recoveryTime is how long an unhealthy backend stays excluded before a
	// single probe attempt is allowed again.
	recoveryTime = 5 * time.Minute
)

type healthRecord struct {
	failures    int
	lastFailure time.Time
	isHealthy   bool
}

// StorageHealthTracker keeps per-backend failure counters and decides whether
// a backend is currently usable. It is a circuit breaker with a fixed failure
// threshold and cooldown: after the cooldown elapses the circuit is half-open
// and the next attempt's outcome re-closes or re-opens it.
//
// The tracker is owned by whoever constructs it; orchestrator instances do not
// share hidden state.
type StorageHealthTracker struct {
	mu      sync.Mutex
	records map[string]*healthRecord
	logger  *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewStorageHealthTracker creates a tracker with all backends healthy.
func NewStorageHealthTracker(logger *zap.Logger) *StorageHealthTracker {
	return &StorageHealthTracker{
		records: make(map[string]*healthRecord),
		logger:  logger.Named("StorageHealth"),
		now:     time.Now,
	}
}

func (t *StorageHealthTracker) record(backend string) *healthRecord {
	rec, ok := t.records[backend]
	if !ok {
		rec = &healthRecord{isHealthy: true}
		t.records[backend] = rec
	}
	return rec
}

// RecordResult updates the health record from a write attempt outcome. A
// success resets the failure counter; a failure increments it and opens the
// circuit once the threshold is reached.
func (t *StorageHealthTracker) RecordResult(backend string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(backend)
	if success {
		if rec.failures > 0 || !rec.isHealthy {
			t.logger.Info("Backend recovered", zap.String("backend", backend), zap.Int("previousFailures", rec.failures))
		}
		rec.failures = 0
		rec.isHealthy = true
		return
	}

	rec.failures++
	rec.lastFailure = t.now()
	if rec.failures >= failureThreshold {
		if rec.isHealthy {
			t.logger.Warn("Circuit opened for backend",
				zap.String("backend", backend),
				zap.Int("failures", rec.failures),
			)
		}
		rec.isHealthy = false
	}
}

// CanUse reports whether the backend may be attempted right now. An unhealthy
// backend becomes attemptable again once the recovery window has elapsed since
// its last failure.
func (t *StorageHealthTracker) CanUse(backend string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(backend)
	if rec.isHealthy {
		return true
	}
	if t.now().Sub(rec.lastFailure) > recoveryTime {
		t.logger.Info("Recovery window elapsed, allowing probe attempt", zap.String("backend", backend))
		return true
	}
	return false
}

// Snapshot returns a copy of every backend's health record.
func (t *StorageHealthTracker) Snapshot() map[string]models.HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]models.HealthRecord, len(t.records))
	for name, rec := range t.records {
		out[name] = models.HealthRecord{
			Failures:    rec.failures,
			LastFailure: rec.lastFailure,
			IsHealthy:   rec.isHealthy,
		}
	}
	return out
}
