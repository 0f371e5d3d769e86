package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"planning-server/internal/interfaces"
	"planning-server/internal/models"
)

// updatedAtTolerance is the clock-skew window within which differing
// updated_at values are still considered consistent.
const updatedAtTolerance = 5000 * time.Millisecond

// ConsistencyReport is the outcome of auditing one content ID across backends.
type ConsistencyReport struct {
	ContentID       string          `json:"content_id"`
	Consistent      bool            `json:"consistent"`
	Differences     []string        `json:"differences,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Postgres        *models.Content `json:"postgres,omitempty"`
	Redis           *models.Content `json:"redis,omitempty"`
}

// InconsistencyKind classifies one audited record.
type InconsistencyKind string

const (
	MissingInPostgres InconsistencyKind = "missing_in_postgres"
	MissingInRedis    InconsistencyKind = "missing_in_redis"
	DataConflict      InconsistencyKind = "data_conflict"
	Healthy           InconsistencyKind = "healthy"
)

// UserConsistencySummary aggregates the per-record classifications.
type UserConsistencySummary struct {
	Total             int `json:"total"`
	Healthy           int `json:"healthy"`
	MissingInPostgres int `json:"missing_in_postgres"`
	MissingInRedis    int `json:"missing_in_redis"`
	DataConflicts     int `json:"data_conflicts"`
}

// UserInconsistency is one problematic record in a user audit.
type UserInconsistency struct {
	ContentID       string            `json:"content_id"`
	Kind            InconsistencyKind `json:"kind"`
	Differences     []string          `json:"differences,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// UserConsistencyReport is a batch reconciliation report for one user. It
// recommends repairs but performs none; the only automatic repair in the
// system is the opportunistic background sync on read fallback.
type UserConsistencyReport struct {
	UserID          string                 `json:"user_id"`
	Consistent      bool                   `json:"consistent"`
	Summary         UserConsistencySummary `json:"summary"`
	Inconsistencies []UserInconsistency    `json:"inconsistencies,omitempty"`
}

// ConsistencyAuditor compares stored content between the two backends.
type ConsistencyAuditor struct {
	postgres interfaces.PlanningRepository
	redis    interfaces.PlanningRepository
	logger   *zap.Logger
}

// NewConsistencyAuditor creates an auditor over the two backend adapters.
func NewConsistencyAuditor(postgres, redisRepo interfaces.PlanningRepository, logger *zap.Logger) *ConsistencyAuditor {
	return &ConsistencyAuditor{
		postgres: postgres,
		redis:    redisRepo,
		logger:   logger.Named("ConsistencyAuditor"),
	}
}

func (a *ConsistencyAuditor) fetch(ctx context.Context, repo interfaces.PlanningRepository, id string) (*models.Content, error) {
	content, err := repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return content, nil
}

// ValidateContent reads the same ID from both backends independently and
// diffs a fixed field set plus the updated_at skew.
func (a *ConsistencyAuditor) ValidateContent(ctx context.Context, id string) (*ConsistencyReport, error) {
	pgContent, err := a.fetch(ctx, a.postgres, id)
	if err != nil {
		return nil, fmt.Errorf("consistency check failed reading postgres for %s: %w", id, err)
	}
	redisContent, err := a.fetch(ctx, a.redis, id)
	if err != nil {
		return nil, fmt.Errorf("consistency check failed reading redis for %s: %w", id, err)
	}

	report := &ConsistencyReport{
		ContentID: id,
		Postgres:  pgContent,
		Redis:     redisContent,
	}

	switch {
	case pgContent == nil && redisContent == nil:
		// Absent everywhere is trivially consistent.
		report.Consistent = true
	case pgContent == nil:
		report.Differences = append(report.Differences, "content missing in postgres")
		report.Recommendations = append(report.Recommendations, "sync content from redis to postgres")
	case redisContent == nil:
		report.Differences = append(report.Differences, "content missing in redis")
		report.Recommendations = append(report.Recommendations, "sync content from postgres to redis")
	default:
		report.Differences = diffContents(pgContent, redisContent)
		if len(report.Differences) == 0 {
			report.Consistent = true
		} else {
			report.Recommendations = append(report.Recommendations,
				"resolve field conflicts using the most recently updated copy")
		}
	}

	if !report.Consistent {
		a.logger.Warn("Inconsistent content detected",
			zap.String("contentID", id),
			zap.Strings("differences", report.Differences),
		)
	}
	return report, nil
}

func diffContents(pg, rd *models.Content) []string {
	var differences []string
	compare := func(field, a, b string) {
		if a != b {
			differences = append(differences, fmt.Sprintf("%s differs: postgres=%q redis=%q", field, a, b))
		}
	}
	compare("id", pg.ID, rd.ID)
	compare("type", string(pg.Type), string(rd.Type))
	compare("title", pg.Title, rd.Title)
	compare("user_id", pg.UserID, rd.UserID)
	compare("status", string(pg.Status), string(rd.Status))

	if skew := pg.UpdatedAt.Sub(rd.UpdatedAt); skew > updatedAtTolerance || skew < -updatedAtTolerance {
		differences = append(differences, fmt.Sprintf(
			"updated_at skew exceeds tolerance: postgres=%s redis=%s",
			pg.UpdatedAt.Format(time.RFC3339), rd.UpdatedAt.Format(time.RFC3339),
		))
	}
	return differences
}

// ValidateUserContent enumerates the union of the user's IDs across both
// backends and classifies every record.
func (a *ConsistencyAuditor) ValidateUserContent(ctx context.Context, userID string) (*UserConsistencyReport, error) {
	pgContents, err := a.postgres.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user consistency check failed reading postgres for %s: %w", userID, err)
	}
	redisContents, err := a.redis.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user consistency check failed reading redis for %s: %w", userID, err)
	}

	pgByID := make(map[string]*models.Content, len(pgContents))
	for _, c := range pgContents {
		pgByID[c.ID] = c
	}
	redisByID := make(map[string]*models.Content, len(redisContents))
	for _, c := range redisContents {
		redisByID[c.ID] = c
	}

	union := make(map[string]struct{}, len(pgByID)+len(redisByID))
	for id := range pgByID {
		union[id] = struct{}{}
	}
	for id := range redisByID {
		union[id] = struct{}{}
	}

	report := &UserConsistencyReport{UserID: userID}
	for id := range union {
		report.Summary.Total++
		pgContent, inPg := pgByID[id]
		redisContent, inRedis := redisByID[id]

		switch {
		case !inPg:
			report.Summary.MissingInPostgres++
			report.Inconsistencies = append(report.Inconsistencies, UserInconsistency{
				ContentID:       id,
				Kind:            MissingInPostgres,
				Recommendations: []string{"sync content from redis to postgres"},
			})
		case !inRedis:
			report.Summary.MissingInRedis++
			report.Inconsistencies = append(report.Inconsistencies, UserInconsistency{
				ContentID:       id,
				Kind:            MissingInRedis,
				Recommendations: []string{"sync content from postgres to redis"},
			})
		default:
			if differences := diffContents(pgContent, redisContent); len(differences) > 0 {
				report.Summary.DataConflicts++
				report.Inconsistencies = append(report.Inconsistencies, UserInconsistency{
					ContentID:       id,
					Kind:            DataConflict,
					Differences:     differences,
					Recommendations: []string{"resolve field conflicts using the most recently updated copy"},
				})
			} else {
				report.Summary.Healthy++
			}
		}
	}

	report.Consistent = report.Summary.Healthy == report.Summary.Total
	if !report.Consistent {
		a.logger.Warn("User content inconsistencies found",
			zap.String("userID", userID),
			zap.Int("total", report.Summary.Total),
			zap.Int("conflicts", report.Summary.DataConflicts),
			zap.Int("missingInPostgres", report.Summary.MissingInPostgres),
			zap.Int("missingInRedis", report.Summary.MissingInRedis),
		)
	}
	return report, nil
}
