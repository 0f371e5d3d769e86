package interfaces

import (
	"context"
	"errors"

	"planning-server/internal/models"
)

// ErrNotFound is returned when a record does not exist in a backend.
var ErrNotFound = errors.New("content not found")

// ErrStorageUnavailable is returned when no enabled backend can serve a call.
var ErrStorageUnavailable = errors.New("both storage systems are unavailable")

// PlanningRepository is the contract every storage backend implements.
// Adapters map their native errors to the sentinel errors above; they never
// leak driver-specific error types.
type PlanningRepository interface {
	Save(ctx context.Context, content *models.Content) error
	FindByID(ctx context.Context, id string) (*models.Content, error)
	FindByUserID(ctx context.Context, userID string) ([]*models.Content, error)
	Update(ctx context.Context, id string, update models.ContentUpdate) error
	Delete(ctx context.Context, id string) error
}
