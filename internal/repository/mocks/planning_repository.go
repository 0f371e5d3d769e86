package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"planning-server/internal/models"
)

// Mock PlanningRepository
type PlanningRepository struct {
	mock.Mock
}

func (m *PlanningRepository) Save(ctx context.Context, content *models.Content) error {
	args := m.Called(ctx, content)
	return args.Error(0)
}

func (m *PlanningRepository) FindByID(ctx context.Context, id string) (*models.Content, error) {
	args := m.Called(ctx, id)
	content, _ := args.Get(0).(*models.Content)
	return content, args.Error(1)
}

func (m *PlanningRepository) FindByUserID(ctx context.Context, userID string) ([]*models.Content, error) {
	args := m.Called(ctx, userID)
	contents, _ := args.Get(0).([]*models.Content)
	return contents, args.Error(1)
}

func (m *PlanningRepository) Update(ctx context.Context, id string, update models.ContentUpdate) error {
	args := m.Called(ctx, id, update)
	return args.Error(0)
}

func (m *PlanningRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
