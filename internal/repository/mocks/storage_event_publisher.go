package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"planning-server/internal/interfaces"
)

// Mock StorageEventPublisher
type StorageEventPublisher struct {
	mock.Mock
}

func (m *StorageEventPublisher) PublishStorageEvent(ctx context.Context, event interfaces.StorageEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *StorageEventPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}
