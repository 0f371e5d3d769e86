package interfaces

import (
	"context"
	"time"

	"planning-server/internal/models"
)

// StorageEventType classifies storage events published to the message broker.
type StorageEventType string

const (
	StorageEventSaved       StorageEventType = "content_saved"
	StorageEventPartialSave StorageEventType = "partial_save"
	StorageEventSaveFailed  StorageEventType = "save_failed"
	StorageEventAuditReport StorageEventType = "consistency_audit"
)

// StorageEvent is the payload published after every orchestrated save and
// after consistency audits.
type StorageEvent struct {
	EventType   StorageEventType                `json:"event_type"`
	ContentID   string                          `json:"content_id,omitempty"`
	ProjectID   string                          `json:"project_id,omitempty"`
	UserID      string                          `json:"user_id,omitempty"`
	Consistency models.ConsistencyLevel         `json:"consistency,omitempty"`
	Storage     map[string]models.BackendResult `json:"storage,omitempty"`
	LatencyMs   int64                           `json:"latency_ms,omitempty"`
	Detail      string                          `json:"detail,omitempty"`
	Timestamp   time.Time                       `json:"timestamp"`
}

// StorageEventPublisher publishes storage events. Publish failures are logged
// by callers and never fail the originating request.
type StorageEventPublisher interface {
	PublishStorageEvent(ctx context.Context, event StorageEvent) error
	Close() error
}
