package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContentType discriminates the planning content variants.
// Matches the 'type' prefix of generated content IDs.
type ContentType string

const (
	ContentTypeScenario ContentType = "scenario"
	ContentTypePrompt   ContentType = "prompt"
	ContentTypeVideo    ContentType = "video"
)

// ContentStatus is the domain lifecycle status of a content record.
type ContentStatus string

const (
	ContentStatusDraft      ContentStatus = "draft"
	ContentStatusActive     ContentStatus = "active"
	ContentStatusProcessing ContentStatus = "processing"
	ContentStatusCompleted  ContentStatus = "completed"
	ContentStatusFailed     ContentStatus = "failed"
	ContentStatusArchived   ContentStatus = "archived"
)

// StorageStatus tracks the persistence lifecycle of a record across backends.
// Transitions: pending -> saving -> saved | failed | partial. A terminal value
// only changes again on a new write.
type StorageStatus string

const (
	StorageStatusPending StorageStatus = "pending"
	StorageStatusSaving  StorageStatus = "saving"
	StorageStatusSaved   StorageStatus = "saved"
	StorageStatusFailed  StorageStatus = "failed"
	StorageStatusPartial StorageStatus = "partial"
)

// BackendState is the per-backend slice of a content record's storage snapshot.
type BackendState struct {
	Saved bool   `json:"saved"`
	Error string `json:"error,omitempty"`
}

// Content is a planning content record (scenario, prompt or video plan).
// Payload holds the type-specific fields as JSON; Metadata is a free-form bag.
type Content struct {
	ID            string                  `json:"id" db:"id"`
	Type          ContentType             `json:"type" db:"type"`
	Title         string                  `json:"title" db:"title"`
	Status        ContentStatus           `json:"status" db:"status"`
	StorageStatus StorageStatus           `json:"storage_status" db:"storage_status"`
	UserID        string                  `json:"user_id" db:"user_id"`
	ProjectID     string                  `json:"project_id" db:"project_id"`
	Version       int                     `json:"version" db:"version"`
	Payload       json.RawMessage         `json:"payload,omitempty" db:"payload"`
	Metadata      map[string]any          `json:"metadata,omitempty" db:"metadata"`
	Storage       map[string]BackendState `json:"storage,omitempty" db:"storage"`
	CreatedAt     time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at" db:"updated_at"`
}

// ScenarioPayload is the type-specific payload for scenario content.
type ScenarioPayload struct {
	Story string   `json:"story"`
	Genre string   `json:"genre,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// PromptPayload is the type-specific payload for prompt content.
type PromptPayload struct {
	PromptText string `json:"prompt_text"`
	Model      string `json:"model,omitempty"`
	ShotID     string `json:"shot_id,omitempty"`
}

// VideoPayload is the type-specific payload for video content.
type VideoPayload struct {
	VideoURL    string `json:"video_url,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// NewContentID generates a globally unique content ID in the form
// {type}_{projectId}_{timestamp}_{random}.
func NewContentID(contentType ContentType, projectID string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%d_%s", contentType, projectID, time.Now().UnixMilli(), random)
}

// NewContent initializes a content record for a first save: synthesizes the ID,
// stamps timestamps and marks every backend as not yet saved.
func NewContent(contentType ContentType, projectID, userID, title string, payload json.RawMessage) *Content {
	now := time.Now().UTC()
	return &Content{
		ID:            NewContentID(contentType, projectID),
		Type:          contentType,
		Title:         title,
		Status:        ContentStatusDraft,
		StorageStatus: StorageStatusPending,
		UserID:        userID,
		ProjectID:     projectID,
		Version:       1,
		Payload:       payload,
		Metadata:      map[string]any{},
		Storage: map[string]BackendState{
			BackendPostgres: {Saved: false},
			BackendRedis:    {Saved: false},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ContentUpdate is a partial update applied through the repository layer.
// Nil fields are left untouched.
type ContentUpdate struct {
	Title         *string         `json:"title,omitempty"`
	Status        *ContentStatus  `json:"status,omitempty"`
	StorageStatus *StorageStatus  `json:"storage_status,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Apply merges the update into the content in place and bumps version/updated_at.
func (u ContentUpdate) Apply(c *Content) {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.StorageStatus != nil {
		c.StorageStatus = *u.StorageStatus
	}
	if u.Payload != nil {
		c.Payload = u.Payload
	}
	if u.Metadata != nil {
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		for k, v := range u.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
}

// IsEmpty reports whether the update would change nothing.
func (u ContentUpdate) IsEmpty() bool {
	return u.Title == nil && u.Status == nil && u.StorageStatus == nil &&
		u.Payload == nil && len(u.Metadata) == 0
}
