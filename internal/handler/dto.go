package handler

import (
	"time"

	"planning-server/internal/models"
)

// registerRequest is the body of POST /api/planning/register.
type registerRequest struct {
	Type      models.ContentType `json:"type" binding:"required"`
	ProjectID string             `json:"project_id" binding:"required"`
	UserID    string             `json:"user_id"`
	Title     string             `json:"title" binding:"required"`
	Source    string             `json:"source"`
	Story     string             `json:"story"`
	Prompt    string             `json:"prompt"`
	VideoURL  string             `json:"video_url"`
	Metadata  map[string]any     `json:"metadata"`
	CreatedAt time.Time          `json:"created_at"`
}

func (r registerRequest) toStorageRequest() models.StorageRequest {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return models.StorageRequest{
		Type:      r.Type,
		ProjectID: r.ProjectID,
		UserID:    r.UserID,
		Title:     r.Title,
		Source:    r.Source,
		Story:     r.Story,
		Prompt:    r.Prompt,
		VideoURL:  r.VideoURL,
		Metadata:  r.Metadata,
		CreatedAt: createdAt,
	}
}

// registerResponseData nests the dual storage result under data.dualStorage.
type registerResponseData struct {
	DualStorage *models.DualStorageResult `json:"dualStorage"`
}

type registerResponse struct {
	Success bool                 `json:"success"`
	Data    registerResponseData `json:"data"`
	Message string               `json:"message,omitempty"`
}

// errorResponse is the standard error body; non-2xx responses always carry a
// message field.
type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// updateContentRequest is the body of PATCH /api/planning/:id.
type updateContentRequest struct {
	Title    *string               `json:"title"`
	Status   *models.ContentStatus `json:"status"`
	Metadata map[string]any        `json:"metadata"`
}

func (r updateContentRequest) toContentUpdate() models.ContentUpdate {
	return models.ContentUpdate{
		Title:    r.Title,
		Status:   r.Status,
		Metadata: r.Metadata,
	}
}

// retryResponse reports a retry pass outcome.
type retryResponse struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Remaining int `json:"remaining"`
}

// storageHealthResponse combines circuit state with live probe results.
type storageHealthResponse struct {
	Circuit map[string]models.HealthRecord  `json:"circuit"`
	Probe   map[string]models.BackendHealth `json:"probe"`
}
