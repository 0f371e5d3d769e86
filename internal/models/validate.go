package models

import (
	"encoding/json"
	"fmt"
	"net/url"
)

const (
	maxTitleLength = 200
	maxStoryLength = 50000
	maxPromptLen   = 10000
)

// ValidationError signals a content record that violates domain rules. It is
// raised before any storage attempt and must not be retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid content: field %q %s", e.Field, e.Reason)
}

// Validate checks a content record against domain rules for its type.
func (c *Content) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if c.Title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if len(c.Title) > maxTitleLength {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("exceeds %d characters", maxTitleLength)}
	}
	if c.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "is required"}
	}

	switch c.Type {
	case ContentTypeScenario:
		var p ScenarioPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return &ValidationError{Field: "payload", Reason: "is not a valid scenario payload"}
		}
		if p.Story == "" {
			return &ValidationError{Field: "story", Reason: "is required for scenario content"}
		}
		if len(p.Story) > maxStoryLength {
			return &ValidationError{Field: "story", Reason: fmt.Sprintf("exceeds %d characters", maxStoryLength)}
		}
	case ContentTypePrompt:
		var p PromptPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return &ValidationError{Field: "payload", Reason: "is not a valid prompt payload"}
		}
		if p.PromptText == "" {
			return &ValidationError{Field: "prompt_text", Reason: "is required for prompt content"}
		}
		if len(p.PromptText) > maxPromptLen {
			return &ValidationError{Field: "prompt_text", Reason: fmt.Sprintf("exceeds %d characters", maxPromptLen)}
		}
	case ContentTypeVideo:
		var p VideoPayload
		if err := json.Unmarshal(c.Payload, &p); err != nil {
			return &ValidationError{Field: "payload", Reason: "is not a valid video payload"}
		}
		// A completed video must carry a resolvable URL.
		if c.Status == ContentStatusCompleted {
			if p.VideoURL == "" {
				return &ValidationError{Field: "video_url", Reason: "is required for completed video content"}
			}
			if u, err := url.Parse(p.VideoURL); err != nil || u.Scheme == "" || u.Host == "" {
				return &ValidationError{Field: "video_url", Reason: "is not a valid absolute URL"}
			}
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown content type %q", c.Type)}
	}
	return nil
}
