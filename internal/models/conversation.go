package models

import "time"

// Conversation is a persisted conversation as listed by the backend.
type Conversation struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length,omitempty"`
}

// Provider groups models under a provider label.
type Provider struct {
	Name   string      `json:"name"`
	Models []ModelInfo `json:"models"`
}

// ModelsResponse is the shape of GET /api/v1/models.
type ModelsResponse struct {
	Providers map[string]Provider `json:"providers"`
}

// DefaultModels is the fallback list used when the backend returns an
// empty or unreachable model catalog.
var DefaultModels = []ModelInfo{
	{ID: "openrouter/auto", Name: "Auto (best available)"},
	{ID: "deepseek/deepseek-chat:free", Name: "DeepSeek Chat (free)"},
}
