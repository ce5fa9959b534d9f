package api

import (
	"time"

	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/pipeline"
)

// TableResponse describes an uploaded table.
type TableResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Rows      int              `json:"rows"`
	Schema    []dataset.Field  `json:"schema"`
	Sample    []map[string]any `json:"sample,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// ChatRequest asks a question about a stored table.
type ChatRequest struct {
	TableID  string           `json:"table_id"`
	Question string           `json:"question"`
	History  pipeline.History `json:"history,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Backend          bool   `json:"backend"`
	ActiveExecutions int64  `json:"active_executions"`
	Database         bool   `json:"database"`
	Tables           int    `json:"tables"`
	Uptime           string `json:"uptime"`
}
