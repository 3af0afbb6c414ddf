package model

import "time"

// ModelCallRecord is one row of the append-only text-generation usage log.
type ModelCallRecord struct {
	ID           string    `json:"id"`
	TaskType     string    `json:"agent_type"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	LeadID       string    `json:"lead_id,omitempty"`
	TriggeredBy  string    `json:"triggered_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
