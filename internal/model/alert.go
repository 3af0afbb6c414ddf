package model

import "time"

// Severity grades an alert. Lower Rank sorts first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns the ordering rank of the severity: critical 0 through info 4.
// Unknown severities rank after info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	default:
		return 5
	}
}

// Emoji returns the chat marker used for the severity.
func (s Severity) Emoji() string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityHigh:
		return "🟠"
	case SeverityMedium:
		return "🟡"
	case SeverityLow:
		return "🔵"
	default:
		return "ℹ️"
	}
}

// Alert is a structured notification produced by the rule engine or a
// pipeline run. It is read-only after creation except for ReadAt.
type Alert struct {
	ID           string         `json:"id"`
	Type         string         `json:"alert_type"`
	Severity     Severity       `json:"severity"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	TargetUserID string         `json:"target_user_id"`
	LeadID       string         `json:"lead_id,omitempty"`
	Agent        string         `json:"agent_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ReadAt       *time.Time     `json:"read_at,omitempty"`
}

// Anomaly is a week-over-week pattern flagged by the daily pipeline.
type Anomaly struct {
	ID             string    `json:"id,omitempty"`
	Type           string    `json:"type"`
	Severity       string    `json:"severity"`
	RepID          string    `json:"rep_id,omitempty"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
	DetectedAt     time.Time `json:"detected_at"`
}

// Stale severities.
const (
	StaleWarning  = "warning"
	StaleCritical = "critical"
)

// StaleLead is a lead without activity for at least the stale threshold.
type StaleLead struct {
	LeadID        string     `json:"lead_id"`
	CompanyName   string     `json:"company_name"`
	ContactName   string     `json:"contact_name"`
	AssignedRepID string     `json:"assigned_rep_id,omitempty"`
	DaysStale     int        `json:"days_stale"`
	Severity      string     `json:"severity"`
	DealValue     float64    `json:"deal_value"`
	ScoreLabel    ScoreLabel `json:"score_label"`
	ScoreNumeric  int        `json:"score_numeric"`
}

// PriorityEntry is one element of a stored brief's priority list.
type PriorityEntry struct {
	LeadID     string     `json:"lead_id"`
	ScoreLabel ScoreLabel `json:"score_label"`
}

// DailyBrief is a rep's morning brief as persisted.
type DailyBrief struct {
	ID           string          `json:"id"`
	RepID        string          `json:"rep_id"`
	Content      string          `json:"brief_content"`
	PriorityList []PriorityEntry `json:"priority_list"`
	LeadCount    int             `json:"lead_count"`
	HotCount     int             `json:"hot_count"`
	StaleCount   int             `json:"stale_count"`
	CreatedAt    time.Time       `json:"created_at"`
}
