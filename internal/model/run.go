package model

import "time"

// PipelineType names a pipeline graph.
type PipelineType string

const (
	PipelineDaily      PipelineType = "daily"
	PipelineResearch   PipelineType = "research"
	PipelineWeekly     PipelineType = "weekly_report"
	PipelineAssignment PipelineType = "assignment"
)

// PipelineTypes lists every pipeline type the ledger may hold.
var PipelineTypes = []PipelineType{PipelineDaily, PipelineResearch, PipelineWeekly, PipelineAssignment}

// RunStatus is the lifecycle state of a pipeline run. A run with recorded
// errors still ends in RunStatusCompleted; Degraded is derived from Errors.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
)

// StageStatus represents the outcome of one stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusDegraded StageStatus = "degraded"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult holds the tracked outcome of a single stage execution.
type StageResult struct {
	Name     string      `json:"name"`
	Status   StageStatus `json:"status"`
	Duration int64       `json:"duration_ms"`
	Error    string      `json:"error,omitempty"`
}

// Run ledger count keys.
const (
	CountLeadsScored       = "leads_scored"
	CountLeadsRescored     = "leads_rescored"
	CountBriefsGenerated   = "briefs_generated"
	CountStaleLeadsFound   = "stale_leads_found"
	CountAnomaliesFound    = "anomalies_found"
	CountSimilarDeals      = "similar_deals_found"
	CountTalkingPoints     = "talking_points"
	CountMessagesDelivered = "messages_delivered"

	CountOpenLeads       = "open_leads"
	CountNewLeads        = "new_leads"
	CountDealsWon        = "deals_won"
	CountDealsLost       = "deals_lost"
	CountWonValue        = "won_value"
	CountPipelineValue   = "pipeline_value"
	CountActivities      = "activities"
	CountLeadsAssigned   = "leads_assigned"
	CountAssignFallbacks = "assignment_fallbacks"
)

// RunRecord is the immutable ledger entry written when a run completes.
type RunRecord struct {
	ID              string         `json:"id"`
	PipelineType    PipelineType   `json:"pipeline_type"`
	LeadID          string         `json:"lead_id,omitempty"`
	TriggeredBy     string         `json:"triggered_by,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Counts          map[string]int `json:"counts"`
	Stages          []StageResult  `json:"stages,omitempty"`
	Errors          []string       `json:"errors"`
	Success         bool           `json:"success"`
}

// Degraded reports whether the run completed with recoverable errors.
func (r RunRecord) Degraded() bool {
	return len(r.Errors) > 0
}
