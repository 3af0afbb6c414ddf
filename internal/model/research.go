package model

import "time"

// SimilarDeal is a closed-won lead resembling the researched lead.
type SimilarDeal struct {
	DealID          string     `json:"deal_id"`
	CompanyName     string     `json:"company_name"`
	DealValue       float64    `json:"deal_value"`
	Region          string     `json:"region,omitempty"`
	Industry        string     `json:"industry,omitempty"`
	SimilarityScore int        `json:"similarity_score"`
	MatchReasons    []string   `json:"match_reasons"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	WinningNotes    []string   `json:"winning_notes,omitempty"`
}

// LeadResearch is the persisted output of the research pipeline, unique per lead.
type LeadResearch struct {
	LeadID        string         `json:"lead_id"`
	RequestedBy   string         `json:"requested_by,omitempty"`
	WebResearch   string         `json:"web_research"`
	CompanyInfo   map[string]any `json:"company_info"`
	NotesSummary  string         `json:"notes_summary"`
	PainPoints    []string       `json:"pain_points"`
	Objections    []string       `json:"objections"`
	CloseStrategy string         `json:"close_strategy"`
	TalkingPoints []string       `json:"talking_points"`
	SimilarDeals  []SimilarDeal  `json:"similar_deals"`
	Errors        []string       `json:"errors"`
	ResearchedAt  time.Time      `json:"researched_at"`
}
