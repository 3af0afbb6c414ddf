package model

import "time"

// ScoreLabel is the coarse priority bucket assigned to a lead.
type ScoreLabel string

const (
	ScoreHot  ScoreLabel = "hot"
	ScoreWarm ScoreLabel = "warm"
	ScoreCold ScoreLabel = "cold"
)

// Rank returns the sort rank of the label. Unknown labels rank as cold.
func (l ScoreLabel) Rank() int {
	switch l {
	case ScoreHot:
		return 0
	case ScoreWarm:
		return 1
	default:
		return 2
	}
}

// Valid reports whether l is one of the known labels.
func (l ScoreLabel) Valid() bool {
	return l == ScoreHot || l == ScoreWarm || l == ScoreCold
}

// Lead statuses considered open by the daily pipeline.
var OpenLeadStatuses = []string{"new", "contacted", "qualified", "proposal", "negotiation"}

// Closed lead statuses.
const (
	LeadStatusWon  = "won"
	LeadStatusLost = "lost"
)

// Lead is a sales lead as stored in the leads table.
type Lead struct {
	ID               string     `json:"id"`
	CompanyName      string     `json:"company_name"`
	ContactName      string     `json:"contact_name"`
	ContactTitle     string     `json:"contact_title,omitempty"`
	Status           string     `json:"status"`
	DealValue        float64    `json:"deal_value"`
	Source           string     `json:"source,omitempty"`
	Region           string     `json:"region,omitempty"`
	Industry         string     `json:"industry,omitempty"`
	Website          string     `json:"website,omitempty"`
	AssignedRepID    string     `json:"assigned_rep_id,omitempty"`
	ExternalID       string     `json:"external_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	LastScoredAt     *time.Time `json:"last_scored_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	ScoreLabel       ScoreLabel `json:"score_label,omitempty"`
	ScoreNumeric     int        `json:"score_numeric"`
	ScoreReasoning   string     `json:"score_reasoning,omitempty"`
	ScoreNextAction  string     `json:"score_next_action,omitempty"`
	HasResearch      bool       `json:"has_research"`
	LastResearchedAt *time.Time `json:"last_researched_at,omitempty"`
}

// NeedsScoring reports whether the lead must be (re)scored: it was never
// scored, or it saw activity strictly after its last score.
func (l Lead) NeedsScoring() bool {
	if l.LastScoredAt == nil {
		return true
	}
	return l.LastActivityAt != nil && l.LastActivityAt.After(*l.LastScoredAt)
}

// Note is a free-text CRM note attached to a lead.
type Note struct {
	ID        string    `json:"id"`
	LeadID    string    `json:"lead_id"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity is a logged touchpoint on a lead (call, email, meeting, ...).
type Activity struct {
	ID          string    `json:"id"`
	LeadID      string    `json:"lead_id"`
	UserID      string    `json:"user_id"`
	Type        string    `json:"activity_type"`
	Description string    `json:"description"`
	Outcome     string    `json:"outcome,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role values for users.
const (
	RoleRep     = "rep"
	RoleManager = "manager"
	RoleFounder = "founder"
)

// Rep is a user who can own leads and receive notifications.
type Rep struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Phone             string `json:"phone,omitempty"`
	Role              string `json:"role"`
	Active            bool   `json:"is_active"`
	DealOwnerName     string `json:"deal_owner_name,omitempty"`
	TelegramChatID    string `json:"telegram_chat_id,omitempty"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty"`
	NotifyTelegram    bool   `json:"notify_via_telegram"`
	NotifyDiscord     bool   `json:"notify_via_discord"`
	NotifyWhatsApp    bool   `json:"notify_via_whatsapp"`
	NotifyEmail       bool   `json:"notify_via_email"`
}

// DisplayName returns the rep's name, falling back to the email address.
func (r Rep) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Email != "" {
		return r.Email
	}
	return "Rep"
}

// LeadRow is the CRM projection of a lead consumed by the smart alert rules.
// Status and SalesStage carry the CRM's own vocabulary ("Purchased",
// "Follow Up", "High Prospect", ...).
type LeadRow struct {
	LeadID        string     `json:"lead_id"`
	LeadName      string     `json:"lead_name"`
	Owner         string     `json:"deal_owner"`
	Status        string     `json:"lead_status"`
	SalesStage    string     `json:"sales_stage,omitempty"`
	DemoBooked    bool       `json:"demo_booked"`
	DemoDone      bool       `json:"demo_done"`
	SaleDone      bool       `json:"sale_done"`
	AnnualRevenue float64    `json:"annual_revenue"`
	LastTouchedAt *time.Time `json:"last_touched_at,omitempty"`
	FollowupAt    *time.Time `json:"followup_at,omitempty"`
	Remarks       string     `json:"remarks,omitempty"`
	Phone         string     `json:"phone,omitempty"`
}
