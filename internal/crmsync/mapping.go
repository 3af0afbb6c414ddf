package crmsync

import (
	"strings"
	"time"

	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/pkg/salesforce"
)

// Pipeline statuses keyed by lower-cased CRM lead status. Unknown statuses
// map to "contacted" so the lead stays in the open set.
var statusMap = map[string]string{
	"new":                    "new",
	"open":                   "new",
	"open - not contacted":   "new",
	"not contacted":          "new",
	"working":                "contacted",
	"working - contacted":    "contacted",
	"contacted":              "contacted",
	"attempted to contact":   "contacted",
	"follow up":              "contacted",
	"qualified":              "qualified",
	"high prospect":          "qualified",
	"demo booked":            "qualified",
	"demo done":              "proposal",
	"proposal":               "proposal",
	"quote sent":             "proposal",
	"negotiation":            "negotiation",
	"purchased":              "won",
	"closed - converted":     "won",
	"won":                    "won",
	"closed - not converted": "lost",
	"unqualified":            "lost",
	"not interested":         "lost",
	"junk lead":              "lost",
	"lost":                   "lost",
}

func mapStatus(l salesforce.Lead) string {
	if l.SaleDone || l.IsConverted {
		return model.LeadStatusWon
	}
	if s, ok := statusMap[strings.ToLower(strings.TrimSpace(l.Status))]; ok {
		return s
	}
	if l.Status == "" {
		return "new"
	}
	return "contacted"
}

func region(l salesforce.Lead) string {
	switch {
	case l.City != "" && l.State != "":
		return l.City + ", " + l.State
	case l.State != "":
		return l.State
	default:
		return l.City
	}
}

func toSyncedLead(l salesforce.Lead, repID string) model.SyncedLead {
	status := mapStatus(l)
	company := strings.TrimSpace(l.Company)
	contact := l.FullName()
	if company == "" {
		company = contact
	}

	lead := model.Lead{
		ExternalID:     l.ID,
		CompanyName:    company,
		ContactName:    contact,
		ContactTitle:   l.Title,
		Status:         status,
		DealValue:      l.DealValue,
		Source:         l.LeadSource,
		Region:         region(l),
		Industry:       l.Industry,
		Website:        l.Website,
		AssignedRepID:  repID,
		LastActivityAt: salesforce.ParseTime(l.LastActivityDate),
	}
	if created := salesforce.ParseTime(l.CreatedDate); created != nil {
		lead.CreatedAt = *created
	}
	if status == model.LeadStatusWon || status == "lost" {
		lead.ClosedAt = salesforce.ParseTime(l.LastModifiedDate)
	}

	return model.SyncedLead{
		Lead: lead,
		CRM: model.LeadRow{
			Owner:         ownerName(l.Owner),
			Status:        l.Status,
			SalesStage:    l.SalesStage,
			DemoBooked:    l.DemoBooked,
			DemoDone:      l.DemoDone,
			SaleDone:      l.SaleDone,
			AnnualRevenue: l.AnnualRevenue,
			LastTouchedAt: salesforce.ParseTime(l.LastTouched),
			FollowupAt:    salesforce.ParseTime(l.FollowupDate),
			Remarks:       l.Remarks,
			Phone:         l.Phone,
		},
	}
}

func toNote(n salesforce.Note, leadID string) model.Note {
	content := strings.TrimSpace(n.Body)
	if content == "" {
		content = strings.TrimSpace(n.Title)
	} else if n.Title != "" && !strings.HasPrefix(content, n.Title) {
		content = n.Title + ": " + content
	}
	note := model.Note{
		ID:        n.ID,
		LeadID:    leadID,
		Content:   content,
		Source:    "salesforce",
		CreatedBy: ownerName(n.Owner),
		CreatedAt: createdAt(n.CreatedDate),
	}
	return note
}

func activityType(t salesforce.Task) string {
	switch strings.ToLower(t.TaskSubtype) {
	case "call":
		return "call"
	case "email", "listemail":
		return "email"
	}
	subject := strings.ToLower(t.Subject)
	switch {
	case strings.HasPrefix(subject, "call"):
		return "call"
	case strings.HasPrefix(subject, "email"):
		return "email"
	case strings.Contains(subject, "meeting") || strings.Contains(subject, "demo"):
		return "meeting"
	default:
		return "task"
	}
}

func toActivity(t salesforce.Task, leadID, repID string) model.Activity {
	desc := strings.TrimSpace(t.Subject)
	if d := strings.TrimSpace(t.Description); d != "" {
		if desc == "" {
			desc = d
		} else {
			desc += ": " + d
		}
	}
	outcome := t.CallDisposition
	if outcome == "" {
		outcome = t.Status
	}
	return model.Activity{
		ID:          t.ID,
		LeadID:      leadID,
		UserID:      repID,
		Type:        activityType(t),
		Description: desc,
		Outcome:     outcome,
		CreatedAt:   createdAt(t.CreatedDate),
	}
}

func createdAt(s string) time.Time {
	if t := salesforce.ParseTime(s); t != nil {
		return *t
	}
	return time.Time{}
}
