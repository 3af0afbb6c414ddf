package alerts

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/onsite-teams/salesintel/internal/model"
)

// Statuses that take a lead out of the active pipeline.
var closedStatuses = []string{"Purchased", "Rejected", "DTA"}

var hotStages = []string{"Very High Prospect", "High Prospect"}

// Keywords in remarks that suggest the rep owes the lead an action.
var actionKeywords = []string{
	"call", "callback", "follow up", "followup", "interested", "will buy", "ready", "demo",
	"meeting", "schedule", "tomorrow", "next week", "confirm", "pending", "waiting",
	"urgent", "asap", "revert", "replied", "said", "asked", "promised", "commit",
}

// NotedLead is a lead whose remarks may need a response.
type NotedLead struct {
	Name       string `json:"name"`
	Phone      string `json:"phone,omitempty"`
	Snippet    string `json:"snippet"`
	ActionHint bool   `json:"action_hint"`
}

// OwnerMetrics are the per-owner counters the rules read.
type OwnerMetrics struct {
	Name             string
	Leads            int
	Demos            int
	DemoBooked       int
	Sales            int
	Revenue          float64
	Priority         int
	Stale30          int
	Stale14          int
	Recent7d         int
	HotProspects     []string
	FollowupOverdue  []string
	FollowupToday    []string
	FollowupTomorrow []string
	Noted            []NotedLead
}

// StatusCount is the number of rows in one CRM status.
type StatusCount struct {
	Status string
	Count  int
}

// Snapshot is the aggregated input to Evaluate.
type Snapshot struct {
	// Owners in order of first appearance.
	Owners []OwnerMetrics
	// TotalRows counts every row, excluded owners included.
	TotalRows int
	// Statuses sorted by count descending, ties in order of first appearance.
	Statuses []StatusCount
	Now      time.Time
}

// TotalSales sums sales across owners.
func (s Snapshot) TotalSales() int {
	n := 0
	for _, o := range s.Owners {
		n += o.Sales
	}
	return n
}

// TotalRevenue sums revenue across owners.
func (s Snapshot) TotalRevenue() float64 {
	var v float64
	for _, o := range s.Owners {
		v += o.Revenue
	}
	return v
}

// TeamConversion is the team-wide sales per owned lead, in percent.
func (s Snapshot) TeamConversion() float64 {
	leads := 0
	for _, o := range s.Owners {
		leads += o.Leads
	}
	return float64(s.TotalSales()) / float64(max(leads, 1)) * 100
}

// Aggregate folds lead rows into a Snapshot as of now.
func Aggregate(rows []model.LeadRow, now time.Time, th Thresholds) Snapshot {
	snap := Snapshot{TotalRows: len(rows), Now: now}
	index := make(map[string]int)
	statusIdx := make(map[string]int)

	for _, r := range rows {
		if st := strings.TrimSpace(r.Status); st != "" {
			if i, ok := statusIdx[st]; ok {
				snap.Statuses[i].Count++
			} else {
				statusIdx[st] = len(snap.Statuses)
				snap.Statuses = append(snap.Statuses, StatusCount{Status: st, Count: 1})
			}
		}

		owner := strings.TrimSpace(r.Owner)
		if owner == "" || slices.Contains(th.ExcludedOwners, owner) {
			continue
		}
		i, ok := index[owner]
		if !ok {
			i = len(snap.Owners)
			index[owner] = i
			snap.Owners = append(snap.Owners, OwnerMetrics{Name: owner})
		}
		o := &snap.Owners[i]
		addRow(o, r, now, th)
	}

	slices.SortStableFunc(snap.Statuses, func(a, b StatusCount) int { return b.Count - a.Count })
	return snap
}

func addRow(o *OwnerMetrics, r model.LeadRow, now time.Time, th Thresholds) {
	name := r.LeadName
	if name == "" {
		name = "-"
	}

	o.Leads++
	if r.DemoDone {
		o.Demos++
	}
	if r.DemoBooked {
		o.DemoBooked++
	}
	if r.SaleDone || r.Status == "Purchased" {
		o.Sales++
		o.Revenue += r.AnnualRevenue
	}
	if r.Status == "Priority" {
		o.Priority++
	}

	active := !slices.Contains(closedStatuses, r.Status)
	if r.LastTouchedAt != nil {
		days := daysBetween(*r.LastTouchedAt, now)
		if active {
			if days > th.StaleDays {
				o.Stale30++
			}
			if days > th.ColdDays {
				o.Stale14++
			}
		}
		if days <= th.RecentDays {
			o.Recent7d++
		}
	}

	if slices.Contains(hotStages, r.SalesStage) {
		o.HotProspects = append(o.HotProspects, name)
	}

	if active && r.FollowupAt != nil {
		switch d := calendarDays(now, *r.FollowupAt); {
		case d < 0:
			o.FollowupOverdue = append(o.FollowupOverdue, name)
		case d == 0:
			o.FollowupToday = append(o.FollowupToday, name)
		case d == 1:
			o.FollowupTomorrow = append(o.FollowupTomorrow, name)
		}
	}

	if remarks := strings.TrimSpace(r.Remarks); active && remarks != "" {
		snippet := remarks
		if rs := []rune(remarks); len(rs) > 120 {
			snippet = string(rs[:120]) + "…"
		}
		o.Noted = append(o.Noted, NotedLead{
			Name:       name,
			Phone:      strings.TrimSpace(r.Phone),
			Snippet:    snippet,
			ActionHint: hasActionHint(remarks),
		})
	}
}

func hasActionHint(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range actionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// daysBetween returns whole days elapsed from then to now.
func daysBetween(then, now time.Time) int {
	return int(math.Floor(now.Sub(then).Hours() / 24))
}

// calendarDays returns the UTC calendar-date difference to - from.
func calendarDays(from, to time.Time) int {
	f := from.UTC()
	t := to.UTC()
	fd := time.Date(f.Year(), f.Month(), f.Day(), 0, 0, 0, 0, time.UTC)
	td := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(td.Sub(fd).Hours() / 24)
}
