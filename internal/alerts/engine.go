// Package alerts evaluates the smart alert rules over aggregated lead
// metrics. Evaluation is deterministic and makes no external calls.
package alerts

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/onsite-teams/salesintel/internal/model"
)

// Alert types emitted by the engine.
const (
	TypeStale30d            = "stale_30d"
	TypeStale14d            = "stale_14d"
	TypeDemoDropout         = "demo_dropout"
	TypeLowConversion       = "low_conversion"
	TypeHotNoFollowup       = "hot_no_followup"
	TypePriorityOverload    = "priority_overload"
	TypeInactiveAgent       = "inactive_agent"
	TypeTopPerformer        = "top_performer"
	TypeRevenueMilestone    = "revenue_milestone"
	TypePipelineRisk        = "pipeline_risk"
	TypeFollowUpNeeded      = "follow_up_needed"
	TypeFollowupOverdue     = "followup_overdue"
	TypeFollowupDueToday    = "followup_due_today"
	TypeFollowupDueTomorrow = "followup_due_tomorrow"
	TypeNotesNeedAction     = "notes_need_action"
)

// Statuses watched by the pipeline-bottleneck rule.
var bottleneckStatuses = []string{"Follow Up", "Qualified", "Demo Booked"}

// Engine applies the rule set with fixed thresholds.
type Engine struct {
	th     Thresholds
	target string
	p      *message.Printer
}

// NewEngine creates an engine whose alerts target recipient targetUserID.
func NewEngine(th Thresholds, targetUserID string) *Engine {
	return &Engine{th: th, target: targetUserID, p: message.NewPrinter(language.English)}
}

// Thresholds returns the engine's rule levels.
func (e *Engine) Thresholds() Thresholds { return e.th }

type builder struct {
	e      *Engine
	snap   Snapshot
	alerts []model.Alert
}

func (b *builder) add(typ string, sev model.Severity, title, msg, agent string, meta map[string]any) {
	if agent == "" {
		agent = "system"
	}
	b.alerts = append(b.alerts, model.Alert{
		Type:         typ,
		Severity:     sev,
		Title:        title,
		Message:      msg,
		TargetUserID: b.e.target,
		Agent:        agent,
		Metadata:     meta,
		CreatedAt:    b.snap.Now,
	})
}

// Evaluate runs every rule over snap and returns the alerts ordered by
// severity, critical first. Alerts of equal severity keep rule order.
func (e *Engine) Evaluate(snap Snapshot) []model.Alert {
	if snap.TotalRows == 0 {
		return nil
	}
	b := &builder{e: e, snap: snap}

	b.staleRule()
	b.demoDropoutRule()
	b.lowConversionRule()
	b.hotProspectRule()
	b.priorityOverloadRule()
	b.inactiveAgentRule()
	b.topPerformerRule()
	b.revenueMilestoneRule()
	b.pipelineRiskRule()
	b.teamStaleRule()
	b.followupOverdueRule()
	b.followupTodayRule()
	b.followupTomorrowRule()
	b.notesRule()

	SortBySeverity(b.alerts)
	return b.alerts
}

// SortBySeverity stable-sorts alerts critical < high < medium < low < info.
func SortBySeverity(alerts []model.Alert) {
	slices.SortStableFunc(alerts, func(a, b model.Alert) int {
		return a.Severity.Rank() - b.Severity.Rank()
	})
}

func (b *builder) staleRule() {
	th := b.e.th
	for _, o := range b.snap.Owners {
		switch {
		case o.Stale30 >= th.Stale30Critical:
			b.add(TypeStale30d, model.SeverityCritical,
				fmt.Sprintf("🔴 %s: %d Stale Leads", o.Name, o.Stale30),
				fmt.Sprintf("%s has %d active leads untouched for 30+ days. These need immediate follow-up or reassignment.", o.Name, o.Stale30),
				o.Name, map[string]any{"stale_count": o.Stale30, "owner": o.Name})
		case o.Stale14 >= th.Stale14High:
			b.add(TypeStale14d, model.SeverityHigh,
				fmt.Sprintf("🟠 %s: %d Leads Going Cold", o.Name, o.Stale14),
				fmt.Sprintf("%s has %d leads untouched for 14+ days. Schedule follow-ups before they go stale.", o.Name, o.Stale14),
				o.Name, map[string]any{"stale_count": o.Stale14, "owner": o.Name})
		}
	}
}

func (b *builder) demoDropoutRule() {
	th := b.e.th
	for _, o := range b.snap.Owners {
		if o.DemoBooked < th.DemoBookedMin {
			continue
		}
		rate := float64(o.Demos) / float64(max(o.DemoBooked, 1)) * 100
		if rate >= th.DemoDoneRatePct {
			continue
		}
		b.add(TypeDemoDropout, model.SeverityHigh,
			fmt.Sprintf("⚠️ %s: Only %.0f%% Demos Completed", o.Name, rate),
			fmt.Sprintf("%s booked %d demos but only %d happened (%.0f%%). %d demos were missed or cancelled.",
				o.Name, o.DemoBooked, o.Demos, rate, o.DemoBooked-o.Demos),
			o.Name, map[string]any{"booked": o.DemoBooked, "done": o.Demos, "owner": o.Name})
	}
}

func (b *builder) lowConversionRule() {
	th := b.e.th
	avg := b.snap.TeamConversion()
	for _, o := range b.snap.Owners {
		if o.Leads < th.ConversionLeadsMin {
			continue
		}
		conv := float64(o.Sales) / float64(max(o.Leads, 1)) * 100
		if conv >= avg*th.ConversionAvgFactor {
			continue
		}
		b.add(TypeLowConversion, model.SeverityHigh,
			fmt.Sprintf("📉 %s: %.1f%% Conversion (Team avg: %.1f%%)", o.Name, conv, avg),
			fmt.Sprintf("%s is converting at %.1f%%, less than half the team average of %.1f%%. %d sales from %d leads. Needs coaching or lead reassignment.",
				o.Name, conv, avg, o.Sales, o.Leads),
			o.Name, map[string]any{"conv": round1(conv), "avg": round1(avg), "owner": o.Name})
	}
}

func (b *builder) hotProspectRule() {
	for _, o := range b.snap.Owners {
		n := len(o.HotProspects)
		if n < b.e.th.HotProspectsMin {
			continue
		}
		b.add(TypeHotNoFollowup, model.SeverityHigh,
			fmt.Sprintf("🔥 %s: %d Hot Prospects Need Attention", o.Name, n),
			fmt.Sprintf("%s has %d high/very-high prospects: %s. Prioritize these for demos and closures.",
				o.Name, n, strings.Join(head(o.HotProspects, 5), ", ")),
			o.Name, map[string]any{"prospects": head(o.HotProspects, 10), "owner": o.Name})
	}
}

func (b *builder) priorityOverloadRule() {
	for _, o := range b.snap.Owners {
		if o.Priority < b.e.th.PriorityOverload {
			continue
		}
		b.add(TypePriorityOverload, model.SeverityHigh,
			fmt.Sprintf("⚡ %s: %d Priority Leads Pending", o.Name, o.Priority),
			fmt.Sprintf("%s has %d leads in Priority status. This is too many to handle effectively; consider redistribution.", o.Name, o.Priority),
			o.Name, map[string]any{"priority_count": o.Priority, "owner": o.Name})
	}
}

func (b *builder) inactiveAgentRule() {
	for _, o := range b.snap.Owners {
		if o.Recent7d != 0 || o.Leads < b.e.th.InactiveLeadsMin {
			continue
		}
		b.add(TypeInactiveAgent, model.SeverityCritical,
			fmt.Sprintf("🚨 %s: Zero Activity in 7 Days", o.Name),
			fmt.Sprintf("%s has %d leads but zero touches in the last 7 days. Requires immediate check-in; leads are going cold.", o.Name, o.Leads),
			o.Name, map[string]any{"leads": o.Leads, "owner": o.Name})
	}
}

func (b *builder) topPerformerRule() {
	if len(b.snap.Owners) == 0 {
		return
	}
	best := b.snap.Owners[0]
	for _, o := range b.snap.Owners[1:] {
		if o.Sales > best.Sales {
			best = o
		}
	}
	if best.Sales < b.e.th.TopPerformerSales {
		return
	}
	conv := float64(best.Sales) / float64(max(best.Leads, 1)) * 100
	b.add(TypeTopPerformer, model.SeverityInfo,
		fmt.Sprintf("🏆 Top Closer: %s with %d Sales", best.Name, best.Sales),
		fmt.Sprintf("%s leads the team with %d sales (%.1f%% conversion). Revenue: ₹%.1fL. Share their best practices!",
			best.Name, best.Sales, conv, best.Revenue/100_000),
		best.Name, map[string]any{"sales": best.Sales, "revenue": best.Revenue, "owner": best.Name})
}

func (b *builder) revenueMilestoneRule() {
	total := b.snap.TotalRevenue()
	if total < b.e.th.RevenueMilestone {
		return
	}
	sales := b.snap.TotalSales()
	b.add(TypeRevenueMilestone, model.SeverityInfo,
		fmt.Sprintf("💰 Revenue Milestone: ₹%.2fCr Total Sales", total/10_000_000),
		b.e.p.Sprintf("Team has generated ₹%.2fCr in total revenue from %d sales. Average deal size: ₹%.1fL.",
			total/10_000_000, sales, total/float64(max(sales, 1))/100_000),
		"", map[string]any{"total_revenue": total, "total_sales": sales})
}

func (b *builder) pipelineRiskRule() {
	total := b.snap.TotalRows
	for _, sc := range head(b.snap.Statuses, 5) {
		if !slices.Contains(bottleneckStatuses, sc.Status) {
			continue
		}
		if float64(sc.Count) <= float64(total)*b.e.th.PipelineRiskShare {
			continue
		}
		pct := float64(sc.Count) / float64(max(total, 1)) * 100
		b.add(TypePipelineRisk, model.SeverityMedium,
			b.e.p.Sprintf("📊 Pipeline Bottleneck: %d Leads Stuck in '%s'", sc.Count, sc.Status),
			b.e.p.Sprintf("%.1f%% of all leads (%d) are in '%s' status. This indicates a bottleneck; review processes for this stage.",
				pct, sc.Count, sc.Status),
			"", map[string]any{"status": sc.Status, "count": sc.Count, "pct": round1(pct)})
	}
}

func (b *builder) teamStaleRule() {
	total := 0
	for _, o := range b.snap.Owners {
		total += o.Stale30
	}
	if total <= b.e.th.TeamStale30 {
		return
	}
	ranked := slices.Clone(b.snap.Owners)
	slices.SortStableFunc(ranked, func(x, y OwnerMetrics) int { return y.Stale30 - x.Stale30 })
	var names []string
	for _, o := range head(ranked, 3) {
		names = append(names, o.Name)
	}
	b.add(TypeFollowUpNeeded, model.SeverityCritical,
		b.e.p.Sprintf("🔴 %d Leads Untouched 30+ Days Across Team", total),
		b.e.p.Sprintf("The team has %d active leads with no activity in 30+ days. Top contributors: %s.",
			total, strings.Join(names, ", ")),
		"", map[string]any{"total_stale": total})
}

func (b *builder) followupOverdueRule() {
	for _, o := range b.snap.Owners {
		overdue := o.FollowupOverdue
		switch {
		case len(overdue) >= b.e.th.FollowupOverdueMin:
			b.add(TypeFollowupOverdue, model.SeverityCritical,
				fmt.Sprintf("📅 %s: %d Follow-ups Overdue", o.Name, len(overdue)),
				fmt.Sprintf("%s has %d leads with Followup Date in the past: %s. Reach out or reschedule in CRM.",
					o.Name, len(overdue), strings.Join(head(overdue, 5), ", ")),
				o.Name, map[string]any{"count": len(overdue), "owner": o.Name, "leads": head(overdue, 10)})
		case len(overdue) == 1:
			b.add(TypeFollowupOverdue, model.SeverityHigh,
				fmt.Sprintf("📅 %s: 1 Follow-up Overdue: %s", o.Name, overdue[0]),
				fmt.Sprintf("Followup Date has passed for %s. Update in CRM or contact the lead.", overdue[0]),
				o.Name, map[string]any{"count": 1, "owner": o.Name, "leads": overdue})
		}
	}
}

func (b *builder) followupTodayRule() {
	for _, o := range b.snap.Owners {
		due := o.FollowupToday
		if len(due) == 0 {
			continue
		}
		b.add(TypeFollowupDueToday, model.SeverityHigh,
			fmt.Sprintf("📅 %s: %d Follow-up(s) Due Today", o.Name, len(due)),
			fmt.Sprintf("%s has %d lead(s) with Followup Date today: %s. Don't miss these touchpoints.",
				o.Name, len(due), strings.Join(head(due, 5), ", ")),
			o.Name, map[string]any{"count": len(due), "owner": o.Name, "leads": head(due, 10)})
	}
}

func (b *builder) followupTomorrowRule() {
	for _, o := range b.snap.Owners {
		due := o.FollowupTomorrow
		if len(due) < b.e.th.FollowupTomorrowMin {
			continue
		}
		b.add(TypeFollowupDueTomorrow, model.SeverityMedium,
			fmt.Sprintf("📅 %s: %d Follow-ups Due Tomorrow", o.Name, len(due)),
			fmt.Sprintf("%s has %d follow-ups scheduled for tomorrow: %s. Plan your day accordingly.",
				o.Name, len(due), strings.Join(head(due, 5), ", ")),
			o.Name, map[string]any{"count": len(due), "owner": o.Name, "leads": head(due, 10)})
	}
}

func (b *builder) notesRule() {
	for _, o := range b.snap.Owners {
		var action []NotedLead
		for _, n := range o.Noted {
			if n.ActionHint {
				action = append(action, n)
			}
		}
		if len(action) == 0 && len(o.Noted) < b.e.th.NotesLeadsMin {
			continue
		}

		show := o.Noted
		sev := model.SeverityMedium
		title := fmt.Sprintf("📝 %s: %d Leads With Notes Need Action", o.Name, len(o.Noted))
		if len(action) > 0 {
			show = action
			sev = model.SeverityHigh
			title = fmt.Sprintf("📝 %s: %d Leads With Actionable Notes (call/follow up)", o.Name, len(action))
		}
		show = head(show, 10)

		lines := []string{
			fmt.Sprintf("%s has %d lead(s) with notes/remarks. Review and take action.", o.Name, len(o.Noted)),
			"",
		}
		for i, n := range show {
			phone := n.Phone
			if phone == "" {
				phone = "No number"
			}
			lines = append(lines, fmt.Sprintf("%d. %s (%s)", i+1, n.Name, phone))
			if n.Snippet != "" {
				lines = append(lines, "   Note: "+truncateRunes(n.Snippet, 80))
			}
			lines = append(lines, "")
		}

		b.add(TypeNotesNeedAction, sev, title, strings.TrimSpace(strings.Join(lines, "\n")),
			o.Name, map[string]any{"owner": o.Name, "count": len(o.Noted), "action_count": len(action), "leads": show})
	}
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
