package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
)

const briefSystemPrompt = `You are a sales coach for a construction SaaS company (Onsite Teams). Generate a concise morning brief for a sales rep. The brief will be sent via WhatsApp, so keep it UNDER 300 words and use simple formatting (no markdown, use plain text with line breaks and emojis for readability).

STRUCTURE:
1. Greeting with date and pipeline summary (1 line)
2. TOP 3 LEADS TO CALL (with specific action for each)
3. Stale leads warning (if any) with nudge to re-engage
4. Any alerts or anomalies
5. Motivational one-liner to start the day

Be specific, actionable, and direct. No fluff. Use the rep's first name. Construction SaaS context: these are builders, contractors, and developers in India.`

var (
	amounts       = message.NewPrinter(language.English)
	errEmptyBrief = eris.New("empty brief")
)

// formatAmount renders a whole-rupee amount with thousands separators.
func formatAmount(v float64) string {
	return amounts.Sprintf("%.0f", v)
}

func (d *Daily) generateBriefs(ctx context.Context, s *DailyState, errs *ErrorLog) error {
	s.Briefs = make(map[string]string, len(s.Reps))
	for _, rep := range s.Reps {
		name := rep.DisplayName()
		leads := s.Priorities[rep.ID]
		if len(leads) == 0 {
			s.Briefs[rep.ID] = fmt.Sprintf("Good morning %s! No active leads assigned to you today. Check with your manager for new assignments.", name)
			continue
		}

		res, err := d.llm.Invoke(ctx, llm.TaskBriefGeneration, llm.User(d.briefContext(s, rep, leads)),
			llm.WithSystem(briefSystemPrompt),
			llm.TriggeredBy(dailyCaller),
		)
		if err == nil && strings.TrimSpace(res.Text) != "" {
			s.Briefs[rep.ID] = strings.TrimSpace(res.Text)
			continue
		}
		if err == nil {
			err = errEmptyBrief
		}
		errs.Addf(StageBriefs, "%s: %v", name, err)
		s.Briefs[rep.ID] = FallbackBrief(name, leads)
	}
	zap.L().Info("pipeline: briefs generated", zap.Int("briefs", len(s.Briefs)))
	return nil
}

func (d *Daily) briefContext(s *DailyState, rep model.Rep, leads []model.Lead) string {
	var b strings.Builder
	fmt.Fprintf(&b, "REP: %s\n", rep.DisplayName())
	fmt.Fprintf(&b, "DATE: %s\n\n", s.Now.In(d.cfg.Location).Format("Monday, 02 January 2006"))
	fmt.Fprintf(&b, "PIPELINE SNAPSHOT:\n  Hot: %d | Warm: %d | Cold: %d | Total: %d\n\n",
		countLabel(leads, model.ScoreHot), countLabel(leads, model.ScoreWarm), countLabel(leads, model.ScoreCold), len(leads))

	b.WriteString("TOP LEADS:\n")
	for i, l := range head(leads, 5) {
		fmt.Fprintf(&b, "%d. %s (%s) — %s (%d/100) — Deal: Rs %s\n   Next action: %s\n",
			i+1, orDefault(l.CompanyName, "Unknown"), orDefault(l.ContactName, "?"),
			strings.ToUpper(string(l.ScoreLabel)), l.ScoreNumeric, formatAmount(l.DealValue),
			orDefault(l.ScoreNextAction, "Follow up"))
	}

	if stale := staleFor(s.Stale, rep.ID); len(stale) > 0 {
		fmt.Fprintf(&b, "\nSTALE LEADS (%d):\n", len(stale))
		for _, st := range head(stale, 3) {
			fmt.Fprintf(&b, "- %s — %d days inactive [%s]\n", st.CompanyName, st.DaysStale, strings.ToUpper(st.Severity))
		}
	}

	var alerts []string
	for _, a := range s.Anomalies {
		if a.RepID == rep.ID {
			alerts = append(alerts, a.Description)
		}
	}
	if len(alerts) > 0 {
		b.WriteString("\nALERTS:\n")
		for _, a := range alerts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

// FallbackBrief is the deterministic brief used when generation fails.
func FallbackBrief(name string, leads []model.Lead) string {
	lines := []string{
		fmt.Sprintf("Good morning %s!", name),
		fmt.Sprintf("You have %d active leads (%d hot, %d warm).",
			len(leads), countLabel(leads, model.ScoreHot), countLabel(leads, model.ScoreWarm)),
		"",
		"Top leads to call:",
	}
	for i, l := range head(leads, 3) {
		lines = append(lines, fmt.Sprintf("%d. %s — %s", i+1, orDefault(l.CompanyName, "?"), strings.ToUpper(string(l.ScoreLabel))))
	}
	return strings.Join(lines, "\n")
}

func staleFor(stale []model.StaleLead, repID string) []model.StaleLead {
	var out []model.StaleLead
	for _, st := range stale {
		if st.AssignedRepID == repID {
			out = append(out, st)
		}
	}
	return out
}

func (d *Daily) sendAlerts(ctx context.Context, s *DailyState, errs *ErrorLog) error {
	if d.deliver == nil {
		return nil
	}
	date := s.Now.In(d.cfg.Location).Format("02 Jan 2006")

	for _, rep := range s.Reps {
		text, ok := s.Briefs[rep.ID]
		if !ok {
			continue
		}
		out := d.deliver.DeliverMessage(ctx, rep, "Your Morning Brief — "+date, text)
		if out.Delivered {
			s.Delivered++
		}
		for _, ch := range model.ChannelOrder {
			res, ok := out.Results[ch]
			if !ok {
				continue
			}
			if res.Status == model.DeliveryFailed || res.Status == model.DeliveryError {
				errs.Addf(StageSend, "%s (%s): %s", ch, rep.DisplayName(), orDefault(res.Error, string(res.Status)))
			}
		}
	}

	summary, subject, ok := ManagerSummary(s.Stale, s.Anomalies, date)
	if !ok {
		return nil
	}
	managers, err := d.store.ListRepsByRole(ctx, model.RoleManager, model.RoleFounder)
	if err != nil {
		zap.L().Warn("pipeline: manager alert skipped", zap.Error(err))
		return nil
	}
	for _, m := range managers {
		if !m.Active {
			continue
		}
		if out := d.deliver.DeliverMessage(ctx, m, subject, summary); out.Delivered {
			s.Delivered++
		}
	}
	return nil
}

// ManagerSummary renders the escalation sent to managers when critical stale
// leads or critical anomalies exist. ok is false when there is nothing to
// escalate.
func ManagerSummary(stale []model.StaleLead, anomalies []model.Anomaly, date string) (text, subject string, ok bool) {
	var critStale []model.StaleLead
	for _, st := range stale {
		if st.Severity == model.StaleCritical {
			critStale = append(critStale, st)
		}
	}
	var critAnomalies []model.Anomaly
	for _, a := range anomalies {
		if a.Severity == "critical" {
			critAnomalies = append(critAnomalies, a)
		}
	}
	if len(critStale) == 0 && len(critAnomalies) == 0 {
		return "", "", false
	}

	lines := []string{"MANAGER ALERT — " + date, ""}
	if len(critStale) > 0 {
		lines = append(lines, fmt.Sprintf("%d CRITICAL stale leads (14+ days no activity):", len(critStale)))
		for _, st := range head(critStale, 5) {
			lines = append(lines, fmt.Sprintf("  - %s (%d days) — Deal: Rs %s", st.CompanyName, st.DaysStale, formatAmount(st.DealValue)))
		}
		lines = append(lines, "")
	}
	if len(critAnomalies) > 0 {
		lines = append(lines, fmt.Sprintf("%d CRITICAL anomalies:", len(critAnomalies)))
		for _, a := range head(critAnomalies, 3) {
			lines = append(lines, "  - "+a.Description)
		}
		lines = append(lines, "")
	}
	subject = fmt.Sprintf("ALERT: %d stale leads, %d anomalies", len(critStale), len(critAnomalies))
	return strings.Join(lines, "\n"), subject, true
}
