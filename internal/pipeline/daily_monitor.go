package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
)

const anomalySystemPrompt = `You are an anomaly detection agent for a construction SaaS sales team. Analyze the weekly activity comparison below. Flag any concerning patterns:
- Rep activity dropped by 30%+ week-over-week
- A rep has zero activities this week
- Hot leads are declining while pipeline is growing (conversion issue)
- Stale lead count is above 40% of total pipeline

Return a JSON array of anomalies. Each anomaly:
{"type": "activity_drop|zero_activity|conversion_issue|stale_pipeline", "severity": "critical|warning|info", "rep_id": "...|null", "description": "human-readable explanation", "recommendation": "what to do about it"}

If no anomalies, return an empty array []. ONLY valid JSON, no markdown.`

func (d *Daily) detectStale(_ context.Context, s *DailyState, _ *ErrorLog) error {
	s.Stale = FindStale(s.Scored, s.Now, d.cfg)
	critical := 0
	for _, st := range s.Stale {
		if st.Severity == model.StaleCritical {
			critical++
		}
	}
	zap.L().Info("pipeline: stale leads", zap.Int("stale", len(s.Stale)), zap.Int("critical", critical))
	return nil
}

// FindStale returns leads idle for at least cfg.StaleDays, most idle first.
// A lead with no recorded activity counts as cfg.NoActivityStaleDays idle.
func FindStale(leads []model.Lead, now time.Time, cfg Settings) []model.StaleLead {
	var out []model.StaleLead
	for _, l := range leads {
		days := cfg.NoActivityStaleDays
		if l.LastActivityAt != nil {
			days = int(math.Floor(now.Sub(*l.LastActivityAt).Hours() / 24))
		}
		if days < cfg.StaleDays {
			continue
		}
		sev := model.StaleWarning
		if days >= cfg.CriticalStaleDays {
			sev = model.StaleCritical
		}
		out = append(out, model.StaleLead{
			LeadID:        l.ID,
			CompanyName:   orDefault(l.CompanyName, "Unknown"),
			ContactName:   orDefault(l.ContactName, "Unknown"),
			AssignedRepID: l.AssignedRepID,
			DaysStale:     days,
			Severity:      sev,
			DealValue:     l.DealValue,
			ScoreLabel:    l.ScoreLabel,
			ScoreNumeric:  l.ScoreNumeric,
		})
	}
	slices.SortStableFunc(out, func(a, b model.StaleLead) int {
		return cmp.Compare(b.DaysStale, a.DaysStale)
	})
	return out
}

func (d *Daily) detectAnomalies(ctx context.Context, s *DailyState, _ *ErrorLog) error {
	s.Anomalies = []model.Anomaly{}

	thisWeek := s.Now.Add(-7 * 24 * time.Hour)
	lastWeek := s.Now.Add(-14 * 24 * time.Hour)
	acts, err := d.store.ListActivitiesSince(ctx, lastWeek)
	if err != nil {
		return err
	}
	tw, lw := map[string]int{}, map[string]int{}
	for _, a := range acts {
		switch {
		case !a.CreatedAt.Before(thisWeek):
			tw[a.UserID]++
		case !a.CreatedAt.Before(lastWeek):
			lw[a.UserID]++
		}
	}

	res, err := d.llm.Invoke(ctx, llm.TaskAnomalyDetection, llm.User(activitySummary(s, tw, lw)),
		llm.WithSystem(anomalySystemPrompt),
		llm.TriggeredBy(dailyCaller),
	)
	if err != nil {
		return err
	}
	found, err := llm.Decode[[]model.Anomaly](res.Text)
	if err != nil {
		return err
	}
	for i := range found {
		found[i].Type = orDefault(found[i].Type, "unknown")
		found[i].Severity = orDefault(found[i].Severity, "info")
		if found[i].RepID == "null" {
			found[i].RepID = ""
		}
	}
	s.Anomalies = found
	zap.L().Info("pipeline: anomalies detected", zap.Int("anomalies", len(found)))
	return nil
}

// activitySummary renders the week-over-week comparison and pipeline totals
// sent to the anomaly detector.
func activitySummary(s *DailyState, tw, lw map[string]int) string {
	var b strings.Builder
	b.WriteString("WEEKLY ACTIVITY COMPARISON:\n\n")
	for _, rep := range s.Reps {
		t, l := tw[rep.ID], lw[rep.ID]
		fmt.Fprintf(&b, "  %s: This week=%d, Last week=%d, Change=%+.0f%%\n", rep.DisplayName(), t, l, pctChange(t, l))
	}
	fmt.Fprintf(&b, "\nPIPELINE SUMMARY:\n  Total open leads: %d\n  Hot leads: %d\n  Stale leads (7+ days): %d\n",
		len(s.Leads), countLabel(s.Scored, model.ScoreHot), len(s.Stale))
	return b.String()
}

func pctChange(thisWeek, lastWeek int) float64 {
	if lastWeek > 0 {
		return float64(thisWeek-lastWeek) / float64(lastWeek) * 100
	}
	if thisWeek > 0 {
		return 100
	}
	return 0
}
