package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
)

const scoringSystemPrompt = `You are a lead-scoring AI for a construction SaaS company (Onsite Teams) that sells project management and workforce tools to builders, contractors, and real estate developers in India.

SCORING CRITERIA:
- HOT (80-100): Active engagement in last 3 days, asked for pricing/demo, decision-maker involved, deal value > 3L, in proposal/negotiation stage, referral lead, or urgent project timeline mentioned.
- WARM (40-79): Responded in last 7 days, showed feature interest, mid-range deal (1-3L), qualified status, has upcoming project, contacted multiple times with positive signals.
- COLD (0-39): No response in 7+ days, low deal value (<1L), new lead with no engagement, unclear requirements, no decision-maker access, or budget concerns raised.

SIGNALS TO LOOK FOR:
- Positive: demo requests, pricing questions, team mentions, timeline urgency, referral source, site visit scheduled
- Negative: 'will get back', budget issues, competitor mentions, 'not now', ghosting pattern, junior contact only

For EACH lead, return a JSON object with:
  {"lead_id": "...", "score_label": "hot|warm|cold", "score_numeric": 0-100, "reasoning": "1-2 sentence explanation", "next_action": "suggested next step"}

Return a JSON array of these objects. ONLY valid JSON, no markdown.`

// Default scores for leads the model did not score.
const (
	missingScore     = 20
	missingReasoning = "No AI score returned for this lead."
	failedScore      = 10
	failedReasoning  = "Scoring failed — manual review needed."
	reviewManually   = "Review manually."
)

type scoreItem struct {
	LeadID       string  `json:"lead_id"`
	ScoreLabel   string  `json:"score_label"`
	ScoreNumeric float64 `json:"score_numeric"`
	Reasoning    string  `json:"reasoning"`
	NextAction   string  `json:"next_action"`
}

func (d *Daily) scoreLeads(ctx context.Context, s *DailyState, errs *ErrorLog) error {
	s.Scored = make([]model.Lead, 0, len(s.Leads))
	s.Rescored = map[string]bool{}

	var pending []model.Lead
	for _, l := range s.Leads {
		if l.NeedsScoring() {
			pending = append(pending, l)
		} else {
			s.Scored = append(s.Scored, l)
		}
	}
	zap.L().Info("pipeline: scoring leads",
		zap.Int("to_score", len(pending)),
		zap.Int("up_to_date", len(s.Scored)),
	)

	for i, batch := range slices.Collect(slices.Chunk(pending, d.cfg.BatchSize)) {
		scores, err := d.scoreBatch(ctx, s, batch)
		if err != nil {
			errs.Addf(StageScore, "batch %d: %v", i, err)
		}
		for _, l := range batch {
			item, ok := scores[l.ID]
			switch {
			case err != nil:
				l = withScore(l, model.ScoreCold, failedScore, failedReasoning, reviewManually)
			case !ok:
				l = withScore(l, model.ScoreCold, missingScore, missingReasoning, reviewManually)
			default:
				l = withScore(l, normalizeLabel(item.ScoreLabel), clampScore(item.ScoreNumeric), item.Reasoning, item.NextAction)
			}
			s.Scored = append(s.Scored, l)
			s.Rescored[l.ID] = true
		}
	}
	return nil
}

func (d *Daily) scoreBatch(ctx context.Context, s *DailyState, batch []model.Lead) (map[string]scoreItem, error) {
	blocks := make([]string, len(batch))
	for i, l := range batch {
		blocks[i] = leadContext(l, s.Notes[l.ID], s.Activities[l.ID])
	}
	prompt := fmt.Sprintf("Score these %d leads:\n\n%s", len(batch), strings.Join(blocks, "\n\n---\n\n"))

	res, err := d.llm.Invoke(ctx, llm.TaskScoring, llm.User(prompt),
		llm.WithSystem(scoringSystemPrompt),
		llm.TriggeredBy(dailyCaller),
	)
	if err != nil {
		return nil, err
	}
	items, err := llm.Decode[[]scoreItem](res.Text)
	if err != nil {
		return nil, err
	}
	out := make(map[string]scoreItem, len(items))
	for _, it := range items {
		out[it.LeadID] = it
	}
	return out, nil
}

// leadContext renders one lead for the scoring prompt with its five newest
// notes and activities.
func leadContext(l model.Lead, notes []model.Note, activities []model.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "LEAD #%s:\n", l.ID)
	fmt.Fprintf(&b, "  Company: %s\n", orDefault(l.CompanyName, "Unknown"))
	fmt.Fprintf(&b, "  Contact: %s\n", orDefault(l.ContactName, "Unknown"))
	fmt.Fprintf(&b, "  Status: %s\n", orDefault(l.Status, "?"))
	fmt.Fprintf(&b, "  Deal Value: %s\n", formatAmount(l.DealValue))
	fmt.Fprintf(&b, "  Source: %s\n", orDefault(l.Source, "?"))
	fmt.Fprintf(&b, "  Region: %s\n", orDefault(l.Region, "?"))
	fmt.Fprintf(&b, "  Industry: %s\n", orDefault(l.Industry, "?"))
	created := "?"
	if !l.CreatedAt.IsZero() {
		created = l.CreatedAt.Format("2006-01-02")
	}
	fmt.Fprintf(&b, "  Created: %s\n", created)
	last := "Never"
	if l.LastActivityAt != nil {
		last = l.LastActivityAt.Format("2006-01-02T15:04:05Z07:00")
	}
	fmt.Fprintf(&b, "  Last Activity: %s\n", last)

	b.WriteString("  Recent Notes:\n")
	if len(notes) == 0 {
		b.WriteString("  (no notes)\n")
	}
	for _, n := range head(notes, 5) {
		fmt.Fprintf(&b, "  - [%s] %s\n", n.CreatedAt.Format("2006-01-02"), clipRunes(n.Content, 200))
	}

	b.WriteString("  Recent Activities:\n")
	if len(activities) == 0 {
		b.WriteString("  (no activities)\n")
	}
	for _, a := range head(activities, 5) {
		fmt.Fprintf(&b, "  - [%s] %s: %s\n", a.CreatedAt.Format("2006-01-02"), orDefault(a.Type, "?"), clipRunes(a.Description, 150))
	}
	return strings.TrimRight(b.String(), "\n")
}

func withScore(l model.Lead, label model.ScoreLabel, score int, reasoning, next string) model.Lead {
	l.ScoreLabel = label
	l.ScoreNumeric = score
	l.ScoreReasoning = reasoning
	l.ScoreNextAction = next
	return l
}

func normalizeLabel(s string) model.ScoreLabel {
	label := model.ScoreLabel(strings.ToLower(strings.TrimSpace(s)))
	if !label.Valid() {
		return model.ScoreCold
	}
	return label
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(min(max(v, 0), 100)))
}

func (d *Daily) rankPriority(_ context.Context, s *DailyState, _ *ErrorLog) error {
	s.Priorities = make(map[string][]model.Lead, len(s.Reps)+1)
	for _, rep := range s.Reps {
		var leads []model.Lead
		for _, l := range s.Scored {
			if l.AssignedRepID == rep.ID {
				leads = append(leads, l)
			}
		}
		RankLeads(leads)
		s.Priorities[rep.ID] = leads
	}

	var unassigned []model.Lead
	for _, l := range s.Scored {
		if l.AssignedRepID == "" {
			unassigned = append(unassigned, l)
		}
	}
	if len(unassigned) > 0 {
		RankLeads(unassigned)
		s.Priorities[Unassigned] = unassigned
	}
	zap.L().Info("pipeline: ranked leads", zap.Int("lists", len(s.Priorities)))
	return nil
}

// RankLeads sorts hot before warm before cold, then by numeric score
// descending. Equal leads keep their input order.
func RankLeads(leads []model.Lead) {
	slices.SortStableFunc(leads, func(a, b model.Lead) int {
		if c := cmp.Compare(a.ScoreLabel.Rank(), b.ScoreLabel.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(b.ScoreNumeric, a.ScoreNumeric)
	})
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
