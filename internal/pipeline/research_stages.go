package pipeline

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
)

const webResearchSystemPrompt = "You are a sales research analyst for Onsite Teams, a construction SaaS company in India that sells project management and workforce tools to builders, contractors, and real estate developers.\n\n" +
	"Research the following company/contact. Provide:\n" +
	"1. COMPANY OVERVIEW: What they do, size, key projects, reputation\n" +
	"2. RECENT NEWS: Any recent projects, awards, expansions, hiring\n" +
	"3. TECH ADOPTION: Do they use any software/tech tools? Digital maturity?\n" +
	"4. DECISION-MAKER PROFILE: Contact's role, background, likely priorities\n" +
	"5. CONSTRUCTION-SPECIFIC CONTEXT: Type of projects (residential/commercial/infra), scale, typical pain points for their segment\n" +
	"6. COMPETITIVE LANDSCAPE: Are they likely using any competitors (PlanGrid, Procore, Buildertrend, or Indian alternatives)?\n\n" +
	"Also return a structured JSON block at the end with key facts:\n" +
	"```json\n" +
	`{"company_size": "...", "project_types": [...], "estimated_revenue": "...", "tech_maturity": "low|medium|high", "key_projects": [...], "competitors_used": [...], "decision_maker_title": "...", "pain_indicators": [...]}` + "\n" +
	"```\n\n" +
	"If you cannot find reliable info, say so. Do NOT fabricate data. Base your research on what a well-informed sales analyst would know about this type of company in the Indian construction market."

const notesSystemPrompt = `You are a CRM analyst for a construction SaaS company (Onsite Teams). Analyze the complete CRM history for this lead and extract:

1. NOTES SUMMARY: A concise timeline of the relationship (key interactions, who spoke to whom, what was discussed)
2. PAIN POINTS: Specific problems the prospect mentioned or implied. In construction SaaS, common ones include:
   - Tracking worker attendance across sites
   - Project delay visibility
   - Material wastage / procurement chaos
   - Subcontractor coordination
   - Cash flow / billing delays
   - Safety compliance tracking
   - Scaling from X to Y projects
3. OBJECTIONS: Anything the prospect pushed back on:
   - Price too high
   - Workers won't adopt tech
   - Already using Excel/WhatsApp
   - Need to check with partner/boss
   - Not the right time
   - Want features we don't have
4. INTEREST SIGNALS: Positive buying signals detected

Return as JSON:
{"notes_summary": "...", "pain_points": ["..."], "objections": ["..."], "interest_signals": ["..."]}

ONLY valid JSON, no markdown wrapping.`

const strategySystemPrompt = `You are a senior sales strategist for Onsite Teams, a construction SaaS company in India. You help sales reps close deals with builders, contractors, and real estate developers.

Based on the comprehensive research below, generate:

1. CLOSE STRATEGY (2-3 paragraphs):
   - Recommended approach (consultative/demo-driven/urgency/reference)
   - Key value proposition tailored to their specific pain points
   - Timeline suggestion (when to push for close)
   - Who else to involve (their team, our team)

2. TALKING POINTS (5-7 bullet points):
   - Opening line for the next call
   - Key pain point to address first
   - Reference to similar companies using Onsite (from won deals)
   - Feature demo to focus on
   - ROI argument specific to their scale
   - Urgency trigger if applicable
   - Closing question

3. OBJECTION HANDLING:
   For each detected objection, provide a specific counter with construction-industry context.

4. PRICING SUGGESTION:
   Based on deal size, company type, and similar won deals, suggest:
   - Recommended plan/tier
   - Whether to offer a pilot/trial
   - Any discounts (if justified)
   - Payment structure suggestion

Return as JSON:
{"close_strategy": "...", "talking_points": ["..."], "objection_handling": [{"objection": "...", "counter": "..."}], "pricing_suggestion": {"plan": "...", "trial": "...", "discount": "...", "payment_structure": "..."}}

Be specific, actionable, and practical. No generic advice. Everything should be tailored to THIS specific lead.`

// Fixed texts written when a stage has nothing to work with or fails.
const (
	noNotesSummary     = "No CRM notes or activities found for this lead."
	failedNotesSummary = "Analysis failed — review notes manually."
	noLeadStrategy     = "No lead data available for strategy generation."
	failedStrategy     = "Strategy generation failed. Review research data manually."
)

// Similarity weights for past wins.
const (
	industryWeight  = 40
	regionWeight    = 30
	dealSizeWeight  = 20
	minSimilarity   = 30
	maxSimilarDeals = 5
	dealsWithNotes  = 3
	notesPerDeal    = 3
	winningNoteScan = 10
)

func (r *Research) webResearch(ctx context.Context, s *ResearchState, _ *ErrorLog) error {
	s.WebResearch, s.CompanyInfo = "", map[string]any{}
	if s.Lead == nil {
		return nil
	}
	l := s.Lead
	query := fmt.Sprintf("Research this lead:\nCompany: %s\nContact: %s\nRegion: %s\nIndustry: %s\nWebsite: %s\n",
		l.CompanyName, l.ContactName, l.Region, orDefault(l.Industry, "construction"), orDefault(l.Website, "Unknown"))

	var text string
	if r.web != nil {
		res, err := r.web.Research(ctx, webResearchSystemPrompt, query)
		if err != nil {
			return err
		}
		text = res.Text
		if len(res.Citations) > 0 {
			text += "\n\nSources:\n- " + strings.Join(res.Citations, "\n- ")
		}
	} else {
		res, err := r.llm.Invoke(ctx, llm.TaskResearch, llm.User(query),
			llm.WithSystem(webResearchSystemPrompt),
			llm.ForLead(s.LeadID),
			llm.TriggeredBy(s.RequestedBy),
		)
		if err != nil {
			return err
		}
		text = res.Text
	}

	s.WebResearch = strings.TrimSpace(text)
	if info, ok := llm.TrailingJSONBlock(s.WebResearch); ok {
		s.CompanyInfo = info
	} else {
		zap.L().Warn("pipeline: no company info block in research", zap.String("lead_id", s.LeadID))
	}
	return nil
}

type notesAnalysis struct {
	NotesSummary    string   `json:"notes_summary"`
	PainPoints      []string `json:"pain_points"`
	Objections      []string `json:"objections"`
	InterestSignals []string `json:"interest_signals"`
}

func (r *Research) analyzeNotes(ctx context.Context, s *ResearchState, _ *ErrorLog) error {
	s.PainPoints, s.Objections, s.InterestSignals = []string{}, []string{}, []string{}
	if len(s.Notes) == 0 && len(s.Activities) == 0 {
		s.NotesSummary = noNotesSummary
		return nil
	}

	res, err := r.llm.Invoke(ctx, llm.TaskNotesAnalysis, llm.User(crmHistory(s)),
		llm.WithSystem(notesSystemPrompt),
		llm.ForLead(s.LeadID),
		llm.TriggeredBy(s.RequestedBy),
	)
	if err != nil {
		s.NotesSummary = failedNotesSummary
		return err
	}
	a, err := llm.Decode[notesAnalysis](res.Text)
	if err != nil {
		s.NotesSummary = failedNotesSummary
		return err
	}
	s.NotesSummary = a.NotesSummary
	s.PainPoints = nonNil(a.PainPoints)
	s.Objections = nonNil(a.Objections)
	s.InterestSignals = nonNil(a.InterestSignals)
	zap.L().Info("pipeline: notes analyzed",
		zap.String("lead_id", s.LeadID),
		zap.Int("pain_points", len(s.PainPoints)),
		zap.Int("objections", len(s.Objections)),
	)
	return nil
}

func crmHistory(s *ResearchState) string {
	var b strings.Builder
	if l := s.Lead; l != nil {
		fmt.Fprintf(&b, "LEAD: %s (%s)\nStatus: %s | Deal Value: Rs %s\n\n",
			orDefault(l.CompanyName, "Unknown"), orDefault(l.ContactName, "Unknown"), orDefault(l.Status, "?"), formatAmount(l.DealValue))
	}
	b.WriteString("CRM NOTES (newest first):\n")
	for _, n := range s.Notes {
		fmt.Fprintf(&b, "[%s] By: %s | Type: %s\n%s\n\n",
			n.CreatedAt.Format("2006-01-02"), orDefault(n.CreatedBy, "Unknown"), orDefault(n.Source, "general"), orDefault(n.Content, "(empty)"))
	}
	b.WriteString("\nACTIVITIES (newest first):\n")
	for _, a := range s.Activities {
		fmt.Fprintf(&b, "[%s] %s: %s\nOutcome: %s\n\n",
			a.CreatedAt.Format("2006-01-02"), orDefault(a.Type, "?"), orDefault(a.Description, "(no description)"), orDefault(a.Outcome, "N/A"))
	}
	return b.String()
}

func (r *Research) matchPastWins(ctx context.Context, s *ResearchState, _ *ErrorLog) error {
	s.SimilarDeals = []model.SimilarDeal{}
	if s.Lead == nil {
		return nil
	}
	won, err := r.store.ListWonLeads(ctx, s.Lead.Industry)
	if err != nil {
		return err
	}
	deals := MatchPastWins(*s.Lead, won)
	if len(deals) == 0 {
		s.SimilarDeals = deals
		return nil
	}

	top := head(deals, dealsWithNotes)
	ids := make([]string, len(top))
	for i, d := range top {
		ids[i] = d.DealID
	}
	notes, err := r.store.ListNotesByLeads(ctx, ids)
	if err != nil {
		zap.L().Warn("pipeline: winning notes unavailable", zap.Error(err))
		notes = nil
	}
	byDeal := map[string][]string{}
	for _, n := range head(notes, winningNoteScan) {
		if len(byDeal[n.LeadID]) < notesPerDeal {
			byDeal[n.LeadID] = append(byDeal[n.LeadID], n.Content)
		}
	}
	for i := range top {
		deals[i].WinningNotes = byDeal[deals[i].DealID]
	}
	s.SimilarDeals = deals
	zap.L().Info("pipeline: similar won deals", zap.String("lead_id", s.LeadID), zap.Int("deals", len(deals)))
	return nil
}

// MatchPastWins scores closed-won leads against lead: same industry +40,
// same region +30, deal value within half to double of lead's +20 (any value
// when lead has none). Matches scoring at least 30 are returned best first,
// at most five, ties in input order.
func MatchPastWins(lead model.Lead, won []model.Lead) []model.SimilarDeal {
	lo, hi := 0.0, 999_999_999.0
	if lead.DealValue != 0 {
		lo, hi = lead.DealValue*0.5, lead.DealValue*2
	}

	out := []model.SimilarDeal{}
	for _, w := range won {
		if w.ID == lead.ID {
			continue
		}
		score := 0
		var reasons []string
		if lead.Industry != "" && w.Industry == lead.Industry {
			score += industryWeight
			reasons = append(reasons, "Same industry")
		}
		if lead.Region != "" && w.Region == lead.Region {
			score += regionWeight
			reasons = append(reasons, "Same region")
		}
		if w.DealValue >= lo && w.DealValue <= hi {
			score += dealSizeWeight
			reasons = append(reasons, "Similar deal size")
		}
		if score < minSimilarity {
			continue
		}
		out = append(out, model.SimilarDeal{
			DealID:          w.ID,
			CompanyName:     orDefault(w.CompanyName, "Unknown"),
			DealValue:       w.DealValue,
			Region:          w.Region,
			Industry:        w.Industry,
			SimilarityScore: score,
			MatchReasons:    reasons,
			ClosedAt:        w.ClosedAt,
		})
	}
	slices.SortStableFunc(out, func(a, b model.SimilarDeal) int {
		return cmp.Compare(b.SimilarityScore, a.SimilarityScore)
	})
	return head(out, maxSimilarDeals)
}

type objectionCounter struct {
	Objection string `json:"objection"`
	Counter   string `json:"counter"`
}

type strategyResponse struct {
	CloseStrategy     string             `json:"close_strategy"`
	TalkingPoints     []string           `json:"talking_points"`
	ObjectionHandling []objectionCounter `json:"objection_handling"`
	PricingSuggestion map[string]any     `json:"pricing_suggestion"`
}

func (r *Research) generateStrategy(ctx context.Context, s *ResearchState, _ *ErrorLog) error {
	s.TalkingPoints = []string{}
	if s.Lead == nil {
		s.CloseStrategy = noLeadStrategy
		return nil
	}

	res, err := r.llm.Invoke(ctx, llm.TaskStrategy, llm.User(strategyContext(s)),
		llm.WithSystem(strategySystemPrompt),
		llm.ForLead(s.LeadID),
		llm.TriggeredBy(s.RequestedBy),
	)
	if err != nil {
		s.CloseStrategy = failedStrategy
		return err
	}
	sr, err := llm.Decode[strategyResponse](res.Text)
	if err != nil {
		s.CloseStrategy = failedStrategy
		return err
	}
	s.CloseStrategy = composeStrategy(sr)
	s.TalkingPoints = nonNil(sr.TalkingPoints)
	zap.L().Info("pipeline: strategy generated", zap.String("lead_id", s.LeadID), zap.Int("talking_points", len(s.TalkingPoints)))
	return nil
}

func strategyContext(s *ResearchState) string {
	l := s.Lead
	var deals strings.Builder
	for _, d := range s.SimilarDeals {
		fmt.Fprintf(&deals, "- %s (Rs %s) — %s\n", d.CompanyName, formatAmount(d.DealValue), strings.Join(d.MatchReasons, ", "))
		for _, n := range d.WinningNotes {
			fmt.Fprintf(&deals, "  Winning note: %s\n", clipRunes(n, 150))
		}
	}
	if deals.Len() == 0 {
		deals.WriteString("(No similar won deals found)")
	}

	info, _ := json.MarshalIndent(s.CompanyInfo, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "LEAD: %s\n", orDefault(l.CompanyName, "Unknown"))
	fmt.Fprintf(&b, "Contact: %s (%s)\n", orDefault(l.ContactName, "Unknown"), orDefault(l.ContactTitle, "Unknown title"))
	fmt.Fprintf(&b, "Status: %s\n", orDefault(l.Status, "?"))
	fmt.Fprintf(&b, "Deal Value: Rs %s\n", formatAmount(l.DealValue))
	fmt.Fprintf(&b, "Region: %s\n", orDefault(l.Region, "?"))
	fmt.Fprintf(&b, "Industry: %s\n", orDefault(l.Industry, "?"))
	fmt.Fprintf(&b, "Source: %s\n\n", orDefault(l.Source, "?"))
	fmt.Fprintf(&b, "WEB RESEARCH:\n%s\n\n", clipRunes(orDefault(s.WebResearch, "(none)"), 1500))
	fmt.Fprintf(&b, "COMPANY INFO:\n%s\n\n", clipRunes(string(info), 500))
	fmt.Fprintf(&b, "NOTES SUMMARY:\n%s\n\n", orDefault(s.NotesSummary, "(none)"))
	fmt.Fprintf(&b, "PAIN POINTS:\n%s\n\n", bullets(s.PainPoints, "(none detected)"))
	fmt.Fprintf(&b, "OBJECTIONS:\n%s\n\n", bullets(s.Objections, "(none detected)"))
	fmt.Fprintf(&b, "SIMILAR WON DEALS:\n%s", deals.String())
	return b.String()
}

// composeStrategy flattens a strategy response into the stored close
// strategy text.
func composeStrategy(sr strategyResponse) string {
	var b strings.Builder
	b.WriteString(sr.CloseStrategy)
	b.WriteString("\n\n")
	if len(sr.ObjectionHandling) > 0 {
		b.WriteString("OBJECTION HANDLING:\n")
		for _, oh := range sr.ObjectionHandling {
			fmt.Fprintf(&b, "  Objection: %s\n  Counter: %s\n\n", oh.Objection, oh.Counter)
		}
	}
	if len(sr.PricingSuggestion) > 0 {
		b.WriteString("PRICING SUGGESTION:\n")
		fmt.Fprintf(&b, "  Plan: %s\n", pricingField(sr.PricingSuggestion, "plan"))
		fmt.Fprintf(&b, "  Trial: %s\n", pricingField(sr.PricingSuggestion, "trial"))
		fmt.Fprintf(&b, "  Discount: %s\n", pricingField(sr.PricingSuggestion, "discount"))
		fmt.Fprintf(&b, "  Payment: %s\n", pricingField(sr.PricingSuggestion, "payment_structure"))
	}
	return b.String()
}

func pricingField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return "N/A"
	}
	return fmt.Sprint(v)
}

func (r *Research) saveResearch(ctx context.Context, s *ResearchState, errs *ErrorLog) error {
	rec := model.LeadResearch{
		LeadID:        s.LeadID,
		RequestedBy:   s.RequestedBy,
		WebResearch:   s.WebResearch,
		CompanyInfo:   s.CompanyInfo,
		NotesSummary:  s.NotesSummary,
		PainPoints:    nonNil(s.PainPoints),
		Objections:    nonNil(s.Objections),
		CloseStrategy: s.CloseStrategy,
		TalkingPoints: nonNil(s.TalkingPoints),
		SimilarDeals:  s.SimilarDeals,
		Errors:        errs.List(),
		ResearchedAt:  s.Now,
	}
	if rec.CompanyInfo == nil {
		rec.CompanyInfo = map[string]any{}
	}
	if rec.SimilarDeals == nil {
		rec.SimilarDeals = []model.SimilarDeal{}
	}
	if err := r.store.UpsertLeadResearch(ctx, rec); err != nil {
		return err
	}
	if err := r.store.MarkLeadResearched(ctx, s.LeadID, s.Now); err != nil {
		return err
	}
	s.Saved = true
	return nil
}

func bullets(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return "- " + strings.Join(items, "\n- ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
