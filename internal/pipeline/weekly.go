package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
)

// Weekly report stages in execution order.
const (
	StageWeekGather  StageID = "gather_week"
	StageWeekReport  StageID = "generate_report"
	StageWeekDeliver StageID = "deliver_report"
)

const weeklyCaller = "system_weekly_report"

const weeklySystemPrompt = `You are a senior sales analytics AI for a construction SaaS company (Onsite Teams). Write the weekly sales intelligence report for the founder and managers.

Sections:
1. Executive Summary (3-4 sentences: what happened, key wins, key concerns)
2. Pipeline Health (totals, new leads, status mix, week-over-week change)
3. Team Scorecard (one line per rep with GREEN / YELLOW / RED and why)
4. Source Analysis (which sources convert, where to invest)
5. Insights (patterns, anomalies, specific recommendations naming reps and companies)
6. Action Items for Next Week (top 3)

Be data-driven and specific. Reference actual names and numbers. Plain text with short headers; it is read in chat apps and email.`

// WeeklyStore is the persistence the weekly report needs.
type WeeklyStore interface {
	ListOpenLeads(ctx context.Context) ([]model.Lead, error)
	ListClosedLeadsSince(ctx context.Context, since time.Time) ([]model.Lead, error)
	ListActivitiesSince(ctx context.Context, since time.Time) ([]model.Activity, error)
	ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error)
}

// StatusTotal is the open pipeline for one lead status.
type StatusTotal struct {
	Status string
	Count  int
	Value  float64
}

// SourceTotal is the outcome mix of one lead source.
type SourceTotal struct {
	Source        string
	Open          int
	Won           int
	Lost          int
	ConversionPct float64
}

// RepWeek is one rep's line of the scorecard.
type RepWeek struct {
	RepID      string
	Name       string
	OpenLeads  int
	HotLeads   int
	StaleLeads int
	Activities int
	Won        int
	WonValue   float64
	Lost       int
}

// WeekSummary holds the numbers behind a weekly report. Start is inclusive,
// End exclusive.
type WeekSummary struct {
	Start, End    time.Time
	OpenLeads     int
	NewLeads      int
	PipelineValue float64
	StaleLeads    int
	Activities    int
	ByStatus      []StatusTotal
	Sources       []SourceTotal
	Reps          []RepWeek
	Won           []model.Lead
	Lost          []model.Lead
}

// Counts returns the ledger counts of the summary.
func (w *WeekSummary) Counts() map[string]int {
	return map[string]int{
		model.CountOpenLeads:       w.OpenLeads,
		model.CountNewLeads:        w.NewLeads,
		model.CountDealsWon:        len(w.Won),
		model.CountDealsLost:       len(w.Lost),
		model.CountWonValue:        int(math.Round(wonValue(w.Won))),
		model.CountPipelineValue:   int(math.Round(w.PipelineValue)),
		model.CountStaleLeadsFound: w.StaleLeads,
		model.CountActivities:      w.Activities,
	}
}

// WeeklyState is the data flowing through one weekly report run.
type WeeklyState struct {
	Now time.Time

	// gather_week
	Summary    *WeekSummary
	Previous   map[string]int
	Recipients []model.Rep

	// generate_report
	Report   string
	Fallback bool

	// deliver_report
	Delivered int
}

// Weekly writes the Monday report for managers and founders: one generation
// over the past seven days, with a deterministic report when it fails.
type Weekly struct {
	store   WeeklyStore
	llm     llm.Invoker
	deliver MessageDeliverer
	ledger  RunLedger
	cfg     Settings
	now     func() time.Time
	graph   *Graph[WeeklyState]
}

// NewWeekly wires the weekly report graph.
func NewWeekly(store WeeklyStore, inv llm.Invoker, deliver MessageDeliverer, ledger RunLedger, cfg Settings) (*Weekly, error) {
	if cfg.Location == nil {
		cfg.Location = ist
	}
	w := &Weekly{store: store, llm: inv, deliver: deliver, ledger: ledger, cfg: cfg, now: time.Now}
	stages := []Stage[WeeklyState]{
		{ID: StageWeekGather, Run: w.gather},
		{ID: StageWeekReport, Run: w.generate},
		{ID: StageWeekDeliver, Run: w.send},
	}
	g, err := NewGraph(model.PipelineWeekly, stages, Linear(StageWeekGather, StageWeekReport, StageWeekDeliver))
	if err != nil {
		return nil, err
	}
	w.graph = g
	return w, nil
}

// Run produces and delivers one report. Like the daily run, stage failures
// degrade the record and cancellation writes nothing.
func (w *Weekly) Run(ctx context.Context) (*model.RunRecord, error) {
	if w.store == nil || w.llm == nil {
		return nil, eris.New("pipeline: weekly report requires a store and an llm client")
	}

	started := w.now()
	state := &WeeklyState{Now: started}
	errs := &ErrorLog{}
	stages, err := w.graph.Execute(ctx, state, errs)
	if err != nil {
		metrics.PipelineRuns.WithLabelValues(string(model.PipelineWeekly), metrics.ResultAborted).Inc()
		return nil, err
	}
	completed := w.now()

	counts := map[string]int{}
	if state.Summary != nil {
		counts = state.Summary.Counts()
	}
	counts[model.CountMessagesDelivered] = state.Delivered

	rec := model.RunRecord{
		ID:              uuid.NewString(),
		PipelineType:    model.PipelineWeekly,
		TriggeredBy:     weeklyCaller,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationSeconds: completed.Sub(started).Seconds(),
		Counts:          counts,
		Stages:          stages,
		Errors:          errs.List(),
	}
	rec.Success = len(rec.Errors) == 0
	finish(ctx, w.ledger, rec)
	return &rec, nil
}

// weekWindow returns the seven local days before now's day.
func weekWindow(now time.Time, loc *time.Location) (start, end time.Time) {
	local := now.In(loc)
	end = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return end.AddDate(0, 0, -7), end
}

func (w *Weekly) gather(ctx context.Context, s *WeeklyState, errs *ErrorLog) error {
	start, end := weekWindow(s.Now, w.cfg.Location)

	open, err := w.store.ListOpenLeads(ctx)
	if err != nil {
		return err
	}
	closed, err := w.store.ListClosedLeadsSince(ctx, start)
	if err != nil {
		return err
	}
	acts, err := w.store.ListActivitiesSince(ctx, start)
	if err != nil {
		return err
	}
	reps, err := w.store.ListRepsByRole(ctx, model.RoleRep, model.RoleManager, model.RoleFounder)
	if err != nil {
		return err
	}

	var sellers []model.Rep
	s.Recipients = nil
	for _, r := range reps {
		if !r.Active {
			continue
		}
		if r.Role == model.RoleRep {
			sellers = append(sellers, r)
		} else {
			s.Recipients = append(s.Recipients, r)
		}
	}

	s.Summary = SummarizeWeek(open, closed, acts, sellers, start, end, s.Now, w.cfg)

	if w.ledger != nil {
		prev, err := w.ledger.Latest(ctx, model.PipelineWeekly)
		if err != nil {
			errs.Addf(StageWeekGather, "previous report: %v", err)
		} else if prev != nil {
			s.Previous = prev.Counts
		}
	}

	zap.L().Info("pipeline: gathered week",
		zap.Time("start", start),
		zap.Int("open_leads", s.Summary.OpenLeads),
		zap.Int("won", len(s.Summary.Won)),
		zap.Int("lost", len(s.Summary.Lost)),
		zap.Int("recipients", len(s.Recipients)),
	)
	return nil
}

// SummarizeWeek computes the report numbers. closed and acts may reach
// beyond the window; only entries inside [start, end) count.
func SummarizeWeek(open, closed []model.Lead, acts []model.Activity, reps []model.Rep, start, end, now time.Time, cfg Settings) *WeekSummary {
	in := func(t time.Time) bool { return !t.Before(start) && t.Before(end) }
	sum := &WeekSummary{Start: start, End: end, OpenLeads: len(open)}

	byRep := make(map[string]*RepWeek, len(reps))
	for _, r := range reps {
		byRep[r.ID] = &RepWeek{RepID: r.ID, Name: r.DisplayName()}
	}
	statuses := map[string]*StatusTotal{}
	sources := map[string]*SourceTotal{}
	source := func(l model.Lead) *SourceTotal {
		name := orDefault(l.Source, "unknown")
		st, ok := sources[name]
		if !ok {
			st = &SourceTotal{Source: name}
			sources[name] = st
		}
		return st
	}

	for _, l := range open {
		sum.PipelineValue += l.DealValue
		if in(l.CreatedAt) {
			sum.NewLeads++
		}
		st, ok := statuses[l.Status]
		if !ok {
			st = &StatusTotal{Status: l.Status}
			statuses[l.Status] = st
		}
		st.Count++
		st.Value += l.DealValue
		source(l).Open++
		if rw := byRep[l.AssignedRepID]; rw != nil {
			rw.OpenLeads++
			if l.ScoreLabel == model.ScoreHot {
				rw.HotLeads++
			}
		}
	}

	stale := FindStale(open, now, cfg)
	sum.StaleLeads = len(stale)
	for _, st := range stale {
		if rw := byRep[st.AssignedRepID]; rw != nil {
			rw.StaleLeads++
		}
	}

	for _, l := range closed {
		if l.ClosedAt == nil || !in(*l.ClosedAt) {
			continue
		}
		rw := byRep[l.AssignedRepID]
		switch l.Status {
		case model.LeadStatusWon:
			sum.Won = append(sum.Won, l)
			source(l).Won++
			if rw != nil {
				rw.Won++
				rw.WonValue += l.DealValue
			}
		case model.LeadStatusLost:
			sum.Lost = append(sum.Lost, l)
			source(l).Lost++
			if rw != nil {
				rw.Lost++
			}
		}
	}

	for _, a := range acts {
		if !in(a.CreatedAt) {
			continue
		}
		sum.Activities++
		if rw := byRep[a.UserID]; rw != nil {
			rw.Activities++
		}
	}

	for _, r := range reps {
		sum.Reps = append(sum.Reps, *byRep[r.ID])
	}
	for _, st := range statuses {
		sum.ByStatus = append(sum.ByStatus, *st)
	}
	slices.SortFunc(sum.ByStatus, func(a, b StatusTotal) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.Status, b.Status))
	})
	for _, st := range sources {
		if closed := st.Won + st.Lost; closed > 0 {
			st.ConversionPct = math.Round(float64(st.Won)/float64(closed)*1000) / 10
		}
		sum.Sources = append(sum.Sources, *st)
	}
	slices.SortFunc(sum.Sources, func(a, b SourceTotal) int {
		return cmp.Or(cmp.Compare(b.Won, a.Won), cmp.Compare(b.Open, a.Open), cmp.Compare(a.Source, b.Source))
	})
	return sum
}

func wonValue(leads []model.Lead) float64 {
	var v float64
	for _, l := range leads {
		v += l.DealValue
	}
	return v
}

func (w *Weekly) generate(ctx context.Context, s *WeeklyState, errs *ErrorLog) error {
	if s.Summary == nil {
		return eris.New("no week summary")
	}
	res, err := w.llm.Invoke(ctx, llm.TaskWeeklyReport, llm.User(weeklyContext(s.Summary, s.Previous)),
		llm.WithSystem(weeklySystemPrompt),
		llm.TriggeredBy(weeklyCaller),
	)
	if err == nil && strings.TrimSpace(res.Text) != "" {
		s.Report = strings.TrimSpace(res.Text)
		return nil
	}
	if err == nil {
		err = eris.New("empty report")
	}
	errs.Addf(StageWeekReport, "%v", err)
	s.Report = FallbackWeeklyReport(s.Summary, s.Previous)
	s.Fallback = true
	return nil
}

// weekLabel renders the window as "Mar 02 - Mar 08, 2026".
func weekLabel(sum *WeekSummary) string {
	last := sum.End.AddDate(0, 0, -1)
	return sum.Start.Format("Jan 02") + " - " + last.Format("Jan 02, 2006")
}

func weeklyContext(sum *WeekSummary, prev map[string]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "WEEK: %s\n\n", weekLabel(sum))

	fmt.Fprintf(&b, "PIPELINE SUMMARY:\n  Open leads: %d | New this week: %d | Pipeline value: Rs %s | Stale: %d | Activities: %d\n",
		sum.OpenLeads, sum.NewLeads, formatAmount(sum.PipelineValue), sum.StaleLeads, sum.Activities)
	for _, st := range sum.ByStatus {
		fmt.Fprintf(&b, "  %s: %d leads, Rs %s\n", st.Status, st.Count, formatAmount(st.Value))
	}

	b.WriteString("\nPER-REP PERFORMANCE:\n")
	for _, r := range sum.Reps {
		fmt.Fprintf(&b, "  %s: open %d (hot %d, stale %d), activities %d, won %d (Rs %s), lost %d\n",
			r.Name, r.OpenLeads, r.HotLeads, r.StaleLeads, r.Activities, r.Won, formatAmount(r.WonValue), r.Lost)
	}

	b.WriteString("\nLEAD SOURCES:\n")
	for _, st := range sum.Sources {
		fmt.Fprintf(&b, "  %s: open %d, won %d, lost %d, conversion %.1f%%\n", st.Source, st.Open, st.Won, st.Lost, st.ConversionPct)
	}

	writeDeals := func(title string, leads []model.Lead) {
		fmt.Fprintf(&b, "\n%s (%d):\n", title, len(leads))
		for _, l := range head(leads, 10) {
			fmt.Fprintf(&b, "  - %s (%s) Rs %s\n", orDefault(l.CompanyName, "?"), orDefault(l.ContactName, "?"), formatAmount(l.DealValue))
		}
	}
	writeDeals("DEALS WON", sum.Won)
	writeDeals("DEALS LOST", sum.Lost)

	b.WriteString("\nLAST WEEK:\n")
	if len(prev) == 0 {
		b.WriteString("  No data from last week\n")
	} else {
		cur := sum.Counts()
		for _, k := range []string{model.CountOpenLeads, model.CountNewLeads, model.CountDealsWon, model.CountDealsLost, model.CountActivities} {
			fmt.Fprintf(&b, "  %s: %d (now %d, %+.0f%%)\n", k, prev[k], cur[k], pctChange(cur[k], prev[k]))
		}
	}
	return b.String()
}

// FallbackWeeklyReport is the plain report sent when generation fails.
func FallbackWeeklyReport(sum *WeekSummary, prev map[string]int) string {
	lines := []string{
		"WEEKLY SALES REPORT — " + weekLabel(sum),
		"",
		fmt.Sprintf("Pipeline: %d open leads worth Rs %s (%d new this week, %d stale).",
			sum.OpenLeads, formatAmount(sum.PipelineValue), sum.NewLeads, sum.StaleLeads),
		fmt.Sprintf("Closed: %d won (Rs %s), %d lost. Activities logged: %d.",
			len(sum.Won), formatAmount(wonValue(sum.Won)), len(sum.Lost), sum.Activities),
	}
	if len(prev) > 0 {
		lines = append(lines, fmt.Sprintf("Last week: %d won, %d lost, %d activities.",
			prev[model.CountDealsWon], prev[model.CountDealsLost], prev[model.CountActivities]))
	}
	if len(sum.Reps) > 0 {
		lines = append(lines, "", "Team:")
		for _, r := range sum.Reps {
			lines = append(lines, fmt.Sprintf("  %s — %s: %d open, %d won, %d activities, %d stale",
				repLight(r), r.Name, r.OpenLeads, r.Won, r.Activities, r.StaleLeads))
		}
	}
	if len(sum.Won) > 0 {
		lines = append(lines, "", "Won this week:")
		for _, l := range head(sum.Won, 5) {
			lines = append(lines, fmt.Sprintf("  - %s — Rs %s", orDefault(l.CompanyName, "?"), formatAmount(l.DealValue)))
		}
	}
	return strings.Join(lines, "\n")
}

// repLight grades a rep: RED with no activity or a stale backlog over half
// their open leads, GREEN with a win, else YELLOW.
func repLight(r RepWeek) string {
	switch {
	case r.Activities == 0 && r.OpenLeads > 0, r.OpenLeads > 0 && r.StaleLeads*2 > r.OpenLeads:
		return "RED"
	case r.Won > 0:
		return "GREEN"
	default:
		return "YELLOW"
	}
}

func (w *Weekly) send(ctx context.Context, s *WeeklyState, errs *ErrorLog) error {
	if w.deliver == nil || s.Report == "" {
		return nil
	}
	if len(s.Recipients) == 0 {
		zap.L().Warn("pipeline: weekly report has no active manager or founder")
		return nil
	}
	subject := "Weekly Sales Report — " + weekLabel(s.Summary)
	for _, r := range s.Recipients {
		out := w.deliver.DeliverMessage(ctx, r, subject, s.Report)
		if out.Delivered {
			s.Delivered++
			continue
		}
		errs.Addf(StageWeekDeliver, "%s: not delivered on any channel", r.DisplayName())
	}
	return nil
}
