package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/internal/store"
	"github.com/onsite-teams/salesintel/pkg/perplexity"
)

// Research pipeline stages. Web research and note analysis run in parallel.
const (
	StageGather   StageID = "gather_context"
	StageWeb      StageID = "web_research"
	StageNotes    StageID = "analyze_notes"
	StageMatch    StageID = "match_past_wins"
	StageStrategy StageID = "generate_strategy"
	StageSaveRes  StageID = "save_research"
)

// ResearchStore is the persistence the research pipeline needs.
type ResearchStore interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListNotesByLeads(ctx context.Context, leadIDs []string) ([]model.Note, error)
	ListActivitiesByLeads(ctx context.Context, leadIDs []string) ([]model.Activity, error)
	ListWonLeads(ctx context.Context, industry string) ([]model.Lead, error)
	UpsertLeadResearch(ctx context.Context, r model.LeadResearch) error
	MarkLeadResearched(ctx context.Context, leadID string, at time.Time) error
}

// WebResearcher answers a research query with live web results.
// perplexity.Client satisfies it.
type WebResearcher interface {
	Research(ctx context.Context, system, query string) (*perplexity.ResearchResult, error)
}

// ResearchState is the data flowing through one research run. Fields are
// grouped by the stage that writes them; web_research and analyze_notes run
// concurrently and write disjoint fields.
type ResearchState struct {
	LeadID      string
	RequestedBy string
	Now         time.Time

	// gather_context
	Lead       *model.Lead
	Notes      []model.Note
	Activities []model.Activity

	// web_research
	WebResearch string
	CompanyInfo map[string]any

	// analyze_notes
	NotesSummary    string
	PainPoints      []string
	Objections      []string
	InterestSignals []string

	// match_past_wins
	SimilarDeals []model.SimilarDeal

	// generate_strategy
	CloseStrategy string
	TalkingPoints []string

	// save_research
	Saved bool
}

// Research builds a close strategy for a single lead.
type Research struct {
	store  ResearchStore
	llm    llm.Invoker
	web    WebResearcher
	ledger RunLedger
	now    func() time.Time
	graph  *Graph[ResearchState]
}

// NewResearch wires the research graph. web may be nil, in which case the
// research text comes from the LLM client.
func NewResearch(store ResearchStore, inv llm.Invoker, web WebResearcher, ledger RunLedger) (*Research, error) {
	r := &Research{store: store, llm: inv, web: web, ledger: ledger, now: time.Now}

	stages := []Stage[ResearchState]{
		{ID: StageGather, Run: r.gatherContext},
		{ID: StageWeb, Run: r.webResearch},
		{ID: StageNotes, Run: r.analyzeNotes},
		{ID: StageMatch, Run: r.matchPastWins},
		{ID: StageStrategy, Run: r.generateStrategy},
		{ID: StageSaveRes, Run: r.saveResearch},
	}
	edges := []Edge{
		{From: StageGather, To: StageWeb},
		{From: StageGather, To: StageNotes},
		{From: StageWeb, To: StageMatch},
		{From: StageNotes, To: StageMatch},
		{From: StageMatch, To: StageStrategy},
		{From: StageStrategy, To: StageSaveRes},
	}
	g, err := NewGraph(model.PipelineResearch, stages, edges)
	if err != nil {
		return nil, err
	}
	r.graph = g
	return r, nil
}

// Run researches leadID on behalf of triggeredBy. It returns an error for an
// empty lead id or a cancelled ctx; every other failure degrades the
// recorded run.
func (r *Research) Run(ctx context.Context, leadID, triggeredBy string) (*model.RunRecord, error) {
	if leadID == "" {
		return nil, eris.New("pipeline: research requires a lead id")
	}
	if r.store == nil || r.llm == nil {
		return nil, eris.New("pipeline: research requires a store and an llm client")
	}

	started := r.now()
	state := &ResearchState{LeadID: leadID, RequestedBy: triggeredBy, Now: started}
	errs := &ErrorLog{}
	stages, err := r.graph.Execute(ctx, state, errs)
	if err != nil {
		metrics.PipelineRuns.WithLabelValues(string(r.graph.name), metrics.ResultAborted).Inc()
		return nil, err
	}
	completed := r.now()

	rec := model.RunRecord{
		ID:              uuid.NewString(),
		PipelineType:    model.PipelineResearch,
		LeadID:          leadID,
		TriggeredBy:     triggeredBy,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationSeconds: completed.Sub(started).Seconds(),
		Counts: map[string]int{
			model.CountSimilarDeals:  len(state.SimilarDeals),
			model.CountTalkingPoints: len(state.TalkingPoints),
		},
		Stages: stages,
		Errors: errs.List(),
	}
	rec.Success = len(rec.Errors) == 0

	finish(ctx, r.ledger, rec)
	return &rec, nil
}

func (r *Research) gatherContext(ctx context.Context, s *ResearchState, _ *ErrorLog) error {
	lead, err := r.store.GetLead(ctx, s.LeadID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && lead == nil) {
		return eris.Errorf("Lead %s not found in database", s.LeadID)
	}
	if err != nil {
		return err
	}

	notes, err := r.store.ListNotesByLeads(ctx, []string{lead.ID})
	if err != nil {
		return err
	}
	acts, err := r.store.ListActivitiesByLeads(ctx, []string{lead.ID})
	if err != nil {
		return err
	}
	s.Lead, s.Notes, s.Activities = lead, notes, acts
	return nil
}
