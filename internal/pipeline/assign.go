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

// Assignment stages in execution order.
const (
	StageAssignGather StageID = "gather_capacity"
	StageAssignLeads  StageID = "assign_leads"
)

const (
	assignCaller = "system_assignment"

	// RepCapacity is the open-lead count at which a rep stops taking new leads
	// unless every rep is at capacity.
	RepCapacity = 30

	trackRecordDays = 90
)

const assignSystemPrompt = `You are a sales assignment AI for Onsite Teams, a construction SaaS company in India. Assign a new lead to the best-fit sales rep.

ASSIGNMENT CRITERIA (in priority order):
1. CAPACITY: Rep must have fewer than 30 open leads. Never assign to a rep at or above capacity unless all reps are at capacity.
2. TRACK RECORD: Prefer reps with higher conversion rates and more wins.
3. GEOGRAPHY MATCH: Prefer reps who have won deals in the same region.
4. INDUSTRY MATCH: Prefer reps with wins in the same industry segment.
5. LOAD BALANCING: If two reps are otherwise equal, pick the one with fewer open leads.

Return JSON:
{"assigned_rep_id": "...", "rep_name": "...", "reasoning": "1-2 sentence explanation", "confidence": "high|medium|low"}

ONLY valid JSON, no markdown.`

// AssignStore is the persistence lead assignment needs.
type AssignStore interface {
	ListOpenLeads(ctx context.Context) ([]model.Lead, error)
	ListClosedLeadsSince(ctx context.Context, since time.Time) ([]model.Lead, error)
	ListWonLeads(ctx context.Context, industry string) ([]model.Lead, error)
	ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error)
	AssignLead(ctx context.Context, leadID, repID string) error
	UpsertActivities(ctx context.Context, acts []model.Activity) (int64, error)
}

// RepLoad is a rep's capacity and track record at assignment time.
type RepLoad struct {
	Rep           model.Rep
	OpenLeads     int
	WonRecent     int
	ConversionPct float64
	WonRegions    []string
	WonIndustries []string
}

// AtCapacity reports whether the rep holds RepCapacity open leads or more.
func (r RepLoad) AtCapacity() bool { return r.OpenLeads >= RepCapacity }

// Assignment is the decision for one lead.
type Assignment struct {
	LeadID     string `json:"lead_id"`
	Company    string `json:"company_name"`
	RepID      string `json:"assigned_rep_id"`
	RepName    string `json:"rep_name"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
	Fallback   bool   `json:"fallback"`
}

// AssignState is the data flowing through one assignment run.
type AssignState struct {
	Now time.Time

	// gather_capacity
	Pending []model.Lead
	Loads   []*RepLoad

	// assign_leads
	Assigned  []Assignment
	Fallbacks int
	Notified  int
}

// Assigner routes unassigned open leads to reps by capacity, track record
// and territory, falling back to the least-loaded rep when the model cannot
// decide.
type Assigner struct {
	store   AssignStore
	llm     llm.Invoker
	deliver MessageDeliverer
	ledger  RunLedger
	now     func() time.Time
	graph   *Graph[AssignState]
}

// NewAssigner wires the assignment graph. deliver and ledger may be nil.
func NewAssigner(store AssignStore, inv llm.Invoker, deliver MessageDeliverer, ledger RunLedger) (*Assigner, error) {
	a := &Assigner{store: store, llm: inv, deliver: deliver, ledger: ledger, now: time.Now}
	stages := []Stage[AssignState]{
		{ID: StageAssignGather, Run: a.gather},
		{ID: StageAssignLeads, Run: a.assign},
	}
	g, err := NewGraph(model.PipelineAssignment, stages, Linear(StageAssignGather, StageAssignLeads))
	if err != nil {
		return nil, err
	}
	a.graph = g
	return a, nil
}

// Run assigns every open lead without a rep.
func (a *Assigner) Run(ctx context.Context) (*model.RunRecord, []Assignment, error) {
	if a.store == nil {
		return nil, nil, eris.New("pipeline: assignment requires a store")
	}

	started := a.now()
	state := &AssignState{Now: started}
	errs := &ErrorLog{}
	stages, err := a.graph.Execute(ctx, state, errs)
	if err != nil {
		metrics.PipelineRuns.WithLabelValues(string(model.PipelineAssignment), metrics.ResultAborted).Inc()
		return nil, nil, err
	}
	completed := a.now()

	rec := model.RunRecord{
		ID:              uuid.NewString(),
		PipelineType:    model.PipelineAssignment,
		TriggeredBy:     assignCaller,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationSeconds: completed.Sub(started).Seconds(),
		Counts: map[string]int{
			model.CountLeadsAssigned:     len(state.Assigned),
			model.CountAssignFallbacks:   state.Fallbacks,
			model.CountMessagesDelivered: state.Notified,
		},
		Stages: stages,
		Errors: errs.List(),
	}
	rec.Success = len(rec.Errors) == 0
	finish(ctx, a.ledger, rec)
	return &rec, state.Assigned, nil
}

func (a *Assigner) gather(ctx context.Context, s *AssignState, _ *ErrorLog) error {
	open, err := a.store.ListOpenLeads(ctx)
	if err != nil {
		return err
	}
	reps, err := a.store.ListRepsByRole(ctx, model.RoleRep)
	if err != nil {
		return err
	}
	closed, err := a.store.ListClosedLeadsSince(ctx, s.Now.AddDate(0, 0, -trackRecordDays))
	if err != nil {
		return err
	}
	won, err := a.store.ListWonLeads(ctx, "")
	if err != nil {
		return err
	}

	s.Pending = slices.DeleteFunc(slices.Clone(open), func(l model.Lead) bool { return l.AssignedRepID != "" })
	slices.SortStableFunc(s.Pending, func(x, y model.Lead) int { return x.CreatedAt.Compare(y.CreatedAt) })

	s.Loads = RepLoads(reps, open, closed, won)
	zap.L().Info("pipeline: assignment gathered",
		zap.Int("unassigned", len(s.Pending)),
		zap.Int("reps", len(s.Loads)),
	)
	return nil
}

// RepLoads computes capacity and track record for the active reps. closed
// holds the leads closed inside the track record window, won every won lead.
func RepLoads(reps []model.Rep, open, closed, won []model.Lead) []*RepLoad {
	var out []*RepLoad
	byID := map[string]*RepLoad{}
	for _, r := range reps {
		if !r.Active {
			continue
		}
		rl := &RepLoad{Rep: r}
		byID[r.ID] = rl
		out = append(out, rl)
	}
	for _, l := range open {
		if rl := byID[l.AssignedRepID]; rl != nil {
			rl.OpenLeads++
		}
	}
	total := map[string]int{}
	for _, l := range closed {
		rl := byID[l.AssignedRepID]
		if rl == nil {
			continue
		}
		total[rl.Rep.ID]++
		if l.Status == model.LeadStatusWon {
			rl.WonRecent++
		}
	}
	for id, n := range total {
		rl := byID[id]
		rl.ConversionPct = math.Round(float64(rl.WonRecent)/float64(n)*1000) / 10
	}
	for _, l := range won {
		rl := byID[l.AssignedRepID]
		if rl == nil {
			continue
		}
		if l.Region != "" && !slices.Contains(rl.WonRegions, l.Region) {
			rl.WonRegions = append(rl.WonRegions, l.Region)
		}
		if l.Industry != "" && !slices.Contains(rl.WonIndustries, l.Industry) {
			rl.WonIndustries = append(rl.WonIndustries, l.Industry)
		}
	}
	return out
}

func (a *Assigner) assign(ctx context.Context, s *AssignState, errs *ErrorLog) error {
	if len(s.Pending) == 0 {
		return nil
	}
	if len(s.Loads) == 0 {
		return eris.Errorf("no active reps for %d unassigned leads", len(s.Pending))
	}

	for _, lead := range s.Pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		asg, load := a.decide(ctx, lead, s.Loads, errs)
		if asg.Fallback {
			s.Fallbacks++
		}

		if err := a.store.AssignLead(ctx, lead.ID, asg.RepID); err != nil {
			errs.Addf(StageAssignLeads, "%s: %v", lead.ID, err)
			continue
		}
		load.OpenLeads++
		s.Assigned = append(s.Assigned, asg)

		act := model.Activity{
			ID:          uuid.NewString(),
			LeadID:      lead.ID,
			UserID:      asg.RepID,
			Type:        "assignment",
			Description: fmt.Sprintf("Lead auto-assigned to %s. Reason: %s (Confidence: %s)", asg.RepName, asg.Reasoning, asg.Confidence),
			CreatedAt:   s.Now,
		}
		if _, err := a.store.UpsertActivities(ctx, []model.Activity{act}); err != nil {
			zap.L().Warn("pipeline: assignment activity not logged", zap.String("lead_id", lead.ID), zap.Error(err))
		}

		zap.L().Info("pipeline: lead assigned",
			zap.String("lead_id", lead.ID),
			zap.String("rep", asg.RepName),
			zap.Bool("fallback", asg.Fallback),
		)

		if a.deliver != nil {
			if out := a.deliver.DeliverMessage(ctx, load.Rep, "New Lead Assigned", assignmentMessage(lead)); out.Delivered {
				s.Notified++
			} else {
				errs.Addf(StageAssignLeads, "%s: assignment notice not delivered", load.Rep.DisplayName())
			}
		}
	}
	return nil
}

type assignReply struct {
	RepID      string `json:"assigned_rep_id"`
	RepName    string `json:"rep_name"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
}

// decide asks the model for a rep. A failed call, an unknown rep or a rep at
// capacity while others have room all fall back to LeastLoaded.
func (a *Assigner) decide(ctx context.Context, lead model.Lead, loads []*RepLoad, errs *ErrorLog) (Assignment, *RepLoad) {
	asg := Assignment{LeadID: lead.ID, Company: lead.CompanyName}

	if a.llm != nil {
		reply, err := a.ask(ctx, lead, loads)
		if err == nil {
			load := findLoad(loads, reply.RepID)
			switch {
			case load == nil:
				err = eris.Errorf("unknown rep %q", reply.RepID)
			case load.AtCapacity() && hasRoom(loads):
				err = eris.Errorf("rep %s is at capacity", load.Rep.DisplayName())
			default:
				asg.RepID = load.Rep.ID
				asg.RepName = load.Rep.DisplayName()
				asg.Reasoning = reply.Reasoning
				asg.Confidence = orDefault(reply.Confidence, "medium")
				return asg, load
			}
		}
		errs.Addf(StageAssignLeads, "%s: %v", lead.ID, err)
	}

	load := LeastLoaded(loads)
	asg.RepID = load.Rep.ID
	asg.RepName = load.Rep.DisplayName()
	asg.Reasoning = fmt.Sprintf("Fallback: assigned to %s (fewest open leads: %d)", asg.RepName, load.OpenLeads)
	asg.Confidence = "low"
	asg.Fallback = true
	return asg, load
}

func (a *Assigner) ask(ctx context.Context, lead model.Lead, loads []*RepLoad) (assignReply, error) {
	res, err := a.llm.Invoke(ctx, llm.TaskAssignment, llm.User(assignContext(lead, loads)),
		llm.WithSystem(assignSystemPrompt),
		llm.TriggeredBy(assignCaller),
		llm.ForLead(lead.ID),
	)
	if err != nil {
		return assignReply{}, err
	}
	return llm.Decode[assignReply](res.Text)
}

func findLoad(loads []*RepLoad, repID string) *RepLoad {
	for _, l := range loads {
		if l.Rep.ID == repID {
			return l
		}
	}
	return nil
}

func hasRoom(loads []*RepLoad) bool {
	return slices.ContainsFunc(loads, func(l *RepLoad) bool { return !l.AtCapacity() })
}

// LeastLoaded picks the rep with the fewest open leads, preferring reps
// under capacity. Ties go to the earlier rep. loads must not be empty.
func LeastLoaded(loads []*RepLoad) *RepLoad {
	var best *RepLoad
	for _, l := range loads {
		if best == nil {
			best = l
			continue
		}
		if c := cmp.Or(compareBool(best.AtCapacity(), l.AtCapacity()), cmp.Compare(l.OpenLeads, best.OpenLeads)); c < 0 {
			best = l
		}
	}
	return best
}

// compareBool is cmp.Compare(b, a) with false ordered before true.
func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return 1
	default:
		return -1
	}
}

func assignContext(lead model.Lead, loads []*RepLoad) string {
	var b strings.Builder
	fmt.Fprintf(&b, "NEW LEAD TO ASSIGN:\n  Company: %s\n  Contact: %s\n  Region: %s\n  Industry: %s\n  Deal Value: Rs %s\n  Source: %s\n\n",
		orDefault(lead.CompanyName, "Unknown"), orDefault(lead.ContactName, "Unknown"),
		orDefault(lead.Region, "Unknown"), orDefault(lead.Industry, "Unknown"),
		formatAmount(lead.DealValue), orDefault(lead.Source, "Unknown"))

	b.WriteString("AVAILABLE REPS:\n\n")
	for _, l := range loads {
		full := ""
		if l.AtCapacity() {
			full = " [AT CAPACITY]"
		}
		fmt.Fprintf(&b, "  Rep: %s (ID: %s)\n    Open Leads: %d/%d%s\n    Won (90d): %d | Conversion: %.1f%%\n    Won Regions: %s\n    Won Industries: %s\n\n",
			l.Rep.DisplayName(), l.Rep.ID, l.OpenLeads, RepCapacity, full,
			l.WonRecent, l.ConversionPct,
			orDefault(strings.Join(l.WonRegions, ", "), "None yet"),
			orDefault(strings.Join(l.WonIndustries, ", "), "None yet"))
	}
	return b.String()
}

func assignmentMessage(lead model.Lead) string {
	return fmt.Sprintf("New Lead Assigned!\n\nCompany: %s\nContact: %s\nDeal Value: Rs %s\nRegion: %s\nSource: %s\n\nAction: Review and reach out within 2 hours for best results.",
		orDefault(lead.CompanyName, "Unknown"), orDefault(lead.ContactName, "Unknown"),
		formatAmount(lead.DealValue), orDefault(lead.Region, "N/A"), orDefault(lead.Source, "N/A"))
}
