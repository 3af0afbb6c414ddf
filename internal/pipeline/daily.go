// Package pipeline runs the daily sales pipeline and the per-lead research
// pipeline as validated stage graphs.
package pipeline

import (
	"context"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/delivery"
	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
)

// Daily pipeline stages in execution order.
const (
	StageFetch     StageID = "fetch_data"
	StageScore     StageID = "score_leads"
	StageRank      StageID = "rank_priority"
	StageStale     StageID = "detect_stale"
	StageAnomalies StageID = "detect_anomalies"
	StageBriefs    StageID = "generate_briefs"
	StageSave      StageID = "save_results"
	StageSend      StageID = "send_alerts"
)

// Unassigned keys the priority list of leads without a rep.
const Unassigned = "unassigned"

// dailyCaller is stored as triggered_by on the daily run's model calls.
const dailyCaller = "system_daily_pipeline"

// DailyStore is the persistence the daily pipeline needs.
type DailyStore interface {
	ListOpenLeads(ctx context.Context) ([]model.Lead, error)
	ListNotesByLeads(ctx context.Context, leadIDs []string) ([]model.Note, error)
	ListActivitiesByLeads(ctx context.Context, leadIDs []string) ([]model.Activity, error)
	ListActivitiesSince(ctx context.Context, since time.Time) ([]model.Activity, error)
	ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error)
	UpdateLeadScore(ctx context.Context, lead model.Lead, scoredAt time.Time) error
	InsertDailyBrief(ctx context.Context, b model.DailyBrief) error
	InsertAnomaly(ctx context.Context, a model.Anomaly) error
}

// MessageDeliverer sends free-form messages to a recipient.
// *delivery.Service satisfies it.
type MessageDeliverer interface {
	DeliverMessage(ctx context.Context, rep model.Rep, subject, text string) delivery.Outcome
}

// RunLedger records completed runs. *ledger.Ledger satisfies it.
type RunLedger interface {
	Record(ctx context.Context, rec model.RunRecord) error
	Latest(ctx context.Context, pipelineType model.PipelineType) (*model.RunRecord, error)
}

// Settings tunes the daily pipeline.
type Settings struct {
	BatchSize           int
	StaleDays           int
	CriticalStaleDays   int
	NoActivityStaleDays int
	Location            *time.Location
}

// DefaultSettings returns batches of 20, stale at 7 days, critical at 14,
// never-touched leads at 30 days, dates in India Standard Time.
func DefaultSettings() Settings {
	return Settings{
		BatchSize:           20,
		StaleDays:           7,
		CriticalStaleDays:   14,
		NoActivityStaleDays: 30,
		Location:            ist,
	}
}

var ist = time.FixedZone("IST", 5*3600+1800)

// SettingsFromConfig applies non-zero config values over DefaultSettings.
func SettingsFromConfig(cfg config.PipelineConfig) Settings {
	s := DefaultSettings()
	if cfg.ScoreBatchSize > 0 {
		s.BatchSize = cfg.ScoreBatchSize
	}
	if cfg.StaleDays > 0 {
		s.StaleDays = cfg.StaleDays
	}
	if cfg.CriticalStaleDays > 0 {
		s.CriticalStaleDays = cfg.CriticalStaleDays
	}
	if cfg.NoActivityStaleDays > 0 {
		s.NoActivityStaleDays = cfg.NoActivityStaleDays
	}
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			s.Location = loc
		} else {
			zap.L().Warn("pipeline: unknown timezone, using IST", zap.String("timezone", cfg.Timezone), zap.Error(err))
		}
	}
	return s
}

// DailyState is the data flowing through one daily run. Each field is
// written by the stage named in its comment.
type DailyState struct {
	Now time.Time

	// fetch_data
	Leads      []model.Lead
	Notes      map[string][]model.Note
	Activities map[string][]model.Activity
	Reps       []model.Rep

	// score_leads
	Scored   []model.Lead
	Rescored map[string]bool

	// rank_priority; keyed by rep id or Unassigned
	Priorities map[string][]model.Lead

	// detect_stale
	Stale []model.StaleLead

	// detect_anomalies
	Anomalies []model.Anomaly

	// generate_briefs; keyed by rep id
	Briefs map[string]string

	// send_alerts
	Delivered int
}

// Daily is the morning pipeline: score, rank, detect, brief, save, notify.
type Daily struct {
	store   DailyStore
	llm     llm.Invoker
	deliver MessageDeliverer
	ledger  RunLedger
	cfg     Settings
	now     func() time.Time
	graph   *Graph[DailyState]
}

// NewDaily wires the daily pipeline graph.
func NewDaily(store DailyStore, inv llm.Invoker, deliver MessageDeliverer, ledger RunLedger, cfg Settings) (*Daily, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSettings().BatchSize
	}
	if cfg.Location == nil {
		cfg.Location = ist
	}
	d := &Daily{
		store:   store,
		llm:     inv,
		deliver: deliver,
		ledger:  ledger,
		cfg:     cfg,
		now:     time.Now,
	}

	stages := []Stage[DailyState]{
		{ID: StageFetch, Run: d.fetchData},
		{ID: StageScore, Run: d.scoreLeads},
		{ID: StageRank, Run: d.rankPriority},
		{ID: StageStale, Run: d.detectStale},
		{ID: StageAnomalies, Run: d.detectAnomalies},
		{ID: StageBriefs, Run: d.generateBriefs},
		{ID: StageSave, Run: d.saveResults},
		{ID: StageSend, Run: d.sendAlerts},
	}
	ids := make([]StageID, len(stages))
	for i, s := range stages {
		ids[i] = s.ID
	}
	g, err := NewGraph(model.PipelineDaily, stages, Linear(ids...))
	if err != nil {
		return nil, err
	}
	d.graph = g
	return d, nil
}

// Run executes one daily run. Stage failures degrade the run rather than
// fail it and the record is written to the ledger and returned. A run whose
// ctx is cancelled stops at the next stage boundary, writes no record and
// returns the cancellation error.
func (d *Daily) Run(ctx context.Context) (*model.RunRecord, error) {
	if d.store == nil || d.llm == nil {
		return nil, eris.New("pipeline: daily requires a store and an llm client")
	}
	log := zap.L().With(zap.String("pipeline", string(model.PipelineDaily)))

	if d.ledger != nil {
		if prev, err := d.ledger.Latest(ctx, model.PipelineDaily); err != nil {
			log.Warn("pipeline: could not read previous run", zap.Error(err))
		} else if prev != nil {
			log.Info("pipeline: previous daily run",
				zap.String("run_id", prev.ID),
				zap.Time("completed_at", prev.CompletedAt),
				zap.Int("leads_scored", prev.Counts[model.CountLeadsScored]),
			)
		}
	}

	started := d.now()
	state := &DailyState{Now: started}
	errs := &ErrorLog{}
	stages, err := d.graph.Execute(ctx, state, errs)
	if err != nil {
		metrics.PipelineRuns.WithLabelValues(string(d.graph.name), metrics.ResultAborted).Inc()
		return nil, err
	}
	completed := d.now()

	rec := model.RunRecord{
		ID:              uuid.NewString(),
		PipelineType:    model.PipelineDaily,
		TriggeredBy:     dailyCaller,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationSeconds: completed.Sub(started).Seconds(),
		Counts: map[string]int{
			model.CountLeadsScored:       len(state.Scored),
			model.CountLeadsRescored:     len(state.Rescored),
			model.CountBriefsGenerated:   len(state.Briefs),
			model.CountStaleLeadsFound:   len(state.Stale),
			model.CountAnomaliesFound:    len(state.Anomalies),
			model.CountMessagesDelivered: state.Delivered,
		},
		Stages: stages,
		Errors: errs.List(),
	}
	rec.Success = len(rec.Errors) == 0

	finish(ctx, d.ledger, rec)
	return &rec, nil
}

// finish records the run in the ledger and metrics. Ledger failures are
// logged only.
func finish(ctx context.Context, l RunLedger, rec model.RunRecord) {
	metrics.PipelineRuns.WithLabelValues(string(rec.PipelineType), metrics.RunResult(len(rec.Errors))).Inc()

	fields := []zap.Field{
		zap.String("pipeline", string(rec.PipelineType)),
		zap.String("run_id", rec.ID),
		zap.Float64("duration_s", rec.DurationSeconds),
		zap.Any("counts", rec.Counts),
		zap.Int("errors", len(rec.Errors)),
	}
	if rec.LeadID != "" {
		fields = append(fields, zap.String("lead_id", rec.LeadID))
	}
	if rec.Success {
		zap.L().Info("pipeline: run complete", fields...)
	} else {
		zap.L().Warn("pipeline: run complete with errors", append(fields, zap.Strings("error_list", rec.Errors))...)
	}

	if l == nil {
		return
	}
	if err := l.Record(ctx, rec); err != nil {
		zap.L().Error("pipeline: failed to record run", zap.String("run_id", rec.ID), zap.Error(err))
	}
}

func (d *Daily) fetchData(ctx context.Context, s *DailyState, _ *ErrorLog) error {
	s.Leads = nil
	s.Notes = map[string][]model.Note{}
	s.Activities = map[string][]model.Activity{}
	s.Reps = nil

	leads, err := d.store.ListOpenLeads(ctx)
	if err != nil {
		return err
	}
	ids := make([]string, len(leads))
	for i, l := range leads {
		ids[i] = l.ID
	}

	notes := map[string][]model.Note{}
	activities := map[string][]model.Activity{}
	if len(ids) > 0 {
		ns, err := d.store.ListNotesByLeads(ctx, ids)
		if err != nil {
			return err
		}
		for _, n := range ns {
			notes[n.LeadID] = append(notes[n.LeadID], n)
		}
		as, err := d.store.ListActivitiesByLeads(ctx, ids)
		if err != nil {
			return err
		}
		for _, a := range as {
			activities[a.LeadID] = append(activities[a.LeadID], a)
		}
	}

	reps, err := d.store.ListRepsByRole(ctx, model.RoleRep)
	if err != nil {
		return err
	}
	var active []model.Rep
	for _, r := range reps {
		if r.Active {
			active = append(active, r)
		}
	}

	s.Leads, s.Notes, s.Activities, s.Reps = leads, notes, activities, active
	zap.L().Info("pipeline: fetched daily inputs",
		zap.Int("leads", len(leads)),
		zap.Int("reps", len(active)),
	)
	return nil
}

func (d *Daily) saveResults(ctx context.Context, s *DailyState, errs *ErrorLog) error {
	for _, l := range s.Scored {
		if !s.Rescored[l.ID] {
			continue
		}
		if err := d.store.UpdateLeadScore(ctx, l, s.Now); err != nil {
			errs.Addf(StageSave, "score %s: %v", l.ID, err)
		}
	}

	for _, rep := range s.Reps {
		text, ok := s.Briefs[rep.ID]
		if !ok {
			continue
		}
		plist := s.Priorities[rep.ID]
		brief := model.DailyBrief{
			ID:           uuid.NewString(),
			RepID:        rep.ID,
			Content:      text,
			PriorityList: priorityEntries(plist, 50),
			LeadCount:    len(plist),
			HotCount:     countLabel(plist, model.ScoreHot),
			StaleCount:   len(staleFor(s.Stale, rep.ID)),
			CreatedAt:    s.Now,
		}
		if err := d.store.InsertDailyBrief(ctx, brief); err != nil {
			errs.Addf(StageSave, "brief %s: %v", rep.ID, err)
		}
	}

	for _, a := range s.Anomalies {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.DetectedAt = s.Now
		if err := d.store.InsertAnomaly(ctx, a); err != nil {
			errs.Addf(StageSave, "anomaly %s: %v", a.Type, err)
		}
	}

	zap.L().Info("pipeline: saved daily results",
		zap.Int("rescored", len(s.Rescored)),
		zap.Int("briefs", len(s.Briefs)),
		zap.Int("anomalies", len(s.Anomalies)),
	)
	return nil
}

func priorityEntries(leads []model.Lead, limit int) []model.PriorityEntry {
	out := make([]model.PriorityEntry, 0, min(len(leads), limit))
	for _, l := range head(leads, limit) {
		out = append(out, model.PriorityEntry{LeadID: l.ID, ScoreLabel: l.ScoreLabel})
	}
	return out
}

func countLabel(leads []model.Lead, label model.ScoreLabel) int {
	n := 0
	for _, l := range leads {
		if l.ScoreLabel == label {
			n++
		}
	}
	return n
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
