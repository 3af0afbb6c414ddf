// Package crmsync pulls leads, notes and tasks from Salesforce into the
// store and pushes AI scores back onto the CRM leads.
package crmsync

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/pkg/salesforce"
)

// Sync state sources, one watermark per module.
const (
	SourceLeads = "salesforce.leads"
	SourceNotes = "salesforce.notes"
	SourceTasks = "salesforce.tasks"
)

// upsertChunk bounds one store write.
const upsertChunk = 500

// Store is the persistence surface used by the sync.
type Store interface {
	UpsertLeads(ctx context.Context, leads []model.SyncedLead) (int64, error)
	LeadIDsByExternal(ctx context.Context, externalIDs []string) (map[string]string, error)
	UpsertNotes(ctx context.Context, notes []model.Note) (int64, error)
	UpsertActivities(ctx context.Context, acts []model.Activity) (int64, error)
	ListRepsByRole(ctx context.Context, roles ...string) ([]model.Rep, error)
	ListOpenLeads(ctx context.Context) ([]model.Lead, error)
	GetSyncState(ctx context.Context, source string) (*model.SyncState, error)
	SetSyncState(ctx context.Context, st model.SyncState) error
}

// Result is the outcome of syncing one module.
type Result struct {
	Source    string    `json:"source"`
	Full      bool      `json:"full"`
	Fetched   int       `json:"fetched"`
	Upserted  int64     `json:"upserted"`
	Skipped   int       `json:"skipped"`
	Watermark time.Time `json:"watermark"`
	Error     string    `json:"error,omitempty"`
}

// Report collects the module results of one Sync call.
type Report struct {
	Results  []Result      `json:"results"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether any module failed.
func (r Report) Failed() bool {
	return slices.ContainsFunc(r.Results, func(res Result) bool { return res.Error != "" })
}

// Syncer copies CRM records into the store.
type Syncer struct {
	sf    salesforce.Client
	store Store
	now   func() time.Time
}

// New creates a Syncer.
func New(sf salesforce.Client, store Store) *Syncer {
	return &Syncer{sf: sf, store: store, now: time.Now}
}

// Sync runs the lead, note and task modules in that order. Notes and tasks
// attach to leads, so they run after leads. A failing module is recorded in
// the report and does not stop the others. full ignores stored watermarks.
func (s *Syncer) Sync(ctx context.Context, full bool) Report {
	start := s.now()
	log := zap.L().With(zap.String("component", "crmsync"), zap.Bool("full", full))

	owners, err := s.ownerIndex(ctx)
	if err != nil {
		log.Warn("crmsync: rep lookup failed, leads stay unassigned", zap.Error(err))
	}

	modules := []struct {
		source string
		run    func(ctx context.Context, since time.Time, owners map[string]string) (Result, error)
	}{
		{SourceLeads, s.syncLeads},
		{SourceNotes, s.syncNotes},
		{SourceTasks, s.syncTasks},
	}

	var report Report
	for _, m := range modules {
		res := s.runModule(ctx, m.source, full, owners, m.run)
		if res.Error != "" {
			log.Error("crmsync: module failed", zap.String("source", m.source), zap.String("error", res.Error))
		} else {
			log.Info("crmsync: module synced",
				zap.String("source", m.source),
				zap.Int("fetched", res.Fetched),
				zap.Int64("upserted", res.Upserted),
				zap.Int("skipped", res.Skipped),
			)
		}
		report.Results = append(report.Results, res)
	}
	report.Duration = s.now().Sub(start)
	return report
}

func (s *Syncer) runModule(
	ctx context.Context,
	source string,
	full bool,
	owners map[string]string,
	run func(ctx context.Context, since time.Time, owners map[string]string) (Result, error),
) Result {
	var since time.Time
	if !full {
		st, err := s.store.GetSyncState(ctx, source)
		if err != nil {
			return Result{Source: source, Error: eris.Wrap(err, "crmsync: read watermark").Error()}
		}
		if st != nil {
			since = st.Watermark
		}
	}

	res, err := run(ctx, since, owners)
	res.Source = source
	res.Full = since.IsZero()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if res.Watermark.Before(since) {
		res.Watermark = since
	}

	metrics.SyncedRecords.WithLabelValues(strings.TrimPrefix(source, "salesforce.")).Add(float64(res.Upserted))
	if err := s.store.SetSyncState(ctx, model.SyncState{
		Source:    source,
		Watermark: res.Watermark,
		LastRunAt: s.now().UTC(),
		Records:   res.Fetched,
	}); err != nil {
		res.Error = eris.Wrap(err, "crmsync: save watermark").Error()
	}
	return res
}

// ownerIndex maps lower-cased CRM owner names to rep ids, using the rep's
// deal owner name and falling back to the display name.
func (s *Syncer) ownerIndex(ctx context.Context) (map[string]string, error) {
	reps, err := s.store.ListRepsByRole(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]string, len(reps))
	for _, r := range reps {
		for _, name := range []string{r.DealOwnerName, r.Name} {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "" {
				continue
			}
			if _, taken := idx[key]; !taken {
				idx[key] = r.ID
			}
		}
	}
	return idx, nil
}

func ownerName(o *salesforce.Owner) string {
	if o == nil {
		return ""
	}
	return o.Name
}

func lookupOwner(owners map[string]string, o *salesforce.Owner) string {
	return owners[strings.ToLower(strings.TrimSpace(ownerName(o)))]
}

func advance(mark time.Time, modified string) time.Time {
	if t := salesforce.ParseTime(modified); t != nil && t.After(mark) {
		return *t
	}
	return mark
}

func (s *Syncer) syncLeads(ctx context.Context, since time.Time, owners map[string]string) (Result, error) {
	desc, err := s.sf.Describe(ctx, "Lead")
	if err != nil {
		zap.L().Warn("crmsync: describe Lead failed, selecting standard fields", zap.Error(err))
	}
	records, err := salesforce.QueryLeads(ctx, s.sf, salesforce.LeadFields(desc), since)
	if err != nil {
		return Result{}, err
	}

	res := Result{Fetched: len(records), Watermark: since}
	synced := make([]model.SyncedLead, 0, len(records))
	for _, r := range records {
		synced = append(synced, toSyncedLead(r, lookupOwner(owners, r.Owner)))
		res.Watermark = advance(res.Watermark, r.LastModifiedDate)
	}

	for chunk := range slices.Chunk(synced, upsertChunk) {
		n, err := s.store.UpsertLeads(ctx, chunk)
		if err != nil {
			return res, eris.Wrap(err, "crmsync: upsert leads")
		}
		res.Upserted += n
	}
	return res, nil
}

func (s *Syncer) syncNotes(ctx context.Context, since time.Time, _ map[string]string) (Result, error) {
	records, err := salesforce.QueryNotes(ctx, s.sf, since)
	if err != nil {
		return Result{}, err
	}
	res := Result{Fetched: len(records), Watermark: since}

	parents := make([]string, 0, len(records))
	for _, r := range records {
		parents = append(parents, r.ParentID)
	}
	leadIDs, err := s.store.LeadIDsByExternal(ctx, parents)
	if err != nil {
		return res, eris.Wrap(err, "crmsync: resolve note leads")
	}

	var notes []model.Note
	for _, r := range records {
		res.Watermark = advance(res.Watermark, r.LastModifiedDate)
		leadID, ok := leadIDs[r.ParentID]
		if !ok {
			res.Skipped++
			continue
		}
		notes = append(notes, toNote(r, leadID))
	}

	for chunk := range slices.Chunk(notes, upsertChunk) {
		n, err := s.store.UpsertNotes(ctx, chunk)
		if err != nil {
			return res, eris.Wrap(err, "crmsync: upsert notes")
		}
		res.Upserted += n
	}
	return res, nil
}

func (s *Syncer) syncTasks(ctx context.Context, since time.Time, owners map[string]string) (Result, error) {
	records, err := salesforce.QueryTasks(ctx, s.sf, since)
	if err != nil {
		return Result{}, err
	}
	res := Result{Fetched: len(records), Watermark: since}

	whos := make([]string, 0, len(records))
	for _, r := range records {
		whos = append(whos, r.WhoID)
	}
	leadIDs, err := s.store.LeadIDsByExternal(ctx, whos)
	if err != nil {
		return res, eris.Wrap(err, "crmsync: resolve task leads")
	}

	var acts []model.Activity
	for _, r := range records {
		res.Watermark = advance(res.Watermark, r.LastModifiedDate)
		leadID, ok := leadIDs[r.WhoID]
		if !ok {
			res.Skipped++
			continue
		}
		acts = append(acts, toActivity(r, leadID, lookupOwner(owners, r.Owner)))
	}

	for chunk := range slices.Chunk(acts, upsertChunk) {
		n, err := s.store.UpsertActivities(ctx, chunk)
		if err != nil {
			return res, eris.Wrap(err, "crmsync: upsert activities")
		}
		res.Upserted += n
	}
	return res, nil
}
