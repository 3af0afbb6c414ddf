package crmsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/pkg/salesforce"
)

type fakeSF struct {
	leads    []salesforce.Lead
	notes    []salesforce.Note
	tasks    []salesforce.Task
	desc     *salesforce.Description
	descErr  error
	queryErr map[string]error

	mu      sync.Mutex
	queries []string
	updated []salesforce.Record
}

func (f *fakeSF) Query(_ context.Context, soql string, out any) error {
	f.mu.Lock()
	f.queries = append(f.queries, soql)
	f.mu.Unlock()
	for object, err := range f.queryErr {
		if strings.Contains(soql, "FROM "+object+" ") {
			return err
		}
	}
	switch dst := out.(type) {
	case *[]salesforce.Lead:
		*dst = f.leads
	case *[]salesforce.Note:
		*dst = f.notes
	case *[]salesforce.Task:
		*dst = f.tasks
	}
	return nil
}

func (f *fakeSF) Update(_ context.Context, _ string, records []salesforce.Record) ([]salesforce.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, records...)
	out := make([]salesforce.Result, len(records))
	for i, r := range records {
		out[i] = salesforce.Result{ID: r.ID, Success: r.ID != "bad"}
		if r.ID == "bad" {
			out[i].Errors = []string{"FIELD_CUSTOM_VALIDATION_EXCEPTION"}
		}
	}
	return out, nil
}

func (f *fakeSF) Describe(context.Context, string) (*salesforce.Description, error) {
	return f.desc, f.descErr
}

type fakeStore struct {
	reps       []model.Rep
	open       []model.Lead
	external   map[string]string
	states     map[string]model.SyncState
	upsertErr  error
	leads      []model.SyncedLead
	notes      []model.Note
	activities []model.Activity
}

func newFakeStore() *fakeStore {
	return &fakeStore{external: map[string]string{}, states: map[string]model.SyncState{}}
}

func (s *fakeStore) UpsertLeads(_ context.Context, leads []model.SyncedLead) (int64, error) {
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	for _, l := range leads {
		s.external[l.Lead.ExternalID] = "lead-" + l.Lead.ExternalID
	}
	s.leads = append(s.leads, leads...)
	return int64(len(leads)), nil
}

func (s *fakeStore) LeadIDsByExternal(_ context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	for _, id := range ids {
		if v, ok := s.external[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertNotes(_ context.Context, notes []model.Note) (int64, error) {
	s.notes = append(s.notes, notes...)
	return int64(len(notes)), nil
}

func (s *fakeStore) UpsertActivities(_ context.Context, acts []model.Activity) (int64, error) {
	s.activities = append(s.activities, acts...)
	return int64(len(acts)), nil
}

func (s *fakeStore) ListRepsByRole(context.Context, ...string) ([]model.Rep, error) {
	return s.reps, nil
}

func (s *fakeStore) ListOpenLeads(context.Context) ([]model.Lead, error) {
	return s.open, nil
}

func (s *fakeStore) GetSyncState(_ context.Context, source string) (*model.SyncState, error) {
	st, ok := s.states[source]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *fakeStore) SetSyncState(_ context.Context, st model.SyncState) error {
	s.states[st.Source] = st
	return nil
}

var fixedNow = time.Date(2026, 3, 10, 2, 30, 0, 0, time.UTC)

func newTestSyncer(sf *fakeSF, st *fakeStore) *Syncer {
	s := New(sf, st)
	s.now = func() time.Time { return fixedNow }
	return s
}

func sampleSF() *fakeSF {
	return &fakeSF{
		desc: &salesforce.Description{Fields: []salesforce.Field{
			{Name: "Id"}, {Name: "Sales_Stage__c"}, {Name: "Demo_Booked__c"},
		}},
		leads: []salesforce.Lead{
			{
				ID: "00Q1", FirstName: "Priya", LastName: "Nair", Company: "Acme Builders",
				Status: "Follow Up", City: "Pune", State: "MH", SalesStage: "High Prospect",
				DemoBooked: true, Owner: &salesforce.Owner{Name: "Asha K"},
				CreatedDate:      "2026-02-01T10:00:00.000+0000",
				LastModifiedDate: "2026-03-09T08:15:00.000+0000",
			},
			{
				ID: "00Q2", LastName: "Rao", Status: "Purchased", SaleDone: true,
				Owner:            &salesforce.Owner{Name: "Unknown Owner"},
				CreatedDate:      "2026-01-15T10:00:00.000+0000",
				LastModifiedDate: "2026-03-08T11:00:00.000+0000",
			},
		},
		notes: []salesforce.Note{
			{ID: "002A", ParentID: "00Q1", Title: "Site visit", Body: "Asked for pricing", LastModifiedDate: "2026-03-09T09:00:00.000+0000"},
			{ID: "002B", ParentID: "00QX", Body: "orphan", LastModifiedDate: "2026-03-09T10:00:00.000+0000"},
		},
		tasks: []salesforce.Task{
			{
				ID: "00T1", WhoID: "00Q1", Subject: "Call", TaskSubtype: "Call", CallDisposition: "Connected",
				Owner: &salesforce.Owner{Name: "asha k"}, CreatedDate: "2026-03-09T07:00:00.000+0000",
				LastModifiedDate: "2026-03-09T07:05:00.000+0000",
			},
		},
	}
}

func TestSync_FullImportsAllModules(t *testing.T) {
	sf := sampleSF()
	st := newFakeStore()
	st.reps = []model.Rep{{ID: "rep-1", Name: "Asha", DealOwnerName: "Asha K"}}

	report := newTestSyncer(sf, st).Sync(context.Background(), true)
	require.False(t, report.Failed(), "%+v", report.Results)
	require.Len(t, report.Results, 3)

	leads := report.Results[0]
	assert.Equal(t, SourceLeads, leads.Source)
	assert.True(t, leads.Full)
	assert.Equal(t, 2, leads.Fetched)
	assert.Equal(t, int64(2), leads.Upserted)
	assert.Equal(t, time.Date(2026, 3, 9, 8, 15, 0, 0, time.UTC), leads.Watermark)

	require.Len(t, st.leads, 2)
	acme := st.leads[0]
	assert.Equal(t, "00Q1", acme.Lead.ExternalID)
	assert.Equal(t, "Acme Builders", acme.Lead.CompanyName)
	assert.Equal(t, "Priya Nair", acme.Lead.ContactName)
	assert.Equal(t, "contacted", acme.Lead.Status)
	assert.Equal(t, "Pune, MH", acme.Lead.Region)
	assert.Equal(t, "rep-1", acme.Lead.AssignedRepID)
	assert.Equal(t, "Follow Up", acme.CRM.Status)
	assert.Equal(t, "Asha K", acme.CRM.Owner)
	assert.True(t, acme.CRM.DemoBooked)
	assert.Nil(t, acme.Lead.ClosedAt)

	rao := st.leads[1]
	assert.Equal(t, "Rao", rao.Lead.CompanyName, "company falls back to contact")
	assert.Equal(t, model.LeadStatusWon, rao.Lead.Status)
	assert.Empty(t, rao.Lead.AssignedRepID)
	require.NotNil(t, rao.Lead.ClosedAt)

	notes := report.Results[1]
	assert.Equal(t, 2, notes.Fetched)
	assert.Equal(t, int64(1), notes.Upserted)
	assert.Equal(t, 1, notes.Skipped)
	require.Len(t, st.notes, 1)
	assert.Equal(t, "lead-00Q1", st.notes[0].LeadID)
	assert.Equal(t, "Site visit: Asked for pricing", st.notes[0].Content)
	assert.Equal(t, "salesforce", st.notes[0].Source)

	require.Len(t, st.activities, 1)
	act := st.activities[0]
	assert.Equal(t, "call", act.Type)
	assert.Equal(t, "Connected", act.Outcome)
	assert.Equal(t, "rep-1", act.UserID, "owner lookup ignores case")
	assert.Equal(t, time.Date(2026, 3, 9, 7, 0, 0, 0, time.UTC), act.CreatedAt)

	for _, src := range []string{SourceLeads, SourceNotes, SourceTasks} {
		stt, ok := st.states[src]
		require.True(t, ok, src)
		assert.Equal(t, fixedNow, stt.LastRunAt)
	}
	assert.Equal(t, time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), st.states[SourceNotes].Watermark)

	for _, q := range sf.queries {
		assert.NotContains(t, q, "LastModifiedDate >")
	}
	assert.Contains(t, sf.queries[0], "Sales_Stage__c")
	assert.NotContains(t, sf.queries[0], "Remarks__c")
}

func TestSync_DeltaUsesWatermark(t *testing.T) {
	sf := &fakeSF{}
	st := newFakeStore()
	mark := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	st.states[SourceLeads] = model.SyncState{Source: SourceLeads, Watermark: mark}

	report := newTestSyncer(sf, st).Sync(context.Background(), false)
	require.False(t, report.Failed())

	assert.False(t, report.Results[0].Full)
	assert.True(t, report.Results[1].Full, "notes have no watermark yet")
	assert.Contains(t, sf.queries[0], "LastModifiedDate > 2026-03-09T00:00:00Z")
	assert.Equal(t, mark, st.states[SourceLeads].Watermark, "empty delta keeps watermark")
}

func TestSync_ModuleFailureDoesNotStopOthers(t *testing.T) {
	sf := sampleSF()
	sf.queryErr = map[string]error{"Note": errors.New("INVALID_TYPE")}
	st := newFakeStore()

	report := newTestSyncer(sf, st).Sync(context.Background(), false)
	assert.True(t, report.Failed())
	assert.Empty(t, report.Results[0].Error)
	assert.Contains(t, report.Results[1].Error, "INVALID_TYPE")
	assert.Empty(t, report.Results[2].Error)

	_, saved := st.states[SourceNotes]
	assert.False(t, saved, "failed module keeps its old watermark")
	assert.Len(t, st.activities, 1)
}

func TestSync_DescribeFailureFallsBackToStandardFields(t *testing.T) {
	sf := sampleSF()
	sf.desc, sf.descErr = nil, errors.New("boom")
	st := newFakeStore()

	report := newTestSyncer(sf, st).Sync(context.Background(), true)
	require.False(t, report.Failed())
	assert.NotContains(t, sf.queries[0], "__c")
}

func TestSync_UpsertErrorReported(t *testing.T) {
	st := newFakeStore()
	st.upsertErr = errors.New("disk full")

	report := newTestSyncer(sampleSF(), st).Sync(context.Background(), true)
	assert.Contains(t, report.Results[0].Error, "disk full")
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		lead salesforce.Lead
		want string
	}{
		{salesforce.Lead{Status: "Open - Not Contacted"}, "new"},
		{salesforce.Lead{}, "new"},
		{salesforce.Lead{Status: "High Prospect"}, "qualified"},
		{salesforce.Lead{Status: "Closed - Not Converted"}, "lost"},
		{salesforce.Lead{Status: "Something Custom"}, "contacted"},
		{salesforce.Lead{Status: "Follow Up", IsConverted: true}, "won"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mapStatus(tc.lead), tc.lead.Status)
	}
}

func TestActivityType(t *testing.T) {
	assert.Equal(t, "email", activityType(salesforce.Task{TaskSubtype: "Email"}))
	assert.Equal(t, "call", activityType(salesforce.Task{Subject: "Call back"}))
	assert.Equal(t, "meeting", activityType(salesforce.Task{Subject: "Product demo"}))
	assert.Equal(t, "task", activityType(salesforce.Task{Subject: "Send brochure"}))
}

func TestPushScores(t *testing.T) {
	scored := fixedNow.Add(-time.Hour)
	sf := &fakeSF{desc: &salesforce.Description{Fields: []salesforce.Field{
		{Name: FieldScore, Updateable: true},
		{Name: FieldScoreLabel, Updateable: true},
		{Name: FieldNextAction, Updateable: false},
	}}}
	st := newFakeStore()
	st.open = []model.Lead{
		{ID: "l1", ExternalID: "00Q1", ScoreNumeric: 82, ScoreLabel: model.ScoreHot, ScoreNextAction: "call", LastScoredAt: &scored},
		{ID: "l2", ExternalID: "bad", ScoreNumeric: 20, ScoreLabel: model.ScoreCold, LastScoredAt: &scored},
		{ID: "l3", ExternalID: "00Q3"},
		{ID: "l4", ScoreNumeric: 50, LastScoredAt: &scored},
	}

	res, err := newTestSyncer(sf, st).PushScores(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"bad: FIELD_CUSTOM_VALIDATION_EXCEPTION"}, res.Errors)

	require.Len(t, sf.updated, 2)
	assert.Equal(t, map[string]any{FieldScore: 82, FieldScoreLabel: "hot"}, sf.updated[0].Fields)
}

func TestPushScores_NoScoreFields(t *testing.T) {
	sf := &fakeSF{desc: &salesforce.Description{}}
	st := newFakeStore()
	scored := fixedNow
	st.open = []model.Lead{{ExternalID: "00Q1", LastScoredAt: &scored}}

	res, err := newTestSyncer(sf, st).PushScores(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Empty(t, sf.updated)
}
