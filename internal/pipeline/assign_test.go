package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
)

func newTestAssigner(t *testing.T, st *memStore, inv llm.Invoker, dl MessageDeliverer) (*Assigner, *mockLedger) {
	t.Helper()
	led := new(mockLedger)
	led.On("Record", mock.Anything, mock.Anything).Return(nil)

	a, err := NewAssigner(st, inv, dl, led)
	require.NoError(t, err)
	a.now = func() time.Time { return testNow }
	return a, led
}

func unassigned(id string, createdDaysAgo int) model.Lead {
	l := openLead(id, "")
	l.Region = "Pune"
	l.Industry = "construction"
	l.CreatedAt = *daysAgo(createdDaysAgo)
	return l
}

// assignFixture has Asha with two open leads and a Pune win, Ravi at
// capacity, and an inactive rep.
func assignFixture(pending ...model.Lead) *memStore {
	st := &memStore{
		reps: []model.Rep{
			{ID: "r1", Name: "Asha", Role: model.RoleRep, Active: true},
			{ID: "r2", Name: "Ravi", Role: model.RoleRep, Active: true},
			{ID: "r3", Name: "Old", Role: model.RoleRep, Active: false},
			{ID: "m1", Name: "Meera", Role: model.RoleManager, Active: true},
		},
	}
	st.leads = append(st.leads, openLead("A1", "r1"), openLead("A2", "r1"))
	for i := range RepCapacity {
		st.leads = append(st.leads, openLead(fmt.Sprintf("R%02d", i), "r2"))
	}
	won := closedLead("W1", "r1", model.LeadStatusWon, "referral", 400000, 20)
	won.Region = "Pune"
	won.Industry = "construction"
	st.leads = append(st.leads, won, closedLead("X1", "r1", model.LeadStatusLost, "website", 50000, 30))
	st.leads = append(st.leads, pending...)
	return st
}

func pick(repID string) func(string) (string, error) {
	return func(string) (string, error) {
		return fmt.Sprintf(`{"assigned_rep_id": %q, "rep_name": "x", "reasoning": "Pune win", "confidence": "high"}`, repID), nil
	}
}

func TestRepLoads(t *testing.T) {
	t.Parallel()
	st := assignFixture()
	open, _ := st.ListOpenLeads(context.Background())
	closed, _ := st.ListClosedLeadsSince(context.Background(), testNow.AddDate(0, 0, -90))
	won, _ := st.ListWonLeads(context.Background(), "")
	reps, _ := st.ListRepsByRole(context.Background(), model.RoleRep)

	loads := RepLoads(reps, open, closed, won)
	require.Len(t, loads, 2, "inactive reps are skipped")

	assert.Equal(t, "r1", loads[0].Rep.ID)
	assert.Equal(t, 2, loads[0].OpenLeads)
	assert.Equal(t, 1, loads[0].WonRecent)
	assert.Equal(t, 50.0, loads[0].ConversionPct)
	assert.Equal(t, []string{"Pune"}, loads[0].WonRegions)
	assert.Equal(t, []string{"construction"}, loads[0].WonIndustries)
	assert.False(t, loads[0].AtCapacity())

	assert.Equal(t, RepCapacity, loads[1].OpenLeads)
	assert.True(t, loads[1].AtCapacity())
	assert.Zero(t, loads[1].ConversionPct)
}

func TestLeastLoaded(t *testing.T) {
	t.Parallel()
	a := &RepLoad{Rep: model.Rep{ID: "a"}, OpenLeads: 5}
	b := &RepLoad{Rep: model.Rep{ID: "b"}, OpenLeads: 2}
	c := &RepLoad{Rep: model.Rep{ID: "c"}, OpenLeads: 2}
	full := &RepLoad{Rep: model.Rep{ID: "full"}, OpenLeads: RepCapacity}
	fuller := &RepLoad{Rep: model.Rep{ID: "fuller"}, OpenLeads: RepCapacity + 4}

	assert.Equal(t, "b", LeastLoaded([]*RepLoad{a, b, c}).Rep.ID)
	assert.Equal(t, "a", LeastLoaded([]*RepLoad{full, a}).Rep.ID)
	assert.Equal(t, "full", LeastLoaded([]*RepLoad{fuller, full}).Rep.ID)
}

func TestAssigner_EndToEnd(t *testing.T) {
	t.Parallel()
	st := assignFixture(unassigned("N1", 1), unassigned("N2", 2))
	inv := newFakeLLM().on(llm.TaskAssignment, pick("r1"))
	dl := &fakeDeliverer{}
	a, led := newTestAssigner(t, st, inv, dl)

	rec, got, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, model.PipelineAssignment, rec.PipelineType)
	assert.Equal(t, map[string]int{
		model.CountLeadsAssigned:     2,
		model.CountAssignFallbacks:   0,
		model.CountMessagesDelivered: 2,
	}, rec.Counts)

	require.Len(t, got, 2)
	assert.Equal(t, "N2", got[0].LeadID, "oldest lead first")
	assert.Equal(t, Assignment{LeadID: "N2", Company: "Co N2", RepID: "r1", RepName: "Asha", Reasoning: "Pune win", Confidence: "high"}, got[0])
	assert.Equal(t, "r1", st.assignedTo("N1"))
	assert.Equal(t, "r1", st.assignedTo("N2"))

	calls := inv.callsFor(llm.TaskAssignment)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Prompt, "Company: Co N2")
	assert.Contains(t, calls[0].Prompt, "Open Leads: 2/30\n")
	assert.Contains(t, calls[0].Prompt, "Open Leads: 30/30 [AT CAPACITY]")
	assert.Contains(t, calls[0].Prompt, "Won Regions: Pune")
	assert.NotContains(t, calls[0].Prompt, "Old")
	assert.Contains(t, calls[1].Prompt, "Open Leads: 3/30\n", "load counts the lead just assigned")

	var logged []model.Activity
	for _, act := range st.activities {
		if act.Type == "assignment" {
			logged = append(logged, act)
		}
	}
	require.Len(t, logged, 2)
	assert.Equal(t, "r1", logged[0].UserID)
	assert.Contains(t, logged[0].Description, "Lead auto-assigned to Asha. Reason: Pune win (Confidence: high)")

	assert.Equal(t, []string{"New Lead Assigned", "New Lead Assigned"}, dl.subjects())
	assert.Equal(t, "r1", dl.sent[0].RepID)
	assert.Contains(t, dl.sent[0].Text, "Company: Co N2")
	led.AssertNumberOfCalls(t, "Record", 1)
}

func TestAssigner_FallbackWhenModelFails(t *testing.T) {
	t.Parallel()
	st := assignFixture(unassigned("N1", 1))
	inv := newFakeLLM().fail(llm.TaskAssignment, errors.New("overloaded"))
	a, _ := newTestAssigner(t, st, inv, &fakeDeliverer{})

	rec, got, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"assign_leads: N1: overloaded"}, rec.Errors)
	assert.Equal(t, 1, rec.Counts[model.CountAssignFallbacks])
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RepID)
	assert.True(t, got[0].Fallback)
	assert.Equal(t, "low", got[0].Confidence)
	assert.Equal(t, "Fallback: assigned to Asha (fewest open leads: 2)", got[0].Reasoning)
}

func TestAssigner_RejectsInvalidChoice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		reply   func(string) (string, error)
		wantErr string
	}{
		{"at capacity", pick("r2"), "assign_leads: N1: rep Ravi is at capacity"},
		{"unknown rep", pick("r404"), `assign_leads: N1: unknown rep "r404"`},
		{"inactive rep", pick("r3"), `assign_leads: N1: unknown rep "r3"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := assignFixture(unassigned("N1", 1))
			a, _ := newTestAssigner(t, st, newFakeLLM().on(llm.TaskAssignment, tc.reply), nil)

			rec, got, err := a.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{tc.wantErr}, rec.Errors)
			require.Len(t, got, 1)
			assert.Equal(t, "r1", got[0].RepID)
			assert.True(t, got[0].Fallback)
		})
	}
}

func TestAssigner_FallbackBalancesWithinRun(t *testing.T) {
	t.Parallel()
	st := &memStore{
		reps: []model.Rep{
			{ID: "r1", Name: "Asha", Role: model.RoleRep, Active: true},
			{ID: "r4", Name: "Kiran", Role: model.RoleRep, Active: true},
		},
		leads: []model.Lead{openLead("A1", "r1"), unassigned("N1", 3), unassigned("N2", 2), unassigned("N3", 1)},
	}
	a, _ := newTestAssigner(t, st, nil, nil)

	rec, got, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, 3, rec.Counts[model.CountAssignFallbacks])

	var reps []string
	for _, g := range got {
		reps = append(reps, g.RepID)
	}
	assert.Equal(t, []string{"r4", "r1", "r4"}, reps)
}

func TestAssigner_NoActiveReps(t *testing.T) {
	t.Parallel()
	st := &memStore{leads: []model.Lead{unassigned("N1", 1), unassigned("N2", 1)}}
	a, _ := newTestAssigner(t, st, newFakeLLM(), &fakeDeliverer{})

	rec, got, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, []string{"assign_leads: no active reps for 2 unassigned leads"}, rec.Errors)
	assert.Empty(t, st.assignedTo("N1"))
}

func TestAssigner_StoreFailureSkipsLead(t *testing.T) {
	t.Parallel()
	st := assignFixture(unassigned("N1", 2), unassigned("N2", 1))
	st.assignErr = map[string]error{"N1": errors.New("row locked")}
	dl := &fakeDeliverer{}
	a, _ := newTestAssigner(t, st, newFakeLLM().on(llm.TaskAssignment, pick("r1")), dl)

	rec, got, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"assign_leads: N1: row locked"}, rec.Errors)
	require.Len(t, got, 1)
	assert.Equal(t, "N2", got[0].LeadID)
	assert.Len(t, dl.sent, 1)
}

func TestAssigner_NothingToAssign(t *testing.T) {
	t.Parallel()
	st := assignFixture()
	inv := newFakeLLM()
	a, led := newTestAssigner(t, st, inv, &fakeDeliverer{})

	rec, got, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Empty(t, got)
	assert.Empty(t, inv.callsFor(llm.TaskAssignment))
	led.AssertNumberOfCalls(t, "Record", 1)
}

func TestAssigner_CancelStopsAfterCurrentLead(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := assignFixture(unassigned("N1", 2), unassigned("N2", 1))
	inv := newFakeLLM().on(llm.TaskAssignment, func(p string) (string, error) {
		cancel()
		return pick("r1")(p)
	})
	a, _ := newTestAssigner(t, st, inv, nil)

	rec, got, err := a.Run(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "N1", got[0].LeadID)
	assert.Empty(t, st.assignedTo("N2"))
	assert.Equal(t, []string{"assign_leads: context canceled"}, rec.Errors)
}

func TestAssigner_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	st := assignFixture(unassigned("N1", 1))
	a, led := newTestAssigner(t, st, newFakeLLM(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, _, err := a.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, rec)
	assert.Empty(t, st.assignedTo("N1"))
	led.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}
