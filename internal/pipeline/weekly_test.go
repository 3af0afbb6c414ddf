package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/onsite-teams/salesintel/internal/delivery"
	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
)

func newTestWeekly(t *testing.T, st *memStore, inv llm.Invoker, dl MessageDeliverer, prev *model.RunRecord) (*Weekly, *mockLedger) {
	t.Helper()
	led := new(mockLedger)
	led.On("Latest", mock.Anything, model.PipelineWeekly).Return(prev, nil)
	led.On("Record", mock.Anything, mock.Anything).Return(nil)

	w, err := NewWeekly(st, inv, dl, led, DefaultSettings())
	require.NoError(t, err)
	w.now = func() time.Time { return testNow }
	return w, led
}

func closedLead(id, rep, status, source string, value float64, closedDaysAgo int) model.Lead {
	l := openLead(id, rep)
	l.Status = status
	l.Source = source
	l.DealValue = value
	l.ClosedAt = daysAgo(closedDaysAgo)
	return l
}

// weekFixture: Asha wins a deal and stays active, Ravi loses one and lets
// their only open lead go stale.
func weekFixture() *memStore {
	l1 := openLead("L01", "r1")
	l1.ScoreLabel = model.ScoreHot
	l1.Source = "referral"
	l1.CreatedAt = *daysAgo(5)
	l1.LastActivityAt = daysAgo(1)
	l2 := openLead("L02", "r2")
	l2.Status = "qualified"
	l2.Source = "website"
	l2.LastActivityAt = daysAgo(20)

	return &memStore{
		leads: []model.Lead{
			l1, l2,
			closedLead("W1", "r1", model.LeadStatusWon, "referral", 500000, 2),
			closedLead("W0", "r1", model.LeadStatusWon, "referral", 90000, 10),
			closedLead("X1", "r2", model.LeadStatusLost, "website", 80000, 3),
		},
		activities: []model.Activity{
			{ID: "a1", LeadID: "L01", UserID: "r1", Type: "call", CreatedAt: *daysAgo(1)},
			{ID: "a0", LeadID: "L01", UserID: "r1", Type: "call", CreatedAt: *daysAgo(12)},
		},
		reps: []model.Rep{
			{ID: "r1", Name: "Asha", Role: model.RoleRep, Active: true},
			{ID: "r2", Name: "Ravi", Role: model.RoleRep, Active: true},
			{ID: "m1", Name: "Meera", Role: model.RoleManager, Active: true},
			{ID: "m9", Name: "Gone", Role: model.RoleManager, Active: false},
			{ID: "f1", Name: "Founder", Role: model.RoleFounder, Active: true},
		},
	}
}

func TestWeekWindow(t *testing.T) {
	t.Parallel()
	start, end := weekWindow(testNow, ist)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, ist), end)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, ist), start)
}

func TestSummarizeWeek(t *testing.T) {
	t.Parallel()
	st := weekFixture()
	open, _ := st.ListOpenLeads(context.Background())
	start, end := weekWindow(testNow, ist)
	reps := st.reps[:2]

	sum := SummarizeWeek(open, st.leads[2:], st.activities, reps, start, end, testNow, DefaultSettings())

	assert.Equal(t, 2, sum.OpenLeads)
	assert.Equal(t, 1, sum.NewLeads)
	assert.Equal(t, 300000.0, sum.PipelineValue)
	assert.Equal(t, 1, sum.StaleLeads)
	assert.Equal(t, 1, sum.Activities)
	require.Len(t, sum.Won, 1)
	assert.Equal(t, "W1", sum.Won[0].ID)
	require.Len(t, sum.Lost, 1)

	want := []RepWeek{
		{RepID: "r1", Name: "Asha", OpenLeads: 1, HotLeads: 1, Activities: 1, Won: 1, WonValue: 500000},
		{RepID: "r2", Name: "Ravi", OpenLeads: 1, StaleLeads: 1, Lost: 1},
	}
	if diff := cmp.Diff(want, sum.Reps); diff != "" {
		t.Errorf("reps mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []SourceTotal{
		{Source: "referral", Open: 1, Won: 1, ConversionPct: 100},
		{Source: "website", Open: 1, Lost: 1},
	}, sum.Sources)
	assert.Equal(t, []StatusTotal{
		{Status: "contacted", Count: 1, Value: 150000},
		{Status: "qualified", Count: 1, Value: 150000},
	}, sum.ByStatus)
}

func TestWeekly_EndToEnd(t *testing.T) {
	t.Parallel()
	st := weekFixture()
	inv := newFakeLLM().reply(llm.TaskWeeklyReport, "  Executive Summary: Asha closed W1.  ")
	dl := &fakeDeliverer{}
	w, led := newTestWeekly(t, st, inv, dl, nil)

	rec, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, model.PipelineWeekly, rec.PipelineType)
	assert.Equal(t, map[string]int{
		model.CountOpenLeads:         2,
		model.CountNewLeads:          1,
		model.CountDealsWon:          1,
		model.CountDealsLost:         1,
		model.CountWonValue:          500000,
		model.CountPipelineValue:     300000,
		model.CountStaleLeadsFound:   1,
		model.CountActivities:        1,
		model.CountMessagesDelivered: 2,
	}, rec.Counts)

	calls := inv.callsFor(llm.TaskWeeklyReport)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "WEEK: Mar 03 - Mar 09, 2026")
	assert.Contains(t, calls[0].Prompt, "Asha: open 1 (hot 1, stale 0), activities 1, won 1")
	assert.Contains(t, calls[0].Prompt, "referral: open 1, won 1, lost 0, conversion 100.0%")
	assert.Contains(t, calls[0].Prompt, "No data from last week")

	require.Len(t, dl.sent, 2)
	assert.Equal(t, "m1", dl.sent[0].RepID)
	assert.Equal(t, "f1", dl.sent[1].RepID)
	for _, m := range dl.sent {
		assert.Equal(t, "Weekly Sales Report — Mar 03 - Mar 09, 2026", m.Subject)
		assert.Equal(t, "Executive Summary: Asha closed W1.", m.Text)
	}
	led.AssertNumberOfCalls(t, "Record", 1)
}

func TestWeekly_FallbackReport(t *testing.T) {
	t.Parallel()
	st := weekFixture()
	inv := newFakeLLM().fail(llm.TaskWeeklyReport, errors.New("rate limited"))
	prev := &model.RunRecord{PipelineType: model.PipelineWeekly, Counts: map[string]int{
		model.CountDealsWon: 3, model.CountDealsLost: 2, model.CountActivities: 40, model.CountOpenLeads: 4,
	}}
	dl := &fakeDeliverer{}
	w, _ := newTestWeekly(t, st, inv, dl, prev)

	rec, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, []string{"generate_report: rate limited"}, rec.Errors)

	require.Len(t, dl.sent, 2)
	report := dl.sent[0].Text
	assert.True(t, strings.HasPrefix(report, "WEEKLY SALES REPORT — Mar 03 - Mar 09, 2026"))
	assert.Contains(t, report, "Last week: 3 won, 2 lost, 40 activities.")
	assert.Contains(t, report, "GREEN — Asha: 1 open, 1 won, 1 activities, 0 stale")
	assert.Contains(t, report, "RED — Ravi: 1 open, 0 won, 0 activities, 1 stale")
	assert.Contains(t, report, "Won this week:")
}

func TestWeekly_PreviousCountsInPrompt(t *testing.T) {
	t.Parallel()
	inv := newFakeLLM().reply(llm.TaskWeeklyReport, "report")
	prev := &model.RunRecord{Counts: map[string]int{model.CountDealsWon: 2}}
	w, _ := newTestWeekly(t, weekFixture(), inv, &fakeDeliverer{}, prev)

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	calls := inv.callsFor(llm.TaskWeeklyReport)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "deals_won: 2 (now 1, -50%)")
}

func TestWeekly_UndeliveredRecipientDegrades(t *testing.T) {
	t.Parallel()
	dl := &fakeDeliverer{out: func(rep model.Rep) delivery.Outcome {
		return delivery.Outcome{Delivered: rep.ID != "f1"}
	}}
	w, _ := newTestWeekly(t, weekFixture(), newFakeLLM().reply(llm.TaskWeeklyReport, "report"), dl, nil)

	rec, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"deliver_report: Founder: not delivered on any channel"}, rec.Errors)
	assert.Equal(t, 1, rec.Counts[model.CountMessagesDelivered])
}

func TestWeekly_CancelledWritesNoRecord(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := newFakeLLM().on(llm.TaskWeeklyReport, func(string) (string, error) {
		cancel()
		return "report", nil
	})
	dl := &fakeDeliverer{}
	w, led := newTestWeekly(t, weekFixture(), inv, dl, nil)

	rec, err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, rec)
	assert.Empty(t, dl.sent)
	led.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestRepLight(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "RED", repLight(RepWeek{OpenLeads: 3, Activities: 0}))
	assert.Equal(t, "RED", repLight(RepWeek{OpenLeads: 3, StaleLeads: 2, Activities: 5, Won: 1}))
	assert.Equal(t, "GREEN", repLight(RepWeek{OpenLeads: 3, StaleLeads: 1, Activities: 5, Won: 1}))
	assert.Equal(t, "YELLOW", repLight(RepWeek{OpenLeads: 3, Activities: 5}))
	assert.Equal(t, "YELLOW", repLight(RepWeek{}))
}
