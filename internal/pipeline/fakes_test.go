package pipeline

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/delivery"
	"github.com/onsite-teams/salesintel/internal/llm"
	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/internal/store"
	"github.com/onsite-teams/salesintel/pkg/perplexity"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)

func daysAgo(n int) *time.Time {
	t := testNow.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

// --- LLM Fake ---

type llmCall struct {
	Task   llm.Task
	Prompt string
}

// fakeLLM answers by task. A handler returning an error fails the call.
type fakeLLM struct {
	mu       sync.Mutex
	calls    []llmCall
	handlers map[llm.Task]func(prompt string) (string, error)
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{handlers: map[llm.Task]func(string) (string, error){}}
}

func (f *fakeLLM) on(task llm.Task, fn func(prompt string) (string, error)) *fakeLLM {
	f.handlers[task] = fn
	return f
}

func (f *fakeLLM) reply(task llm.Task, text string) *fakeLLM {
	return f.on(task, func(string) (string, error) { return text, nil })
}

func (f *fakeLLM) fail(task llm.Task, err error) *fakeLLM {
	return f.on(task, func(string) (string, error) { return "", err })
}

func (f *fakeLLM) Invoke(_ context.Context, task llm.Task, messages []llm.Message, _ ...llm.CallOption) (llm.Result, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{Task: task, Prompt: prompt})
	fn := f.handlers[task]
	f.mu.Unlock()

	if fn == nil {
		return llm.Result{}, llm.ErrNoProviderConfigured
	}
	text, err := fn(prompt)
	if err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Text: text, Model: "test-model"}, nil
}

func (f *fakeLLM) callsFor(task llm.Task) []llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llmCall
	for _, c := range f.calls {
		if c.Task == task {
			out = append(out, c)
		}
	}
	return out
}

// --- Store Fake ---

type memStore struct {
	mu sync.Mutex

	leads      []model.Lead
	notes      []model.Note
	activities []model.Activity
	reps       []model.Rep

	leadsErr  error
	scoreErr  map[string]error
	assignErr map[string]error

	scoreUpdates []model.Lead
	briefs       []model.DailyBrief
	anomalies    []model.Anomaly
	research     []model.LeadResearch
	researched   map[string]time.Time
}

func (m *memStore) ListOpenLeads(context.Context) ([]model.Lead, error) {
	if m.leadsErr != nil {
		return nil, m.leadsErr
	}
	var out []model.Lead
	for _, l := range m.leads {
		if slices.Contains(model.OpenLeadStatuses, l.Status) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) ListNotesByLeads(_ context.Context, ids []string) ([]model.Note, error) {
	var out []model.Note
	for _, n := range m.notes {
		if slices.Contains(ids, n.LeadID) {
			out = append(out, n)
		}
	}
	slices.SortStableFunc(out, func(a, b model.Note) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *memStore) ListActivitiesByLeads(_ context.Context, ids []string) ([]model.Activity, error) {
	var out []model.Activity
	for _, a := range m.activities {
		if slices.Contains(ids, a.LeadID) {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b model.Activity) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *memStore) ListActivitiesSince(_ context.Context, since time.Time) ([]model.Activity, error) {
	var out []model.Activity
	for _, a := range m.activities {
		if !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListRepsByRole(_ context.Context, roles ...string) ([]model.Rep, error) {
	var out []model.Rep
	for _, r := range m.reps {
		if slices.Contains(roles, r.Role) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) UpdateLeadScore(_ context.Context, l model.Lead, _ time.Time) error {
	if err := m.scoreErr[l.ID]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoreUpdates = append(m.scoreUpdates, l)
	return nil
}

func (m *memStore) InsertDailyBrief(_ context.Context, b model.DailyBrief) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.briefs = append(m.briefs, b)
	return nil
}

func (m *memStore) InsertAnomaly(_ context.Context, a model.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, a)
	return nil
}

func (m *memStore) GetLead(_ context.Context, id string) (*model.Lead, error) {
	for _, l := range m.leads {
		if l.ID == id {
			lead := l
			return &lead, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ListWonLeads(_ context.Context, industry string) ([]model.Lead, error) {
	var out []model.Lead
	for _, l := range m.leads {
		if l.Status == model.LeadStatusWon && (industry == "" || l.Industry == industry) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) UpsertLeadResearch(_ context.Context, r model.LeadResearch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.research = append(m.research, r)
	return nil
}

func (m *memStore) MarkLeadResearched(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.researched == nil {
		m.researched = map[string]time.Time{}
	}
	m.researched[id] = at
	return nil
}

func (m *memStore) ListClosedLeadsSince(_ context.Context, since time.Time) ([]model.Lead, error) {
	var out []model.Lead
	for _, l := range m.leads {
		closed := l.Status == model.LeadStatusWon || l.Status == model.LeadStatusLost
		if closed && l.ClosedAt != nil && !l.ClosedAt.Before(since) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memStore) AssignLead(_ context.Context, leadID, repID string) error {
	if err := m.assignErr[leadID]; err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.leads {
		if l.ID == leadID && l.AssignedRepID == "" {
			m.leads[i].AssignedRepID = repID
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) UpsertActivities(_ context.Context, acts []model.Activity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, acts...)
	return int64(len(acts)), nil
}

func (m *memStore) assignedTo(leadID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.leads {
		if l.ID == leadID {
			return l.AssignedRepID
		}
	}
	return ""
}

// --- Ledger Mock ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Record(ctx context.Context, rec model.RunRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockLedger) Latest(ctx context.Context, t model.PipelineType) (*model.RunRecord, error) {
	args := m.Called(ctx, t)
	rec, _ := args.Get(0).(*model.RunRecord)
	return rec, args.Error(1)
}

// --- Deliverer Fake ---

type sentMessage struct {
	RepID   string
	Subject string
	Text    string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []sentMessage
	out  func(rep model.Rep) delivery.Outcome
}

func (f *fakeDeliverer) DeliverMessage(_ context.Context, rep model.Rep, subject, text string) delivery.Outcome {
	f.mu.Lock()
	f.sent = append(f.sent, sentMessage{RepID: rep.ID, Subject: subject, Text: text})
	f.mu.Unlock()
	if f.out != nil {
		return f.out(rep)
	}
	return delivery.Outcome{Delivered: true}
}

func (f *fakeDeliverer) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.Subject)
	}
	return out
}

// --- Web Research Fake ---

type fakeWeb struct {
	text string
	err  error
}

func (f fakeWeb) Research(context.Context, string, string) (*perplexity.ResearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &perplexity.ResearchResult{Model: "sonar-pro", Text: f.text}, nil
}

func hasPrefix(list []string, prefix string) bool {
	for _, s := range list {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
