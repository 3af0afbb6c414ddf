package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/channel"
	"github.com/onsite-teams/salesintel/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type sent struct {
	dest string
	msg  channel.Message
}

// fakeSender returns result for every send and records what it was asked.
type fakeSender struct {
	name   string
	maxLen int
	result channel.Result

	mu    sync.Mutex
	calls []sent
}

func (f *fakeSender) Name() string { return f.name }
func (f *fakeSender) MaxLen() int  { return f.maxLen }

func (f *fakeSender) Send(_ context.Context, dest string, msg channel.Message) channel.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sent{dest: dest, msg: msg})
	return f.result
}

func (f *fakeSender) Calls() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.calls...)
}

type memLog struct {
	mu       sync.Mutex
	attempts []model.DeliveryAttempt
	err      error
}

func (m *memLog) InsertDeliveryAttempt(_ context.Context, a model.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return m.err
}

type memRecipients map[string]model.Rep

func (m memRecipients) ListRepsByIDs(_ context.Context, ids []string) ([]model.Rep, error) {
	var out []model.Rep
	for _, id := range ids {
		if r, ok := m[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type senders struct {
	telegram, discord, whatsapp, email *fakeSender
}

func newSenders() senders {
	ok := channel.Result{Status: model.DeliverySent}
	return senders{
		telegram: &fakeSender{name: model.ChannelTelegram, maxLen: 4096, result: ok},
		discord:  &fakeSender{name: model.ChannelDiscord, maxLen: 2000, result: ok},
		whatsapp: &fakeSender{name: model.ChannelWhatsApp, maxLen: 4096, result: ok},
		email:    &fakeSender{name: model.ChannelEmail, maxLen: 100_000, result: ok},
	}
}

func (s senders) list() []channel.Sender {
	return []channel.Sender{s.telegram, s.discord, s.whatsapp, s.email}
}

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestDeliver_ChatIDMissingEmailSent(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	log := &memLog{}
	svc := New(log, nil, snd.list(), WithClock(func() time.Time { return fixedNow }))

	rep := model.Rep{
		ID:             "u1",
		Email:          "rep@example.com",
		NotifyTelegram: true,
		NotifyEmail:    true,
	}
	alert := model.Alert{ID: "a1", Type: "stale_30d", Severity: model.SeverityCritical, Title: "12 leads untouched", TargetUserID: "u1"}

	out := svc.Deliver(context.Background(), alert, rep)

	assert.True(t, out.Delivered)
	assert.Equal(t, channel.Skipped("no_chat_id"), out.Results[model.ChannelTelegram])
	assert.Equal(t, model.DeliverySent, out.Results[model.ChannelEmail].Status)
	assert.Equal(t, channel.Skipped("disabled"), out.Results[model.ChannelDiscord])
	assert.Equal(t, channel.Skipped("disabled"), out.Results[model.ChannelWhatsApp])
	assert.Empty(t, snd.telegram.Calls())

	emails := snd.email.Calls()
	require.Len(t, emails, 1)
	assert.Equal(t, "rep@example.com", emails[0].dest)
	assert.Equal(t, "[Onsite Alert] 12 leads untouched", emails[0].msg.Subject)
	assert.Contains(t, emails[0].msg.HTML, "<pre style='white-space: pre-wrap;'>")

	require.Len(t, log.attempts, 4)
	var channels []string
	for _, a := range log.attempts {
		channels = append(channels, a.Channel)
		assert.Equal(t, "a1", a.AlertID)
		assert.Equal(t, "u1", a.UserID)
		assert.Equal(t, fixedNow, a.CreatedAt)
		assert.NotEmpty(t, a.ID)
	}
	assert.Equal(t, model.ChannelOrder, channels)
}

func TestDeliver_NotDeliveredWhenNothingSent(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	snd.telegram.result = channel.Result{Status: model.DeliveryFailed, Error: "chat not found"}
	svc := New(&memLog{}, nil, snd.list())

	out := svc.Deliver(context.Background(), model.Alert{Title: "x"}, model.Rep{ID: "u", NotifyTelegram: true, TelegramChatID: "1"})
	assert.False(t, out.Delivered)
	assert.Equal(t, []string{"Telegram failed for u: chat not found"}, failures(out, "u"))
}

func TestDeliver_LogFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	log := &memLog{err: errors.New("db down")}
	svc := New(log, nil, snd.list())

	out := svc.Deliver(context.Background(), model.Alert{Title: "x"}, model.Rep{ID: "u", NotifyDiscord: true, DiscordWebhookURL: "https://discord.com/api/webhooks/1/a"})
	assert.True(t, out.Delivered)
	assert.Len(t, log.attempts, 4)
}

// cancellingSender simulates shutdown arriving while a send is in flight.
type cancellingSender struct {
	*fakeSender
	cancel context.CancelFunc
}

func (c cancellingSender) Send(ctx context.Context, dest string, msg channel.Message) channel.Result {
	c.fakeSender.Send(ctx, dest, msg)
	c.cancel()
	return channel.Result{Status: model.DeliveryError, Error: "context canceled"}
}

func TestDeliver_ShutdownStopsFanOutAndLogging(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := &memLog{}
	svc := New(log, nil, []channel.Sender{
		snd.telegram,
		cancellingSender{fakeSender: snd.discord, cancel: cancel},
		snd.whatsapp,
		snd.email,
	})

	rep := model.Rep{
		ID:             "u1",
		NotifyTelegram: true, TelegramChatID: "42",
		NotifyDiscord: true, DiscordWebhookURL: "https://discord.com/api/webhooks/1/a",
		NotifyEmail: true, Email: "rep@example.com",
	}
	out := svc.Deliver(ctx, model.Alert{ID: "a1", Title: "x"}, rep)

	assert.True(t, out.Delivered)
	assert.Len(t, snd.discord.Calls(), 1)
	assert.Empty(t, snd.email.Calls())
	require.Len(t, log.attempts, 1)
	assert.Equal(t, model.ChannelTelegram, log.attempts[0].Channel)
	assert.NotContains(t, out.Results, model.ChannelDiscord)
}

func TestDeliver_OnlyRegisteredChannels(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	log := &memLog{}
	svc := New(log, nil, []channel.Sender{snd.email})

	out := svc.Deliver(context.Background(), model.Alert{Title: "x"}, model.Rep{ID: "u", NotifyEmail: true, Email: "a@b.c"})
	assert.True(t, out.Delivered)
	assert.Len(t, out.Results, 1)
	assert.Len(t, log.attempts, 1)
}

func TestDeliverMessage_AlertlessAttempts(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	log := &memLog{}
	svc := New(log, nil, snd.list())

	out := svc.DeliverMessage(context.Background(), model.Rep{ID: "u", NotifyTelegram: true, TelegramChatID: "99"}, "Your Morning Brief", "Good morning")
	assert.True(t, out.Delivered)

	calls := snd.telegram.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].msg.Text, "ℹ️ [INFO] Your Morning Brief")
	assert.Contains(t, calls[0].msg.Text, "Good morning")
	for _, a := range log.attempts {
		assert.Empty(t, a.AlertID)
	}
}

func TestDeliverAll(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	snd.whatsapp.result = channel.Result{Status: model.DeliveryError, Error: "timeout"}
	reps := memRecipients{
		"u1": {ID: "u1", Email: "one@example.com", NotifyTelegram: true, TelegramChatID: "1", NotifyWhatsApp: true, Phone: "9876543210"},
		"u2": {ID: "u2", Email: "two@example.com"},
	}
	svc := New(&memLog{}, reps, snd.list())

	alerts := []model.Alert{
		{Title: "a", TargetUserID: "u1"},
		{Title: "b", TargetUserID: "u1"},
		{Title: "c", TargetUserID: "u2"},
		{Title: "d", TargetUserID: "ghost"},
	}
	rep := svc.DeliverAll(context.Background(), alerts)

	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, []string{"u1"}, rep.UsersReached)
	want := []string{
		"Whatsapp failed for one@example.com: timeout",
		"Whatsapp failed for one@example.com: timeout",
		"user ghost not found for alert",
	}
	if diff := cmp.Diff(want, rep.Errors); diff != "" {
		t.Errorf("errors mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverBatch_OneMessagePerRecipient(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	reps := memRecipients{
		"u1": {ID: "u1", NotifyTelegram: true, TelegramChatID: "1", NotifyDiscord: true, DiscordWebhookURL: "https://discord.com/api/webhooks/1/x"},
		"u2": {ID: "u2", NotifyEmail: true, Email: "two@example.com"},
	}
	log := &memLog{}
	svc := New(log, reps, snd.list())

	var alerts []model.Alert
	for i := 0; i < 12; i++ {
		alerts = append(alerts, model.Alert{Title: "alert " + string(rune('A'+i)), Severity: model.SeverityHigh, TargetUserID: "u1"})
	}
	alerts = append(alerts,
		model.Alert{Title: "solo", Severity: model.SeverityLow, TargetUserID: "u2"},
		model.Alert{Title: "lost", TargetUserID: "nobody"},
		model.Alert{Title: "untargeted"},
	)

	rep := svc.DeliverBatch(context.Background(), alerts)

	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, []string{"u1", "u2"}, rep.UsersReached)
	assert.Equal(t, []string{"user nobody not found for alert"}, rep.Errors)
	assert.Len(t, log.attempts, 8)

	tg := snd.telegram.Calls()
	require.Len(t, tg, 1)
	text := tg[0].msg.Text
	assert.Contains(t, text, "You have 12 new alert(s).")
	assert.Contains(t, text, "… and 2 more.")
	assert.Equal(t, "Smart Alerts Summary", tg[0].msg.Subject)
	assert.LessOrEqual(t, runeLen(text), 2000)

	em := snd.email.Calls()
	require.Len(t, em, 1)
	assert.Contains(t, em[0].msg.Text, "🔵 solo")
}

func TestDeliverBatch_BoundedByTightestChannel(t *testing.T) {
	t.Parallel()
	snd := newSenders()
	reps := memRecipients{
		"u1": {ID: "u1", NotifyDiscord: true, DiscordWebhookURL: "https://discord.com/api/webhooks/1/x"},
	}
	svc := New(&memLog{}, reps, snd.list(), WithBatchMaxItems(50))

	var alerts []model.Alert
	for i := 0; i < 40; i++ {
		alerts = append(alerts, model.Alert{Title: strings.Repeat("x", 150), Severity: model.SeverityMedium, TargetUserID: "u1"})
	}
	svc.DeliverBatch(context.Background(), alerts)

	calls := snd.discord.Calls()
	require.Len(t, calls, 1)
	assert.LessOrEqual(t, runeLen(calls[0].msg.Text), 2000)
	assert.Contains(t, calls[0].msg.Text, "more.")
}

func TestDeliverBatch_Empty(t *testing.T) {
	t.Parallel()
	svc := New(&memLog{}, memRecipients{}, newSenders().list())
	rep := svc.DeliverBatch(context.Background(), nil)
	assert.Zero(t, rep.Delivered)
	assert.Empty(t, rep.Errors)
}

func TestReport_Merge(t *testing.T) {
	t.Parallel()
	a := Report{Delivered: 2, UsersReached: []string{"u1", "u2"}, Errors: []string{"e1"}}
	b := Report{Delivered: 1, UsersReached: []string{"u2", "u3"}, Errors: []string{"e2"},
		Outcomes: map[string]Outcome{"u3": {Delivered: true}}}

	got := a.Merge(b)
	assert.Equal(t, 3, got.Delivered)
	assert.Equal(t, []string{"u1", "u2", "u3"}, got.UsersReached)
	assert.Equal(t, []string{"e1", "e2"}, got.Errors)
	assert.True(t, got.Outcomes["u3"].Delivered)
	assert.Equal(t, []string{"e1"}, a.Errors)

	empty := Report{}.Merge(Report{})
	assert.Equal(t, []string{}, empty.UsersReached)
	assert.Equal(t, []string{}, empty.Errors)
	assert.Nil(t, empty.Outcomes)
}
