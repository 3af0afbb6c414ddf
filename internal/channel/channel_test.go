package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func fastRetry() Option {
	return WithRetry(resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	})
}

func TestTelegram_Sent(t *testing.T) {
	t.Parallel()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "TOKEN", BaseURL: srv.URL})
	res := tg.Send(context.Background(), "123456789", Message{Text: "  hello  "})

	assert.Equal(t, model.DeliverySent, res.Status)
	assert.Equal(t, "42", res.MessageID)
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, "123456789", got["chat_id"])
	assert.Equal(t, true, got["disable_web_page_preview"])
}

func TestTelegram_Skips(t *testing.T) {
	t.Parallel()
	tg := NewTelegram(config.TelegramConfig{BotToken: "TOKEN", BaseURL: "http://unused"})
	assert.Equal(t, Skipped("no_chat_id"), tg.Send(context.Background(), " ", Message{Text: "x"}))
	assert.Equal(t, Skipped("empty_message"), tg.Send(context.Background(), "1", Message{Text: "   "}))

	noToken := NewTelegram(config.TelegramConfig{})
	assert.Equal(t, Skipped("no_bot_token"), noToken.Send(context.Background(), "1", Message{Text: "x"}))
}

func TestTelegram_TruncatesTo4096(t *testing.T) {
	t.Parallel()
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		text = body.Text
		w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "T", BaseURL: srv.URL})
	res := tg.Send(context.Background(), "1", Message{Text: strings.Repeat("é", 5000)})
	require.True(t, res.Sent())
	assert.Equal(t, TelegramMaxLen, len([]rune(text)))
}

func TestTelegram_APIErrorIsFailed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "T", BaseURL: srv.URL})
	res := tg.Send(context.Background(), "1", Message{Text: "hi"})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Equal(t, "Bad Request: chat not found", res.Error)
}

func TestTelegram_TransportErrorHidesToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "SECRET", BaseURL: srv.URL}, WithRetry(resilience.RetryConfig{MaxAttempts: 1}))
	res := tg.Send(context.Background(), "1", Message{Text: "hi"})
	assert.Equal(t, model.DeliveryError, res.Status)
	assert.NotContains(t, res.Error, "SECRET")
}

func TestTelegram_RetriesTransientStatus(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"ok":false,"description":"Too Many Requests"}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":7}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "T", BaseURL: srv.URL}, fastRetry())
	res := tg.Send(context.Background(), "1", Message{Text: "hi"})
	assert.True(t, res.Sent())
	assert.Equal(t, int32(2), calls.Load())
}

func TestTelegram_ExhaustedRetriesReportFailed(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"ok":false,"description":"unavailable"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tg := NewTelegram(config.TelegramConfig{BotToken: "T", BaseURL: srv.URL}, fastRetry())
	res := tg.Send(context.Background(), "1", Message{Text: "hi"})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Equal(t, "unavailable", res.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDiscord(t *testing.T) {
	t.Parallel()
	var content string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		content = body["content"]
		if strings.HasSuffix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message": "Unknown Webhook"}`)) //nolint:errcheck
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord([]string{srv.URL + "/api/webhooks/"})
	ctx := context.Background()

	res := d.Send(ctx, srv.URL+"/api/webhooks/1/good", Message{Text: strings.Repeat("a", 2500)})
	assert.True(t, res.Sent())
	assert.Len(t, content, DiscordMaxLen)

	res = d.Send(ctx, srv.URL+"/api/webhooks/1/bad", Message{Text: "x"})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Contains(t, res.Error, "Unknown Webhook")

	assert.Equal(t, Skipped("no_webhook_url"), d.Send(ctx, "", Message{Text: "x"}))
	assert.Equal(t, Skipped("invalid_webhook_url"), d.Send(ctx, "https://example.com/hook", Message{Text: "x"}))
	assert.Equal(t, Skipped("empty_message"), d.Send(ctx, srv.URL+"/api/webhooks/1/good", Message{Text: " "}))
}

func TestDiscord_DefaultPrefixes(t *testing.T) {
	t.Parallel()
	d := NewDiscord(nil)
	assert.True(t, d.validURL("https://discord.com/api/webhooks/1/abc"))
	assert.True(t, d.validURL("https://discordapp.com/api/webhooks/1/abc"))
	assert.False(t, d.validURL("http://discord.com/api/webhooks/1/abc"))
}

func TestCleanPhone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"+91 98765-43210", "919876543210"},
		{"9876543210", "919876543210"},
		{"9112345678", "9112345678"},
		{"+1 415 555 0100", "14155550100"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CleanPhone(tt.in), tt.in)
	}
}

func TestWhatsApp(t *testing.T) {
	t.Parallel()
	var form url.Values
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		apiKey = r.Header.Get("apikey")
		if form.Get("destination") == "910000000000" {
			w.Write([]byte(`{"status":"error","message":"Invalid Destination"}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"status":"submitted","messageId":"gs-1"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	wa := NewWhatsApp(config.GupshupConfig{APIKey: "KEY", SourceNumber: "917000000000", AppName: "Onsite", BaseURL: srv.URL})
	ctx := context.Background()

	res := wa.Send(ctx, "98765 43210", Message{Text: `say "hi"`})
	require.True(t, res.Sent())
	assert.Equal(t, "gs-1", res.MessageID)
	assert.Equal(t, "KEY", apiKey)
	assert.Equal(t, "whatsapp", form.Get("channel"))
	assert.Equal(t, "917000000000", form.Get("source"))
	assert.Equal(t, "919876543210", form.Get("destination"))
	assert.Equal(t, "Onsite", form.Get("src.name"))
	var msg map[string]string
	require.NoError(t, json.Unmarshal([]byte(form.Get("message")), &msg))
	assert.Equal(t, map[string]string{"type": "text", "text": `say "hi"`}, msg)

	res = wa.Send(ctx, "910000000000", Message{Text: "x"})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Contains(t, res.Error, "Invalid Destination")

	assert.Equal(t, Skipped("no_phone"), wa.Send(ctx, "", Message{Text: "x"}))
	noKey := NewWhatsApp(config.GupshupConfig{})
	assert.Equal(t, Skipped("no_api_key"), noKey.Send(ctx, "9876543210", Message{Text: "x"}))
}

func TestEmail(t *testing.T) {
	t.Parallel()
	var got resendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &got))
		if got.To[0] == "bounce@example.com" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"invalid recipient"}`)) //nolint:errcheck
			return
		}
		w.Write([]byte(`{"id":"em_1"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	e := NewEmail(config.ResendConfig{APIKey: "re_key", FromEmail: "alerts@onsiteteams.com", BaseURL: srv.URL})
	ctx := context.Background()

	res := e.Send(ctx, "rep@example.com", Message{Subject: "[Onsite Alert] x", Text: "plain", HTML: "<p>x</p>"})
	require.True(t, res.Sent())
	assert.Equal(t, "em_1", res.MessageID)
	assert.Equal(t, "Bearer re_key", auth)
	assert.Equal(t, "<p>x</p>", got.HTML)
	assert.Empty(t, got.Text)
	assert.Equal(t, []string{"rep@example.com"}, got.To)

	res = e.Send(ctx, "bounce@example.com", Message{Subject: "s", Text: "plain"})
	assert.Equal(t, model.DeliveryFailed, res.Status)
	assert.Equal(t, "invalid recipient", res.Error)

	assert.Equal(t, Skipped("no_email"), e.Send(ctx, "", Message{Text: "x"}))
	assert.Equal(t, Skipped("empty_message"), e.Send(ctx, "a@b.c", Message{}))
	noKey := NewEmail(config.ResendConfig{})
	assert.Equal(t, Skipped("no_api_key"), noKey.Send(ctx, "a@b.c", Message{Text: "x"}))
}

func TestRateLimitBlocksUntilContextDone(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscord([]string{srv.URL}, WithRateLimit(0.001), WithRetry(resilience.RetryConfig{MaxAttempts: 1}))
	require.True(t, d.Send(context.Background(), srv.URL+"/a", Message{Text: "1"}).Sent())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := d.Send(ctx, srv.URL+"/b", Message{Text: "2"})
	assert.Equal(t, model.DeliveryError, res.Status)
}

func TestMask(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "12345678***", mask("1234567890", 8))
	assert.Equal(t, "9198***", mask("919876543210", 4))
	assert.Equal(t, "12***", mask("12", 4))
}
