package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/model"
)

// DiscordMaxLen is the webhook content limit.
const DiscordMaxLen = 2000

// DefaultWebhookPrefixes are the accepted Discord webhook URL prefixes.
var DefaultWebhookPrefixes = []string{
	"https://discord.com/api/webhooks/",
	"https://discordapp.com/api/webhooks/",
}

// Discord posts messages to per-recipient webhook URLs.
type Discord struct {
	httpSender
	prefixes []string
}

// NewDiscord creates the Discord webhook channel. prefixes restricts which
// URLs are accepted; nil means DefaultWebhookPrefixes.
func NewDiscord(prefixes []string, opts ...Option) *Discord {
	if prefixes == nil {
		prefixes = DefaultWebhookPrefixes
	}
	return &Discord{
		httpSender: newHTTPSender(model.ChannelDiscord, 10*time.Second, opts),
		prefixes:   prefixes,
	}
}

func (d *Discord) Name() string { return model.ChannelDiscord }
func (d *Discord) MaxLen() int  { return DiscordMaxLen }

func (d *Discord) validURL(u string) bool {
	for _, p := range d.prefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// Send posts text to webhookURL.
func (d *Discord) Send(ctx context.Context, webhookURL string, msg Message) Result {
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return Skipped("no_webhook_url")
	}
	if !d.validURL(webhookURL) {
		return Skipped("invalid_webhook_url")
	}
	content := clip(msg.Text, DiscordMaxLen)
	if content == "" {
		return Skipped("empty_message")
	}

	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return errored(err)
	}

	resp, err := d.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	log := zap.L().With(zap.String("component", "channel.discord"))
	if err != nil {
		// Webhook URLs embed their secret token.
		msg := strings.ReplaceAll(err.Error(), webhookURL, "<webhook>")
		log.Error("discord send error", zap.String("error", msg))
		return Result{Status: model.DeliveryError, Error: msg}
	}

	if resp.status == http.StatusOK || resp.status == http.StatusNoContent {
		log.Info("discord webhook sent")
		return Result{Status: model.DeliverySent}
	}

	body := clip(string(resp.body), 200)
	if body == "" {
		body = strconv.Itoa(resp.status)
	}
	log.Warn("discord webhook failed", zap.Int("status", resp.status), zap.String("body", body))
	return failed(body)
}
