package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/model"
)

// EmailMaxLen bounds the plain-text body.
const EmailMaxLen = 100_000

// Email sends transactional mail through the Resend API.
type Email struct {
	httpSender
	apiKey  string
	from    string
	baseURL string
}

// NewEmail creates the Resend channel.
func NewEmail(cfg config.ResendConfig, opts ...Option) *Email {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.resend.com"
	}
	return &Email{
		httpSender: newHTTPSender(model.ChannelEmail, 15*time.Second, opts),
		apiKey:     cfg.APIKey,
		from:       cfg.FromEmail,
		baseURL:    strings.TrimRight(base, "/"),
	}
}

func (e *Email) Name() string { return model.ChannelEmail }
func (e *Email) MaxLen() int  { return EmailMaxLen }

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send mails msg to address. HTML wins over Text when both are set.
func (e *Email) Send(ctx context.Context, address string, msg Message) Result {
	if e.apiKey == "" {
		return Skipped("no_api_key")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return Skipped("no_email")
	}

	body := resendRequest{From: e.from, To: []string{address}, Subject: msg.Subject}
	if msg.HTML != "" {
		body.HTML = msg.HTML
	} else {
		body.Text = clip(msg.Text, EmailMaxLen)
	}
	if body.HTML == "" && body.Text == "" {
		return Skipped("empty_message")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errored(err)
	}

	resp, err := e.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/emails", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	log := zap.L().With(zap.String("component", "channel.email"))
	if err != nil {
		log.Error("email send error", zap.Error(err))
		return errored(err)
	}

	var data resendResponse
	_ = json.Unmarshal(resp.body, &data)
	if resp.status >= 200 && resp.status < 300 {
		log.Info("email sent", zap.String("email_id", data.ID))
		return Result{Status: model.DeliverySent, MessageID: data.ID}
	}

	reason := data.Message
	if reason == "" {
		reason = clip(string(resp.body), 200)
	}
	if reason == "" {
		reason = fmt.Sprintf("status %d", resp.status)
	}
	log.Warn("email api error", zap.Int("status", resp.status), zap.String("reason", reason))
	return failed(reason)
}
