package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/model"
)

// WhatsAppMaxLen caps session message text.
const WhatsAppMaxLen = 4096

// WhatsApp sends session messages through the Gupshup WhatsApp API.
type WhatsApp struct {
	httpSender
	apiKey  string
	source  string
	appName string
	baseURL string
}

// NewWhatsApp creates the Gupshup channel.
func NewWhatsApp(cfg config.GupshupConfig, opts ...Option) *WhatsApp {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.gupshup.io/wa/api/v1/msg"
	}
	return &WhatsApp{
		httpSender: newHTTPSender(model.ChannelWhatsApp, 30*time.Second, opts),
		apiKey:     cfg.APIKey,
		source:     cfg.SourceNumber,
		appName:    cfg.AppName,
		baseURL:    base,
	}
}

func (w *WhatsApp) Name() string { return model.ChannelWhatsApp }
func (w *WhatsApp) MaxLen() int  { return WhatsAppMaxLen }

// CleanPhone strips '+', spaces and dashes. Bare 10-digit numbers get the
// India country code.
func CleanPhone(phone string) string {
	p := strings.NewReplacer("+", "", " ", "", "-", "").Replace(strings.TrimSpace(phone))
	if len(p) == 10 && !strings.HasPrefix(p, "91") {
		p = "91" + p
	}
	return p
}

type gupshupResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

// Send delivers text to phone.
func (w *WhatsApp) Send(ctx context.Context, phone string, msg Message) Result {
	if w.apiKey == "" {
		return Skipped("no_api_key")
	}
	phone = CleanPhone(phone)
	if phone == "" {
		return Skipped("no_phone")
	}
	text := clip(msg.Text, WhatsAppMaxLen)
	if text == "" {
		return Skipped("empty_message")
	}

	payload, err := json.Marshal(map[string]string{"type": "text", "text": text})
	if err != nil {
		return errored(err)
	}
	form := url.Values{
		"channel":     {"whatsapp"},
		"source":      {w.source},
		"destination": {phone},
		"message":     {string(payload)},
		"src.name":    {w.appName},
	}.Encode()

	resp, err := w.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", w.apiKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	log := zap.L().With(zap.String("component", "channel.whatsapp"), zap.String("phone", mask(phone, 4)))
	if err != nil {
		log.Error("whatsapp send error", zap.Error(err))
		return errored(err)
	}

	var data gupshupResponse
	_ = json.Unmarshal(resp.body, &data)
	if resp.status == http.StatusOK && data.Status == "submitted" {
		log.Info("whatsapp sent")
		return Result{Status: model.DeliverySent, MessageID: data.MessageID}
	}

	body := strings.TrimSpace(string(resp.body))
	if body == "" {
		body = fmt.Sprintf("status %d", resp.status)
	}
	log.Warn("whatsapp api error", zap.Int("status", resp.status), zap.String("body", clip(body, 200)))
	return failed(body)
}
