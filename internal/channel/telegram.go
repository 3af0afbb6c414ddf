package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/model"
)

// TelegramMaxLen is the Bot API text limit.
const TelegramMaxLen = 4096

// Telegram sends messages through the Telegram Bot API.
type Telegram struct {
	httpSender
	token   string
	baseURL string
}

// NewTelegram creates the Telegram channel.
func NewTelegram(cfg config.TelegramConfig, opts ...Option) *Telegram {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Telegram{
		httpSender: newHTTPSender(model.ChannelTelegram, 15*time.Second, opts),
		token:      cfg.BotToken,
		baseURL:    strings.TrimRight(base, "/"),
	}
}

func (t *Telegram) Name() string { return model.ChannelTelegram }
func (t *Telegram) MaxLen() int  { return TelegramMaxLen }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts text to chatID.
func (t *Telegram) Send(ctx context.Context, chatID string, msg Message) Result {
	if t.token == "" {
		return Skipped("no_bot_token")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return Skipped("no_chat_id")
	}
	text := clip(msg.Text, TelegramMaxLen)
	if text == "" {
		return Skipped("empty_message")
	}

	payload, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return errored(err)
	}

	url := t.baseURL + "/bot" + t.token + "/sendMessage"
	resp, err := t.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	log := zap.L().With(zap.String("component", "channel.telegram"), zap.String("chat_id", mask(chatID, 8)))
	if err != nil {
		// The request URL carries the bot token.
		msg := strings.ReplaceAll(err.Error(), t.token, "***")
		log.Error("telegram send error", zap.String("error", msg))
		return Result{Status: model.DeliveryError, Error: msg}
	}

	var data telegramResponse
	_ = json.Unmarshal(resp.body, &data)
	if resp.status == http.StatusOK && data.OK {
		log.Info("telegram sent")
		return Result{Status: model.DeliverySent, MessageID: formatID(data.Result.MessageID)}
	}

	desc := data.Description
	if desc == "" {
		desc = string(resp.body)
	}
	log.Warn("telegram api error", zap.Int("status", resp.status), zap.String("description", desc))
	return failed(desc)
}
