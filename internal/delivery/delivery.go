// Package delivery fans alerts and messages out to a recipient's enabled
// channels and records every channel evaluation in the delivery log.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/onsite-teams/salesintel/internal/channel"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
)

// AttemptLog persists delivery attempts.
type AttemptLog interface {
	InsertDeliveryAttempt(ctx context.Context, a model.DeliveryAttempt) error
}

// Recipients resolves recipient ids to reps.
type Recipients interface {
	ListRepsByIDs(ctx context.Context, ids []string) ([]model.Rep, error)
}

// Outcome is the per-channel result of delivering one message to one
// recipient.
type Outcome struct {
	Results   map[string]channel.Result `json:"results"`
	Delivered bool                      `json:"delivered"`
}

// Service delivers to the registered channels in fixed order.
type Service struct {
	senders    map[string]channel.Sender
	log        AttemptLog
	recipients Recipients
	maxItems   int
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBatchMaxItems sets how many alerts a batched summary lists.
func WithBatchMaxItems(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// WithClock overrides the attempt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a delivery service over the given channel senders. Senders are
// keyed by Name; unknown names are ignored.
func New(log AttemptLog, recipients Recipients, senders []channel.Sender, opts ...Option) *Service {
	s := &Service{
		senders:    make(map[string]channel.Sender, len(senders)),
		log:        log,
		recipients: recipients,
		maxItems:   10,
		now:        time.Now,
	}
	for _, snd := range senders {
		s.senders[snd.Name()] = snd
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// target returns whether the rep enabled the channel, the destination
// address, and the skip reason used when the address is missing.
func target(r model.Rep, ch string) (bool, string, string) {
	switch ch {
	case model.ChannelTelegram:
		return r.NotifyTelegram, r.TelegramChatID, "no_chat_id"
	case model.ChannelDiscord:
		return r.NotifyDiscord, r.DiscordWebhookURL, "no_webhook_url"
	case model.ChannelWhatsApp:
		return r.NotifyWhatsApp, r.Phone, "no_phone"
	case model.ChannelEmail:
		return r.NotifyEmail, r.Email, "no_email"
	}
	return false, "", ""
}

// Deliver sends one alert to rep on every registered channel.
func (s *Service) Deliver(ctx context.Context, a model.Alert, rep model.Rep) Outcome {
	return s.send(ctx, a.ID, rep, messageFor(Subject(a), Format(a)))
}

// DeliverMessage sends a free-form message (briefs, summaries) to rep. The
// text is framed like an info alert titled with subject.
func (s *Service) DeliverMessage(ctx context.Context, rep model.Rep, subject, text string) Outcome {
	a := model.Alert{Title: subject, Message: text, Severity: model.SeverityInfo}
	return s.send(ctx, "", rep, messageFor(subject, Format(a)))
}

func messageFor(subject, text string) channel.Message {
	return channel.Message{Subject: subject, Text: text, HTML: EmailHTML(text)}
}

// send attempts every registered channel in order. Once ctx is cancelled no
// further channel is tried and nothing more is logged.
func (s *Service) send(ctx context.Context, alertID string, rep model.Rep, msg channel.Message) Outcome {
	out := Outcome{Results: make(map[string]channel.Result, len(model.ChannelOrder))}
	for _, ch := range model.ChannelOrder {
		snd, ok := s.senders[ch]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return out
		}

		enabled, dest, missing := target(rep, ch)
		var res channel.Result
		switch {
		case !enabled:
			res = channel.Skipped("disabled")
		case strings.TrimSpace(dest) == "":
			res = channel.Skipped(missing)
		default:
			res = snd.Send(ctx, dest, msg)
			if ctx.Err() != nil && !res.Sent() {
				return out
			}
		}

		out.Results[ch] = res
		if res.Sent() {
			out.Delivered = true
		}
		s.record(ctx, alertID, rep.ID, ch, res)
	}
	return out
}

func (s *Service) record(ctx context.Context, alertID, userID, ch string, res channel.Result) {
	metrics.DeliveryAttempts.WithLabelValues(ch, string(res.Status)).Inc()
	if s.log == nil {
		return
	}
	attempt := model.DeliveryAttempt{
		ID:        uuid.NewString(),
		AlertID:   alertID,
		UserID:    userID,
		Channel:   ch,
		Status:    res.Status,
		Reason:    res.Reason,
		Error:     res.Error,
		CreatedAt: s.now().UTC(),
	}
	if err := s.log.InsertDeliveryAttempt(ctx, attempt); err != nil {
		zap.L().Warn("delivery: log attempt failed",
			zap.String("channel", ch),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// failures lists "<Channel> failed for <who>: <err>" for failed channels.
func failures(out Outcome, who string) []string {
	title := cases.Title(language.English)
	var errs []string
	for _, ch := range model.ChannelOrder {
		res, ok := out.Results[ch]
		if !ok {
			continue
		}
		if res.Status == model.DeliveryFailed || res.Status == model.DeliveryError {
			errs = append(errs, fmt.Sprintf("%s failed for %s: %s", title.String(ch), who, res.Error))
		}
	}
	return errs
}
