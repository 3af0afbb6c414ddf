// Package channel implements the outbound notification channels: Telegram,
// Discord webhooks, WhatsApp via Gupshup and email via Resend.
package channel

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/onsite-teams/salesintel/internal/model"
	"github.com/onsite-teams/salesintel/internal/resilience"
)

// Message is the payload handed to a Sender.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// Result is the normalized outcome of one send.
type Result struct {
	Status    model.DeliveryStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	Error     string               `json:"error,omitempty"`
	MessageID string               `json:"message_id,omitempty"`
}

// Sent reports whether the message was accepted by the channel.
func (r Result) Sent() bool { return r.Status == model.DeliverySent }

// Skipped returns a skipped result with reason.
func Skipped(reason string) Result {
	return Result{Status: model.DeliverySkipped, Reason: reason}
}

func failed(msg string) Result {
	return Result{Status: model.DeliveryFailed, Error: msg}
}

func errored(err error) Result {
	return Result{Status: model.DeliveryError, Error: err.Error()}
}

// Sender delivers a message to one destination on one channel.
type Sender interface {
	// Name is the channel name used in the delivery log.
	Name() string
	// MaxLen is the channel's text limit in characters.
	MaxLen() int
	Send(ctx context.Context, destination string, msg Message) Result
}

// Option configures a channel's HTTP behavior.
type Option func(*httpSender)

// WithHTTPClient overrides the HTTP client (and with it the per-call timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(s *httpSender) { s.http = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *httpSender) {
		if d > 0 {
			s.http = &http.Client{Timeout: d}
		}
	}
}

// WithRateLimit caps sends per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(s *httpSender) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			s.limiter = nil
		}
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *httpSender) { s.retry = cfg }
}

// httpSender holds the transport shared by all channels.
type httpSender struct {
	name    string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

func newHTTPSender(name string, timeout time.Duration, opts []Option) httpSender {
	s := httpSender{
		name:  name,
		http:  &http.Client{Timeout: timeout},
		retry: resilience.ChannelRetryConfig(2),
	}
	s.retry.OnRetry = resilience.RetryLogger(name, "send")
	for _, o := range opts {
		o(&s)
	}
	return s
}

type response struct {
	status int
	body   []byte
}

// do sends the request built by build, retrying transient failures. When
// retries run out on an HTTP status, the last response is returned so the
// caller can classify it.
func (s *httpSender) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*response, error) {
	var last *response
	resp, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) (*response, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrapf(err, "%s: rate limit wait", s.name)
			}
		}
		req, err := build(ctx)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: create request", s.name)
		}
		r, err := s.http.Do(req)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: send request", s.name)
		}
		defer r.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, eris.Wrapf(err, "%s: read response", s.name)
		}
		out := &response{status: r.StatusCode, body: body}
		if resilience.IsTransientHTTPStatus(r.StatusCode) {
			last = out
			return nil, resilience.HTTPError(s.name, r.StatusCode, string(body))
		}
		return out, nil
	})
	if err != nil {
		if last != nil && resilience.StatusCode(err) != 0 {
			return last, nil
		}
		return nil, err
	}
	return resp, nil
}

// clip trims whitespace and limits text to n runes.
func clip(text string, n int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) > n {
		return string(r[:n])
	}
	return text
}

// mask hides all but the first keep characters of an identifier for logs.
func mask(id string, keep int) string {
	if len(id) <= keep {
		return id + "***"
	}
	return id[:keep] + "***"
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
