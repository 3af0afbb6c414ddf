package llm

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/onsite-teams/salesintel/internal/cost"
	"github.com/onsite-teams/salesintel/internal/metrics"
	"github.com/onsite-teams/salesintel/internal/model"
)

const maxErrorMessage = 500

// Models holds the tier identifiers.
type Models struct {
	Primary  string
	Fast     string
	Fallback string
}

// For returns the model serving task.
func (m Models) For(task Task) string {
	if task.Cheap() {
		return m.Fast
	}
	return m.Primary
}

type backend struct {
	provider Provider
	cred     CredentialSource
}

// Client is the text-generation entry point used by pipelines.
type Client struct {
	models    Models
	overrides map[string]string
	backends  map[string]backend
	calc      *cost.Calculator
	recorder  UsageRecorder
	timeout   time.Duration
	maxTokens int64
	now       func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithProvider registers a back-end under a provider name. A nil cred means
// the provider needs no credential.
func WithProvider(name string, p Provider, cred CredentialSource) Option {
	return func(c *Client) { c.backends[name] = backend{provider: p, cred: cred} }
}

// WithRecorder sets where usage records go.
func WithRecorder(r UsageRecorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithCalculator overrides the price table.
func WithCalculator(calc *cost.Calculator) Option {
	return func(c *Client) { c.calc = calc }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxTokens sets the default output budget.
func WithMaxTokens(n int64) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithModelProviders adds explicit model → provider mappings.
func WithModelProviders(m map[string]string) Option {
	return func(c *Client) {
		for k, v := range m {
			c.overrides[k] = v
		}
	}
}

// WithClock injects the time source used for records and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient builds a Client for the given tiers.
func NewClient(models Models, opts ...Option) *Client {
	c := &Client{
		models:    models,
		overrides: map[string]string{},
		backends:  map[string]backend{},
		calc:      cost.NewCalculator(cost.DefaultRates()),
		timeout:   60 * time.Second,
		maxTokens: 4096,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ProviderFor resolves the provider name serving a model id.
func (c *Client) ProviderFor(modelID string) string {
	if p, ok := c.overrides[modelID]; ok {
		return p
	}
	return ProviderFor(modelID)
}

// ProviderFor maps well-known model id prefixes to providers.
func ProviderFor(modelID string) string {
	id := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(id, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(id, "gpt"), strings.HasPrefix(id, "chatgpt"),
		len(id) > 1 && id[0] == 'o' && id[1] >= '0' && id[1] <= '9':
		return ProviderOpenAI
	default:
		return ""
	}
}

// callOptions holds per-invocation settings.
type callOptions struct {
	system      string
	leadID      string
	triggeredBy string
	maxTokens   int64
}

// CallOption configures a single Invoke.
type CallOption func(*callOptions)

// WithSystem sets the system prompt.
func WithSystem(s string) CallOption {
	return func(o *callOptions) { o.system = s }
}

// ForLead attributes the call to a lead in the usage log.
func ForLead(id string) CallOption {
	return func(o *callOptions) { o.leadID = id }
}

// TriggeredBy attributes the call to a user or job in the usage log.
func TriggeredBy(who string) CallOption {
	return func(o *callOptions) { o.triggeredBy = who }
}

// MaxTokens overrides the output budget for one call.
func MaxTokens(n int64) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

// Invoke runs task against its tier model, retrying once on the fallback
// model when that is served by a different provider.
func (c *Client) Invoke(ctx context.Context, task Task, messages []Message, opts ...CallOption) (Result, error) {
	co := callOptions{maxTokens: c.maxTokens}
	for _, o := range opts {
		o(&co)
	}

	primary := c.models.For(task)
	primaryProvider := c.ProviderFor(primary)
	fallback := c.models.Fallback
	fallbackProvider := c.ProviderFor(fallback)

	canFallback := fallback != "" && fallbackProvider != primaryProvider && c.configured(fallbackProvider)

	if !c.configured(primaryProvider) {
		if !canFallback {
			return Result{}, eris.Wrapf(ErrNoProviderConfigured, "model %s (provider %q)", primary, primaryProvider)
		}
		zap.L().Warn("llm: primary provider not configured, using fallback",
			zap.String("task", string(task)),
			zap.String("model", primary),
			zap.String("fallback", fallback),
		)
		metrics.LLMFallbacks.WithLabelValues(string(task)).Inc()
		res, err := c.attempt(ctx, task, fallback, fallbackProvider, messages, co)
		if err != nil {
			return Result{}, &GenerationError{Task: task, PrimaryModel: primary, PrimaryErr: ErrNoProviderConfigured, FallbackModel: fallback, FallbackErr: err}
		}
		res.Fallback = true
		return res, nil
	}

	res, err := c.attempt(ctx, task, primary, primaryProvider, messages, co)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil || !canFallback {
		return Result{}, &GenerationError{Task: task, PrimaryModel: primary, PrimaryErr: err}
	}

	zap.L().Warn("llm: primary model failed, falling back",
		zap.String("task", string(task)),
		zap.String("model", primary),
		zap.String("fallback", fallback),
		zap.Error(err),
	)
	metrics.LLMFallbacks.WithLabelValues(string(task)).Inc()

	res, ferr := c.attempt(ctx, task, fallback, fallbackProvider, messages, co)
	if ferr != nil {
		return Result{}, &GenerationError{Task: task, PrimaryModel: primary, PrimaryErr: err, FallbackModel: fallback, FallbackErr: ferr}
	}
	res.Fallback = true
	return res, nil
}

func (c *Client) configured(provider string) bool {
	_, ok := c.backends[provider]
	return ok
}

func (c *Client) attempt(ctx context.Context, task Task, modelID, providerName string, messages []Message, co callOptions) (Result, error) {
	b := c.backends[providerName]
	start := c.now()

	gen, err := c.generate(ctx, b, Request{
		Model:     modelID,
		System:    co.system,
		Messages:  messages,
		MaxTokens: co.maxTokens,
	})

	duration := c.now().Sub(start)
	rec := model.ModelCallRecord{
		ID:           uuid.NewString(),
		TaskType:     string(task),
		Model:        modelID,
		Provider:     providerName,
		InputTokens:  gen.InputTokens,
		OutputTokens: gen.OutputTokens,
		DurationMs:   duration.Milliseconds(),
		Success:      err == nil,
		LeadID:       co.leadID,
		TriggeredBy:  co.triggeredBy,
		CreatedAt:    c.now().UTC(),
	}
	if err == nil {
		rec.CostUSD = c.calc.Call(modelID, gen.InputTokens, gen.OutputTokens)
	} else {
		rec.ErrorMessage = truncate(err.Error(), maxErrorMessage)
	}
	c.record(ctx, rec)

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMCalls.WithLabelValues(string(task), modelID, providerName, status).Inc()
	metrics.LLMLatency.WithLabelValues(modelID).Observe(duration.Seconds())
	metrics.LLMCostUSD.WithLabelValues(modelID).Add(rec.CostUSD)

	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:         gen.Text,
		Model:        modelID,
		Provider:     providerName,
		InputTokens:  gen.InputTokens,
		OutputTokens: gen.OutputTokens,
		CostUSD:      rec.CostUSD,
	}, nil
}

func (c *Client) generate(ctx context.Context, b backend, req Request) (gen Generation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("llm: provider panic: %v", r)
		}
	}()

	if b.cred != nil {
		cred, err := b.cred.Token(ctx)
		if err != nil {
			return Generation{}, eris.Wrap(err, "llm: resolve credential")
		}
		req.Credential = cred
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	gen, err = b.provider.Generate(callCtx, req)
	if err != nil {
		return gen, err
	}
	if strings.TrimSpace(gen.Text) == "" {
		return gen, errEmptyResponse
	}
	return gen, nil
}

// record stores rec. Failures are logged and never reach the caller.
func (c *Client) record(ctx context.Context, rec model.ModelCallRecord) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.InsertModelCall(context.WithoutCancel(ctx), rec); err != nil {
		zap.L().Warn("llm: failed to record model call",
			zap.String("task", rec.TaskType),
			zap.String("model", rec.Model),
			zap.Error(err),
		)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
