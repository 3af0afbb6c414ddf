package llm

import (
	"context"
	"time"

	"github.com/onsite-teams/salesintel/internal/config"
	"github.com/onsite-teams/salesintel/internal/cost"
	"github.com/onsite-teams/salesintel/internal/tokencache"
	"github.com/onsite-teams/salesintel/pkg/anthropic"
	"github.com/onsite-teams/salesintel/pkg/openai"
)

// AnthropicProvider adapts pkg/anthropic to Provider.
type AnthropicProvider struct {
	Client anthropic.Client
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Generation, error) {
	msgs := make([]anthropic.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = anthropic.Message{Role: m.Role, Content: m.Content}
	}
	temp := 0.0
	resp, err := p.Client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Messages:    msgs,
		Temperature: &temp,
		APIKey:      req.Credential,
	})
	if err != nil {
		return Generation{}, err
	}
	return Generation{
		Text:         resp.Text(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// OpenAIProvider adapts pkg/openai to Provider.
type OpenAIProvider struct {
	Client openai.Client
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Generation, error) {
	msgs := make([]openai.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	resp, err := p.Client.ChatCompletion(ctx, openai.ChatRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  msgs,
		MaxTokens: int(req.MaxTokens),
		APIKey:    req.Credential,
	})
	if err != nil {
		return Generation{}, err
	}
	return Generation{
		Text:         resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// NewFromConfig wires the Anthropic and OpenAI back-ends for whichever
// credentials are configured. With an OAuth refresh token set, the provider
// named by llm.oauth.provider resolves its credential through a refreshing
// token cache instead of a static key.
func NewFromConfig(cfg config.LLMConfig, pricing config.PricingConfig, recorder UsageRecorder) *Client {
	opts := []Option{
		WithCalculator(cost.FromConfig(pricing)),
		WithTimeout(time.Duration(cfg.TimeoutSecs) * time.Second),
		WithMaxTokens(cfg.MaxTokens),
		WithModelProviders(cfg.ModelProviders),
	}
	if recorder != nil {
		opts = append(opts, WithRecorder(recorder))
	}

	oauthProvider := ""
	var oauthCache *tokencache.Cache
	if cfg.OAuth.RefreshToken != "" && cfg.OAuth.TokenURL != "" {
		oauthProvider = cfg.OAuth.Provider
		if oauthProvider == "" {
			oauthProvider = ProviderAnthropic
		}
		oauthCache = tokencache.New(oauthProvider+"-oauth", tokencache.NewOAuthRefresher(cfg.OAuth),
			tokencache.WithMargin(time.Duration(cfg.OAuth.MarginSecs)*time.Second))
	}

	credFor := func(provider, key string) (CredentialSource, bool) {
		if provider == oauthProvider && oauthCache != nil {
			return oauthCache, true
		}
		if key == "" {
			return nil, false
		}
		return tokencache.New(provider, tokencache.Static(key)), true
	}

	if cred, ok := credFor(ProviderAnthropic, cfg.AnthropicKey); ok {
		opts = append(opts, WithProvider(ProviderAnthropic,
			&AnthropicProvider{Client: anthropic.NewClient(cfg.AnthropicKey, anthropic.WithMaxRetries(1))}, cred))
	}
	if cred, ok := credFor(ProviderOpenAI, cfg.OpenAIKey); ok {
		var oaOpts []openai.Option
		if cfg.OpenAIBaseURL != "" {
			oaOpts = append(oaOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
		}
		opts = append(opts, WithProvider(ProviderOpenAI, &OpenAIProvider{Client: openai.NewClient(cfg.OpenAIKey, oaOpts...)}, cred))
	}

	return NewClient(Models{
		Primary:  cfg.PrimaryModel,
		Fast:     cfg.FastModel,
		Fallback: cfg.FallbackModel,
	}, opts...)
}
