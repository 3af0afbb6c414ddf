// Package openai wraps go-openai chat completions for use as a fallback
// text-generation provider.
package openai

import (
	"context"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/rotisserie/eris"
)

// Client defines the chat completion operations used by the generation layer.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is our own request type for ChatCompletion.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int

	// APIKey overrides the configured key for this request.
	APIKey string
}

// Message is a single conversational message.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// ChatResponse holds the first choice and token usage.
type ChatResponse struct {
	Model        string
	Content      string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Option configures the client.
type Option func(*goopenai.ClientConfig)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *goopenai.ClientConfig) { c.BaseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *goopenai.ClientConfig) { c.HTTPClient = hc }
}

type chatClient struct {
	apiKey string
	cfg    goopenai.ClientConfig
	client *goopenai.Client
}

// NewClient creates a chat completion client.
func NewClient(apiKey string, opts ...Option) Client {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	return &chatClient{apiKey: apiKey, cfg: cfg, client: goopenai.NewClientWithConfig(cfg)}
}

func (c *chatClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	creq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := c.clientFor(req.APIKey).CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: no choices returned")
	}

	return &ChatResponse{
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// clientFor returns the configured client, or one bound to key when a
// request carries a different credential.
func (c *chatClient) clientFor(key string) *goopenai.Client {
	if key == "" || key == c.apiKey {
		return c.client
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = c.cfg.BaseURL
	cfg.OrgID = c.cfg.OrgID
	cfg.HTTPClient = c.cfg.HTTPClient
	return goopenai.NewClientWithConfig(cfg)
}
