// Package perplexity is a minimal client for Perplexity's search-grounded
// chat completions, used for company web research.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/resilience"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
)

// Client is the research surface of the Perplexity API.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Research(ctx context.Context, system, query string) (*ResearchResult, error)
}

// Request is the body of POST /chat/completions. Recency and domain filters
// narrow the live search behind the answer.
type Request struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	Recency      string    `json:"search_recency_filter,omitempty"`
	DomainFilter []string  `json:"search_domain_filter,omitempty"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the body returned by POST /chat/completions.
type Response struct {
	ID            string         `json:"id"`
	Model         string         `json:"model"`
	Choices       []Choice       `json:"choices"`
	Citations     []string       `json:"citations"`
	SearchResults []SearchResult `json:"search_results"`
	Usage         Usage          `json:"usage"`
}

// Choice is a single completion choice.
type Choice struct {
	Index   int     `json:"index"`
	Message Message `json:"message"`
}

// SearchResult is a source the answer was grounded on.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Date  string `json:"date"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ResearchResult is the flattened answer of a research query.
type ResearchResult struct {
	Model     string
	Text      string
	Citations []string
	Usage     Usage
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) { c.model = model }
}

// WithRecency limits research searches to "day", "week", "month" or "year".
func WithRecency(window string) Option {
	return func(c *httpClient) { c.recency = window }
}

// WithRetry sets the retry policy for research calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	recency string
	retry   resilience.RetryConfig
	http    *http.Client
}

// NewClient creates a Perplexity API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		retry:   resilience.DefaultRetryConfig(),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	c.retry.OnRetry = resilience.RetryLogger("perplexity", "research")
	return c
}

func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.HTTPError("perplexity", resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "perplexity: unmarshal response")
	}
	return &out, nil
}

// Research runs a single-turn query and returns the first choice's text with
// reasoning blocks removed. Transient failures are retried.
func (c *httpClient) Research(ctx context.Context, system, query string) (*ResearchResult, error) {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	msgs = append(msgs, Message{Role: "user", Content: query})
	req := Request{Messages: msgs, Recency: c.recency}

	resp, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		return c.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	var text string
	if len(resp.Choices) > 0 {
		text = stripReasoning(resp.Choices[0].Message.Content)
	}
	if text == "" {
		return nil, eris.New("perplexity: empty research answer")
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	return &ResearchResult{
		Model:     model,
		Text:      text,
		Citations: citations(resp),
		Usage:     resp.Usage,
	}, nil
}

var reasoningBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripReasoning drops the <think> preamble the reasoning models emit.
func stripReasoning(s string) string {
	return strings.TrimSpace(reasoningBlock.ReplaceAllString(s, ""))
}

// citations merges the legacy citation list with search result URLs,
// first occurrence wins.
func citations(resp *Response) []string {
	out := slices.Clone(resp.Citations)
	for _, r := range resp.SearchResults {
		out = append(out, r.URL)
	}
	seen := make(map[string]bool, len(out))
	return slices.DeleteFunc(out, func(u string) bool {
		if u == "" || seen[u] {
			return true
		}
		seen[u] = true
		return false
	})
}
