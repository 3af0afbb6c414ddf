// Package llm routes text-generation tasks to a model tier, falls back to a
// second provider on failure and records every attempt.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/onsite-teams/salesintel/internal/model"
)

// Task names the kind of work a generation serves. It selects the model tier
// and is stored as the usage log's agent type.
type Task string

const (
	TaskScoring          Task = "scoring"
	TaskRanking          Task = "ranking"
	TaskAnomalyDetection Task = "anomaly_detection"
	TaskAssignment       Task = "assignment"
	TaskResearch         Task = "research"
	TaskNotesAnalysis    Task = "notes_analysis"
	TaskBriefGeneration  Task = "brief_generation"
	TaskStrategy         Task = "strategy"
	TaskWeeklyReport     Task = "weekly_report"
)

var cheapTasks = map[Task]bool{
	TaskScoring:          true,
	TaskRanking:          true,
	TaskAnomalyDetection: true,
	TaskAssignment:       true,
}

// Cheap reports whether the task runs on the fast tier.
func (t Task) Cheap() bool { return cheapTasks[t] }

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var (
	// ErrNoProviderConfigured means no credential exists for any provider able
	// to serve the request. It is never retried.
	ErrNoProviderConfigured = eris.New("llm: no provider configured")

	// ErrGenerationFailed means the primary attempt and, where possible, the
	// fallback attempt both failed.
	ErrGenerationFailed = eris.New("llm: generation failed")

	errEmptyResponse = eris.New("llm: empty response")
)

// Message is one conversational turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// User is shorthand for a single user message.
func User(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

// Request is what a Provider receives.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	MaxTokens  int64
	Credential string
}

// Generation is a provider's answer.
type Generation struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider is a text-generation back-end.
type Provider interface {
	Generate(ctx context.Context, req Request) (Generation, error)
}

// CredentialSource yields the credential to use right now. *tokencache.Cache
// satisfies it.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// UsageRecorder persists model call records.
type UsageRecorder interface {
	InsertModelCall(ctx context.Context, rec model.ModelCallRecord) error
}

// Invoker is the interface pipelines depend on.
type Invoker interface {
	Invoke(ctx context.Context, task Task, messages []Message, opts ...CallOption) (Result, error)
}

// Result is the outcome of a successful invocation.
type Result struct {
	Text         string
	Model        string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Fallback     bool
}

// GenerationError carries the causes of a failed invocation. It matches
// ErrGenerationFailed under errors.Is.
type GenerationError struct {
	Task          Task
	PrimaryModel  string
	PrimaryErr    error
	FallbackModel string
	FallbackErr   error
}

func (e *GenerationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "llm: %s generation failed: %s: %v", e.Task, e.PrimaryModel, e.PrimaryErr)
	if e.FallbackErr != nil {
		fmt.Fprintf(&b, "; fallback %s: %v", e.FallbackModel, e.FallbackErr)
	}
	return b.String()
}

// Is matches ErrGenerationFailed.
func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}

// Unwrap exposes both causes.
func (e *GenerationError) Unwrap() []error {
	out := []error{e.PrimaryErr}
	if e.FallbackErr != nil {
		out = append(out, e.FallbackErr)
	}
	return out
}

// IsNoProvider reports whether err is a configuration failure.
func IsNoProvider(err error) bool {
	return errors.Is(err, ErrNoProviderConfigured)
}
