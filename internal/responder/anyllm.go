package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// Completer produces the text of a reply. [Cascade] uses one for its middle
// stage when configured, and OpenAI chat completions otherwise.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// AnyLLMProviders lists the backends [NewAnyLLM] accepts.
var AnyLLMProviders = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

var _ Completer = (*AnyLLM)(nil)

// AnyLLM is a [Completer] over any provider supported by any-llm-go.
type AnyLLM struct {
	backend  anyllmlib.Provider
	provider string
	model    string
}

// NewAnyLLM creates the named backend. apiKey and baseURL are optional; an
// empty apiKey leaves the backend to its environment variable.
func NewAnyLLM(provider, model, apiKey, baseURL string) (*AnyLLM, error) {
	if model == "" {
		return nil, errors.New("responder: anyllm: model must not be empty")
	}
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(provider) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "deepseek":
		backend, err = deepseek.New(opts...)
	case "mistral":
		backend, err = mistral.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	case "llamacpp":
		backend, err = llamacpp.New(opts...)
	case "llamafile":
		backend, err = llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("responder: anyllm: unsupported provider %q; supported: %s", provider, strings.Join(AnyLLMProviders, ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("responder: anyllm: create %q backend: %w", provider, err)
	}
	return &AnyLLM{backend: backend, provider: provider, model: model}, nil
}

// Complete implements [Completer].
func (a *AnyLLM) Complete(ctx context.Context, system, user string) (string, error) {
	params := anyllmlib.CompletionParams{
		Model: a.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: system},
			{Role: "user", Content: user},
		},
	}
	resp, err := a.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("responder: anyllm %s: completion: %w", a.provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("responder: anyllm %s: empty choices in response", a.provider)
	}
	return resp.Choices[0].Message.ContentString(), nil
}
