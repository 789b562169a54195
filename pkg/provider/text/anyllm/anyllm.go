// Package anyllm provides a text completer backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// These backends have no web search grounding, so completions never carry
// grounding links. The completer is the fallback when the grounded provider
// is unavailable.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("ollama", "llama3.2")
package anyllm

import (
	"context"
	"fmt"
	"maps"
	"slices"
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

	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// factory builds an any-llm backend from its options.
type factory func(opts ...anyllmlib.Option) (anyllmlib.Provider, error)

var backends = map[string]factory{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Supported returns the accepted provider names, sorted.
func Supported() []string {
	return slices.Sorted(maps.Keys(backends))
}

var _ text.Completer = (*Provider)(nil)

// Provider is a [text.Completer] over one any-llm backend and model.
type Provider struct {
	name    string
	backend anyllmlib.Provider
	model   string
}

// New returns a Provider for the backend called providerName (one of
// [Supported], case-insensitive) answering with model.
//
// opts are any-llm-go options such as anyllmlib.WithAPIKey or
// anyllmlib.WithBaseURL. Without an API key option the backend reads its
// usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY and so on).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	name := strings.ToLower(strings.TrimSpace(providerName))
	switch {
	case name == "":
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	case model == "":
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	build, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s", providerName, strings.Join(Supported(), ", "))
	}
	backend, err := build(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", name, err)
	}
	return &Provider{name: name, backend: backend, model: model}, nil
}

// Name returns the normalised backend name.
func (p *Provider) Name() string { return p.name }

// Complete implements text.Completer.
func (p *Provider) Complete(ctx context.Context, req text.Request) (text.Completion, error) {
	if err := req.Validate(); err != nil {
		return text.Completion{}, fmt.Errorf("anyllm: %w", err)
	}

	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return text.Completion{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return text.Completion{}, fmt.Errorf("anyllm: %s returned no choices", p.name)
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if answer == "" {
		return text.Completion{}, fmt.Errorf("anyllm: %s returned an empty answer", p.name)
	}
	return text.Completion{Text: answer}, nil
}

// buildParams sends Context as the system message, so background material
// frames the answer, and Prompt as the user message.
func (p *Provider) buildParams(req text.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if req.Context != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.Context,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.Prompt,
	})
	return anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
}
