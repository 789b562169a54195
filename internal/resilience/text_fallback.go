package resilience

import (
	"context"
	"errors"

	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// TextFallback implements [text.Completer] with automatic failover across
// several completers. Each completer has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback answers.
//
// A fallback without web grounding returns an answer with no links, which
// callers render the same way.
type TextFallback struct {
	group *FallbackGroup[text.Completer]
}

var _ text.Completer = (*TextFallback)(nil)

// NewTextFallback creates a [TextFallback] with primary as the preferred
// completer. An empty prompt is never retried against a fallback.
func NewTextFallback(primary text.Completer, primaryName string, cfg FallbackConfig) *TextFallback {
	if cfg.Kind == "" {
		cfg.Kind = "text"
	}
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, text.ErrEmptyPrompt) }
	}
	return &TextFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional completer.
func (f *TextFallback) AddFallback(name string, c text.Completer) {
	f.group.AddFallback(name, c)
}

// Names returns the completer names in failover order.
func (f *TextFallback) Names() []string { return f.group.Names() }

// States returns the breaker state of each completer keyed by name.
func (f *TextFallback) States() map[string]State { return f.group.States() }

// Complete asks the first healthy completer.
func (f *TextFallback) Complete(ctx context.Context, req text.Request) (text.Completion, error) {
	return ExecuteWithResult(ctx, f.group, func(c text.Completer) (text.Completion, error) {
		return c.Complete(ctx, req)
	})
}
