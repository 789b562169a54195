// Package text defines the Completer interface for grounded text generation.
//
// A completer answers a single civic-education question. Implementations that
// support web search grounding return the sources they consulted as
// [Link] values alongside the answer; the others leave GroundingLinks empty.
//
// All implementations must be safe for concurrent use.
package text

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyPrompt is returned by Complete when the request carries no prompt.
var ErrEmptyPrompt = errors.New("text: prompt must not be empty")

// Link is one web source a grounded answer was built from.
type Link struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Request is a single completion request.
type Request struct {
	// Prompt is the user's question.
	Prompt string `json:"prompt"`

	// Context is optional background the model should answer within, such as
	// the topic the learner is studying. It is sent as the system instruction.
	Context string `json:"context,omitempty"`
}

// Validate reports whether r can be sent to a provider.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ErrEmptyPrompt
	}
	return nil
}

// Completion is the provider's answer.
type Completion struct {
	Text           string `json:"text"`
	GroundingLinks []Link `json:"groundingLinks,omitempty"`
}

// Completer produces text answers.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// DedupLinks drops links with an empty or repeated URI, keeping first
// occurrences in order.
func DedupLinks(links []Link) []Link {
	if len(links) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(links))
	out := make([]Link, 0, len(links))
	for _, l := range links {
		if l.URI == "" {
			continue
		}
		if _, ok := seen[l.URI]; ok {
			continue
		}
		seen[l.URI] = struct{}{}
		out = append(out, l)
	}
	return out
}
