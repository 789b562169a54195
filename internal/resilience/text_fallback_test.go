package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
	textmock "github.com/nagriksetu/nagriksetu/pkg/provider/text/mock"
)

func TestTextFallback_PrimarySuccess(t *testing.T) {
	primary := &textmock.Completer{Result: text.Completion{
		Text:           "grounded",
		GroundingLinks: []text.Link{{Title: "PIB", URI: "https://pib.gov.in"}},
	}}
	secondary := &textmock.Completer{Result: text.Completion{Text: "plain"}}

	fb := NewTextFallback(primary, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anyllm", secondary)

	got, err := fb.Complete(context.Background(), text.Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "grounded" || len(got.GroundingLinks) != 1 {
		t.Fatalf("Complete() = %+v, want grounded answer", got)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTextFallback_Failover(t *testing.T) {
	primary := &textmock.Completer{Err: errors.New("quota exceeded")}
	secondary := &textmock.Completer{Result: text.Completion{Text: "plain"}}

	fb := NewTextFallback(primary, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anyllm", secondary)

	req := text.Request{Prompt: "What is a gram sabha?", Context: "local government"}
	got, err := fb.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "plain" || got.GroundingLinks != nil {
		t.Fatalf("Complete() = %+v, want the fallback answer", got)
	}
	if len(secondary.Calls) != 1 || secondary.Calls[0] != req {
		t.Fatalf("secondary calls = %+v, want the original request", secondary.Calls)
	}
}

func TestTextFallback_EmptyPromptNotRetried(t *testing.T) {
	primary := &textmock.Completer{Err: text.ErrEmptyPrompt}
	secondary := &textmock.Completer{}

	fb := NewTextFallback(primary, "gemini", FallbackConfig{})
	fb.AddFallback("anyllm", secondary)

	_, err := fb.Complete(context.Background(), text.Request{})
	if !errors.Is(err, text.ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTextFallback_AllFail(t *testing.T) {
	fb := NewTextFallback(&textmock.Completer{Err: errTest}, "gemini", FallbackConfig{})
	fb.AddFallback("anyllm", &textmock.Completer{Err: errTest})

	if _, err := fb.Complete(context.Background(), text.Request{Prompt: "q"}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := fb.Names(); len(got) != 2 {
		t.Fatalf("Names() = %v", got)
	}
}
