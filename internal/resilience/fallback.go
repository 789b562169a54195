package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nagriksetu/nagriksetu/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup] and the per-entry circuit
// breaker created for each provider.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics, e.g. "text" or "speech".
	Kind string

	// Permanent reports errors that no other provider would answer
	// differently, such as an empty prompt. They are returned at once and do
	// not count against the breaker. Default: nothing is permanent.
	Permanent func(error) bool

	// Logger receives failover warnings. Default: slog.Default().
	Logger *slog.Logger

	// Metrics, if set, records latency and outcome of every attempted call.
	Metrics *observe.Metrics
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered failover chain of interchangeable providers.
// Each call walks the chain from the primary, skipping entries whose breaker
// is open, and stops at the first success.
//
// Register every entry before sharing the group; calls are then safe from
// any goroutine.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup starts a chain with primary. Append the rest with
// [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Permanent == nil {
		cfg.Permanent = func(error) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends p to the end of the chain under its own breaker.
func (fg *FallbackGroup[T]) AddFallback(name string, p T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	if bc.Logger == nil {
		bc.Logger = fg.log
	}
	// A permanent error or a caller hanging up says nothing about the
	// provider's health.
	bc.IsFailure = func(err error) bool {
		return err != nil && !fg.cfg.Permanent(err) && !errors.Is(err, context.Canceled)
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{name: name, value: p, breaker: NewCircuitBreaker(bc)})
}

func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Names lists the chain in failover order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(fg.entries))
	for _, e := range fg.entries {
		out = append(out, e.name)
	}
	return out
}

// States reports each entry's breaker by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult walks the chain calling fn until one entry succeeds. A
// done ctx or a permanent error ends the walk and is returned unwrapped;
// otherwise exhausting the chain returns [ErrAllFailed] joined with the last
// error. Every attempt gets a client span named "<kind> <provider>".
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		res, err := attempt(ctx, fg, i, fn)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrCircuitOpen):
			fg.log.Debug("provider circuit open, skipping", "provider", e.name, "kind", fg.cfg.Kind)
		case ctx.Err() != nil:
			return zero, fmt.Errorf("%s: %w", e.name, ctx.Err())
		case fg.cfg.Permanent(err):
			return zero, err
		default:
			fg.log.Warn("provider failed, trying next", "provider", e.name, "kind", fg.cfg.Kind, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func attempt[T any, R any](ctx context.Context, fg *FallbackGroup[T], i int, fn func(T) (R, error)) (R, error) {
	e := &fg.entries[i]
	_, span := observe.StartSpan(ctx, fg.cfg.Kind+" "+e.name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("fallback.index", i)),
	)
	began := time.Now()

	var res R
	err := e.breaker.Execute(func() error {
		var err error
		res, err = fn(e.value)
		return err
	})
	observe.EndSpan(span, err)
	if fg.cfg.Metrics != nil && !errors.Is(err, ErrCircuitOpen) {
		fg.cfg.Metrics.RecordProviderCall(ctx, e.name, fg.cfg.Kind, began, err)
	}
	return res, err
}
