// Package observe holds the observability plumbing shared by every NagrikSetu
// component: OpenTelemetry instruments, span helpers, correlation-aware
// logging and the HTTP middleware that ties a request to all three.
//
// [InitProvider] installs the global meter and tracer providers and exposes a
// Prometheus scrape handler. Code that records metrics takes a [*Metrics];
// tests build their own with [NewMetrics] over a manual reader, production
// code uses [DefaultMetrics].
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/nagriksetu/nagriksetu"

// Metrics is the set of instruments NagrikSetu records. The zero value is not
// usable; build one with [NewMetrics].
type Metrics struct {
	// ── Providers ─────────────────────────────────────────────────────────────

	// ProviderDuration is the latency of text and speech calls, by
	// "provider" and "kind".
	ProviderDuration metric.Float64Histogram
	// ProviderRequests counts calls by "provider", "kind" and "status".
	ProviderRequests metric.Int64Counter
	ProviderErrors   metric.Int64Counter

	// ── Voice sessions ────────────────────────────────────────────────────────

	VoiceConnectDuration metric.Float64Histogram
	// VoiceSessions counts finished sessions by "outcome" (closed or error).
	VoiceSessions       metric.Int64Counter
	ActiveSessions      metric.Int64UpDownCounter
	AudioChunksSent     metric.Int64Counter
	AudioChunksReceived metric.Int64Counter
	// AudioChunksDropped is labelled by "reason".
	AudioChunksDropped metric.Int64Counter
	Interruptions      metric.Int64Counter

	// ── Backend ───────────────────────────────────────────────────────────────

	// BackendFallbacks counts operations answered from the local cache, by "op".
	BackendFallbacks metric.Int64Counter
	PendingWrites    metric.Int64UpDownCounter

	// ── HTTP ──────────────────────────────────────────────────────────────────

	// HTTPRequestDuration is labelled by method, matched route pattern and
	// status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, from a fast cache hit
// to a slow grounded completion.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

// instruments creates instruments on one meter and remembers every failure.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) histogram(dst *metric.Float64Histogram, name, desc string, buckets bool) {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets {
		opts = append(opts, metric.WithExplicitBucketBoundaries(latencyBuckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	*dst = h
}

func (in *instruments) counter(dst *metric.Int64Counter, name, desc string) {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	*dst = c
}

func (in *instruments) gauge(dst *metric.Int64UpDownCounter, name, desc string) {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	*dst = g
}

// NewMetrics registers every instrument on a meter obtained from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := &Metrics{}
	in := &instruments{meter: mp.Meter(meterName)}

	in.histogram(&m.ProviderDuration, "nagriksetu.provider.duration", "Latency of generative provider calls.", true)
	in.counter(&m.ProviderRequests, "nagriksetu.provider.requests", "Provider calls by provider, kind and status.")
	in.counter(&m.ProviderErrors, "nagriksetu.provider.errors", "Failed provider calls by provider and kind.")

	in.histogram(&m.VoiceConnectDuration, "nagriksetu.voice.connect.duration", "Time from session start until the remote session opened.", true)
	in.counter(&m.VoiceSessions, "nagriksetu.voice.sessions", "Finished voice sessions by outcome.")
	in.gauge(&m.ActiveSessions, "nagriksetu.voice.active_sessions", "Voice sessions currently open.")
	in.counter(&m.AudioChunksSent, "nagriksetu.voice.chunks.sent", "Microphone chunks sent to the realtime provider.")
	in.counter(&m.AudioChunksReceived, "nagriksetu.voice.chunks.received", "Model audio chunks scheduled for playback.")
	in.counter(&m.AudioChunksDropped, "nagriksetu.voice.chunks.dropped", "Audio chunks dropped by reason.")
	in.counter(&m.Interruptions, "nagriksetu.voice.interruptions", "Model turns cut short by the caller speaking.")

	in.counter(&m.BackendFallbacks, "nagriksetu.backend.fallbacks", "Backend operations answered from the local cache.")
	in.gauge(&m.PendingWrites, "nagriksetu.backend.pending_writes", "Writes queued locally while the backend is unreachable.")

	in.histogram(&m.HTTPRequestDuration, "nagriksetu.http.request.duration", "HTTP request latency by method, route and status.", false)

	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to the global meter provider. It
// is created on first use, so call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderCall records the outcome of one provider call that began at
// start.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, kind string, start time.Time, err error) {
	who := []attribute.KeyValue{Attr("provider", provider), Attr("kind", kind)}
	m.ProviderDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(who...))

	status := "ok"
	if err != nil {
		status = "error"
		m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(who...))
	}
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(append(who, Attr("status", status))...))
}

func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.AudioChunksDropped.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string) {
	m.VoiceSessions.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

func (m *Metrics) RecordBackendFallback(ctx context.Context, op string) {
	m.BackendFallbacks.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}
