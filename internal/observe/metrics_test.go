package observe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// total sums the data points of an int64 sum whose attributes include every
// pair in match.
func total(t *testing.T, rm metricdata.ResourceMetrics, name string, match ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, met.Data)
	}
	var n int64
	for _, dp := range sum.DataPoints {
		if hasAll(dp.Attributes, match) {
			n += dp.Value
		}
	}
	return n
}

func hasAll(set attribute.Set, match []attribute.KeyValue) bool {
	for _, kv := range match {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func histogram(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	h, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) != 1 {
		t.Fatalf("metric %q = %+v, want one histogram point", name, met.Data)
	}
	return h.DataPoints[0]
}

func TestRecordProviderCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	began := time.Now().Add(-200 * time.Millisecond)
	m.RecordProviderCall(ctx, "gemini", "text", began, nil)
	m.RecordProviderCall(ctx, "gemini", "text", began, errors.New("quota exceeded"))
	m.RecordProviderCall(ctx, "openai", "speech", began, nil)

	rm := collect(t, reader)
	tests := []struct {
		name  string
		match []attribute.KeyValue
		want  int64
	}{
		{"nagriksetu.provider.requests", []attribute.KeyValue{Attr("provider", "gemini"), Attr("status", "ok")}, 1},
		{"nagriksetu.provider.requests", []attribute.KeyValue{Attr("provider", "gemini"), Attr("status", "error")}, 1},
		{"nagriksetu.provider.requests", []attribute.KeyValue{Attr("kind", "speech")}, 1},
		{"nagriksetu.provider.errors", []attribute.KeyValue{Attr("provider", "gemini")}, 1},
		{"nagriksetu.provider.errors", []attribute.KeyValue{Attr("provider", "openai")}, 0},
	}
	for _, tt := range tests {
		if got := total(t, rm, tt.name, tt.match...); got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.name, tt.match, got, tt.want)
		}
	}

	met := findMetric(rm, "nagriksetu.provider.duration")
	h := met.Data.(metricdata.Histogram[float64])
	var samples uint64
	for _, dp := range h.DataPoints {
		samples += dp.Count
		if dp.Sum < 0.2*float64(dp.Count) {
			t.Errorf("duration %v over %d calls is shorter than the elapsed time", dp.Sum, dp.Count)
		}
	}
	if samples != 3 {
		t.Errorf("duration samples = %d, want 3", samples)
	}
}

func TestVoiceAndBackendRecorders(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunkDropped(ctx, "queue_full")
	m.RecordChunkDropped(ctx, "queue_full")
	m.RecordChunkDropped(ctx, "stale")
	m.RecordSessionEnd(ctx, "closed")
	m.RecordSessionEnd(ctx, "error")
	m.RecordBackendFallback(ctx, "put_profile")
	m.AudioChunksSent.Add(ctx, 40)
	m.Interruptions.Add(ctx, 1)

	rm := collect(t, reader)
	checks := map[string]struct {
		match attribute.KeyValue
		want  int64
	}{
		"nagriksetu.voice.chunks.dropped": {Attr("reason", "queue_full"), 2},
		"nagriksetu.voice.sessions":       {Attr("outcome", "error"), 1},
		"nagriksetu.backend.fallbacks":    {Attr("op", "put_profile"), 1},
	}
	for name, c := range checks {
		if got := total(t, rm, name, c.match); got != c.want {
			t.Errorf("%s{%s} = %d, want %d", name, c.match.Value.Emit(), got, c.want)
		}
	}
	if got := total(t, rm, "nagriksetu.voice.chunks.sent"); got != 40 {
		t.Errorf("chunks sent = %d, want 40", got)
	}
	if got := total(t, rm, "nagriksetu.voice.interruptions"); got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
}

func TestUpDownCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.PendingWrites.Add(ctx, 4)
	m.PendingWrites.Add(ctx, -4)

	rm := collect(t, reader)
	if got := total(t, rm, "nagriksetu.voice.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := total(t, rm, "nagriksetu.backend.pending_writes"); got != 0 {
		t.Errorf("pending writes = %d, want 0 after the flush", got)
	}
}

func TestConnectDurationBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.VoiceConnectDuration.Record(context.Background(), 0.3)

	dp := histogram(t, collect(t, reader), "nagriksetu.voice.connect.duration")
	if len(dp.Bounds) != len(latencyBuckets) {
		t.Errorf("bounds = %v, want %v", dp.Bounds, latencyBuckets)
	}
	if dp.Count != 1 || dp.Sum != 0.3 {
		t.Errorf("point = %+v", dp)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics built two instances")
	}
}

func TestInitProvider(t *testing.T) {
	meters, tracers, props := otel.GetMeterProvider(), otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(meters)
		otel.SetTracerProvider(tracers)
		otel.SetTextMapPropagator(props)
	})

	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	if _, ok := otel.GetTextMapPropagator().(propagation.TraceContext); !ok {
		t.Errorf("propagator = %T, want TraceContext", otel.GetTextMapPropagator())
	}

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	for _, want := range []string{"go_goroutines", "process_"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("/metrics lacks %q", want)
		}
	}
}

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: 2}); err == nil {
		t.Error("ratio 2 accepted")
	}
}

func TestSemconvMatchesSDKResource(t *testing.T) {
	if got := resource.Default().SchemaURL(); got != semconv.SchemaURL {
		t.Errorf("SDK resource schema = %q, semconv import = %q", got, semconv.SchemaURL)
	}
}
