package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// routedHandler mounts a few API-shaped routes behind the middleware.
func routedHandler(t *testing.T, m *Metrics) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/feeds/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/complete", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	return Middleware(m)(mux)
}

// installTracer swaps the global tracer provider for an in-memory one.
// Tests using it must not run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func spanAttr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_NamesSpanAfterRoute(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)

	rec := httptest.NewRecorder()
	routedHandler(t, m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/feeds/leaderboard", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "GET /api/feeds/{name}" {
		t.Errorf("span name = %q, want the route pattern", spans[0].Name)
	}
	if v, ok := spanAttr(spans[0], "http.route"); !ok || v.AsString() != "GET /api/feeds/{name}" {
		t.Errorf("http.route = %v", v)
	}
	if got := rec.Header().Get(CorrelationHeader); got != spans[0].SpanContext.TraceID().String() {
		t.Errorf("%s = %q, want the span's trace id", CorrelationHeader, got)
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)

	routedHandler(t, m).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/complete", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
	if v, _ := spanAttr(spans[0], "http.response.status_code"); v.AsInt64() != http.StatusServiceUnavailable {
		t.Errorf("status attribute = %d", v.AsInt64())
	}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	t.Parallel()

	m, reader := newTestMetrics(t)
	h := routedHandler(t, m)
	for _, path := range []string{"/api/feeds/a", "/api/feeds/b", "/no/such/route"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	met := findMetric(collect(t, reader), "nagriksetu.http.request.duration")
	if met == nil {
		t.Fatal("http duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}

	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	if counts["GET /api/feeds/{name} 200"] != 2 {
		t.Errorf("feed route count = %d, want 2 (counts %v)", counts["GET /api/feeds/{name} 200"], counts)
	}
	if counts[unmatchedRoute+" 404"] != 1 {
		t.Errorf("unmatched count = %d, want 1 (counts %v)", counts[unmatchedRoute+" 404"], counts)
	}
}

func TestMiddleware_PropagatesTraceparent(t *testing.T) {
	m, _ := newTestMetrics(t)
	installTracer(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/profiles/u1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler correlation id = %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get(CorrelationHeader); got != traceID {
		t.Errorf("%s = %q, want %q", CorrelationHeader, got, traceID)
	}
}

func TestMiddleware_WebsocketUpgradePassesThrough(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	var hijackErr error
	var hijackable bool
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var hj http.Hijacker
		hj, hijackable = w.(http.Hijacker)
		if hijackable {
			_, _, hijackErr = hj.Hijack()
		}
	}))

	// A ResponseRecorder cannot be hijacked, so the error must surface.
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/voice", nil))
	if !hijackable {
		t.Fatal("wrapped writer does not expose http.Hijacker")
	}
	if hijackErr == nil {
		t.Error("Hijack on a recorder succeeded, want error")
	}
}

func TestIsProbe(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/healthz":      true,
		"/readyz":       true,
		"/metrics":      true,
		"/api/complete": false,
		"/ws/voice":     false,
	} {
		if got := isProbe(path); got != want {
			t.Errorf("isProbe(%q) = %v, want %v", path, got, want)
		}
	}
}
