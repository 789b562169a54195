// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 503 only when a
// required one fails. Optional checkers, such as the backend whose writes are
// cached locally during an outage, downgrade the overall status to
// "degraded" but keep the service in rotation.
//
// Example /readyz body:
//
//	{"status":"degraded","checks":{"backend":{"status":"degraded","error":"dial tcp: refused","latencyMs":3}}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nagriksetu/nagriksetu/internal/resilience"
)

// Probe status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// DefaultCheckTimeout bounds a single check unless [WithCheckTimeout] says
// otherwise.
const DefaultCheckTimeout = 5 * time.Second

// Checker probes one dependency.
type Checker struct {
	// Name keys the check in the /readyz body, e.g. "backend" or "text".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional marks a dependency the service can limp along without.
	Optional bool
}

// Pinger is the reachability probe implemented by the backend stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker returns an optional [Checker] that pings p.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping, Optional: true}
}

// BreakerSource reports the circuit breaker state of each provider in a
// failover chain. [resilience.TextFallback] and [resilience.SpeechFallback]
// implement it.
type BreakerSource interface {
	States() map[string]resilience.State
}

// ErrAllOpen is reported by [BreakerChecker] when no provider in the chain
// would currently be called.
var ErrAllOpen = errors.New("health: every provider circuit is open")

// BreakerChecker returns an optional [Checker] that fails while every
// breaker in src is open. A half-open breaker counts as usable, as the next
// request would probe it.
func BreakerChecker(name string, src BreakerSource) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			states := src.States()
			open := make([]string, 0, len(states))
			for provider, st := range states {
				if st != resilience.StateOpen {
					return nil
				}
				open = append(open, provider)
			}
			if len(open) == 0 {
				return nil
			}
			sort.Strings(open)
			return fmt.Errorf("%w: %s", ErrAllOpen, strings.Join(open, ", "))
		},
	}
}

// CheckResult is the outcome of one checker.
type CheckResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 503 when a required checker fails and 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs all checkers concurrently, each under its own timeout.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	)

	// Checkers never return an error to the group so that one failure does
	// not cancel the rest.
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, LatencyMS: time.Since(start).Milliseconds()}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Error = err.Error()
				res.Status = StatusFail
				if c.Optional {
					res.Status = StatusDegraded
				}
				rep.Status = worse(rep.Status, res.Status)
			}
			rep.Checks[c.Name] = res
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func worse(a, b string) string {
	rank := map[string]int{StatusOK: 0, StatusDegraded: 1, StatusFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
