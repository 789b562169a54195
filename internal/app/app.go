// Package app wires the NagrikSetu subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// backend and the HTTP server, Run serves until the context is cancelled,
// and Shutdown flushes queued backend writes and tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nagriksetu/nagriksetu/internal/backend"
	"github.com/nagriksetu/nagriksetu/internal/backend/memstore"
	"github.com/nagriksetu/nagriksetu/internal/backend/postgres"
	"github.com/nagriksetu/nagriksetu/internal/config"
	"github.com/nagriksetu/nagriksetu/internal/health"
	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/internal/server"
	"github.com/nagriksetu/nagriksetu/internal/voice"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// TurnsFeed is the backend feed completed voice turns are appended to.
const TurnsFeed = "voice_turns"

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Live   live.Provider
	Text   text.Completer
	Speech speech.Synthesizer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	backend        backend.Backend
	cached         *backend.Cached
	server         *server.Server
	metricsHandler http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects the primary backend instead of creating one from
// config. It is still wrapped in a [backend.Cached].
func WithBackend(b backend.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: backend connection and
// migration, the offline cache and the HTTP server.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Backend ───────────────────────────────────────────────────────
	if err := a.initBackend(ctx); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackend connects the primary backend and wraps it in the offline cache.
func (a *App) initBackend(ctx context.Context) error {
	bc := a.cfg.Backend
	if a.backend == nil {
		switch {
		case bc.PostgresDSN != "":
			var opts []postgres.Option
			if bc.BcryptCost > 0 {
				opts = append(opts, postgres.WithBcryptCost(bc.BcryptCost))
			}
			store, err := postgres.NewStore(ctx, bc.PostgresDSN, opts...)
			if err != nil {
				return err
			}
			a.backend = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		default:
			a.log.Warn("no postgres_dsn configured; user data is kept in memory only")
			var opts []memstore.Option
			if bc.BcryptCost > 0 {
				opts = append(opts, memstore.WithBcryptCost(bc.BcryptCost))
			}
			a.backend = memstore.New(opts...)
		}
	}

	a.cached = backend.NewCached(a.backend,
		backend.WithRetryBackoff(bc.RetryInitial, bc.RetryMax),
		backend.WithFlushWorkers(bc.FlushWorkers),
		backend.WithCachedLogger(a.log),
		backend.WithCachedMetrics(a.metrics),
	)
	return nil
}

// voiceConfig maps the voice section of the config to session defaults.
func (a *App) voiceConfig() voice.Config {
	vc := a.cfg.Voice
	return voice.Config{
		SystemPrompt:   vc.SystemPrompt,
		Voice:          vc.Voice,
		Transcribe:     vc.Transcribe,
		BlockSize:      vc.BlockSize,
		SendQueue:      vc.SendQueue,
		ConnectTimeout: vc.ConnectTimeout,
		DrainTimeout:   vc.DrainTimeout,
		Logger:         a.log,
		Metrics:        a.metrics,
	}
}

func (a *App) initServer() {
	sc := a.cfg.Server
	checks := []health.Checker{health.PingChecker("backend", a.cached)}
	if src, ok := a.providers.Text.(health.BreakerSource); ok {
		checks = append(checks, health.BreakerChecker("text", src))
	}
	if src, ok := a.providers.Speech.(health.BreakerSource); ok {
		checks = append(checks, health.BreakerChecker("speech", src))
	}
	opts := []server.Option{
		server.WithBackend(a.cached),
		server.WithAllowedOrigins(sc.AllowedOrigins),
		server.WithShutdownTimeout(sc.ShutdownTimeout),
		server.WithHealth(health.New(checks)),
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
		server.WithTurnHandler(a.RecordTurn),
	}
	if sc.TLS != nil {
		opts = append(opts, server.WithTLS(sc.TLS.CertFile, sc.TLS.KeyFile))
	}
	if a.metricsHandler != nil {
		opts = append(opts, server.WithMetricsHandler(a.metricsHandler))
	}
	if a.providers.Text != nil {
		opts = append(opts, server.WithCompleter(a.providers.Text))
	}
	if a.providers.Speech != nil {
		opts = append(opts, server.WithSynthesizer(a.providers.Speech))
	}
	if a.providers.Live != nil {
		opts = append(opts, server.WithVoice(a.providers.Live, a.voiceConfig()))
	}
	a.server = server.New(sc.ListenAddr, opts...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Backend returns the cached backend every subsystem uses.
func (a *App) Backend() backend.Backend { return a.cached }

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// RecordTurn appends a completed voice turn to [TurnsFeed]. Turns without any
// transcript are skipped. Failures are logged; a turn is never worth failing
// a session over.
func (a *App) RecordTurn(ctx context.Context, sessionID string, t voice.Turn) {
	if t.User == "" && t.Model == "" {
		return
	}
	_, err := a.cached.AppendToFeed(ctx, TurnsFeed, map[string]any{
		"sessionId": sessionID,
		"user":      t.User,
		"model":     t.Model,
		"at":        time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		a.log.Warn("app: record voice turn", "session_id", sessionID, "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and flushes queued backend writes until ctx is cancelled.
// It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.cached.Run(gctx) })
	g.Go(func() error { return a.server.Run(gctx) })

	a.log.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"live", a.providers.Live != nil,
		"text", a.providers.Text != nil,
		"speech", a.providers.Speech != nil,
	)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown flushes queued backend writes, then calls every closer in
// reverse order. It is safe to call more than once; only the first call has
// any effect.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.cached.Pending() > 0 {
			if err := a.cached.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("app: flush backend: %w", err))
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.log.Info("app shut down")
	})
	return errors.Join(errs...)
}
