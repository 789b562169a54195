// Package server exposes NagrikSetu over HTTP: grounded text completion,
// speech synthesis, the cloud backend (auth, profiles, feeds) and a
// WebSocket bridge that runs a realtime voice session for a browser client.
//
// Routes:
//
//	POST /api/complete         text completion
//	POST /api/speech           speech synthesis (WAV or raw PCM)
//	POST /api/auth             password authentication
//	POST /api/register         user registration
//	GET  /api/profiles/{id}    read a profile
//	PUT  /api/profiles/{id}    merge into a profile
//	POST /api/feeds/{name}     append a record
//	GET  /api/feeds/{name}     list records
//	GET  /ws/voice             voice session bridge
//	GET  /healthz, /readyz     probes
//	GET  /metrics              Prometheus exposition
//
// The API trusts its caller; deploy it behind an authenticating gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nagriksetu/nagriksetu/internal/backend"
	"github.com/nagriksetu/nagriksetu/internal/health"
	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/internal/voice"
	"github.com/nagriksetu/nagriksetu/pkg/provider/live"
	"github.com/nagriksetu/nagriksetu/pkg/provider/speech"
	"github.com/nagriksetu/nagriksetu/pkg/provider/text"
)

// Defaults applied by [New].
const (
	DefaultShutdownTimeout = 15 * time.Second
	maxBodyBytes           = 1 << 20
)

// Server is the HTTP front end. Create it with [New]; it is safe for
// concurrent use once running.
type Server struct {
	addr            string
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration

	backend     backend.Backend
	completer   text.Completer
	synthesizer speech.Synthesizer
	live        live.Provider
	voiceCfg    voice.Config
	onTurn      func(ctx context.Context, sessionID string, t voice.Turn)
	origins     []string

	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	log            *slog.Logger

	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithBackend serves the auth, profile and feed routes from b.
func WithBackend(b backend.Backend) Option {
	return func(s *Server) { s.backend = b }
}

// WithCompleter serves POST /api/complete from c.
func WithCompleter(c text.Completer) Option {
	return func(s *Server) { s.completer = c }
}

// WithSynthesizer serves POST /api/speech from syn.
func WithSynthesizer(syn speech.Synthesizer) Option {
	return func(s *Server) { s.synthesizer = syn }
}

// WithVoice enables the /ws/voice bridge. base supplies the session defaults;
// clients may override the system prompt and voice.
func WithVoice(p live.Provider, base voice.Config) Option {
	return func(s *Server) {
		s.live = p
		s.voiceCfg = base
	}
}

// WithTurnHandler registers fn to receive every completed voice turn.
func WithTurnHandler(fn func(ctx context.Context, sessionID string, t voice.Turn)) Option {
	return func(s *Server) { s.onTurn = fn }
}

// WithAllowedOrigins sets the origin patterns accepted for WebSocket
// upgrades. Without it only same-origin requests are accepted.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithTLS serves HTTPS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) { s.certFile, s.keyFile = certFile, keyFile }
}

// WithShutdownTimeout bounds graceful shutdown in [Server.Run].
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics records request and voice metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds a Server listening on addr. Routes whose dependency was not
// provided answer 503.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		shutdownTimeout: DefaultShutdownTimeout,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/complete", s.handleComplete)
	mux.HandleFunc("POST /api/speech", s.handleSpeech)
	mux.HandleFunc("POST /api/auth", s.handleAuth)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("GET /api/profiles/{id}", s.handleGetProfile)
	mux.HandleFunc("PUT /api/profiles/{id}", s.handlePutProfile)
	mux.HandleFunc("POST /api/feeds/{name}", s.handleAppend)
	mux.HandleFunc("GET /api/feeds/{name}", s.handleList)
	mux.HandleFunc("GET /ws/voice", s.handleVoice)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
}

// Handler returns the instrumented route tree.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")
		if s.certFile != "" {
			errc <- srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	s.log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}
