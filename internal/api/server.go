// Package api is the operator HTTP surface of the bot: flow inspection,
// session management, simulated turns, the Twilio webhook and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perzivalh/perzivalh-os-sub001/internal/conversation"
	"github.com/perzivalh/perzivalh-os-sub001/internal/flow"
	"github.com/perzivalh/perzivalh-os-sub001/internal/knowledge"
	"github.com/perzivalh/perzivalh-os-sub001/internal/metrics"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	// MaxRequestBodyBytes caps JSON request bodies.
	MaxRequestBodyBytes = 1 << 20
)

// Opts holds optional server configuration.
type Opts struct {
	Addr           string
	Knowledge      *knowledge.KnowledgeBase
	TwilioWebhook  http.HandlerFunc
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	DisableMetrics bool
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithKnowledge exposes the knowledge base on GET /knowledge.
func WithKnowledge(kb *knowledge.KnowledgeBase) Option {
	return func(o *Opts) { o.Knowledge = kb }
}

// WithTwilioWebhook mounts the Twilio inbound webhook on POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithTimeouts overrides the read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(o *Opts) {
		o.ReadTimeout = read
		o.WriteTimeout = write
	}
}

// WithoutMetrics omits the /metrics endpoint and request metrics.
func WithoutMetrics() Option {
	return func(o *Opts) { o.DisableMetrics = true }
}

// Server serves the operator API.
type Server struct {
	bot     *conversation.Bot
	flows   *flow.Registry
	opts    Opts
	router  chi.Router
	httpSrv *http.Server
	started time.Time
}

// NewServer builds the router. It does not listen until Run.
func NewServer(bot *conversation.Bot, flows *flow.Registry, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ReadTimeout: DefaultReadTimeout, WriteTimeout: DefaultWriteTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{bot: bot, flows: flows, opts: cfg, started: time.Now()}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if !s.opts.DisableMetrics {
		r.Use(metrics.Middleware)
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/health", s.healthHandler)

	r.Route("/flows", func(r chi.Router) {
		r.Get("/", s.listFlowsHandler)
		r.Post("/validate", s.validateFlowHandler)
		r.Get("/{flowID}", s.getFlowHandler)
	})

	r.Post("/messages", s.messageHandler)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessionsHandler)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", s.getSessionHandler)
			r.Delete("/", s.deleteSessionHandler)
			r.Get("/summary", s.sessionSummaryHandler)
			r.Post("/release", s.releaseSessionHandler)
			r.Post("/start", s.startFlowHandler)
		})
	})

	r.Get("/knowledge", s.knowledgeHandler)

	if s.opts.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", s.opts.TwilioWebhook)
	}
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server: API listening", "addr", s.opts.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server: shutting down API")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
