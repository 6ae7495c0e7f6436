// internal/server/server.go
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"sturdy-parent/internal/auth"
	"sturdy-parent/internal/entitlement"
	"sturdy-parent/internal/payment"
	"sturdy-parent/internal/ratelimit"
	"sturdy-parent/internal/script"
	"sturdy-parent/pkg/logger"
)

// Streamer is the LLM backend. *gpt.Client implements it.
type Streamer interface {
	Configured() bool
	StreamChat(ctx context.Context, system, user string, onDelta func(string) error) error
}

// Deps are the collaborators of the HTTP handlers. Entitlements and Payments may
// be nil when the database or Stripe is not configured.
type Deps struct {
	Logger       *logger.Logger
	Limiter      ratelimit.Limiter
	LLM          Streamer
	Auth         *auth.Verifier
	Entitlements *entitlement.Service
	Payments     *payment.StripeClient
	Limits       script.Limits
	// TrustProxy keys the rate limit on the right-most X-Forwarded-For hop
	// instead of the socket peer. Only set it behind a proxy that appends that header.
	TrustProxy bool
}

type Timeouts struct {
	Read  time.Duration
	Write time.Duration
}

type Server struct {
	server *http.Server
	logger *logger.Logger
}

type handlers struct {
	Deps
}

func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewMemory(ratelimit.Options{})
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewVerifier("")
	}
	h := &handlers{Deps: deps}

	r := chi.NewRouter()
	r.Use(requestLogger(deps.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate-script", h.GenerateScript)
		r.Post("/stripe/webhook", h.StripeWebhook)
		r.Post("/checkout", h.Checkout)
		r.Get("/entitlements", h.GetEntitlements)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/role", h.AdminRole)
			r.Post("/reset-usage", h.AdminResetUsage)
		})
	})

	return r
}

func NewServer(port string, deps Deps, timeouts Timeouts) *Server {
	if timeouts.Read == 0 {
		timeouts.Read = 10 * time.Second
	}
	if timeouts.Write == 0 {
		timeouts.Write = 120 * time.Second
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      NewRouter(deps),
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  120 * time.Second,
	}

	l := deps.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Server{
		server: httpServer,
		logger: l,
	}
}

func (s *Server) Start() error {
	s.logger.Infow("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func requestLogger(l *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			l.Infow("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
			)
		})
	}
}
