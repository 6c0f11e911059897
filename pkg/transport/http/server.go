package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/composer/pkg/auth"
	"github.com/rhuss/composer/pkg/observability"
	"github.com/rhuss/composer/pkg/transport"
)

// CallbackPrefix is the path prefix of sandbox callbacks. Those routes carry
// their own authentication and bypass the chat API's chain.
const CallbackPrefix = "/callback/"

// Server wraps an http.Server with the chat adapter, health and metrics
// endpoints, and the sandbox callback handler, and manages startup and
// graceful shutdown.
type Server struct {
	httpServer *http.Server
	adapter    *Adapter
	config     ServerConfig
	logger     *slog.Logger
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	// AuthChain authenticates chat clients. Nil disables authentication.
	AuthChain *auth.AuthChain
	// RateLimiter is applied after authentication when set.
	RateLimiter auth.RateLimiter
	// Callback serves CallbackPrefix when set.
	Callback http.Handler
	// Ready reports readiness on /readyz. Nil means always ready.
	Ready func(ctx context.Context) error
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		MaxBodySize:     1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithMaxBodySize sets the maximum request body size.
func WithMaxBodySize(n int64) ServerOption {
	return func(s *Server) { s.config.MaxBodySize = n }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// WithAuth authenticates chat requests with chain and, when limiter is not
// nil, rate limits them per identity.
func WithAuth(chain *auth.AuthChain, limiter auth.RateLimiter) ServerOption {
	return func(s *Server) {
		s.config.AuthChain = chain
		s.config.RateLimiter = limiter
	}
}

// WithCallback mounts the sandbox callback handler under CallbackPrefix.
func WithCallback(h http.Handler) ServerOption {
	return func(s *Server) { s.config.Callback = h }
}

// WithReadiness sets the /readyz check.
func WithReadiness(ready func(ctx context.Context) error) ServerOption {
	return func(s *Server) { s.config.Ready = ready }
}

// NewServer creates a server for invoker. history is optional. Default
// middleware (recovery, request ID, logging) is applied automatically.
func NewServer(invoker transport.ChatInvoker, history transport.ChatHistory, opts ...ServerOption) *Server {
	s := &Server{
		config: DefaultServerConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	adapterCfg := DefaultConfig()
	adapterCfg.Addr = s.config.Addr
	adapterCfg.MaxBodySize = s.config.MaxBodySize
	adapterCfg.ShutdownTimeout = int(s.config.ShutdownTimeout.Seconds())

	s.adapter = NewAdapter(invoker, history, adapterCfg,
		transport.Recovery(),
		transport.RequestID(),
		transport.Logging(s.logger),
	)

	s.httpServer = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler assembles the full route tree. Use it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.adapter.mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.config.Callback != nil {
		mux.Handle(CallbackPrefix, s.config.Callback)
	}

	var h http.Handler = observability.MetricsMiddleware(mux)
	if s.config.AuthChain != nil {
		bypass := append([]string{CallbackPrefix}, auth.DefaultBypassEndpoints...)
		h = auth.Middleware(s.config.AuthChain, s.config.RateLimiter, bypass)(h)
	}
	return httpRequestIDMiddleware(h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.config.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.config.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready\n", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", ln.Addr().String()))
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down", slog.Duration("timeout", s.config.ShutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
