// Package server exposes the cloud over HTTP: the TPA registration API,
// the operator API, metrics, and the websocket endpoints for TPAs and
// glasses.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/g960059/glasscloud/internal/config"
	"github.com/g960059/glasscloud/internal/lifecycle"
	"github.com/g960059/glasscloud/internal/metrics"
	"github.com/g960059/glasscloud/internal/registry"
	"github.com/g960059/glasscloud/internal/session"
)

const maxBodyBytes = 1 << 20

type Deps struct {
	Config   config.Config
	Clock    lifecycle.Clock
	Registry *registry.Registry
	Sessions *session.Manager
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Server struct {
	cfg      config.Config
	clock    lifecycle.Clock
	registry *registry.Registry
	sessions *session.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger
	router   chi.Router
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = lifecycle.RealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Server{
		cfg:      deps.Config,
		clock:    deps.Clock,
		registry: deps.Registry,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		log:      deps.Logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Non-browser clients; the first frame carries the credentials.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Post("/register", s.handleRegister)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/tpa-ws", s.handleTPASocket)
	r.Get("/glasses-ws", s.handleGlassesSocket)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/registrations", s.handleListRegistrations)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/sessions/{sessionID}", s.handleEndSession)
		r.Post("/sessions/{sessionID}/apps/{packageName}/start", s.handleStartApp)
		r.Post("/sessions/{sessionID}/apps/{packageName}/stop", s.handleStopApp)
	})
	r.MethodNotAllowed(s.methodNotAllowed)
	return r
}

// Handler is the full router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on ListenAddr and serves until ctx is done or serving fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// Addr is the bound listen address once Start is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests. Hijacked websocket connections are
// not tracked by http.Server; ending the sessions closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
