package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/seantiz/meetbot/internal/bot"
	"github.com/seantiz/meetbot/internal/engine"
	"github.com/seantiz/meetbot/internal/shutdown"
	"github.com/seantiz/meetbot/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	abortTimeout      = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultDrainTimeout = time.Hour
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address.
	Addr string

	// AdmitRPS limits POST /v1/bots per second. Zero disables the limit.
	AdmitRPS float64

	// DrainTimeout bounds how long shutdown waits for running bots before
	// aborting them.
	DrainTimeout time.Duration

	// Notifier overrides the systemd notifier used during startup and
	// shutdown.
	Notifier shutdown.Notifier
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router       *chi.Mux
	store        store.Store
	registry     *bot.Registry
	engine       *engine.Engine
	coordinator  *shutdown.Coordinator
	limiter      *rate.Limiter
	logger       *slog.Logger
	addr         string
	drainTimeout time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, s store.Store, reg *bot.Registry, eng *engine.Engine, logger *slog.Logger) *Server {
	srv := &Server{
		router:       chi.NewRouter(),
		store:        s,
		registry:     reg,
		engine:       eng,
		logger:       logger,
		addr:         opts.Addr,
		drainTimeout: opts.DrainTimeout,
	}
	if srv.drainTimeout <= 0 {
		srv.drainTimeout = defaultDrainTimeout
	}
	if opts.AdmitRPS > 0 {
		burst := int(math.Max(1, math.Ceil(opts.AdmitRPS)))
		srv.limiter = rate.NewLimiter(rate.Limit(opts.AdmitRPS), burst)
	}

	var coordOpts []shutdown.Option
	if opts.Notifier != nil {
		coordOpts = append(coordOpts, shutdown.WithNotifier(opts.Notifier))
	}
	srv.coordinator = shutdown.NewCoordinator(eng, logger, coordOpts...)

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/platforms", s.handleListPlatforms)

	s.router.Route("/v1/bots", func(r chi.Router) {
		r.Post("/", s.handleCreateBot)
		r.Get("/", s.handleListActive)
		r.Get("/history", s.handleListHistory)
		r.Get("/{id}", s.handleGetBot)
		r.Get("/{id}/events", s.handleStreamEvents)
		r.Get("/{id}/events/history", s.handleGetEventHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Drain closes admission and waits for running bots to leave their meetings.
// If they have not finished within the drain timeout they are aborted and
// given a short while to record their outcome.
func (s *Server) Drain() error {
	d := s.coordinator.BeginShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()

	err := d.Drain(ctx)
	if err == nil {
		return nil
	}

	s.engine.Abort()
	abortCtx, abortCancel := context.WithTimeout(context.Background(), abortTimeout)
	defer abortCancel()
	if werr := s.engine.WaitForCompletion(abortCtx); werr != nil {
		return fmt.Errorf("%w; aborted bots did not stop: %w", err, werr)
	}
	return err
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
// The HTTP server keeps serving status and event requests while bots drain.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.coordinator.Ready()

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	drainErr := s.Drain()
	if drainErr != nil {
		s.logger.Error("drain incomplete", "error", drainErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return drainErr
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
