// Package httpapi exposes the execution core over HTTP: run creation,
// status, live event streams, cancellation, schedule CRUD side-effects
// and requirement coverage.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"testdeck/internal/coverage"
	"testdeck/internal/observability"
	"testdeck/internal/run"
	"testdeck/internal/schedule"
	"testdeck/internal/storage"
	logx "testdeck/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr string

	// RatePerSec/RateBurst limit run creation; 0 disables limiting.
	RatePerSec int
	RateBurst  int

	ReadTimeout time.Duration
	IdleTimeout time.Duration

	// HeartbeatInterval is the keep-alive cadence on event streams.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c
}

type Server struct {
	log      logx.Logger
	cfg      Config
	pool     *run.Pool
	tracker  *run.Tracker
	coord    *run.Coordinator
	registry *schedule.Registry
	store    storage.Store
	cov      *coverage.Service
	limiter  *rate.Limiter

	srv *http.Server
}

func NewServer(cfg Config, pool *run.Pool, tracker *run.Tracker, coord *run.Coordinator,
	registry *schedule.Registry, store storage.Store, cov *coverage.Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		log:      log,
		cfg:      cfg,
		pool:     pool,
		tracker:  tracker,
		coord:    coord,
		registry: registry,
		store:    store,
		cov:      cov,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	s.srv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
		// WriteTimeout stays zero: event streams are long-lived.
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Route("/api", func(r chi.Router) {
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)

		r.Put("/schedules/{id}", s.handlePutSchedule)
		r.Delete("/schedules/{id}", s.handleDeleteSchedule)

		r.Get("/requirements/{id}/coverage", s.handleGetCoverage)
		r.Post("/requirements/{id}/links/{testId}", s.handleLinkTest)
		r.Delete("/requirements/{id}/links/{testId}", s.handleUnlinkTest)
	})

	r.Handle("/metrics", observability.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
