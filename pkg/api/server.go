package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/runner"
	"github.com/kilnhq/kiln/pkg/session"
	"github.com/kilnhq/kiln/pkg/state"
)

// Executor runs one code execution call. *runner.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, req *runner.Request) (*runner.Response, error)
}

// Presigner mints time-limited direct object-store URLs so file payloads
// bypass this server. *objstore.Client implements it.
type Presigner interface {
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Deps bundles the services the HTTP surface exposes.
type Deps struct {
	Exec     Executor
	Sessions *session.Store
	State    *state.Service
	Presign  Presigner
}

// Server is the HTTP API: execution, sessions, files, state, health and
// metrics.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	presignTTL time.Duration
	router     *chi.Mux
	http       *http.Server
	logger     zerolog.Logger
}

// New assembles the router. presignTTL bounds every minted URL.
func New(cfg config.ServerConfig, presignTTL time.Duration, deps Deps) *Server {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		presignTTL: presignTTL,
		logger:     log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	if sec := s.cfg.RequestTimeoutSec; sec > 0 {
		r.Use(middleware.Timeout(time.Duration(sec) * time.Second))
	}

	r.Post("/exec", s.handleExec)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/", s.handleListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/files", s.handleListSessionFiles)
			r.Post("/files/presign", s.handlePresignUpload)
			r.Get("/executions", s.handleListExecutions)
		})
	})

	r.Get("/files/{session_id}/{file_id}/presign", s.handlePresignDownload)

	r.Route("/state/{session_id}", func(r chi.Router) {
		r.Put("/", s.handlePutState)
		r.Get("/", s.handleGetState)
		r.Delete("/", s.handleDeleteState)
		r.Get("/info", s.handleStateInfo)
	})

	r.Get("/executions/{id}", s.handleGetExecution)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
}

// Handler exposes the router for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Stop is called or the listener fails.
func (s *Server) Start() error {
	// The write timeout must outlive the longest execution; the per-request
	// timeout middleware is the real bound.
	writeTimeout := time.Duration(s.cfg.RequestTimeoutSec+10) * time.Second
	if s.cfg.RequestTimeoutSec <= 0 {
		writeTimeout = 0
	}
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("API server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info().Msg("Stopping API server")
	return s.http.Shutdown(ctx)
}

// instrument records per-route request counts, latency and a debug log line.
// The chi route pattern keeps metric label cardinality flat.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := chi.RouteContext(req.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(req.Method, route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(req.Method, route).Observe(t.Duration().Seconds())

		s.logger.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Dur("duration", t.Duration()).
			Msg("Request handled")
	})
}
