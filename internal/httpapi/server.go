// Package httpapi serves the tool surface and the administrative
// endpoints over JSON HTTP. Every tool response body is the same
// envelope the MCP surface emits; only the status code is added.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/cache"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/mcpserver"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/search"
	"github.com/dpark2025/personal-pipeline/internal/telemetry"
)

// maxBodyBytes caps inbound JSON bodies.
const maxBodyBytes = 1 << 20

// Server is the HTTP surface.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *mcpserver.Dispatcher
	engine     *search.Engine
	registry   *adapter.Registry
	cache      *cache.SearchCache
	metrics    *telemetry.Recorder
	logger     *slog.Logger

	router  chi.Router
	httpSrv *http.Server
	started time.Time
}

// NewServer wires the router. cache and metrics may be nil; the
// affected endpoints degrade to partial output.
func NewServer(cfg config.ServerConfig, dispatcher *mcpserver.Dispatcher, engine *search.Engine, registry *adapter.Registry, searchCache *cache.SearchCache, metrics *telemetry.Recorder, logger *slog.Logger) (*Server, error) {
	if dispatcher == nil {
		return nil, pperrors.New(pperrors.KindConfig, "http server requires a dispatcher")
	}
	if engine == nil {
		return nil, pperrors.New(pperrors.KindConfig, "http server requires a search engine")
	}
	if registry == nil {
		return nil, pperrors.New(pperrors.KindConfig, "http server requires an adapter registry")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		engine:     engine,
		registry:   registry,
		cache:      searchCache,
		metrics:    metrics,
		logger:     logger,
		started:    time.Now(),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the assembled router, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	// Administrative endpoints bypass the query limiter so that
	// liveness probes keep answering under load.
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/performance", s.handlePerformance)

	r.Group(func(r chi.Router) {
		r.Use(s.limitConcurrency(s.cfg.MaxConcurrentQueries))
		r.Use(s.requestDeadline(s.cfg.RequestTimeout()))

		r.Post("/search", s.handleSearch)
		r.Post("/runbooks/search", s.handleSearchRunbooks)
		r.Get("/runbooks/{id}", s.handleGetRunbook)
		r.Get("/procedures/{runbook}/{step}", s.handleGetProcedure)
		r.Post("/escalation", s.handleEscalation)
		r.Post("/decision-tree", s.handleDecisionTree)
		r.Get("/sources", s.handleListSources)
		r.Post("/feedback", s.handleFeedback)
	})

	return r
}

// Run serves until the context is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Write timeout sits above the per-request deadline so the
		// handler's own timeout fires first.
		WriteTimeout: s.cfg.RequestTimeout() + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return pperrors.Wrap(pperrors.KindUnknown, "http shutdown", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return pperrors.Wrap(pperrors.KindUnknown, "http listen", err)
		}
		return nil
	}
}
