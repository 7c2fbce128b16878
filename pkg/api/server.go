package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/qcforge/qcforge/pkg/log"
	"github.com/qcforge/qcforge/pkg/metrics"
	"github.com/qcforge/qcforge/pkg/server"
	"github.com/qcforge/qcforge/pkg/storage"
)

// Server is the HTTP API front of a qcforge server. It carries both
// surfaces: the manager wire protocol under /compute/v1 and the client
// surface under /api/v1.
type Server struct {
	app    *server.Server
	store  *storage.Store
	limits server.APILimits
	router chi.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router over an assembled application server
func NewServer(app *server.Server) *Server {
	s := &Server{
		app:    app,
		store:  app.Store(),
		limits: app.Config().APILimits,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/compute/v1", func(r chi.Router) {
		r.Post("/managers", s.handleActivate)
		r.Patch("/managers/{name}", s.handleHeartbeat)
		r.Post("/tasks/claim", s.handleClaim)
		r.Post("/tasks/return", s.handleReturn)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/molecules", s.handleAddMolecules)
		r.Post("/molecules/bulkGet", s.handleGetMolecules)
		r.Delete("/molecules", s.handleDeleteMolecules)

		r.Post("/keywords", s.handleAddKeywords)
		r.Post("/keywords/bulkGet", s.handleGetKeywords)

		r.Post("/records/query", s.handleQueryRecords)
		r.Post("/records/bulkGet", s.handleGetRecords)
		r.Post("/records/reset", s.recordAction("reset", s.store.ResetRecords))
		r.Post("/records/cancel", s.recordAction("cancel", s.store.CancelRecords))
		r.Post("/records/uncancel", s.recordAction("uncancel", s.store.UncancelRecords))
		r.Post("/records/invalidate", s.recordAction("invalidate", s.store.InvalidateRecords))
		r.Post("/records/uninvalidate", s.recordAction("uninvalidate", s.store.UninvalidateRecords))
		r.Post("/records/delete", s.recordAction("delete", s.store.SoftDeleteRecords))
		r.Post("/records/undelete", s.recordAction("undelete", s.store.UndeleteRecords))
		r.Post("/records/wait", s.handleWaitRecords)
		r.Post("/records/{id}/comments", s.handleAddComment)

		r.Post("/tasks/modify", s.handleModifyTasks)

		r.Post("/singlepoints", s.handleAddSinglepoints)
		r.Post("/singlepoints/bulkGet", s.handleGetSinglepoints)
		r.Post("/optimizations", s.handleAddOptimizations)
		r.Post("/optimizations/bulkGet", s.handleGetOptimizations)
		r.Post("/torsiondrives", s.handleAddTorsiondrives)
		r.Post("/torsiondrives/bulkGet", s.handleGetTorsiondrives)
		r.Post("/gridoptimizations", s.handleAddGridoptimizations)
		r.Post("/gridoptimizations/bulkGet", s.handleGetGridoptimizations)
		r.Post("/reactions", s.handleAddReactions)
		r.Post("/reactions/bulkGet", s.handleGetReactions)
		r.Post("/manybodys", s.handleAddManybodys)
		r.Post("/manybodys/bulkGet", s.handleGetManybodys)
		r.Post("/nebs", s.handleAddNEBs)
		r.Post("/nebs/bulkGet", s.handleGetNEBs)

		r.Get("/managers", s.handleQueryManagers)
		r.Get("/managers/{name}", s.handleGetManager)
		r.Get("/managers/{name}/log", s.handleManagerLog)

		r.Get("/stats", s.handleGetStats)
		r.Delete("/stats", s.handleDeleteStats)
	})

	s.router = r
	return s
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start serves the API on addr. Blocks until the listener fails or
// Stop is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // record waits block here
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("address", addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"storage": "ok"}
	status := http.StatusOK
	if _, err := s.store.TaskCount(r.Context()); err != nil {
		checks["storage"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{
		"status":    http.StatusText(status),
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// metricsMiddleware records request counts and latency per method
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
