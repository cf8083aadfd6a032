package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lazypower/preheat/internal/engine"
)

// Server is the local admin API. It never touches engine state
// directly: reads go through the published summary and writes become
// control events on the engine's channel.
type Server struct {
	summary  func() *engine.Summary
	events   chan<- engine.ControlEvent
	gatherer prometheus.Gatherer
	version  string
	started  time.Time
	log      *zap.Logger
	router   chi.Router
}

// New creates a Server wired to a running engine.
func New(summary func() *engine.Summary, events chan<- engine.ControlEvent,
	gatherer prometheus.Gatherer, version string, log *zap.Logger) *Server {
	s := &Server{
		summary:  summary,
		events:   events,
		gatherer: gatherer,
		version:  version,
		started:  time.Now(),
		log:      log.Named("admin"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/summary", s.handleSummary)
		r.Post("/save", s.handleControl(engine.ControlSave))
		r.Post("/reload", s.handleControl(engine.ControlReload))
	})
	r.Method("GET", "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.summary())
}

// handleControl enqueues a control event without blocking the request;
// a full engine queue answers 503.
func (s *Server) handleControl(kind engine.ControlKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.events <- engine.ControlEvent{Kind: kind}:
			s.log.Info("control accepted", zap.Stringer("kind", kind))
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status": "accepted", "request": kind.String(),
			})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "engine busy, try again",
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
