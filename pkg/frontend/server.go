// Package frontend serves the local HTTP API the game list and the create/join form talk to.
package frontend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/castaneai/monopolymoney/pkg/gamesession"
	"github.com/castaneai/monopolymoney/pkg/joinflow"
	"github.com/castaneai/monopolymoney/pkg/statuscache"
	"github.com/go-chi/chi"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "monopolymoney"

type Server struct {
	store     gamesession.Store
	workflow  *joinflow.Workflow
	refresher *statuscache.Refresher
	registry  *prometheus.Registry
	logger    *zap.Logger

	requestLatency *prometheus.HistogramVec
	requestCounter *prometheus.CounterVec
	submissions    *prometheus.CounterVec
}

func NewServer(store gamesession.Store, workflow *joinflow.Workflow, refresher *statuscache.Refresher, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Server{
		store:     store,
		workflow:  workflow,
		refresher: refresher,
		registry:  registry,
		logger:    logger,
	}
	s.initMetrics()
	return s
}

func (s *Server) initMetrics() {
	s.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "request_latency_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
	s.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route",
	}, []string{"route", "method", "code"})
	s.submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "joinflow",
		Name:      "submissions_total",
		Help:      "Create and join submissions by result",
	}, []string{"mode", "result"})
	s.registry.MustRegister(s.requestLatency, s.requestCounter, s.submissions)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/games", s.instrument("/games", s.handleList))
	r.Post("/games", s.instrument("/games", s.handleSubmit(joinflow.ModeCreate)))
	r.Post("/games/join", s.instrument("/games/join", s.handleSubmit(joinflow.ModeJoin)))
	r.Post("/games/refresh", s.instrument("/games/refresh", s.handleRefresh))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

type listResponse struct {
	Sessions []gamesession.Session `json:"sessions"`
}

func (s *Server) handleList(w http.ResponseWriter, req *http.Request) {
	sessions, err := s.store.List(req.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
		return
	}
	gamesession.SortByRecent(sessions)
	s.writeJSON(w, http.StatusOK, &listResponse{Sessions: sessions})
}

type submitRequest struct {
	GameID string `json:"gameId"`
	Name   string `json:"name"`
}

type submitResponse struct {
	gamesession.Credentials
	Reused bool `json:"reused"`
}

func (s *Server) handleSubmit(mode joinflow.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body submitRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}
		out, err := s.workflow.Submit(req.Context(), joinflow.Request{Mode: mode, GameID: body.GameID, Name: body.Name})
		if err == joinflow.ErrSubmitInFlight {
			s.submissions.WithLabelValues(mode.String(), "in_flight").Inc()
			s.writeError(w, http.StatusConflict, err)
			return
		}
		if err != nil {
			s.logger.Error("failed to submit", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
			return
		}
		switch {
		case out.Resolved():
			result := "created"
			if out.Reused {
				result = "reused"
			} else if mode == joinflow.ModeJoin {
				result = "joined"
			}
			s.submissions.WithLabelValues(mode.String(), result).Inc()
			s.writeJSON(w, http.StatusOK, &submitResponse{Credentials: *out.Credentials, Reused: out.Reused})
		case out.Failure != nil:
			s.submissions.WithLabelValues(mode.String(), "failure").Inc()
			s.writeError(w, http.StatusBadGateway, out.Failure)
		default:
			s.submissions.WithLabelValues(mode.String(), "rejected").Inc()
			s.writeJSON(w, http.StatusUnprocessableEntity, &out.Fields)
		}
	}
}

type refreshResponse struct {
	Refreshed []string          `json:"refreshed"`
	Failed    map[string]string `json:"failed"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, req *http.Request) {
	report, err := s.refresher.RefreshAll(req.Context())
	if err != nil {
		s.logger.Error("failed to refresh sessions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
		return
	}
	resp := &refreshResponse{Refreshed: report.Refreshed, Failed: make(map[string]string)}
	if resp.Refreshed == nil {
		resp.Refreshed = []string{}
	}
	for id, err := range report.Failed {
		resp.Failed[id] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode JSON", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, &errorResponse{Error: err.Error()})
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next(rw, req)
		labels := prometheus.Labels{"route": route, "method": req.Method, "code": strconv.Itoa(rw.status)}
		s.requestLatency.With(labels).Observe(time.Since(start).Seconds())
		s.requestCounter.With(labels).Inc()
		s.logger.Debug("http_request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
