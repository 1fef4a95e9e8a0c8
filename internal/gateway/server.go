// Package gateway is the HTTP and WebSocket surface of the runtime: the
// chat socket, the tool-activity API, the scheduler task API, and the
// guardrails rule API, plus health and metrics endpoints.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/internal/activity"
	"github.com/wardenhq/warden/internal/agent"
	"github.com/wardenhq/warden/internal/approvals"
	"github.com/wardenhq/warden/internal/guardrails"
	"github.com/wardenhq/warden/internal/observability"
	"github.com/wardenhq/warden/internal/scheduler"
)

// Config wires the server to its collaborators. Agent, Activity, Engine
// and Broker are required; Tasks/Sched enable the scheduler API, Gatherer
// enables /metrics, JWTSecret enables bearer auth.
type Config struct {
	Addr      string
	Agent     *agent.Agent
	Activity  *activity.Store
	Engine    *guardrails.Engine
	Broker    *approvals.Broker
	Tasks     *scheduler.TaskStore
	Sched     *scheduler.Scheduler
	Hub       *Hub
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	JWTSecret string
	Logger    *slog.Logger

	// PhoneWebhook, when set, is mounted at /phone/ for telephony
	// callbacks. It does its own signature authentication.
	PhoneWebhook http.Handler
}

// Server serves the gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger
	hub    *Hub

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the gateway server. The hub is created here when the
// config does not carry one.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		hub:    hub,
	}
}

// Hub returns the event hub feeding connected chat sockets. The
// interceptor's emitter points here.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("/ws", s.requireAuth(http.HandlerFunc(s.handleWS)))
	if s.cfg.PhoneWebhook != nil {
		mux.Handle("/phone/", http.StripPrefix("/phone", s.cfg.PhoneWebhook))
	}

	api := func(route string, h http.HandlerFunc) {
		mux.Handle(route, s.requireAuth(s.instrument(route, h)))
	}
	api("/api/tool-activity", s.apiActivityList)
	api("/api/tool-activity/summary", s.apiActivitySummary)
	api("/api/tool-activity/timeline", s.apiActivityTimeline)
	api("/api/tool-activity/sessions", s.apiActivitySessions)
	api("/api/tool-activity/export", s.apiActivityExport)
	api("/api/tool-activity/import", s.apiActivityImport)
	api("/api/tool-activity/", s.apiActivityItem)

	if s.cfg.Tasks != nil {
		api("/api/tasks", s.apiTaskList)
		api("/api/tasks/", s.apiTaskItem)
	}
	api("/api/rules", s.apiRules)

	return mux
}

// Start listens and serves until the context is cancelled or Shutdown is
// called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("gateway shutdown error", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request latency per route pattern.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	if s.cfg.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next(rec, r)
		s.cfg.Metrics.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(started).Seconds())
	})
}
