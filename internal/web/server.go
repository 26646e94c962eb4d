// Package web serves the JSON API: command execution, execution history,
// devices, network state, artifacts, scripts, metrics and a websocket
// event stream.
package web

import (
	"bufio"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"zigbee-toolkit/internal/automation"
	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/metrics"
	"zigbee-toolkit/internal/scheduler"
	"zigbee-toolkit/internal/toolkit"
)

// ServerOption configures the server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets the CORS and websocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithAutomation exposes script management.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithMetrics counts requests in m and serves handler on path.
func WithMetrics(m *metrics.Metrics, path string, handler http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
		s.metricsHandler = handler
	}
}

// WithExecuteLimit throttles POST /api/execute. A zero rate disables it.
func WithExecuteLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithExecuteTimeout bounds each HTTP dispatch.
func WithExecuteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// WithSchedules exposes the scheduler state on /api/schedules.
func WithSchedules(sched *scheduler.Scheduler) ServerOption {
	return func(s *Server) { s.schedules = sched }
}

// Server is the HTTP front end.
type Server struct {
	router *toolkit.Router
	coord  *coordinator.Coordinator
	logger *slog.Logger
	mux    *http.ServeMux
	wsHub  *WSHub
	tracer trace.Tracer

	apiKey         string
	allowedOrigins []string
	version        string
	timeout        time.Duration
	limiter        *rate.Limiter

	scriptMgr  *automation.Manager
	autoEngine *automation.Engine
	schedules  *scheduler.Scheduler

	metrics        *metrics.Metrics
	metricsPath    string
	metricsHandler http.Handler

	wg          sync.WaitGroup
	unsubEvents func()
}

// NewServer wires the API to router and coord and starts the websocket hub.
func NewServer(router *toolkit.Router, coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		router:  router,
		coord:   coord,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		tracer:  otel.Tracer("zigbee-toolkit/web"),
		timeout: 60 * time.Second,
		limiter: rate.NewLimiter(2, 5),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = coord.Events().OnAll(s.wsHub.Broadcast)

	s.routes()
	return s
}

// Stop shuts down the websocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/execute", s.handleAPIExecute)
	s.mux.HandleFunc("GET /api/commands", s.handleAPICommands)
	s.mux.HandleFunc("GET /api/executions", s.handleAPIListExecutions)
	s.mux.HandleFunc("GET /api/executions/{id}", s.handleAPIGetExecution)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{ref}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ref}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ref}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("GET /api/groups", s.handleAPIListGroups)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("POST /api/permit-join", s.handleAPIPermitJoin)
	s.mux.HandleFunc("GET /api/artifacts/{kind}", s.handleAPIArtifacts)
	s.mux.HandleFunc("GET /api/schedules", s.handleAPISchedules)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleAPIRunCode)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)

	if s.metricsHandler != nil {
		s.mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}
}

// ServeHTTP applies CORS, API key auth, tracing and request counting.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		if r.Method == http.MethodOptions {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") && !s.authorized(r) {
		s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	_, route := s.mux.Handler(r)
	if route == "" {
		route = "unmatched"
	}
	ctx, span := s.tracer.Start(ctx, route, trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.target", r.URL.Path),
	))
	defer span.End()

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r.WithContext(ctx))

	span.SetAttributes(attribute.Int("http.status_code", rec.status))
	if s.metrics != nil {
		s.metrics.HTTP.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// authorized checks X-API-Key. The websocket route also takes the key as
// an api_key query parameter since browsers cannot set headers on upgrade.
func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" && r.URL.Path == "/api/ws" {
		key = r.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the websocket upgrade through to the real connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	ID    string `json:"id,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
