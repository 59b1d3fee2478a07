package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"runtime"
	"sync"

	"github.com/basket/pushkeeper/internal/agent"
	"github.com/basket/pushkeeper/internal/assets"
	"github.com/basket/pushkeeper/internal/audit"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/lifecycle"
	"github.com/basket/pushkeeper/internal/notify"
	otelPkg "github.com/basket/pushkeeper/internal/otel"
	"github.com/basket/pushkeeper/internal/persistence"
	"github.com/basket/pushkeeper/internal/shared"
)

const (
	defaultMaxBodyBytes = 1 << 20

	roleHost = "host"

	traceHeader = "X-Trace-Id"
)

// Config wires the gateway to the agent.
type Config struct {
	Dispatcher *agent.Dispatcher
	Center     *notify.Center
	Store      *persistence.OfflineStore
	Hub        *PageHub
	Lifecycle  *lifecycle.Controller
	Assets     *assets.Cache
	Bus        *bus.Bus
	Metrics    *otelPkg.Metrics
	Logger     *slog.Logger

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config shown in /healthz.
	ConfigFingerprint string

	RateLimit    config.RateLimitConfig
	CORS         config.CORSConfig
	MaxBodyBytes int64
}

// Server serves the push intake, host API, page sockets and assets.
type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *AuthMiddleware
	limit  *RateLimitMiddleware

	hostsMu sync.RWMutex
	hosts   map[*hostClient]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		auth:   NewAuthMiddleware(cfg.AuthToken),
		limit:  NewRateLimitMiddleware(cfg.RateLimit),
		hosts:  make(map[*hostClient]struct{}),
	}
	if cfg.Metrics != nil {
		s.limit.OnReject = func(r *http.Request) {
			cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		}
	}
	return s
}

// RateLimiter exposes the limiter so the daemon can start bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.limit
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("POST /push", s.handlePush)
	mux.HandleFunc("GET /notifications", s.handleNotifications)
	mux.HandleFunc("POST /notifications/{id}/click", s.handleNotificationClick)
	mux.HandleFunc("POST /notifications/{id}/close", s.handleNotificationClose)
	mux.HandleFunc("GET /assets/{path...}", s.handleAssets)

	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.limit.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestContext carries the caller's trace id, or a fresh one.
func requestContext(r *http.Request) context.Context {
	if id := r.Header.Get(traceHeader); id != "" {
		return shared.WithTraceID(r.Context(), id)
	}
	return shared.EnsureTraceID(r.Context())
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	// The event outlives the request: a client that hangs up must not
	// abort queueing or display halfway.
	res, err := s.cfg.Dispatcher.OnPush(context.WithoutCancel(ctx), raw)
	w.Header().Set(traceHeader, shared.TraceID(ctx))
	switch {
	case errors.Is(err, agent.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Error("push handling failed", "trace_id", shared.TraceID(ctx), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.cfg.Center.List()})
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	res, err := s.cfg.Dispatcher.OnNotificationClick(context.WithoutCancel(ctx), r.PathValue("id"))
	switch {
	case errors.Is(err, notify.ErrUnknownNotification):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleNotificationClose(w http.ResponseWriter, r *http.Request) {
	ctx := requestContext(r)
	err := s.cfg.Dispatcher.OnNotificationClose(ctx, r.PathValue("id"))
	switch {
	case errors.Is(err, notify.ErrUnknownNotification):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"closed": true})
	}
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Assets == nil || s.cfg.Lifecycle == nil {
		http.NotFound(w, r)
		return
	}
	gen := s.cfg.Lifecycle.Active()
	if gen == "" {
		writeError(w, http.StatusServiceUnavailable, "no active cache generation")
		return
	}
	name := r.PathValue("path")
	f, err := s.cfg.Assets.Get(gen, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, assets.ErrInvalidPath) {
			http.NotFound(w, r)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("X-Cache-Generation", gen)
	http.ServeContent(w, r, path.Base(name), info.ModTime(), f)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	pending, err := s.cfg.Store.Pending(ctx)
	if err != nil {
		dbOK = false
	}
	state, generation := lifecycle.StateParsed, ""
	active := ""
	if s.cfg.Lifecycle != nil {
		state, generation = s.cfg.Lifecycle.State()
		active = s.cfg.Lifecycle.Active()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"pending_offline":    pending,
		"pages":              s.cfg.Hub.Count(),
		"hosts":              s.hostCount(),
		"notifications":      len(s.cfg.Center.List()),
		"lifecycle_state":    state,
		"generation":         generation,
		"active_generation":  active,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"in_flight":          s.cfg.Dispatcher.Stats().InFlight,
	}
	status := http.StatusOK
	if !dbOK {
		payload["db_error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	pending, _ := s.cfg.Store.Pending(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"events":          s.cfg.Dispatcher.Stats(),
		"pending_offline": pending,
		"pages":           s.cfg.Hub.Count(),
		"notifications":   len(s.cfg.Center.List()),
		"audit_failures":  audit.FailureCount(),
		"alloc_bytes":     mem.Alloc,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	st := s.cfg.Dispatcher.Stats()
	pending, _ := s.cfg.Store.Pending(r.Context())

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	metric := func(name, kind, help string, v int64) {
		fmt.Fprintf(w, "# HELP pushkeeper_%s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE pushkeeper_%s %s\n", name, kind)
		fmt.Fprintf(w, "pushkeeper_%s %d\n", name, v)
	}
	metric("pending_offline", "gauge", "Messages waiting in the offline queue.", int64(pending))
	metric("pages_connected", "gauge", "Connected pages.", int64(s.cfg.Hub.Count()))
	metric("notifications_open", "gauge", "Notifications on screen.", int64(len(s.cfg.Center.List())))
	metric("events_in_flight", "gauge", "Agent events in progress.", st.InFlight)
	metric("pushes_total", "counter", "Push events received.", st.Pushes)
	metric("fallbacks_total", "counter", "Generic notifications shown.", st.Fallbacks)
	metric("offline_appended_total", "counter", "Messages queued.", st.Persisted)
	metric("offline_append_errors_total", "counter", "Failed queue appends.", st.PersistErrors)
	metric("offline_drained_total", "counter", "Messages delivered from the queue.", st.Drained)
	metric("route_deliveries_total", "counter", "Clicks delivered to a page.", st.Routed)
	metric("route_failures_total", "counter", "Clicks that could not be delivered.", st.RouteFailures)
	metric("audit_failures_total", "counter", "Audit writes that failed.", audit.FailureCount())
	metric("alloc_bytes", "gauge", "Current allocated memory in bytes.", int64(mem.Alloc))
}
