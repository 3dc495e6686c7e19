package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podup_http_requests_total",
		Help: "HTTP requests by path and status.",
	}, []string{"path", "status"})

	tasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podup_tasks_total",
		Help: "Dispatched tasks by kind and outcome.",
	}, []string{"kind", "outcome"})
)

type eventInfoKey struct{}

// eventInfo accumulates the audit fields a handler contributes to its
// request's event_log row.
type eventInfo struct {
	Action string
	Meta   map[string]any
}

func eventFromContext(ctx context.Context) *eventInfo {
	info, _ := ctx.Value(eventInfoKey{}).(*eventInfo)
	return info
}

// setAction tags the audit row for this exchange.
func setAction(r *http.Request, action string) {
	if info := eventFromContext(r.Context()); info != nil {
		info.Action = action
	}
}

// addEventMeta attaches a handler-specific field to the audit row.
func addEventMeta(r *http.Request, key string, value any) {
	if info := eventFromContext(r.Context()); info != nil {
		info.Meta[key] = value
	}
}

// statusRecorder captures the response status and size for the audit row.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.size += n
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// auditMiddleware emits exactly one event_log row per accepted exchange,
// with the query string passed through the token redactor.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := store.NewRequestID()

		info := &eventInfo{Action: "http", Meta: map[string]any{}}
		ctx := context.WithValue(r.Context(), eventInfoKey{}, info)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w}
		rec.Header().Set("Connection", "close")
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		meta := info.Meta
		meta["path"] = r.URL.Path
		if q := r.URL.RawQuery; q != "" {
			meta["query"] = logger.RedactTokens(q)
		}
		meta["response_size"] = rec.size
		if nick := s.policy.Nickname(r); nick != "" {
			meta["nickname"] = nick
		}

		httpRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()

		s.app.Store.RecordEvent(r.Context(), store.Event{
			RequestID:  requestID,
			TS:         start.Unix(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			Action:     info.Action,
			DurationMS: time.Since(start).Milliseconds(),
			Meta:       meta,
		})
	})
}

// requireAdmin enforces the forward-auth policy.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.policy.Admits(r) {
			setAction(r, "forward-auth-reject")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireInfraReady gates state-touching admin routes on the DB and podman
// being usable, answering 503 with a component breakdown otherwise.
func (s *Server) requireInfraReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		components := map[string]any{}
		ready := true

		dbStatus := s.app.Store.Status()
		components["db"] = dbStatus.OK
		if !dbStatus.OK {
			components["db_error"] = dbStatus.Error
			ready = false
		}

		if _, err := s.app.PodmanHealth(r.Context()); err != nil {
			components["podman"] = false
			components["podman_error"] = err.Error()
			ready = false
		} else {
			components["podman"] = true
		}

		if !ready {
			setAction(r, "infra-not-ready")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "infra-not-ready",
				"components": components,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfHeader must be present (any value) on state-changing admin routes.
const csrfHeader = "x-podup-csrf"

func requireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(csrfHeader) == "" {
			writeError(w, http.StatusForbidden, "csrf-header-missing")
			return
		}
		next.ServeHTTP(w, r)
	})
}
