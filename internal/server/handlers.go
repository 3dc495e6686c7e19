package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/app"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/executor"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

// maxJSONBody bounds every JSON request body.
const maxJSONBody = 1 << 20

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return false
	}
	if len(body) > maxJSONBody {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid-input")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	setAction(r, "health")
	dbStatus := s.app.Store.Status()

	podman := map[string]any{"ok": true}
	if version, err := s.app.PodmanHealth(r.Context()); err != nil {
		podman = map[string]any{"ok": false, "error": err.Error()}
	} else {
		podman["version"] = version
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      app.Version,
		"db":           dbStatus,
		"podman":       podman,
		"host_backend": string(s.app.Backend.Kind()),
	})
}

func (s *Server) handleSSEHello(w http.ResponseWriter, r *http.Request) {
	setAction(r, "sse-hello")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	payload, _ := json.Marshal(map[string]any{
		"message":   "hello",
		"timestamp": time.Now().Unix(),
	})
	fmt.Fprintf(w, "event: hello\ndata: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-config")
	base := strings.TrimSuffix(s.app.Settings.PublicBaseURL, "/")
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_url_prefix": base + "/" + s.app.Settings.GithubPathPrefix,
		"github_path_prefix": s.app.Settings.GithubPathPrefix,
	})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-settings")
	cfg := s.app.Settings
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":              string(cfg.Profile),
		"state_dir":            cfg.StateDir,
		"http_addr":            cfg.HTTPAddr,
		"auto_update_unit":     cfg.AutoUpdateUnit,
		"manual_units":         cfg.ManualUnits,
		"container_dir":        cfg.ContainerDir,
		"github_path_prefix":   cfg.GithubPathPrefix,
		"task_executor":        s.app.Executor.Kind(),
		"host_backend":         string(s.app.Backend.Kind()),
		"ssh_target_hint":      s.app.Backend.SSHTargetHint(),
		"forward_auth_header":  cfg.FwdAuthHeader,
		"admin_mode_name":      cfg.AdminModeName,
		"scheduler_interval_s": int(cfg.SchedulerInterval.Seconds()),
		"audit_sync":           cfg.AuditSync,
		"token_configured":     cfg.Token != "",
		"manual_token_set":     cfg.ManualToken != "",
		"webhook_secret_set":   cfg.WebhookSecret != "",
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-events")
	q := r.URL.Query()

	filter := store.EventFilter{
		RequestID:  q.Get("request_id"),
		PathPrefix: q.Get("path_prefix"),
		Action:     q.Get("action"),
	}
	filter.Status, _ = strconv.Atoi(q.Get("status"))
	filter.FromTS, _ = strconv.ParseInt(q.Get("from_ts"), 10, 64)
	filter.ToTS, _ = strconv.ParseInt(q.Get("to_ts"), 10, 64)
	if limit := q.Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	} else {
		filter.Page, _ = strconv.Atoi(q.Get("page"))
		filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	}

	events, err := s.app.Store.QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-webhook-status")
	last, err := s.app.Store.LastWebhookEvents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": last})
}

func (s *Server) handleImageLocks(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-image-locks")
	locks, err := s.app.Store.ListLocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleDeleteImageLock(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-image-lock-delete")
	bucket := chi.URLParam(r, "bucket")
	if bucket == "" {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return
	}
	addEventMeta(r, "bucket", bucket)
	if err := s.app.Store.ReleaseLock(r.Context(), bucket); err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": bucket})
}

func (s *Server) handlePruneState(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-prune-state")
	var body struct {
		MaxAgeHours int  `json:"max_age_hours"`
		DryRun      bool `json:"dry_run"`
	}
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if body.MaxAgeHours <= 0 {
		body.MaxAgeHours = 48
	}

	taskID, err := s.app.DispatchTask(r.Context(), enum.TaskKindPrune, "api",
		map[string]any{
			"retention_secs": float64(body.MaxAgeHours * 3600),
			"dry_run":        body.DryRun,
		}, executor.DispatchRequest{Action: "prune-state"})
	if err != nil {
		addEventMeta(r, "task_id", taskID)
		writeError(w, http.StatusInternalServerError, dispatchErrorCode(err))
		return
	}
	addEventMeta(r, "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) handleManualServices(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-manual-services")
	refresh := r.URL.Query().Get("refresh") == "1"

	discovered, err := s.app.Discovery.Units(r.Context(), refresh)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}

	units := make([]map[string]any, 0, len(discovered))
	for _, u := range discovered {
		units = append(units, map[string]any{
			"unit":          u.Unit,
			"source":        "discovered",
			"origin":        string(u.Source),
			"discovered_at": u.DiscoveredAt,
		})
	}

	configured := make([]map[string]any, 0, len(s.app.Settings.ManualUnits))
	for _, u := range s.app.Settings.ManualUnits {
		configured = append(configured, map[string]any{"unit": u, "source": "configured"})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discovered": map[string]any{"units": units},
		"configured": configured,
	})
}

type manualTriggerBody struct {
	Token  string   `json:"token"`
	All    bool     `json:"all"`
	Units  []string `json:"units"`
	DryRun bool     `json:"dry_run"`
	Caller string   `json:"caller"`
	Reason string   `json:"reason"`
}

// checkManualToken enforces the configured manual token outside dev.
func (s *Server) checkManualToken(token string) bool {
	if s.app.Settings.Profile == enum.ProfileDev {
		return true
	}
	expected := s.app.Settings.ManualToken
	if expected == "" {
		return true
	}
	return constantTimeEqual(token, expected)
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	setAction(r, "manual-trigger")
	var body manualTriggerBody
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if !s.checkManualToken(body.Token) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	units := body.Units
	if body.All || len(units) == 0 {
		units = s.app.Settings.ManualUnits
	}
	if len(units) == 0 {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return
	}
	resolved := make([]any, 0, len(units))
	for _, u := range units {
		unit, err := resolveUnitIdentifier(u, s.app.Settings.GithubPathPrefix)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid-input")
			return
		}
		resolved = append(resolved, unit)
	}

	decision, err := s.app.Limiter.CheckManual(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	if !decision.Allowed {
		addEventMeta(r, "counts", decision.Counts)
		writeError(w, http.StatusTooManyRequests, "rate-limit")
		return
	}

	taskID, err := s.app.DispatchTask(r.Context(), enum.TaskKindManualTrigger, triggerSource(body.Caller, "api"),
		map[string]any{
			"units":   resolved,
			"dry_run": body.DryRun,
			"reason":  body.Reason,
		}, executor.DispatchRequest{Action: "manual-trigger"})
	if err != nil {
		addEventMeta(r, "task_id", taskID)
		writeError(w, http.StatusInternalServerError, dispatchErrorCode(err))
		return
	}
	addEventMeta(r, "task_id", taskID)
	addEventMeta(r, "units", resolved)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "units": resolved})
}

type manualServiceBody struct {
	Token  string `json:"token"`
	DryRun bool   `json:"dry_run"`
	Caller string `json:"caller"`
	Reason string `json:"reason"`
	Image  string `json:"image"`
}

func (s *Server) handleManualService(w http.ResponseWriter, r *http.Request) {
	setAction(r, "manual-service")
	var body manualServiceBody
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if !s.checkManualToken(body.Token) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	unit, err := resolveUnitIdentifier(chi.URLParam(r, "slug"), s.app.Settings.GithubPathPrefix)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return
	}
	addEventMeta(r, "unit", unit)

	decision, err := s.app.Limiter.CheckManual(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	if !decision.Allowed {
		writeError(w, http.StatusTooManyRequests, "rate-limit")
		return
	}

	taskID, err := s.app.DispatchTask(r.Context(), enum.TaskKindManualService, triggerSource(body.Caller, "api"),
		map[string]any{
			"unit":    unit,
			"image":   body.Image,
			"dry_run": body.DryRun,
			"reason":  body.Reason,
		}, executor.DispatchRequest{Action: "manual-service"})
	if err != nil {
		addEventMeta(r, "task_id", taskID)
		writeError(w, http.StatusInternalServerError, dispatchErrorCode(err))
		return
	}
	addEventMeta(r, "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "unit": unit})
}

func (s *Server) handleAutoUpdate(w http.ResponseWriter, r *http.Request) {
	setAction(r, "auto-update")
	expected := s.app.Settings.Token
	if expected == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !constantTimeEqual(r.URL.Query().Get("token"), expected) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	decision, err := s.app.Limiter.CheckManual(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	if !decision.Allowed {
		addEventMeta(r, "counts", decision.Counts)
		writeError(w, http.StatusTooManyRequests, "rate-limit")
		return
	}

	taskID, err := s.app.DispatchTask(r.Context(), enum.TaskKindAutoUpdate, "token",
		nil, executor.DispatchRequest{Action: "auto-update"})
	if err != nil {
		addEventMeta(r, "task_id", taskID)
		writeError(w, http.StatusInternalServerError, dispatchErrorCode(err))
		return
	}
	addEventMeta(r, "task_id", taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) handleLastPayload(w http.ResponseWriter, r *http.Request) {
	setAction(r, "last-payload")
	path := s.app.Settings.DebugPayloadPath
	if path == "" {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-tasks")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.app.Store.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-task-detail")
	id := chi.URLParam(r, "id")
	t, err := s.app.Store.GetTask(r.Context(), id)
	if err == store.ErrTaskNotFound {
		writeError(w, http.StatusNotFound, "task-not-found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	units, _ := s.app.Store.TaskUnits(r.Context(), id)
	logs, _ := s.app.Store.TaskLogs(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"task": t, "units": units, "logs": logs})
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-task-stop")
	id := chi.URLParam(r, "id")
	force := r.URL.Query().Get("force") == "1"
	addEventMeta(r, "task_id", id)
	addEventMeta(r, "force", force)

	meta, err := s.app.StopTask(r.Context(), id, force)
	if err == store.ErrTaskNotFound {
		writeError(w, http.StatusNotFound, "task-not-found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, dispatchErrorCode(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "result": meta})
}

func (s *Server) handleRegistryDigest(w http.ResponseWriter, r *http.Request) {
	setAction(r, "api-registry-digest")
	image := r.URL.Query().Get("image")
	if image == "" {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return
	}
	force := r.URL.Query().Get("force") == "1"
	res, err := s.app.Resolver.Resolve(r.Context(), image, s.app.Settings.DigestCacheTTL, force)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStatic serves the web asset root for unmatched GET/HEAD.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeText(w, http.StatusMethodNotAllowed, "method not allowed\n")
		return
	}
	setAction(r, "static")

	root := s.app.Settings.WebRoot()
	if root == "" {
		writeText(w, http.StatusNotFound, "not found\n")
		return
	}
	clean := filepath.Clean(strings.TrimPrefix(r.URL.Path, "/"))
	if clean == "." {
		clean = "index.html"
	}
	if strings.HasPrefix(clean, "..") {
		writeText(w, http.StatusNotFound, "not found\n")
		return
	}
	full := filepath.Join(root, clean)
	if st, err := os.Stat(full); err != nil || st.IsDir() {
		writeText(w, http.StatusNotFound, "not found\n")
		return
	}
	http.ServeFile(w, r, full)
}

// resolveUnitIdentifier maps an operator-supplied identifier to a unit
// name: `foo.service` verbatim, `foo` appends the suffix, and
// `<github-prefix>/foo` strips the prefix. Resolution is idempotent.
func resolveUnitIdentifier(raw, githubPrefix string) (string, error) {
	cleaned := strings.Trim(raw, "/")
	if githubPrefix != "" {
		cleaned = strings.TrimPrefix(cleaned, githubPrefix+"/")
	}
	cleaned = strings.Trim(cleaned, "/")
	if cleaned == "" {
		return "", fmt.Errorf("invalid-input")
	}
	if !strings.HasSuffix(cleaned, ".service") {
		cleaned += ".service"
	}
	return cleaned, nil
}

func triggerSource(caller, fallback string) string {
	if caller != "" {
		return caller
	}
	return fallback
}

func dispatchErrorCode(err error) string {
	if execErr, ok := err.(*executor.Error); ok {
		return execErr.Code
	}
	return "spawn-failed"
}
