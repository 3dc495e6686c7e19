package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/discovery"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/executor"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

const maxWebhookBody = 4 << 20

// verifySignature checks X-Hub-Signature-256 against the raw body in
// constant time.
func verifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimPrefix(header, prefix))))
}

// dumpDebugPayload writes the raw body atomically, replacing any previous
// capture. Best effort.
func (s *Server) dumpDebugPayload(body []byte) {
	path := s.app.Settings.DebugPayloadPath
	if path == "" {
		return
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// githubEventAllowed checks the optional comma-separated allow-list; an
// empty list allows every event type.
func (s *Server) githubEventAllowed(event string) bool {
	allow := s.app.Settings.GithubEventAllow
	if len(allow) == 0 {
		return true
	}
	for _, e := range allow {
		if e == event {
			return true
		}
	}
	return false
}

// unitFromWebhookPath maps /<prefix>/<slug>[/redeploy] to <slug>.service.
// Anything else is unmapped.
func unitFromWebhookPath(path, prefix string) (string, bool) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 || parts[0] != prefix {
		return "", false
	}
	slug := parts[1]
	if len(parts) == 3 && parts[2] != "redeploy" {
		return "", false
	}
	if len(parts) > 3 || slug == "" {
		return "", false
	}
	if !strings.HasSuffix(slug, ".service") {
		slug += ".service"
	}
	if _, err := hostexec.ParseUnitName(slug); err != nil {
		return "", false
	}
	return slug, true
}

// packageNode is the subset of the GitHub package webhook payload the
// handler extracts the target image from.
type packageNode struct {
	PackageType string `json:"package_type"`
	Name        string `json:"name"`
	Owner       struct {
		Login string `json:"login"`
	} `json:"owner"`
	Registry struct {
		URL string `json:"url"`
	} `json:"registry"`
	PackageVersion struct {
		ContainerMetadata struct {
			Tag struct {
				Name string `json:"name"`
			} `json:"tag"`
		} `json:"container_metadata"`
		Tags []string `json:"tags"`
	} `json:"package_version"`
}

type webhookPayload struct {
	Package         *packageNode `json:"package"`
	RegistryPackage *packageNode `json:"registry_package"`
}

// imageFromPayload builds `<registry_host>/<owner>/<name>:<tag>` from the
// package node with host, owner and name lowercased; the tag is kept as
// sent. The coarse reason identifies what was missing.
func imageFromPayload(body []byte) (string, string) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "missing-package-node"
	}
	node := payload.Package
	if node == nil {
		node = payload.RegistryPackage
	}
	if node == nil {
		return "", "missing-package-node"
	}
	if node.PackageType != "container" {
		return "", "unsupported-package-type"
	}
	if node.Name == "" || node.Owner.Login == "" {
		return "", "missing-package-name"
	}

	tag := node.PackageVersion.ContainerMetadata.Tag.Name
	if tag == "" {
		for _, t := range node.PackageVersion.Tags {
			if t != "" {
				tag = t
				break
			}
		}
	}
	if tag == "" {
		return "", "missing-tag"
	}

	host := "ghcr.io"
	if node.Registry.URL != "" {
		u := strings.TrimPrefix(strings.TrimPrefix(node.Registry.URL, "https://"), "http://")
		if h := strings.Trim(strings.SplitN(u, "/", 2)[0], "/"); h != "" {
			host = strings.ToLower(h)
		}
	}
	return host + "/" + strings.ToLower(node.Owner.Login) + "/" + strings.ToLower(node.Name) + ":" + tag, ""
}

// expectedImageForUnit reads the unit's Quadlet Image=, empty when the
// unit has no configured image.
func (s *Server) expectedImageForUnit(r *http.Request, unit string) string {
	file := discovery.ContainerFileFor(s.app.Settings.ContainerDir, unit)
	if file == "" {
		return ""
	}
	path, err := hostexec.ParseAbsPath(file)
	if err != nil {
		return ""
	}
	content, err := s.app.Backend.ReadFile(r.Context(), path)
	if err != nil {
		return ""
	}
	return discovery.QuadletImage(content)
}

func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	setAction(r, "github-webhook")
	delivery := r.Header.Get("X-GitHub-Delivery")
	addEventMeta(r, "delivery", delivery)

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid-input")
		return
	}

	secret := s.app.Settings.WebhookSecret
	if secret == "" {
		writeError(w, http.StatusUnauthorized, "missing-signature")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input")
		return
	}

	sigHeader := r.Header.Get("X-Hub-Signature-256")
	if sigHeader == "" {
		s.dumpDebugPayload(body)
		writeError(w, http.StatusUnauthorized, "missing-signature")
		return
	}
	if !verifySignature(secret, body, sigHeader) {
		s.dumpDebugPayload(body)
		writeError(w, http.StatusUnauthorized, "signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if !s.githubEventAllowed(event) {
		writeReason(w, http.StatusAccepted, "event-ignored", map[string]any{"event": event})
		return
	}

	unit, ok := unitFromWebhookPath(r.URL.Path, s.app.Settings.GithubPathPrefix)
	if !ok {
		writeReason(w, http.StatusAccepted, "event-ignored", nil)
		return
	}
	addEventMeta(r, "unit", unit)

	if len(body) == 0 {
		writeReason(w, http.StatusAccepted, "empty-body", map[string]any{"unit": unit})
		return
	}

	image, reason := imageFromPayload(body)
	if reason != "" {
		writeReason(w, http.StatusAccepted, reason, map[string]any{"unit": unit})
		return
	}
	addEventMeta(r, "image", image)

	if expected := s.expectedImageForUnit(r, unit); expected != "" {
		if strings.TrimSpace(expected) != strings.TrimSpace(image) {
			writeReason(w, http.StatusAccepted, "tag-mismatch", map[string]any{
				"unit": unit, "image": image, "expected": expected,
			})
			return
		}
	}

	// Check-only here; the runner consumes the token when it commits to
	// the pull.
	imageKey := hostexec.SanitizeImageKey(image)
	decision, err := s.app.Limiter.CheckGithubImage(r.Context(), imageKey, time.Now(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db-unavailable")
		return
	}
	if !decision.Allowed {
		addEventMeta(r, "counts", decision.Counts)
		writeError(w, http.StatusTooManyRequests, "rate-limit")
		return
	}

	taskID, err := s.app.DispatchTask(r.Context(), enum.TaskKindWebhook, "github",
		map[string]any{
			"unit":     unit,
			"image":    image,
			"delivery": delivery,
		}, executor.DispatchRequest{Github: true})
	if err != nil {
		tasksDispatched.WithLabelValues(string(enum.TaskKindWebhook), "error").Inc()
		logger.GetLogger(r.Context()).Warn("webhook dispatch failed",
			zap.String("unit", unit), zap.Error(err))
		addEventMeta(r, "task_id", taskID)
		writeError(w, http.StatusInternalServerError, dispatchErrorCode(err))
		return
	}
	tasksDispatched.WithLabelValues(string(enum.TaskKindWebhook), "dispatched").Inc()
	addEventMeta(r, "task_id", taskID)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  taskID,
		"unit":     unit,
		"image":    image,
		"delivery": delivery,
	})
}
