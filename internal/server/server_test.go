package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/app"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/config"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/discovery"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/executor"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/ratelimit"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/registry"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/task"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/testutil"
)

const quadletDir = "/etc/containers/systemd"

// inlineExecutor runs the task body synchronously so tests observe the
// final state right after the response. Runner errors surface as the
// task's terminal status, like the async executors.
type inlineExecutor struct {
	runner **task.Runner
}

func (e *inlineExecutor) Kind() string { return "inline" }

func (e *inlineExecutor) Dispatch(ctx context.Context, taskID string, _ executor.DispatchRequest) (map[string]any, error) {
	_ = (*e.runner).Run(ctx, taskID)
	return map[string]any{"inline": true}, nil
}

func (e *inlineExecutor) Stop(context.Context, string, string) (map[string]any, error) {
	return nil, nil
}

func (e *inlineExecutor) ForceStop(context.Context, string, string) (map[string]any, error) {
	return nil, nil
}

type fixture struct {
	server   *Server
	app      *app.Context
	backend  *testutil.FakeBackend
	store    *store.Store
	settings *config.Settings
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	stateDir := t.TempDir()

	settings := &config.Settings{
		Profile:              enum.ProfileTest,
		StateDir:             stateDir,
		DBURL:                "sqlite://" + filepath.Join(stateDir, "server.db"),
		HTTPAddr:             "127.0.0.1:0",
		DebugPayloadPath:     filepath.Join(stateDir, "last_payload.bin"),
		Token:                "manual-secret",
		WebhookSecret:        "s",
		AutoUpdateUnit:       "podman-auto-update.service",
		ContainerDir:         quadletDir,
		GithubPathPrefix:     config.DefaultGithubPathPrefix,
		SchedulerInterval:    900 * time.Second,
		SchedulerMinInterval: 60 * time.Second,
		DigestCacheTTL:       600 * time.Second,
	}
	if mutate != nil {
		mutate(settings)
	}

	st := store.Open(context.Background(), settings.DBURL, true)
	require.True(t, st.Status().OK)
	t.Cleanup(func() { st.Close() })

	fb := testutil.NewFakeBackend()
	fb.Dirs[quadletDir] = nil

	limiter := ratelimit.New(st, ratelimit.Config{})
	var runner *task.Runner

	a := &app.Context{
		Settings:  settings,
		Store:     st,
		Backend:   fb,
		Executor:  &inlineExecutor{runner: &runner},
		Limiter:   limiter,
		Discovery: discovery.New(fb, st, settings.ContainerDir),
		Resolver:  registry.New(st),
	}
	runner = task.New(st, fb, limiter, settings.AutoUpdateUnit, "inline", stateDir)
	a.Runner = runner

	return &fixture{server: New(a), app: a, backend: fb, store: st, settings: settings}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookBody(owner, name, tag string) []byte {
	payload := map[string]any{
		"registry_package": map[string]any{
			"package_type": "container",
			"name":         name,
			"owner":        map[string]any{"login": owner},
			"registry":     map[string]any{"url": "https://ghcr.io"},
			"package_version": map[string]any{
				"container_metadata": map[string]any{
					"tag": map[string]any{"name": tag},
				},
			},
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthOpen(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	db := body["db"].(map[string]any)
	assert.Equal(t, true, db["ok"])
}

func TestSSEHello(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/sse/hello", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), "event: hello")
	assert.Contains(t, rec.Body.String(), `"message":"hello"`)
}

func TestAPIConfigOpen(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.PublicBaseURL = "https://podup.example" })
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "https://podup.example/github-package-update", body["webhook_url_prefix"])
	assert.Equal(t, "github-package-update", body["github_path_prefix"])
}

// S1: GitHub webhook success end to end.
func TestWebhookSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Files[quadletDir+"/svc-alpha.container"] =
		"[Container]\nImage=ghcr.io/koha/svc-alpha:main\nAutoupdate=registry\n"

	body := webhookBody("koha", "svc-alpha", "main")
	req := httptest.NewRequest(http.MethodPost, "/github-package-update/svc-alpha", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s", body))
	req.Header.Set("X-GitHub-Event", "registry_package")
	req.Header.Set("X-GitHub-Delivery", "d1")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeBody(t, rec)
	assert.Equal(t, "svc-alpha.service", resp["unit"])
	assert.Equal(t, "ghcr.io/koha/svc-alpha:main", resp["image"])
	assert.Equal(t, "d1", resp["delivery"])
	taskID := resp["task_id"].(string)
	require.NotEmpty(t, taskID)

	// Host commands in order (plus the quadlet read has no argv).
	assert.Equal(t, []string{
		"podman pull ghcr.io/koha/svc-alpha:main",
		"systemctl --user restart svc-alpha.service",
		"podman image prune -f",
	}, f.backend.CommandLines())

	ctx := context.Background()
	tk, err := f.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, enum.TaskStatusSucceeded, tk.Status)

	events, err := f.store.QueryEvents(ctx, store.EventFilter{Action: "github-webhook"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 202, events[0].Status)

	n, err := f.store.CountTokens(ctx, ratelimit.ScopeGithubImage,
		"ghcr.io_koha_svc-alpha_main", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locks, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, locks)
}

// S3: invalid signature dumps the body and answers 401.
func TestWebhookInvalidSignature(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"zen":"simplicity"}`)

	req := httptest.NewRequest(http.MethodPost, "/github-package-update/svc-alpha", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	rec := f.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	dumped, err := os.ReadFile(f.settings.DebugPayloadPath)
	require.NoError(t, err)
	assert.Equal(t, body, dumped)
}

func TestWebhookEmptyBody(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/github-package-update/svc-alpha", nil)
	req.Header.Set("X-Hub-Signature-256", sign("s", nil))

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "empty-body", decodeBody(t, rec)["reason"])
}

func TestWebhookTagMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Files[quadletDir+"/svc-alpha.container"] =
		"[Container]\nImage=ghcr.io/koha/svc-alpha:stable\n"

	body := webhookBody("koha", "svc-alpha", "main")
	req := httptest.NewRequest(http.MethodPost, "/github-package-update/svc-alpha", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s", body))

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "tag-mismatch", decodeBody(t, rec)["reason"])
	assert.Empty(t, f.backend.CommandLines(), "no rollout on mismatch")
}

func TestWebhookUnsupportedPackageType(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"registry_package":{"package_type":"npm","name":"x","owner":{"login":"y"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/github-package-update/svc-alpha", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s", body))

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "unsupported-package-type", decodeBody(t, rec)["reason"])
}

func TestWebhookEventAllowlist(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.GithubEventAllow = []string{"registry_package"} })
	body := webhookBody("koha", "svc-alpha", "main")
	req := httptest.NewRequest(http.MethodPost, "/github-package-update/svc-alpha", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("s", body))
	req.Header.Set("X-GitHub-Event", "push")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "event-ignored", decodeBody(t, rec)["reason"])
}

// S2: manual rate-limit breach, prune, retry.
func TestAutoUpdateRateLimitAndRecovery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := f.store.DB().Exec(
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES ('manual','manual-auto-update',?)`,
			now.Unix())
		require.NoError(t, err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/auto-update?token=manual-secret", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate-limit", decodeBody(t, rec)["error"])

	// Age every token past 48h and prune.
	_, err := f.store.DB().Exec(`UPDATE rate_limit_tokens SET ts = ts - 200000`)
	require.NoError(t, err)
	deleted, err := f.store.PruneTokens(ctx, now.Add(-48*time.Hour), false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/auto-update?token=manual-secret", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, f.backend.CommandLines(),
		"systemctl --user start podman-auto-update.service")
}

func TestAutoUpdateTokenChecks(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/auto-update", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/auto-update?token=wrong", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token values are redacted in the audit trail.
	events, err := f.store.QueryEvents(context.Background(), store.EventFilter{Action: "auto-update"})
	require.NoError(t, err)
	for _, ev := range events {
		if q, ok := ev.Meta["query"].(string); ok {
			assert.NotContains(t, q, "wrong")
		}
	}
}

func TestAutoUpdateNoConfiguredToken(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.Token = "" })
	rec := f.do(httptest.NewRequest(http.MethodGet, "/auto-update?token=", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForwardAuthClosed(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.FwdAuthHeader = "X-Forwarded-Groups"
		s.FwdAuthAdminValue = "admins"
	})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("X-Forwarded-Groups", "admins")
	rec = f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Header.Set("X-Forwarded-Groups", "interns")
	rec = f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCSRFRequiredOnWrites(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/manual/trigger",
		strings.NewReader(`{"units":["svc-a"]}`))
	rec := f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/manual/trigger",
		strings.NewReader(`{"units":["svc-a"]}`))
	req.Header.Set(csrfHeader, "1")
	rec = f.do(req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestInfraReadyGate(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Errors["podman --version"] = assertAnError()

	req := httptest.NewRequest(http.MethodGet, "/api/manual/services", nil)
	rec := f.do(req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "infra-not-ready", body["error"])
	components := body["components"].(map[string]any)
	assert.Equal(t, true, components["db"])
	assert.Equal(t, false, components["podman"])
}

// S4: auto-discovery surfaces both unit sources.
func TestManualServicesDiscovery(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Dirs[quadletDir] = []string{"svc-gamma.container", "svc-delta.service"}
	f.backend.Files[quadletDir+"/svc-gamma.container"] = "[Container]\nAutoupdate=registry\n"

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/manual/services", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	discovered := body["discovered"].(map[string]any)["units"].([]any)
	var names []string
	for _, item := range discovered {
		m := item.(map[string]any)
		assert.Equal(t, "discovered", m["source"])
		names = append(names, m["unit"].(string))
	}
	assert.ElementsMatch(t, []string{"svc-gamma.service", "svc-delta.service"}, names)
}

func TestManualTriggerResolvesUnits(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/manual/trigger",
		strings.NewReader(`{"units":["svc-a","github-package-update/svc-b","svc-c.service"],"dry_run":true}`))
	req.Header.Set(csrfHeader, "1")
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	units := body["units"].([]any)
	assert.Equal(t, []any{"svc-a.service", "svc-b.service", "svc-c.service"}, units)

	taskID := body["task_id"].(string)
	tk, err := f.store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, enum.TaskStatusSucceeded, tk.Status)
}

func TestManualTriggerTokenOutsideDev(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.Profile = enum.ProfileProd
		s.ManualToken = "mt"
	})

	req := httptest.NewRequest(http.MethodPost, "/api/manual/trigger",
		strings.NewReader(`{"units":["svc-a"],"token":"nope"}`))
	req.Header.Set(csrfHeader, "1")
	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/manual/trigger",
		strings.NewReader(`{"units":["svc-a"],"token":"mt","dry_run":true}`))
	req.Header.Set(csrfHeader, "1")
	rec = f.do(req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestManualServiceSlug(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/manual/services/svc-b",
		strings.NewReader(`{"dry_run":true}`))
	req.Header.Set(csrfHeader, "1")
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "svc-b.service", decodeBody(t, rec)["unit"])
}

func TestImageLockAdminSurface(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.store.TryAcquireLock(ctx, "stuck-bucket", time.Now())
	require.NoError(t, err)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/image-locks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	locks := decodeBody(t, rec)["locks"].([]any)
	require.Len(t, locks, 1)

	req := httptest.NewRequest(http.MethodDelete, "/api/image-locks/stuck-bucket", nil)
	req.Header.Set(csrfHeader, "1")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	remaining, err := f.store.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestTaskDetailEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, store.Task{
		TaskID: "t-detail", Kind: enum.TaskKindAutoUpdate,
	}))
	require.NoError(t, f.store.AppendTaskLog(ctx, store.TaskLog{
		TaskID: "t-detail", Level: "info", Action: "start",
	}))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/tasks/t-detail", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "t-detail", body["task"].(map[string]any)["task_id"])
	assert.Len(t, body["logs"].([]any), 1)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/tasks/t-missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskStopEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, store.Task{
		TaskID: "t-running", Kind: enum.TaskKindWebhook,
	}))
	require.NoError(t, f.store.MarkTaskRunning(ctx, "t-running"))

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t-running/stop", nil)
	req.Header.Set(csrfHeader, "1")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tk, err := f.store.GetTask(ctx, "t-running")
	require.NoError(t, err)
	assert.Equal(t, enum.TaskStatusCancelled, tk.Status)
	assert.Nil(t, tk.FinishedAt, "stop-killed tasks keep finished_at null")

	req = httptest.NewRequest(http.MethodPost, "/api/tasks/t-missing/stop", nil)
	req.Header.Set(csrfHeader, "1")
	rec = f.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsFilterEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/events?action=health&limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["count"])
}

func TestLastPayloadServed(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(f.settings.DebugPayloadPath, []byte("raw-bytes"), 0o600))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/last_payload.bin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "raw-bytes", rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodHead, "/last_payload.bin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestUnknownPath404(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/no/such/path", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodPut, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEveryRequestAudited(t *testing.T) {
	f := newFixture(t, nil)
	f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	events, err := f.store.QueryEvents(context.Background(), store.EventFilter{Action: "health"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.NotEmpty(t, ev.RequestID)
	assert.Equal(t, "GET", ev.Method)
	assert.Equal(t, "/health", ev.Path)
	assert.Equal(t, 200, ev.Status)
}

func TestResolveUnitIdentifierIdempotent(t *testing.T) {
	cases := []string{"svc-a", "svc-a.service", "/svc-a/", "github-package-update/svc-a"}
	for _, raw := range cases {
		once, err := resolveUnitIdentifier(raw, "github-package-update")
		require.NoError(t, err)
		twice, err := resolveUnitIdentifier(once, "github-package-update")
		require.NoError(t, err)
		assert.Equal(t, once, twice, raw)
		assert.Equal(t, "svc-a.service", once, raw)
	}
}

func TestVerifySignatureContract(t *testing.T) {
	body := []byte("payload")
	good := sign("secret", body)
	assert.True(t, verifySignature("secret", body, good))
	assert.False(t, verifySignature("secret", body, "sha256=deadbeef"))
	assert.False(t, verifySignature("secret", body, strings.TrimPrefix(good, "sha256=")))
	assert.False(t, verifySignature("other", body, good))
}

func TestServeSingleRequest(t *testing.T) {
	f := newFixture(t, nil)

	raw := "GET /health HTTP/1.1\r\nHost: localhost\r\n\r\n"
	var out bytes.Buffer
	require.NoError(t, f.server.ServeSingle(context.Background(), strings.NewReader(raw), &out))

	response := out.String()
	assert.True(t, strings.HasPrefix(response, "HTTP/1.1 200 OK\r\n"), response)
	assert.Contains(t, response, "Connection: close")
	assert.Contains(t, response, `"status":"ok"`)
}

func TestServeSingleChunkedBody(t *testing.T) {
	f := newFixture(t, nil)
	body := webhookBody("koha", "svc-alpha", "main")
	sig := sign("s", body)

	var raw bytes.Buffer
	raw.WriteString("POST /github-package-update/svc-alpha HTTP/1.1\r\n")
	raw.WriteString("Host: localhost\r\n")
	raw.WriteString("X-Hub-Signature-256: " + sig + "\r\n")
	raw.WriteString("Transfer-Encoding: chunked\r\n\r\n")
	// Two chunks exercising the hex size-line decoder.
	half := len(body) / 2
	for _, chunk := range [][]byte{body[:half], body[half:]} {
		raw.WriteString(strings.ToLower(strings.TrimLeft(hexLen(len(chunk)), "0")) + "\r\n")
		raw.Write(chunk)
		raw.WriteString("\r\n")
	}
	raw.WriteString("0\r\n\r\n")

	var out bytes.Buffer
	require.NoError(t, f.server.ServeSingle(context.Background(), &raw, &out))
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.1 202"), out.String())
}

func hexLen(n int) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%16]}, b...)
		n /= 16
	}
	return string(b)
}

func assertAnError() error {
	return &os.PathError{Op: "exec", Path: "podman", Err: os.ErrNotExist}
}
