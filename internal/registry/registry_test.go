package registry

import (
	"context"
	"encoding/base64"
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

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

func newResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	st := store.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "reg.db"), true)
	require.True(t, st.Status().OK)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func TestParseImage(t *testing.T) {
	tests := []struct {
		in       string
		registry string
		repo     string
		tag      string
		wantErr  bool
	}{
		{"ghcr.io/koha/svc-alpha:main", "ghcr.io", "koha/svc-alpha", "main", false},
		{"GHCR.IO/koha/svc:main", "ghcr.io", "koha/svc", "main", false},
		{"registry.local:5000/a/b:v1", "registry.local:5000", "a/b", "v1", false},
		{"ghcr.io/koha/svc", "ghcr.io", "koha/svc", "latest", false},
		{"", "", "", "", true},
		{"justaname", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ref, err := parseImage(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.registry, ref.registry)
			assert.Equal(t, tt.repo, ref.repo)
			assert.Equal(t, tt.tag, ref.tag)
		})
	}
}

func TestResolveFreshCacheSkipsHTTP(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls++
	}))
	defer srv.Close()
	image := "http://" + srv.Listener.Addr().String() + "/koha/svc:main"
	key := srv.Listener.Addr().String() + "/koha/svc:main"

	require.NoError(t, st.UpsertDigest(ctx, store.DigestEntry{
		Image: key, Digest: "sha256:old",
		CheckedAt: time.Now().Unix(), Status: enum.DigestStatusOK,
	}))

	res, err := r.Resolve(ctx, image, 600*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, "sha256:old", res.Digest)
	assert.True(t, res.FromCache)
	assert.False(t, res.Stale)
	assert.Zero(t, calls, "fresh cache answers without HTTP")
}

func TestResolveForceRefreshes(t *testing.T) {
	r, st := newResolver(t)
	ctx := context.Background()

	digest := "sha256:new"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, http.MethodHead, req.Method)
		assert.True(t, strings.HasPrefix(req.URL.Path, "/v2/koha/svc/manifests/"))
		if digest != "" {
			w.Header().Set("Docker-Content-Digest", digest)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	image := "http://" + srv.Listener.Addr().String() + "/koha/svc:main"
	key := srv.Listener.Addr().String() + "/koha/svc:main"

	require.NoError(t, st.UpsertDigest(ctx, store.DigestEntry{
		Image: key, Digest: "sha256:old",
		CheckedAt: time.Now().Add(-time.Hour).Unix(), Status: enum.DigestStatusOK,
	}))

	res, err := r.Resolve(ctx, image, 600*time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "sha256:new", res.Digest)
	assert.Equal(t, enum.DigestStatusOK, res.Status)
	assert.False(t, res.Stale)

	// Registry drops the header: prior digest retained, status flips to
	// error with digest-missing, no credential material anywhere.
	digest = ""
	res, err = r.Resolve(ctx, image, 600*time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "sha256:new", res.Digest)
	assert.Equal(t, enum.DigestStatusError, res.Status)
	assert.Equal(t, "digest-missing", res.Error)
	assert.True(t, res.Stale)
}

func TestResolveBearerChallenge(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	var tokenSrv *httptest.Server
	tokenSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "koha", user)
		assert.Equal(t, "hunter2", pass)
		assert.Equal(t, "registry", req.URL.Query().Get("service"))
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-123"})
	}))
	defer tokenSrv.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") == "Bearer tok-123" {
			w.Header().Set("Docker-Content-Digest", "sha256:auth")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("WWW-Authenticate",
			`Bearer realm="`+tokenSrv.URL+`/token",service="registry",scope="repository:koha/svc:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	authJSON := map[string]any{"auths": map[string]any{
		"https://" + host: map[string]string{
			"auth": base64.StdEncoding.EncodeToString([]byte("koha:hunter2")),
		},
	}}
	authPath := filepath.Join(t.TempDir(), "auth.json")
	data, _ := json.Marshal(authJSON)
	require.NoError(t, os.WriteFile(authPath, data, 0o600))
	r.authPath = authPath

	res, err := r.Resolve(ctx, "http://"+host+"/koha/svc:main", 600*time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "sha256:auth", res.Digest)
	assert.Equal(t, enum.DigestStatusOK, res.Status)
}

func TestResolveBasicChallenge(t *testing.T) {
	r, _ := newResolver(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		user, pass, ok := req.BasicAuth()
		if ok && user == "u" && pass == "p" {
			w.Header().Set("Docker-Content-Digest", "sha256:basic")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	host := srv.Listener.Addr().String()
	authPath := filepath.Join(t.TempDir(), "auth.json")
	data, _ := json.Marshal(map[string]any{"auths": map[string]any{
		host: map[string]string{"username": "u", "password": "p"},
	}})
	require.NoError(t, os.WriteFile(authPath, data, 0o600))
	r.authPath = authPath

	res, err := r.Resolve(context.Background(), "http://"+host+"/a/b:v1", 600*time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "sha256:basic", res.Digest)
}

func TestResolveAuthMissing(t *testing.T) {
	r, _ := newResolver(t)
	r.authPath = filepath.Join(t.TempDir(), "missing.json")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	res, err := r.Resolve(context.Background(), "http://"+srv.Listener.Addr().String()+"/a/b:v1", 0, true)
	require.NoError(t, err)
	assert.Equal(t, enum.DigestStatusError, res.Status)
	assert.Equal(t, "auth-missing", res.Error)
	assert.True(t, res.Stale)
}

func TestResolveInvalidImage(t *testing.T) {
	r, _ := newResolver(t)
	res, err := r.Resolve(context.Background(), "not-an-image", 0, false)
	require.NoError(t, err)
	assert.Equal(t, enum.DigestStatusError, res.Status)
	assert.Equal(t, "invalid-image", res.Error)
}

func TestChallengeParamParsing(t *testing.T) {
	params, err := parseChallengeParams(`realm="https://auth.example/token",service="registry.example",scope="repository:a/b:pull,push"`)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example/token", params["realm"])
	assert.Equal(t, "registry.example", params["service"])
	assert.Equal(t, "repository:a/b:pull,push", params["scope"], "commas inside quotes survive")
}

func TestCredentialLookupHostForms(t *testing.T) {
	r, _ := newResolver(t)
	authPath := filepath.Join(t.TempDir(), "auth.json")
	data, _ := json.Marshal(map[string]any{"auths": map[string]any{
		"https://GHCR.io": map[string]string{
			"auth": base64.StdEncoding.EncodeToString([]byte("a:b")),
		},
	}})
	require.NoError(t, os.WriteFile(authPath, data, 0o600))
	r.authPath = authPath

	user, pass, code := r.credentials("ghcr.io")
	assert.Empty(t, code)
	assert.Equal(t, "a", user)
	assert.Equal(t, "b", pass)

	_, _, code = r.credentials("other.io")
	assert.Equal(t, "auth-missing", code)
}
