// Package registry resolves container image manifest digests with a
// cached HEAD against the OCI registry API, answering bearer and basic
// challenges from the operator's containers-auth credentials.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

// Coarse error codes persisted in the cache row. Never prose, never
// credentials.
const (
	errInvalidImage   = "invalid-image"
	errTimeout        = "timeout"
	errUnauthorized   = "unauthorized"
	errAuthMissing    = "auth-missing"
	errAuthParse      = "auth-parse"
	errChallengeParse = "challenge-parse"
	errBadResponse    = "bad-response"
	errDigestMissing  = "digest-missing"
	errIO             = "io-error"
	errJSON           = "json-error"
)

const acceptManifests = "application/vnd.oci.image.index.v1+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.docker.distribution.manifest.v2+json"

// Resolution is a digest lookup result with cache provenance.
type Resolution struct {
	store.DigestEntry
	FromCache bool `json:"from_cache"`
	Stale     bool `json:"stale"`
}

// Resolver performs cached digest lookups against the store.
type Resolver struct {
	store  *store.Store
	client *http.Client

	// authPath overrides the containers-auth location in tests.
	authPath string
}

// New builds a resolver. The HTTP client bounds every registry round-trip.
func New(st *store.Store) *Resolver {
	return &Resolver{
		store:  st,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// imageRef is a parsed image reference.
type imageRef struct {
	scheme   string
	registry string
	repo     string
	tag      string
}

func (r imageRef) key() string {
	return r.registry + "/" + r.repo + ":" + r.tag
}

func (r imageRef) manifestURL() string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", r.scheme, r.registry, r.repo, r.tag)
}

// parseImage splits an image reference into registry host[:port]
// (lowercased), repository and tag. Scheme defaults to https; an explicit
// http:// prefix is honoured for local registries.
func parseImage(image string) (imageRef, error) {
	ref := imageRef{scheme: "https", tag: "latest"}

	rest := image
	if strings.HasPrefix(rest, "http://") {
		ref.scheme = "http"
		rest = strings.TrimPrefix(rest, "http://")
	} else {
		rest = strings.TrimPrefix(rest, "https://")
	}
	if rest == "" {
		return imageRef{}, errors.New(errInvalidImage)
	}

	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return imageRef{}, errors.New(errInvalidImage)
	}
	ref.registry = strings.ToLower(rest[:slash])
	rest = rest[slash+1:]

	if colon := strings.LastIndexByte(rest, ':'); colon > 0 {
		ref.tag = rest[colon+1:]
		rest = rest[:colon]
	}
	if rest == "" || ref.tag == "" {
		return imageRef{}, errors.New(errInvalidImage)
	}
	ref.repo = rest
	return ref, nil
}

// Resolve returns the manifest digest for image, honouring the cache TTL
// unless force is set. Failed refreshes keep any prior digest and surface
// a stale entry with a coarse error code.
func (r *Resolver) Resolve(ctx context.Context, image string, ttl time.Duration, force bool) (Resolution, error) {
	now := time.Now()

	ref, err := parseImage(image)
	if err != nil {
		entry := store.DigestEntry{
			Image: image, CheckedAt: now.Unix(),
			Status: enum.DigestStatusError, Error: errInvalidImage,
		}
		_ = r.store.UpsertDigest(ctx, entry)
		return Resolution{DigestEntry: entry, Stale: true}, nil
	}
	key := ref.key()

	cached, found, err := r.store.GetDigest(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	if found && !force && cached.Fresh(now, ttl) {
		return Resolution{DigestEntry: cached, FromCache: true}, nil
	}

	digest, code := r.fetchDigest(ctx, ref)

	entry := store.DigestEntry{Image: key, CheckedAt: now.Unix()}
	if code == "" {
		entry.Digest = digest
		entry.Status = enum.DigestStatusOK
	} else {
		// Keep any previously known digest across a failed refresh.
		entry.Digest = cached.Digest
		entry.Status = enum.DigestStatusError
		entry.Error = code
	}
	if err := r.store.UpsertDigest(ctx, entry); err != nil {
		logger.GetLogger(ctx).Warn("digest cache write failed",
			zap.String("image", key), zap.Error(err))
	}
	return Resolution{DigestEntry: entry, Stale: code != ""}, nil
}

// fetchDigest performs the HEAD plus at most one authenticated retry.
// Returns ("", code) on failure.
func (r *Resolver) fetchDigest(ctx context.Context, ref imageRef) (string, string) {
	resp, code := r.head(ctx, ref, "")
	if code != "" {
		return "", code
	}

	switch {
	case resp.status == http.StatusOK:
		if resp.digest == "" {
			return "", errDigestMissing
		}
		return resp.digest, ""

	case resp.status == http.StatusUnauthorized:
		authz, code := r.answerChallenge(ctx, ref, resp.challenge)
		if code != "" {
			return "", code
		}
		retry, code := r.head(ctx, ref, authz)
		if code != "" {
			return "", code
		}
		if retry.status == http.StatusOK {
			if retry.digest == "" {
				return "", errDigestMissing
			}
			return retry.digest, ""
		}
		if retry.status == http.StatusUnauthorized {
			return "", errUnauthorized
		}
		return "", errBadResponse

	default:
		return "", errBadResponse
	}
}

type headResult struct {
	status    int
	digest    string
	challenge string
}

func (r *Resolver) head(ctx context.Context, ref imageRef, authorization string) (headResult, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.manifestURL(), nil)
	if err != nil {
		return headResult{}, errIO
	}
	req.Header.Set("Accept", acceptManifests)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return headResult{}, errTimeout
		}
		return headResult{}, errIO
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return headResult{
		status:    resp.StatusCode,
		digest:    resp.Header.Get("Docker-Content-Digest"),
		challenge: resp.Header.Get("WWW-Authenticate"),
	}, ""
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// answerChallenge turns a WWW-Authenticate header into an Authorization
// value, fetching a bearer token when the registry asks for one.
func (r *Resolver) answerChallenge(ctx context.Context, ref imageRef, challenge string) (string, string) {
	switch {
	case strings.HasPrefix(challenge, "Bearer "):
		params, err := parseChallengeParams(strings.TrimPrefix(challenge, "Bearer "))
		if err != nil {
			return "", errChallengeParse
		}
		realm := params["realm"]
		if realm == "" {
			return "", errChallengeParse
		}
		token, code := r.fetchBearerToken(ctx, ref, realm, params["service"], params["scope"])
		if code != "" {
			return "", code
		}
		return "Bearer " + token, ""

	case strings.HasPrefix(challenge, "Basic"):
		user, pass, code := r.credentials(ref.registry)
		if code != "" {
			return "", code
		}
		return "Basic " + basicAuth(user, pass), ""

	default:
		return "", errChallengeParse
	}
}

// parseChallengeParams parses `realm="…",service="…",scope="…"`.
func parseChallengeParams(raw string) (map[string]string, error) {
	params := make(map[string]string)
	for _, part := range splitChallenge(raw) {
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			return nil, errors.New("malformed challenge param")
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		params[key] = val
	}
	return params, nil
}

// splitChallenge splits on commas outside quotes.
func splitChallenge(raw string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			if s := strings.TrimSpace(cur.String()); s != "" {
				parts = append(parts, s)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

func (r *Resolver) fetchBearerToken(ctx context.Context, ref imageRef, realm, service, scope string) (string, string) {
	u, err := url.Parse(realm)
	if err != nil {
		return "", errChallengeParse
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", errIO
	}
	user, pass, code := r.credentials(ref.registry)
	if code != "" {
		return "", code
	}
	req.SetBasicAuth(user, pass)

	resp, err := r.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", errTimeout
		}
		return "", errIO
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return "", errBadResponse
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errJSON
	}
	if body.Token != "" {
		return body.Token, ""
	}
	if body.AccessToken != "" {
		return body.AccessToken, ""
	}
	return "", errJSON
}

// AuthPath returns the containers-auth location.
func (r *Resolver) AuthPath() string {
	if r.authPath != "" {
		return r.authPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "containers", "auth.json")
}
