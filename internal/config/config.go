// Package config resolves process settings from the environment. Settings
// are read once at startup; profiles (test|dev|demo|prod) only change
// defaults, explicit env always wins.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
)

// Environment variable names. Kept flat: the deployment surface is a single
// systemd unit with a small EnvironmentFile.
const (
	EnvProfile             = "PODUP_PROFILE"
	EnvStateDir            = "STATE_DIR"
	EnvDBURL               = "DB_URL"
	EnvToken               = "TOKEN"
	EnvManualToken         = "MANUAL_TOKEN"
	EnvWebhookSecret       = "GH_WEBHOOK_SECRET"
	EnvHTTPAddr            = "HTTP_ADDR"
	EnvPublicBaseURL       = "PUBLIC_BASE_URL"
	EnvDebugPayloadPath    = "DEBUG_PAYLOAD_PATH"
	EnvAuditSync           = "AUDIT_SYNC"
	EnvSchedulerInterval   = "SCHEDULER_INTERVAL_SECS"
	EnvSchedulerMinInt     = "SCHEDULER_MIN_INTERVAL_SECS"
	EnvSchedulerMaxTicks   = "SCHEDULER_MAX_TICKS"
	EnvManualUnits         = "MANUAL_UNITS"
	EnvManualAutoUpdate    = "MANUAL_AUTO_UPDATE_UNIT"
	EnvContainerDir        = "CONTAINER_DIR"
	EnvFwdAuthHeader       = "FWD_AUTH_HEADER"
	EnvFwdAuthAdminValue   = "FWD_AUTH_ADMIN_VALUE"
	EnvFwdAuthNickname     = "FWD_AUTH_NICKNAME_HEADER"
	EnvAdminModeName       = "ADMIN_MODE_NAME"
	EnvDevOpenAdmin        = "DEV_OPEN_ADMIN"
	EnvSystemdRunSnapshot  = "SYSTEMD_RUN_SNAPSHOT"
	EnvSSHTarget           = "SSH_TARGET"
	EnvAutoUpdateLogDir    = "AUTO_UPDATE_LOG_DIR"
	EnvDigestCacheTTL      = "REGISTRY_DIGEST_CACHE_TTL_SECS"
	EnvLimit1Count         = "LIMIT1_COUNT"
	EnvLimit1Window        = "LIMIT1_WINDOW"
	EnvLimit2Count         = "LIMIT2_COUNT"
	EnvLimit2Window        = "LIMIT2_WINDOW"
	EnvGithubPathPrefix    = "GH_PATH_PREFIX"
	EnvGithubEventAllow    = "GH_EVENT_ALLOWLIST"
	EnvTaskExecutor        = "TASK_EXECUTOR"
	EnvRunTaskID           = "PODUP_RUN_TASK_ID"
	EnvLocalChildReapePoll = "LOCAL_CHILD_POLL_MS"
)

const (
	// DefaultAutoUpdateUnit is the unit started for auto-update tasks when
	// MANUAL_AUTO_UPDATE_UNIT is unset.
	DefaultAutoUpdateUnit = "podman-auto-update.service"

	// DefaultGithubPathPrefix is the URL prefix the webhook routes live under.
	DefaultGithubPathPrefix = "github-package-update"

	DefaultSchedulerInterval    = 900 * time.Second
	DefaultSchedulerMinInterval = 60 * time.Second
	DefaultDigestCacheTTL       = 600 * time.Second
)

// Settings is the resolved process configuration.
type Settings struct {
	Profile enum.Profile

	StateDir         string
	DBURL            string
	HTTPAddr         string
	PublicBaseURL    string
	DebugPayloadPath string

	Token         string
	ManualToken   string
	WebhookSecret string

	AuditSync bool

	SchedulerInterval    time.Duration
	SchedulerMinInterval time.Duration
	SchedulerMaxTicks    int

	ManualUnits    []string
	AutoUpdateUnit string
	ContainerDir   string

	FwdAuthHeader     string
	FwdAuthAdminValue string
	NicknameHeader    string
	AdminModeName     string
	DevOpenAdmin      bool

	SSHTarget          string
	SystemdRunSnapshot string
	TaskExecutor       string
	AutoUpdateLogDir   string

	GithubPathPrefix string
	GithubEventAllow []string

	DigestCacheTTL time.Duration

	Limit1Count  int
	Limit1Window time.Duration
	Limit2Count  int
	Limit2Window time.Duration
}

// Truthy reports whether an env value means "enabled".
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ProfileFromEnv reads PODUP_PROFILE, defaulting to prod.
func ProfileFromEnv() enum.Profile {
	switch os.Getenv(EnvProfile) {
	case "test":
		return enum.ProfileTest
	case "dev", "development":
		return enum.ProfileDev
	case "demo":
		return enum.ProfileDemo
	default:
		return enum.ProfileProd
	}
}

// Load resolves Settings from the environment. `.env.<profile>` and `.env`
// are loaded first (never overriding variables already set), matching how
// the deployment wraps the binary.
func Load() *Settings {
	profile := ProfileFromEnv()

	_ = godotenv.Load(".env."+string(profile), ".env")

	s := &Settings{
		Profile:          profile,
		StateDir:         os.Getenv(EnvStateDir),
		DBURL:            os.Getenv(EnvDBURL),
		HTTPAddr:         envOr(EnvHTTPAddr, "127.0.0.1:8366"),
		PublicBaseURL:    os.Getenv(EnvPublicBaseURL),
		DebugPayloadPath: os.Getenv(EnvDebugPayloadPath),

		Token:         os.Getenv(EnvToken),
		ManualToken:   os.Getenv(EnvManualToken),
		WebhookSecret: os.Getenv(EnvWebhookSecret),

		AuditSync: Truthy(os.Getenv(EnvAuditSync)),

		SchedulerInterval:    envDuration(EnvSchedulerInterval, DefaultSchedulerInterval),
		SchedulerMinInterval: envDuration(EnvSchedulerMinInt, DefaultSchedulerMinInterval),
		SchedulerMaxTicks:    envInt(EnvSchedulerMaxTicks, 0),

		ManualUnits:    ParseUnitList(os.Getenv(EnvManualUnits)),
		AutoUpdateUnit: envOr(EnvManualAutoUpdate, DefaultAutoUpdateUnit),
		ContainerDir:   os.Getenv(EnvContainerDir),

		FwdAuthHeader:     os.Getenv(EnvFwdAuthHeader),
		FwdAuthAdminValue: os.Getenv(EnvFwdAuthAdminValue),
		NicknameHeader:    os.Getenv(EnvFwdAuthNickname),
		AdminModeName:     os.Getenv(EnvAdminModeName),
		DevOpenAdmin:      Truthy(os.Getenv(EnvDevOpenAdmin)),

		SSHTarget:          os.Getenv(EnvSSHTarget),
		SystemdRunSnapshot: os.Getenv(EnvSystemdRunSnapshot),
		TaskExecutor:       envOr(EnvTaskExecutor, "systemd-run"),
		AutoUpdateLogDir:   os.Getenv(EnvAutoUpdateLogDir),

		GithubPathPrefix: envOr(EnvGithubPathPrefix, DefaultGithubPathPrefix),
		GithubEventAllow: ParseUnitList(os.Getenv(EnvGithubEventAllow)),

		DigestCacheTTL: envDuration(EnvDigestCacheTTL, DefaultDigestCacheTTL),

		Limit1Count:  envInt(EnvLimit1Count, 2),
		Limit1Window: envDuration(EnvLimit1Window, 600*time.Second),
		Limit2Count:  envInt(EnvLimit2Count, 10),
		Limit2Window: envDuration(EnvLimit2Window, 18000*time.Second),
	}

	s.applyProfileDefaults()
	return s
}

func (s *Settings) applyProfileDefaults() {
	switch s.Profile {
	case enum.ProfileTest:
		if s.DBURL == "" {
			s.DBURL = "sqlite://:memory:"
		}
		if s.StateDir == "" {
			s.StateDir = os.TempDir()
		}
	case enum.ProfileDev, enum.ProfileDemo:
		if !s.DevOpenAdmin && os.Getenv(EnvDevOpenAdmin) == "" {
			// Open admin by default unless the operator said otherwise.
			s.DevOpenAdmin = true
		}
		if s.StateDir == "" {
			if cwd, err := os.Getwd(); err == nil {
				s.StateDir = cwd
			} else {
				s.StateDir = "."
			}
		}
		if s.DBURL == "" {
			s.DBURL = "sqlite://" + filepath.Join(s.StateDir, "data", "podup.db")
		}
	default:
		if s.StateDir == "" {
			s.StateDir = "/var/lib/pod-upgrade-trigger"
		}
		if s.DBURL == "" {
			s.DBURL = "sqlite://" + filepath.Join(s.StateDir, "podup.db")
		}
	}
	if s.DebugPayloadPath == "" && s.Profile != enum.ProfileTest {
		s.DebugPayloadPath = filepath.Join(s.StateDir, "last_payload.bin")
	}
}

// PidDir is where the local-child executor keeps pidfiles.
func (s *Settings) PidDir() string {
	return filepath.Join(s.StateDir, "task-pids")
}

// WebRoot picks the first existing directory from the ordered candidate
// list. Empty string means no asset root is available.
func (s *Settings) WebRoot() string {
	cwd, _ := os.Getwd()
	candidates := []string{
		filepath.Join(s.StateDir, "web", "dist"),
		filepath.Join(cwd, "web", "dist"),
	}
	if root := projectRoot(cwd); root != "" {
		candidates = append(candidates, filepath.Join(root, "web", "dist"))
	}
	candidates = append(candidates, "/usr/share/pod-upgrade-trigger/web/dist")
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.IsDir() {
			return c
		}
	}
	return ""
}

// projectRoot walks up from dir looking for go.mod.
func projectRoot(dir string) string {
	for d := dir; d != "" && d != string(filepath.Separator); d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, "go.mod")); err == nil {
			return d
		}
	}
	return ""
}

// ParseUnitList splits a comma- or newline-separated list, trimming blanks.
func ParseUnitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
