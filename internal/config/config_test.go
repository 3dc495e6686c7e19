package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
)

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on", " True "} {
		assert.True(t, Truthy(v), v)
	}
	for _, v := range []string{"", "0", "false", "off", "nope"} {
		assert.False(t, Truthy(v), v)
	}
}

func TestParseUnitList(t *testing.T) {
	assert.Nil(t, ParseUnitList(""))
	assert.Nil(t, ParseUnitList("  \n "))
	assert.Equal(t, []string{"a.service", "b.service"}, ParseUnitList("a.service,b.service"))
	assert.Equal(t, []string{"a.service", "b.service"}, ParseUnitList("a.service\nb.service\n"))
	assert.Equal(t, []string{"a.service", "b.service"}, ParseUnitList(" a.service ,\n b.service "))
}

func TestLoadTestProfileDefaults(t *testing.T) {
	t.Setenv(EnvProfile, "test")
	t.Setenv(EnvDBURL, "")
	t.Setenv(EnvStateDir, "")

	s := Load()
	require.Equal(t, enum.ProfileTest, s.Profile)
	assert.Equal(t, "sqlite://:memory:", s.DBURL)
	assert.Empty(t, s.DebugPayloadPath)
	assert.Equal(t, DefaultAutoUpdateUnit, s.AutoUpdateUnit)
	assert.Equal(t, DefaultGithubPathPrefix, s.GithubPathPrefix)
}

func TestLoadProdProfileDefaults(t *testing.T) {
	t.Setenv(EnvProfile, "prod")
	t.Setenv(EnvStateDir, t.TempDir())

	s := Load()
	require.Equal(t, enum.ProfileProd, s.Profile)
	assert.False(t, s.DevOpenAdmin)
	assert.Contains(t, s.DBURL, "sqlite://")
	assert.Contains(t, s.DebugPayloadPath, "last_payload.bin")
}

func TestLoadDevOpensAdmin(t *testing.T) {
	t.Setenv(EnvProfile, "dev")
	t.Setenv(EnvStateDir, t.TempDir())

	s := Load()
	assert.True(t, s.DevOpenAdmin)
}

func TestLoadDevOpenAdminExplicitOff(t *testing.T) {
	t.Setenv(EnvProfile, "dev")
	t.Setenv(EnvStateDir, t.TempDir())
	t.Setenv(EnvDevOpenAdmin, "0")

	s := Load()
	assert.False(t, s.DevOpenAdmin)
}

func TestLimitOverrides(t *testing.T) {
	t.Setenv(EnvProfile, "test")
	t.Setenv(EnvLimit1Count, "5")
	t.Setenv(EnvLimit1Window, "120")

	s := Load()
	assert.Equal(t, 5, s.Limit1Count)
	assert.Equal(t, 120*time.Second, s.Limit1Window)
	assert.Equal(t, 10, s.Limit2Count)
	assert.Equal(t, 18000*time.Second, s.Limit2Window)
}

func TestSchedulerBounds(t *testing.T) {
	t.Setenv(EnvProfile, "test")
	t.Setenv(EnvSchedulerInterval, "30")
	t.Setenv(EnvSchedulerMaxTicks, "3")

	s := Load()
	assert.Equal(t, 30*time.Second, s.SchedulerInterval)
	assert.Equal(t, DefaultSchedulerMinInterval, s.SchedulerMinInterval)
	assert.Equal(t, 3, s.SchedulerMaxTicks)
}
