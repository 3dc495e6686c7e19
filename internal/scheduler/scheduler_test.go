package scheduler

import (
	"context"
	"path/filepath"
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

type inlineExecutor struct{ runner *task.Runner }

func (e *inlineExecutor) Kind() string { return "inline" }

func (e *inlineExecutor) Dispatch(ctx context.Context, taskID string, _ executor.DispatchRequest) (map[string]any, error) {
	return map[string]any{"inline": true}, e.runner.Run(ctx, taskID)
}

func (e *inlineExecutor) Stop(context.Context, string, string) (map[string]any, error) {
	return nil, nil
}

func (e *inlineExecutor) ForceStop(context.Context, string, string) (map[string]any, error) {
	return nil, nil
}

func newScheduler(t *testing.T) (*Scheduler, *testutil.FakeBackend, *store.Store) {
	t.Helper()
	settings := &config.Settings{
		Profile:              enum.ProfileTest,
		StateDir:             t.TempDir(),
		AutoUpdateUnit:       "podman-auto-update.service",
		SchedulerInterval:    10 * time.Millisecond,
		SchedulerMinInterval: time.Millisecond,
		SchedulerMaxTicks:    3,
	}
	st := store.Open(context.Background(), "sqlite://"+filepath.Join(settings.StateDir, "s.db"), true)
	t.Cleanup(func() { st.Close() })

	fb := testutil.NewFakeBackend()
	limiter := ratelimit.New(st, ratelimit.Config{})
	runner := task.New(st, fb, limiter, settings.AutoUpdateUnit, "inline", settings.StateDir)

	a := &app.Context{
		Settings:  settings,
		Store:     st,
		Backend:   fb,
		Executor:  &inlineExecutor{runner: runner},
		Limiter:   limiter,
		Discovery: discovery.New(fb, st, ""),
		Resolver:  registry.New(st),
		Runner:    runner,
	}
	return New(a), fb, st
}

func TestSchedulerHonoursMaxTicks(t *testing.T) {
	sched, fb, st := newScheduler(t)

	require.NoError(t, sched.Run(context.Background()))

	starts := 0
	for _, line := range fb.CommandLines() {
		if line == "systemctl --user start podman-auto-update.service" {
			starts++
		}
	}
	assert.Equal(t, 3, starts)

	events, err := st.QueryEvents(context.Background(), store.EventFilter{Action: "scheduler"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, 202, ev.Status)
	}
}

func TestSchedulerMinIntervalFloor(t *testing.T) {
	sched, _, _ := newScheduler(t)
	sched.Interval = time.Millisecond
	sched.MinInt = time.Hour
	assert.Equal(t, time.Hour, sched.effectiveInterval())

	sched.Interval = 2 * time.Hour
	assert.Equal(t, 2*time.Hour, sched.effectiveInterval())
}

func TestSchedulerContextCancel(t *testing.T) {
	sched, _, _ := newScheduler(t)
	sched.MaxTicks = 0
	sched.Interval = time.Hour
	sched.MinInt = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
