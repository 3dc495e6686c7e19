// Package app builds the application context: the one-time-initialised
// handles (store, host backend, executor, limiter, discovery, digest
// resolver, forward-auth policy) every handler and task body runs against.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/config"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/discovery"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/executor"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/ratelimit"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/registry"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/task"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Context carries the shared process state. Construct once at startup and
// pass by reference.
type Context struct {
	Settings  *config.Settings
	Store     *store.Store
	Backend   hostexec.HostBackend
	Executor  executor.TaskExecutor
	Limiter   *ratelimit.Limiter
	Discovery *discovery.Discovery
	Resolver  *registry.Resolver
	Runner    *task.Runner

	podmanOnce    sync.Once
	podmanVersion string
	podmanErr     error
}

// New wires the full context from settings. SSH validation failure
// installs the failing backend rather than aborting startup.
func New(ctx context.Context, settings *config.Settings) (*Context, error) {
	log := logger.GetLogger(ctx)

	st := store.Open(ctx, settings.DBURL, settings.AuditSync)
	if status := st.Status(); !status.OK {
		log.Warn("store degraded", zap.String("error", status.Error))
	}

	backend := hostexec.New(settings.SSHTarget)
	if backend.Kind() == hostexec.KindFailing {
		log.Warn("ssh target rejected, installing failing backend",
			zap.String("hint", backend.SSHTargetHint()))
	}

	exePath, err := os.Executable()
	if err != nil {
		exePath = os.Args[0]
	}
	taskExec, err := executor.New(settings.TaskExecutor, backend, exePath,
		settings.PidDir(), settings.SystemdRunSnapshot)
	if err != nil {
		return nil, err
	}
	if lc, ok := taskExec.(*executor.LocalChildExecutor); ok {
		lc.RecoverPidfiles(ctx)
	}

	limiter := ratelimit.New(st, ratelimit.Config{
		Manual1Count:  settings.Limit1Count,
		Manual1Window: settings.Limit1Window,
		Manual2Count:  settings.Limit2Count,
		Manual2Window: settings.Limit2Window,
	})

	return &Context{
		Settings:  settings,
		Store:     st,
		Backend:   backend,
		Executor:  taskExec,
		Limiter:   limiter,
		Discovery: discovery.New(backend, st, settings.ContainerDir),
		Resolver:  registry.New(st),
		Runner: task.New(st, backend, limiter,
			settings.AutoUpdateUnit, settings.TaskExecutor, settings.StateDir),
	}, nil
}

// Close releases the store.
func (a *Context) Close() error {
	return a.Store.Close()
}

// PodmanHealth probes `podman --version` once per process.
func (a *Context) PodmanHealth(ctx context.Context) (string, error) {
	a.podmanOnce.Do(func() {
		res, err := a.Backend.Podman(ctx, "--version")
		if err != nil {
			a.podmanErr = err
			return
		}
		if !res.Success() {
			a.podmanErr = fmt.Errorf("podman-unavailable: exit %v", res.ExitCode)
			return
		}
		a.podmanVersion = strings.TrimSpace(res.Stdout)
	})
	return a.podmanVersion, a.podmanErr
}

// ForwardAuthHeaderName exposes the configured admin header for settings
// output without leaking the expected value.
func (a *Context) ForwardAuthHeaderName() string {
	return a.Settings.FwdAuthHeader
}

// RunnerUnitFor names the transient unit a webhook task runs under.
func RunnerUnitFor(taskID string) string {
	return "podup-task-" + taskID + ".service"
}

// DispatchTask persists a task row and hands it to the executor. A
// dispatch failure finishes the task as failed with a log row carrying
// the error kind; the task id is returned either way once the row exists.
func (a *Context) DispatchTask(ctx context.Context, kind enum.TaskKind, triggerSource string,
	meta map[string]any, req executor.DispatchRequest) (string, error) {

	taskID := store.NewTaskID(time.Now())
	if meta == nil {
		meta = map[string]any{}
	}
	meta["task_executor"] = a.Executor.Kind()
	meta["host_backend"] = string(a.Backend.Kind())

	if err := a.Store.CreateTask(ctx, store.Task{
		TaskID:        taskID,
		Kind:          kind,
		TriggerSource: triggerSource,
		Meta:          meta,
	}); err != nil {
		return "", err
	}

	if req.Github && req.RunnerUnit == "" {
		req.RunnerUnit = RunnerUnitFor(taskID)
	}
	if req.Env == nil {
		req.Env = a.runTaskEnv()
	}

	dispatchMeta, err := a.Executor.Dispatch(ctx, taskID, req)
	if err != nil {
		code := "spawn-failed"
		logMeta := map[string]any{"host_backend": string(a.Backend.Kind())}
		if execErr, ok := err.(*executor.Error); ok {
			code = execErr.Code
			logMeta = execErr.Meta
		}
		_ = a.Store.AppendTaskLog(ctx, store.TaskLog{
			TaskID: taskID, Level: "error", Action: "dispatch", Status: "error",
			Summary: code, Meta: logMeta,
		})
		_ = a.Store.FinishTask(ctx, taskID, enum.TaskStatusFailed, code)
		return taskID, err
	}

	_ = a.Store.AppendTaskLog(ctx, store.TaskLog{
		TaskID: taskID, Level: "info", Action: "dispatch", Status: "ok",
		Summary: "dispatched via " + a.Executor.Kind(), Meta: dispatchMeta,
	})
	return taskID, nil
}

// StopTask asks the executor to stop a running task and records the
// cancellation. Force escalates to SIGKILL / systemctl kill. Cancellation
// is best-effort: committed writes stay, and the task row goes terminal
// without a finished_at stamp.
func (a *Context) StopTask(ctx context.Context, taskID string, force bool) (map[string]any, error) {
	t, err := a.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return map[string]any{"already_terminal": string(t.Status)}, nil
	}

	runnerUnit := RunnerUnitFor(taskID)
	var meta map[string]any
	if force {
		meta, err = a.Executor.ForceStop(ctx, taskID, runnerUnit)
	} else {
		meta, err = a.Executor.Stop(ctx, taskID, runnerUnit)
	}
	if err != nil {
		code := "runner-stop-failed"
		logMeta := map[string]any{"host_backend": string(a.Backend.Kind())}
		if execErr, ok := err.(*executor.Error); ok {
			code = execErr.Code
			logMeta = execErr.Meta
		}
		_ = a.Store.AppendTaskLog(ctx, store.TaskLog{
			TaskID: taskID, Level: "error", Action: "stop", Status: "error",
			Summary: code, Meta: logMeta,
		})
		return nil, err
	}

	action := "stop"
	if force {
		action = "force-stop"
	}
	_ = a.Store.AppendTaskLog(ctx, store.TaskLog{
		TaskID: taskID, Level: "info", Action: action, Status: "ok", Meta: meta,
	})
	_ = a.Store.MarkTaskCancelled(ctx, taskID, "stopped by operator")
	return meta, nil
}

// runTaskEnv is the environment the run-task child needs to reach the same
// store and host.
func (a *Context) runTaskEnv() map[string]string {
	env := map[string]string{
		config.EnvDBURL:    a.Settings.DBURL,
		config.EnvStateDir: a.Settings.StateDir,
		config.EnvProfile:  string(a.Settings.Profile),
	}
	if a.Settings.SSHTarget != "" {
		env[config.EnvSSHTarget] = a.Settings.SSHTarget
	}
	if a.Settings.AutoUpdateUnit != "" {
		env[config.EnvManualAutoUpdate] = a.Settings.AutoUpdateUnit
	}
	return env
}

// ForwardAuthPolicyValues resolves the policy inputs for the server layer.
func (a *Context) ForwardAuthPolicyValues() (headerName, expected, nickname string, devOpen bool) {
	s := a.Settings
	return s.FwdAuthHeader, s.FwdAuthAdminValue, s.NicknameHeader, s.DevOpenAdmin
}
