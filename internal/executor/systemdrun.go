package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

// SystemdRunExecutor runs each task under a transient `--user` scope via
// systemd-run, so the task survives restarts of this process.
type SystemdRunExecutor struct {
	backend hostexec.HostBackend
	exePath string

	// snapshotPath, when set, captures the systemd-run argv to a file
	// instead of executing. Test hook.
	snapshotPath string
}

// NewSystemdRun builds the systemd-run executor.
func NewSystemdRun(backend hostexec.HostBackend, exePath, snapshotPath string) *SystemdRunExecutor {
	return &SystemdRunExecutor{backend: backend, exePath: exePath, snapshotPath: snapshotPath}
}

var _ TaskExecutor = (*SystemdRunExecutor)(nil)

func (e *SystemdRunExecutor) Kind() string { return "systemd-run" }

func (e *SystemdRunExecutor) Dispatch(ctx context.Context, taskID string, req DispatchRequest) (map[string]any, error) {
	var args []string
	if req.Github {
		if req.RunnerUnit == "" {
			return nil, newError("runner-unit-missing", baseMeta(e.backend.Kind()))
		}
		args = []string{"--user", "--collect", "--quiet", "--unit=" + req.RunnerUnit,
			e.exePath, "run-task", taskID}
	} else {
		args = []string{"--user", "--quiet"}
		for _, k := range sortedKeys(req.Env) {
			args = append(args, fmt.Sprintf("--setenv=%s=%s", k, req.Env[k]))
		}
		args = append(args, e.exePath, "run-task", taskID)
	}

	if e.snapshotPath != "" {
		if err := os.WriteFile(e.snapshotPath, []byte(strings.Join(args, "\n")), 0o644); err != nil {
			return nil, newError("systemd-run-snapshot-write-failed",
				map[string]any{"host_backend": string(e.backend.Kind()), "error": err.Error()})
		}
		meta := baseMeta(e.backend.Kind())
		meta["snapshot"] = true
		return meta, nil
	}

	cmd := exec.Command("systemd-run", args...)
	cmd.Env = appendEnv(os.Environ(), req.Env)
	out, err := cmd.CombinedOutput()
	if err == nil {
		meta := baseMeta(e.backend.Kind())
		meta["runner_unit"] = req.RunnerUnit
		return meta, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		return nil, newError("systemd-run-exit-nonzero",
			commandMeta(e.backend.Kind(), "systemd-run "+strings.Join(args, " "),
				append([]string{"systemd-run"}, args...), &code, string(out), ""))
	}

	// systemd-run binary not present: run the task as a detached child of
	// this process instead.
	logger.GetLogger(ctx).Warn("systemd-run spawn failed, running task inline",
		zap.String("task_id", taskID), zap.Error(err))
	if inlineErr := e.dispatchInline(taskID, req.Env); inlineErr != nil {
		return nil, inlineErr
	}
	meta := baseMeta(e.backend.Kind())
	meta["fallback"] = "inline-child"
	return meta, nil
}

func (e *SystemdRunExecutor) dispatchInline(taskID string, env map[string]string) error {
	cmd := exec.Command(e.exePath, "run-task", taskID)
	cmd.Env = appendEnv(os.Environ(), env)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return newError("systemd-run-spawn-failed",
			map[string]any{"host_backend": string(e.backend.Kind()), "error": err.Error()})
	}
	// The child is intentionally not waited on here; systemd (or init)
	// reaps it.
	go cmd.Wait()
	return nil
}

func (e *SystemdRunExecutor) Stop(ctx context.Context, taskID, runnerUnit string) (map[string]any, error) {
	return e.signalUnit(ctx, runnerUnit, false)
}

func (e *SystemdRunExecutor) ForceStop(ctx context.Context, taskID, runnerUnit string) (map[string]any, error) {
	return e.signalUnit(ctx, runnerUnit, true)
}

func (e *SystemdRunExecutor) signalUnit(ctx context.Context, runnerUnit string, kill bool) (map[string]any, error) {
	if runnerUnit == "" {
		return nil, newError("runner-unit-missing", baseMeta(e.backend.Kind()))
	}

	var args []string
	var command string
	if kill {
		args = []string{"kill", "--signal=SIGKILL", runnerUnit}
		command = "systemctl --user kill --signal=SIGKILL " + runnerUnit
	} else {
		args = []string{"stop", runnerUnit}
		command = "systemctl --user stop " + runnerUnit
	}
	argv := append([]string{"systemctl", "--user"}, args...)

	res, err := e.backend.SystemctlUser(ctx, args...)
	if err != nil {
		code := "runner-stop-failed"
		if kill {
			code = "runner-kill-failed"
		}
		return nil, newError(code, map[string]any{
			"host_backend": string(e.backend.Kind()),
			"command":      command,
			"error":        err.Error(),
		})
	}
	meta := commandMeta(e.backend.Kind(), command, argv, res.ExitCode, res.Stdout, res.Stderr)
	if !res.Success() {
		code := "runner-stop-failed"
		if kill {
			code = "runner-kill-failed"
		}
		return nil, newError(code, meta)
	}
	return meta, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func appendEnv(base []string, extra map[string]string) []string {
	for _, k := range sortedKeys(extra) {
		base = append(base, k+"="+extra[k])
	}
	return base
}
