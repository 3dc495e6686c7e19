// Package executor dispatches background tasks for asynchronous execution
// and supports stop/force-stop. Two interchangeable backends exist: a
// per-task transient systemd unit (systemd-run) and a supervised child
// process with a pidfile (local-child).
package executor

import (
	"context"
	"fmt"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
)

// DispatchRequest describes how a task wants to run. Exactly one shape is
// used per dispatch: a webhook task names the transient runner unit, a
// manual task carries a free-form action label for logging.
type DispatchRequest struct {
	// Github marks a webhook dispatch; RunnerUnit is required then.
	Github     bool
	RunnerUnit string

	// Action is the manual dispatch label.
	Action string

	// Env is propagated into the run-task child.
	Env map[string]string
}

// TaskExecutor dispatches, stops and force-stops background tasks.
type TaskExecutor interface {
	Kind() string
	Dispatch(ctx context.Context, taskID string, req DispatchRequest) (map[string]any, error)
	Stop(ctx context.Context, taskID, runnerUnit string) (map[string]any, error)
	ForceStop(ctx context.Context, taskID, runnerUnit string) (map[string]any, error)
}

// Error carries the stable error code plus the structured meta that goes
// into task logs.
type Error struct {
	Code string
	Meta map[string]any
}

func (e *Error) Error() string { return e.Code }

func newError(code string, meta map[string]any) *Error {
	if meta == nil {
		meta = map[string]any{}
	}
	return &Error{Code: code, Meta: meta}
}

// commandMeta is the meta contract for command-based outcomes.
func commandMeta(backend hostexec.Kind, command string, argv []string, exit *int, stdout, stderr string) map[string]any {
	meta := map[string]any{
		"host_backend": string(backend),
		"type":         "command",
		"command":      command,
		"argv":         argv,
	}
	if exit != nil {
		meta["exit"] = *exit
	}
	if stdout != "" {
		meta["stdout"] = stdout
	}
	if stderr != "" {
		meta["stderr"] = stderr
	}
	return meta
}

func baseMeta(backend hostexec.Kind) map[string]any {
	return map[string]any{"host_backend": string(backend)}
}

// New selects the configured executor backend.
func New(kind string, backend hostexec.HostBackend, exePath, pidDir, snapshotPath string) (TaskExecutor, error) {
	switch kind {
	case "", "systemd-run":
		return NewSystemdRun(backend, exePath, snapshotPath), nil
	case "local-child":
		return NewLocalChild(backend, exePath, pidDir), nil
	default:
		return nil, fmt.Errorf("unsupported task executor: %s", kind)
	}
}
