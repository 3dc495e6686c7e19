package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

const reaperPollInterval = 200 * time.Millisecond

// LocalChildExecutor supervises each task as a detached child process. The
// pid is tracked in-process and mirrored to a pidfile so a restarted
// service can still stop tasks it did not spawn.
type LocalChildExecutor struct {
	backend hostexec.HostBackend
	exePath string
	pidDir  string

	mu   sync.Mutex
	pids map[string]int
}

// NewLocalChild builds the local-child executor.
func NewLocalChild(backend hostexec.HostBackend, exePath, pidDir string) *LocalChildExecutor {
	return &LocalChildExecutor{
		backend: backend,
		exePath: exePath,
		pidDir:  pidDir,
		pids:    map[string]int{},
	}
}

var _ TaskExecutor = (*LocalChildExecutor)(nil)

func (e *LocalChildExecutor) Kind() string { return "local-child" }

// PidForTask reports the live pid of a task, 0 when unknown.
func (e *LocalChildExecutor) PidForTask(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pids[taskID]
}

func sanitizeTaskIDForFile(taskID string) string {
	var b strings.Builder
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}

func (e *LocalChildExecutor) pidFilePath(taskID string) string {
	return filepath.Join(e.pidDir, sanitizeTaskIDForFile(taskID)+".pid")
}

// writePidFile writes atomically: temp file then rename.
func (e *LocalChildExecutor) writePidFile(taskID string, pid int) error {
	if err := os.MkdirAll(e.pidDir, 0o755); err != nil {
		return err
	}
	path := e.pidFilePath(taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (e *LocalChildExecutor) readPidFile(taskID string) (int, bool) {
	data, err := os.ReadFile(e.pidFilePath(taskID))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (e *LocalChildExecutor) cleanupPidFile(ctx context.Context, taskID string) {
	if err := os.Remove(e.pidFilePath(taskID)); err != nil && !os.IsNotExist(err) {
		logger.GetLogger(ctx).Warn("pidfile remove failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (e *LocalChildExecutor) Dispatch(ctx context.Context, taskID string, req DispatchRequest) (map[string]any, error) {
	e.mu.Lock()
	if pid, ok := e.pids[taskID]; ok && pidExists(pid) {
		e.mu.Unlock()
		return nil, newError("task-already-dispatched", map[string]any{
			"host_backend": string(e.backend.Kind()), "pid": pid,
		})
	}
	e.mu.Unlock()

	if pid, ok := e.readPidFile(taskID); ok && pidExists(pid) {
		return nil, newError("task-already-dispatched", map[string]any{
			"host_backend": string(e.backend.Kind()), "pid": pid, "from": "pidfile",
		})
	}

	cmd := exec.Command(e.exePath, "--run-task", taskID)
	cmd.Env = appendEnv(os.Environ(), req.Env)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return nil, newError("spawn-failed", map[string]any{
			"host_backend": string(e.backend.Kind()), "error": err.Error(),
		})
	}
	pid := cmd.Process.Pid

	e.mu.Lock()
	e.pids[taskID] = pid
	e.mu.Unlock()
	if err := e.writePidFile(taskID, pid); err != nil {
		logger.GetLogger(ctx).Warn("pidfile write failed",
			zap.String("task_id", taskID), zap.Error(err))
	}

	go e.reap(taskID, cmd)

	meta := baseMeta(e.backend.Kind())
	meta["pid"] = pid
	return meta, nil
}

// reap waits for the child and removes the bookkeeping. If Wait fails
// (already reaped elsewhere, interrupted), fall back to liveness polling.
func (e *LocalChildExecutor) reap(taskID string, cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			for pidExists(pid) {
				time.Sleep(reaperPollInterval)
			}
		}
	}

	e.mu.Lock()
	if e.pids[taskID] == pid {
		delete(e.pids, taskID)
	}
	e.mu.Unlock()
	e.cleanupPidFile(context.Background(), taskID)
}

func (e *LocalChildExecutor) Stop(ctx context.Context, taskID, _ string) (map[string]any, error) {
	return e.signal(ctx, taskID, "SIGTERM", syscall.SIGTERM)
}

func (e *LocalChildExecutor) ForceStop(ctx context.Context, taskID, _ string) (map[string]any, error) {
	return e.signal(ctx, taskID, "SIGKILL", syscall.SIGKILL)
}

func (e *LocalChildExecutor) signal(ctx context.Context, taskID, name string, sig syscall.Signal) (map[string]any, error) {
	pid := e.PidForTask(taskID)
	if pid == 0 {
		if filePid, ok := e.readPidFile(taskID); ok {
			pid = filePid
		}
	}
	if pid == 0 {
		return nil, newError("pid-not-found", baseMeta(e.backend.Kind()))
	}

	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			// Process already gone: drop the stale bookkeeping.
			e.mu.Lock()
			delete(e.pids, taskID)
			e.mu.Unlock()
			e.cleanupPidFile(ctx, taskID)
			return nil, newError("pid-not-found", map[string]any{
				"host_backend": string(e.backend.Kind()), "pid": pid,
			})
		}
		return nil, newError("signal-failed", map[string]any{
			"host_backend": string(e.backend.Kind()),
			"pid":          pid,
			"signal":       name,
			"error":        err.Error(),
		})
	}

	meta := baseMeta(e.backend.Kind())
	meta["pid"] = pid
	meta["signal"] = name
	return meta, nil
}

// RecoverPidfiles reconciles pidfiles left by a previous process against
// OS liveness, repopulating the in-process map for live tasks and removing
// stale files.
func (e *LocalChildExecutor) RecoverPidfiles(ctx context.Context) {
	entries, err := os.ReadDir(e.pidDir)
	if err != nil {
		return
	}
	log := logger.GetLogger(ctx)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".pid") {
			continue
		}
		taskID := strings.TrimSuffix(name, ".pid")
		pid, ok := e.readPidFile(taskID)
		if !ok || !pidExists(pid) {
			if err := os.Remove(filepath.Join(e.pidDir, name)); err != nil && !os.IsNotExist(err) {
				log.Warn("stale pidfile remove failed", zap.String("file", name), zap.Error(err))
			}
			continue
		}
		e.mu.Lock()
		e.pids[taskID] = pid
		e.mu.Unlock()
	}
}

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
}
