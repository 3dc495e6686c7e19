package hostexec

import (
	"context"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

// FailingBackend returns a fixed exec-failed for every capability call.
// Installed when SSH target validation fails at startup so the process can
// come up and report the problem instead of dying.
type FailingBackend struct {
	err    string
	target string
}

// NewFailing builds the failing backend. The recorded error is redacted
// against the raw target before it can reach any log line.
func NewFailing(err, rawTarget string) *FailingBackend {
	return &FailingBackend{
		err:    logger.RedactTarget(err, rawTarget),
		target: rawTarget,
	}
}

var _ HostBackend = (*FailingBackend)(nil)

func (f *FailingBackend) Kind() Kind { return KindFailing }

func (f *FailingBackend) SSHTargetHint() string {
	if logger.TargetIsAlias(f.target) {
		return f.target
	}
	return "<redacted>"
}

func (f *FailingBackend) fail() *Error { return execFailed(f.err) }

func (f *FailingBackend) Podman(context.Context, ...string) (CommandResult, error) {
	return CommandResult{}, f.fail()
}

func (f *FailingBackend) SystemctlUser(context.Context, ...string) (CommandResult, error) {
	return CommandResult{}, f.fail()
}

func (f *FailingBackend) JournalctlUser(context.Context, ...string) (CommandResult, error) {
	return CommandResult{}, f.fail()
}

func (f *FailingBackend) BusctlUser(context.Context, ...string) (CommandResult, error) {
	return CommandResult{}, f.fail()
}

func (f *FailingBackend) Exists(context.Context, AbsPath) (bool, error) { return false, f.fail() }
func (f *FailingBackend) IsDir(context.Context, AbsPath) (bool, error)  { return false, f.fail() }
func (f *FailingBackend) IsFile(context.Context, AbsPath) (bool, error) { return false, f.fail() }

func (f *FailingBackend) ListDir(context.Context, AbsPath) ([]string, error) { return nil, f.fail() }
func (f *FailingBackend) ReadFile(context.Context, AbsPath) (string, error)  { return "", f.fail() }
func (f *FailingBackend) Stat(context.Context, AbsPath) (FileMeta, error) {
	return FileMeta{}, f.fail()
}
