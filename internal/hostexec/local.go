package hostexec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
)

// LocalBackend executes host commands with fork+exec on this machine.
type LocalBackend struct{}

// NewLocal creates the local host backend.
func NewLocal() *LocalBackend {
	return &LocalBackend{}
}

var _ HostBackend = (*LocalBackend)(nil)

func (l *LocalBackend) Kind() Kind            { return KindLocal }
func (l *LocalBackend) SSHTargetHint() string { return "" }

// runQuiet executes argv capturing stdout/stderr. A missing binary or any
// other spawn problem maps to exec-failed; a started command that exits
// non-zero is still a successful execution from the backend's view.
func runQuiet(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		zero := 0
		res.ExitCode = &zero
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code >= 0 {
			res.ExitCode = &code
		}
		return res, nil
	}
	return CommandResult{}, execFailed(err.Error())
}

func (l *LocalBackend) Podman(ctx context.Context, args ...string) (CommandResult, error) {
	return runQuiet(ctx, "podman", args...)
}

func (l *LocalBackend) SystemctlUser(ctx context.Context, args ...string) (CommandResult, error) {
	return runQuiet(ctx, "systemctl", append([]string{"--user"}, args...)...)
}

func (l *LocalBackend) JournalctlUser(ctx context.Context, args ...string) (CommandResult, error) {
	return runQuiet(ctx, "journalctl", append([]string{"--user"}, args...)...)
}

func (l *LocalBackend) BusctlUser(ctx context.Context, args ...string) (CommandResult, error) {
	res, err := runQuiet(ctx, "busctl", append([]string{"--user"}, args...)...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != nil && *res.ExitCode == 127 {
		return CommandResult{}, execFailed("busctl-not-found")
	}
	return res, nil
}

func (l *LocalBackend) Exists(_ context.Context, path AbsPath) (bool, error) {
	_, err := os.Stat(path.String())
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, &Error{Kind: ErrIO, Msg: err.Error()}
}

func (l *LocalBackend) IsDir(_ context.Context, path AbsPath) (bool, error) {
	st, err := os.Stat(path.String())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Kind: ErrIO, Msg: err.Error()}
	}
	return st.IsDir(), nil
}

func (l *LocalBackend) IsFile(_ context.Context, path AbsPath) (bool, error) {
	st, err := os.Stat(path.String())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Kind: ErrIO, Msg: err.Error()}
	}
	return st.Mode().IsRegular(), nil
}

func (l *LocalBackend) ListDir(_ context.Context, path AbsPath) ([]string, error) {
	entries, err := os.ReadDir(path.String())
	if err != nil {
		return nil, &Error{Kind: ErrIO, Msg: err.Error()}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (l *LocalBackend) ReadFile(_ context.Context, path AbsPath) (string, error) {
	data, err := os.ReadFile(path.String())
	if err != nil {
		return "", &Error{Kind: ErrIO, Msg: err.Error()}
	}
	return string(data), nil
}

func (l *LocalBackend) Stat(_ context.Context, path AbsPath) (FileMeta, error) {
	st, err := os.Stat(path.String())
	if err != nil {
		return FileMeta{}, &Error{Kind: ErrIO, Msg: err.Error()}
	}
	meta := FileMeta{IsDir: st.IsDir(), IsFile: st.Mode().IsRegular()}
	if meta.IsFile {
		mod := st.ModTime()
		meta.Modified = &mod
	}
	return meta, nil
}
