package hostexec

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
)

// sshDefaultOpts keep remote execution non-interactive and fast to fail.
var sshDefaultOpts = []string{
	"-oBatchMode=yes",
	"-oStrictHostKeyChecking=accept-new",
	"-oConnectTimeout=5",
	"-oConnectionAttempts=1",
}

// SSHBackend runs every capability through `ssh <target> -- <argv>`.
// The target is validated once at construction and never mutated.
type SSHBackend struct {
	target string
}

// NewSSH validates the target and builds the ssh backend.
func NewSSH(target string) (*SSHBackend, error) {
	if err := ValidateSSHTarget(target); err != nil {
		return nil, err
	}
	return &SSHBackend{target: target}, nil
}

var _ HostBackend = (*SSHBackend)(nil)

func (s *SSHBackend) Kind() Kind { return KindSSH }

// SSHTargetHint is the target when it is a plain alias, "<redacted>"
// otherwise.
func (s *SSHBackend) SSHTargetHint() string {
	if logger.TargetIsAlias(s.target) {
		return s.target
	}
	return "<redacted>"
}

// Argv returns the full local argv for a remote command, for tests and for
// audit meta. Validation errors surface exactly as in execRemote.
func (s *SSHBackend) Argv(remote []string) ([]string, error) {
	if err := validateRemoteArgv(remote); err != nil {
		return nil, invalidInput(err.Error())
	}
	argv := make([]string, 0, len(sshDefaultOpts)+2+len(remote))
	argv = append(argv, sshDefaultOpts...)
	argv = append(argv, s.target, "--")
	argv = append(argv, remote...)
	return argv, nil
}

func (s *SSHBackend) execRemote(ctx context.Context, remote []string) (CommandResult, error) {
	argv, err := s.Argv(remote)
	if err != nil {
		return CommandResult{}, err
	}
	res, err := runQuiet(ctx, "ssh", argv...)
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Msg = logger.RedactTarget(e.Msg, s.target)
		}
		return CommandResult{}, err
	}
	// Avoid leaking full targets (IPs/usernames) into logs and task meta
	// when the target is not a simple ssh config alias.
	if s.SSHTargetHint() == "<redacted>" {
		res.Stdout = strings.ReplaceAll(res.Stdout, s.target, "<redacted>")
		res.Stderr = strings.ReplaceAll(res.Stderr, s.target, "<redacted>")
	}
	return res, nil
}

func (s *SSHBackend) Podman(ctx context.Context, args ...string) (CommandResult, error) {
	return s.execRemote(ctx, append([]string{"podman"}, args...))
}

func (s *SSHBackend) SystemctlUser(ctx context.Context, args ...string) (CommandResult, error) {
	return s.execRemote(ctx, append([]string{"systemctl", "--user"}, args...))
}

func (s *SSHBackend) JournalctlUser(ctx context.Context, args ...string) (CommandResult, error) {
	return s.execRemote(ctx, append([]string{"journalctl", "--user"}, args...))
}

func (s *SSHBackend) BusctlUser(ctx context.Context, args ...string) (CommandResult, error) {
	res, err := s.execRemote(ctx, append([]string{"busctl", "--user"}, args...))
	if err != nil {
		return res, err
	}
	// Treat the common "command not found" exit as an execution failure so
	// callers can fall back to a non-busctl path.
	if res.ExitCode != nil && *res.ExitCode == 127 {
		return CommandResult{}, execFailed("busctl-not-found")
	}
	return res, nil
}

// existsViaTest maps remote `test <flag> <path>` exit 1 to false; any other
// non-zero exit surfaces as a real error.
func (s *SSHBackend) existsViaTest(ctx context.Context, flag string, path AbsPath) (bool, error) {
	res, err := s.execRemote(ctx, []string{"test", flag, path.String()})
	if err != nil {
		return false, err
	}
	if res.Success() {
		return true, nil
	}
	if res.ExitCode != nil && *res.ExitCode == 1 {
		return false, nil
	}
	return false, nonZero(res.ExitCode, res.Stderr)
}

func (s *SSHBackend) Exists(ctx context.Context, path AbsPath) (bool, error) {
	return s.existsViaTest(ctx, "-e", path)
}

func (s *SSHBackend) IsDir(ctx context.Context, path AbsPath) (bool, error) {
	return s.existsViaTest(ctx, "-d", path)
}

func (s *SSHBackend) IsFile(ctx context.Context, path AbsPath) (bool, error) {
	return s.existsViaTest(ctx, "-f", path)
}

func (s *SSHBackend) ListDir(ctx context.Context, path AbsPath) ([]string, error) {
	res, err := s.execRemote(ctx, []string{"ls", "-1A", "--", path.String()})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, nonZero(res.ExitCode, res.Stderr)
	}
	var out []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		// Remote filenames are untrusted; keep only safe basenames.
		if validateDirEntry(name) == nil {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *SSHBackend) ReadFile(ctx context.Context, path AbsPath) (string, error) {
	res, err := s.execRemote(ctx, []string{"cat", "--", path.String()})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", nonZero(res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

func (s *SSHBackend) Stat(ctx context.Context, path AbsPath) (FileMeta, error) {
	isDir, err := s.IsDir(ctx, path)
	if err != nil {
		return FileMeta{}, err
	}
	isFile, err := s.IsFile(ctx, path)
	if err != nil {
		return FileMeta{}, err
	}
	meta := FileMeta{IsDir: isDir, IsFile: isFile}
	if isFile {
		res, err := s.execRemote(ctx, []string{"stat", "-c", "%Y", "--", path.String()})
		if err == nil && res.Success() {
			if secs, perr := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64); perr == nil {
				mod := time.Unix(secs, 0)
				meta.Modified = &mod
			}
		}
	}
	return meta, nil
}
