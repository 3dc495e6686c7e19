// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
)

// FakeBackend is a scripted HostBackend that records every command argv in
// order and serves canned results. The zero value answers every command
// with exit 0 and empty output.
type FakeBackend struct {
	mu sync.Mutex

	// Calls holds the executed command lines, e.g.
	// "podman pull ghcr.io/a/b:main".
	Calls []string

	// Results maps a command-line prefix to a scripted result. When several
	// prefixes match one line, which of them is used is not defined.
	Results map[string]hostexec.CommandResult

	// Errors maps a command-line prefix to a scripted error.
	Errors map[string]error

	// Files maps absolute paths to contents; Dirs maps directory paths to
	// entry names.
	Files map[string]string
	Dirs  map[string][]string

	BackendKind hostexec.Kind
}

var _ hostexec.HostBackend = (*FakeBackend)(nil)

// NewFakeBackend builds an empty scripted backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Results:     map[string]hostexec.CommandResult{},
		Errors:      map[string]error{},
		Files:       map[string]string{},
		Dirs:        map[string][]string{},
		BackendKind: hostexec.KindLocal,
	}
}

func (f *FakeBackend) Kind() hostexec.Kind {
	if f.BackendKind == "" {
		return hostexec.KindLocal
	}
	return f.BackendKind
}

func (f *FakeBackend) SSHTargetHint() string { return "" }

// CommandLines returns a copy of the recorded calls.
func (f *FakeBackend) CommandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

func (f *FakeBackend) run(name string, args []string) (hostexec.CommandResult, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.Calls = append(f.Calls, line)
	f.mu.Unlock()

	for prefix, err := range f.Errors {
		if strings.HasPrefix(line, prefix) {
			return hostexec.CommandResult{}, err
		}
	}
	for prefix, res := range f.Results {
		if strings.HasPrefix(line, prefix) {
			return res, nil
		}
	}
	zero := 0
	return hostexec.CommandResult{ExitCode: &zero}, nil
}

func (f *FakeBackend) Podman(_ context.Context, args ...string) (hostexec.CommandResult, error) {
	return f.run("podman", args)
}

func (f *FakeBackend) SystemctlUser(_ context.Context, args ...string) (hostexec.CommandResult, error) {
	return f.run("systemctl --user", args)
}

func (f *FakeBackend) JournalctlUser(_ context.Context, args ...string) (hostexec.CommandResult, error) {
	return f.run("journalctl --user", args)
}

func (f *FakeBackend) BusctlUser(_ context.Context, args ...string) (hostexec.CommandResult, error) {
	return f.run("busctl --user", args)
}

func (f *FakeBackend) Exists(_ context.Context, path hostexec.AbsPath) (bool, error) {
	_, isFile := f.Files[path.String()]
	_, isDir := f.Dirs[path.String()]
	return isFile || isDir, nil
}

func (f *FakeBackend) IsDir(_ context.Context, path hostexec.AbsPath) (bool, error) {
	_, ok := f.Dirs[path.String()]
	return ok, nil
}

func (f *FakeBackend) IsFile(_ context.Context, path hostexec.AbsPath) (bool, error) {
	_, ok := f.Files[path.String()]
	return ok, nil
}

func (f *FakeBackend) ListDir(_ context.Context, path hostexec.AbsPath) ([]string, error) {
	entries, ok := f.Dirs[path.String()]
	if !ok {
		return nil, &hostexec.Error{Kind: hostexec.ErrIO, Msg: "no such directory"}
	}
	return entries, nil
}

func (f *FakeBackend) ReadFile(_ context.Context, path hostexec.AbsPath) (string, error) {
	content, ok := f.Files[path.String()]
	if !ok {
		return "", &hostexec.Error{Kind: hostexec.ErrIO, Msg: "no such file"}
	}
	return content, nil
}

func (f *FakeBackend) Stat(_ context.Context, path hostexec.AbsPath) (hostexec.FileMeta, error) {
	if _, ok := f.Files[path.String()]; ok {
		return hostexec.FileMeta{IsFile: true}, nil
	}
	if _, ok := f.Dirs[path.String()]; ok {
		return hostexec.FileMeta{IsDir: true}, nil
	}
	return hostexec.FileMeta{}, &hostexec.Error{Kind: hostexec.ErrIO, Msg: "no such path"}
}
