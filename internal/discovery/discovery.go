// Package discovery enumerates the systemd user units eligible for
// image-driven restarts, merging two sources: the Quadlet source directory
// and the live podman container inventory.
package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

// autoupdateDisabled are the Autoupdate values that exclude a Quadlet unit.
// An absent key reads as "" and is excluded too.
var autoupdateDisabled = map[string]struct{}{
	"": {}, "false": {}, "no": {}, "none": {}, "off": {}, "0": {},
}

// Discovery merges both unit sources and persists the result. The scan
// runs lazily at most once per process unless forced.
type Discovery struct {
	backend      hostexec.HostBackend
	store        *store.Store
	containerDir string

	attempted atomic.Bool
}

// New builds the discovery over the configured Quadlet directory.
func New(backend hostexec.HostBackend, st *store.Store, containerDir string) *Discovery {
	return &Discovery{backend: backend, store: st, containerDir: containerDir}
}

// Units returns the discovered units, scanning on first use. force resets
// the once-flag and re-runs the scan.
func (d *Discovery) Units(ctx context.Context, force bool) ([]store.DiscoveredUnit, error) {
	if force {
		d.attempted.Store(false)
	}
	if d.attempted.CompareAndSwap(false, true) {
		d.scanAndPersist(ctx)
	}
	return d.store.ListDiscoveredUnits(ctx)
}

// scanAndPersist gathers both sources. Either source failing is a WARN,
// never fatal: the admin surface still works from whatever is persisted.
func (d *Discovery) scanAndPersist(ctx context.Context) {
	log := logger.GetLogger(ctx)
	now := time.Now()

	seen := make(map[string]enum.DiscoverySource)

	dirUnits, err := d.scanQuadletDir(ctx)
	if err != nil {
		log.Warn("quadlet directory scan failed", zap.Error(err))
	}
	for _, u := range dirUnits {
		seen[u] = enum.DiscoverySourceDir
	}

	psUnits, err := d.scanPodmanPS(ctx)
	if err != nil {
		log.Warn("podman ps scan failed", zap.Error(err))
	}
	for _, u := range psUnits {
		if _, ok := seen[u]; !ok {
			seen[u] = enum.DiscoverySourcePS
		}
	}

	units := make([]string, 0, len(seen))
	for u := range seen {
		units = append(units, u)
	}
	sort.Strings(units)

	for _, u := range units {
		if err := d.store.UpsertDiscoveredUnit(ctx, u, seen[u], now); err != nil {
			log.Warn("discovered unit persist failed", zap.String("unit", u), zap.Error(err))
		}
	}
	d.store.RecordEvent(ctx, store.Event{
		RequestID: store.NewRequestID(),
		Status:    200,
		Action:    "discovery",
		Meta:      map[string]any{"units": len(units)},
	})
}

// scanQuadletDir reads every file in the Quadlet directory. `.service`
// files yield themselves; `.container`/`.kube`/`.image` yield
// `<stem>.service` unless their Autoupdate is disabled. A missing or
// unreadable directory is non-fatal and yields nothing.
func (d *Discovery) scanQuadletDir(ctx context.Context) ([]string, error) {
	if d.containerDir == "" {
		return nil, nil
	}
	dir, err := hostexec.ParseAbsPath(d.containerDir)
	if err != nil {
		return nil, err
	}
	isDir, err := d.backend.IsDir(ctx, dir)
	if err != nil || !isDir {
		return nil, err
	}
	names, err := d.backend.ListDir(ctx, dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".service"):
			if _, err := hostexec.ParseUnitName(name); err == nil {
				out = append(out, name)
			}

		case strings.HasSuffix(name, ".container"),
			strings.HasSuffix(name, ".kube"),
			strings.HasSuffix(name, ".image"):
			unit := stem(name) + ".service"
			if _, err := hostexec.ParseUnitName(unit); err != nil {
				continue
			}
			path, err := hostexec.ParseAbsPath(d.containerDir + "/" + name)
			if err != nil {
				continue
			}
			content, err := d.backend.ReadFile(ctx, path)
			if err != nil {
				// Unreadable file: skip, the directory scan goes on.
				continue
			}
			if quadletAutoupdateEnabled(content) {
				out = append(out, unit)
			}
		}
	}
	return out, nil
}

// psItem is the subset of `podman ps --format json` the scan needs.
type psItem struct {
	Names  []string          `json:"Names"`
	Labels map[string]string `json:"Labels"`
}

// scanPodmanPS lists live containers carrying the autoupdate label.
func (d *Discovery) scanPodmanPS(ctx context.Context) ([]string, error) {
	res, err := d.backend.Podman(ctx, "ps", "-a",
		"--filter", "label=io.containers.autoupdate", "--format", "json")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, &hostexec.Error{Kind: hostexec.ErrNonZeroExit, Exit: res.ExitCode, Stderr: res.Stderr}
	}

	var items []psItem
	if err := json.Unmarshal([]byte(res.Stdout), &items); err != nil {
		return nil, err
	}

	var out []string
	for _, item := range items {
		if _, disabled := autoupdateDisabled[strings.ToLower(item.Labels["io.containers.autoupdate"])]; disabled {
			continue
		}
		unit := item.Labels["io.podman.systemd.unit"]
		if unit == "" {
			unit = item.Labels["io.containers.autoupdate.unit"]
		}
		if unit == "" && len(item.Names) > 0 {
			unit = item.Names[0] + ".service"
		}
		if unit == "" {
			continue
		}
		if _, err := hostexec.ParseUnitName(unit); err == nil {
			out = append(out, unit)
		}
	}
	return out, nil
}

// quadletAutoupdateEnabled parses the Quadlet file and checks its
// Autoupdate key against the disabled set. The key lives in [Container]
// for .container files and in [Kube]/[Image] for the other kinds.
func quadletAutoupdateEnabled(content string) bool {
	var value string
	for _, section := range []string{"Container", "Kube", "Image"} {
		if v := quadletValue(content, section, "Autoupdate"); v != "" {
			value = v
			break
		}
	}
	_, disabled := autoupdateDisabled[strings.ToLower(strings.TrimSpace(value))]
	return !disabled
}

// QuadletImage extracts Image= from a `.container` file's [Container]
// section; empty when absent.
func QuadletImage(content string) string {
	return strings.TrimSpace(quadletValue(content, "Container", "Image"))
}

// quadletValue reads key from the named section, both matched
// case-insensitively.
func quadletValue(content, section, key string) string {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true, AllowShadows: true}, []byte(content))
	if err != nil {
		return ""
	}
	sec := f.Section(strings.ToLower(section))
	if sec == nil {
		return ""
	}
	return sec.Key(strings.ToLower(key)).String()
}

// ContainerFileFor maps a unit to its Quadlet `.container` source path.
func ContainerFileFor(containerDir, unit string) string {
	if containerDir == "" {
		return ""
	}
	return containerDir + "/" + strings.TrimSuffix(unit, ".service") + ".container"
}

func stem(name string) string {
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
