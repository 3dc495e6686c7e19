// Package task holds the in-process worker bodies executed for each task
// kind. A body drives host backend commands, updates the task's persisted
// state and appends log rows; the final task status is always terminal.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/hostexec"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/ratelimit"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

const (
	pullAttempts = 3
	pullDelay    = 5 * time.Second
)

// Runner executes task bodies against the shared store and host backend.
type Runner struct {
	store   *store.Store
	backend hostexec.HostBackend
	limiter *ratelimit.Limiter

	autoUpdateUnit string
	executorKind   string
	stateDir       string

	// pullRetryDelay shortens the pull backoff in tests.
	pullRetryDelay time.Duration
}

// New builds a runner.
func New(st *store.Store, backend hostexec.HostBackend, limiter *ratelimit.Limiter,
	autoUpdateUnit, executorKind, stateDir string) *Runner {
	return &Runner{
		store:          st,
		backend:        backend,
		limiter:        limiter,
		autoUpdateUnit: autoUpdateUnit,
		executorKind:   executorKind,
		stateDir:       stateDir,
		pullRetryDelay: pullDelay,
	}
}

// Run loads the task row, marks it running and executes the body for its
// kind. Every exit path leaves the task terminal.
func (r *Runner) Run(ctx context.Context, taskID string) error {
	t, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if err := r.store.MarkTaskRunning(ctx, taskID); err != nil {
		return err
	}

	var runErr error
	switch t.Kind {
	case enum.TaskKindWebhook:
		runErr = r.runWebhook(ctx, t)
	case enum.TaskKindManualTrigger, enum.TaskKindCLITrigger:
		runErr = r.runManualTrigger(ctx, t)
	case enum.TaskKindManualService:
		runErr = r.runManualService(ctx, t)
	case enum.TaskKindAutoUpdate:
		runErr = r.runAutoUpdate(ctx, t)
	case enum.TaskKindPrune:
		runErr = r.runPrune(ctx, t)
	case enum.TaskKindSchedulerTick:
		runErr = r.runSchedulerTick(ctx, t)
	default:
		runErr = fmt.Errorf("unknown task kind %q", t.Kind)
	}

	if runErr != nil {
		r.logError(ctx, taskID, "run", runErr)
		_ = r.store.FinishTask(ctx, taskID, enum.TaskStatusFailed, runErr.Error())
		return runErr
	}
	return r.store.FinishTask(ctx, taskID, enum.TaskStatusSucceeded, "")
}

// metaString reads a string field from the task meta.
func metaString(t store.Task, key string) string {
	v, _ := t.Meta[key].(string)
	return v
}

func metaBool(t store.Task, key string) bool {
	v, _ := t.Meta[key].(bool)
	return v
}

func metaStrings(t store.Task, key string) []string {
	raw, ok := t.Meta[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// runWebhook pulls the new image and restarts the unit under the image
// lock, then prunes dangling images best-effort.
func (r *Runner) runWebhook(ctx context.Context, t store.Task) error {
	unit := metaString(t, "unit")
	image := metaString(t, "image")
	if unit == "" || image == "" {
		return fmt.Errorf("invalid-input: webhook task needs unit and image")
	}
	imageKey := hostexec.SanitizeImageKey(image)

	release, err := r.limiter.AcquireImageLock(ctx, imageKey)
	if err != nil {
		r.setUnit(ctx, t.TaskID, unit, enum.UnitStatusError, err.Error())
		return err
	}
	defer release()

	decision, err := r.limiter.CheckGithubImage(ctx, imageKey, time.Now(), true)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		r.setUnit(ctx, t.TaskID, unit, enum.UnitStatusError, "rate-limit")
		return fmt.Errorf("rate-limit: github-image/%s", imageKey)
	}

	if err := r.pullImage(ctx, t.TaskID, image); err != nil {
		r.setUnit(ctx, t.TaskID, unit, enum.UnitStatusFailed, "pull failed")
		return err
	}

	if err := r.restartUnit(ctx, t.TaskID, unit); err != nil {
		r.setUnit(ctx, t.TaskID, unit, enum.UnitStatusFailed, "restart failed")
		return err
	}
	r.setUnit(ctx, t.TaskID, unit, enum.UnitStatusSucceeded, "")

	// Dangling-image cleanup is best-effort; a failure is only a log row.
	res, err := r.backend.Podman(ctx, "image", "prune", "-f")
	r.logCommand(ctx, t.TaskID, "image-prune", "podman image prune -f",
		[]string{"podman", "image", "prune", "-f"}, res, err)

	return nil
}

// pullImage runs `podman pull` with bounded retries.
func (r *Runner) pullImage(ctx context.Context, taskID, image string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.pullRetryDelay), pullAttempts-1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		res, err := r.backend.Podman(ctx, "pull", image)
		r.logCommand(ctx, taskID, "pull", "podman pull "+image,
			[]string{"podman", "pull", image}, res, err)
		if err != nil {
			return err
		}
		if !res.Success() {
			return fmt.Errorf("non-zero-exit: podman pull attempt %d", attempt)
		}
		return nil
	}, policy)
}

func (r *Runner) restartUnit(ctx context.Context, taskID, unit string) error {
	res, err := r.backend.SystemctlUser(ctx, "restart", unit)
	r.logCommand(ctx, taskID, "restart", "systemctl --user restart "+unit,
		[]string{"systemctl", "--user", "restart", unit}, res, err)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("non-zero-exit: systemctl restart %s", unit)
	}
	return nil
}

func (r *Runner) startUnit(ctx context.Context, taskID, unit string) error {
	res, err := r.backend.SystemctlUser(ctx, "start", unit)
	r.logCommand(ctx, taskID, "start", "systemctl --user start "+unit,
		[]string{"systemctl", "--user", "start", unit}, res, err)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("non-zero-exit: systemctl start %s", unit)
	}
	return nil
}

// runManualTrigger processes each unique unit; the auto-update unit gets
// `start`, everything else `restart`. Succeeds iff every unit succeeded or
// was a dry run.
func (r *Runner) runManualTrigger(ctx context.Context, t store.Task) error {
	units := dedupe(metaStrings(t, "units"))
	dryRun := metaBool(t, "dry_run")
	if len(units) == 0 {
		return fmt.Errorf("invalid-input: no units to trigger")
	}

	var errs *multierror.Error
	for _, unit := range units {
		status, detail := r.triggerOne(ctx, t.TaskID, unit, dryRun)
		r.setUnit(ctx, t.TaskID, unit, status, detail)
		if status != enum.UnitStatusSucceeded && status != enum.UnitStatusDryRun {
			errs = multierror.Append(errs, fmt.Errorf("%s: %s", unit, detail))
		}
	}
	return errs.ErrorOrNil()
}

func (r *Runner) triggerOne(ctx context.Context, taskID, unit string, dryRun bool) (enum.UnitStatus, string) {
	if _, err := hostexec.ParseUnitName(unit); err != nil {
		return enum.UnitStatusError, err.Error()
	}
	if dryRun {
		r.logInfo(ctx, taskID, "dry-run", "would trigger "+unit)
		return enum.UnitStatusDryRun, ""
	}

	var err error
	if unit == r.autoUpdateUnit {
		err = r.startUnit(ctx, taskID, unit)
	} else {
		err = r.restartUnit(ctx, taskID, unit)
	}
	if err != nil {
		if _, ok := err.(*hostexec.Error); ok {
			return enum.UnitStatusError, err.Error()
		}
		if strings.HasPrefix(err.Error(), "non-zero-exit") {
			return enum.UnitStatusFailed, err.Error()
		}
		return enum.UnitStatusError, err.Error()
	}
	return enum.UnitStatusSucceeded, ""
}

// runManualService triggers one unit, optionally pulling an image first.
func (r *Runner) runManualService(ctx context.Context, t store.Task) error {
	unit := metaString(t, "unit")
	if unit == "" {
		return fmt.Errorf("invalid-input: manual-service task needs a unit")
	}
	image := metaString(t, "image")
	dryRun := metaBool(t, "dry_run")

	if image != "" && !dryRun {
		if err := r.pullImage(ctx, t.TaskID, image); err != nil {
			r.setUnit(ctx, t.TaskID, unit, enum.UnitStatusFailed, "pull failed")
			return err
		}
	}

	status, detail := r.triggerOne(ctx, t.TaskID, unit, dryRun)
	r.setUnit(ctx, t.TaskID, unit, status, detail)
	if status != enum.UnitStatusSucceeded && status != enum.UnitStatusDryRun {
		return fmt.Errorf("%s: %s", unit, detail)
	}
	return nil
}

func (r *Runner) runAutoUpdate(ctx context.Context, t store.Task) error {
	err := r.startUnit(ctx, t.TaskID, r.autoUpdateUnit)
	if err != nil {
		r.setUnit(ctx, t.TaskID, r.autoUpdateUnit, enum.UnitStatusFailed, err.Error())
		return err
	}
	r.setUnit(ctx, t.TaskID, r.autoUpdateUnit, enum.UnitStatusSucceeded, "")
	return nil
}

// legacyPrunePaths are on-disk artefacts from before the embedded store.
var legacyPrunePaths = []string{
	"github-image-limits",
	"github-image-locks",
	"ratelimit.db",
	"ratelimit.lock",
}

// runPrune deletes aged rate tokens and stale image locks plus legacy
// files, reporting counts in the task log.
func (r *Runner) runPrune(ctx context.Context, t store.Task) error {
	retention := time.Duration(48) * time.Hour
	if secs, ok := t.Meta["retention_secs"].(float64); ok && secs > 0 {
		retention = time.Duration(secs) * time.Second
	}
	dryRun := metaBool(t, "dry_run")
	cutoff := time.Now().Add(-retention)

	tokens, err := r.store.PruneTokens(ctx, cutoff, dryRun)
	if err != nil {
		return err
	}
	locks, err := r.store.PruneLocks(ctx, cutoff, dryRun)
	if err != nil {
		return err
	}

	var legacy int
	for _, name := range legacyPrunePaths {
		path := filepath.Join(r.stateDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		legacy++
		if !dryRun {
			if err := os.RemoveAll(path); err != nil {
				logger.GetLogger(ctx).Warn("legacy artefact remove failed",
					zap.String("path", path), zap.Error(err))
			}
		}
	}

	counts, _ := json.Marshal(map[string]any{
		"tokens": tokens, "locks": locks, "legacy": legacy, "dry_run": dryRun,
	})
	r.logInfo(ctx, t.TaskID, "prune", string(counts))
	r.setUnit(ctx, t.TaskID, "state", enum.UnitStatusSucceeded, string(counts))
	return nil
}

// runSchedulerTick performs the periodic auto-update.
func (r *Runner) runSchedulerTick(ctx context.Context, t store.Task) error {
	return r.runAutoUpdate(ctx, t)
}

func (r *Runner) setUnit(ctx context.Context, taskID, unit string, status enum.UnitStatus, detail string) {
	if err := r.store.UpsertTaskUnit(ctx, store.TaskUnit{
		TaskID: taskID, UnitName: unit, Status: status, Detail: detail,
	}); err != nil {
		logger.GetLogger(ctx).Warn("task unit update failed",
			zap.String("task_id", taskID), zap.String("unit", unit), zap.Error(err))
	}
}

func (r *Runner) logCommand(ctx context.Context, taskID, action, command string, argv []string,
	res hostexec.CommandResult, err error) {

	meta := map[string]any{
		"host_backend": string(r.backend.Kind()),
		"type":         "command",
		"command":      command,
		"argv":         argv,
	}
	status := "ok"
	level := "info"
	if err != nil {
		status = "error"
		level = "error"
		meta["error"] = err.Error()
	} else {
		if res.ExitCode != nil {
			meta["exit"] = *res.ExitCode
		}
		if res.Stdout != "" {
			meta["stdout"] = res.Stdout
		}
		if res.Stderr != "" {
			meta["stderr"] = res.Stderr
		}
		if !res.Success() {
			status = "failed"
			level = "warn"
		}
	}

	if logErr := r.store.AppendTaskLog(ctx, store.TaskLog{
		TaskID: taskID, Level: level, Action: action, Status: status,
		Summary: command, Meta: meta,
	}); logErr != nil {
		logger.GetLogger(ctx).Warn("task log append failed", zap.Error(logErr))
	}
}

func (r *Runner) logInfo(ctx context.Context, taskID, action, summary string) {
	_ = r.store.AppendTaskLog(ctx, store.TaskLog{
		TaskID: taskID, Level: "info", Action: action, Summary: summary,
		Meta: map[string]any{"host_backend": string(r.backend.Kind()), "task_executor": r.executorKind},
	})
}

func (r *Runner) logError(ctx context.Context, taskID, action string, err error) {
	_ = r.store.AppendTaskLog(ctx, store.TaskLog{
		TaskID: taskID, Level: "error", Action: action, Status: "error",
		Summary: err.Error(), Meta: map[string]any{
			"host_backend":  string(r.backend.Kind()),
			"task_executor": r.executorKind,
		},
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
