// Package seed populates a development store with plausible demo data so
// the UI has something to show on a fresh checkout.
package seed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

var demoUnits = []string{
	"svc-alpha.service",
	"svc-beta.service",
	"podman-auto-update.service",
}

// Demo inserts discovered units, a finished webhook task with logs, and a
// few audit events.
func Demo(ctx context.Context, st *store.Store) error {
	log := logger.GetLogger(ctx)
	now := time.Now()

	for _, unit := range demoUnits {
		if err := st.UpsertDiscoveredUnit(ctx, unit, enum.DiscoverySourceDir, now); err != nil {
			return fmt.Errorf("seed discovered unit: %w", err)
		}
	}

	taskID := store.NewTaskID(now.Add(-10 * time.Minute))
	if err := st.CreateTask(ctx, store.Task{
		TaskID:        taskID,
		Kind:          enum.TaskKindWebhook,
		CreatedAt:     now.Add(-10 * time.Minute).Unix(),
		TriggerSource: "github",
		Meta: map[string]any{
			"unit":          "svc-alpha.service",
			"image":         "ghcr.io/demo/svc-alpha:main",
			"delivery":      "demo-delivery-1",
			"task_executor": "systemd-run",
			"host_backend":  "local",
		},
	}); err != nil {
		return fmt.Errorf("seed task: %w", err)
	}
	if err := st.MarkTaskRunning(ctx, taskID); err != nil {
		return err
	}
	steps := []store.TaskLog{
		{TaskID: taskID, Level: "info", Action: "pull", Status: "ok",
			Summary: "podman pull ghcr.io/demo/svc-alpha:main"},
		{TaskID: taskID, Level: "info", Action: "restart", Status: "ok",
			Summary: "systemctl --user restart svc-alpha.service"},
		{TaskID: taskID, Level: "info", Action: "image-prune", Status: "ok",
			Summary: "podman image prune -f"},
	}
	for _, step := range steps {
		if err := st.AppendTaskLog(ctx, step); err != nil {
			return err
		}
	}
	if err := st.UpsertTaskUnit(ctx, store.TaskUnit{
		TaskID: taskID, UnitName: "svc-alpha.service", Status: enum.UnitStatusSucceeded,
	}); err != nil {
		return err
	}
	if err := st.FinishTask(ctx, taskID, enum.TaskStatusSucceeded, "demo rollout"); err != nil {
		return err
	}

	st.RecordEvent(ctx, store.Event{
		RequestID: store.NewRequestID(),
		Method:    "POST",
		Path:      "/github-package-update/svc-alpha",
		Status:    202,
		Action:    "github-webhook",
		Meta: map[string]any{
			"unit":     "svc-alpha.service",
			"image":    "ghcr.io/demo/svc-alpha:main",
			"delivery": "demo-delivery-1",
			"task_id":  taskID,
		},
	})

	log.Info("demo data seeded", zap.String("task_id", taskID), zap.Int("units", len(demoUnits)))
	return nil
}
