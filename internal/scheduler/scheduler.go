// Package scheduler periodically enqueues the auto-update task.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/app"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/executor"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

// Scheduler ticks at the configured interval, floored to the minimum.
// MaxTicks bounds the loop for tests; zero means run forever.
type Scheduler struct {
	app      *app.Context
	Interval time.Duration
	MinInt   time.Duration
	MaxTicks int
}

// New builds a scheduler from the settings.
func New(a *app.Context) *Scheduler {
	return &Scheduler{
		app:      a,
		Interval: a.Settings.SchedulerInterval,
		MinInt:   a.Settings.SchedulerMinInterval,
		MaxTicks: a.Settings.SchedulerMaxTicks,
	}
}

// effectiveInterval applies the minimum floor.
func (s *Scheduler) effectiveInterval() time.Duration {
	if s.Interval < s.MinInt {
		return s.MinInt
	}
	return s.Interval
}

// Run loops until the context ends or MaxTicks is reached.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.GetLogger(ctx)
	interval := s.effectiveInterval()
	log.Info("scheduler running", zap.Duration("interval", interval))

	ticks := 0
	for {
		s.tick(ctx)
		ticks++
		if s.MaxTicks > 0 && ticks >= s.MaxTicks {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// tick dispatches one scheduler-tick task and records the audit row.
func (s *Scheduler) tick(ctx context.Context) {
	taskID, err := s.app.DispatchTask(ctx, enum.TaskKindSchedulerTick, "scheduler",
		nil, executor.DispatchRequest{Action: "scheduler-tick"})

	status := 202
	meta := map[string]any{"task_id": taskID}
	if err != nil {
		status = 500
		meta["error"] = err.Error()
		logger.GetLogger(ctx).Warn("scheduler dispatch failed", zap.Error(err))
	}
	s.app.Store.RecordEvent(ctx, store.Event{
		RequestID: store.NewRequestID(),
		Status:    status,
		Action:    "scheduler",
		Meta:      meta,
	})
}
