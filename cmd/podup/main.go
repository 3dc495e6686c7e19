package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/app"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/config"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/logger"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/scheduler"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/seed"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/server"
	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

func main() {
	// The local-child executor spawns `<exe> --run-task <id>`; handle that
	// spelling before the CLI parser sees it.
	if len(os.Args) == 3 && os.Args[1] == "--run-task" {
		os.Args = []string{os.Args[0], "run-task", os.Args[2]}
	}

	cliApp := &cli.App{
		Name:    "podup",
		Usage:   "HTTP control plane that rolls out container image updates via podman Quadlet units",
		Version: app.Version,
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Serve one HTTP request on stdin/stdout",
				Action: runSingleRequest,
			},
			{
				Name:   "http-server",
				Usage:  "Run the HTTP accept loop",
				Action: runHTTPServer,
			},
			{
				Name:  "scheduler",
				Usage: "Run the periodic auto-update scheduler",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "interval", Usage: "Tick interval in seconds"},
					&cli.IntFlag{Name: "max-iterations", Usage: "Stop after N ticks (0 = forever)"},
				},
				Action: runScheduler,
			},
			{
				Name:      "trigger-units",
				Usage:     "Trigger a rollout of the named units",
				ArgsUsage: "<unit>...",
				Flags:     triggerFlags(),
				Action:    runTriggerUnits,
			},
			{
				Name:   "trigger-all",
				Usage:  "Trigger a rollout of every configured manual unit",
				Flags:  triggerFlags(),
				Action: runTriggerAll,
			},
			{
				Name:  "prune-state",
				Usage: "Delete aged rate-limit tokens, stale locks and legacy artefacts",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "max-age-hours", Value: 48},
					&cli.BoolFlag{Name: "dry-run"},
				},
				Action: runPruneState,
			},
			{
				Name:      "run-task",
				Usage:     "Execute a persisted task body (internal)",
				ArgsUsage: "<task-id>",
				Hidden:    true,
				Action:    runTask,
			},
			{
				Name:   "seed-demo",
				Usage:  "Populate the store with demo data",
				Action: runSeedDemo,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Println(app.Version)
					return nil
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func triggerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "dry-run"},
		&cli.StringFlag{Name: "caller"},
		&cli.StringFlag{Name: "reason"},
	}
}

// newAppContext builds the shared context plus a signal-cancelled ctx.
func newAppContext() (context.Context, context.CancelFunc, *app.Context, error) {
	ctx, log := logger.PrepareLogger(context.Background())
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	settings := config.Load()
	a, err := app.New(ctx, settings)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	log.Debug("context initialised",
		zap.String("profile", string(settings.Profile)),
		zap.String("db_url", settings.DBURL),
		zap.String("backend", string(a.Backend.Kind())))
	return ctx, cancel, a, nil
}

func runHTTPServer(c *cli.Context) error {
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	// Warm the discovery cache in the background; failures are non-fatal.
	go func() {
		_, _ = a.Discovery.Units(ctx, false)
	}()

	if err := server.New(a).ListenAndServe(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func runSingleRequest(c *cli.Context) error {
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	if err := server.New(a).ServeStdin(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func runScheduler(c *cli.Context) error {
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	sched := scheduler.New(a)
	if secs := c.Int("interval"); secs > 0 {
		sched.Interval = time.Duration(secs) * time.Second
	}
	if n := c.Int("max-iterations"); n > 0 {
		sched.MaxTicks = n
	}

	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// runTriggerInline creates a cli-trigger task and runs its body in this
// process, so the operator sees the outcome in the exit code.
func runTriggerInline(c *cli.Context, units []string) error {
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	if len(units) == 0 {
		return cli.Exit("no units to trigger", 2)
	}

	meta := map[string]any{
		"units":         toAnySlice(units),
		"dry_run":       c.Bool("dry-run"),
		"reason":        c.String("reason"),
		"task_executor": a.Executor.Kind(),
		"host_backend":  string(a.Backend.Kind()),
	}
	source := c.String("caller")
	if source == "" {
		source = "cli"
	}

	taskID := store.NewTaskID(time.Now())
	if err := a.Store.CreateTask(ctx, store.Task{
		TaskID: taskID, Kind: enum.TaskKindCLITrigger, TriggerSource: source, Meta: meta,
	}); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if err := a.Runner.Run(ctx, taskID); err != nil {
		fmt.Fprintf(os.Stderr, "task %s failed: %v\n", taskID, err)
		return cli.Exit("trigger failed", 1)
	}
	fmt.Printf("task %s succeeded\n", taskID)
	return nil
}

func runTriggerUnits(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("usage: podup trigger-units <unit>...", 2)
	}
	return runTriggerInline(c, c.Args().Slice())
}

func runTriggerAll(c *cli.Context) error {
	settings := config.Load()
	if len(settings.ManualUnits) == 0 {
		return cli.Exit("no manual units configured", 2)
	}
	return runTriggerInline(c, settings.ManualUnits)
}

func runPruneState(c *cli.Context) error {
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	taskID := store.NewTaskID(time.Now())
	if err := a.Store.CreateTask(ctx, store.Task{
		TaskID: taskID, Kind: enum.TaskKindPrune, TriggerSource: "cli",
		Meta: map[string]any{
			"retention_secs": float64(c.Int("max-age-hours") * 3600),
			"dry_run":        c.Bool("dry-run"),
			"task_executor":  a.Executor.Kind(),
			"host_backend":   string(a.Backend.Kind()),
		},
	}); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := a.Runner.Run(ctx, taskID); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logs, err := a.Store.TaskLogs(ctx, taskID)
	if err == nil {
		for _, l := range logs {
			if l.Action == "prune" {
				fmt.Println(l.Summary)
			}
		}
	}
	return nil
}

func runTask(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: podup run-task <task-id>", 2)
	}
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	if err := a.Runner.Run(ctx, c.Args().First()); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func runSeedDemo(c *cli.Context) error {
	ctx, cancel, a, err := newAppContext()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cancel()
	defer a.Close()

	if err := seed.Demo(ctx, a.Store); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
