package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycrew/conductor/internal/automerge"
	"github.com/relaycrew/conductor/internal/completion"
	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/gitutil"
	"github.com/relaycrew/conductor/internal/health"
	"github.com/relaycrew/conductor/internal/lifecycle"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/notify"
	"github.com/relaycrew/conductor/internal/queue"
	"github.com/relaycrew/conductor/internal/scheduler"
	"github.com/relaycrew/conductor/internal/specparse"
	"github.com/relaycrew/conductor/internal/style"
)

// newSchedulerCommand implements `scheduler` (spec.md §6). --daemon is the
// one long-running mode: it starts the Scheduler Core (C7), Project Queue
// (C8), Health Monitor (C9), and Auto-Merge Runner (C11) together as one
// process (see DESIGN.md's "Open Question decisions" for why one daemon
// rather than four). The other flags are one-shot administrative calls
// against the scheduled_tasks table, same shape as `queue`'s project
// administration.
func newSchedulerCommand(registry *string) *cobra.Command {
	var (
		daemon bool
		list   bool
		add    []string
		remove int64
	)

	c := &cobra.Command{
		Use:   "scheduler",
		Short: "Scheduler core control and administration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*registry)
			if err != nil {
				return operationalError(err)
			}

			switch {
			case daemon:
				return runDaemon(a)
			case list:
				return schedulerList(a)
			case len(add) > 0:
				if len(add) != 5 {
					return usageError("scheduler --add takes exactly <session> <role> <window> <minutes> <note>")
				}
				return schedulerAdd(a, add)
			case cmd.Flags().Changed("remove"):
				if err := a.store.RemoveTask(remove); err != nil {
					return operationalError(err)
				}
				fmt.Printf("%s task %d removed\n", style.SuccessPrefix, remove)
				return nil
			default:
				return usageError("scheduler: one of --daemon, --list, --add, --remove is required")
			}
		},
	}

	c.Flags().BoolVar(&daemon, "daemon", false, "run the long-lived scheduler/queue/health/auto-merge process")
	c.Flags().BoolVar(&list, "list", false, "list every non-done scheduled task")
	c.Flags().StringSliceVar(&add, "add", nil, "schedule <session> <role> <window> <minutes> <note>")
	c.Flags().Int64Var(&remove, "remove", 0, "remove a scheduled task by id")
	return c
}

func schedulerList(a *app) error {
	tasks, err := a.store.ListAllTasks()
	if err != nil {
		return operationalError(err)
	}
	header := []string{"ID", "SESSION", "ROLE", "WINDOW", "NEXT_RUN", "NOTE"}
	var rows [][]string
	for _, t := range tasks {
		rows = append(rows, []string{
			fmt.Sprintf("%d", t.ID),
			t.SessionName,
			t.Role,
			fmt.Sprintf("%d", t.WindowIndex),
			time.Unix(t.NextRunEpoch, 0).Format(time.RFC3339),
			t.Note,
		})
	}
	fmt.Print(style.Table(header, rows))
	return nil
}

func schedulerAdd(a *app, args []string) error {
	session, role, windowStr, minutesStr, note := args[0], args[1], args[2], args[3], args[4]
	window, err := strconv.Atoi(windowStr)
	if err != nil {
		return usageError("scheduler --add: window must be an integer: %v", err)
	}
	minutes, err := strconv.Atoi(minutesStr)
	if err != nil || minutes <= 0 {
		return usageError("scheduler --add: minutes must be a positive integer")
	}

	now := time.Now()
	task := model.ScheduledTask{
		SessionName:     session,
		Role:            role,
		WindowIndex:     window,
		IntervalMinutes: minutes,
		Note:            note,
		NextRunEpoch:    now.Add(time.Duration(minutes) * time.Minute).Unix(),
		DedupKey:        model.DedupKey(session, role, note),
	}
	id, err := a.store.EnqueueTask(task)
	if err != nil {
		return operationalError(err)
	}
	fmt.Printf("%s scheduled task %d\n", style.SuccessPrefix, id)
	return nil
}

// runDaemon starts C7, C8, C9, and C11 as goroutines sharing one context and
// blocks until SIGINT/SIGTERM or until the scheduler, queue, or health loop
// returns, whichever comes first. The scheduler and auto-merge runs take
// their own singleton flocks (the queue and health loops take none), so a
// second daemon invocation fails on the scheduler's lock the same way a lone
// `scheduler --daemon` already would.
func runDaemon(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	narrow := notify.Narrow{Inner: a.notifier()}

	schedEngine := &scheduler.Engine{
		Store:    a.store,
		Sender:   a.messenger(),
		Notifier: narrow,
		Logger:   a.componentLogger("scheduler"),
		LockPath: a.cfg.ControlFlagDir + "/scheduler.lock",
	}

	completionHandler := &completion.Handler{
		Tmux:     a.tmuxCtl(),
		Store:    a.store,
		Notifier: a.notifier(),
		Cfg:      a.cfg,
		Logger:   a.componentLogger("completion"),
	}

	healthEngine := &health.Engine{
		Tmux:           a.tmuxCtl(),
		Store:          a.store,
		Sender:         a.messenger(),
		Auth:           lifecycle.FileAuthChecker{},
		AgentPreset:    config.GetAgentPreset(config.DefaultAgentPreset()),
		FailureHandler: completionHandler,
		Notifier:       narrow,
		Cfg:            a.cfg,
		Logger:         a.componentLogger("health"),
	}

	queueEngine := &queue.Engine{
		Store:              a.store,
		Provisioner:        projectProvisioner{template: a.lifecycleEngine()},
		Notifier:           narrow,
		DefaultPlan:        specparse.PlanPro,
		DefaultAgentPreset: config.DefaultAgentPreset(),
		Logger:             a.componentLogger("queue"),
	}

	mergeRunner := &automerge.Runner{
		Store: a.store,
		NewGit: func(ctx context.Context, workDir string) automerge.Git {
			return gitutil.New(workDir).WithContext(ctx)
		},
		Notifier: narrow,
		LockPath: a.cfg.ControlFlagDir + "/automerge.lock",
		BatchCap: a.cfg.AutoMergeBatchCap,
		Logger:   a.componentLogger("automerge"),
	}

	errs := make(chan error, 4)
	go func() { errs <- schedEngine.Run(ctx) }()
	go func() { errs <- queueEngine.Run(ctx, a.cfg.SchedulerTick()) }()
	go func() { errs <- healthEngine.Run(ctx, a.cfg.HealthCheckInterval()) }()
	go func() {
		ticker := time.NewTicker(a.cfg.AutoMergeInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-ticker.C:
				if err := mergeRunner.Run(ctx); err != nil {
					a.componentLogger("automerge").Printf("run: %v", err)
				}
			}
		}
	}()

	fmt.Printf("%s daemon running (scheduler, queue, health, auto-merge)\n", style.SuccessPrefix)
	err := <-errs
	cancel()
	if err != nil && err != context.Canceled {
		return operationalError(err)
	}
	return nil
}
