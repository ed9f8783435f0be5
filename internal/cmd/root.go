// Package cmd implements conductor's CLI surface (spec.md §6): four
// subcommands — run, queue, scheduler, merge — sharing one composition root
// that wires the store and every component (C1-C12) together from a single
// Config. Grounded on ztbrown-gastown's internal/cmd package shape (one
// cobra root, one persistent --registry-style flag, subcommands that each
// build what they need from a shared app struct) — the teacher's own
// subcommands (sling, rig, polecat, ...) don't survive the transformation,
// but the wiring pattern they shared does.
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycrew/conductor/internal/config"
	"github.com/relaycrew/conductor/internal/gitutil"
	"github.com/relaycrew/conductor/internal/lifecycle"
	"github.com/relaycrew/conductor/internal/messenger"
	"github.com/relaycrew/conductor/internal/notify"
	"github.com/relaycrew/conductor/internal/store"
	"github.com/relaycrew/conductor/internal/tmuxctl"
	"github.com/relaycrew/conductor/internal/worktree"
)

// exitCode values match spec.md §6's documented scheme: every RunE returns
// a *cliError carrying one of these, and Execute translates it to os.Exit.
const (
	exitUsage        = 2
	exitPrecondition = 3
	exitOperational  = 4
	exitTimeout      = 5
)

// cliError pairs an error with the exit code main should report for it.
// A RunE that returns a plain error (not a *cliError) is treated as
// exitOperational — the default for "something went wrong downstream."
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &cliError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func preconditionError(err error) error {
	return &cliError{code: exitPrecondition, err: err}
}

func operationalError(err error) error {
	return &cliError{code: exitOperational, err: err}
}

func timeoutError(err error) error {
	return &cliError{code: exitTimeout, err: err}
}

// app is the composition root: every component built once from cfg and
// shared by whichever subcommand runs. Subcommands that only touch the
// store (queue --list, scheduler --list) never pay for the heavier
// components (lifecycle, health); app builds everything lazily through its
// accessor methods so a short-lived administrative command doesn't open a
// tmux controller it will never call.
type app struct {
	cfg      config.Config
	registry string // path to the registry root, for per-project directories

	store *store.Store
	tmux  *tmuxctl.Controller
	msgr  *messenger.Messenger
	noti  notify.Notifier
}

func newApp(registry string) (*app, error) {
	cfgPath := filepath.Join(registry, "config.json")
	cfg, err := config.Load(cfgPath, envMap())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	// Config paths are relative to the registry root by convention (see
	// config.Defaults); root them here so a command run from any directory
	// still finds the same files.
	cfg.StorePath = filepath.Join(registry, filepath.Base(cfg.StorePath))
	cfg.WorktreesRoot = filepath.Join(registry, "worktrees")
	cfg.DeliveryLogPath = filepath.Join(registry, "logs", "delivery.jsonl")
	cfg.ControlFlagDir = filepath.Join(registry, "control")

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &app{cfg: cfg, registry: registry, store: st}, nil
}

func envMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func (a *app) tmuxCtl() *tmuxctl.Controller {
	if a.tmux == nil {
		a.tmux = tmuxctl.New()
	}
	return a.tmux
}

func (a *app) messenger() *messenger.Messenger {
	if a.msgr == nil {
		a.msgr = messenger.New(a.tmuxCtl(), a.cfg.DeliveryLogPath)
	}
	return a.msgr
}

// notifier builds C12's backend chain: Log always present, Slack layered in
// when a webhook is configured, the whole thing wrapped in the bounded
// retry spec.md §4.12 requires.
func (a *app) notifier() notify.Notifier {
	if a.noti != nil {
		return a.noti
	}
	backends := []notify.Notifier{&notify.LogNotifier{Logger: a.componentLogger("notify")}}
	if a.cfg.NotifyWebhookURL != "" {
		backends = append(backends, &notify.SlackNotifier{WebhookURL: a.cfg.NotifyWebhookURL})
	}
	a.noti = &notify.RetryingNotifier{Inner: &notify.MultiNotifier{Backends: backends}, Logger: a.componentLogger("notify")}
	return a.noti
}

func logWriter(registry, component string) (*os.File, error) {
	dir := filepath.Join(registry, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, component+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// componentLogger returns a *log.Logger writing to registry/logs/<component>.log,
// falling back to stderr if the log directory can't be created — following
// the teacher's per-component log.New(file, "", log.LstdFlags) pattern
// rather than one global logger.
func (a *app) componentLogger(component string) *log.Logger {
	f, err := logWriter(a.registry, component)
	if err != nil {
		return log.New(os.Stderr, component+": ", log.LstdFlags)
	}
	return log.New(f, "", log.LstdFlags)
}

// lifecycleEngine builds the portion of a *lifecycle.Engine that is the
// same for every project; Worktree and Git are project-specific and set
// per-call by projectProvisioner below.
func (a *app) lifecycleEngine() *lifecycle.Engine {
	return &lifecycle.Engine{
		Tmux:         a.tmuxCtl(),
		Sender:       a.messenger(),
		Store:        a.store,
		Auth:         lifecycle.FileAuthChecker{},
		Cfg:          a.cfg,
		ReadyTimeout: 2 * time.Minute,
	}
}

// projectProvisioner adapts a shared *lifecycle.Engine template into
// queue.Provisioner: worktree.Manager and gitutil.Git are both bound to one
// project's working directory, so each Provision call makes its own copy of
// the template (a cheap value copy — Engine holds no mutable shared state)
// with those two fields pointed at req.Project.ProjectPath. The worktrees
// parent is the project's own parent directory, matching spec.md §6's
// {project-parent}/{project}-tmux-worktrees/ sibling layout rather than one
// global worktrees root shared by every project.
type projectProvisioner struct {
	template *lifecycle.Engine
}

func (p projectProvisioner) Provision(ctx context.Context, req lifecycle.Request) (*lifecycle.Result, error) {
	git := gitutil.New(req.Project.ProjectPath).WithContext(ctx)
	reposRoot := filepath.Dir(req.Project.ProjectPath)
	wt := worktree.New(git, reposRoot, req.ProjectName)

	engine := *p.template
	engine.Git = git
	engine.Worktree = wt
	engine.ReposRoot = reposRoot
	return engine.Provision(ctx, req)
}

// Execute builds the root cobra command and runs it, returning the exit
// code spec.md §6 documents rather than calling os.Exit itself so
// cmd/relay/main.go stays a one-line wrapper.
func Execute() int {
	var registry string

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Orchestrates multi-agent coding projects over tmux",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&registry, "registry", "registry", "installation root directory")

	root.AddCommand(
		newRunCommand(&registry),
		newQueueCommand(&registry),
		newSchedulerCommand(&registry),
		newMergeCommand(&registry),
	)

	if err := root.Execute(); err != nil {
		if ce, ok := asCliError(err); ok {
			fmt.Fprintln(os.Stderr, ce.Error())
			return ce.code
		}
		fmt.Fprintln(os.Stderr, err.Error())
		return exitOperational
	}
	return 0
}

func asCliError(err error) (*cliError, bool) {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			return ce, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
