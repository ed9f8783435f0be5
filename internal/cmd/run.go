package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/specparse"
	"github.com/relaycrew/conductor/internal/style"
)

// newRunCommand implements `run` (spec.md §6): it only ever enqueues —
// provisioning happens later, out-of-process, when `scheduler --daemon`'s
// Project Queue loop dequeues and runs the Lifecycle Engine. This keeps
// `run`'s own exit fast and its failure modes limited to "couldn't read the
// spec file" / "couldn't write to the store," never to anything tmux- or
// git-related.
func newRunCommand(registry *string) *cobra.Command {
	var (
		specPath    string
		projectPath string
		newProject  bool
		plan        string
		batch       string
		force       bool
		resume      bool
	)

	c := &cobra.Command{
		Use:   "run",
		Short: "Enqueue a project for provisioning",
		RunE: func(cmd *cobra.Command, args []string) error {
			if specPath == "" {
				return usageError("run: --spec is required")
			}
			if _, err := os.Stat(specPath); err != nil {
				return preconditionError(fmt.Errorf("spec file %s: %w", specPath, err))
			}
			if projectPath == "" {
				return usageError("run: --project is required")
			}
			if !newProject {
				if _, err := os.Stat(projectPath); err != nil {
					return preconditionError(fmt.Errorf("project path %s: %w (pass --new-project to create it)", projectPath, err))
				}
			}
			tier := specparse.PlanTier(plan)
			switch tier {
			case "", specparse.PlanConsole, specparse.PlanPro, specparse.PlanMax5, specparse.PlanMax20:
			default:
				return usageError("run: unrecognized --plan %q", plan)
			}

			a, err := newApp(*registry)
			if err != nil {
				return operationalError(err)
			}

			if resume {
				return resumeProject(a, projectPath)
			}

			if batch == "" {
				if busy, err := a.store.HasProcessingProject(); err != nil {
					return operationalError(err)
				} else if busy && !force {
					return preconditionError(fmt.Errorf("run: a project is already PROCESSING; pass --force to enqueue anyway"))
				}
			}

			absProject, err := filepath.Abs(projectPath)
			if err != nil {
				return operationalError(err)
			}

			id, err := a.store.EnqueueProject(model.Project{
				SpecPath:    specPath,
				ProjectPath: absProject,
				EnqueuedAt:  time.Now(),
				BatchID:     batch,
			})
			if err != nil {
				return operationalError(fmt.Errorf("enqueuing project: %w", err))
			}

			fmt.Printf("%s enqueued project %d (%s)\n", style.SuccessPrefix, id, filepath.Base(absProject))
			return nil
		},
	}

	c.Flags().StringVar(&specPath, "spec", "", "path to the project's spec markdown")
	c.Flags().StringVar(&projectPath, "project", "", "path to the project's working copy")
	c.Flags().BoolVar(&newProject, "new-project", false, "allow --project to name a path that doesn't exist yet")
	c.Flags().StringVar(&plan, "plan", "", "team plan tier (pro|max5|max20|console)")
	c.Flags().StringSlice("roles", nil, "override the default role set (unused when the spec carries its own team block)")
	c.Flags().StringVar(&batch, "batch", "", "batch id grouping this enqueue with others; bypasses the single-PROCESSING precondition check")
	c.Flags().BoolVar(&force, "force", false, "enqueue even if a project is already PROCESSING")
	c.Flags().BoolVar(&resume, "resume", false, "resume a FAILED project at --project instead of enqueueing a new one")
	return c
}

// resumeProject implements `run --resume` (spec.md §7): re-open the
// project's existing session if it's still alive, or reset it back to
// QUEUED so the Project Queue provisions it fresh from its worktrees.
func resumeProject(a *app, projectPath string) error {
	absProject, err := filepath.Abs(projectPath)
	if err != nil {
		return operationalError(err)
	}

	projects, err := a.store.ListAllProjects()
	if err != nil {
		return operationalError(err)
	}
	var target *model.Project
	for _, p := range projects {
		if p.ProjectPath == absProject {
			target = p
			break
		}
	}
	if target == nil {
		return preconditionError(fmt.Errorf("run --resume: no project registered at %s", absProject))
	}
	if target.Status != model.ProjectFailed {
		return preconditionError(fmt.Errorf("run --resume: project %d is %s, not FAILED", target.ID, target.Status))
	}

	if target.MainSession != "" {
		if alive, err := a.tmuxCtl().HasSession(target.MainSession); err == nil && alive {
			fmt.Printf("%s session %s is still alive; reattach with: tmux attach -t %s\n",
				style.SuccessPrefix, target.MainSession, target.MainSession)
			return nil
		}
	}

	if err := a.store.ResetProject(target.ID); err != nil {
		return operationalError(fmt.Errorf("resetting project %d: %w", target.ID, err))
	}
	fmt.Printf("%s project %d reset to QUEUED; the Project Queue will reconstruct it from its worktrees\n",
		style.SuccessPrefix, target.ID)
	return nil
}
