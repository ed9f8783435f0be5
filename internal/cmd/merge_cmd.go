package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relaycrew/conductor/internal/automerge"
	"github.com/relaycrew/conductor/internal/gitutil"
	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/notify"
	"github.com/relaycrew/conductor/internal/style"
)

// newMergeCommand implements `merge` (spec.md §6): a manual, single-project
// invocation of the Auto-Merge Runner's (C11) merge sequence, for an
// operator who doesn't want to wait for the next `scheduler --daemon` tick
// or whose project failed its previous merge attempt and needs a retry.
func newMergeCommand(registry *string) *cobra.Command {
	var (
		projectPath string
		branch      string
		prOnly      bool
		noPR        bool
		dryRun      bool
	)

	c := &cobra.Command{
		Use:   "merge",
		Short: "Manually trigger the auto-merge sequence for one project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectPath == "" {
				return usageError("merge: --project is required")
			}
			if prOnly && noPR {
				return usageError("merge: --pr-only and --no-pr are mutually exclusive")
			}

			a, err := newApp(*registry)
			if err != nil {
				return operationalError(err)
			}

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
				return preconditionError(fmt.Errorf("merge: no project registered at %s", absProject))
			}
			if target.Status != model.ProjectCompleted {
				return preconditionError(fmt.Errorf("merge: project %d is %s, not COMPLETED", target.ID, target.Status))
			}

			if dryRun {
				fmt.Printf("%s dry-run: would merge project %d (%s) targeting branch %q\n",
					style.Dim.Render("·"), target.ID, filepath.Base(absProject), branch)
				return nil
			}

			runner := &automerge.Runner{
				Store: a.store,
				NewGit: func(ctx context.Context, workDir string) automerge.Git {
					return gitutil.New(workDir).WithContext(ctx)
				},
				Notifier: notify.Narrow{Inner: a.notifier()},
				Logger:   a.componentLogger("merge"),
			}

			if err := runner.MergeProject(context.Background(), target); err != nil {
				return operationalError(fmt.Errorf("merge: %w", err))
			}

			// --pr-only/--no-pr are accepted for CLI compatibility with
			// spec.md §6's documented surface but do not change the merge
			// sequence itself: C11's only mechanism is the direct
			// fast-forward-and-push spec.md §4.11 describes, with no PR-API
			// integration in SPEC_FULL.md's dependency set to open one.
			fmt.Printf("%s project %d merged into %s and pushed\n", style.SuccessPrefix, target.ID, branch)
			return nil
		},
	}

	c.Flags().StringVar(&projectPath, "project", "", "path to the project's working copy")
	c.Flags().StringVar(&branch, "branch", "", "starting branch to merge into (informational; the sentinel recorded at provisioning time is authoritative)")
	c.Flags().BoolVar(&prOnly, "pr-only", false, "accepted for CLI compatibility; the merge sequence always pushes directly (no PR-API integration)")
	c.Flags().BoolVar(&noPR, "no-pr", false, "accepted for CLI compatibility; this is the only supported behavior")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "print what would happen without making any changes")
	return c
}
