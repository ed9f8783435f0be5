package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycrew/conductor/internal/model"
	"github.com/relaycrew/conductor/internal/style"
)

// newQueueCommand implements `queue` (spec.md §6): administrative views and
// mutations over the Project rows the Project Queue (C8) otherwise manages
// autonomously. Named queue_admin.go rather than queue.go to avoid reading
// as the package internal/queue itself — this file only calls through
// store.Store, it never touches C8's Tick/Run loop.
func newQueueCommand(registry *string) *cobra.Command {
	var (
		list   bool
		add    []string
		status int64
		reset  int64
		remove int64
	)

	c := &cobra.Command{
		Use:   "queue",
		Short: "Project queue administration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*registry)
			if err != nil {
				return operationalError(err)
			}

			switch {
			case list:
				return queueList(a)
			case len(add) > 0:
				if len(add) != 2 {
					return usageError("queue --add takes exactly <spec> <project>")
				}
				return queueAdd(a, add[0], add[1])
			case cmd.Flags().Changed("status"):
				return queueStatus(a, status)
			case cmd.Flags().Changed("reset"):
				return queueReset(a, reset)
			case cmd.Flags().Changed("remove"):
				return queueRemove(a, remove)
			default:
				return usageError("queue: one of --list, --add, --status, --reset, --remove is required")
			}
		},
	}

	c.Flags().BoolVar(&list, "list", false, "list every project regardless of status")
	c.Flags().StringSliceVar(&add, "add", nil, "enqueue <spec> <project>, equivalent to run --spec --project")
	c.Flags().Int64Var(&status, "status", 0, "print full detail for one project id")
	c.Flags().Int64Var(&reset, "reset", 0, "reset a FAILED/COMPLETED project back to QUEUED, clearing attempts")
	c.Flags().Int64Var(&remove, "remove", 0, "delete a project outright (refused while PROCESSING)")
	return c
}

func queueList(a *app) error {
	projects, err := a.store.ListAllProjects()
	if err != nil {
		return operationalError(err)
	}
	header := []string{"ID", "STATUS", "PROJECT", "ATTEMPTS", "MERGED", "ENQUEUED"}
	var rows [][]string
	for _, p := range projects {
		rows = append(rows, []string{
			fmt.Sprintf("%d", p.ID),
			string(p.Status),
			p.ProjectPath,
			fmt.Sprintf("%d/%d", p.Attempts, model.MaxAttempts),
			mergedLabel(p.MergedStatus),
			p.EnqueuedAt.Format(time.RFC3339),
		})
	}
	fmt.Print(style.Table(header, rows))
	return nil
}

func mergedLabel(s model.MergedStatus) string {
	if s == model.MergeNone {
		return "-"
	}
	return string(s)
}

func queueAdd(a *app, specPath, projectPath string) error {
	id, err := a.store.EnqueueProject(model.Project{
		SpecPath:    specPath,
		ProjectPath: projectPath,
		EnqueuedAt:  time.Now(),
	})
	if err != nil {
		return operationalError(err)
	}
	fmt.Printf("%s enqueued project %d\n", style.SuccessPrefix, id)
	return nil
}

func queueStatus(a *app, id int64) error {
	p, err := a.store.GetProject(id)
	if err != nil {
		return preconditionError(fmt.Errorf("project %d: %w", id, err))
	}
	fmt.Printf("id:            %d\n", p.ID)
	fmt.Printf("status:        %s\n", p.Status)
	fmt.Printf("spec:          %s\n", p.SpecPath)
	fmt.Printf("project:       %s\n", p.ProjectPath)
	fmt.Printf("session:       %s\n", p.MainSession)
	fmt.Printf("attempts:      %d/%d\n", p.Attempts, model.MaxAttempts)
	fmt.Printf("merged:        %s\n", mergedLabel(p.MergedStatus))
	if p.ErrorMessage != "" {
		fmt.Printf("%s last error: %s\n", style.WarningPrefix, p.ErrorMessage)
	}
	if p.FailedComponents != "" {
		fmt.Printf("%s failed components: %s\n", style.WarningPrefix, p.FailedComponents)
	}
	return nil
}

func queueReset(a *app, id int64) error {
	if err := a.store.ResetProject(id); err != nil {
		return operationalError(err)
	}
	fmt.Printf("%s project %d reset to QUEUED\n", style.SuccessPrefix, id)
	return nil
}

func queueRemove(a *app, id int64) error {
	if err := a.store.RemoveProject(id); err != nil {
		return preconditionError(err)
	}
	fmt.Printf("%s project %d removed\n", style.SuccessPrefix, id)
	return nil
}
