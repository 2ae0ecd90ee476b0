package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/repo"
)

func tasksCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "tasks",
		Short: "Plan and publish inspection tasks",
		Long:  "generate proposes a batch (never visited, overdue, low score); edit it with edit/add/remove, then publish to assign inspectors.",
	}
	t.AddCommand(tasksGenerateCmd())
	t.AddCommand(tasksProposalsCmd())
	t.AddCommand(tasksEditCmd())
	t.AddCommand(tasksRemoveCmd())
	t.AddCommand(tasksAddCmd())
	t.AddCommand(tasksPublishCmd())
	t.AddCommand(tasksListCmd())
	return t
}

func printProposals(items []domain.TaskProposal) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Location", "Inspector", "Due", "Priority", "Reason", "Last score"})
	for _, p := range items {
		last := ""
		if p.LastScore != nil {
			last = fmt.Sprintf("%.1f", *p.LastScore)
		}
		tw.AppendRow(table.Row{p.ID, p.LocationID, p.InspectorID, p.DueDate, p.Priority, p.Reason, last})
	}
	tw.Render()
	return nil
}

func printTasks(items []domain.InspectionTask) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Location", "Inspector", "Due", "Priority", "Reason", "Status", "Report"})
	for _, t := range items {
		linked := ""
		if t.LinkedReportID != nil {
			linked = *t.LinkedReportID
		}
		tw.AppendRow(table.Row{t.ID, t.LocationID, t.InspectorID, t.DueDate, t.Priority, t.Reason, t.Status, linked})
	}
	tw.Render()
	return nil
}

func tasksGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Replace the unpublished batch with fresh proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				items, err := e.GenerateTaskProposals(ctx, actor)
				if err != nil {
					return err
				}
				return printProposals(items)
			})
		},
	}
}

func tasksProposalsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proposals",
		Short: "Show the unpublished batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProposals(ctx)
				if err != nil {
					return err
				}
				return printProposals(items)
			})
		},
	}
}

func tasksEditCmd() *cobra.Command {
	var inspector, due, priority string
	cmd := &cobra.Command{
		Use:   "edit <proposal-id>",
		Short: "Change a proposal's inspector, due date or priority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			edit := engine.ProposalEdit{ID: args[0]}
			if cmd.Flags().Changed("inspector") {
				edit.InspectorID = &inspector
			}
			if cmd.Flags().Changed("due") {
				edit.DueDate = &due
			}
			if cmd.Flags().Changed("priority") {
				p := domain.TaskPriority(priority)
				edit.Priority = &p
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				p, err := e.EditProposal(ctx, actor, edit)
				if err != nil {
					return err
				}
				return printProposals([]domain.TaskProposal{p})
			})
		},
	}
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&priority, "priority", "", "high, normal or low")
	return cmd
}

func tasksRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <proposal-id>",
		Short: "Drop a proposal from the batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				return e.RemoveProposal(ctx, actor, args[0])
			})
		},
	}
}

func tasksAddCmd() *cobra.Command {
	var in engine.ManualProposal
	var priority string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a location to the batch by hand",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.TaskPriority(priority)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				p, err := e.AddProposal(ctx, actor, in)
				if err != nil {
					return err
				}
				return printProposals([]domain.TaskProposal{p})
			})
		},
	}
	cmd.Flags().StringVar(&in.LocationID, "location", "", "location id")
	cmd.Flags().StringVar(&in.InspectorID, "inspector", "", "inspector id (default: next in rotation)")
	cmd.Flags().StringVar(&in.DueDate, "due", "", "due date")
	cmd.Flags().StringVar(&priority, "priority", "", "high, normal or low")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func tasksPublishCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "publish [proposal-id...]",
		Short: "Publish proposals as tasks in one transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				ids := args
				if all {
					pending, err := e.ListProposals(ctx)
					if err != nil {
						return err
					}
					ids = make([]string, 0, len(pending))
					for _, p := range pending {
						ids = append(ids, p.ID)
					}
				}
				tasks, err := e.PublishTasks(ctx, actor, ids)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "publish the whole batch")
	return cmd
}

func tasksListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TaskStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending or completed")
	cmd.Flags().StringVar(&f.InspectorID, "inspector", "", "inspector filter")
	cmd.Flags().StringVar(&f.LocationID, "location", "", "location filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max items")
	return cmd
}
