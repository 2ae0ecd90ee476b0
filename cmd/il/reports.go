package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inspectline/internal/compliance"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

func reportCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "report",
		Short: "Inspection reports",
		Long:  "Reports move draft -> submitted -> approved/returned; a low score sends them to rectification_required until the fix is accepted.",
	}
	r.AddCommand(reportCreateCmd())
	r.AddCommand(reportItemsCmd())
	r.AddCommand(reportRectifyCmd())
	r.AddCommand(reportTransitionCmd())
	r.AddCommand(reportShowCmd())
	r.AddCommand(reportListCmd())
	r.AddCommand(reportScoreCmd())
	return r
}

// parseItems reads item scores given as itemID=score.
func parseItems(raw []string) ([]domain.ScoredItem, error) {
	items := make([]domain.ScoredItem, 0, len(raw))
	for _, kv := range raw {
		id, val, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("item %q: expected id=score", kv)
		}
		score, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", kv, err)
		}
		items = append(items, domain.ScoredItem{ItemID: strings.TrimSpace(id), Score: score})
	}
	return items, nil
}

func printReport(e engine.Engine, r domain.InspectionReport) error {
	score := e.ComputeComplianceScore(r)
	if viper.GetBool("json") {
		return printJSON(engine.ReportResult{Report: r, Score: compliance.Round1(score)})
	}
	tw := newTable(table.Row{"ID", "Ref", "Location", "Inspector", "Status", "Version", "Score", "Band"})
	tw.AppendRow(table.Row{r.ID, r.ReferenceNumber, r.LocationID, r.InspectorID, r.Status, r.Version, compliance.Round1(score), compliance.BandFor(score)})
	tw.Render()
	return nil
}

func reportCreateCmd() *cobra.Command {
	var location, date string
	var items []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a draft report for a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			scored, err := parseItems(items)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				r, err := e.CreateReport(ctx, actor, engine.CreateReportInput{LocationID: location, Date: date, Items: scored})
				if err != nil {
					return err
				}
				return printReport(e, r)
			})
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location id")
	cmd.Flags().StringVar(&date, "date", "", "inspection date (YYYY-MM-DD, default today)")
	cmd.Flags().StringArrayVar(&items, "item", nil, "item score as id=score (repeatable)")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func reportItemsCmd() *cobra.Command {
	var version int
	var items []string
	cmd := &cobra.Command{
		Use:   "items <id>",
		Short: "Replace a draft's item scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scored, err := parseItems(items)
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				r, err := e.UpdateReportItems(ctx, actor, args[0], version, scored)
				if err != nil {
					return err
				}
				return printReport(e, r)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringArrayVar(&items, "item", nil, "item score as id=score (repeatable)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func reportRectifyCmd() *cobra.Command {
	var version int
	var actions string
	var photos []string
	cmd := &cobra.Command{
		Use:   "rectify <id>",
		Short: "Record the contractor's rectification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				r, err := e.UpdateRectification(ctx, actor, args[0], version, actions, photos)
				if err != nil {
					return err
				}
				return printReport(e, r)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringVar(&actions, "actions", "", "actions taken")
	cmd.Flags().StringArrayVar(&photos, "photo", nil, "photo reference (repeatable)")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func reportTransitionCmd() *cobra.Command {
	var to string
	var version int
	var payload workflow.ReportPayload
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Move a report to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				res, err := e.ApplyReportTransition(ctx, engine.ReportTransitionRequest{
					ReportID:        args[0],
					To:              domain.ReportStatus(to),
					Actor:           actor,
					ExpectedVersion: version,
					Payload:         payload,
				})
				if err != nil {
					return err
				}
				if res.Replayed && !viper.GetBool("json") {
					fmt.Println("already applied; showing current state")
				}
				return printReport(e, res.Report)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status (submitted, approved, returned, rectification_required, rectification_completed)")
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringVar(&payload.SupervisorComment, "comment", "", "supervisor comment")
	cmd.Flags().StringVar(&payload.RectificationActions, "actions", "", "rectification actions")
	cmd.Flags().StringArrayVar(&payload.RectificationPhotos, "photo", nil, "rectification photo (repeatable)")
	cmd.Flags().StringVar(&payload.Feedback, "feedback", "", "feedback when rejecting a rectification")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printReport(e, r)
				}
				if err := printReport(e, r); err != nil {
					return err
				}
				tw := newTable(table.Row{"Item", "Score", "Max", "Comment"})
				maxByItem := make(map[string]int, len(r.Template.Items))
				for _, it := range r.Template.Items {
					maxByItem[it.ID] = it.MaxScore
				}
				for _, it := range r.Items {
					tw.AppendRow(table.Row{it.ItemID, it.Score, maxByItem[it.ItemID], it.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reportListCmd() *cobra.Command {
	var f repo.ReportFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ReportStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReports(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Ref", "Date", "Location", "Inspector", "Status", "Score"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.ReferenceNumber, r.Date, r.LocationID, r.InspectorID, r.Status, compliance.Round1(e.ComputeComplianceScore(r))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.LocationID, "location", "", "location filter")
	cmd.Flags().StringVar(&f.InspectorID, "inspector", "", "inspector filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max items")
	return cmd
}

func reportScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <id>",
		Short: "Print a report's compliance score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				score := e.ComputeComplianceScore(r)
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": r.ID, "score": compliance.Round1(score), "band": compliance.BandFor(score)})
				}
				fmt.Printf("%.1f (%s)\n", compliance.Round1(score), compliance.BandFor(score))
				return nil
			})
		},
	}
}
