package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

func incidentCmd() *cobra.Command {
	i := &cobra.Command{
		Use:   "incident",
		Short: "Discrepancy reports (CDR)",
		Long:  "A CDR moves draft -> submitted -> approved. Approval records a disposition; penalty generates the contractor invoice.",
	}
	i.AddCommand(incidentCreateCmd())
	i.AddCommand(incidentUpdateCmd())
	i.AddCommand(incidentTransitionCmd())
	i.AddCommand(incidentShowCmd())
	i.AddCommand(incidentListCmd())
	i.AddCommand(incidentRetryInvoiceCmd())
	return i
}

func bindIncidentFields(fs *pflag.FlagSet, f *engine.IncidentFields, incidentType *string) {
	fs.StringVar(&f.LocationID, "location", "", "location id")
	fs.StringVar(&f.Date, "date", "", "incident date (YYYY-MM-DD)")
	fs.StringVar(&f.Time, "time", "", "incident time (HH:MM)")
	fs.StringVar(incidentType, "type", "", "first or repeated")
	fs.StringVar(&f.InCharge.Name, "in-charge", "", "person in charge")
	fs.StringVar(&f.InCharge.ID, "in-charge-id", "", "in-charge staff id")
	fs.StringVar(&f.InCharge.Email, "in-charge-email", "", "in-charge email")
	fs.StringArrayVar(&f.ServiceTypes, "service", nil, "service type (repeatable)")
	fs.StringArrayVar(&f.ManpowerDiscrepancy, "manpower", nil, "manpower discrepancy (repeatable)")
	fs.StringArrayVar(&f.MaterialDiscrepancy, "material", nil, "material discrepancy (repeatable)")
	fs.StringArrayVar(&f.EquipmentDiscrepancy, "equipment", nil, "equipment discrepancy (repeatable)")
	fs.StringArrayVar(&f.OnSpotAction, "on-spot-action", nil, "action taken on the spot (repeatable)")
	fs.StringArrayVar(&f.ActionPlan, "action-plan", nil, "follow-up action (repeatable)")
	fs.StringVar(&f.StaffComment, "staff-comment", "", "staff comment")
	fs.StringArrayVar(&f.Attachments, "attachment", nil, "attachment reference (repeatable)")
}

func fieldsFromIncident(inc domain.Incident) engine.IncidentFields {
	return engine.IncidentFields{
		LocationID:           inc.LocationID,
		Date:                 inc.Date,
		Time:                 inc.Time,
		IncidentType:         inc.IncidentType,
		InCharge:             inc.InCharge,
		ServiceTypes:         inc.ServiceTypes,
		ManpowerDiscrepancy:  inc.ManpowerDiscrepancy,
		MaterialDiscrepancy:  inc.MaterialDiscrepancy,
		EquipmentDiscrepancy: inc.EquipmentDiscrepancy,
		OnSpotAction:         inc.OnSpotAction,
		ActionPlan:           inc.ActionPlan,
		StaffComment:         inc.StaffComment,
		Attachments:          inc.Attachments,
	}
}

func printIncident(res engine.IncidentResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	inc := res.Incident
	tw := newTable(table.Row{"ID", "Ref", "Location", "Author", "Status", "Version", "Decision", "Invoice"})
	tw.AppendRow(table.Row{inc.ID, inc.ReferenceNumber, inc.LocationID, inc.EmployeeID, inc.Status, inc.Version, inc.ManagerDecision, inc.InvoiceStatus})
	tw.Render()
	if res.Invoice != nil {
		printInvoices([]domain.PenaltyInvoice{*res.Invoice})
	}
	if res.InvoicePending {
		fmt.Println("invoice pending: add the missing rates and run 'il incident retry-invoice'")
	}
	return nil
}

func incidentCreateCmd() *cobra.Command {
	var f engine.IncidentFields
	var incidentType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a draft CDR",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.IncidentType = domain.IncidentType(incidentType)
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				inc, err := e.CreateIncident(ctx, actor, f)
				if err != nil {
					return err
				}
				return printIncident(engine.IncidentResult{Incident: inc})
			})
		},
	}
	bindIncidentFields(cmd.Flags(), &f, &incidentType)
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func incidentUpdateCmd() *cobra.Command {
	var version int
	var patch engine.IncidentFields
	var incidentType, managerComment string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a draft's fields, or the manager comment once submitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				u := engine.IncidentUpdate{ID: args[0], ExpectedVersion: version}
				if cmd.Flags().Changed("manager-comment") {
					u.ManagerComment = &managerComment
				}
				if fields, changed, err := mergeIncidentFields(ctx, e, cmd.Flags(), args[0], patch, incidentType); err != nil {
					return err
				} else if changed {
					u.Fields = &fields
				}
				inc, err := e.UpdateIncident(ctx, actor, u)
				if err != nil {
					return err
				}
				return printIncident(engine.IncidentResult{Incident: inc})
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringVar(&managerComment, "manager-comment", "", "supervisor comment")
	bindIncidentFields(cmd.Flags(), &patch, &incidentType)
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// mergeIncidentFields overlays the flags the user set onto the stored draft.
func mergeIncidentFields(ctx context.Context, e engine.Engine, fs *pflag.FlagSet, id string, patch engine.IncidentFields, incidentType string) (engine.IncidentFields, bool, error) {
	changed := false
	fs.Visit(func(fl *pflag.Flag) {
		if fl.Name != "version" && fl.Name != "manager-comment" {
			changed = true
		}
	})
	if !changed {
		return engine.IncidentFields{}, false, nil
	}
	current, err := e.GetIncident(ctx, id)
	if err != nil {
		return engine.IncidentFields{}, false, err
	}
	out := fieldsFromIncident(current)
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("location", func() { out.LocationID = patch.LocationID })
	set("date", func() { out.Date = patch.Date })
	set("time", func() { out.Time = patch.Time })
	set("type", func() { out.IncidentType = domain.IncidentType(incidentType) })
	set("in-charge", func() { out.InCharge.Name = patch.InCharge.Name })
	set("in-charge-id", func() { out.InCharge.ID = patch.InCharge.ID })
	set("in-charge-email", func() { out.InCharge.Email = patch.InCharge.Email })
	set("service", func() { out.ServiceTypes = patch.ServiceTypes })
	set("manpower", func() { out.ManpowerDiscrepancy = patch.ManpowerDiscrepancy })
	set("material", func() { out.MaterialDiscrepancy = patch.MaterialDiscrepancy })
	set("equipment", func() { out.EquipmentDiscrepancy = patch.EquipmentDiscrepancy })
	set("on-spot-action", func() { out.OnSpotAction = patch.OnSpotAction })
	set("action-plan", func() { out.ActionPlan = patch.ActionPlan })
	set("staff-comment", func() { out.StaffComment = patch.StaffComment })
	set("attachment", func() { out.Attachments = patch.Attachments })
	return out, true, nil
}

func incidentTransitionCmd() *cobra.Command {
	var to, disposition, comment string
	var version int
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Submit or approve a CDR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				res, err := e.ApplyIncidentTransition(ctx, engine.IncidentTransitionRequest{
					IncidentID:      args[0],
					To:              domain.IncidentStatus(to),
					Actor:           actor,
					ExpectedVersion: version,
					Payload: workflow.IncidentPayload{
						Disposition:    domain.Disposition(disposition),
						ManagerComment: comment,
					},
				})
				if err != nil {
					return err
				}
				return printIncident(res)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status (submitted, approved)")
	cmd.Flags().IntVar(&version, "version", 0, "expected version")
	cmd.Flags().StringVar(&disposition, "disposition", "", "warning, attention or penalty (approval only)")
	cmd.Flags().StringVar(&comment, "comment", "", "manager comment")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func incidentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a CDR and its invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inc, err := e.GetIncident(ctx, args[0])
				if err != nil {
					return err
				}
				res := engine.IncidentResult{Incident: inc, InvoicePending: inc.InvoiceStatus == domain.InvoiceFailedPending}
				if inc.InvoiceStatus == domain.InvoiceGenerated {
					inv, err := e.GetInvoice(ctx, inc.ID)
					if err != nil {
						return err
					}
					res.Invoice = &inv
				}
				return printIncident(res)
			})
		},
	}
}

func incidentListCmd() *cobra.Command {
	var f repo.IncidentFilters
	var status, invoiceStatus string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List CDRs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.IncidentStatus(status)
			f.InvoiceStatus = domain.InvoiceSynthesis(invoiceStatus)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListIncidents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Ref", "Date", "Location", "Author", "Status", "Decision", "Invoice"})
				for _, inc := range items {
					tw.AppendRow(table.Row{inc.ID, inc.ReferenceNumber, inc.Date, inc.LocationID, inc.EmployeeID, inc.Status, inc.ManagerDecision, inc.InvoiceStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&invoiceStatus, "invoice-status", "", "none, generated or failed_pending")
	cmd.Flags().StringVar(&f.LocationID, "location", "", "location filter")
	cmd.Flags().StringVar(&f.EmployeeID, "author", "", "author filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max items")
	return cmd
}

func incidentRetryInvoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-invoice <id>",
		Short: "Generate the invoice for an approved penalty left pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.ActorContext) error {
				res, err := e.RetryInvoice(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printIncident(res)
			})
		},
	}
}

func invoiceCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invoice", Short: "Penalty invoices"}
	inv.AddCommand(invoiceListCmd())
	inv.AddCommand(invoiceExportCmd())
	return inv
}

func printInvoices(items []domain.PenaltyInvoice) {
	tw := newTable(table.Row{"ID", "CDR", "Generated", "Location", "Inspector", "Items", "Total", "Status"})
	for _, inv := range items {
		tw.AppendRow(table.Row{inv.ID, inv.CDRReference, inv.DateGenerated, inv.LocationName, inv.InspectorName, len(inv.Items), inv.Currency + " " + inv.TotalAmount.StringFixed(2), inv.Status})
	}
	tw.Render()
}

func invoiceListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInvoices(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printInvoices(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max items")
	return cmd
}

func invoiceExportCmd() *cobra.Command {
	var status, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write invoices to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				if err := e.ExportInvoices(ctx, f, status); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVarP(&out, "out", "o", "invoices.xlsx", "output file")
	return cmd
}
