package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/repo"
	"inspectline/internal/workflow"
)

type incidentOutput struct {
	Body IncidentResponse
}

// incidentView attaches the stored invoice, if any, to a read of a CDR.
func incidentView(ctx context.Context, e engine.Engine, inc domain.Incident) (IncidentResponse, error) {
	res := engine.IncidentResult{Incident: inc}
	switch inc.InvoiceStatus {
	case domain.InvoiceGenerated:
		inv, err := e.GetInvoice(ctx, inc.ID)
		if err != nil {
			return IncidentResponse{}, err
		}
		res.Invoice = &inv
	case domain.InvoiceFailedPending:
		res.InvoicePending = true
	}
	return incidentResponse(res), nil
}

func registerIncidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-incident",
		Method:        http.MethodPost,
		Path:          "/incidents",
		Summary:       "Open a discrepancy report",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body engine.IncidentFields
	}) (*incidentOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		inc, err := e.CreateIncident(ctx, actor, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: incidentResponse(engine.IncidentResult{Incident: inc})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List discrepancy reports",
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"draft,submitted,approved"`
		LocationID    string `query:"location_id"`
		EmployeeID    string `query:"employee_id"`
		InvoiceStatus string `query:"invoice_status" enum:"none,generated,failed_pending"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Incident
	}, error) {
		if _, herr := actorFromRequest(ctx, e.Repo); herr != nil {
			return nil, herr
		}
		items, err := e.ListIncidents(ctx, repo.IncidentFilters{
			Status:        domain.IncidentStatus(input.Status),
			LocationID:    input.LocationID,
			EmployeeID:    input.EmployeeID,
			InvoiceStatus: domain.InvoiceSynthesis(input.InvoiceStatus),
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Incident
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get a discrepancy report and its invoice",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*incidentOutput, error) {
		if _, herr := actorFromRequest(ctx, e.Repo); herr != nil {
			return nil, herr
		}
		inc, err := e.GetIncident(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := incidentView(ctx, e, inc)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-incident",
		Method:      http.MethodPatch,
		Path:        "/incidents/{id}",
		Summary:     "Edit a discrepancy report",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateIncidentRequest
	}) (*incidentOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		inc, err := e.UpdateIncident(ctx, actor, engine.IncidentUpdate{
			ID:              input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			Fields:          input.Body.Fields,
			ManagerComment:  input.Body.ManagerComment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: incidentResponse(engine.IncidentResult{Incident: inc})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/transitions",
		Summary:     "Move a discrepancy report to another status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body IncidentTransitionRequest
	}) (*incidentOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		res, err := e.ApplyIncidentTransition(ctx, engine.IncidentTransitionRequest{
			IncidentID:      input.ID,
			To:              input.Body.To,
			Actor:           actor,
			ExpectedVersion: input.Body.ExpectedVersion,
			Payload: workflow.IncidentPayload{
				Disposition:    input.Body.Disposition,
				ManagerComment: input.Body.ManagerComment,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: incidentResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-invoice",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/invoice/retry",
		Summary:     "Retry invoice synthesis for an approved penalty",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*incidentOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		res, err := e.RetryInvoice(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &incidentOutput{Body: incidentResponse(res)}, nil
	})
}

func registerInvoices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-invoices",
		Method:      http.MethodGet,
		Path:        "/invoices",
		Summary:     "List penalty invoices",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []InvoiceResponse
	}, error) {
		if _, herr := actorFromRequest(ctx, e.Repo); herr != nil {
			return nil, herr
		}
		items, err := e.ListInvoices(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]InvoiceResponse, 0, len(items))
		for _, inv := range items {
			out = append(out, invoiceResponse(inv))
		}
		return &struct {
			Body []InvoiceResponse
		}{Body: out}, nil
	})
}
