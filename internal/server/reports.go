package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"inspectline/internal/compliance"
	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/repo"
)

type reportOutput struct {
	Body ReportResponse
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

func reportResponse(e engine.Engine, r domain.InspectionReport, actor domain.ActorContext, replayed bool) ReportResponse {
	score := e.ComputeComplianceScore(r)
	return ReportResponse{
		Report:   r,
		Score:    compliance.Round1(score),
		Band:     string(compliance.BandFor(score)),
		Allowed:  nonNilSlice(e.AllowedReportTransitions(r, actor)),
		Replayed: replayed,
	}
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Start an inspection report",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateReportRequest
	}) (*reportOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		rep, err := e.CreateReport(ctx, actor, engine.CreateReportInput{
			LocationID: input.Body.LocationID,
			Date:       input.Body.Date,
			Items:      input.Body.Items,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: reportResponse(e, rep, actor, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List inspection reports",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"draft,submitted,approved,returned,rectification_required,rectification_completed"`
		LocationID  string `query:"location_id"`
		InspectorID string `query:"inspector_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.InspectionReport
	}, error) {
		if _, herr := actorFromRequest(ctx, e.Repo); herr != nil {
			return nil, herr
		}
		items, err := e.ListReports(ctx, repo.ReportFilters{
			Status:      domain.ReportStatus(input.Status),
			LocationID:  input.LocationID,
			InspectorID: input.InspectorID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InspectionReport
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get a report with its score and allowed transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*reportOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		rep, err := e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: reportResponse(e, rep, actor, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-report-items",
		Method:      http.MethodPut,
		Path:        "/reports/{id}/items",
		Summary:     "Replace checklist scores",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReportItemsRequest
	}) (*reportOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		rep, err := e.UpdateReportItems(ctx, actor, input.ID, input.Body.ExpectedVersion, input.Body.Items)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: reportResponse(e, rep, actor, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-report-rectification",
		Method:      http.MethodPut,
		Path:        "/reports/{id}/rectification",
		Summary:     "Record rectification actions and photos",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RectificationRequest
	}) (*reportOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		rep, err := e.UpdateRectification(ctx, actor, input.ID, input.Body.ExpectedVersion, input.Body.Actions, input.Body.Photos)
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: reportResponse(e, rep, actor, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-report",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/transitions",
		Summary:     "Move a report to another status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ReportTransitionRequest
	}) (*reportOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		res, err := e.ApplyReportTransition(ctx, engine.ReportTransitionRequest{
			ReportID:        input.ID,
			To:              input.Body.To,
			Actor:           actor,
			ExpectedVersion: input.Body.ExpectedVersion,
			Payload:         input.Body.payload(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reportOutput{Body: reportResponse(e, res.Report, actor, res.Replayed)}, nil
	})
}
