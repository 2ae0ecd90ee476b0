package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"inspectline/internal/domain"
	"inspectline/internal/engine"
	"inspectline/internal/repo"
)

type proposalsOutput struct {
	Body []domain.TaskProposal
}

type proposalOutput struct {
	Body domain.TaskProposal
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-task-proposals",
		Method:      http.MethodPost,
		Path:        "/tasks/proposals/generate",
		Summary:     "Replace the pending batch with fresh proposals",
		Errors:      mutationErrors,
	}, func(ctx context.Context, _ *struct{}) (*proposalsOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		items, err := e.GenerateTaskProposals(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalsOutput{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-proposals",
		Method:      http.MethodGet,
		Path:        "/tasks/proposals",
		Summary:     "List unpublished proposals",
	}, func(ctx context.Context, _ *struct{}) (*proposalsOutput, error) {
		if _, herr := actorFromRequest(ctx, e.Repo); herr != nil {
			return nil, herr
		}
		items, err := e.ListProposals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalsOutput{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task-proposal",
		Method:        http.MethodPost,
		Path:          "/tasks/proposals",
		Summary:       "Add a location to the pending batch",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body AddProposalRequest
	}) (*proposalOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if herr := validateBody(input.Body); herr != nil {
			return nil, herr
		}
		p, err := e.AddProposal(ctx, actor, engine.ManualProposal{
			LocationID:  input.Body.LocationID,
			InspectorID: input.Body.InspectorID,
			DueDate:     input.Body.DueDate,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-task-proposal",
		Method:      http.MethodPatch,
		Path:        "/tasks/proposals/{id}",
		Summary:     "Change inspector, due date or priority of a proposal",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EditProposalRequest
	}) (*proposalOutput, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		p, err := e.EditProposal(ctx, actor, engine.ProposalEdit{
			ID:          input.ID,
			InspectorID: input.Body.InspectorID,
			DueDate:     input.Body.DueDate,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-task-proposal",
		Method:        http.MethodDelete,
		Path:          "/tasks/proposals/{id}",
		Summary:       "Drop a proposal from the pending batch",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		if err := e.RemoveProposal(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/publish",
		Summary:     "Publish selected proposals as tasks",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body PublishTasksRequest
	}) (*struct {
		Body []domain.InspectionTask
	}, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		tasks, err := e.PublishTasks(ctx, actor, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InspectionTask
		}{Body: nonNilSlice(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List published tasks",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"pending,completed"`
		InspectorID string `query:"inspector_id"`
		LocationID  string `query:"location_id"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.InspectionTask
	}, error) {
		actor, herr := actorFromRequest(ctx, e.Repo)
		if herr != nil {
			return nil, herr
		}
		inspector := input.InspectorID
		if actor.Role == domain.RoleInspector && inspector == "" {
			inspector = actor.ID
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			Status:      domain.TaskStatus(input.Status),
			InspectorID: inspector,
			LocationID:  input.LocationID,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InspectionTask
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a published task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.InspectionTask
	}, error) {
		if _, herr := actorFromRequest(ctx, e.Repo); herr != nil {
			return nil, herr
		}
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InspectionTask
		}{Body: t}, nil
	})
}
