package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"beacon/internal/domain"
	"beacon/internal/engine"
)

func registerContracts(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-contracts",
		Method:      http.MethodGet,
		Path:        "/contracts",
		Summary:     "List contracts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Agent string `query:"agent" doc:"agent id or name; matches either party"`
		State string `query:"state"`
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"0" minimum:"0" maximum:"1000"`
	}) (*struct {
		Body []domain.Contract `json:"body"`
	}, error) {
		items, err := e.ListContracts(ctx, engine.ContractListOptions{Agent: input.Agent, State: input.State, Type: input.Type, Limit: input.Limit})
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body []domain.Contract `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create a contract",
		Description:   "Parties may be agent ids or registered names. Every violated rule is reported, joined with '; '.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		c, err := e.CreateContract(ctx, engine.ContractCreateOptions{
			From:   input.Body.From,
			To:     input.Body.To,
			Type:   input.Body.Type,
			Amount: input.Body.Amount,
			Term:   input.Body.Term,
			State:  input.Body.State,
		})
		if err != nil {
			return nil, d.handleError(err)
		}
		d.metrics.transitions.WithLabelValues(string(c.State)).Inc()
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Get a contract",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		c, err := e.GetContract(ctx, input.ID)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-contract",
		Method:      http.MethodPatch,
		Path:        "/contracts/{id}",
		Summary:     "Move a contract to another state",
		Description: "Any enumerated state is accepted; no transition graph is enforced.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateContractRequest
	}) (*struct {
		Body domain.Contract `json:"body"`
	}, error) {
		c, err := e.UpdateContractState(ctx, input.ID, input.Body.State, input.Body.ActorID)
		if err != nil {
			return nil, d.handleError(err)
		}
		d.metrics.transitions.WithLabelValues(string(c.State)).Inc()
		return &struct {
			Body domain.Contract `json:"body"`
		}{Body: c}, nil
	})
}

func registerBounties(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
	}) (*struct {
		Body []domain.Bounty `json:"body"`
	}, error) {
		items, err := e.ListBounties(ctx, input.State)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body []domain.Bounty `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-bounties",
		Method:      http.MethodPost,
		Path:        "/bounties/sync",
		Summary:     "Upsert bounties from an external tracker",
		Description: "Idempotent per (source, number). Claimed and completed bounties are never overwritten.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		Body          SyncBountiesRequest
	}) (*struct {
		Body engine.SyncResult `json:"body"`
	}, error) {
		subject, err := d.operatorSubject(ctx, input.Authorization)
		if err != nil {
			return nil, d.handleError(err)
		}
		res, err := e.SyncBounties(ctx, input.Body.Source, input.Body.Items, subject)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body engine.SyncResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/bounties/{id}",
		Summary:     "Get a bounty",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Bounty `json:"body"`
	}, error) {
		b, err := e.GetBounty(ctx, input.ID)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body domain.Bounty `json:"body"`
		}{Body: b}, nil
	})

	for _, op := range []struct {
		id, verb, summary string
		run               func(context.Context, string, string) (domain.Bounty, error)
	}{
		{"claim-bounty", "claim", "Claim an open bounty", e.ClaimBounty},
		{"complete-bounty", "complete", "Report a bounty as completed", e.CompleteBounty},
	} {
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/bounties/{id}/" + op.verb,
			Summary:     op.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusTooManyRequests},
		}, func(ctx context.Context, input *struct {
			ID   string `path:"id"`
			Body AgentRefRequest
		}) (*struct {
			Body domain.Bounty `json:"body"`
		}, error) {
			b, err := op.run(ctx, input.ID, input.Body.AgentID)
			if err != nil {
				return nil, d.handleError(err)
			}
			d.metrics.bountyOutcomes.WithLabelValues(op.verb).Inc()
			return &struct {
				Body domain.Bounty `json:"body"`
			}{Body: b}, nil
		})
	}
}

func registerReputation(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-reputation",
		Method:      http.MethodGet,
		Path:        "/reputation",
		Summary:     "Recompute and list every agent's reputation",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ReputationRecord `json:"body"`
	}, error) {
		items, err := e.RecomputeAll(ctx)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body []domain.ReputationRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reputation",
		Method:      http.MethodGet,
		Path:        "/reputation/{agent_id}",
		Summary:     "Recompute one agent's reputation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id" doc:"agent id or registered name"`
	}) (*struct {
		Body domain.ReputationRecord `json:"body"`
	}, error) {
		rec, err := e.Recompute(ctx, input.AgentID)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body domain.ReputationRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerNames(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-names",
		Method:      http.MethodGet,
		Path:        "/dns",
		Summary:     "List name records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DNSRecord `json:"body"`
	}, error) {
		items, err := e.ListNames(ctx)
		if err != nil {
			return nil, d.handleError(err)
		}
		if items == nil {
			items = []domain.DNSRecord{}
		}
		return &struct {
			Body []domain.DNSRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-name",
		Method:        http.MethodPost,
		Path:          "/dns",
		Summary:       "Bind a name to an agent id",
		Description:   "First writer wins; an existing name returns 409.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body RegisterNameRequest
	}) (*struct {
		Body domain.DNSRecord `json:"body"`
	}, error) {
		rec, err := e.RegisterName(ctx, input.Body.Name, input.Body.AgentID, input.Body.Owner)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body domain.DNSRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reverse-name",
		Method:      http.MethodGet,
		Path:        "/dns/reverse/{agent_id}",
		Summary:     "List names bound to an agent id",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []domain.DNSRecord `json:"body"`
	}, error) {
		items, err := e.ReverseResolve(ctx, input.AgentID)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body []domain.DNSRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-name",
		Method:      http.MethodGet,
		Path:        "/dns/{name}",
		Summary:     "Resolve a name",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.DNSRecord `json:"body"`
	}, error) {
		rec, err := e.LookupName(ctx, input.Name)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body domain.DNSRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerEvents(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through the audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor int64  `query:"cursor" doc:"return events after this id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, input.Type, input.Cursor, input.Limit+1)
		if err != nil {
			return nil, d.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > input.Limit {
			items = items[:input.Limit]
			resp.NextCursor = formatCursor(items[len(items)-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func formatCursor(id int64) string {
	return strconv.FormatInt(id, 10)
}
