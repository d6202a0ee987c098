package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"beacon/internal/domain"
	"beacon/internal/engine"
)

func registerRelay(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID:   "relay-register",
		Method:        http.MethodPost,
		Path:          "/relay/register",
		Summary:       "Register a relay agent",
		Description:   "Derives the agent id from the public key, issues a relay token and upserts the agent.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest
	}) (*struct {
		Body engine.Registration `json:"body"`
	}, error) {
		reg, err := e.Register(ctx, engine.RegisterOptions{
			PublicKey:    input.Body.PublicKey,
			ModelID:      input.Body.ModelID,
			Provider:     input.Body.Provider,
			Capabilities: input.Body.Capabilities,
			CallbackURL:  input.Body.CallbackURL,
			DisplayName:  input.Body.DisplayName,
			Signature:    input.Body.Signature,
			Origin:       originFromContext(ctx),
		})
		if err != nil {
			return nil, d.handleError(err)
		}
		d.metrics.registrations.WithLabelValues(strconv.FormatBool(reg.SignatureVerified)).Inc()
		return &struct {
			Body engine.Registration `json:"body"`
		}{Body: reg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "relay-heartbeat",
		Method:      http.MethodPost,
		Path:        "/relay/heartbeat",
		Summary:     "Heartbeat with a relay token",
		Description: "Slides the token expiry. Unknown agent ids are auto-provisioned and receive a token (201).",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		Body          BeaconRequest
	}) (*struct {
		Status int
		Body   engine.HeartbeatResult `json:"body"`
	}, error) {
		token := ""
		if input.Authorization != "" {
			t, ok := bearerToken(input.Authorization)
			if !ok {
				return nil, newAPIError(http.StatusUnauthorized, "missing_token", "Authorization must be Bearer <relay_token>", nil)
			}
			token = t
		}
		res, err := e.Heartbeat(ctx, input.Body.beacon(token, originFromContext(ctx)))
		if err != nil {
			d.metrics.heartbeats.WithLabelValues("heartbeat", outcomeLabel(err)).Inc()
			return nil, d.handleError(err)
		}
		status := http.StatusOK
		outcome := "ok"
		if res.AutoProvisioned {
			status = http.StatusCreated
			outcome = "provisioned"
		}
		d.metrics.heartbeats.WithLabelValues("heartbeat", outcome).Inc()
		return &struct {
			Status int
			Body   engine.HeartbeatResult `json:"body"`
		}{Status: status, Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "relay-ping",
		Method:      http.MethodPost,
		Path:        "/relay/ping",
		Summary:     "Unauthenticated liveness ping",
		Description: "Returns 201 on first contact (the agent is auto-provisioned) and 200 afterwards.",
		Errors:      []int{http.StatusBadRequest, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body BeaconRequest
	}) (*struct {
		Status int
		Body   PingResponse `json:"body"`
	}, error) {
		res, err := e.Ping(ctx, input.Body.beacon("", originFromContext(ctx)))
		if err != nil {
			d.metrics.heartbeats.WithLabelValues("ping", outcomeLabel(err)).Inc()
			return nil, d.handleError(err)
		}
		status := http.StatusOK
		outcome := "ok"
		if res.Created {
			status = http.StatusCreated
			outcome = "provisioned"
		}
		d.metrics.heartbeats.WithLabelValues("ping", outcome).Inc()
		return &struct {
			Status int
			Body   PingResponse `json:"body"`
		}{Status: status, Body: PingResponse{Agent: agentSummary(res.Agent), AutoProvisioned: res.Created, Token: res.Token}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "relay-discover",
		Method:      http.MethodGet,
		Path:        "/relay/discover",
		Summary:     "Discover relay agents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Provider    string `query:"provider"`
		Capability  string `query:"capability"`
		IncludeDead bool   `query:"include_dead"`
	}) (*struct {
		Body []AgentSummary `json:"body"`
	}, error) {
		views, err := e.Discover(ctx, engine.DiscoverOptions{
			Provider:    input.Provider,
			Capability:  input.Capability,
			IncludeDead: input.IncludeDead,
		})
		if err != nil {
			return nil, d.handleError(err)
		}
		out := make([]AgentSummary, 0, len(views))
		for _, v := range views {
			out = append(out, agentSummary(v))
		}
		return &struct {
			Body []AgentSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "relay-status",
		Method:      http.MethodGet,
		Path:        "/relay/status/{agent_id}",
		Summary:     "Get one agent with its last health payload",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id" doc:"agent id or registered name"`
	}) (*struct {
		Body AgentStatusResponse `json:"body"`
	}, error) {
		v, err := e.Status(ctx, input.AgentID)
		if err != nil {
			return nil, d.handleError(err)
		}
		return &struct {
			Body AgentStatusResponse `json:"body"`
		}{Body: agentStatus(v)}, nil
	})
}

func outcomeLabel(err error) string {
	var ae engine.AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "error"
}

func registerWellKnown(api huma.API, d handlerDeps) {
	e := d.engine
	huma.Register(api, huma.Operation{
		OperationID: "beacon-discovery",
		Method:      http.MethodGet,
		Path:        "/.well-known/beacon-discovery",
		Summary:     "Capability and endpoint manifest",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DiscoveryManifest `json:"body"`
	}, error) {
		counts, err := e.Repo.Counts(ctx)
		if err != nil {
			return nil, d.handleError(err)
		}
		live, err := e.LivenessCounts(ctx)
		if err != nil {
			return nil, d.handleError(err)
		}
		cfg := e.Config
		at := func(p string) string { return path.Join(d.basePath, p) }
		manifest := DiscoveryManifest{
			Service:  "beacon",
			Version:  Version,
			BasePath: d.basePath,
			Endpoints: map[string]string{
				"register":   at("relay/register"),
				"heartbeat":  at("relay/heartbeat"),
				"ping":       at("relay/ping"),
				"discover":   at("relay/discover"),
				"status":     at("relay/status/{agent_id}"),
				"contracts":  at("contracts"),
				"bounties":   at("bounties"),
				"reputation": at("reputation"),
				"dns":        at("dns"),
				"events":     at("events"),
				"openapi":    at("openapi.json"),
			},
			Providers:             domain.Providers,
			ContractTypes:         strings.Split(domain.ContractTypeList(), ", "),
			ContractStates:        strings.Split(domain.ContractStateList(), ", "),
			Terms:                 strings.Split(domain.TermList(), ", "),
			TokenTTLSeconds:       int64(cfg.Relay.TokenTTL.Seconds()),
			SilenceThresholdSecs:  int64(cfg.Relay.SilenceThreshold.Seconds()),
			DeadThresholdSecs:     int64(cfg.Relay.DeadThreshold.Seconds()),
			SignatureVerification: e.Verifier != nil,
			Counts: DiscoveryCounts{
				Agents:       counts.Agents,
				Active:       live[domain.LivenessActive],
				Silent:       live[domain.LivenessSilent],
				PresumedDead: live[domain.LivenessPresumedDead],
				NativeAgents: counts.NativeAgent,
				Contracts:    counts.Contracts,
				OpenBounties: counts.OpenBounty,
				Names:        counts.Names,
			},
		}
		return &struct {
			Body DiscoveryManifest `json:"body"`
		}{Body: manifest}, nil
	})
}
