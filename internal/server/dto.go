package server

import (
	"encoding/json"

	"beacon/internal/domain"
	"beacon/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	PublicKey    string   `json:"public_key" doc:"ed25519 public key, 64 hex characters"`
	ModelID      string   `json:"model_id"`
	Provider     string   `json:"provider,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CallbackURL  string   `json:"callback_url,omitempty"`
	DisplayName  string   `json:"display_name"`
	Signature    string   `json:"signature,omitempty" doc:"signature over the canonical registration message, hex or base64"`
}

type BeaconRequest struct {
	AgentID      string         `json:"agent_id"`
	Status       string         `json:"status,omitempty" enum:"active,degraded,shutting_down"`
	Health       map[string]any `json:"health,omitempty"`
	PublicKey    string         `json:"public_key,omitempty"`
	ModelID      string         `json:"model_id,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	CallbackURL  string         `json:"callback_url,omitempty"`
}

func (r BeaconRequest) beacon(token, origin string) engine.Beacon {
	return engine.Beacon{
		AgentID:      r.AgentID,
		Token:        token,
		Status:       r.Status,
		Health:       r.Health,
		Origin:       origin,
		PublicKey:    r.PublicKey,
		ModelID:      r.ModelID,
		Provider:     r.Provider,
		DisplayName:  r.DisplayName,
		Capabilities: r.Capabilities,
		CallbackURL:  r.CallbackURL,
	}
}

type CreateContractRequest struct {
	From   string  `json:"from_agent" doc:"agent id or registered name"`
	To     string  `json:"to_agent" doc:"agent id or registered name"`
	Type   string  `json:"type"`
	Amount float64 `json:"amount"`
	Term   string  `json:"term"`
	State  string  `json:"state,omitempty" doc:"offered (default) or listed"`
}

type UpdateContractRequest struct {
	State   string `json:"state"`
	ActorID string `json:"actor_id,omitempty" doc:"agent recorded as the event actor; defaults to system"`
}

type SyncBountiesRequest struct {
	Source string              `json:"source" doc:"external tracker reference, e.g. owner/repo"`
	Items  []engine.BountyItem `json:"items"`
}

type AgentRefRequest struct {
	AgentID string `json:"agent_id" doc:"agent id or registered name"`
}

type RegisterNameRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
	Owner   string `json:"owner,omitempty"`
}

// Response payloads

type AgentSummary struct {
	AgentID           string             `json:"agent_id"`
	DisplayName       string             `json:"display_name"`
	ModelID           string             `json:"model_id"`
	Provider          domain.Provider    `json:"provider"`
	Capabilities      []string           `json:"capabilities"`
	CallbackURL       string             `json:"callback_url,omitempty"`
	Status            domain.AgentStatus `json:"status"`
	Liveness          domain.Liveness    `json:"liveness"`
	SilenceSeconds    int64              `json:"silence_seconds"`
	HeartbeatCount    int64              `json:"heartbeat_count"`
	RegisteredAt      string             `json:"registered_at"`
	LastHeartbeatAt   string             `json:"last_heartbeat_at"`
	AutoProvisioned   bool               `json:"auto_provisioned"`
	SignatureVerified bool               `json:"signature_verified"`
}

type AgentStatusResponse struct {
	AgentSummary
	PublicKey   string         `json:"public_key,omitempty"`
	TokenExpiry string         `json:"token_expiry"`
	Metadata    map[string]any `json:"metadata"`
	Names       []string       `json:"names"`
}

type PingResponse struct {
	Agent           AgentSummary `json:"agent"`
	AutoProvisioned bool         `json:"auto_provisioned"`
	Token           string       `json:"relay_token,omitempty"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type DiscoveryCounts struct {
	Agents       int `json:"agents"`
	Active       int `json:"active"`
	Silent       int `json:"silent"`
	PresumedDead int `json:"presumed_dead"`
	NativeAgents int `json:"native_agents"`
	Contracts    int `json:"contracts"`
	OpenBounties int `json:"open_bounties"`
	Names        int `json:"names"`
}

type DiscoveryManifest struct {
	Service               string            `json:"service"`
	Version               string            `json:"version"`
	BasePath              string            `json:"base_path"`
	Endpoints             map[string]string `json:"endpoints"`
	Providers             []domain.Provider `json:"providers"`
	ContractTypes         []string          `json:"contract_types"`
	ContractStates        []string          `json:"contract_states"`
	Terms                 []string          `json:"terms"`
	TokenTTLSeconds       int64             `json:"token_ttl_seconds"`
	SilenceThresholdSecs  int64             `json:"silence_threshold_seconds"`
	DeadThresholdSecs     int64             `json:"dead_threshold_seconds"`
	SignatureVerification bool              `json:"signature_verification"`
	Counts                DiscoveryCounts   `json:"counts"`
}

func agentSummary(v engine.AgentView) AgentSummary {
	caps := v.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return AgentSummary{
		AgentID:           v.AgentID,
		DisplayName:       v.DisplayName,
		ModelID:           v.ModelID,
		Provider:          v.Provider,
		Capabilities:      caps,
		CallbackURL:       v.CallbackURL,
		Status:            v.Status,
		Liveness:          v.Liveness,
		SilenceSeconds:    v.SilenceSeconds,
		HeartbeatCount:    v.HeartbeatCount,
		RegisteredAt:      v.RegisteredAt,
		LastHeartbeatAt:   v.LastHeartbeatAt,
		AutoProvisioned:   v.AutoProvisioned,
		SignatureVerified: v.SignatureVerified,
	}
}

func agentStatus(v engine.AgentView) AgentStatusResponse {
	meta := v.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	names := v.Names
	if names == nil {
		names = []string{}
	}
	return AgentStatusResponse{
		AgentSummary: agentSummary(v),
		PublicKey:    v.PublicKey,
		TokenExpiry:  v.TokenExpiry,
		Metadata:     meta,
		Names:        names,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
