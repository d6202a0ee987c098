package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"beacon/internal/domain"
	"beacon/internal/engine/auth"
	"beacon/internal/events"
	"beacon/internal/identity"
	"beacon/internal/repo"
)

const (
	maxCapabilities  = 32
	maxCapabilityLen = 64
)

// Classify maps the silence since the last heartbeat to a liveness class.
// It is monotonic in since.
func Classify(since, silence, dead time.Duration) domain.Liveness {
	switch {
	case since <= silence:
		return domain.LivenessActive
	case since <= dead:
		return domain.LivenessSilent
	default:
		return domain.LivenessPresumedDead
	}
}

// AgentView is a relay agent annotated with its liveness at read time.
type AgentView struct {
	domain.RelayAgent
	Liveness       domain.Liveness `json:"liveness"`
	SilenceSeconds int64           `json:"silence_seconds"`
	Names          []string        `json:"names,omitempty"`
}

func (e Engine) view(a domain.RelayAgent, now time.Time) AgentView {
	var since time.Duration
	if last, err := domain.ParseTime(a.LastHeartbeatAt); err == nil {
		since = now.Sub(last)
	}
	if since < 0 {
		since = 0
	}
	return AgentView{
		RelayAgent:     a,
		Liveness:       Classify(since, e.Config.Relay.SilenceThreshold, e.Config.Relay.DeadThreshold),
		SilenceSeconds: int64(since / time.Second),
	}
}

type RegisterOptions struct {
	PublicKey    string
	ModelID      string
	Provider     string
	Capabilities []string
	CallbackURL  string
	DisplayName  string
	Signature    string
	Origin       string
}

type Registration struct {
	AgentID           string `json:"agent_id"`
	Token             string `json:"relay_token"`
	TokenExpiry       string `json:"token_expiry"`
	TTLSeconds        int64  `json:"ttl_seconds"`
	SignatureVerified bool   `json:"signature_verified"`
	CryptoAvailable   bool   `json:"crypto_available"`
	DNSName           string `json:"dns_name,omitempty"`
	Reregistered      bool   `json:"reregistered"`
}

// Register validates a registration, issues a fresh token and upserts the agent row.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (Registration, error) {
	var p problems
	pub := strings.ToLower(strings.TrimSpace(opts.PublicKey))
	key, keyErr := identity.ParsePublicKey(pub)
	if keyErr != nil {
		p.add("%v", keyErr)
	}
	modelID := strings.TrimSpace(opts.ModelID)
	if modelID == "" {
		p.add("model_id is required")
	}
	provider, err := parseProvider(opts.Provider)
	if err != nil {
		p.add("%v", err)
	}
	displayName := strings.TrimSpace(opts.DisplayName)
	if msg := e.checkDisplayName(displayName); msg != "" {
		p.add("%s", msg)
	}
	caps, err := normalizeCapabilities(opts.Capabilities)
	if err != nil {
		p.add("%v", err)
	}
	if err := checkCallbackURL(opts.CallbackURL); err != nil {
		p.add("%v", err)
	}
	if e.Config.Relay.RequireSignature && strings.TrimSpace(opts.Signature) == "" {
		p.add("signature is required")
	}
	if err := p.err(); err != nil {
		return Registration{}, err
	}

	agentID := identity.Derive(key)
	outcome, err := identity.CheckRegistration(e.Verifier, modelID, string(provider), pub, strings.TrimSpace(opts.Signature))
	if err != nil {
		e.log().Warn("registration signature rejected", zap.String("agent_id", agentID), zap.String("origin", opts.Origin))
		if errors.Is(err, identity.ErrSignatureMismatch) {
			return Registration{}, SignatureError{AgentID: agentID}
		}
		return Registration{}, invalid("%v", err)
	}

	now := e.now()
	token, expiry, err := e.Tokens.Mint(agentID, now)
	if err != nil {
		return Registration{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Registration{}, err
	}
	defer tx.Rollback()

	agent := domain.RelayAgent{
		AgentID:           agentID,
		PublicKey:         pub,
		ModelID:           modelID,
		Provider:          provider,
		Capabilities:      caps,
		CallbackURL:       strings.TrimSpace(opts.CallbackURL),
		TokenHash:         repo.HashToken(token),
		TokenExpiry:       domain.FormatTime(expiry),
		DisplayName:       displayName,
		Status:            domain.AgentActive,
		RegisteredAt:      domain.FormatTime(now),
		LastHeartbeatAt:   domain.FormatTime(now),
		Metadata:          map[string]any{},
		SignatureVerified: outcome.Verified,
	}
	existing, err := e.Repo.GetAgent(ctx, tx, agentID)
	reregistered := err == nil
	switch {
	case err == nil:
		agent.HeartbeatCount = existing.HeartbeatCount
		agent.RegisteredAt = existing.RegisteredAt
		for k, v := range existing.Metadata {
			agent.Metadata[k] = v
		}
	case !isNotFound(err):
		return Registration{}, err
	}
	if opts.Origin != "" {
		agent.Metadata["last_ip"] = opts.Origin
	}
	if err := e.Repo.UpsertAgent(ctx, tx, agent); err != nil {
		return Registration{}, fmt.Errorf("upsert agent: %w", err)
	}
	dnsName := e.bindDisplayName(ctx, tx, displayName, agentID, "relay")
	if err := e.events().Append(ctx, tx, events.AgentRegistered, "agent", agentID, agentID, events.EventPayload{
		"model_id":           modelID,
		"provider":           provider,
		"signature_verified": outcome.Verified,
		"reregistered":       reregistered,
	}); err != nil {
		return Registration{}, err
	}
	if err := tx.Commit(); err != nil {
		return Registration{}, err
	}
	e.log().Info("agent registered", zap.String("agent_id", agentID), zap.String("provider", string(provider)),
		zap.Bool("reregistered", reregistered), zap.Bool("signature_verified", outcome.Verified))
	return Registration{
		AgentID:           agentID,
		Token:             token,
		TokenExpiry:       agent.TokenExpiry,
		TTLSeconds:        int64(e.Tokens.TTL / time.Second),
		SignatureVerified: outcome.Verified,
		CryptoAvailable:   outcome.CryptoAvailable,
		DNSName:           dnsName,
		Reregistered:      reregistered,
	}, nil
}

// Beacon carries what an agent reports on heartbeat or ping. The descriptive
// fields are only used when the id is unknown and the agent is auto-provisioned.
type Beacon struct {
	AgentID      string
	Token        string
	Status       string
	Health       map[string]any
	Origin       string
	PublicKey    string
	ModelID      string
	Provider     string
	DisplayName  string
	Capabilities []string
	CallbackURL  string
}

type HeartbeatResult struct {
	AgentID         string             `json:"agent_id"`
	HeartbeatCount  int64              `json:"heartbeat_count"`
	Status          domain.AgentStatus `json:"status"`
	Assessment      domain.Liveness    `json:"assessment"`
	TokenExpiry     string             `json:"token_expiry"`
	AutoProvisioned bool               `json:"auto_provisioned"`
	// Token is only set when the agent was auto-provisioned.
	Token string `json:"relay_token,omitempty"`
}

// Heartbeat checks the bearer token for a known agent and slides its expiry.
// An unknown id is auto-provisioned from the beacon itself. Assessment is the
// liveness class the agent had just before this beat.
func (e Engine) Heartbeat(ctx context.Context, b Beacon) (HeartbeatResult, error) {
	status, err := beaconStatus(b)
	if err != nil {
		return HeartbeatResult{}, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return HeartbeatResult{}, err
	}
	defer tx.Rollback()

	agent, err := e.Repo.GetAgent(ctx, tx, b.AgentID)
	if isNotFound(err) {
		created, token, err := e.provision(ctx, tx, b, status, now)
		if err != nil {
			return HeartbeatResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return HeartbeatResult{}, err
		}
		return HeartbeatResult{
			AgentID:         created.AgentID,
			HeartbeatCount:  created.HeartbeatCount,
			Status:          created.Status,
			Assessment:      domain.LivenessActive,
			TokenExpiry:     created.TokenExpiry,
			AutoProvisioned: true,
			Token:           token,
		}, nil
	}
	if err != nil {
		return HeartbeatResult{}, err
	}
	if err := e.checkToken(agent, b.Token, now); err != nil {
		e.log().Warn("heartbeat rejected", zap.String("agent_id", agent.AgentID), zap.Error(err), zap.String("origin", b.Origin))
		return HeartbeatResult{}, err
	}
	prior := e.view(agent, now).Liveness
	expiry := domain.FormatTime(now.Add(e.Tokens.TTL))
	meta := mergeHealth(agent.Metadata, b, now)
	err = e.Repo.RecordHeartbeat(ctx, tx, repo.HeartbeatUpdate{
		AgentID:     agent.AgentID,
		TokenHash:   agent.TokenHash,
		Status:      status,
		Now:         domain.FormatTime(now),
		TokenExpiry: expiry,
		Metadata:    meta,
	})
	if isNotFound(err) {
		// The row was re-registered between read and write.
		return HeartbeatResult{}, AuthError{Code: auth.CodeTokenMismatch, Message: "relay token does not match"}
	}
	if err != nil {
		return HeartbeatResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{
		AgentID:        agent.AgentID,
		HeartbeatCount: agent.HeartbeatCount + 1,
		Status:         status,
		Assessment:     prior,
		TokenExpiry:    expiry,
	}, nil
}

func (e Engine) checkToken(agent domain.RelayAgent, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return AuthError{Code: auth.CodeMissingToken, Message: "Authorization: Bearer <relay_token> required"}
	}
	if !repo.TokenMatches(token, agent.TokenHash) {
		return AuthError{Code: auth.CodeTokenMismatch, Message: "relay token does not match"}
	}
	if sub, err := e.Tokens.Subject(token); err != nil || sub != agent.AgentID {
		return AuthError{Code: auth.CodeTokenMismatch, Message: "relay token does not match"}
	}
	expiry, err := domain.ParseTime(agent.TokenExpiry)
	if err != nil || now.After(expiry) {
		return AuthError{Code: auth.CodeTokenExpired, Message: "relay token expired; register again"}
	}
	return nil
}

type PingResult struct {
	Agent   AgentView `json:"agent"`
	Created bool      `json:"created"`
	Token   string    `json:"relay_token,omitempty"`
}

// Ping is the unauthenticated liveness path. It never checks a token and
// auto-provisions unknown ids.
func (e Engine) Ping(ctx context.Context, b Beacon) (PingResult, error) {
	status, err := beaconStatus(b)
	if err != nil {
		return PingResult{}, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PingResult{}, err
	}
	defer tx.Rollback()

	var res PingResult
	agent, err := e.Repo.GetAgent(ctx, tx, b.AgentID)
	switch {
	case isNotFound(err):
		agent, res.Token, err = e.provision(ctx, tx, b, status, now)
		if err != nil {
			return PingResult{}, err
		}
		res.Created = true
	case err != nil:
		return PingResult{}, err
	default:
		meta := mergeHealth(agent.Metadata, b, now)
		if err := e.Repo.RecordPing(ctx, tx, agent.AgentID, status, domain.FormatTime(now), meta); err != nil {
			return PingResult{}, err
		}
		agent.HeartbeatCount++
		agent.LastHeartbeatAt = domain.FormatTime(now)
		agent.Status = status
		agent.Metadata = meta
	}
	if err := tx.Commit(); err != nil {
		return PingResult{}, err
	}
	res.Agent = e.view(agent, now)
	return res, nil
}

// provision creates an agent row from a beacon for an id never seen before.
func (e Engine) provision(ctx context.Context, tx *sql.Tx, b Beacon, status domain.AgentStatus, now time.Time) (domain.RelayAgent, string, error) {
	agentID := strings.TrimSpace(b.AgentID)
	native, err := e.isNative(ctx, tx, agentID)
	if err != nil {
		return domain.RelayAgent{}, "", err
	}
	if native {
		return domain.RelayAgent{}, "", ConflictError{Message: "agent_id " + agentID + " is reserved for a native agent"}
	}
	var p problems
	pub := strings.ToLower(strings.TrimSpace(b.PublicKey))
	if pub != "" {
		derived, err := identity.CheckClaim(agentID, pub)
		if err != nil {
			p.add("%v", err)
		}
		agentID = derived
	} else if !identity.IsDerived(agentID) {
		p.add("agent_id %q must be %s followed by %d hex characters when no public_key is supplied", b.AgentID, identity.Prefix, identity.DigestChars)
	}
	provider, err := parseProvider(b.Provider)
	if err != nil {
		p.add("%v", err)
	}
	displayName := strings.TrimSpace(b.DisplayName)
	if displayName != "" {
		if msg := e.checkDisplayName(displayName); msg != "" {
			p.add("%s", msg)
		}
	}
	caps, err := normalizeCapabilities(b.Capabilities)
	if err != nil {
		p.add("%v", err)
	}
	if err := checkCallbackURL(b.CallbackURL); err != nil {
		p.add("%v", err)
	}
	if err := p.err(); err != nil {
		return domain.RelayAgent{}, "", err
	}
	if displayName == "" {
		displayName = agentID
	}
	token, expiry, err := e.Tokens.Mint(agentID, now)
	if err != nil {
		return domain.RelayAgent{}, "", err
	}
	agent := domain.RelayAgent{
		AgentID:         agentID,
		PublicKey:       pub,
		ModelID:         strings.TrimSpace(b.ModelID),
		Provider:        provider,
		Capabilities:    caps,
		CallbackURL:     strings.TrimSpace(b.CallbackURL),
		TokenHash:       repo.HashToken(token),
		TokenExpiry:     domain.FormatTime(expiry),
		DisplayName:     displayName,
		Status:          status,
		HeartbeatCount:  1,
		RegisteredAt:    domain.FormatTime(now),
		LastHeartbeatAt: domain.FormatTime(now),
		Metadata:        mergeHealth(nil, b, now),
		AutoProvisioned: true,
	}
	if err := e.Repo.UpsertAgent(ctx, tx, agent); err != nil {
		return domain.RelayAgent{}, "", fmt.Errorf("provision agent: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.AgentAutoProvisioned, "agent", agentID, agentID, events.EventPayload{
		"provider": provider,
		"keyless":  pub == "",
	}); err != nil {
		return domain.RelayAgent{}, "", err
	}
	e.log().Info("agent auto-provisioned", zap.String("agent_id", agentID), zap.Bool("keyless", pub == ""), zap.String("origin", b.Origin))
	return agent, token, nil
}

func (e Engine) isNative(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	for _, n := range e.Config.Ledger.NativeAgents {
		if n.ID == id {
			return true, nil
		}
	}
	return e.Repo.IsNativeAgent(ctx, tx, id)
}

type DiscoverOptions struct {
	Provider    string
	Capability  string
	IncludeDead bool
}

// Discover lists agents with liveness computed now. Presumed-dead agents are
// hidden unless IncludeDead is set.
func (e Engine) Discover(ctx context.Context, opts DiscoverOptions) ([]AgentView, error) {
	var f repo.AgentFilters
	if strings.TrimSpace(opts.Provider) != "" {
		provider, err := parseProvider(opts.Provider)
		if err != nil {
			return nil, invalid("%v", err)
		}
		f.Provider = provider
	}
	f.Capability = strings.ToLower(strings.TrimSpace(opts.Capability))
	agents, err := e.Repo.ListAgents(ctx, f)
	if err != nil {
		return nil, err
	}
	now := e.now()
	res := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		v := e.view(a, now)
		if v.Liveness == domain.LivenessPresumedDead && !opts.IncludeDead {
			continue
		}
		res = append(res, v)
	}
	return res, nil
}

// Status returns one agent by id or bound name, including its last health payload.
func (e Engine) Status(ctx context.Context, ref string) (AgentView, error) {
	agentID, _, err := e.Resolve(ctx, ref)
	if err != nil {
		return AgentView{}, err
	}
	agent, err := e.Repo.GetAgent(ctx, nil, agentID)
	if isNotFound(err) {
		return AgentView{}, notFound("agent", ref)
	}
	if err != nil {
		return AgentView{}, err
	}
	v := e.view(agent, e.now())
	names, err := e.Repo.NamesForAgent(ctx, agentID)
	if err != nil {
		return AgentView{}, err
	}
	for _, n := range names {
		v.Names = append(v.Names, n.Name)
	}
	return v, nil
}

// LivenessCounts tallies agents per liveness class.
func (e Engine) LivenessCounts(ctx context.Context) (map[domain.Liveness]int, error) {
	agents, err := e.Repo.ListAgents(ctx, repo.AgentFilters{})
	if err != nil {
		return nil, err
	}
	now := e.now()
	counts := map[domain.Liveness]int{
		domain.LivenessActive:       0,
		domain.LivenessSilent:       0,
		domain.LivenessPresumedDead: 0,
	}
	for _, a := range agents {
		counts[e.view(a, now).Liveness]++
	}
	return counts, nil
}

func (e Engine) checkDisplayName(name string) string {
	switch {
	case name == "":
		return "display_name is required"
	case len([]rune(name)) > e.Config.Relay.DisplayNameMax:
		return fmt.Sprintf("display_name must be at most %d characters", e.Config.Relay.DisplayNameMax)
	}
	if pat, banned := e.Config.BannedName(name); banned {
		return fmt.Sprintf("display_name %q is too generic (matches %s); choose a distinguishing name", name, pat)
	}
	return ""
}

func beaconStatus(b Beacon) (domain.AgentStatus, error) {
	if strings.TrimSpace(b.AgentID) == "" {
		return "", invalid("agent_id is required")
	}
	status := domain.AgentStatus(strings.ToLower(strings.TrimSpace(b.Status)))
	if status == "" {
		status = domain.AgentActive
	}
	if !status.Valid() {
		return "", invalid("status must be one of active, degraded, shutting_down")
	}
	return status, nil
}

func parseProvider(s string) (domain.Provider, error) {
	p := domain.Provider(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return domain.ProviderOther, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("provider %q must be one of %s", s, domain.ProviderList())
	}
	return p, nil
}

var capabilityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._:/-]*$`)

func normalizeCapabilities(in []string) ([]string, error) {
	out := []string{}
	seen := map[string]bool{}
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		if len(c) > maxCapabilityLen || !capabilityPattern.MatchString(c) {
			return nil, fmt.Errorf("capability %q is not a valid tag", c)
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) > maxCapabilities {
		return nil, fmt.Errorf("at most %d capabilities allowed", maxCapabilities)
	}
	return out, nil
}

func checkCallbackURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("callback_url must be an absolute http(s) URL")
	}
	return nil
}

func mergeHealth(existing map[string]any, b Beacon, now time.Time) map[string]any {
	meta := map[string]any{}
	for k, v := range existing {
		meta[k] = v
	}
	if len(b.Health) > 0 {
		meta["health"] = b.Health
		meta["health_at"] = domain.FormatTime(now)
	}
	if b.Origin != "" {
		meta["last_ip"] = b.Origin
	}
	return meta
}
