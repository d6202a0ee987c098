package beaconsdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"beacon/internal/identity"
)

// Client is a minimal Beacon HTTP API client. After Register or an
// auto-provisioning heartbeat it remembers the agent id and relay token.
type Client struct {
	BaseURL       string
	BasePath      string
	OperatorToken string
	HTTPClient    *http.Client
	Timeout       time.Duration

	mu      sync.Mutex
	agentID string
	token   string
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Session returns the agent id and relay token the client holds.
func (c *Client) Session() (agentID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID, c.token
}

// SetSession installs credentials obtained elsewhere, e.g. from a saved file.
func (c *Client) SetSession(agentID, token string) {
	c.mu.Lock()
	c.agentID, c.token = agentID, token
	c.mu.Unlock()
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

type HeartbeatResult struct {
	AgentID         string `json:"agent_id"`
	HeartbeatCount  int64  `json:"heartbeat_count"`
	Status          string `json:"status"`
	Assessment      string `json:"assessment"`
	TokenExpiry     string `json:"token_expiry"`
	AutoProvisioned bool   `json:"auto_provisioned"`
	Token           string `json:"relay_token,omitempty"`
}

type Agent struct {
	AgentID           string         `json:"agent_id"`
	DisplayName       string         `json:"display_name"`
	ModelID           string         `json:"model_id"`
	Provider          string         `json:"provider"`
	Capabilities      []string       `json:"capabilities"`
	CallbackURL       string         `json:"callback_url,omitempty"`
	Status            string         `json:"status"`
	Liveness          string         `json:"liveness"`
	SilenceSeconds    int64          `json:"silence_seconds"`
	HeartbeatCount    int64          `json:"heartbeat_count"`
	RegisteredAt      string         `json:"registered_at"`
	LastHeartbeatAt   string         `json:"last_heartbeat_at"`
	AutoProvisioned   bool           `json:"auto_provisioned"`
	SignatureVerified bool           `json:"signature_verified"`
	PublicKey         string         `json:"public_key,omitempty"`
	TokenExpiry       string         `json:"token_expiry,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Names             []string       `json:"names,omitempty"`
}

type PingResult struct {
	Agent           Agent  `json:"agent"`
	AutoProvisioned bool   `json:"auto_provisioned"`
	Token           string `json:"relay_token,omitempty"`
}

type Contract struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	FromAgent string  `json:"from_agent"`
	ToAgent   string  `json:"to_agent"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	State     string  `json:"state"`
	Term      string  `json:"term"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

type Bounty struct {
	ID               string  `json:"id"`
	Source           string  `json:"source"`
	ItemNumber       int     `json:"item_number"`
	Title            string  `json:"title"`
	RewardAmount     float64 `json:"reward_amount"`
	Difficulty       string  `json:"difficulty"`
	State            string  `json:"state"`
	ClaimantAgent    string  `json:"claimant_agent,omitempty"`
	CompletedByAgent string  `json:"completed_by_agent,omitempty"`
	ContractID       string  `json:"contract_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
	CompletedAt      string  `json:"completed_at,omitempty"`
}

type BountyItem struct {
	Number     int     `json:"number" yaml:"number"`
	Title      string  `json:"title" yaml:"title"`
	Reward     float64 `json:"reward" yaml:"reward"`
	Difficulty string  `json:"difficulty,omitempty" yaml:"difficulty"`
}

type SyncResult struct {
	Created  int      `json:"created"`
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	Bounties []Bounty `json:"bounties"`
}

type Reputation struct {
	AgentID            string  `json:"agent_id"`
	Score              float64 `json:"score"`
	ContractsCompleted int     `json:"contracts_completed"`
	ContractsBreached  int     `json:"contracts_breached"`
	ContractsActive    int     `json:"contracts_active"`
	BountiesCompleted  int     `json:"bounties_completed"`
	TotalRewardEarned  float64 `json:"total_reward_earned"`
	UpdatedAt          string  `json:"updated_at"`
}

type NameRecord struct {
	Name      string `json:"name"`
	AgentID   string `json:"agent_id"`
	Owner     string `json:"owner,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Manifest is the subset of /.well-known/beacon-discovery clients rely on.
type Manifest struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	BasePath  string            `json:"base_path"`
	Endpoints map[string]string `json:"endpoints"`
	Counts    map[string]int    `json:"counts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RetryAfter reports the cooldown carried by a 429 response.
func (e *APIError) RetryAfter() time.Duration {
	if secs, ok := e.Details["retry_after_seconds"].(float64); ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// RegisterOptions describes the agent being registered. When Key is set the
// registration is signed with it and PublicKey is filled in.
type RegisterOptions struct {
	Key          ed25519.PrivateKey
	PublicKey    string
	ModelID      string
	Provider     string
	DisplayName  string
	Capabilities []string
	CallbackURL  string
}

// SignRegistration signs the canonical registration message with key.
func SignRegistration(key ed25519.PrivateKey, modelID, provider string) (publicKeyHex, signature string) {
	publicKeyHex = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "other"
	}
	sig := ed25519.Sign(key, identity.RegistrationMessage(strings.TrimSpace(modelID), provider, publicKeyHex))
	return publicKeyHex, hex.EncodeToString(sig)
}

// AgentIDFor returns the id the relay will assign to a public key.
func AgentIDFor(publicKeyHex string) (string, error) {
	return identity.DeriveHex(publicKeyHex)
}

// Register registers the agent and stores the issued token on the client.
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (Registration, error) {
	body := map[string]any{
		"public_key":   opts.PublicKey,
		"model_id":     opts.ModelID,
		"provider":     opts.Provider,
		"display_name": opts.DisplayName,
	}
	if opts.Key != nil {
		pub, sig := SignRegistration(opts.Key, opts.ModelID, opts.Provider)
		body["public_key"] = pub
		body["signature"] = sig
	}
	if len(opts.Capabilities) > 0 {
		body["capabilities"] = opts.Capabilities
	}
	if opts.CallbackURL != "" {
		body["callback_url"] = opts.CallbackURL
	}
	var resp Registration
	if err := c.do(ctx, http.MethodPost, "relay/register", body, "", &resp); err != nil {
		return resp, err
	}
	c.SetSession(resp.AgentID, resp.Token)
	return resp, nil
}

// Heartbeat sends a beat with the stored token. A token returned by
// auto-provisioning replaces the stored one.
func (c *Client) Heartbeat(ctx context.Context, status string, health map[string]any) (HeartbeatResult, error) {
	agentID, token := c.Session()
	body := map[string]any{"agent_id": agentID}
	if status != "" {
		body["status"] = status
	}
	if len(health) > 0 {
		body["health"] = health
	}
	var resp HeartbeatResult
	if err := c.do(ctx, http.MethodPost, "relay/heartbeat", body, token, &resp); err != nil {
		return resp, err
	}
	if resp.Token != "" {
		c.SetSession(resp.AgentID, resp.Token)
	}
	return resp, nil
}

// Ping reports liveness without a token.
func (c *Client) Ping(ctx context.Context, agentID, status string) (PingResult, error) {
	body := map[string]any{"agent_id": agentID}
	if status != "" {
		body["status"] = status
	}
	var resp PingResult
	err := c.do(ctx, http.MethodPost, "relay/ping", body, "", &resp)
	return resp, err
}

// Discover lists agents. Empty filters are ignored.
func (c *Client) Discover(ctx context.Context, provider, capability string, includeDead bool) ([]Agent, error) {
	q := url.Values{}
	setIf(q, "provider", provider)
	setIf(q, "capability", capability)
	if includeDead {
		q.Set("include_dead", "true")
	}
	var resp []Agent
	err := c.do(ctx, http.MethodGet, withQuery("relay/discover", q), nil, "", &resp)
	return resp, err
}

// Status returns one agent by id or name.
func (c *Client) Status(ctx context.Context, ref string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "relay/status/"+url.PathEscape(ref), nil, "", &resp)
	return resp, err
}

type ContractRequest struct {
	From   string  `json:"from_agent"`
	To     string  `json:"to_agent"`
	Type   string  `json:"type"`
	Amount float64 `json:"amount"`
	Term   string  `json:"term"`
	State  string  `json:"state,omitempty"`
}

func (c *Client) CreateContract(ctx context.Context, req ContractRequest) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", req, "", &resp)
	return resp, err
}

func (c *Client) UpdateContract(ctx context.Context, id, state string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPatch, "contracts/"+url.PathEscape(id), map[string]any{"state": state}, "", &resp)
	return resp, err
}

func (c *Client) Contract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, "", &resp)
	return resp, err
}

func (c *Client) Contracts(ctx context.Context, agent, state, contractType string, limit int) ([]Contract, error) {
	q := url.Values{}
	setIf(q, "agent", agent)
	setIf(q, "state", state)
	setIf(q, "type", contractType)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Contract
	err := c.do(ctx, http.MethodGet, withQuery("contracts", q), nil, "", &resp)
	return resp, err
}

func (c *Client) Bounties(ctx context.Context, state string) ([]Bounty, error) {
	q := url.Values{}
	setIf(q, "state", state)
	var resp []Bounty
	err := c.do(ctx, http.MethodGet, withQuery("bounties", q), nil, "", &resp)
	return resp, err
}

// SyncBounties needs OperatorToken when the relay enforces operator auth.
func (c *Client) SyncBounties(ctx context.Context, source string, items []BountyItem) (SyncResult, error) {
	var resp SyncResult
	body := map[string]any{"source": source, "items": items}
	err := c.do(ctx, http.MethodPost, "bounties/sync", body, c.OperatorToken, &resp)
	return resp, err
}

func (c *Client) ClaimBounty(ctx context.Context, id, agentRef string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "bounties/"+url.PathEscape(id)+"/claim", map[string]any{"agent_id": agentRef}, "", &resp)
	return resp, err
}

func (c *Client) CompleteBounty(ctx context.Context, id, agentRef string) (Bounty, error) {
	var resp Bounty
	err := c.do(ctx, http.MethodPost, "bounties/"+url.PathEscape(id)+"/complete", map[string]any{"agent_id": agentRef}, "", &resp)
	return resp, err
}

func (c *Client) Reputation(ctx context.Context, ref string) (Reputation, error) {
	var resp Reputation
	err := c.do(ctx, http.MethodGet, "reputation/"+url.PathEscape(ref), nil, "", &resp)
	return resp, err
}

func (c *Client) Leaderboard(ctx context.Context) ([]Reputation, error) {
	var resp []Reputation
	err := c.do(ctx, http.MethodGet, "reputation", nil, "", &resp)
	return resp, err
}

func (c *Client) RegisterName(ctx context.Context, name, agentID, owner string) (NameRecord, error) {
	var resp NameRecord
	body := map[string]any{"name": name, "agent_id": agentID}
	if owner != "" {
		body["owner"] = owner
	}
	err := c.do(ctx, http.MethodPost, "dns", body, "", &resp)
	return resp, err
}

func (c *Client) Resolve(ctx context.Context, name string) (NameRecord, error) {
	var resp NameRecord
	err := c.do(ctx, http.MethodGet, "dns/"+url.PathEscape(name), nil, "", &resp)
	return resp, err
}

func (c *Client) ReverseResolve(ctx context.Context, agentID string) ([]NameRecord, error) {
	var resp []NameRecord
	err := c.do(ctx, http.MethodGet, "dns/reverse/"+url.PathEscape(agentID), nil, "", &resp)
	return resp, err
}

func (c *Client) Names(ctx context.Context) ([]NameRecord, error) {
	var resp []NameRecord
	err := c.do(ctx, http.MethodGet, "dns", nil, "", &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	setIf(q, "type", eventType)
	setIf(q, "cursor", cursor)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, "", &resp)
	return resp, err
}

// Manifest fetches the well-known discovery document, which lives outside the base path.
func (c *Client) Manifest(ctx context.Context) (Manifest, error) {
	var resp Manifest
	err := c.doURL(ctx, http.MethodGet, c.base()+"/.well-known/beacon-discovery", nil, "", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, bearer string, out any) error {
	prefix := strings.Trim(c.BasePath, "/")
	full := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	if prefix != "" {
		full = c.base() + "/" + prefix + "/" + strings.TrimLeft(endpoint, "/")
	}
	return c.doURL(ctx, method, full, body, bearer, out)
}

func (c *Client) doURL(ctx context.Context, method, full string, body any, bearer string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, full, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
