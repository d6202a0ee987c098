package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"beacon/internal/config"
	"beacon/internal/db"
	"beacon/internal/domain"
	"beacon/internal/engine"
	"beacon/internal/engine/auth"
	"beacon/internal/migrate"
	"beacon/internal/ratelimit"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	clock  *time.Time
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }
func (s *testServer) advance(d time.Duration) {
	*s.clock = s.clock.Add(d)
}

type testOptions struct {
	limiter        ratelimit.Limiter
	operator       auth.Operator
	trustedProxies []netip.Prefix
}

func newTestServer(t *testing.T, opts testOptions) (*testServer, func()) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return clock }
	if err := e.SeedNativeAgents(context.Background()); err != nil {
		t.Fatalf("seed native agents: %v", err)
	}
	limiter := opts.limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Limiter: limiter, Operator: opts.operator, TrustedProxies: opts.trustedProxies})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		clock:  &clock,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func publicKeyHex(seed byte) string {
	s := bytes.Repeat([]byte{seed}, ed25519.SeedSize)
	return hex.EncodeToString(ed25519.NewKeyFromSeed(s).Public().(ed25519.PublicKey))
}

func registerAgent(t *testing.T, srv *testServer, seed byte, name string, extra map[string]any) engine.Registration {
	t.Helper()
	body := map[string]any{
		"public_key":   publicKeyHex(seed),
		"model_id":     "claude-sonnet",
		"provider":     "anthropic",
		"capabilities": []string{"code"},
		"display_name": name,
	}
	for k, v := range extra {
		body[k] = v
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/register", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	reg := decode[engine.Registration](t, data)
	if reg.AgentID == "" || reg.Token == "" {
		t.Fatalf("expected agent id and token, got %+v", reg)
	}
	return reg
}

func heartbeat(t *testing.T, srv *testServer, agentID, token string) (*http.Response, []byte) {
	t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/heartbeat", map[string]any{
		"agent_id": agentID,
		"status":   "active",
		"health":   map[string]any{"queue": 3},
	}, headers)
}

func TestRelayHeartbeatTokenCodes(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	orion := registerAgent(t, srv, 1, "orion", nil)
	vega := registerAgent(t, srv, 2, "vega", nil)

	res, data := heartbeat(t, srv, orion.AgentID, orion.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d: %s", res.StatusCode, string(data))
	}
	hb := decode[engine.HeartbeatResult](t, data)
	if hb.AgentID != orion.AgentID || hb.Assessment != domain.LivenessActive || hb.AutoProvisioned {
		t.Fatalf("unexpected heartbeat result %+v", hb)
	}

	res, data = heartbeat(t, srv, orion.AgentID, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != auth.CodeMissingToken {
		t.Fatalf("expected missing_token, got %s", env.Error.Code)
	}

	res, data = heartbeat(t, srv, orion.AgentID, vega.Token)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with foreign token, got %d: %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != auth.CodeTokenMismatch {
		t.Fatalf("expected token_mismatch, got %s", env.Error.Code)
	}

	srv.advance(25 * time.Hour)
	res, data = heartbeat(t, srv, vega.AgentID, vega.Token)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for lapsed token, got %d: %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != auth.CodeTokenExpired {
		t.Fatalf("expected token_expired, got %s", env.Error.Code)
	}
}

func TestPingProvisionsThenUpdates(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	body := map[string]any{"agent_id": "bcn_0123456789ab", "status": "degraded"}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/ping", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first ping status %d: %s", res.StatusCode, string(data))
	}
	first := decode[PingResponse](t, data)
	if !first.AutoProvisioned || first.Token == "" {
		t.Fatalf("expected provisioned agent with token, got %+v", first)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/ping", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second ping status %d: %s", res.StatusCode, string(data))
	}
	second := decode[PingResponse](t, data)
	if second.AutoProvisioned || second.Token != "" {
		t.Fatalf("second ping must not provision again: %+v", second)
	}
	if second.Agent.Status != domain.AgentStatus("degraded") {
		t.Fatalf("expected degraded status, got %s", second.Agent.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/ping", map[string]any{"agent_id": "Not An Id"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDiscoverAndStatusByName(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	reg := registerAgent(t, srv, 3, "lyra", map[string]any{"capabilities": []string{"research", "code"}, "provider": "openai"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relay/discover?capability=research", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("discover status %d: %s", res.StatusCode, string(data))
	}
	agents := decode[[]AgentSummary](t, data)
	if len(agents) != 1 || agents[0].AgentID != reg.AgentID {
		t.Fatalf("expected lyra in discovery, got %+v", agents)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relay/discover?provider=google", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("discover status %d: %s", res.StatusCode, string(data))
	}
	if agents := decode[[]AgentSummary](t, data); len(agents) != 0 {
		t.Fatalf("expected no google agents, got %+v", agents)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relay/status/lyra", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status by name %d: %s", res.StatusCode, string(data))
	}
	status := decode[AgentStatusResponse](t, data)
	if status.AgentID != reg.AgentID || status.PublicKey != publicKeyHex(3) {
		t.Fatalf("unexpected status %+v", status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relay/status/bcn_ffffffffffff", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestWellKnownManifest(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	registerAgent(t, srv, 4, "sirius", nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/.well-known/beacon-discovery", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manifest status %d: %s", res.StatusCode, string(data))
	}
	m := decode[DiscoveryManifest](t, data)
	if m.Service != "beacon" || m.BasePath != "/v0" {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if m.Endpoints["heartbeat"] != "/v0/relay/heartbeat" {
		t.Fatalf("unexpected heartbeat endpoint %q", m.Endpoints["heartbeat"])
	}
	if m.Counts.Agents != 1 || m.Counts.Active != 1 || m.Counts.NativeAgents != 2 {
		t.Fatalf("unexpected counts %+v", m.Counts)
	}
	if !m.SignatureVerification {
		t.Fatalf("default config verifies signatures")
	}
}

func TestContractValidationAndTransitions(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	client := srv.Client()
	reg := registerAgent(t, srv, 5, "rigel", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"from_agent": reg.AgentID,
		"to_agent":   reg.AgentID,
		"type":       "lease",
		"amount":     10,
		"term":       "forever",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if !strings.Contains(env.Error.Message, "; ") {
		t.Fatalf("expected joined problems, got %q", env.Error.Message)
	}
	if problems, _ := env.Error.Details["problems"].([]any); len(problems) < 3 {
		t.Fatalf("expected every problem reported, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"from_agent": "rigel",
		"to_agent":   "atlas",
		"type":       "rent",
		"amount":     25,
		"term":       "30d",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, string(data))
	}
	c := decode[domain.Contract](t, data)
	if c.FromAgent != reg.AgentID || c.ToAgent != "bcn_atlas" || c.State != domain.StateOffered || c.Currency != "RTC" {
		t.Fatalf("unexpected contract %+v", c)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{"state": "active", "actor_id": reg.AgentID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update to active status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{"state": "breached"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update to breached status %d: %s", res.StatusCode, string(data))
	}
	changes, err := srv.Engine.ListEvents(context.Background(), "contract.state_changed", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || changes[0].ActorID != reg.AgentID || changes[1].ActorID != "system" {
		t.Fatalf("unexpected transition actors %+v", changes)
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/contracts/"+c.ID, map[string]any{"state": "vanished"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/contracts?agent=atlas&state=breached", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list contracts status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[[]domain.Contract](t, data); len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("expected breached contract listed, got %+v", list)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reputation/rigel", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reputation status %d: %s", res.StatusCode, string(data))
	}
	if rep := decode[domain.ReputationRecord](t, data); rep.ContractsBreached != 1 || rep.Score != 0 {
		t.Fatalf("expected one breach clamped at zero, got %+v", rep)
	}
}

func TestNameRegistryConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	client := srv.Client()
	reg := registerAgent(t, srv, 6, "deneb", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/dns", map[string]any{"name": "Atlas", "agent_id": reg.AgentID}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for taken name, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/dns", map[string]any{"name": "deneb-prime", "agent_id": reg.AgentID, "owner": "ops"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register name status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dns/deneb-prime", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	if rec := decode[domain.DNSRecord](t, data); rec.AgentID != reg.AgentID || rec.Owner != "ops" {
		t.Fatalf("unexpected record %+v", rec)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dns/reverse/"+reg.AgentID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reverse status %d: %s", res.StatusCode, string(data))
	}
	if recs := decode[[]domain.DNSRecord](t, data); len(recs) != 2 {
		t.Fatalf("expected display name and explicit name, got %+v", recs)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/dns/nobody", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestBountyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	client := srv.Client()
	reg := registerAgent(t, srv, 7, "altair", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/sync", map[string]any{
		"source": "acme/widgets",
		"items":  []map[string]any{{"number": 42, "title": "Fix flaky build", "reward": 50, "difficulty": "medium"}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", res.StatusCode, string(data))
	}
	synced := decode[engine.SyncResult](t, data)
	if synced.Created != 1 || len(synced.Bounties) != 1 {
		t.Fatalf("unexpected sync result %+v", synced)
	}
	id := synced.Bounties[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/"+id+"/claim", map[string]any{"agent_id": "altair"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	if b := decode[domain.Bounty](t, data); b.State != domain.BountyClaimed || b.ClaimantAgent != reg.AgentID || b.ContractID == "" {
		t.Fatalf("unexpected claimed bounty %+v", b)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/"+id+"/complete", map[string]any{"agent_id": reg.AgentID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/"+id+"/complete", map[string]any{"agent_id": reg.AgentID}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second completion, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reputation/"+reg.AgentID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reputation status %d: %s", res.StatusCode, string(data))
	}
	rep := decode[domain.ReputationRecord](t, data)
	if rep.BountiesCompleted != 1 || rep.TotalRewardEarned != 50 || rep.Score != 20 {
		t.Fatalf("unexpected reputation %+v", rep)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=bounty.completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	if page := decode[paginatedEvents](t, data); len(page.Items) != 1 || page.Items[0].EntityID != id {
		t.Fatalf("expected one completion event, got %+v", page)
	}
}

func TestBountySyncRequiresOperatorToken(t *testing.T) {
	op := auth.Operator{Secret: "operator-secret"}
	srv, cleanup := newTestServer(t, testOptions{operator: op})
	defer cleanup()
	body := map[string]any{"source": "acme/widgets", "items": []map[string]any{{"number": 1, "title": "Docs", "reward": 5}}}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/bounties/sync", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without operator token, got %d: %s", res.StatusCode, string(data))
	}

	token, err := op.Issue("ci", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("issue operator token: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/bounties/sync", body, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync with operator token status %d: %s", res.StatusCode, string(data))
	}

	events, err := srv.Engine.ListEvents(context.Background(), "bounty.synced", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ActorID != "ci" {
		t.Fatalf("expected sync attributed to ci, got %+v", events)
	}
}

func TestRateLimitedWriteReturnsRetryAfter(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Cooldowns{ratelimit.Register: time.Minute}, 100)
	srv, cleanup := newTestServer(t, testOptions{limiter: limiter})
	defer cleanup()

	registerAgent(t, srv, 8, "mira", nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/register", map[string]any{
		"public_key":   publicKeyHex(9),
		"model_id":     "gpt-4o",
		"display_name": "castor",
	}, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", res.StatusCode, string(data))
	}
	if res.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %s", env.Error.Code)
	}
	if secs, _ := env.Error.Details["retry_after_seconds"].(float64); secs < 1 {
		t.Fatalf("expected retry_after_seconds, got %v", env.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relay/discover", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads are not limited, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCORSPreflightAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodOptions, srv.URL+"/v0/relay/register", nil, map[string]string{
		"Origin":                        "https://example.org",
		"Access-Control-Request-Method": "POST",
	})
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard CORS origin, got %q", got)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "beacon_http_request_duration_seconds") {
		t.Fatalf("expected request histogram in metrics output")
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	registerAgent(t, srv, 10, "pollux", nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedEvents](t, data)
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one item and a cursor, got %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?limit=500&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	next := decode[paginatedEvents](t, data)
	if len(next.Items) == 0 || next.Items[0].ID <= page.Items[0].ID || next.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", next)
	}
}

func TestCallbackNotifierPostsLedgerEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []callbackEvent
		kinds    []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt callbackEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		kinds = append(kinds, r.Header.Get("X-Beacon-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	reg := registerAgent(t, srv, 11, "hadar", map[string]any{"callback_url": hook.URL + "/beacon"})

	ctx := context.Background()
	n, err := newCallbackNotifier(ctx, srv.Engine, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contracts", map[string]any{
		"from_agent": reg.AgentID,
		"to_agent":   "bcn_atlas",
		"type":       "buy",
		"amount":     12.5,
		"term":       "perpetual",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create contract status %d: %s", res.StatusCode, string(data))
	}

	if sent := n.dispatch(ctx); sent != 1 {
		t.Fatalf("expected one delivery, got %d", sent)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].AgentID != reg.AgentID || kinds[0] != "contract.created" {
		t.Fatalf("unexpected deliveries %+v %v", received, kinds)
	}
	if n.dispatch(ctx) != 0 {
		t.Fatalf("cursor must advance past delivered events")
	}
}

func registerFrom(t *testing.T, srv *testServer, seed byte, name, forwardedFor string) int {
	t.Helper()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/register", map[string]any{
		"public_key":   publicKeyHex(seed),
		"model_id":     "claude-sonnet",
		"display_name": name,
	}, map[string]string{"X-Forwarded-For": forwardedFor})
	return res.StatusCode
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Cooldowns{ratelimit.Register: 10 * time.Second}, 100)
	srv, cleanup := newTestServer(t, testOptions{limiter: limiter})
	defer cleanup()

	if got := registerFrom(t, srv, 20, "deneb", "1.1.1.1"); got != http.StatusCreated {
		t.Fatalf("first registration status %d", got)
	}
	for i, fwd := range []string{"2.2.2.2", "3.3.3.3"} {
		if got := registerFrom(t, srv, byte(21+i), fmt.Sprintf("altair-%d", i), fwd); got != http.StatusTooManyRequests {
			t.Fatalf("rotating X-Forwarded-For to %s must not reset the cooldown, got %d", fwd, got)
		}
	}
}

func TestRateLimitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Cooldowns{ratelimit.Register: 10 * time.Second}, 100)
	srv, cleanup := newTestServer(t, testOptions{
		limiter:        limiter,
		trustedProxies: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
	})
	defer cleanup()

	if got := registerFrom(t, srv, 30, "hadar", "198.51.100.7"); got != http.StatusCreated {
		t.Fatalf("first client status %d", got)
	}
	if got := registerFrom(t, srv, 31, "mimosa", "198.51.100.8, 127.0.0.1"); got != http.StatusCreated {
		t.Fatalf("second client behind the proxy status %d", got)
	}
	if got := registerFrom(t, srv, 32, "acrux", "198.51.100.7"); got != http.StatusTooManyRequests {
		t.Fatalf("repeat client behind the proxy should be limited, got %d", got)
	}
}

func TestConcurrentHeartbeatsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()
	const agents, beats = 4, 5
	regs := make([]engine.Registration, agents)
	for i := range regs {
		regs[i] = registerAgent(t, srv, byte(70+i), fmt.Sprintf("sentinel-%d", i), nil)
	}
	var wg sync.WaitGroup
	statuses := make(chan int, agents*beats)
	for _, reg := range regs {
		for j := 0; j < beats; j++ {
			wg.Add(1)
			go func(reg engine.Registration) {
				defer wg.Done()
				req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/relay/heartbeat", strings.NewReader(`{"agent_id":"`+reg.AgentID+`"}`))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+reg.Token)
				res, err := srv.Client().Do(req)
				if err != nil {
					statuses <- 0
					return
				}
				io.Copy(io.Discard, res.Body)
				res.Body.Close()
				statuses <- res.StatusCode
			}(reg)
		}
	}
	wg.Wait()
	close(statuses)
	for code := range statuses {
		if code != http.StatusOK {
			t.Fatalf("concurrent heartbeat returned %d", code)
		}
	}
	st, err := srv.Engine.Status(context.Background(), regs[0].AgentID)
	if err != nil {
		t.Fatal(err)
	}
	if st.HeartbeatCount != beats {
		t.Fatalf("heartbeat_count %d, want %d", st.HeartbeatCount, beats)
	}
}

func TestPingCannotClaimNativePersona(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/relay/ping", map[string]any{
		"agent_id":     "bcn_bounty_board",
		"display_name": "evil",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), "relay_token") {
		t.Fatalf("no token may be issued for a native persona: %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/relay/status/bcn_bounty_board", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("native persona must have no relay row, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnmatchedRoutesShareOneMetricLabel(t *testing.T) {
	srv, cleanup := newTestServer(t, testOptions{})
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/scan/a1b2c3", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	_, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if strings.Contains(string(data), "/scan/a1b2c3") {
		t.Fatalf("raw request path leaked into metric labels")
	}
}
