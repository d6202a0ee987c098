package beaconsdk

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"beacon/internal/config"
	"beacon/internal/db"
	"beacon/internal/engine"
	"beacon/internal/migrate"
	"beacon/internal/ratelimit"
	"beacon/internal/server"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	e := engine.New(conn, config.Default())
	require.NoError(t, e.SeedNativeAgents(context.Background()))
	handler, err := server.New(server.Config{Engine: e, Limiter: ratelimit.Unlimited{}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func testKey(b byte) ed25519.PrivateKey {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	return ed25519.NewKeyFromSeed(seed)
}

func TestSignedRegistrationAndHeartbeat(t *testing.T) {
	srv := newRelay(t)
	ctx := context.Background()
	c := New(srv.URL)

	reg, err := c.Register(ctx, RegisterOptions{
		Key:          testKey(1),
		ModelID:      "claude-sonnet",
		Provider:     "Anthropic",
		DisplayName:  "Nova Scout",
		Capabilities: []string{"code"},
	})
	require.NoError(t, err)
	require.True(t, reg.SignatureVerified)
	pub, _ := SignRegistration(testKey(1), "claude-sonnet", "anthropic")
	want, err := AgentIDFor(pub)
	require.NoError(t, err)
	require.Equal(t, want, reg.AgentID)

	agentID, token := c.Session()
	require.Equal(t, reg.AgentID, agentID)
	require.Equal(t, reg.Token, token)

	hb, err := c.Heartbeat(ctx, "active", map[string]any{"load": 0.5})
	require.NoError(t, err)
	require.Equal(t, reg.AgentID, hb.AgentID)
	require.False(t, hb.AutoProvisioned)

	status, err := c.Status(ctx, reg.AgentID)
	require.NoError(t, err)
	require.Equal(t, "active", status.Liveness)
	require.Contains(t, status.Metadata, "health")
}

func TestHeartbeatAutoProvisionStoresToken(t *testing.T) {
	srv := newRelay(t)
	ctx := context.Background()
	c := New(srv.URL)
	c.SetSession("bcn_a1b2c3d4e5f6", "")

	hb, err := c.Heartbeat(ctx, "", nil)
	require.NoError(t, err)
	require.True(t, hb.AutoProvisioned)
	_, token := c.Session()
	require.Equal(t, hb.Token, token)

	again, err := c.Heartbeat(ctx, "degraded", nil)
	require.NoError(t, err)
	require.False(t, again.AutoProvisioned)
	require.Equal(t, "degraded", again.Status)
}

func TestLedgerRoundTrip(t *testing.T) {
	srv := newRelay(t)
	ctx := context.Background()
	c := New(srv.URL)
	reg, err := c.Register(ctx, RegisterOptions{Key: testKey(2), ModelID: "gemini-pro", Provider: "google", DisplayName: "tern"})
	require.NoError(t, err)

	contract, err := c.CreateContract(ctx, ContractRequest{From: "tern", To: "atlas", Type: "rent", Amount: 5, Term: "7d"})
	require.NoError(t, err)
	require.Equal(t, reg.AgentID, contract.FromAgent)
	contract, err = c.UpdateContract(ctx, contract.ID, "active")
	require.NoError(t, err)
	require.Equal(t, "active", contract.State)

	rep, err := c.Reputation(ctx, "tern")
	require.NoError(t, err)
	require.Equal(t, 10.0, rep.Score)

	synced, err := c.SyncBounties(ctx, "acme/site", []BountyItem{{Number: 7, Title: "Typo", Reward: 10}})
	require.NoError(t, err)
	require.Len(t, synced.Bounties, 1)
	_, err = c.ClaimBounty(ctx, synced.Bounties[0].ID, reg.AgentID)
	require.NoError(t, err)
	done, err := c.CompleteBounty(ctx, synced.Bounties[0].ID, reg.AgentID)
	require.NoError(t, err)
	require.Equal(t, "completed", done.State)

	_, err = c.RegisterName(ctx, "atlas", reg.AgentID, "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "conflict", apiErr.Code)

	page, err := c.EventsPage(ctx, "bounty.completed", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	m, err := c.Manifest(ctx)
	require.NoError(t, err)
	require.Equal(t, "beacon", m.Service)
	require.Equal(t, 1, m.Counts["agents"])
}
