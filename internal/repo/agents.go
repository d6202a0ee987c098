package repo

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"

	"beacon/internal/domain"
)

// HashToken returns a stable SHA-256 hex digest of a relay token. Only the
// digest is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// TokenMatches compares a presented token against a stored digest in constant time.
func TokenMatches(token, storedHash string) bool {
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(storedHash)) == 1
}

const agentColumns = `agent_id,public_key,model_id,provider,capabilities_json,COALESCE(callback_url,''),token_hash,token_expiry,display_name,status,heartbeat_count,registered_at,last_heartbeat_at,metadata_json,auto_provisioned,signature_verified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(s rowScanner) (domain.RelayAgent, error) {
	var a domain.RelayAgent
	var caps, meta string
	var auto, verified int
	err := s.Scan(&a.AgentID, &a.PublicKey, &a.ModelID, &a.Provider, &caps, &a.CallbackURL, &a.TokenHash, &a.TokenExpiry,
		&a.DisplayName, &a.Status, &a.HeartbeatCount, &a.RegisteredAt, &a.LastHeartbeatAt, &meta, &auto, &verified)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	_ = json.Unmarshal([]byte(meta), &a.Metadata)
	a.AutoProvisioned = auto == 1
	a.SignatureVerified = verified == 1
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.RelayAgent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM relay_agents WHERE agent_id=?`, id))
}

// UpsertAgent inserts a relay agent or refreshes an existing row in place.
// heartbeat_count and registered_at survive re-registration.
func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.RelayAgent) error {
	caps, err := json.Marshal(nonNil(a.Capabilities))
	if err != nil {
		return err
	}
	meta, err := json.Marshal(nonNilMap(a.Metadata))
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO relay_agents(agent_id,public_key,model_id,provider,capabilities_json,callback_url,token_hash,token_expiry,display_name,status,heartbeat_count,registered_at,last_heartbeat_at,metadata_json,auto_provisioned,signature_verified)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET
	public_key=excluded.public_key,
	model_id=excluded.model_id,
	provider=excluded.provider,
	capabilities_json=excluded.capabilities_json,
	callback_url=excluded.callback_url,
	token_hash=excluded.token_hash,
	token_expiry=excluded.token_expiry,
	display_name=excluded.display_name,
	status=excluded.status,
	last_heartbeat_at=excluded.last_heartbeat_at,
	metadata_json=excluded.metadata_json,
	auto_provisioned=excluded.auto_provisioned,
	signature_verified=excluded.signature_verified`,
		a.AgentID, a.PublicKey, a.ModelID, string(a.Provider), string(caps), nullable(a.CallbackURL), a.TokenHash, a.TokenExpiry,
		a.DisplayName, string(a.Status), a.HeartbeatCount, a.RegisteredAt, a.LastHeartbeatAt, string(meta), boolToInt(a.AutoProvisioned), boolToInt(a.SignatureVerified))
	return err
}

// HeartbeatUpdate describes one accepted heartbeat.
type HeartbeatUpdate struct {
	AgentID     string
	TokenHash   string
	Status      domain.AgentStatus
	Now         string
	TokenExpiry string
	Metadata    map[string]any
}

// RecordHeartbeat applies a heartbeat as a single row update guarded by the
// token digest. It returns ErrNotFound when no row matches.
func (r Repo) RecordHeartbeat(ctx context.Context, tx *sql.Tx, u HeartbeatUpdate) error {
	meta, err := json.Marshal(nonNilMap(u.Metadata))
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE relay_agents SET
	heartbeat_count=heartbeat_count+1,
	last_heartbeat_at=?,
	token_expiry=?,
	status=?,
	metadata_json=?
WHERE agent_id=? AND token_hash=?`, u.Now, u.TokenExpiry, string(u.Status), string(meta), u.AgentID, u.TokenHash)
	return affectedOrNotFound(res, err)
}

// RecordPing refreshes liveness without a token check.
func (r Repo) RecordPing(ctx context.Context, tx *sql.Tx, agentID string, status domain.AgentStatus, now string, metadata map[string]any) error {
	meta, err := json.Marshal(nonNilMap(metadata))
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE relay_agents SET heartbeat_count=heartbeat_count+1, last_heartbeat_at=?, status=?, metadata_json=? WHERE agent_id=?`,
		now, string(status), string(meta), agentID)
	return affectedOrNotFound(res, err)
}

type AgentFilters struct {
	Provider   domain.Provider
	Capability string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.RelayAgent, error) {
	var clauses []string
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, string(f.Provider))
	}
	if f.Capability != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(relay_agents.capabilities_json) WHERE json_each.value=?)")
		args = append(args, f.Capability)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM relay_agents `+where+` ORDER BY last_heartbeat_at DESC, agent_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RelayAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpsertNativeAgent(ctx context.Context, tx *sql.Tx, n domain.NativeAgent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO native_agents(agent_id,name,created_at) VALUES (?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET name=excluded.name`, n.AgentID, n.Name, n.CreatedAt)
	return err
}

func (r Repo) ListNativeAgents(ctx context.Context) ([]domain.NativeAgent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,name,created_at FROM native_agents ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NativeAgent
	for rows.Next() {
		var n domain.NativeAgent
		if err := rows.Scan(&n.AgentID, &n.Name, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (r Repo) IsNativeAgent(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM native_agents WHERE agent_id=?`, id).Scan(&n)
	return n > 0, err
}

// AgentIDs lists relay and native agent ids, sorted.
func (r Repo) AgentIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT agent_id FROM relay_agents UNION SELECT agent_id FROM native_agents ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
