package domain

import "time"

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and plain RFC3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type RelayAgent struct {
	AgentID           string         `json:"agent_id"`
	PublicKey         string         `json:"public_key,omitempty"`
	ModelID           string         `json:"model_id"`
	Provider          Provider       `json:"provider"`
	Capabilities      []string       `json:"capabilities"`
	CallbackURL       string         `json:"callback_url,omitempty"`
	TokenHash         string         `json:"-"`
	TokenExpiry       string         `json:"token_expiry" format:"date-time"`
	DisplayName       string         `json:"display_name"`
	Status            AgentStatus    `json:"status"`
	HeartbeatCount    int64          `json:"heartbeat_count"`
	RegisteredAt      string         `json:"registered_at" format:"date-time"`
	LastHeartbeatAt   string         `json:"last_heartbeat_at" format:"date-time"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	AutoProvisioned   bool           `json:"auto_provisioned"`
	SignatureVerified bool           `json:"signature_verified"`
}

type Contract struct {
	ID        string        `json:"id"`
	Type      ContractType  `json:"type"`
	FromAgent string        `json:"from_agent"`
	ToAgent   string        `json:"to_agent"`
	Amount    float64       `json:"amount"`
	Currency  string        `json:"currency"`
	State     ContractState `json:"state"`
	Term      Term          `json:"term"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}

type Bounty struct {
	ID               string      `json:"id"`
	Source           string      `json:"source"`
	ItemNumber       int         `json:"item_number"`
	Title            string      `json:"title"`
	RewardAmount     float64     `json:"reward_amount"`
	Difficulty       Difficulty  `json:"difficulty"`
	State            BountyState `json:"state"`
	ClaimantAgent    string      `json:"claimant_agent,omitempty"`
	CompletedByAgent string      `json:"completed_by_agent,omitempty"`
	ContractID       string      `json:"contract_id,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
	CompletedAt      string      `json:"completed_at,omitempty" format:"date-time"`
}

type ReputationRecord struct {
	AgentID            string  `json:"agent_id"`
	Score              float64 `json:"score"`
	ContractsCompleted int     `json:"contracts_completed"`
	ContractsBreached  int     `json:"contracts_breached"`
	ContractsActive    int     `json:"contracts_active"`
	BountiesCompleted  int     `json:"bounties_completed"`
	TotalRewardEarned  float64 `json:"total_reward_earned"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type DNSRecord struct {
	Name      string `json:"name"`
	AgentID   string `json:"agent_id"`
	Owner     string `json:"owner,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NativeAgent struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
