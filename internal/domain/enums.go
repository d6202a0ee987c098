package domain

import (
	"fmt"
	"strings"
)

// Provider is the model provider a relay agent runs on.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
	ProviderMeta      Provider = "meta"
	ProviderMistral   Provider = "mistral"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderLocal     Provider = "local"
	ProviderOther     Provider = "other"
)

var Providers = []Provider{
	ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderXAI, ProviderMeta,
	ProviderMistral, ProviderDeepSeek, ProviderLocal, ProviderOther,
}

func (p Provider) Valid() bool {
	switch p {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderXAI, ProviderMeta,
		ProviderMistral, ProviderDeepSeek, ProviderLocal, ProviderOther:
		return true
	}
	return false
}

// AgentStatus is self-reported by the agent on heartbeat.
type AgentStatus string

const (
	AgentActive       AgentStatus = "active"
	AgentDegraded     AgentStatus = "degraded"
	AgentShuttingDown AgentStatus = "shutting_down"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentDegraded, AgentShuttingDown:
		return true
	}
	return false
}

// Liveness is derived from the time since the last heartbeat and never stored.
type Liveness string

const (
	LivenessActive       Liveness = "active"
	LivenessSilent       Liveness = "silent"
	LivenessPresumedDead Liveness = "presumed_dead"
)

// Rank orders liveness classes by staleness.
func (l Liveness) Rank() int {
	switch l {
	case LivenessActive:
		return 0
	case LivenessSilent:
		return 1
	case LivenessPresumedDead:
		return 2
	}
	return -1
}

type ContractType string

const (
	ContractRent       ContractType = "rent"
	ContractBuy        ContractType = "buy"
	ContractLeaseToOwn ContractType = "lease_to_own"
	ContractBountyType ContractType = "bounty"
)

func (t ContractType) Valid() bool {
	switch t {
	case ContractRent, ContractBuy, ContractLeaseToOwn, ContractBountyType:
		return true
	}
	return false
}

type ContractState string

const (
	StateOffered  ContractState = "offered"
	StateListed   ContractState = "listed"
	StateActive   ContractState = "active"
	StateRenewed  ContractState = "renewed"
	StateExpired  ContractState = "expired"
	StateBreached ContractState = "breached"
)

var ContractStates = []ContractState{StateOffered, StateListed, StateActive, StateRenewed, StateExpired, StateBreached}

func (s ContractState) Valid() bool {
	switch s {
	case StateOffered, StateListed, StateActive, StateRenewed, StateExpired, StateBreached:
		return true
	}
	return false
}

// Initial reports whether a contract may be created in this state.
func (s ContractState) Initial() bool {
	switch s {
	case StateOffered, StateListed:
		return true
	case StateActive, StateRenewed, StateExpired, StateBreached:
		return false
	}
	return false
}

// InForce reports whether the agreement is currently being honoured.
func (s ContractState) InForce() bool {
	switch s {
	case StateActive, StateRenewed:
		return true
	case StateOffered, StateListed, StateExpired, StateBreached:
		return false
	}
	return false
}

type Term string

const (
	Term7d        Term = "7d"
	Term30d       Term = "30d"
	Term90d       Term = "90d"
	Term365d      Term = "365d"
	TermPerpetual Term = "perpetual"
)

func (t Term) Valid() bool {
	switch t {
	case Term7d, Term30d, Term90d, Term365d, TermPerpetual:
		return true
	}
	return false
}

type BountyState string

const (
	BountyOpen      BountyState = "open"
	BountyClaimed   BountyState = "claimed"
	BountyCompleted BountyState = "completed"
)

func (s BountyState) Valid() bool {
	switch s {
	case BountyOpen, BountyClaimed, BountyCompleted:
		return true
	}
	return false
}

type Difficulty string

const (
	DifficultyEasy    Difficulty = "easy"
	DifficultyMedium  Difficulty = "medium"
	DifficultyHard    Difficulty = "hard"
	DifficultyExtreme Difficulty = "extreme"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyExtreme:
		return true
	}
	return false
}

// ParseDifficulty normalises external labels such as "HARD" or "Medium".
// Unknown labels map to medium.
func ParseDifficulty(s string) Difficulty {
	d := Difficulty(strings.ToLower(strings.TrimSpace(s)))
	if d.Valid() {
		return d
	}
	return DifficultyMedium
}

func oneOf[T ~string](vals []T) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

// ContractTypeList is used in validation messages.
func ContractTypeList() string {
	return oneOf([]ContractType{ContractRent, ContractBuy, ContractLeaseToOwn, ContractBountyType})
}

func ContractStateList() string { return oneOf(ContractStates) }

func TermList() string {
	return oneOf([]Term{Term7d, Term30d, Term90d, Term365d, TermPerpetual})
}

func ProviderList() string { return oneOf(Providers) }

func ParseContractState(s string) (ContractState, error) {
	st := ContractState(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid state %q: must be one of %s", s, ContractStateList())
	}
	return st, nil
}
