package reputation

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"beacon/internal/domain"
)

var weights = Weights{
	ActiveInitiator:  10,
	ActiveReceiver:   5,
	BreachPenalty:    20,
	BountyBase:       15,
	BountyRewardRate: 0.1,
	ExpiredBonus:     2,
}

func contract(from, to string, state domain.ContractState, term domain.Term) domain.Contract {
	return domain.Contract{FromAgent: from, ToAgent: to, State: state, Term: term, Amount: 1, Type: domain.ContractRent}
}

func TestInitiatorEarnsMoreThanReceiver(t *testing.T) {
	snap := Snapshot{Contracts: []domain.Contract{contract("a", "b", domain.StateActive, domain.Term30d)}}
	a := Compute("a", snap, weights)
	b := Compute("b", snap, weights)
	require.Equal(t, 10.0, a.Score)
	require.Equal(t, 5.0, b.Score)
	require.Equal(t, 1, a.ContractsActive)
}

func TestRenewedCountsAsInForce(t *testing.T) {
	snap := Snapshot{Contracts: []domain.Contract{contract("a", "b", domain.StateRenewed, domain.Term30d)}}
	require.Equal(t, 10.0, Compute("a", snap, weights).Score)
}

func TestBreachPenaltyFloorsAtZero(t *testing.T) {
	snap := Snapshot{Contracts: []domain.Contract{
		contract("a", "b", domain.StateActive, domain.Term30d),
		contract("a", "c", domain.StateBreached, domain.Term30d),
	}}
	rec := Compute("a", snap, weights)
	require.Equal(t, 0.0, rec.Score)
	require.Equal(t, 1, rec.ContractsBreached)
}

func TestExpiredBonusSkipsPerpetual(t *testing.T) {
	snap := Snapshot{Contracts: []domain.Contract{
		contract("a", "b", domain.StateExpired, domain.Term7d),
		contract("a", "c", domain.StateExpired, domain.TermPerpetual),
	}}
	rec := Compute("a", snap, weights)
	require.Equal(t, 2.0, rec.Score)
	require.Equal(t, 1, rec.ContractsCompleted)
}

func TestOfferedAndListedScoreNothing(t *testing.T) {
	snap := Snapshot{Contracts: []domain.Contract{
		contract("a", "b", domain.StateOffered, domain.Term7d),
		contract("a", "b", domain.StateListed, domain.Term7d),
	}}
	require.Equal(t, 0.0, Compute("a", snap, weights).Score)
}

func TestCompletedBounty(t *testing.T) {
	snap := Snapshot{Bounties: []domain.Bounty{
		{State: domain.BountyCompleted, CompletedByAgent: "a", RewardAmount: 50},
		{State: domain.BountyClaimed, ClaimantAgent: "a", RewardAmount: 500},
	}}
	rec := Compute("a", snap, weights)
	require.Equal(t, 20.0, rec.Score)
	require.Equal(t, 1, rec.BountiesCompleted)
	require.Equal(t, 50.0, rec.TotalRewardEarned)
}

func TestIdenticalHistoriesScoreEqual(t *testing.T) {
	snap := Snapshot{
		Contracts: []domain.Contract{
			contract("a", "x", domain.StateActive, domain.Term30d),
			contract("b", "x", domain.StateActive, domain.Term30d),
			contract("y", "a", domain.StateExpired, domain.Term90d),
			contract("y", "b", domain.StateExpired, domain.Term90d),
		},
		Bounties: []domain.Bounty{
			{State: domain.BountyCompleted, CompletedByAgent: "a", RewardAmount: 12.5},
			{State: domain.BountyCompleted, CompletedByAgent: "b", RewardAmount: 12.5},
		},
	}
	a := Compute("a", snap, weights)
	b := Compute("b", snap, weights)
	a.AgentID, b.AgentID = "", ""
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("scores differ (-a +b):\n%s", diff)
	}
	require.Equal(t, Compute("a", snap, weights), Compute("a", snap, weights))
}

func TestAgents(t *testing.T) {
	snap := Snapshot{
		Contracts: []domain.Contract{contract("a", "b", domain.StateActive, domain.Term7d)},
		Bounties:  []domain.Bounty{{ClaimantAgent: "c", CompletedByAgent: "c"}},
	}
	require.Equal(t, []string{"a", "b", "c"}, Agents(snap))
}

func TestValidateRejectsNegative(t *testing.T) {
	w := weights
	w.BreachPenalty = -1
	require.Error(t, w.Validate())
}
