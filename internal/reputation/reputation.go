// Package reputation scores agents from raw ledger rows. Scores are always
// recomputed in full so they depend only on ledger state, never on the order
// in which updates arrived.
package reputation

import (
	"errors"
	"math"

	"beacon/internal/domain"
)

// Weights are tuning parameters, not derived values.
type Weights struct {
	ActiveInitiator  float64 `yaml:"active_initiator" json:"active_initiator"`
	ActiveReceiver   float64 `yaml:"active_receiver" json:"active_receiver"`
	BreachPenalty    float64 `yaml:"breach_penalty" json:"breach_penalty"`
	BountyBase       float64 `yaml:"bounty_base" json:"bounty_base"`
	BountyRewardRate float64 `yaml:"bounty_reward_rate" json:"bounty_reward_rate"`
	ExpiredBonus     float64 `yaml:"expired_bonus" json:"expired_bonus"`
}

func (w Weights) Validate() error {
	for _, v := range []float64{w.ActiveInitiator, w.ActiveReceiver, w.BreachPenalty, w.BountyBase, w.BountyRewardRate, w.ExpiredBonus} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("weights must be finite and non-negative")
		}
	}
	return nil
}

// Snapshot is an immutable read of both ledgers.
type Snapshot struct {
	Contracts []domain.Contract
	Bounties  []domain.Bounty
}

// Compute scores agentID against snap. UpdatedAt is left for the caller.
func Compute(agentID string, snap Snapshot, w Weights) domain.ReputationRecord {
	rec := domain.ReputationRecord{AgentID: agentID}
	var score float64
	for _, c := range snap.Contracts {
		initiator := c.FromAgent == agentID
		if !initiator && c.ToAgent != agentID {
			continue
		}
		switch c.State {
		case domain.StateActive, domain.StateRenewed:
			rec.ContractsActive++
			if initiator {
				score += w.ActiveInitiator
			} else {
				score += w.ActiveReceiver
			}
		case domain.StateBreached:
			rec.ContractsBreached++
			score -= w.BreachPenalty
		case domain.StateExpired:
			if c.Term != domain.TermPerpetual {
				rec.ContractsCompleted++
				score += w.ExpiredBonus
			}
		case domain.StateOffered, domain.StateListed:
		}
	}
	for _, b := range snap.Bounties {
		if b.State != domain.BountyCompleted || b.CompletedByAgent != agentID {
			continue
		}
		rec.BountiesCompleted++
		rec.TotalRewardEarned += b.RewardAmount
		score += w.BountyBase + w.BountyRewardRate*b.RewardAmount
	}
	if score < 0 {
		score = 0
	}
	rec.Score = round2(score)
	rec.TotalRewardEarned = round2(rec.TotalRewardEarned)
	return rec
}

// Agents lists every agent id that appears in snap, in first-seen order.
func Agents(snap Snapshot) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, c := range snap.Contracts {
		add(c.FromAgent)
		add(c.ToAgent)
	}
	for _, b := range snap.Bounties {
		add(b.ClaimantAgent)
		add(b.CompletedByAgent)
	}
	return ids
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
