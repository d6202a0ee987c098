package repo

import (
	"context"
	"database/sql"

	"beacon/internal/domain"
)

// UpsertReputation caches the last computed record for an agent.
func (r Repo) UpsertReputation(ctx context.Context, tx *sql.Tx, rec domain.ReputationRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reputation(agent_id,score,contracts_completed,contracts_breached,contracts_active,bounties_completed,total_reward_earned,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET
	score=excluded.score,
	contracts_completed=excluded.contracts_completed,
	contracts_breached=excluded.contracts_breached,
	contracts_active=excluded.contracts_active,
	bounties_completed=excluded.bounties_completed,
	total_reward_earned=excluded.total_reward_earned,
	updated_at=excluded.updated_at`,
		rec.AgentID, rec.Score, rec.ContractsCompleted, rec.ContractsBreached, rec.ContractsActive, rec.BountiesCompleted, rec.TotalRewardEarned, rec.UpdatedAt)
	return err
}

func (r Repo) GetReputation(ctx context.Context, agentID string) (domain.ReputationRecord, error) {
	var rec domain.ReputationRecord
	err := r.DB.QueryRowContext(ctx, `SELECT agent_id,score,contracts_completed,contracts_breached,contracts_active,bounties_completed,total_reward_earned,updated_at FROM reputation WHERE agent_id=?`, agentID).
		Scan(&rec.AgentID, &rec.Score, &rec.ContractsCompleted, &rec.ContractsBreached, &rec.ContractsActive, &rec.BountiesCompleted, &rec.TotalRewardEarned, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}
