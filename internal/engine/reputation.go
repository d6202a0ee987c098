package engine

import (
	"context"
	"database/sql"
	"slices"
	"sort"

	"beacon/internal/domain"
	"beacon/internal/repo"
	"beacon/internal/reputation"
)

// snapshot reads both ledgers inside one read transaction.
func (e Engine) snapshot(ctx context.Context, tx *sql.Tx) (reputation.Snapshot, error) {
	contracts, err := e.Repo.ListContracts(ctx, tx, repo.ContractFilters{})
	if err != nil {
		return reputation.Snapshot{}, err
	}
	bounties, err := e.Repo.ListBounties(ctx, tx, "")
	if err != nil {
		return reputation.Snapshot{}, err
	}
	return reputation.Snapshot{Contracts: contracts, Bounties: bounties}, nil
}

// Recompute scores one agent from scratch and refreshes the cached record.
func (e Engine) Recompute(ctx context.Context, ref string) (domain.ReputationRecord, error) {
	agentID, _, err := e.Resolve(ctx, ref)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	defer tx.Rollback()
	ok, err := e.known(ctx, tx, agentID)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	snap, err := e.snapshot(ctx, tx)
	if err != nil {
		return domain.ReputationRecord{}, err
	}
	if !ok && !slices.Contains(reputation.Agents(snap), agentID) {
		return domain.ReputationRecord{}, notFound("agent", ref)
	}
	rec := reputation.Compute(agentID, snap, e.Config.Reputation)
	rec.UpdatedAt = domain.FormatTime(e.now())
	if err := e.Repo.UpsertReputation(ctx, tx, rec); err != nil {
		return domain.ReputationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReputationRecord{}, err
	}
	return rec, nil
}

// RecomputeAll scores every known agent and every agent named in the ledgers,
// highest score first.
func (e Engine) RecomputeAll(ctx context.Context) ([]domain.ReputationRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	snap, err := e.snapshot(ctx, tx)
	if err != nil {
		return nil, err
	}
	ids, err := e.allAgentIDs(ctx, tx, snap)
	if err != nil {
		return nil, err
	}
	now := domain.FormatTime(e.now())
	res := make([]domain.ReputationRecord, 0, len(ids))
	for _, id := range ids {
		rec := reputation.Compute(id, snap, e.Config.Reputation)
		rec.UpdatedAt = now
		if err := e.Repo.UpsertReputation(ctx, tx, rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		return res[i].AgentID < res[j].AgentID
	})
	return res, nil
}

func (e Engine) allAgentIDs(ctx context.Context, tx *sql.Tx, snap reputation.Snapshot) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, n := range e.Config.Ledger.NativeAgents {
		add(n.ID)
	}
	known, err := e.Repo.AgentIDs(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, id := range known {
		add(id)
	}
	for _, id := range reputation.Agents(snap) {
		add(id)
	}
	return ids, nil
}

// CachedReputation returns the last persisted record without recomputing.
func (e Engine) CachedReputation(ctx context.Context, agentID string) (domain.ReputationRecord, error) {
	rec, err := e.Repo.GetReputation(ctx, agentID)
	if isNotFound(err) {
		return rec, notFound("reputation", agentID)
	}
	return rec, err
}
