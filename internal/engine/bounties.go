package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"beacon/internal/domain"
	"beacon/internal/events"
	"beacon/internal/repo"
)

type BountyItem struct {
	Number     int     `json:"number" yaml:"number"`
	Title      string  `json:"title" yaml:"title"`
	Reward     float64 `json:"reward" yaml:"reward"`
	Difficulty string  `json:"difficulty,omitempty" yaml:"difficulty"`
}

type SyncResult struct {
	Created  int             `json:"created"`
	Updated  int             `json:"updated"`
	Skipped  int             `json:"skipped"`
	Bounties []domain.Bounty `json:"bounties"`
}

// BountyID is stable for a (source, number) pair so repeated syncs agree on ids.
func BountyID(source string, number int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", source, number))).String()
}

// SyncBounties upserts external work items keyed by (source, number). Items
// that are already claimed or completed are reported as skipped and left alone.
func (e Engine) SyncBounties(ctx context.Context, source string, items []BountyItem, actorID string) (SyncResult, error) {
	source = strings.TrimSpace(source)
	var p problems
	if source == "" {
		p.add("source is required")
	}
	seen := map[int]bool{}
	for i, it := range items {
		switch {
		case it.Number <= 0:
			p.add("items[%d].number must be positive", i)
		case seen[it.Number]:
			p.add("items[%d].number %d is duplicated", i, it.Number)
		}
		seen[it.Number] = true
		if strings.TrimSpace(it.Title) == "" {
			p.add("items[%d].title is required", i)
		}
		if math.IsNaN(it.Reward) || math.IsInf(it.Reward, 0) || it.Reward < 0 {
			p.add("items[%d].reward must not be negative", i)
		}
	}
	if err := p.err(); err != nil {
		return SyncResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, err
	}
	defer tx.Rollback()
	now := domain.FormatTime(e.now())
	res := SyncResult{Bounties: []domain.Bounty{}}
	for _, it := range items {
		b := domain.Bounty{
			ID:           BountyID(source, it.Number),
			Source:       source,
			ItemNumber:   it.Number,
			Title:        strings.TrimSpace(it.Title),
			RewardAmount: it.Reward,
			Difficulty:   domain.ParseDifficulty(it.Difficulty),
			State:        domain.BountyOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err := e.Repo.GetBountyBySource(ctx, tx, source, it.Number)
		existed := err == nil
		if err != nil && !isNotFound(err) {
			return SyncResult{}, err
		}
		written, err := e.Repo.UpsertBounty(ctx, tx, b)
		if err != nil {
			return SyncResult{}, fmt.Errorf("upsert bounty %s#%d: %w", source, it.Number, err)
		}
		switch {
		case !written:
			res.Skipped++
		case existed:
			res.Updated++
		default:
			res.Created++
		}
		stored, err := e.Repo.GetBountyBySource(ctx, tx, source, it.Number)
		if err != nil {
			return SyncResult{}, err
		}
		res.Bounties = append(res.Bounties, stored)
	}
	if err := e.events().Append(ctx, tx, events.BountySynced, "bounty", source, actorOr(actorID, "sync"), events.EventPayload{
		"created": res.Created,
		"updated": res.Updated,
		"skipped": res.Skipped,
	}); err != nil {
		return SyncResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SyncResult{}, err
	}
	return res, nil
}

func (e Engine) claimant(ctx context.Context, tx *sql.Tx, ref string) (string, error) {
	var p problems
	id, err := e.resolveParty(ctx, tx, "agent_id", ref, &p)
	if err != nil {
		return "", err
	}
	if id != "" && id == e.Config.Ledger.BountyIssuer {
		p.add("the bounty issuer cannot take its own bounties")
	}
	return id, p.err()
}

// companion builds the ordinary contract mirroring a bounty. It returns
// false when no issuer is configured or the reward is zero, since a contract
// needs two parties and a positive amount.
func (e Engine) companion(b domain.Bounty, agentID string, state domain.ContractState) (domain.Contract, bool) {
	if e.Config.Ledger.BountyIssuer == "" || b.RewardAmount <= 0 {
		return domain.Contract{}, false
	}
	now := domain.FormatTime(e.now())
	return domain.Contract{
		ID:        uuid.NewString(),
		Type:      domain.ContractBountyType,
		FromAgent: e.Config.Ledger.BountyIssuer,
		ToAgent:   agentID,
		Amount:    b.RewardAmount,
		Currency:  e.Config.Ledger.Currency,
		State:     state,
		Term:      domain.TermPerpetual,
		CreatedAt: now,
		UpdatedAt: now,
	}, true
}

// ClaimBounty moves an open bounty to claimed and opens an active companion contract.
func (e Engine) ClaimBounty(ctx context.Context, id, agentRef string) (domain.Bounty, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	defer tx.Rollback()
	agentID, err := e.claimant(ctx, tx, agentRef)
	if err != nil {
		return domain.Bounty{}, err
	}
	b, err := e.Repo.GetBounty(ctx, tx, id)
	if isNotFound(err) {
		return domain.Bounty{}, notFound("bounty", id)
	}
	if err != nil {
		return domain.Bounty{}, err
	}
	if b.State != domain.BountyOpen {
		return domain.Bounty{}, ConflictError{Message: fmt.Sprintf("bounty %s is already %s", id, b.State)}
	}
	if c, ok := e.companion(b, agentID, domain.StateActive); ok {
		if err := e.insertContract(ctx, tx, c, agentID); err != nil {
			return domain.Bounty{}, err
		}
		b.ContractID = c.ID
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.ClaimBounty(ctx, tx, id, agentID, b.ContractID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Bounty{}, ConflictError{Message: fmt.Sprintf("bounty %s is no longer open", id)}
		}
		return domain.Bounty{}, err
	}
	if err := e.events().Append(ctx, tx, events.BountyClaimed, "bounty", id, agentID, events.EventPayload{
		"contract_id": b.ContractID,
		"reward":      b.RewardAmount,
	}); err != nil {
		return domain.Bounty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bounty{}, err
	}
	b.State = domain.BountyClaimed
	b.ClaimantAgent = agentID
	b.UpdatedAt = now
	return b, nil
}

// CompleteBounty records completion and expires the companion contract. A
// bounty completed straight from open gets a companion created already expired.
func (e Engine) CompleteBounty(ctx context.Context, id, agentRef string) (domain.Bounty, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bounty{}, err
	}
	defer tx.Rollback()
	agentID, err := e.claimant(ctx, tx, agentRef)
	if err != nil {
		return domain.Bounty{}, err
	}
	b, err := e.Repo.GetBounty(ctx, tx, id)
	if isNotFound(err) {
		return domain.Bounty{}, notFound("bounty", id)
	}
	if err != nil {
		return domain.Bounty{}, err
	}
	if b.State == domain.BountyCompleted {
		return domain.Bounty{}, ConflictError{Message: fmt.Sprintf("bounty %s is already completed", id)}
	}
	if b.ContractID != "" {
		if _, err := e.transition(ctx, tx, b.ContractID, domain.StateExpired, agentID); err != nil {
			return domain.Bounty{}, err
		}
	} else if c, ok := e.companion(b, agentID, domain.StateExpired); ok {
		if err := e.insertContract(ctx, tx, c, agentID); err != nil {
			return domain.Bounty{}, err
		}
		b.ContractID = c.ID
	}
	now := domain.FormatTime(e.now())
	if err := e.Repo.CompleteBounty(ctx, tx, id, agentID, b.ContractID, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Bounty{}, ConflictError{Message: fmt.Sprintf("bounty %s is already completed", id)}
		}
		return domain.Bounty{}, err
	}
	if err := e.events().Append(ctx, tx, events.BountyCompleted, "bounty", id, agentID, events.EventPayload{
		"contract_id": b.ContractID,
		"reward":      b.RewardAmount,
		"claimant":    b.ClaimantAgent,
	}); err != nil {
		return domain.Bounty{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bounty{}, err
	}
	b.State = domain.BountyCompleted
	b.CompletedByAgent = agentID
	b.CompletedAt = now
	b.UpdatedAt = now
	return b, nil
}

func (e Engine) GetBounty(ctx context.Context, id string) (domain.Bounty, error) {
	b, err := e.Repo.GetBounty(ctx, nil, id)
	if isNotFound(err) {
		return b, notFound("bounty", id)
	}
	return b, err
}

func (e Engine) ListBounties(ctx context.Context, state string) ([]domain.Bounty, error) {
	st := domain.BountyState(strings.ToLower(strings.TrimSpace(state)))
	if st != "" && !st.Valid() {
		return nil, invalid("state %q must be one of open, claimed, completed", state)
	}
	res, err := e.Repo.ListBounties(ctx, nil, st)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Bounty{}
	}
	return res, nil
}
