package repo

import (
	"context"
	"database/sql"

	"beacon/internal/domain"
)

const bountyColumns = `id,source,item_number,title,reward_amount,difficulty,state,COALESCE(claimant_agent,''),COALESCE(completed_by_agent,''),COALESCE(contract_id,''),created_at,updated_at,COALESCE(completed_at,'')`

func scanBounty(s rowScanner) (domain.Bounty, error) {
	var b domain.Bounty
	err := s.Scan(&b.ID, &b.Source, &b.ItemNumber, &b.Title, &b.RewardAmount, &b.Difficulty, &b.State,
		&b.ClaimantAgent, &b.CompletedByAgent, &b.ContractID, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) GetBounty(ctx context.Context, tx *sql.Tx, id string) (domain.Bounty, error) {
	return scanBounty(r.q(tx).QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id=?`, id))
}

func (r Repo) GetBountyBySource(ctx context.Context, tx *sql.Tx, source string, number int) (domain.Bounty, error) {
	return scanBounty(r.q(tx).QueryRowContext(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE source=? AND item_number=?`, source, number))
}

// UpsertBounty inserts an open bounty or refreshes title, reward and
// difficulty of an existing one. Rows that have left the open state are
// left untouched; the returned bool reports whether a row was written.
func (r Repo) UpsertBounty(ctx context.Context, tx *sql.Tx, b domain.Bounty) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO bounties(id,source,item_number,title,reward_amount,difficulty,state,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(source,item_number) DO UPDATE SET
	title=excluded.title,
	reward_amount=excluded.reward_amount,
	difficulty=excluded.difficulty,
	updated_at=excluded.updated_at
WHERE bounties.state='open'`,
		b.ID, b.Source, b.ItemNumber, b.Title, b.RewardAmount, string(b.Difficulty), string(domain.BountyOpen), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimBounty moves an open bounty to claimed. ErrConflict means it was no longer open.
func (r Repo) ClaimBounty(ctx context.Context, tx *sql.Tx, id, agentID, contractID, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bounties SET state=?, claimant_agent=?, contract_id=?, updated_at=? WHERE id=? AND state=?`,
		string(domain.BountyClaimed), agentID, contractID, now, id, string(domain.BountyOpen))
	return conflictIfUnchanged(res, err)
}

// CompleteBounty marks a bounty completed. ErrConflict means it was already completed.
func (r Repo) CompleteBounty(ctx context.Context, tx *sql.Tx, id, agentID, contractID, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bounties SET state=?, completed_by_agent=?, contract_id=?, completed_at=?, updated_at=? WHERE id=? AND state<>?`,
		string(domain.BountyCompleted), agentID, contractID, now, now, id, string(domain.BountyCompleted))
	return conflictIfUnchanged(res, err)
}

func (r Repo) ListBounties(ctx context.Context, tx *sql.Tx, state domain.BountyState) ([]domain.Bounty, error) {
	query := `SELECT ` + bountyColumns + ` FROM bounties`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, string(state))
	}
	query += ` ORDER BY source ASC, item_number ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bounty
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func conflictIfUnchanged(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}
