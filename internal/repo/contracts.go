package repo

import (
	"context"
	"database/sql"
	"strings"

	"beacon/internal/domain"
)

const contractColumns = `id,type,from_agent,to_agent,amount,currency,state,term,created_at,updated_at`

func scanContract(s rowScanner) (domain.Contract, error) {
	var c domain.Contract
	err := s.Scan(&c.ID, &c.Type, &c.FromAgent, &c.ToAgent, &c.Amount, &c.Currency, &c.State, &c.Term, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, string(c.Type), c.FromAgent, c.ToAgent, c.Amount, c.Currency, string(c.State), string(c.Term), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

// UpdateContractState sets state and updated_at. Amount and parties are never touched.
func (r Repo) UpdateContractState(ctx context.Context, tx *sql.Tx, id string, state domain.ContractState, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contracts SET state=?, updated_at=? WHERE id=?`, string(state), updatedAt, id)
	return affectedOrNotFound(res, err)
}

type ContractFilters struct {
	Agent string
	State domain.ContractState
	Type  domain.ContractType
	Limit int
}

func (r Repo) ListContracts(ctx context.Context, tx *sql.Tx, f ContractFilters) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.Agent != "" {
		clauses = append(clauses, "(from_agent=? OR to_agent=?)")
		args = append(args, f.Agent, f.Agent)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	query := `SELECT ` + contractColumns + ` FROM contracts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
