package repo

import (
	"context"
	"database/sql"

	"beacon/internal/domain"
)

// InsertName binds a name. An existing name is never overwritten; ErrConflict is returned instead.
func (r Repo) InsertName(ctx context.Context, tx *sql.Tx, rec domain.DNSRecord) error {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO dns_records(name,agent_id,owner,created_at) VALUES (?,?,?,?) ON CONFLICT(name) DO NOTHING`,
		rec.Name, rec.AgentID, rec.Owner, rec.CreatedAt)
	return conflictIfUnchanged(res, err)
}

func (r Repo) GetName(ctx context.Context, tx *sql.Tx, name string) (domain.DNSRecord, error) {
	var rec domain.DNSRecord
	err := r.q(tx).QueryRowContext(ctx, `SELECT name,agent_id,owner,created_at FROM dns_records WHERE name=?`, name).
		Scan(&rec.Name, &rec.AgentID, &rec.Owner, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// NamesForAgent lists names pointing at agentID; empty agentID lists every record.
func (r Repo) NamesForAgent(ctx context.Context, agentID string) ([]domain.DNSRecord, error) {
	query := `SELECT name,agent_id,owner,created_at FROM dns_records`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DNSRecord
	for rows.Next() {
		var rec domain.DNSRecord
		if err := rows.Scan(&rec.Name, &rec.AgentID, &rec.Owner, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
