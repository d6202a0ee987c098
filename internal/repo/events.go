package repo

import (
	"context"

	"beacon/internal/domain"
)

type EventFilters struct {
	Type string
	// After returns events with id greater than this cursor, oldest first.
	After int64
	Limit int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{f.After}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Counts feeds the discovery manifest.
type Counts struct {
	Agents      int
	Contracts   int
	OpenBounty  int
	Names       int
	NativeAgent int
}

func (r Repo) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.DB.QueryRowContext(ctx, `SELECT
	(SELECT COUNT(*) FROM relay_agents),
	(SELECT COUNT(*) FROM contracts),
	(SELECT COUNT(*) FROM bounties WHERE state='open'),
	(SELECT COUNT(*) FROM dns_records),
	(SELECT COUNT(*) FROM native_agents)`).Scan(&c.Agents, &c.Contracts, &c.OpenBounty, &c.Names, &c.NativeAgent)
	return c, err
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
