package repo

import (
	"context"
	"database/sql"
	"errors"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// KnownAgent reports whether id is a relay agent, a native agent, or the target of a DNS record.
func (r Repo) KnownAgent(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT 1 WHERE
EXISTS (SELECT 1 FROM relay_agents WHERE agent_id=?) OR
EXISTS (SELECT 1 FROM native_agents WHERE agent_id=?) OR
EXISTS (SELECT 1 FROM dns_records WHERE agent_id=?)`, id, id, id)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
