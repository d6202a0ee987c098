package engine

import (
	"context"
	"fmt"

	"beacon/internal/domain"
)

// SeedNativeAgents records the configured native personas and binds their
// names. Safe to run on every boot.
func (e Engine) SeedNativeAgents(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := domain.FormatTime(e.now())
	for _, n := range e.Config.Ledger.NativeAgents {
		if err := e.Repo.UpsertNativeAgent(ctx, tx, domain.NativeAgent{AgentID: n.ID, Name: n.Name, CreatedAt: now}); err != nil {
			return fmt.Errorf("seed native agent %s: %w", n.ID, err)
		}
		if n.Name != "" {
			e.bindDisplayName(ctx, tx, n.Name, n.ID, "native")
		}
	}
	return tx.Commit()
}

func (e Engine) NativeAgents(ctx context.Context) ([]domain.NativeAgent, error) {
	res, err := e.Repo.ListNativeAgents(ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.NativeAgent{}
	}
	return res, nil
}
