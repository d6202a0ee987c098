package engine

import (
	"context"

	"beacon/internal/domain"
	"beacon/internal/repo"
)

// ListEvents pages through the audit log oldest first, starting after cursor.
func (e Engine) ListEvents(ctx context.Context, eventType string, cursor int64, limit int) ([]domain.Event, error) {
	res, err := e.Repo.ListEvents(ctx, repo.EventFilters{Type: eventType, After: cursor, Limit: limit})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Event{}
	}
	return res, nil
}
