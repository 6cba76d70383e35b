package registry

import (
	"context"
	"fmt"

	"github.com/squadron-dev/squadron/pkg/models"
)

// InsertActivity appends one entry to the activity log and fills in its
// generated id.
func (r *Registry) InsertActivity(ctx context.Context, ev *models.ActivityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now()
	}
	if ev.Payload == nil {
		ev.Payload = models.JSONMap{}
	}
	res, err := r.db.NamedExecContext(ctx, `
		INSERT INTO agent_activity (agent_id, run_id, kind, message, payload, created_at)
		VALUES (:agent_id, :run_id, :kind, :message, :payload, :created_at)`, ev)
	if err != nil {
		return fmt.Errorf("insert activity %q: %w", ev.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("activity id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListActivitySince returns up to limit entries with id greater than
// sinceID, oldest first. Used for SSE catch-up.
func (r *Registry) ListActivitySince(ctx context.Context, sinceID int64, limit int) ([]*models.ActivityEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var evs []*models.ActivityEvent
	err := r.db.SelectContext(ctx, &evs,
		`SELECT * FROM agent_activity WHERE id > ? ORDER BY id ASC LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity since %d: %w", sinceID, err)
	}
	return evs, nil
}

// LatestActivityID returns the id of the newest entry, or 0 when empty.
func (r *Registry) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `SELECT COALESCE(MAX(id), 0) FROM agent_activity`)
	if err != nil {
		return 0, fmt.Errorf("latest activity id: %w", err)
	}
	return id, nil
}
