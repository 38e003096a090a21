package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Actions recorded for signature and contract entities.
const (
	ActionCreated   = "CREATED"
	ActionSent      = "SENT"
	ActionSigned    = "SIGNED"
	ActionRejected  = "REJECTED"
	ActionExpired   = "EXPIRED"
	ActionCompleted = "COMPLETED"
	ActionCancelled = "CANCELLED"
)

// Entity types referenced by audit events.
const (
	EntitySignature = "SIGNATURE"
	EntityContract  = "CONTRACT"
)

// Event is an immutable record of who did what to which entity. ActorID is
// nil for system-initiated transitions such as lazy expiration.
type Event struct {
	Action     string
	EntityType string
	EntityID   string
	ActorID    *string
	Details    map[string]any
	CreatedAt  time.Time
}

// Writer appends audit events inside the caller's transaction so the event
// commits or rolls back together with the transition it describes.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Record(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.Action == "" || ev.EntityType == "" || ev.EntityID == "" {
		return fmt.Errorf("audit: action, entity type and entity id are required")
	}

	details := ev.Details
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}

	var actor any
	if ev.ActorID != nil && *ev.ActorID != "" {
		actor = *ev.ActorID
	}

	const insertSQL = `
INSERT INTO audit_events (action, entity_type, entity_id, actor_id, details)
VALUES ($1, $2, $3, $4::uuid, $5::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, ev.Action, ev.EntityType, ev.EntityID, actor, body); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListByEntity returns the recorded events for one entity, oldest first.
func ListByEntity(ctx context.Context, pool *pgxpool.Pool, entityType, entityID string) ([]Event, error) {
	const query = `
SELECT action, entity_type, entity_id, actor_id, details, created_at
FROM audit_events
WHERE entity_type = $1 AND entity_id = $2
ORDER BY id ASC
`
	rows, err := pool.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			ev    Event
			actor *string
			body  []byte
		)
		if err := rows.Scan(&ev.Action, &ev.EntityType, &ev.EntityID, &actor, &body, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.ActorID = actor
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Details); err != nil {
				return nil, fmt.Errorf("audit: unmarshal details: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return events, nil
}
