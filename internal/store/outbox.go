package store

import (
	"context"
	"time"

	"giftcard-service/internal/models"
)

// ClaimOutbox marks an event claimed. Only the caller that gets true may
// publish it.
func (s *Store) ClaimOutbox(ctx context.Context, eventID string, now time.Time) (bool, error) {
	const op = "store.ClaimOutbox"
	if !validID(eventID) {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET claimed_at = $1 WHERE id = $2 AND claimed_at IS NULL",
		now, eventID)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	return n == 1, nil
}

// ReleaseOutbox returns a claimed event to the queue after a publish that
// is known to have failed.
func (s *Store) ReleaseOutbox(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET claimed_at = NULL WHERE id = $1", eventID)
	return classify("store.ReleaseOutbox", err)
}

// PendingOutbox lists unclaimed events created at or before olderThan.
func (s *Store) PendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboxEvent, error) {
	const op = "store.PendingOutbox"
	var events []models.OutboxEvent
	err := s.db.SelectContext(ctx, &events, `
		SELECT * FROM outbox_events
		WHERE claimed_at IS NULL AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	return events, nil
}

func (s *Store) GetOutboxByIntent(ctx context.Context, intentID string) (*models.OutboxEvent, error) {
	if !validID(intentID) {
		return nil, nil
	}
	var events []models.OutboxEvent
	if err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM outbox_events WHERE intent_id = $1", intentID); err != nil {
		return nil, classify("store.GetOutboxByIntent", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// IsEventProcessed reports whether a consumer already handled eventID.
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, classify("store.IsEventProcessed", err)
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return classify("store.MarkEventProcessed", err)
}
