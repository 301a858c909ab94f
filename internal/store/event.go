package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hotelkey/keyservice/internal/model"
)

const eventCols = "id, key_id, event_type, details, device_info, location, outcome, attempt_id, created_at"

// EventStore reads the audit log and appends events that are not part of a
// lifecycle transaction, such as background delivery outcomes.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func scanEvent(scanner interface{ Scan(...any) error }) (*model.KeyEvent, error) {
	var (
		ev                     model.KeyEvent
		keyID, attemptID       sql.NullString
		eventType, outcome, at string
	)
	err := scanner.Scan(&ev.ID, &keyID, &eventType, &ev.Details, &ev.DeviceInfo, &ev.Location, &outcome, &attemptID, &at)
	if err != nil {
		return nil, err
	}
	ev.KeyID = keyID.String
	ev.AttemptID = attemptID.String
	ev.Type = model.EventType(eventType)
	ev.Outcome = model.Outcome(outcome)
	if ev.CreatedAt, err = parseTime(at, nil); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Append inserts a standalone event.
func (s *EventStore) Append(ctx context.Context, ev *model.KeyEvent) error {
	return insertEvent(ctx, s.db, ev)
}

func (s *EventStore) GetByID(ctx context.Context, id string) (*model.KeyEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, "SELECT "+eventCols+" FROM key_events WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	return ev, nil
}

// ListByKey returns a key's events newest first. limit <= 0 means no limit.
func (s *EventStore) ListByKey(ctx context.Context, keyID string, limit int) ([]model.KeyEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.list(ctx,
		"SELECT "+eventCols+" FROM key_events WHERE key_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?",
		keyID, limit,
	)
}

// ListByType returns every event of one type, oldest first.
func (s *EventStore) ListByType(ctx context.Context, keyID string, eventType model.EventType) ([]model.KeyEvent, error) {
	return s.list(ctx,
		"SELECT "+eventCols+" FROM key_events WHERE key_id = ? AND event_type = ? ORDER BY created_at, rowid",
		keyID, string(eventType),
	)
}

// ListUnattached returns access attempts recorded without a key, which is
// how attempts against unknown serials are kept.
func (s *EventStore) ListUnattached(ctx context.Context, limit int) ([]model.KeyEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.list(ctx,
		"SELECT "+eventCols+" FROM key_events WHERE key_id IS NULL ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit,
	)
}

func (s *EventStore) list(ctx context.Context, query string, args ...any) ([]model.KeyEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.KeyEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}
