package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hotelkey/keyservice/internal/model"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx groups a lifecycle mutation with the events and reservation updates
// that must commit alongside it.
type Tx struct {
	tx     *sql.Tx
	events []model.KeyEvent
}

// InTx runs fn inside a transaction. On commit it returns the events fn
// appended so callers can publish them.
func InTx(ctx context.Context, db *sql.DB, fn func(*Tx) error) ([]model.KeyEvent, error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return tx.events, nil
}

func (t *Tx) Key(ctx context.Context, id string) (*model.Key, error) {
	return getKey(ctx, t.tx, "k.id = ?", id)
}

func (t *Tx) KeyBySerial(ctx context.Context, serial string) (*model.Key, error) {
	return getKey(ctx, t.tx, "k.serial = ?", serial)
}

func (t *Tx) InsertKey(ctx context.Context, k *model.Key) error {
	return insertKey(ctx, t.tx, k)
}

func (t *Tx) UpdateKey(ctx context.Context, k *model.Key) error {
	return updateKey(ctx, t.tx, k)
}

func (t *Tx) Reservation(ctx context.Context, id string) (*model.Reservation, error) {
	return getReservation(ctx, t.tx, id)
}

func (t *Tx) Room(ctx context.Context, id string) (*model.Room, error) {
	return getRoom(ctx, t.tx, id)
}

func (t *Tx) Guest(ctx context.Context, id string) (*model.Guest, error) {
	return getGuest(ctx, t.tx, id)
}

// SetReservationCheckOut moves the owning reservation's checkout.
func (t *Tx) SetReservationCheckOut(ctx context.Context, id string, checkOut, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE reservations SET check_out = ?, updated_at = ? WHERE id = ?",
		formatTime(checkOut), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("update reservation check_out: %w", err)
	}
	return nil
}

// AppendEvent inserts ev, filling ID when empty. CreatedAt must be set by the
// caller so events share the mutation's clock.
func (t *Tx) AppendEvent(ctx context.Context, ev *model.KeyEvent) error {
	if err := insertEvent(ctx, t.tx, ev); err != nil {
		return err
	}
	t.events = append(t.events, *ev)
	return nil
}

func insertEvent(ctx context.Context, q querier, ev *model.KeyEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = model.OutcomeSuccess
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO key_events (id, key_id, event_type, details, device_info, location, outcome, attempt_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullString(ev.KeyID), string(ev.Type), ev.Details, ev.DeviceInfo, ev.Location,
		string(ev.Outcome), nullString(ev.AttemptID), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert key event: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
