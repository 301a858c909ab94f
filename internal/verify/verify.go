// Package verify decides whether a key may open a lock right now. Every
// attempt is audited, including attempts with serials that do not exist.
package verify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
)

const (
	ReasonNotFound      = "Key not found"
	ReasonInactive      = "Key is inactive"
	ReasonOutsideWindow = "Key outside validity period"
	ReasonReservation   = "Reservation not valid"
	ReasonLockMismatch  = "Invalid lock for this key"
	ReasonGranted       = "Access granted"
)

// Request is one tap of a key on a lock.
type Request struct {
	Serial     string
	LockID     string
	DeviceInfo string
	Location   string
}

// Result is the lock's answer. Room and guest are set only on grant.
type Result struct {
	Granted    bool   `json:"is_valid"`
	Reason     string `json:"message"`
	RoomNumber string `json:"room_number,omitempty"`
	GuestName  string `json:"guest_name,omitempty"`
}

// EventPublisher receives audit events after they are stored.
type EventPublisher interface {
	PublishEvents(events ...model.KeyEvent)
}

type Verifier struct {
	db        *sql.DB
	keys      *store.KeyStore
	events    *store.EventStore
	metrics   *metrics.Metrics
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Verifier)

func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(v *Verifier) { v.metrics = m } }

func WithEventPublisher(p EventPublisher) Option { return func(v *Verifier) { v.publisher = p } }

func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		db:     db,
		keys:   store.NewKeyStore(db),
		events: store.NewEventStore(db),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify records the attempt, then checks in order: the key exists, is
// active, is inside its window, its reservation allows access, and the lock
// matches. The decision, usage counter and last-used stamp commit together.
func (v *Verifier) Verify(ctx context.Context, req Request) (*Result, error) {
	now := v.now()

	known, err := v.keys.GetBySerial(ctx, req.Serial)
	if err != nil {
		return nil, fmt.Errorf("look up serial: %w", err)
	}
	attempt := &model.KeyEvent{
		Type:       model.EventAccessAttempt,
		Details:    fmt.Sprintf("serial=%s lock=%s", req.Serial, req.LockID),
		DeviceInfo: req.DeviceInfo,
		Location:   req.Location,
		Outcome:    model.OutcomePending,
		CreatedAt:  now,
	}
	if known != nil {
		attempt.KeyID = known.ID
	}
	if err := v.events.Append(ctx, attempt); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	var result *Result
	committed, err := store.InTx(ctx, v.db, func(tx *store.Tx) error {
		r, decision, err := v.decide(ctx, tx, req, now)
		if err != nil {
			return err
		}
		result = r
		decision.AttemptID = attempt.ID
		decision.DeviceInfo = req.DeviceInfo
		decision.Location = req.Location
		decision.CreatedAt = now
		return tx.AppendEvent(ctx, decision)
	})
	if err != nil {
		return nil, err
	}

	v.metrics.Verify(result.Granted, result.Reason)
	v.logger.Info("access decision", "serial", req.Serial, "lock", req.LockID, "granted", result.Granted, "reason", result.Reason)
	if v.publisher != nil {
		v.publisher.PublishEvents(append([]model.KeyEvent{*attempt}, committed...)...)
	}
	return result, nil
}

func (v *Verifier) decide(ctx context.Context, tx *store.Tx, req Request, now time.Time) (*Result, *model.KeyEvent, error) {
	deny := func(keyID, reason string) (*Result, *model.KeyEvent, error) {
		return &Result{Reason: reason}, &model.KeyEvent{
			KeyID:   keyID,
			Type:    model.EventAccessDenied,
			Details: fmt.Sprintf("%s (serial=%s lock=%s)", reason, req.Serial, req.LockID),
			Outcome: model.OutcomeError,
		}, nil
	}

	k, err := tx.KeyBySerial(ctx, req.Serial)
	if err != nil {
		return nil, nil, err
	}
	if k == nil {
		return deny("", ReasonNotFound)
	}
	if !k.IsActive || k.Status.Terminal() {
		return deny(k.ID, ReasonInactive)
	}
	if !k.WithinWindow(now) {
		return deny(k.ID, ReasonOutsideWindow)
	}
	res, err := tx.Reservation(ctx, k.ReservationID)
	if err != nil {
		return nil, nil, err
	}
	if res == nil || !res.Status.AllowsAccess() {
		return deny(k.ID, ReasonReservation)
	}
	room, err := tx.Room(ctx, res.RoomID)
	if err != nil {
		return nil, nil, err
	}
	if room == nil || room.LockID != req.LockID {
		return deny(k.ID, ReasonLockMismatch)
	}
	guest, err := tx.Guest(ctx, res.GuestID)
	if err != nil {
		return nil, nil, err
	}

	k.AccessCount++
	k.LastUsed = &now
	if err := tx.UpdateKey(ctx, k); err != nil {
		return nil, nil, err
	}

	result := &Result{Granted: true, Reason: ReasonGranted, RoomNumber: room.RoomNumber}
	if guest != nil {
		result.GuestName = guest.FullName()
	}
	return result, &model.KeyEvent{
		KeyID:   k.ID,
		Type:    model.EventAccessGranted,
		Details: fmt.Sprintf("room %s lock %s", room.RoomNumber, req.LockID),
		Outcome: model.OutcomeSuccess,
	}, nil
}
