// Package keys is the key lifecycle engine. Every transition commits its audit
// event in the same transaction as the state change, then schedules the
// artifact rebuild and device fan-out in the background.
package keys

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/auth"
	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
)

// Updater rebuilds a key's pass and notifies its devices.
type Updater interface {
	// Enqueue schedules an update and returns immediately.
	Enqueue(keyID string)
	// UpdateNow runs the update inline. Delivery failures are audited and
	// returned, but never undo the transition that caused them.
	UpdateNow(ctx context.Context, keyID string) error
}

// Publisher receives committed events, e.g. for the live staff feed.
type Publisher interface {
	PublishEvents(events ...model.KeyEvent)
}

type Engine struct {
	db        *sql.DB
	keys      *store.KeyStore
	updater   Updater
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithUpdater(u Updater) Option { return func(e *Engine) { e.updater = u } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		keys:   store.NewKeyStore(db),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetUpdater wires the updater after construction; the updater itself needs
// the engine's stores, so the two are built in sequence.
func (e *Engine) SetUpdater(u Updater) { e.updater = u }

// IssueRequest asks for a new key on a reservation.
type IssueRequest struct {
	ReservationID string
	Ecosystem     model.Ecosystem
}

// Issue creates a key for a confirmed or checked-in reservation. The window is
// the stay, the status CREATED and the bearer token equals the serial.
func (e *Engine) Issue(ctx context.Context, req IssueRequest) (*model.Key, error) {
	if req.Ecosystem == "" {
		req.Ecosystem = model.EcosystemApple
	}
	if _, ok := model.ParseEcosystem(string(req.Ecosystem)); !ok {
		return nil, apperr.InvalidState("unsupported pass type %q", req.Ecosystem)
	}

	now := e.now()
	var key *model.Key
	events, err := store.InTx(ctx, e.db, func(tx *store.Tx) error {
		res, err := loadBookable(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		key = newKey(res, req.Ecosystem, now)
		if err := tx.InsertKey(ctx, key); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, e.event(ctx, key.ID, model.EventCreated, now,
			fmt.Sprintf("key issued for reservation %s (%s)", res.ConfirmationCode, req.Ecosystem)))
	})
	if err != nil {
		return nil, fmt.Errorf("issue key: %w", err)
	}
	e.committed(events)
	e.enqueue(key.ID)
	return key, nil
}

// Activate moves a CREATED key to ACTIVE. Activating an ACTIVE key fails with
// AlreadyActiveError and changes nothing.
func (e *Engine) Activate(ctx context.Context, id string) (*model.Key, error) {
	key, err := e.activate(ctx, id)
	if err != nil {
		return nil, err
	}
	e.enqueue(key.ID)
	return key, nil
}

// ActivateAndWait activates and then runs the pass update inline. updated
// reports whether the update went through; a failed update is audited by the
// updater and does not undo the activation.
func (e *Engine) ActivateAndWait(ctx context.Context, id string) (key *model.Key, updated bool, err error) {
	key, err = e.activate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if e.updater == nil {
		return key, false, nil
	}
	if err := e.updater.UpdateNow(ctx, key.ID); err != nil {
		e.logger.Warn("activation update failed", "key_id", key.ID, "error", err)
		return key, false, nil
	}
	return key, true, nil
}

func (e *Engine) activate(ctx context.Context, id string) (*model.Key, error) {
	now := e.now()
	key, events, err := e.mutate(ctx, id, func(tx *store.Tx, k *model.Key) (*model.KeyEvent, error) {
		if k.Status == model.KeyStatusActive {
			return nil, &apperr.AlreadyActiveError{KeyID: k.ID}
		}
		if k.Status.Terminal() {
			return nil, apperr.InvalidState("key is %s and cannot be activated", k.Status)
		}
		k.Status = model.KeyStatusActive
		k.ActivatedAt = &now
		k.Touch(now)
		return e.event(ctx, k.ID, model.EventActivated, now, "key activated"), nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate key: %w", err)
	}
	e.committed(events)
	return key, nil
}

// Deactivate revokes a key. It never fails for a key that is already
// inactive, so retries are harmless.
func (e *Engine) Deactivate(ctx context.Context, id, reason string) (*model.Key, error) {
	if reason == "" {
		reason = "key deactivated"
	}
	now := e.now()
	key, events, err := e.mutate(ctx, id, func(tx *store.Tx, k *model.Key) (*model.KeyEvent, error) {
		k.IsActive = false
		k.Status = model.KeyStatusRevoked
		k.Touch(now)
		return e.event(ctx, k.ID, model.EventDeactivated, now, reason), nil
	})
	if err != nil {
		return nil, fmt.Errorf("deactivate key: %w", err)
	}
	e.committed(events)
	e.enqueue(key.ID)
	return key, nil
}

// Suspend clears is_active without touching the status, e.g. while an
// incident is investigated. Resume sets it again.
func (e *Engine) Suspend(ctx context.Context, id, reason string) (*model.Key, error) {
	return e.setActiveFlag(ctx, id, false, reason)
}

func (e *Engine) Resume(ctx context.Context, id, reason string) (*model.Key, error) {
	return e.setActiveFlag(ctx, id, true, reason)
}

func (e *Engine) setActiveFlag(ctx context.Context, id string, active bool, reason string) (*model.Key, error) {
	now := e.now()
	evType, verb := model.EventDeactivated, "suspended"
	if active {
		evType, verb = model.EventActivated, "resumed"
	}
	key, events, err := e.mutate(ctx, id, func(tx *store.Tx, k *model.Key) (*model.KeyEvent, error) {
		if active && k.Status.Terminal() {
			return nil, apperr.InvalidState("key is %s and cannot be resumed", k.Status)
		}
		k.IsActive = active
		k.Touch(now)
		detail := fmt.Sprintf("key %s, status %s unchanged", verb, k.Status)
		if reason != "" {
			detail += ": " + reason
		}
		return e.event(ctx, k.ID, evType, now, detail), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", verb, err)
	}
	e.committed(events)
	e.enqueue(key.ID)
	return key, nil
}

// Extend moves the end of a key's window and the reservation's checkout
// together. newEnd must be strictly after check-in.
func (e *Engine) Extend(ctx context.Context, id string, newEnd time.Time) (*model.Key, error) {
	now := e.now()
	newEnd = newEnd.UTC()
	key, events, err := e.mutate(ctx, id, func(tx *store.Tx, k *model.Key) (*model.KeyEvent, error) {
		if k.Status.Terminal() {
			return nil, apperr.InvalidState("key is %s and cannot be extended", k.Status)
		}
		res, err := tx.Reservation(ctx, k.ReservationID)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, apperr.NotFound("reservation", k.ReservationID)
		}
		if !newEnd.After(res.CheckIn) {
			return nil, apperr.InvalidRange("new end %s must be after check-in %s",
				newEnd.Format(time.RFC3339), res.CheckIn.Format(time.RFC3339))
		}
		if err := tx.SetReservationCheckOut(ctx, res.ID, newEnd, now); err != nil {
			return nil, err
		}
		prev := k.ValidUntil
		k.ValidUntil = newEnd
		k.Touch(now)
		return e.event(ctx, k.ID, model.EventExtended, now, fmt.Sprintf("valid until %s -> %s",
			prev.Format(time.RFC3339), newEnd.Format(time.RFC3339))), nil
	})
	if err != nil {
		return nil, fmt.Errorf("extend key: %w", err)
	}
	e.committed(events)
	e.enqueue(key.ID)
	return key, nil
}

// MarkExpired expires one key if it is still active and past its window. It
// reports false when another writer got there first.
func (e *Engine) MarkExpired(ctx context.Context, id string) (bool, error) {
	now := e.now()
	skipped := false
	_, events, err := e.mutate(ctx, id, func(tx *store.Tx, k *model.Key) (*model.KeyEvent, error) {
		if !k.IsActive || !now.After(k.ValidUntil) {
			skipped = true
			return nil, nil
		}
		k.IsActive = false
		k.Status = model.KeyStatusExpired
		k.Touch(now)
		return e.event(ctx, k.ID, model.EventExpired, now,
			fmt.Sprintf("validity ended %s", k.ValidUntil.Format(time.RFC3339))), nil
	})
	if err != nil {
		return false, fmt.Errorf("expire key: %w", err)
	}
	if skipped {
		return false, nil
	}
	e.committed(events)
	e.enqueue(id)
	return true, nil
}

// ExpireDue runs one expiry sweep over every active key whose window has
// passed. Per-key failures are logged and do not stop the sweep.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	active, err := e.keys.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active keys: %w", err)
	}
	now := e.now()
	expired := 0
	for _, k := range active {
		if !now.After(k.ValidUntil) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := e.MarkExpired(ctx, k.ID)
		if err != nil {
			e.logger.Error("expire key", "key_id", k.ID, "serial", k.Serial, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	e.metrics.Expired(expired)
	return expired, nil
}

// Regenerate revokes a key and issues its replacement on the same reservation
// in one transaction.
func (e *Engine) Regenerate(ctx context.Context, id string) (*model.Key, error) {
	now := e.now()
	var fresh *model.Key
	events, err := store.InTx(ctx, e.db, func(tx *store.Tx) error {
		old, err := tx.Key(ctx, id)
		if err != nil {
			return err
		}
		if old == nil {
			return apperr.NotFound("key", id)
		}
		res, err := loadBookable(ctx, tx, old.ReservationID)
		if err != nil {
			return err
		}
		fresh = newKey(res, old.Ecosystem, now)
		old.IsActive = false
		old.Status = model.KeyStatusRevoked
		old.Touch(now)
		if err := tx.UpdateKey(ctx, old); err != nil {
			return err
		}
		if err := tx.InsertKey(ctx, fresh); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, e.event(ctx, old.ID, model.EventRegenerated, now,
			"superseded by "+fresh.Serial)); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, e.event(ctx, fresh.ID, model.EventCreated, now,
			"regenerated from "+old.Serial))
	})
	if err != nil {
		return nil, fmt.Errorf("regenerate key: %w", err)
	}
	e.committed(events)
	e.enqueue(id)
	e.enqueue(fresh.ID)
	return fresh, nil
}

// RotateToken replaces the bearer token. Devices holding the old pass lose
// access to the wallet endpoints until they fetch the new one out of band.
func (e *Engine) RotateToken(ctx context.Context, id string) (*model.Key, error) {
	now := e.now()
	key, events, err := e.mutate(ctx, id, func(tx *store.Tx, k *model.Key) (*model.KeyEvent, error) {
		k.AuthToken = uuid.NewString()
		k.Touch(now)
		return e.event(ctx, k.ID, model.EventTokenRotated, now, "bearer token rotated"), nil
	})
	if err != nil {
		return nil, fmt.Errorf("rotate token: %w", err)
	}
	e.committed(events)
	e.enqueue(key.ID)
	return key, nil
}

// mutate loads a key inside a transaction, applies fn and, if fn returned an
// event, writes the key and the event together. A nil event means no change.
func (e *Engine) mutate(ctx context.Context, id string, fn func(*store.Tx, *model.Key) (*model.KeyEvent, error)) (*model.Key, []model.KeyEvent, error) {
	var key *model.Key
	events, err := store.InTx(ctx, e.db, func(tx *store.Tx) error {
		k, err := tx.Key(ctx, id)
		if err != nil {
			return err
		}
		if k == nil {
			return apperr.NotFound("key", id)
		}
		ev, err := fn(tx, k)
		if err != nil || ev == nil {
			return err
		}
		if err := tx.UpdateKey(ctx, k); err != nil {
			return err
		}
		key = k
		return tx.AppendEvent(ctx, ev)
	})
	if err != nil {
		return nil, nil, err
	}
	return key, events, nil
}

func loadBookable(ctx context.Context, tx *store.Tx, reservationID string) (*model.Reservation, error) {
	res, err := tx.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperr.NotFound("reservation", reservationID)
	}
	room, err := tx.Room(ctx, res.RoomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, apperr.NotFound("room", res.RoomID)
	}
	guest, err := tx.Guest(ctx, res.GuestID)
	if err != nil {
		return nil, err
	}
	if guest == nil {
		return nil, apperr.NotFound("user", res.GuestID)
	}
	if !res.Status.AllowsAccess() {
		return nil, apperr.InvalidState("reservation status %q does not allow key issuance", res.Status)
	}
	return res, nil
}

func newKey(res *model.Reservation, eco model.Ecosystem, now time.Time) *model.Key {
	serial := uuid.NewString()
	return &model.Key{
		ID:            uuid.NewString(),
		ReservationID: res.ID,
		Serial:        serial,
		AuthToken:     serial,
		Ecosystem:     eco,
		ValidFrom:     res.CheckIn,
		ValidUntil:    res.CheckOut,
		IsActive:      true,
		Status:        model.KeyStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     model.NextWatermark(time.Time{}, now),
	}
}

func (e *Engine) event(ctx context.Context, keyID string, t model.EventType, at time.Time, details string) *model.KeyEvent {
	return &model.KeyEvent{
		KeyID:      keyID,
		Type:       t,
		Details:    details,
		DeviceInfo: auth.Actor(ctx),
		Outcome:    model.OutcomeSuccess,
		CreatedAt:  at,
	}
}

func (e *Engine) committed(events []model.KeyEvent) {
	for _, ev := range events {
		e.metrics.Transition(string(ev.Type))
		e.logger.Info("key event", "key_id", ev.KeyID, "event", ev.Type, "actor", ev.DeviceInfo)
	}
	if e.publisher != nil && len(events) > 0 {
		e.publisher.PublishEvents(events...)
	}
}

func (e *Engine) enqueue(keyID string) {
	if e.updater != nil {
		e.updater.Enqueue(keyID)
	}
}
