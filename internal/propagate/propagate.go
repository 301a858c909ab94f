// Package propagate pushes a key's current state out to the world: it
// rebuilds the pass, tells registered devices, and emails guests. Every
// outcome lands in the audit log.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/email"
	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/hotelkey/keyservice/internal/tasks"
)

// Builder renders and publishes a pass.
type Builder interface {
	Build(ctx context.Context, d *model.KeyDetail) (*pass.Artifact, error)
	TypeIDs() pass.TypeIDs
}

// Notifier fans a change out to registered devices.
type Notifier interface {
	Notify(ctx context.Context, passTypeID, serial string) (int, error)
}

// Mailer delivers key emails.
type Mailer interface {
	Configured() bool
	SendKey(ctx context.Context, m email.KeyMessage) error
}

// EventPublisher receives audit events after they are stored.
type EventPublisher interface {
	PublishEvents(events ...model.KeyEvent)
}

const emailTime = "Monday, January 2, 2006 at 3:04 PM MST"

type Service struct {
	keys      *store.KeyStore
	events    *store.EventStore
	builder   Builder
	notifier  Notifier
	mailer    Mailer
	queue     *tasks.Queue
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

type Option func(*Service)

func WithMailer(m Mailer) Option { return func(s *Service) { s.mailer = m } }

func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.publisher = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(keys *store.KeyStore, events *store.EventStore, builder Builder, notifier Notifier, queue *tasks.Queue, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		keys:     keys,
		events:   events,
		builder:  builder,
		notifier: notifier,
		queue:    queue,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// auditedError marks a failure that already has its audit event.
type auditedError struct{ err error }

func (e *auditedError) Error() string { return e.err.Error() }
func (e *auditedError) Unwrap() error { return e.err }

// Run rebuilds the key's pass and notifies its devices.
func (s *Service) Run(ctx context.Context, keyID string) error {
	d, err := s.detail(ctx, keyID)
	if err != nil {
		return err
	}
	if _, err := s.rebuild(ctx, d); err != nil {
		return err
	}
	return s.notify(ctx, d)
}

// UpdateNow runs the update inline.
func (s *Service) UpdateNow(ctx context.Context, keyID string) error {
	return s.Run(ctx, keyID)
}

// Enqueue schedules Run in the background. A task that cannot be scheduled is
// audited immediately.
func (s *Service) Enqueue(keyID string) {
	s.submit(tasks.Task{
		Name:  "update",
		KeyID: keyID,
		Run:   func(ctx context.Context) error { return s.Run(ctx, keyID) },
	}, model.EventArtifactUpdateFailed)
}

// Deliver schedules an email carrying the key's pass to the given address.
func (s *Service) Deliver(keyID, to string) {
	s.submit(tasks.Task{
		Name:  "deliver",
		KeyID: keyID,
		Run:   func(ctx context.Context) error { return s.deliver(ctx, keyID, to) },
	}, model.EventDeliveryFailed)
}

func (s *Service) submit(t tasks.Task, failure model.EventType) {
	if err := s.queue.Submit(t); err != nil {
		s.logger.Error("background task not scheduled", "task", t.Name, "key_id", t.KeyID, "error", err)
		s.metrics.TaskFailed(t.Name)
		s.record(context.Background(), &model.KeyEvent{
			KeyID:   t.KeyID,
			Type:    failure,
			Details: fmt.Sprintf("%s not scheduled: %v", t.Name, err),
			Outcome: model.OutcomeError,
		})
	}
}

// DrainErrors consumes task failures until the queue is stopped, auditing
// any that were not recorded where they happened.
func (s *Service) DrainErrors(ctx context.Context) {
	for f := range s.queue.Errors() {
		s.metrics.TaskFailed(f.Task.Name)
		s.logger.Error("background task failed", "task", f.Task.Name, "key_id", f.Task.KeyID, "error", f.Err)

		var audited *auditedError
		if errors.As(f.Err, &audited) {
			continue
		}
		typ := model.EventArtifactUpdateFailed
		if f.Task.Name == "deliver" {
			typ = model.EventDeliveryFailed
		}
		s.record(ctx, &model.KeyEvent{
			KeyID:     f.Task.KeyID,
			Type:      typ,
			Details:   f.Err.Error(),
			Outcome:   model.OutcomeError,
			CreatedAt: f.At,
		})
	}
}

func (s *Service) detail(ctx context.Context, keyID string) (*model.KeyDetail, error) {
	d, err := s.keys.Detail(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("load key %s: %w", keyID, err)
	}
	if d == nil {
		return nil, apperr.NotFound("key", keyID)
	}
	return d, nil
}

func (s *Service) rebuild(ctx context.Context, d *model.KeyDetail) (*pass.Artifact, error) {
	s.record(ctx, &model.KeyEvent{
		KeyID:   d.Key.ID,
		Type:    model.EventArtifactUpdateAttempted,
		Details: fmt.Sprintf("rebuilding %s pass", d.Key.Ecosystem),
		Outcome: model.OutcomePending,
	})

	art, err := s.builder.Build(ctx, d)
	if err != nil {
		s.record(ctx, &model.KeyEvent{
			KeyID:   d.Key.ID,
			Type:    model.EventArtifactUpdateFailed,
			Details: err.Error(),
			Outcome: model.OutcomeError,
		})
		return nil, &auditedError{&apperr.DeliveryError{Channel: "artifact", Err: err}}
	}
	if err := s.keys.SetPassURL(ctx, d.Key.ID, art.URL); err != nil {
		s.logger.Error("store pass url", "key_id", d.Key.ID, "error", err)
	}
	s.record(ctx, &model.KeyEvent{
		KeyID:   d.Key.ID,
		Type:    model.EventArtifactUpdateSucceeded,
		Details: art.URL,
		Outcome: model.OutcomeSuccess,
	})
	return art, nil
}

func (s *Service) notify(ctx context.Context, d *model.KeyDetail) error {
	typeID := s.builder.TypeIDs()[d.Key.Ecosystem]
	n, err := s.notifier.Notify(ctx, typeID, d.Key.Serial)
	if err != nil {
		s.record(ctx, &model.KeyEvent{
			KeyID:   d.Key.ID,
			Type:    model.EventNotificationFailed,
			Details: "fan-out aborted: " + err.Error(),
			Outcome: model.OutcomeError,
		})
		return &auditedError{&apperr.DeliveryError{Channel: "push", Err: err}}
	}
	s.logger.Debug("key propagated", "key_id", d.Key.ID, "devices", n)
	return nil
}

func (s *Service) deliver(ctx context.Context, keyID, to string) error {
	d, err := s.detail(ctx, keyID)
	if err != nil {
		return err
	}
	if to == "" {
		to = d.Guest.Email
	}
	fail := func(err error) error {
		s.record(ctx, &model.KeyEvent{
			KeyID:   keyID,
			Type:    model.EventDeliveryFailed,
			Details: err.Error(),
			Outcome: model.OutcomeError,
		})
		return &auditedError{&apperr.DeliveryError{Channel: "email", Err: err}}
	}
	if s.mailer == nil || !s.mailer.Configured() {
		return fail(errors.New("email delivery not configured"))
	}
	if to == "" {
		return fail(errors.New("no recipient address"))
	}

	art, err := s.rebuild(ctx, d)
	if err != nil {
		return fail(err)
	}
	loc := d.Hotel.Location()
	err = s.mailer.SendKey(ctx, email.KeyMessage{
		To:              to,
		GuestName:       d.Guest.FullName(),
		HotelName:       d.Hotel.Name,
		RoomNumber:      d.Room.RoomNumber,
		CheckIn:         d.Reservation.CheckIn.In(loc).Format(emailTime),
		CheckOut:        d.Reservation.CheckOut.In(loc).Format(emailTime),
		PassURL:         art.URL,
		Pass:            art.Data,
		PassFilename:    art.Filename,
		PassContentType: art.ContentType,
	})
	if err != nil {
		return fail(err)
	}
	s.record(ctx, &model.KeyEvent{
		KeyID:   keyID,
		Type:    model.EventDeliverySent,
		Details: "emailed to " + to,
		Outcome: model.OutcomeSuccess,
	})
	return nil
}

// record appends ev and publishes it. A failed append is logged; the caller's
// own outcome does not change.
func (s *Service) record(ctx context.Context, ev *model.KeyEvent) {
	if ev.DeviceInfo == "" {
		ev.DeviceInfo = "system"
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if err := s.events.Append(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("record event", "key_id", ev.KeyID, "event", ev.Type, "error", err)
		return
	}
	if s.publisher != nil {
		s.publisher.PublishEvents(*ev)
	}
}
