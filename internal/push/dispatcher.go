package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hotelkey/keyservice/internal/metrics"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/hotelkey/keyservice/internal/store"
	"golang.org/x/sync/errgroup"
)

// EventPublisher receives audit events after they are stored.
type EventPublisher interface {
	PublishEvents(events ...model.KeyEvent)
}

// Dispatcher fans a change notification out to every active registration of
// a serial. Devices are independent: one failure never stops the others.
type Dispatcher struct {
	regs      *store.RegistrationStore
	events    *store.EventStore
	gateways  map[model.Ecosystem]Gateway
	typeIDs   pass.TypeIDs
	limit     int
	timeout   time.Duration
	metrics   *metrics.Metrics
	publisher EventPublisher
	logger    *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithConcurrency(n int) DispatcherOption { return func(d *Dispatcher) { d.limit = n } }

func WithTimeout(t time.Duration) DispatcherOption { return func(d *Dispatcher) { d.timeout = t } }

func WithMetrics(m *metrics.Metrics) DispatcherOption { return func(d *Dispatcher) { d.metrics = m } }

func WithEventPublisher(p EventPublisher) DispatcherOption {
	return func(d *Dispatcher) { d.publisher = p }
}

func NewDispatcher(regs *store.RegistrationStore, events *store.EventStore, gateways map[model.Ecosystem]Gateway, typeIDs pass.TypeIDs, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		regs:     regs,
		events:   events,
		gateways: gateways,
		typeIDs:  typeIDs,
		limit:    8,
		timeout:  10 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limit < 1 {
		d.limit = 1
	}
	return d
}

// Notify pushes to every active device registered for serial and returns how
// many accepted the push. Each outcome is audited.
func (d *Dispatcher) Notify(ctx context.Context, passTypeID, serial string) (int, error) {
	regs, err := d.regs.ListActive(ctx, passTypeID, serial)
	if err != nil {
		return 0, fmt.Errorf("list registrations: %w", err)
	}
	if len(regs) == 0 {
		return 0, nil
	}
	eco, _ := d.typeIDs.Ecosystem(passTypeID)
	gw := d.gateways[eco]

	var (
		sent     atomic.Int64
		mu       sync.Mutex
		recorded []model.KeyEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)
	for _, reg := range regs {
		g.Go(func() error {
			ev := d.deliver(gctx, gw, eco, reg)
			if ev.Outcome == model.OutcomeSuccess {
				sent.Add(1)
			}
			if err := d.events.Append(ctx, ev); err != nil {
				d.logger.Error("record push outcome", "registration", reg.ID, "error", err)
				return nil
			}
			mu.Lock()
			recorded = append(recorded, *ev)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if d.publisher != nil && len(recorded) > 0 {
		d.publisher.PublishEvents(recorded...)
	}
	n := int(sent.Load())
	d.logger.Info("push fan-out complete", "serial", serial, "sent", n, "devices", len(regs))
	return n, nil
}

// deliver sends to one device and returns the event describing the outcome.
func (d *Dispatcher) deliver(ctx context.Context, gw Gateway, eco model.Ecosystem, reg model.DeviceRegistration) *model.KeyEvent {
	ev := &model.KeyEvent{
		KeyID:      reg.KeyID,
		DeviceInfo: "device:" + reg.DeviceID,
	}
	if gw == nil {
		ev.Type, ev.Outcome = model.EventNotificationFailed, model.OutcomeError
		ev.Details = fmt.Sprintf("no push gateway configured for %q", eco)
		d.metrics.Push(string(eco), "unconfigured")
		return ev
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	err := gw.Send(sctx, reg)
	cancel()

	switch {
	case err == nil:
		ev.Type, ev.Outcome = model.EventNotificationSent, model.OutcomeSuccess
		ev.Details = "push accepted"
		d.metrics.Push(string(eco), "sent")
	case errors.Is(err, ErrGone):
		ev.Type, ev.Outcome = model.EventNotificationFailed, model.OutcomeError
		ev.Details = "push token no longer valid; registration deactivated"
		if derr := d.regs.DeactivateByID(ctx, reg.ID); derr != nil {
			d.logger.Error("deactivate gone registration", "registration", reg.ID, "error", derr)
			ev.Details = "push token no longer valid; deactivation failed: " + derr.Error()
		}
		d.metrics.Push(string(eco), "gone")
	default:
		ev.Type, ev.Outcome = model.EventNotificationFailed, model.OutcomeError
		ev.Details = err.Error()
		d.metrics.Push(string(eco), "failed")
		d.logger.Warn("push failed", "device", reg.DeviceID, "serial", reg.Serial, "error", err)
	}
	return ev
}
