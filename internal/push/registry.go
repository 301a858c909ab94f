package push

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/hotelkey/keyservice/internal/store"
)

// Registry records which devices hold which pass. Every call must prove
// possession of the pass with its bearer token.
type Registry struct {
	keys    *store.KeyStore
	regs    *store.RegistrationStore
	typeIDs pass.TypeIDs
	logger  *slog.Logger
}

func NewRegistry(keys *store.KeyStore, regs *store.RegistrationStore, typeIDs pass.TypeIDs, logger *slog.Logger) *Registry {
	return &Registry{keys: keys, regs: regs, typeIDs: typeIDs, logger: logger}
}

// Authorize resolves the key behind (ecosystem, passTypeID, serial) and checks
// token against it. Unknown serials, foreign type ids and wrong tokens all
// yield the same AuthenticationError.
func (r *Registry) Authorize(ctx context.Context, eco model.Ecosystem, passTypeID, serial, token string) (*model.Key, error) {
	if token == "" || r.typeIDs[eco] == "" || r.typeIDs[eco] != passTypeID {
		return nil, apperr.Unauthenticated()
	}
	k, err := r.keys.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", serial, err)
	}
	if k == nil || k.Ecosystem != eco {
		return nil, apperr.Unauthenticated()
	}
	if subtle.ConstantTimeCompare([]byte(k.AuthToken), []byte(token)) != 1 {
		return nil, apperr.Unauthenticated()
	}
	return k, nil
}

// Register enrolls a device for pushes about serial, reactivating an earlier
// registration. created reports whether the device was not enrolled before.
func (r *Registry) Register(ctx context.Context, eco model.Ecosystem, deviceID, passTypeID, serial, token, pushToken string) (created bool, err error) {
	k, err := r.Authorize(ctx, eco, passTypeID, serial, token)
	if err != nil {
		return false, err
	}
	if deviceID == "" || pushToken == "" {
		return false, apperr.InvalidState("device id and push token are required")
	}
	_, created, err = r.regs.Upsert(ctx, k.ID, deviceID, passTypeID, serial, pushToken)
	if err != nil {
		return false, fmt.Errorf("register device: %w", err)
	}
	r.logger.Info("device registered", "device", deviceID, "serial", serial, "new", created)
	return created, nil
}

// Unregister soft-deletes the device's registration.
func (r *Registry) Unregister(ctx context.Context, eco model.Ecosystem, deviceID, passTypeID, serial, token string) error {
	if _, err := r.Authorize(ctx, eco, passTypeID, serial, token); err != nil {
		return err
	}
	changed, err := r.regs.Deactivate(ctx, deviceID, passTypeID, serial)
	if err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	r.logger.Info("device unregistered", "device", deviceID, "serial", serial, "was_active", changed)
	return nil
}
