// Package passupdate answers wallet clients polling for pass changes,
// independently of push.
package passupdate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
	"github.com/hotelkey/keyservice/internal/store"
)

// ErrNotModified means the client's copy is current.
var ErrNotModified = errors.New("not modified")

// Authorizer proves possession of a pass.
type Authorizer interface {
	Authorize(ctx context.Context, eco model.Ecosystem, passTypeID, serial, token string) (*model.Key, error)
}

// Builder renders and publishes a pass.
type Builder interface {
	Build(ctx context.Context, d *model.KeyDetail) (*pass.Artifact, error)
	TypeIDs() pass.TypeIDs
}

type Service struct {
	auth    Authorizer
	keys    *store.KeyStore
	builder Builder
	logger  *slog.Logger
	now     func() time.Time
}

func New(auth Authorizer, keys *store.KeyStore, builder Builder, logger *slog.Logger) *Service {
	return &Service{
		auth:    auth,
		keys:    keys,
		builder: builder,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Latest returns a freshly built pass, or ErrNotModified when the key has not
// changed since ifModifiedSince. The returned Last-Modified is the watermark
// rounded up to the second, so echoing it back never hides a later change.
func (s *Service) Latest(ctx context.Context, eco model.Ecosystem, passTypeID, serial, token string, ifModifiedSince time.Time) (*pass.Artifact, time.Time, error) {
	k, err := s.auth.Authorize(ctx, eco, passTypeID, serial, token)
	if err != nil {
		return nil, time.Time{}, err
	}
	modified := model.CeilSecond(k.UpdatedAt)
	if !ifModifiedSince.IsZero() && !k.UpdatedAt.After(ifModifiedSince) {
		return nil, modified, ErrNotModified
	}

	d, err := s.keys.Detail(ctx, k.ID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load key detail: %w", err)
	}
	if d == nil {
		return nil, time.Time{}, apperr.Unauthenticated()
	}
	art, err := s.builder.Build(ctx, d)
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := s.keys.TouchLastUsed(ctx, k.ID, s.now()); err != nil {
		s.logger.Warn("stamp last_used", "key_id", k.ID, "error", err)
	}
	return art, modified, nil
}

// Changes is a set of serials with the tag a client sends back next time.
type Changes struct {
	Serials     []string
	LastUpdated time.Time
}

// ChangedSince lists every serial of the ecosystem whose watermark is after
// since.
func (s *Service) ChangedSince(ctx context.Context, eco model.Ecosystem, passTypeID string, since time.Time) (*Changes, error) {
	if err := s.checkType(eco, passTypeID); err != nil {
		return nil, err
	}
	updates, err := s.keys.ChangedSince(ctx, eco, since)
	if err != nil {
		return nil, err
	}
	return collect(updates, since), nil
}

// SerialsForDevice lists the serials a device is registered for that changed
// after since.
func (s *Service) SerialsForDevice(ctx context.Context, eco model.Ecosystem, deviceID, passTypeID string, since time.Time) (*Changes, error) {
	if err := s.checkType(eco, passTypeID); err != nil {
		return nil, err
	}
	updates, err := s.keys.SerialsForDevice(ctx, deviceID, passTypeID, since)
	if err != nil {
		return nil, err
	}
	return collect(updates, since), nil
}

func (s *Service) checkType(eco model.Ecosystem, passTypeID string) error {
	if id := s.builder.TypeIDs()[eco]; id == "" || id != passTypeID {
		return apperr.NotFound("pass type", passTypeID)
	}
	return nil
}

func collect(updates []store.SerialUpdate, since time.Time) *Changes {
	c := &Changes{Serials: make([]string, 0, len(updates)), LastUpdated: since}
	for _, u := range updates {
		c.Serials = append(c.Serials, u.Serial)
		if u.UpdatedAt.After(c.LastUpdated) {
			c.LastUpdated = u.UpdatedAt
		}
	}
	return c
}
