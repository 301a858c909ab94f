// Package push tracks which devices hold a pass and tells them when it
// changes.
package push

import (
	"context"
	"errors"

	"github.com/hotelkey/keyservice/internal/model"
)

// ErrGone means the gateway reported the push token permanently invalid.
var ErrGone = errors.New("push token no longer valid")

// Gateway delivers a change notification to one registered device.
type Gateway interface {
	Send(ctx context.Context, reg model.DeviceRegistration) error
}
