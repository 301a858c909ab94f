package auth

import (
	"context"

	"github.com/hotelkey/keyservice/internal/model"
)

type contextKey struct{}

// AuthContext identifies the staff token behind a request.
type AuthContext struct {
	TokenID string
	Name    string
	Role    string
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(AuthContext)
	return ac, ok
}

// Actor names whoever caused a lifecycle event, for the audit trail.
func Actor(ctx context.Context) string {
	ac, ok := FromContext(ctx)
	if !ok || ac.Name == "" {
		return "system"
	}
	return "staff:" + ac.Name
}

func IsAdmin(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == model.RoleAdmin
}

// CanMutate reports whether the caller may change key state.
func CanMutate(ctx context.Context) bool {
	ac, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return ac.Role == model.RoleAdmin || ac.Role == model.RoleStaff
}
