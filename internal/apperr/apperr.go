// Package apperr defines the error taxonomy shared by the lifecycle engine,
// the wallet endpoints and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError reports a missing reservation, room, guest or key.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InvalidStateError reports a business-rule violation caused by the current
// state of an entity.
type InvalidStateError struct {
	Msg string
}

func (e *InvalidStateError) Error() string { return e.Msg }

// InvalidRangeError reports a rejected time window.
type InvalidRangeError struct {
	Msg string
}

func (e *InvalidRangeError) Error() string { return e.Msg }

// AlreadyActiveError is returned when activating an ACTIVE key.
type AlreadyActiveError struct {
	KeyID string
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("key %s is already active", e.KeyID)
}

// AuthenticationError never carries detail; wallet and staff clients get the
// same answer whether the credential exists or not.
type AuthenticationError struct{}

func (e *AuthenticationError) Error() string { return "authentication required" }

type PermissionError struct {
	Role string
}

func (e *PermissionError) Error() string {
	if e.Role == "" {
		return "permission denied"
	}
	return fmt.Sprintf("permission denied for role %q", e.Role)
}

// SigningConfigurationError reports missing or unusable signing material.
// It is fatal for any flow that reaches artifact generation and is not retried.
type SigningConfigurationError struct {
	Err error
}

func (e *SigningConfigurationError) Error() string {
	return fmt.Sprintf("signing configuration: %v", e.Err)
}

func (e *SigningConfigurationError) Unwrap() error { return e.Err }

// DeliveryError wraps a downstream push, email or artifact failure. It is
// recorded as an audit event and never returned to the caller of a lifecycle
// mutation.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func NotFound(entity, id string) error { return &NotFoundError{Entity: entity, ID: id} }

func InvalidState(format string, args ...any) error {
	return &InvalidStateError{Msg: fmt.Sprintf(format, args...)}
}

func InvalidRange(format string, args ...any) error {
	return &InvalidRangeError{Msg: fmt.Sprintf(format, args...)}
}

func Unauthenticated() error { return &AuthenticationError{} }

// HTTPStatus maps err to the status code surfaced to HTTP clients.
func HTTPStatus(err error) int {
	var (
		notFound     *NotFoundError
		invalidState *InvalidStateError
		invalidRange *InvalidRangeError
		already      *AlreadyActiveError
		authn        *AuthenticationError
		perm         *PermissionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalidState), errors.As(err, &invalidRange), errors.As(err, &already):
		return http.StatusBadRequest
	case errors.As(err, &authn):
		return http.StatusUnauthorized
	case errors.As(err, &perm):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client for err.
func PublicMessage(err error) string {
	switch HTTPStatus(err) {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusUnauthorized:
		return "unauthorized"
	default:
		return err.Error()
	}
}
