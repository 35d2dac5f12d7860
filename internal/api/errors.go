package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// The backend and transport failure surface is collapsed into five classes.
// Every error leaving this package is one of these (possibly wrapped).

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "validation: " + e.Detail }

// AuthError is the 401 / expired / invalid-credential class.
type AuthError struct {
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth (%d): %s", e.StatusCode, e.Detail) }

// NetworkError means no response was received at all.
type NetworkError struct {
	Detail string
}

func (e *NetworkError) Error() string { return "network: " + e.Detail }

// ServerError carries a non-2xx status with the backend's detail string.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server (%d): %s", e.StatusCode, e.Detail) }

// UnknownError covers everything uncategorized, including success responses
// whose body could not be decoded.
type UnknownError struct {
	Detail string
}

func (e *UnknownError) Error() string { return "unknown: " + e.Detail }

// Normalize maps an arbitrary failure onto exactly one class. Errors that are
// already classified (even when wrapped) pass through unchanged.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if IsValidationError(err) || IsAuthError(err) || IsNetworkError(err) || IsServerError(err) || IsUnknownError(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Detail: "request timed out"}
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &NetworkError{Detail: uerr.Err.Error()}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &NetworkError{Detail: nerr.Error()}
	}
	return &UnknownError{Detail: err.Error()}
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsNetworkError(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

func IsUnknownError(err error) bool {
	var e *UnknownError
	return errors.As(err, &e)
}

// Detail returns the human-readable detail of a normalized error, suitable
// for a status line.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var (
		v *ValidationError
		a *AuthError
		n *NetworkError
		s *ServerError
		u *UnknownError
	)
	switch {
	case errors.As(err, &v):
		return v.Detail
	case errors.As(err, &a):
		return a.Detail
	case errors.As(err, &n):
		return n.Detail
	case errors.As(err, &s):
		return s.Detail
	case errors.As(err, &u):
		return u.Detail
	}
	return err.Error()
}
