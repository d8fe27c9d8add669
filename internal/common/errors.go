// Package common defines shared constants and sentinel errors used across
// the service layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Sub-account group errors.
	ErrGroupCreation = errors.New("sub-account group creation failed")
	ErrGroupUpdate   = errors.New("sub-account group update failed")
	ErrRemoval       = errors.New("expected row removal did not happen")
)
