package model

import "errors"

// Sentinel errors shared across services and handlers. Handlers map
// these onto HTTP statuses; services wrap them with %w so errors.Is
// still matches through the chain.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("resource conflict")
	// ErrAuthFailed deliberately carries no detail about which check
	// failed, so callers cannot probe for registered accounts.
	ErrAuthFailed   = errors.New("authentication failed")
	ErrNotFound     = errors.New("not found")
	ErrTokenInvalid = errors.New("token invalid or expired")
	ErrUpstream     = errors.New("upstream provider error")
	ErrInternal     = errors.New("internal error")
)
