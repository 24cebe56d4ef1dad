package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrDuplicateIntent = errors.New("duplicate intent tag")
	ErrNotAccepting    = errors.New("engine not accepting intents")
	ErrSessionDead     = errors.New("broker session dead")
	ErrRateLimited     = errors.New("rate limited")
	ErrLockHeld        = errors.New("lock already held")
)

// ValidationError marks a malformed intent. It is rejected synchronously and
// never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid intent: %s %s", e.Field, e.Reason)
}

// DenialError is a terminal per-intent risk rejection. It is never retried
// automatically.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return "risk denied: " + e.Reason
}

// IntegrityError marks a data-integrity violation (fill exceeding requested
// quantity, a fill for an unknown order). It is surfaced to the operator,
// never silently corrected.
type IntegrityError struct {
	OrderID string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on order %s: %s", e.OrderID, e.Reason)
}
