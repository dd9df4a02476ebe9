/*
errors.go - Booking error taxonomy

  AuthorizationError  caller may not act on this booking        (not retryable)
  TransitionError     status change not in the table            (carries allowed set)
  NotFoundError       booking or subscriber id unknown
  ValidationError     malformed input (duration, ids)
  PersistenceError    unexpected store failure; nothing was committed

Quota failures come from the ledger package unchanged
(*ledger.QuotaExhaustedError), so callers match them with errors.As there.
*/
package booking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrUnauthorized      = errors.New("not authorized")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrPersistence       = errors.New("persistence failure")

	// ErrConcurrentModification is returned when the conditional status
	// update finds the booking already moved by someone else.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type AuthorizationError struct {
	CallerID  string
	Role      Role
	BookingID ledger.BookingID
	Action    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %q may not %s booking %s", e.Role, e.CallerID, e.Action, e.BookingID)
}

func (e *AuthorizationError) Unwrap() error { return ErrUnauthorized }

// TransitionError carries the transitions that are legal from From so a
// caller can react without guessing.
type TransitionError struct {
	BookingID string
	From      Status
	To        Status
	Allowed   []Status
}

func (e *TransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("cannot change booking status from %s to %s (allowed: %s)", e.From, e.To, allowed)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// PersistenceError wraps a store failure. Both ErrPersistence and the cause match errors.Is.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the request itself cannot succeed as sent.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidInput) ||
		ledger.IsClientError(err)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
