/*
errors.go - Error types for the quota ledger

ERROR CATEGORIES:
  1. Quota errors - a pool (or both pools) has no availability
  2. Lookup errors - entry or pool not found
  3. Admin errors - allocation changes that would break the used <= allocated invariant

USAGE:
  Callers match with errors.Is on the sentinels or errors.As on the
  structured types:

    var insufficient *InsufficientQuotaError
    if errors.As(err, &insufficient) {
        // try insufficient.Pool.Other()
    }
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientQuota is returned when a single pool has no availability left.
	ErrInsufficientQuota = errors.New("insufficient quota")

	// ErrQuotaExhausted is returned when every candidate pool is exhausted.
	ErrQuotaExhausted = errors.New("quota exhausted")

	ErrEntryNotFound = errors.New("ledger entry not found")

	ErrUnknownPool = errors.New("unknown quota pool")

	// ErrAllocationBelowUsage is returned when an allocation would drop below used.
	ErrAllocationBelowUsage = errors.New("allocation below current usage")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientQuotaError names the pool that could not be debited.
type InsufficientQuotaError struct {
	SubscriberID SubscriberID
	Pool         Pool
	Allocated    int
	Used         int
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota in %s pool for %s: allocated %d, used %d",
		e.Pool, e.SubscriberID, e.Allocated, e.Used)
}

func (e *InsufficientQuotaError) Unwrap() error { return ErrInsufficientQuota }

// QuotaExhaustedError is terminal for the request: no pool could cover the session.
type QuotaExhaustedError struct {
	SubscriberID SubscriberID
	Tried        []Pool
}

func (e *QuotaExhaustedError) Error() string {
	names := make([]string, len(e.Tried))
	for i, p := range e.Tried {
		names[i] = string(p)
	}
	return fmt.Sprintf("session quota exhausted for %s (tried %s)", e.SubscriberID, strings.Join(names, ", "))
}

func (e *QuotaExhaustedError) Unwrap() error { return ErrQuotaExhausted }

type UnknownPoolError struct {
	Pool string
}

func (e *UnknownPoolError) Error() string { return fmt.Sprintf("unknown quota pool %q", e.Pool) }
func (e *UnknownPoolError) Unwrap() error { return ErrUnknownPool }

type AllocationError struct {
	SubscriberID SubscriberID
	Pool         Pool
	Requested    int
	Used         int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("cannot allocate %d sessions to %s pool of %s: %d already used",
		e.Requested, e.Pool, e.SubscriberID, e.Used)
}

func (e *AllocationError) Unwrap() error { return ErrAllocationBelowUsage }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientQuota) ||
		errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrUnknownPool) ||
		errors.Is(err, ErrAllocationBelowUsage)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}
