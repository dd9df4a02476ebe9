/*
Package booking owns the lifecycle of a scheduled session between a
subscriber and a provider.

PURPOSE:
  A Booking moves through a fixed set of statuses (see transitions.go).
  Completing a booking charges one session from the subscriber's quota;
  cancelling a charged booking refunds it; a no-show keeps the charge.

KEY CONCEPTS IN THIS FILE (types.go):
  - Status:       booking status enum
  - Booking:      the record, with an optional reference to a ledger entry
  - Caller/Role:  who is asking (comes from the request context)
  - Meta:         optional data carried by a transition
  - HistoryEntry: audit row written for every applied transition

SEE ALSO:
  - machine.go: ApplyTransition
  - auth.go:    ownership checks
*/
package booking

import (
	"time"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

// =============================================================================
// BOOKING
// =============================================================================

type Booking struct {
	ID           ledger.BookingID
	SubscriberID ledger.SubscriberID
	ProviderID   ledger.ProviderID
	ScheduledAt  time.Time
	Duration     time.Duration
	Status       Status

	CancellationReason *string
	ProviderNotes      *string

	// LedgerEntryID is set when the session was charged. It stays after a
	// refund for audit and is cleared only when a cancelled booking is rebooked.
	LedgerEntryID *ledger.EntryID

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b Booking) HasDebit() bool { return b.LedgerEntryID != nil && *b.LedgerEntryID != "" }

// =============================================================================
// CALLER
// =============================================================================

type Role string

const (
	RoleSubscriber Role = "subscriber"
	RoleProvider   Role = "provider"
	RoleAdmin      Role = "admin"
	// RoleHR manages enrollment and quotas but has no rights on bookings.
	RoleHR Role = "hr"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSubscriber, RoleProvider, RoleAdmin, RoleHR:
		return true
	}
	return false
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   string
	Role Role
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// CanManageQuota returns true for roles allowed to enroll subscribers and allocate sessions.
func (c Caller) CanManageQuota() bool { return c.Role == RoleAdmin || c.Role == RoleHR }

// =============================================================================
// TRANSITION INPUT / OUTPUT
// =============================================================================

// Meta carries optional data for a transition. Nil fields leave the booking untouched.
type Meta struct {
	CancellationReason *string
	ProviderNotes      *string
	// ScheduledAt moves the session when a cancelled booking is rebooked.
	ScheduledAt *time.Time
}

// Result describes an applied transition.
type Result struct {
	Booking        Booking
	PreviousStatus Status
	Debit          *ledger.Entry // set when this transition charged a session
	Refund         *ledger.Entry // set when this transition refunded one
}

// =============================================================================
// SUBSCRIBER
// =============================================================================

// Subscriber is an enrolled employee. Subscribers are deactivated, never deleted.
type Subscriber struct {
	ID        ledger.SubscriberID
	CompanyID *string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// HISTORY - Who moved the booking where, and when
// =============================================================================

type HistoryEntry struct {
	ID        string
	BookingID ledger.BookingID
	From      Status
	To        Status
	ActorID   string
	ActorRole Role
	Reason    string
	At        time.Time
}
