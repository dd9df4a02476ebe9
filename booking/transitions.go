package booking

import "slices"

// transitions is the complete table of legal status changes. There are no
// implicit transitions and no self-transitions.
var transitions = map[Status][]Status{
	StatusScheduled:   {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed:   {StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusCompleted:   {},
	StatusCancelled:   {StatusScheduled},
	StatusNoShow:      {},
	StatusRescheduled: {},
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// AllowedTransitions returns the targets reachable from from, in table order.
// The result is a copy and never nil.
func AllowedTransitions(from Status) []Status {
	out := make([]Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}

// Statuses returns every known status.
func Statuses() []Status {
	return []Status{
		StatusScheduled, StatusConfirmed, StatusCompleted,
		StatusCancelled, StatusNoShow, StatusRescheduled,
	}
}

func checkTransition(bookingID string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{
		BookingID: bookingID,
		From:      from,
		To:        to,
		Allowed:   AllowedTransitions(from),
	}
}
