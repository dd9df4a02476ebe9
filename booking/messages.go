package booking

import (
	"fmt"
	"time"

	"github.com/warp/session-ledger/notify"
)

// TransitionNotifications builds the messages for the counter-party of caller.
// An admin acting on a booking notifies both parties.
func TransitionNotifications(caller Caller, res *Result, at time.Time) []notify.Notification {
	b := res.Booking
	title, body := transitionMessage(b, res)

	var recipients []string
	switch caller.ID {
	case string(b.SubscriberID):
		recipients = []string{string(b.ProviderID)}
	case string(b.ProviderID):
		recipients = []string{string(b.SubscriberID)}
	default:
		recipients = []string{string(b.SubscriberID), string(b.ProviderID)}
	}

	out := make([]notify.Notification, 0, len(recipients))
	for _, r := range recipients {
		if r == "" {
			continue
		}
		out = append(out, notify.Notification{
			RecipientID: r,
			Title:       title,
			Body:        body,
			BookingID:   string(b.ID),
			CreatedAt:   at,
		})
	}
	return out
}

func transitionMessage(b Booking, res *Result) (title, body string) {
	when := b.ScheduledAt.Format("2006-01-02 15:04 MST")

	switch b.Status {
	case StatusConfirmed:
		return "Session confirmed", fmt.Sprintf("The session on %s is confirmed.", when)
	case StatusCompleted:
		body = fmt.Sprintf("The session on %s was marked as completed.", when)
		if res.Debit != nil {
			body += fmt.Sprintf(" One session was used from the %s quota.", res.Debit.Pool)
		}
		return "Session completed", body
	case StatusCancelled:
		body = fmt.Sprintf("The session on %s was cancelled.", when)
		if b.CancellationReason != nil && *b.CancellationReason != "" {
			body += " Reason: " + *b.CancellationReason
		}
		if res.Refund != nil {
			body += fmt.Sprintf(" The session was returned to the %s quota.", res.Refund.Pool)
		}
		return "Session cancelled", body
	case StatusNoShow:
		return "Missed session", fmt.Sprintf("The session on %s was marked as a no-show.", when)
	case StatusRescheduled:
		return "Session rescheduled", fmt.Sprintf("The session on %s was rescheduled.", when)
	case StatusScheduled:
		return "Session booked again", fmt.Sprintf("The session is scheduled for %s.", when)
	}
	return "Session updated", fmt.Sprintf("The session on %s is now %s.", when, b.Status)
}
