/*
store.go - Persistence contract for bookings

The booking Store embeds ledger.Store so that one transaction covers the
booking row, the quota pool and the ledger entry. TxStore.WithTx hands the
callback a Store bound to that transaction; returning an error rolls every
write back, including a debit.

Reads through GetBooking inside WithTx lock the row where the datastore
supports it (SELECT ... FOR UPDATE on PostgreSQL; SQLite serializes writers).
*/
package booking

import (
	"context"
	"time"

	"github.com/warp/session-ledger/ledger"
)

type Store interface {
	ledger.Store

	// GetBooking returns a *NotFoundError when the id is unknown.
	GetBooking(ctx context.Context, id ledger.BookingID) (*Booking, error)

	CreateBooking(ctx context.Context, b Booking) error

	// UpdateBooking writes status, reason, notes, schedule and ledger
	// reference only if the stored status still equals expected. Otherwise
	// it returns ErrConcurrentModification.
	UpdateBooking(ctx context.Context, b Booking, expected Status) error

	AppendHistory(ctx context.Context, h HistoryEntry) error
	ListHistory(ctx context.Context, id ledger.BookingID) ([]HistoryEntry, error)

	SaveSubscriber(ctx context.Context, s Subscriber) error
	// GetSubscriber returns a *NotFoundError when the id is unknown.
	GetSubscriber(ctx context.Context, id ledger.SubscriberID) (*Subscriber, error)
	SetSubscriberActive(ctx context.Context, id ledger.SubscriberID, active bool, at time.Time) error
}

// TxStore runs fn inside a transaction. A nil return commits; an error rolls back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
