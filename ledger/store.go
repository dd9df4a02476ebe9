/*
store.go - Persistence contract for quota pools and ledger entries

PURPOSE:
  Defines what the ledger needs from the datastore. Each write method is a
  single atomic data-layer operation; the store decides how (conditional
  UPDATE, row lock, in-memory mutex) but never exposes a read-then-write
  pair to callers.

ATOMIC DEBIT:
  ApplyDebit increments used only while used < allocated and inserts the
  entry in the same operation. SQL stores implement it as

    UPDATE quota_pools SET used = used + 1
     WHERE subscriber_id = ? AND pool = ? AND used < allocated

  followed by the entry INSERT, inside one transaction. Zero affected rows
  means the pool is exhausted. Two concurrent debits for the last unit
  therefore cannot both succeed.

ATOMIC REFUND:
  ApplyRefund flips the entry from active to refunded with a conditional
  UPDATE and, only when that flip happened, decrements used (floored at 0).
  A second refund finds no active row and changes nothing.

TRANSACTIONS:
  When a Store is handed out by a transactional runner (see booking.TxStore)
  every method runs inside the caller's transaction, so a debit and the
  booking status write commit or roll back together.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite (tests, single node)
  - store/postgres: PostgreSQL via pgx
  - store/memory:   in-process maps (dev)
*/
package ledger

import (
	"context"
	"time"
)

// Store is the ledger's persistence contract.
type Store interface {
	// ApplyDebit consumes one unit from entry.Pool and records entry.
	// Returns *InsufficientQuotaError when the pool has no availability.
	ApplyDebit(ctx context.Context, entry Entry) error

	// ApplyRefund refunds an active entry and returns its current state.
	// Refunding an already refunded entry is a no-op.
	ApplyRefund(ctx context.Context, id EntryID, at time.Time) (*Entry, error)

	// GetEntry returns ErrEntryNotFound when the id is unknown.
	GetEntry(ctx context.Context, id EntryID) (*Entry, error)

	// ListEntries returns a subscriber's entries, newest first.
	ListEntries(ctx context.Context, subscriberID SubscriberID) ([]Entry, error)

	GetPools(ctx context.Context, subscriberID SubscriberID) ([]QuotaPool, error)

	// SetAllocation sets a pool's capacity. Fails with *AllocationError if
	// allocated would fall below used.
	SetAllocation(ctx context.Context, subscriberID SubscriberID, pool Pool, allocated int) (*QuotaPool, error)
}
