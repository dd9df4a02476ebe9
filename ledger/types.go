/*
Package ledger tracks session entitlements for subscribers.

PURPOSE:
  Every subscriber has two quota pools:
  - company:  sessions funded by the employer
  - personal: sessions the subscriber paid for

  A pool carries an allocation (capacity) and a used counter. Each completed
  session consumes one unit and leaves a LedgerEntry behind. Cancelling a
  completed-and-charged session refunds the unit and flips the entry to
  refunded. Entries are never deleted; refunds are recorded on the entry.

KEY CONCEPTS IN THIS FILE (types.go):
  - Pool:       which balance is charged (company, personal)
  - QuotaPool:  allocated/used counters for one subscriber+pool
  - Entry:      an immutable record of one debit (status flips once)

INVARIANTS:
  1. 0 <= Used <= Allocated for every pool, at every instant
  2. Used changes only through debit (+1) and refund (-1, floored at 0)
  3. An entry goes active -> refunded at most once

SEE ALSO:
  - ledger.go: Debit/Refund orchestration and pool fallback
  - store.go:  Persistence contract (atomic per-pool operations)
*/
package ledger

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SubscriberID string
type ProviderID string
type BookingID string
type EntryID string

// =============================================================================
// POOL
// =============================================================================

// Pool names one of the two balances a subscriber draws sessions from.
type Pool string

const (
	PoolCompany  Pool = "company"
	PoolPersonal Pool = "personal"
)

// Pools returns every pool in default consumption order.
func Pools() []Pool { return []Pool{PoolCompany, PoolPersonal} }

func (p Pool) Valid() bool { return p == PoolCompany || p == PoolPersonal }

// Other returns the fallback pool for p.
func (p Pool) Other() Pool {
	if p == PoolPersonal {
		return PoolCompany
	}
	return PoolPersonal
}

// ParsePool converts a string into a Pool.
func ParsePool(s string) (Pool, error) {
	p := Pool(s)
	if !p.Valid() {
		return "", &UnknownPoolError{Pool: s}
	}
	return p, nil
}

// =============================================================================
// QUOTA POOL - Allocated vs used counters for one subscriber+pool
// =============================================================================

type QuotaPool struct {
	SubscriberID SubscriberID
	Pool         Pool
	Allocated    int
	Used         int
	UpdatedAt    time.Time
}

// Available is derived, never stored.
func (q QuotaPool) Available() int {
	if q.Used >= q.Allocated {
		return 0
	}
	return q.Allocated - q.Used
}

// Balance is both pools of a subscriber. Missing pools read as zero allocation.
type Balance struct {
	SubscriberID SubscriberID
	Company      QuotaPool
	Personal     QuotaPool
}

func (b Balance) Pool(p Pool) QuotaPool {
	if p == PoolPersonal {
		return b.Personal
	}
	return b.Company
}

func (b Balance) TotalAvailable() int { return b.Company.Available() + b.Personal.Available() }

// NewBalance folds pool rows into a Balance, filling in empty pools.
func NewBalance(subscriberID SubscriberID, pools []QuotaPool) Balance {
	b := Balance{
		SubscriberID: subscriberID,
		Company:      QuotaPool{SubscriberID: subscriberID, Pool: PoolCompany},
		Personal:     QuotaPool{SubscriberID: subscriberID, Pool: PoolPersonal},
	}
	for _, p := range pools {
		switch p.Pool {
		case PoolCompany:
			b.Company = p
		case PoolPersonal:
			b.Personal = p
		}
	}
	return b
}

// =============================================================================
// ENTRY - One unit of session entitlement consumed
// =============================================================================

type EntryStatus string

const (
	EntryActive   EntryStatus = "active"
	EntryRefunded EntryStatus = "refunded"
)

type Entry struct {
	ID           EntryID
	SubscriberID SubscriberID
	Pool         Pool
	BookingID    BookingID
	ProviderID   ProviderID
	SessionDate  time.Time
	Status       EntryStatus
	CreatedAt    time.Time
	RefundedAt   *time.Time
}

func (e Entry) IsActive() bool { return e.Status == EntryActive }

// DebitRequest describes the session being charged.
type DebitRequest struct {
	SubscriberID  SubscriberID
	BookingID     BookingID
	ProviderID    ProviderID
	SessionDate   time.Time
	PreferredPool Pool
}
