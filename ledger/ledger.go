/*
ledger.go - Debit and refund orchestration

PURPOSE:
  Ledger wraps a Store with the pool-selection policy:
  - Debit charges exactly one pool
  - DebitWithFallback charges the preferred pool, then the other one
  - Refund reverses a debit

FALLBACK ORDER:
  Preferred pool first (company by default), then its Other(). Only an
  InsufficientQuotaError moves on to the next pool; any other failure stops
  immediately and is returned unchanged. When every pool is exhausted the
  result is a QuotaExhaustedError listing the pools tried.

  Run the Ledger against a transaction-scoped Store (Ledger.With) to make the
  whole fallback one atomic unit together with the caller's other writes.

EXAMPLE:
  l := ledger.New(store)
  entry, err := l.DebitWithFallback(ctx, ledger.DebitRequest{
      SubscriberID: "sub-1", BookingID: "bk-9", PreferredPool: ledger.PoolCompany,
  })
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Ledger struct {
	Store Store
	Now   func() time.Time
	NewID func() EntryID
}

func New(store Store) *Ledger {
	return &Ledger{
		Store: store,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: func() EntryID { return EntryID(uuid.NewString()) },
	}
}

// With returns a copy of l bound to store, typically a transaction.
func (l *Ledger) With(store Store) *Ledger {
	cp := *l
	cp.Store = store
	return &cp
}

// Debit consumes one unit from req.PreferredPool.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*Entry, error) {
	pool := req.PreferredPool
	if pool == "" {
		pool = PoolCompany
	}
	if !pool.Valid() {
		return nil, &UnknownPoolError{Pool: string(pool)}
	}

	entry := Entry{
		ID:           l.NewID(),
		SubscriberID: req.SubscriberID,
		Pool:         pool,
		BookingID:    req.BookingID,
		ProviderID:   req.ProviderID,
		SessionDate:  req.SessionDate,
		Status:       EntryActive,
		CreatedAt:    l.Now(),
	}
	if err := l.Store.ApplyDebit(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// DebitWithFallback tries the preferred pool and then the other one.
func (l *Ledger) DebitWithFallback(ctx context.Context, req DebitRequest) (*Entry, error) {
	first := req.PreferredPool
	if first == "" {
		first = PoolCompany
	}
	if !first.Valid() {
		return nil, &UnknownPoolError{Pool: string(first)}
	}

	var tried []Pool
	for _, pool := range []Pool{first, first.Other()} {
		attempt := req
		attempt.PreferredPool = pool
		entry, err := l.Debit(ctx, attempt)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrInsufficientQuota) {
			return nil, err
		}
		tried = append(tried, pool)
	}
	return nil, &QuotaExhaustedError{SubscriberID: req.SubscriberID, Tried: tried}
}

// Refund reverses the debit recorded by id. Already refunded entries are returned unchanged.
func (l *Ledger) Refund(ctx context.Context, id EntryID) (*Entry, error) {
	entry, err := l.Store.ApplyRefund(ctx, id, l.Now())
	if err != nil {
		return nil, fmt.Errorf("refund %s: %w", id, err)
	}
	return entry, nil
}

func (l *Ledger) Balance(ctx context.Context, subscriberID SubscriberID) (Balance, error) {
	pools, err := l.Store.GetPools(ctx, subscriberID)
	if err != nil {
		return Balance{}, err
	}
	return NewBalance(subscriberID, pools), nil
}

func (l *Ledger) Entries(ctx context.Context, subscriberID SubscriberID) ([]Entry, error) {
	return l.Store.ListEntries(ctx, subscriberID)
}

// Allocate sets a pool's capacity.
func (l *Ledger) Allocate(ctx context.Context, subscriberID SubscriberID, pool Pool, allocated int) (*QuotaPool, error) {
	if !pool.Valid() {
		return nil, &UnknownPoolError{Pool: string(pool)}
	}
	if allocated < 0 {
		return nil, &AllocationError{SubscriberID: subscriberID, Pool: pool, Requested: allocated}
	}
	return l.Store.SetAllocation(ctx, subscriberID, pool, allocated)
}
