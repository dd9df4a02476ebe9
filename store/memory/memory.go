// Package memory provides an in-process booking.TxStore for development and tests.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	subscribers   map[ledger.SubscriberID]booking.Subscriber
	pools         map[poolKey]ledger.QuotaPool
	entries       map[ledger.EntryID]ledger.Entry
	bookings      map[ledger.BookingID]booking.Booking
	history       map[ledger.BookingID][]booking.HistoryEntry
	notifications map[string][]notify.InboxRecord
}

type poolKey struct {
	SubscriberID ledger.SubscriberID
	Pool         ledger.Pool
}

var (
	_ booking.TxStore = (*Memory)(nil)
	_ notify.Inbox    = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		subscribers:   make(map[ledger.SubscriberID]booking.Subscriber),
		pools:         make(map[poolKey]ledger.QuotaPool),
		entries:       make(map[ledger.EntryID]ledger.Entry),
		bookings:      make(map[ledger.BookingID]booking.Booking),
		history:       make(map[ledger.BookingID][]booking.HistoryEntry),
		notifications: make(map[string][]notify.InboxRecord),
	}
}

// WithTx executes fn while holding the write lock.
// Rollback restores a snapshot taken before fn ran.
func (m *Memory) WithTx(_ context.Context, fn func(booking.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&view{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	subscribers map[ledger.SubscriberID]booking.Subscriber
	pools       map[poolKey]ledger.QuotaPool
	entries     map[ledger.EntryID]ledger.Entry
	bookings    map[ledger.BookingID]booking.Booking
	history     map[ledger.BookingID][]booking.HistoryEntry
}

func (m *Memory) snapshot() memorySnapshot {
	history := make(map[ledger.BookingID][]booking.HistoryEntry, len(m.history))
	for k, v := range m.history {
		history[k] = append([]booking.HistoryEntry{}, v...)
	}
	return memorySnapshot{
		subscribers: maps.Clone(m.subscribers),
		pools:       maps.Clone(m.pools),
		entries:     maps.Clone(m.entries),
		bookings:    maps.Clone(m.bookings),
		history:     history,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.subscribers = s.subscribers
	m.pools = s.pools
	m.entries = s.entries
	m.bookings = s.bookings
	m.history = s.history
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) ApplyDebit(ctx context.Context, entry ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).ApplyDebit(ctx, entry)
}

func (m *Memory) ApplyRefund(ctx context.Context, id ledger.EntryID, at time.Time) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).ApplyRefund(ctx, id, at)
}

func (m *Memory) SetAllocation(ctx context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool, allocated int) (*ledger.QuotaPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).SetAllocation(ctx, subscriberID, pool, allocated)
}

func (m *Memory) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{m: m}).GetEntry(ctx, id)
}

func (m *Memory) ListEntries(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{m: m}).ListEntries(ctx, subscriberID)
}

func (m *Memory) GetPools(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.QuotaPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{m: m}).GetPools(ctx, subscriberID)
}

// =============================================================================
// BOOKINGS AND SUBSCRIBERS
// =============================================================================

func (m *Memory) GetBooking(ctx context.Context, id ledger.BookingID) (*booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{m: m}).GetBooking(ctx, id)
}

func (m *Memory) CreateBooking(ctx context.Context, b booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).CreateBooking(ctx, b)
}

func (m *Memory) UpdateBooking(ctx context.Context, b booking.Booking, expected booking.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).UpdateBooking(ctx, b, expected)
}

func (m *Memory) AppendHistory(ctx context.Context, h booking.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).AppendHistory(ctx, h)
}

func (m *Memory) ListHistory(ctx context.Context, id ledger.BookingID) ([]booking.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{m: m}).ListHistory(ctx, id)
}

func (m *Memory) SaveSubscriber(ctx context.Context, s booking.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).SaveSubscriber(ctx, s)
}

func (m *Memory) GetSubscriber(ctx context.Context, id ledger.SubscriberID) (*booking.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{m: m}).GetSubscriber(ctx, id)
}

func (m *Memory) SetSubscriberActive(ctx context.Context, id ledger.SubscriberID, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{m: m}).SetSubscriberActive(ctx, id, active, at)
}

// =============================================================================
// INBOX
// =============================================================================

func (m *Memory) SaveNotification(_ context.Context, r notify.InboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[r.RecipientID] = append(m.notifications[r.RecipientID], r)
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, recipientID string, limit int) ([]notify.InboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.notifications[recipientID]
	out := make([]notify.InboxRecord, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// VIEW - lock-free accessors, callers hold m.mu
// =============================================================================

type view struct {
	m *Memory
}

func (v *view) ApplyDebit(_ context.Context, entry ledger.Entry) error {
	k := poolKey{entry.SubscriberID, entry.Pool}
	p, ok := v.m.pools[k]
	if !ok {
		p = ledger.QuotaPool{SubscriberID: entry.SubscriberID, Pool: entry.Pool}
	}
	if p.Used >= p.Allocated {
		return &ledger.InsufficientQuotaError{
			SubscriberID: entry.SubscriberID,
			Pool:         entry.Pool,
			Allocated:    p.Allocated,
			Used:         p.Used,
		}
	}
	p.Used++
	p.UpdatedAt = entry.CreatedAt
	v.m.pools[k] = p

	entry.Status = ledger.EntryActive
	v.m.entries[entry.ID] = entry
	return nil
}

func (v *view) ApplyRefund(_ context.Context, id ledger.EntryID, at time.Time) (*ledger.Entry, error) {
	e, ok := v.m.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	if e.Status == ledger.EntryActive {
		e.Status = ledger.EntryRefunded
		refunded := at
		e.RefundedAt = &refunded
		v.m.entries[id] = e

		k := poolKey{e.SubscriberID, e.Pool}
		if p, ok := v.m.pools[k]; ok {
			if p.Used > 0 {
				p.Used--
			}
			p.UpdatedAt = at
			v.m.pools[k] = p
		}
	}
	return &e, nil
}

func (v *view) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	e, ok := v.m.entries[id]
	if !ok {
		return nil, ledger.ErrEntryNotFound
	}
	return &e, nil
}

func (v *view) ListEntries(_ context.Context, subscriberID ledger.SubscriberID) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range v.m.entries {
		if e.SubscriberID == subscriberID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (v *view) GetPools(_ context.Context, subscriberID ledger.SubscriberID) ([]ledger.QuotaPool, error) {
	var out []ledger.QuotaPool
	for _, p := range ledger.Pools() {
		if q, ok := v.m.pools[poolKey{subscriberID, p}]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (v *view) SetAllocation(_ context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool, allocated int) (*ledger.QuotaPool, error) {
	k := poolKey{subscriberID, pool}
	p, ok := v.m.pools[k]
	if !ok {
		p = ledger.QuotaPool{SubscriberID: subscriberID, Pool: pool}
	}
	if allocated < p.Used {
		return nil, &ledger.AllocationError{SubscriberID: subscriberID, Pool: pool, Requested: allocated, Used: p.Used}
	}
	p.Allocated = allocated
	p.UpdatedAt = time.Now().UTC()
	v.m.pools[k] = p
	return &p, nil
}

func (v *view) GetBooking(_ context.Context, id ledger.BookingID) (*booking.Booking, error) {
	b, ok := v.m.bookings[id]
	if !ok {
		return nil, &booking.NotFoundError{Kind: "booking", ID: string(id)}
	}
	return &b, nil
}

func (v *view) CreateBooking(_ context.Context, b booking.Booking) error {
	if _, ok := v.m.bookings[b.ID]; ok {
		return &booking.ValidationError{Field: "id", Message: "booking already exists"}
	}
	if _, ok := v.m.subscribers[b.SubscriberID]; !ok {
		return &booking.NotFoundError{Kind: "subscriber", ID: string(b.SubscriberID)}
	}
	v.m.bookings[b.ID] = b
	return nil
}

func (v *view) UpdateBooking(_ context.Context, b booking.Booking, expected booking.Status) error {
	cur, ok := v.m.bookings[b.ID]
	if !ok {
		return &booking.NotFoundError{Kind: "booking", ID: string(b.ID)}
	}
	if cur.Status != expected {
		return booking.ErrConcurrentModification
	}
	b.CreatedAt = cur.CreatedAt
	v.m.bookings[b.ID] = b
	return nil
}

func (v *view) AppendHistory(_ context.Context, h booking.HistoryEntry) error {
	v.m.history[h.BookingID] = append(v.m.history[h.BookingID], h)
	return nil
}

func (v *view) ListHistory(_ context.Context, id ledger.BookingID) ([]booking.HistoryEntry, error) {
	return append([]booking.HistoryEntry(nil), v.m.history[id]...), nil
}

func (v *view) SaveSubscriber(_ context.Context, s booking.Subscriber) error {
	if cur, ok := v.m.subscribers[s.ID]; ok {
		s.CreatedAt = cur.CreatedAt
	}
	v.m.subscribers[s.ID] = s
	return nil
}

func (v *view) GetSubscriber(_ context.Context, id ledger.SubscriberID) (*booking.Subscriber, error) {
	s, ok := v.m.subscribers[id]
	if !ok {
		return nil, &booking.NotFoundError{Kind: "subscriber", ID: string(id)}
	}
	return &s, nil
}

func (v *view) SetSubscriberActive(_ context.Context, id ledger.SubscriberID, active bool, at time.Time) error {
	s, ok := v.m.subscribers[id]
	if !ok {
		return &booking.NotFoundError{Kind: "subscriber", ID: string(id)}
	}
	s.Active = active
	s.UpdatedAt = at
	v.m.subscribers[id] = s
	return nil
}
