package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
)

type queries struct {
	db   dbtx
	lock bool // inside WithTx: lock booking rows on read
}

var _ booking.Store = (*queries)(nil)

// =============================================================================
// LEDGER
// =============================================================================

func (s *queries) ApplyDebit(ctx context.Context, entry ledger.Entry) error {
	const debit = `
UPDATE quota_pools
SET used = used + 1,
    updated_at = $3
WHERE subscriber_id = $1
  AND pool = $2
  AND used < allocated`
	tag, err := s.db.Exec(ctx, debit, entry.SubscriberID, entry.Pool, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to debit pool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		pool, err := s.getPool(ctx, entry.SubscriberID, entry.Pool)
		if err != nil {
			return err
		}
		return &ledger.InsufficientQuotaError{
			SubscriberID: entry.SubscriberID,
			Pool:         entry.Pool,
			Allocated:    pool.Allocated,
			Used:         pool.Used,
		}
	}

	const insert = `
INSERT INTO ledger_entries (id, subscriber_id, pool, booking_id, provider_id, session_date, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(ctx, insert,
		entry.ID, entry.SubscriberID, entry.Pool, entry.BookingID,
		optional(string(entry.ProviderID)), entry.SessionDate, ledger.EntryActive, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *queries) ApplyRefund(ctx context.Context, id ledger.EntryID, at time.Time) (*ledger.Entry, error) {
	const flip = `
UPDATE ledger_entries
SET status = 'refunded', refunded_at = $2
WHERE id = $1 AND status = 'active'
RETURNING subscriber_id, pool`
	var (
		subscriberID ledger.SubscriberID
		pool         ledger.Pool
	)
	err := s.db.QueryRow(ctx, flip, id, at).Scan(&subscriberID, &pool)
	switch {
	case isNoRows(err):
		// unknown or already refunded
		return s.GetEntry(ctx, id)
	case err != nil:
		return nil, fmt.Errorf("failed to refund entry: %w", err)
	}

	const credit = `
UPDATE quota_pools
SET used = GREATEST(used - 1, 0), updated_at = $3
WHERE subscriber_id = $1 AND pool = $2`
	if _, err := s.db.Exec(ctx, credit, subscriberID, pool, at); err != nil {
		return nil, fmt.Errorf("failed to credit pool: %w", err)
	}
	return s.GetEntry(ctx, id)
}

const entryColumns = `id, subscriber_id, pool, booking_id, COALESCE(provider_id, ''), session_date, status, created_at, refunded_at`

func (s *queries) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	e, err := scanEntry(s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

func (s *queries) ListEntries(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.Entry, error) {
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+`
FROM ledger_entries
WHERE subscriber_id = $1
ORDER BY created_at DESC, id DESC`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *queries) GetPools(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.QuotaPool, error) {
	rows, err := s.db.Query(ctx, `
SELECT subscriber_id, pool, allocated, used, updated_at
FROM quota_pools
WHERE subscriber_id = $1
ORDER BY pool`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	var out []ledger.QuotaPool
	for rows.Next() {
		var p ledger.QuotaPool
		if err := rows.Scan(&p.SubscriberID, &p.Pool, &p.Allocated, &p.Used, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *queries) getPool(ctx context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool) (*ledger.QuotaPool, error) {
	p := ledger.QuotaPool{SubscriberID: subscriberID, Pool: pool}
	err := s.db.QueryRow(ctx, `
SELECT allocated, used, updated_at FROM quota_pools WHERE subscriber_id = $1 AND pool = $2`,
		subscriberID, pool,
	).Scan(&p.Allocated, &p.Used, &p.UpdatedAt)
	if isNoRows(err) {
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return &p, nil
}

func (s *queries) SetAllocation(ctx context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool, allocated int) (*ledger.QuotaPool, error) {
	const q = `
INSERT INTO quota_pools (subscriber_id, pool, allocated, used, updated_at)
VALUES ($1, $2, $3, 0, NOW())
ON CONFLICT (subscriber_id, pool)
DO UPDATE SET allocated = EXCLUDED.allocated,
              updated_at = NOW()
WHERE quota_pools.used <= EXCLUDED.allocated
RETURNING subscriber_id, pool, allocated, used, updated_at`
	var p ledger.QuotaPool
	err := s.db.QueryRow(ctx, q, subscriberID, pool, allocated).
		Scan(&p.SubscriberID, &p.Pool, &p.Allocated, &p.Used, &p.UpdatedAt)
	if isNoRows(err) {
		current, err := s.getPool(ctx, subscriberID, pool)
		if err != nil {
			return nil, err
		}
		return nil, &ledger.AllocationError{
			SubscriberID: subscriberID,
			Pool:         pool,
			Requested:    allocated,
			Used:         current.Used,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set allocation: %w", err)
	}
	return &p, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, subscriber_id, provider_id, scheduled_at, duration_minutes, status,
       cancellation_reason, provider_notes, ledger_entry_id, created_at, updated_at`

func (s *queries) GetBooking(ctx context.Context, id ledger.BookingID) (*booking.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	if s.lock {
		q += ` FOR UPDATE`
	}
	b, err := scanBooking(s.db.QueryRow(ctx, q, id))
	if isNoRows(err) {
		return nil, &booking.NotFoundError{Kind: "booking", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (s *queries) CreateBooking(ctx context.Context, b booking.Booking) error {
	_, err := s.db.Exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.SubscriberID, b.ProviderID, b.ScheduledAt, int(b.Duration/time.Minute), b.Status,
		b.CancellationReason, b.ProviderNotes, entryRef(b.LedgerEntryID), b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &booking.ValidationError{Field: "id", Message: "booking already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *queries) UpdateBooking(ctx context.Context, b booking.Booking, expected booking.Status) error {
	const q = `
UPDATE bookings
SET status = $2,
    scheduled_at = $3,
    cancellation_reason = $4,
    provider_notes = $5,
    ledger_entry_id = $6,
    updated_at = $7
WHERE id = $1 AND status = $8`
	tag, err := s.db.Exec(ctx, q,
		b.ID, b.Status, b.ScheduledAt, b.CancellationReason, b.ProviderNotes,
		entryRef(b.LedgerEntryID), b.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBooking(ctx, b.ID); err != nil {
			return err
		}
		return booking.ErrConcurrentModification
	}
	return nil
}

func (s *queries) AppendHistory(ctx context.Context, h booking.HistoryEntry) error {
	const q = `
INSERT INTO booking_history (id, booking_id, from_status, to_status, actor_id, actor_role, reason, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, q, h.ID, h.BookingID, optional(string(h.From)), h.To, h.ActorID, h.ActorRole, optional(h.Reason), h.At)
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

func (s *queries) ListHistory(ctx context.Context, id ledger.BookingID) ([]booking.HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, booking_id, COALESCE(from_status, ''), to_status, actor_id, actor_role, COALESCE(reason, ''), at
FROM booking_history
WHERE booking_id = $1
ORDER BY at, seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []booking.HistoryEntry
	for rows.Next() {
		var h booking.HistoryEntry
		if err := rows.Scan(&h.ID, &h.BookingID, &h.From, &h.To, &h.ActorID, &h.ActorRole, &h.Reason, &h.At); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// SUBSCRIBERS
// =============================================================================

func (s *queries) SaveSubscriber(ctx context.Context, sub booking.Subscriber) error {
	const q = `
INSERT INTO subscribers (id, company_id, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id)
DO UPDATE SET company_id = EXCLUDED.company_id,
              active = EXCLUDED.active,
              updated_at = EXCLUDED.updated_at`
	if _, err := s.db.Exec(ctx, q, sub.ID, sub.CompanyID, sub.Active, sub.CreatedAt, sub.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save subscriber: %w", err)
	}
	return nil
}

func (s *queries) GetSubscriber(ctx context.Context, id ledger.SubscriberID) (*booking.Subscriber, error) {
	var sub booking.Subscriber
	err := s.db.QueryRow(ctx, `
SELECT id, company_id, active, created_at, updated_at FROM subscribers WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.CompanyID, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if isNoRows(err) {
		return nil, &booking.NotFoundError{Kind: "subscriber", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return &sub, nil
}

func (s *queries) SetSubscriberActive(ctx context.Context, id ledger.SubscriberID, active bool, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE subscribers SET active = $2, updated_at = $3 WHERE id = $1`, id, active, at)
	if err != nil {
		return fmt.Errorf("failed to update subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &booking.NotFoundError{Kind: "subscriber", ID: string(id)}
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*ledger.Entry, error) {
	var (
		e           ledger.Entry
		sessionDate *time.Time
	)
	if err := row.Scan(&e.ID, &e.SubscriberID, &e.Pool, &e.BookingID, &e.ProviderID, &sessionDate, &e.Status, &e.CreatedAt, &e.RefundedAt); err != nil {
		return nil, err
	}
	if sessionDate != nil {
		e.SessionDate = sessionDate.UTC()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func scanBooking(row scanner) (*booking.Booking, error) {
	var (
		b       booking.Booking
		minutes int
		entryID *string
	)
	if err := row.Scan(
		&b.ID, &b.SubscriberID, &b.ProviderID, &b.ScheduledAt, &minutes, &b.Status,
		&b.CancellationReason, &b.ProviderNotes, &entryID, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.Duration = time.Duration(minutes) * time.Minute
	if entryID != nil {
		id := ledger.EntryID(*entryID)
		b.LedgerEntryID = &id
	}
	return &b, nil
}

func entryRef(id *ledger.EntryID) *string {
	if id == nil || *id == "" {
		return nil
	}
	s := string(*id)
	return &s
}
