package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements booking.Store on a single execer. Store wraps it with
// locking; WithTx hands it out bound to the transaction.
type queries struct {
	q execer
}

var _ booking.Store = (*queries)(nil)

// =============================================================================
// LEDGER
// =============================================================================

func (s *queries) ApplyDebit(ctx context.Context, entry ledger.Entry) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE quota_pools
		SET used = used + 1, updated_at = ?
		WHERE subscriber_id = ? AND pool = ? AND used < allocated
	`, formatTime(entry.CreatedAt), entry.SubscriberID, entry.Pool)
	if err != nil {
		return fmt.Errorf("failed to debit pool: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
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

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, subscriber_id, pool, booking_id, provider_id, session_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.SubscriberID, entry.Pool, entry.BookingID,
		nullString(string(entry.ProviderID)), formatTime(entry.SessionDate),
		ledger.EntryActive, formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *queries) ApplyRefund(ctx context.Context, id ledger.EntryID, at time.Time) (*ledger.Entry, error) {
	entry, err := s.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE ledger_entries SET status = ?, refunded_at = ?
		WHERE id = ? AND status = ?
	`, ledger.EntryRefunded, formatTime(at), id, ledger.EntryActive)
	if err != nil {
		return nil, fmt.Errorf("failed to refund entry: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return entry, nil
	}

	_, err = s.q.ExecContext(ctx, `
		UPDATE quota_pools
		SET used = CASE WHEN used > 0 THEN used - 1 ELSE 0 END, updated_at = ?
		WHERE subscriber_id = ? AND pool = ?
	`, formatTime(at), entry.SubscriberID, entry.Pool)
	if err != nil {
		return nil, fmt.Errorf("failed to credit pool: %w", err)
	}
	return s.GetEntry(ctx, id)
}

func (s *queries) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, subscriber_id, pool, booking_id, provider_id, session_date, status, created_at, refunded_at
		FROM ledger_entries WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if isNoRows(err) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

func (s *queries) ListEntries(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.Entry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, subscriber_id, pool, booking_id, provider_id, session_date, status, created_at, refunded_at
		FROM ledger_entries
		WHERE subscriber_id = ?
		ORDER BY created_at DESC, id DESC
	`, subscriberID)
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
	rows, err := s.q.QueryContext(ctx, `
		SELECT subscriber_id, pool, allocated, used, updated_at
		FROM quota_pools WHERE subscriber_id = ?
		ORDER BY pool
	`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	var out []ledger.QuotaPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// getPool returns a zero pool when the row does not exist.
func (s *queries) getPool(ctx context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool) (*ledger.QuotaPool, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT subscriber_id, pool, allocated, used, updated_at
		FROM quota_pools WHERE subscriber_id = ? AND pool = ?
	`, subscriberID, pool)
	p, err := scanPool(row)
	if isNoRows(err) {
		return &ledger.QuotaPool{SubscriberID: subscriberID, Pool: pool}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return p, nil
}

func (s *queries) SetAllocation(ctx context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool, allocated int) (*ledger.QuotaPool, error) {
	now := formatTime(time.Now())
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO quota_pools (subscriber_id, pool, allocated, used, updated_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(subscriber_id, pool) DO UPDATE
		SET allocated = excluded.allocated, updated_at = excluded.updated_at
		WHERE excluded.allocated >= quota_pools.used
	`, subscriberID, pool, allocated, now)
	if err != nil {
		return nil, fmt.Errorf("failed to set allocation: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}

	current, err := s.getPool(ctx, subscriberID, pool)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &ledger.AllocationError{
			SubscriberID: subscriberID,
			Pool:         pool,
			Requested:    allocated,
			Used:         current.Used,
		}
	}
	return current, nil
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, subscriber_id, provider_id, scheduled_at, duration_minutes, status,
	cancellation_reason, provider_notes, ledger_entry_id, created_at, updated_at`

func (s *queries) GetBooking(ctx context.Context, id ledger.BookingID) (*booking.Booking, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if isNoRows(err) {
		return nil, &booking.NotFoundError{Kind: "booking", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return b, nil
}

func (s *queries) CreateBooking(ctx context.Context, b booking.Booking) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.SubscriberID, b.ProviderID, formatTime(b.ScheduledAt), int(b.Duration/time.Minute), b.Status,
		nullStringPtr(b.CancellationReason), nullStringPtr(b.ProviderNotes), entryRef(b.LedgerEntryID),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &booking.ValidationError{Field: "id", Message: "booking already exists"}
	}
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *queries) UpdateBooking(ctx context.Context, b booking.Booking, expected booking.Status) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bookings
		SET status = ?, scheduled_at = ?, cancellation_reason = ?, provider_notes = ?,
		    ledger_entry_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`,
		b.Status, formatTime(b.ScheduledAt), nullStringPtr(b.CancellationReason), nullStringPtr(b.ProviderNotes),
		entryRef(b.LedgerEntryID), formatTime(b.UpdatedAt),
		b.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetBooking(ctx, b.ID); err != nil {
			return err
		}
		return booking.ErrConcurrentModification
	}
	return nil
}

func (s *queries) AppendHistory(ctx context.Context, h booking.HistoryEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO booking_history (id, booking_id, from_status, to_status, actor_id, actor_role, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.BookingID, nullString(string(h.From)), h.To, h.ActorID, h.ActorRole, nullString(h.Reason), formatTime(h.At))
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

func (s *queries) ListHistory(ctx context.Context, id ledger.BookingID) ([]booking.HistoryEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_id, actor_role, reason, at
		FROM booking_history
		WHERE booking_id = ?
		ORDER BY at, rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []booking.HistoryEntry
	for rows.Next() {
		var (
			h         booking.HistoryEntry
			from, why sql.NullString
			at        string
		)
		if err := rows.Scan(&h.ID, &h.BookingID, &from, &h.To, &h.ActorID, &h.ActorRole, &why, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.From = booking.Status(from.String)
		h.Reason = why.String
		h.At = parseTime(at)
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// SUBSCRIBERS
// =============================================================================

func (s *queries) SaveSubscriber(ctx context.Context, sub booking.Subscriber) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscribers (id, company_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, sub.ID, nullStringPtr(sub.CompanyID), sub.Active, formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save subscriber: %w", err)
	}
	return nil
}

func (s *queries) GetSubscriber(ctx context.Context, id ledger.SubscriberID) (*booking.Subscriber, error) {
	var (
		sub                  booking.Subscriber
		company              sql.NullString
		createdAt, updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, company_id, active, created_at, updated_at FROM subscribers WHERE id = ?
	`, id).Scan(&sub.ID, &company, &sub.Active, &createdAt, &updatedAt)
	if isNoRows(err) {
		return nil, &booking.NotFoundError{Kind: "subscriber", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	sub.CompanyID = stringPtr(company)
	sub.CreatedAt = parseTime(createdAt)
	sub.UpdatedAt = parseTime(updatedAt)
	return &sub, nil
}

func (s *queries) SetSubscriberActive(ctx context.Context, id ledger.SubscriberID, active bool, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE subscribers SET active = ?, updated_at = ? WHERE id = ?
	`, active, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update subscriber: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
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
		provider    sql.NullString
		sessionDate sql.NullString
		createdAt   string
		refundedAt  sql.NullString
	)
	if err := row.Scan(&e.ID, &e.SubscriberID, &e.Pool, &e.BookingID, &provider, &sessionDate, &e.Status, &createdAt, &refundedAt); err != nil {
		return nil, err
	}
	e.ProviderID = ledger.ProviderID(provider.String)
	if sessionDate.Valid {
		e.SessionDate = parseTime(sessionDate.String)
	}
	e.CreatedAt = parseTime(createdAt)
	if refundedAt.Valid {
		t := parseTime(refundedAt.String)
		e.RefundedAt = &t
	}
	return &e, nil
}

func scanPool(row scanner) (*ledger.QuotaPool, error) {
	var (
		p         ledger.QuotaPool
		updatedAt string
	)
	if err := row.Scan(&p.SubscriberID, &p.Pool, &p.Allocated, &p.Used, &updatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func scanBooking(row scanner) (*booking.Booking, error) {
	var (
		b                      booking.Booking
		scheduledAt            string
		minutes                int
		reason, notes, entryID sql.NullString
		createdAt, updatedAt   string
	)
	if err := row.Scan(
		&b.ID, &b.SubscriberID, &b.ProviderID, &scheduledAt, &minutes, &b.Status,
		&reason, &notes, &entryID, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.ScheduledAt = parseTime(scheduledAt)
	b.Duration = time.Duration(minutes) * time.Minute
	b.CancellationReason = stringPtr(reason)
	b.ProviderNotes = stringPtr(notes)
	if entryID.Valid {
		id := ledger.EntryID(entryID.String)
		b.LedgerEntryID = &id
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

func entryRef(id *ledger.EntryID) sql.NullString {
	if id == nil || *id == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}
