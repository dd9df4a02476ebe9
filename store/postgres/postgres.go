/*
Package postgres provides a PostgreSQL implementation of booking.TxStore and
notify.Inbox on top of pgx.

CONCURRENCY:
  Multiple service instances can share one database. Correctness rests on
  the datastore, not on process memory:
  - GetBooking inside WithTx takes SELECT ... FOR UPDATE on the booking row
  - debits are conditional UPDATEs (used < allocated)
  - status writes are conditional on the expected previous status
  - quota_pools carries CHECK (used >= 0 AND used <= allocated)

MIGRATIONS:
  Schema lives in migrations/*.sql (goose format, embedded). Migrate runs
  them through database/sql with the pgx stdlib driver; the Store itself
  talks to the database through a pgxpool.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
	"github.com/warp/session-ledger/store/postgres/migrations"
)

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ booking.TxStore = (*Store)(nil)
	_ notify.Inbox    = (*Store)(nil)
)

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded migrations to dsn.
func Migrate(dsn string) error {
	db, err := goose.OpenDBWithDriver("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction. Reads of bookings made through
// the Store passed to fn lock the row until commit.
func (s *Store) WithTx(ctx context.Context, fn func(booking.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&queries{db: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) read() *queries {
	return &queries{db: s.pool}
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) ApplyDebit(ctx context.Context, entry ledger.Entry) error {
	return s.WithTx(ctx, func(tx booking.Store) error {
		return tx.ApplyDebit(ctx, entry)
	})
}

func (s *Store) ApplyRefund(ctx context.Context, id ledger.EntryID, at time.Time) (*ledger.Entry, error) {
	var out *ledger.Entry
	err := s.WithTx(ctx, func(tx booking.Store) error {
		var err error
		out, err = tx.ApplyRefund(ctx, id, at)
		return err
	})
	return out, err
}

func (s *Store) SetAllocation(ctx context.Context, subscriberID ledger.SubscriberID, pool ledger.Pool, allocated int) (*ledger.QuotaPool, error) {
	return s.read().SetAllocation(ctx, subscriberID, pool, allocated)
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	return s.read().GetEntry(ctx, id)
}

func (s *Store) ListEntries(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.Entry, error) {
	return s.read().ListEntries(ctx, subscriberID)
}

func (s *Store) GetPools(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.QuotaPool, error) {
	return s.read().GetPools(ctx, subscriberID)
}

// =============================================================================
// BOOKINGS AND SUBSCRIBERS
// =============================================================================

func (s *Store) GetBooking(ctx context.Context, id ledger.BookingID) (*booking.Booking, error) {
	return s.read().GetBooking(ctx, id)
}

func (s *Store) CreateBooking(ctx context.Context, b booking.Booking) error {
	return s.read().CreateBooking(ctx, b)
}

func (s *Store) UpdateBooking(ctx context.Context, b booking.Booking, expected booking.Status) error {
	return s.read().UpdateBooking(ctx, b, expected)
}

func (s *Store) AppendHistory(ctx context.Context, h booking.HistoryEntry) error {
	return s.read().AppendHistory(ctx, h)
}

func (s *Store) ListHistory(ctx context.Context, id ledger.BookingID) ([]booking.HistoryEntry, error) {
	return s.read().ListHistory(ctx, id)
}

func (s *Store) SaveSubscriber(ctx context.Context, sub booking.Subscriber) error {
	return s.read().SaveSubscriber(ctx, sub)
}

func (s *Store) GetSubscriber(ctx context.Context, id ledger.SubscriberID) (*booking.Subscriber, error) {
	return s.read().GetSubscriber(ctx, id)
}

func (s *Store) SetSubscriberActive(ctx context.Context, id ledger.SubscriberID, active bool, at time.Time) error {
	return s.read().SetSubscriberActive(ctx, id, active, at)
}

// =============================================================================
// INBOX
// =============================================================================

func (s *Store) SaveNotification(ctx context.Context, r notify.InboxRecord) error {
	const q = `
INSERT INTO notifications (id, recipient_id, title, body, booking_id, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, q, r.ID, r.RecipientID, r.Title, r.Body, optional(r.BookingID), r.Read, r.CreatedAt); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string, limit int) ([]notify.InboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, recipient_id, title, body, COALESCE(booking_id, ''), read, created_at
FROM notifications
WHERE recipient_id = $1
ORDER BY created_at DESC
LIMIT $2`
	rows, err := s.pool.Query(ctx, q, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.InboxRecord
	for rows.Next() {
		var r notify.InboxRecord
		if err := rows.Scan(&r.ID, &r.RecipientID, &r.Title, &r.Body, &r.BookingID, &r.Read, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset truncates every table. Test helper.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE notifications, booking_history, bookings, ledger_entries, quota_pools, subscribers`)
	return err
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
