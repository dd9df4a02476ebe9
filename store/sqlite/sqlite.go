/*
Package sqlite provides a SQLite-backed implementation of the booking and
ledger storage interfaces.

PURPOSE:
  Implements booking.TxStore (which embeds ledger.Store) and notify.Inbox.
  Used for tests and single-node deployments; store/postgres carries the
  same contract for multi-instance deployments.

KEY TABLES:
  subscribers:      enrolled employees (deactivated, never deleted)
  quota_pools:      allocated/used per subscriber+pool, CHECK 0 <= used <= allocated
  ledger_entries:   one row per debit, status active|refunded
  bookings:         sessions with status and ledger_entry_id
  booking_history:  audit of applied transitions
  notifications:    in-app inbox

CONCURRENCY:
  Writers are serialized twice over:
  - sync.RWMutex in the Store (one writer transaction at a time)
  - conditional UPDATEs (used < allocated, status = expected)
  The second guard is what makes the contract hold; the mutex only keeps
  SQLite from returning SQLITE_BUSY under load. Transactions are opened with
  _txlock=immediate so the write lock is taken at BEGIN.

CONNECTIONS:
  The pool is limited to one connection. ":memory:" databases are
  per-connection, and one connection also means a transaction never waits
  on itself. Inside WithTx every query goes through the *sql.Tx.

USAGE:
  store, err := sqlite.New("./data/sessions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
)

// timeLayout sorts lexically when every value is UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements booking.TxStore and notify.Inbox using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ booking.TxStore = (*Store)(nil)
	_ notify.Inbox    = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscribers (
		id TEXT PRIMARY KEY,
		company_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- used never leaves [0, allocated]; the CHECK backs up the conditional updates
	CREATE TABLE IF NOT EXISTS quota_pools (
		subscriber_id TEXT NOT NULL REFERENCES subscribers(id),
		pool TEXT NOT NULL CHECK (pool IN ('company', 'personal')),
		allocated INTEGER NOT NULL DEFAULT 0,
		used INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (subscriber_id, pool),
		CHECK (used >= 0 AND used <= allocated)
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		pool TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		provider_id TEXT,
		session_date TEXT,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'refunded')),
		created_at TEXT NOT NULL,
		refunded_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_subscriber
		ON ledger_entries(subscriber_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_booking
		ON ledger_entries(booking_id);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL REFERENCES subscribers(id),
		provider_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		status TEXT NOT NULL,
		cancellation_reason TEXT,
		provider_notes TEXT,
		ledger_entry_id TEXT REFERENCES ledger_entries(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_subscriber ON bookings(subscriber_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_provider ON bookings(provider_id);

	CREATE TABLE IF NOT EXISTS booking_history (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL REFERENCES bookings(id),
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		reason TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_booking_history_booking ON booking_history(booking_id, at);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		booking_id TEXT,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (booking.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns an error the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(booking.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) read() *queries {
	return &queries{q: s.db}
}

// =============================================================================
// LEDGER (ledger.Store interface)
// =============================================================================

// ApplyDebit runs in its own transaction when called outside WithTx.
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
	var out *ledger.QuotaPool
	err := s.WithTx(ctx, func(tx booking.Store) error {
		var err error
		out, err = tx.SetAllocation(ctx, subscriberID, pool, allocated)
		return err
	})
	return out, err
}

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetEntry(ctx, id)
}

func (s *Store) ListEntries(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListEntries(ctx, subscriberID)
}

func (s *Store) GetPools(ctx context.Context, subscriberID ledger.SubscriberID) ([]ledger.QuotaPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetPools(ctx, subscriberID)
}

// =============================================================================
// BOOKINGS (booking.Store interface)
// =============================================================================

func (s *Store) GetBooking(ctx context.Context, id ledger.BookingID) (*booking.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetBooking(ctx, id)
}

func (s *Store) CreateBooking(ctx context.Context, b booking.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().CreateBooking(ctx, b)
}

func (s *Store) UpdateBooking(ctx context.Context, b booking.Booking, expected booking.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().UpdateBooking(ctx, b, expected)
}

func (s *Store) AppendHistory(ctx context.Context, h booking.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AppendHistory(ctx, h)
}

func (s *Store) ListHistory(ctx context.Context, id ledger.BookingID) ([]booking.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().ListHistory(ctx, id)
}

func (s *Store) SaveSubscriber(ctx context.Context, sub booking.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().SaveSubscriber(ctx, sub)
}

func (s *Store) GetSubscriber(ctx context.Context, id ledger.SubscriberID) (*booking.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read().GetSubscriber(ctx, id)
}

func (s *Store) SetSubscriberActive(ctx context.Context, id ledger.SubscriberID, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().SetSubscriberActive(ctx, id, active, at)
}

// =============================================================================
// INBOX (notify.Inbox interface)
// =============================================================================

func (s *Store) SaveNotification(ctx context.Context, r notify.InboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, title, body, booking_id, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.RecipientID, r.Title, r.Body, nullString(r.BookingID), r.Read, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, recipientID string, limit int) ([]notify.InboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, title, body, booking_id, read, created_at
		FROM notifications
		WHERE recipient_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []notify.InboxRecord
	for rows.Next() {
		var (
			r         notify.InboxRecord
			bookingID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.RecipientID, &r.Title, &r.Body, &bookingID, &r.Read, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		r.BookingID = bookingID.String
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset deletes every row. Test helper.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"notifications", "booking_history", "bookings", "ledger_entries", "quota_pools", "subscribers"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

var errNoRows = sql.ErrNoRows

func isNoRows(err error) bool { return errors.Is(err, errNoRows) }
