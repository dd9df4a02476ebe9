package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/session-ledger/ledger"
)

// Service covers everything around the lifecycle that is not a transition:
// creating and reading bookings, enrollment and quota administration.
type Service struct {
	Store  TxStore
	Ledger *ledger.Ledger
	Now    func() time.Time
	NewID  func() string
}

func NewService(store TxStore) *Service {
	return &Service{
		Store:  store,
		Ledger: ledger.New(store),
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  uuid.NewString,
	}
}

// NewBooking is the input for CreateBooking.
type NewBooking struct {
	SubscriberID ledger.SubscriberID
	ProviderID   ledger.ProviderID
	ScheduledAt  time.Time
	Duration     time.Duration
}

func (n NewBooking) validate() error {
	switch {
	case strings.TrimSpace(string(n.SubscriberID)) == "":
		return &ValidationError{Field: "subscriber_id", Message: "is required"}
	case strings.TrimSpace(string(n.ProviderID)) == "":
		return &ValidationError{Field: "provider_id", Message: "is required"}
	case n.ScheduledAt.IsZero():
		return &ValidationError{Field: "scheduled_at", Message: "is required"}
	case n.Duration < time.Minute:
		return &ValidationError{Field: "duration", Message: "must be at least one minute"}
	}
	return nil
}

// CreateBooking stores a new scheduled booking for an active subscriber.
func (s *Service) CreateBooking(ctx context.Context, caller Caller, in NewBooking) (*Booking, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.Now()
	b := Booking{
		ID:           ledger.BookingID(s.NewID()),
		SubscriberID: in.SubscriberID,
		ProviderID:   in.ProviderID,
		ScheduledAt:  in.ScheduledAt.UTC(),
		Duration:     in.Duration,
		Status:       StatusScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !CanView(caller, b) {
		return nil, &AuthorizationError{CallerID: caller.ID, Role: caller.Role, BookingID: b.ID, Action: "create"}
	}

	err := s.Store.WithTx(ctx, func(tx Store) error {
		sub, err := tx.GetSubscriber(ctx, in.SubscriberID)
		if err != nil {
			return err
		}
		if !sub.Active {
			return &ValidationError{Field: "subscriber_id", Message: "subscriber is not active"}
		}
		if err := tx.CreateBooking(ctx, b); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, HistoryEntry{
			ID:        s.NewID(),
			BookingID: b.ID,
			To:        StatusScheduled,
			ActorID:   caller.ID,
			ActorRole: caller.Role,
			At:        now,
		})
	})
	if err != nil {
		return nil, wrapStoreErr("create booking", err)
	}
	return &b, nil
}

// GetBooking returns a booking visible to caller.
func (s *Service) GetBooking(ctx context.Context, caller Caller, id ledger.BookingID) (*Booking, error) {
	b, err := s.Store.GetBooking(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("get booking", err)
	}
	if !CanView(caller, *b) {
		return nil, &AuthorizationError{CallerID: caller.ID, Role: caller.Role, BookingID: id, Action: "view"}
	}
	return b, nil
}

func (s *Service) History(ctx context.Context, caller Caller, id ledger.BookingID) ([]HistoryEntry, error) {
	if _, err := s.GetBooking(ctx, caller, id); err != nil {
		return nil, err
	}
	h, err := s.Store.ListHistory(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("list history", err)
	}
	return h, nil
}

// =============================================================================
// ENROLLMENT AND QUOTA ADMINISTRATION
// =============================================================================

func (s *Service) EnrollSubscriber(ctx context.Context, caller Caller, sub Subscriber) (*Subscriber, error) {
	if !caller.CanManageQuota() {
		return nil, &AuthorizationError{CallerID: caller.ID, Role: caller.Role, Action: "enroll subscribers for"}
	}
	if strings.TrimSpace(string(sub.ID)) == "" {
		return nil, &ValidationError{Field: "id", Message: "is required"}
	}
	now := s.Now()
	sub.UpdatedAt = now
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if err := s.Store.SaveSubscriber(ctx, sub); err != nil {
		return nil, wrapStoreErr("save subscriber", err)
	}
	return &sub, nil
}

func (s *Service) DeactivateSubscriber(ctx context.Context, caller Caller, id ledger.SubscriberID) error {
	if !caller.CanManageQuota() {
		return &AuthorizationError{CallerID: caller.ID, Role: caller.Role, Action: "deactivate subscribers for"}
	}
	if err := s.Store.SetSubscriberActive(ctx, id, false, s.Now()); err != nil {
		return wrapStoreErr("deactivate subscriber", err)
	}
	return nil
}

// Allocate sets the capacity of one of the subscriber's pools.
func (s *Service) Allocate(ctx context.Context, caller Caller, id ledger.SubscriberID, pool ledger.Pool, allocated int) (*ledger.QuotaPool, error) {
	if !caller.CanManageQuota() {
		return nil, &AuthorizationError{CallerID: caller.ID, Role: caller.Role, Action: "allocate quota for"}
	}
	if _, err := s.Store.GetSubscriber(ctx, id); err != nil {
		return nil, wrapStoreErr("get subscriber", err)
	}
	q, err := s.Ledger.Allocate(ctx, id, pool, allocated)
	if err != nil {
		return nil, wrapStoreErr("allocate quota", err)
	}
	return q, nil
}

func (s *Service) Balance(ctx context.Context, caller Caller, id ledger.SubscriberID) (ledger.Balance, error) {
	if !canSeeQuota(caller, id) {
		return ledger.Balance{}, &AuthorizationError{CallerID: caller.ID, Role: caller.Role, Action: "view quota for"}
	}
	b, err := s.Ledger.Balance(ctx, id)
	if err != nil {
		return ledger.Balance{}, wrapStoreErr("get balance", err)
	}
	return b, nil
}

func (s *Service) Entries(ctx context.Context, caller Caller, id ledger.SubscriberID) ([]ledger.Entry, error) {
	if !canSeeQuota(caller, id) {
		return nil, &AuthorizationError{CallerID: caller.ID, Role: caller.Role, Action: "view ledger for"}
	}
	entries, err := s.Ledger.Entries(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("list entries", err)
	}
	return entries, nil
}

func canSeeQuota(caller Caller, id ledger.SubscriberID) bool {
	if caller.CanManageQuota() {
		return true
	}
	return caller.Role == RoleSubscriber && caller.ID == string(id)
}

func wrapStoreErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnauthorized) || ledger.IsClientError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
