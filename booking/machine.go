/*
machine.go - Booking status transitions and their quota side effects

FLOW (one call to ApplyTransition):
  ┌──────────────────────────── one datastore transaction ───────────────────────────┐
  │ load booking ─▶ gate ─▶ table ─▶ [completed] debit company, else personal ─▶      │
  │ conditional status write ─▶ [cancelled + active debit] refund ─▶ history row     │
  └──────────────────────────────────────────────────────────────────────────────────┘
                                   │ commit
                                   ▼
                      notify counter-party (fire-and-forget)

ALL OR NOTHING:
  The debit, the status write and the refund share one transaction. If any
  step fails, including the commit, nothing is persisted: there is never a
  charged entry without a completed booking.

QUOTA POLICY:
  - completed:  charge one session unless the booking already carries a debit
  - cancelled:  refund the debit if it is still active
  - no_show:    keep the debit (an unattended session still counts)
  - scheduled:  rebooking a cancelled record clears its ledger reference

NOT IDEMPOTENT:
  Re-applying the current status is not in the table, so a retry of an
  already applied transition fails with TransitionError. Callers check the
  current status before retrying.
*/
package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
	"github.com/warp/session-ledger/telemetry"
)

const tracerName = "github.com/warp/session-ledger/booking"

// Notifier accepts notifications without blocking. *notify.Dispatcher implements it.
type Notifier interface {
	Send(n notify.Notification)
}

type StateMachine struct {
	Store    TxStore
	Ledger   *ledger.Ledger
	Gate     Gate
	Notifier Notifier
	Log      *slog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
	NewID    func() string

	tracer trace.Tracer
}

func NewStateMachine(store TxStore, log *slog.Logger, metrics *telemetry.Metrics, notifier Notifier) *StateMachine {
	return &StateMachine{
		Store:    store,
		Ledger:   ledger.New(store),
		Gate:     OwnershipGate{},
		Notifier: notifier,
		Log:      log,
		Metrics:  metrics,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.NewString,
		tracer:   otel.Tracer(tracerName),
	}
}

// ApplyTransition moves booking id to target on behalf of caller.
func (sm *StateMachine) ApplyTransition(
	ctx context.Context,
	caller Caller,
	id ledger.BookingID,
	target Status,
	meta Meta,
) (*Result, error) {
	tracer := sm.tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	ctx, span := tracer.Start(ctx, "booking.ApplyTransition", trace.WithAttributes(
		attribute.String("booking.id", string(id)),
		attribute.String("booking.target_status", string(target)),
		attribute.String("caller.role", string(caller.Role)),
	))
	defer span.End()

	started := time.Now()
	var (
		result *Result
		from   Status
	)

	err := sm.Store.WithTx(ctx, func(tx Store) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		from = b.Status

		if !sm.gate().CanTransition(caller, *b, target) {
			return &AuthorizationError{CallerID: caller.ID, Role: caller.Role, BookingID: id, Action: "update"}
		}
		if err := checkTransition(string(id), b.Status, target); err != nil {
			return err
		}

		result, err = sm.apply(ctx, tx, caller, *b, target, meta)
		return err
	})
	if err != nil {
		err = classify(err)
		sm.Metrics.ObserveTransition(string(from), string(target), outcomeOf(err), time.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		sm.Log.InfoContext(ctx, "booking transition rejected",
			"booking_id", id,
			"from", from,
			"to", target,
			"caller_id", caller.ID,
			"caller_role", caller.Role,
			"err", err,
		)
		return nil, err
	}

	sm.Metrics.ObserveTransition(string(from), string(target), "ok", time.Since(started))
	if result.Debit != nil {
		span.SetAttributes(attribute.String("quota.pool", string(result.Debit.Pool)))
	}
	sm.Log.InfoContext(ctx, "booking transition applied",
		"booking_id", id,
		"from", result.PreviousStatus,
		"to", target,
		"caller_id", caller.ID,
		"debited", result.Debit != nil,
		"refunded", result.Refund != nil,
	)

	sm.notify(ctx, caller, result)
	return result, nil
}

func (sm *StateMachine) apply(
	ctx context.Context,
	tx Store,
	caller Caller,
	b Booking,
	target Status,
	meta Meta,
) (*Result, error) {
	now := sm.now()
	l := sm.Ledger.With(tx)
	res := &Result{PreviousStatus: b.Status}

	updated := b
	updated.Status = target
	updated.UpdatedAt = now
	if meta.CancellationReason != nil {
		updated.CancellationReason = meta.CancellationReason
	}
	if meta.ProviderNotes != nil {
		updated.ProviderNotes = meta.ProviderNotes
	}

	switch target {
	case StatusCompleted:
		if !b.HasDebit() {
			entry, err := sm.debit(ctx, l, b)
			if err != nil {
				return nil, err
			}
			updated.LedgerEntryID = &entry.ID
			res.Debit = entry
		}
	case StatusScheduled:
		// Rebooking reuses the record; it starts over without a charge.
		updated.LedgerEntryID = nil
		updated.CancellationReason = nil
		if meta.ScheduledAt != nil {
			updated.ScheduledAt = meta.ScheduledAt.UTC()
		}
	}

	if err := tx.UpdateBooking(ctx, updated, b.Status); err != nil {
		return nil, err
	}

	if target == StatusCancelled && b.HasDebit() {
		entry, err := tx.GetEntry(ctx, *b.LedgerEntryID)
		if err != nil {
			return nil, err
		}
		if entry.IsActive() {
			refunded, err := l.Refund(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
			res.Refund = refunded
			sm.Metrics.ObserveRefund(string(refunded.Pool))
		}
	}

	reason := ""
	if meta.CancellationReason != nil {
		reason = *meta.CancellationReason
	}
	if err := tx.AppendHistory(ctx, HistoryEntry{
		ID:        sm.NewID(),
		BookingID: b.ID,
		From:      b.Status,
		To:        target,
		ActorID:   caller.ID,
		ActorRole: caller.Role,
		Reason:    reason,
		At:        now,
	}); err != nil {
		return nil, err
	}

	res.Booking = updated
	return res, nil
}

// debit charges the company pool first and the personal pool as fallback.
func (sm *StateMachine) debit(ctx context.Context, l *ledger.Ledger, b Booking) (*ledger.Entry, error) {
	entry, err := l.DebitWithFallback(ctx, ledger.DebitRequest{
		SubscriberID:  b.SubscriberID,
		BookingID:     b.ID,
		ProviderID:    b.ProviderID,
		SessionDate:   b.ScheduledAt,
		PreferredPool: ledger.PoolCompany,
	})
	if err != nil {
		var exhausted *ledger.QuotaExhaustedError
		if errors.As(err, &exhausted) {
			for _, p := range exhausted.Tried {
				sm.Metrics.ObserveDebit(string(p), "insufficient")
			}
		}
		return nil, err
	}

	if entry.Pool != ledger.PoolCompany {
		sm.Metrics.ObserveDebit(string(ledger.PoolCompany), "insufficient")
		sm.Log.DebugContext(ctx, "company pool exhausted, charged personal pool",
			"booking_id", b.ID,
			"subscriber_id", b.SubscriberID,
		)
	}
	sm.Metrics.ObserveDebit(string(entry.Pool), "ok")
	return entry, nil
}

func (sm *StateMachine) notify(ctx context.Context, caller Caller, res *Result) {
	if sm.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sm.Log.ErrorContext(ctx, "notifier panicked", "booking_id", res.Booking.ID, "panic", r)
		}
	}()

	for _, n := range TransitionNotifications(caller, res, sm.now()) {
		sm.Notifier.Send(n)
	}
}

func (sm *StateMachine) gate() Gate {
	if sm.Gate == nil {
		return OwnershipGate{}
	}
	return sm.Gate
}

func (sm *StateMachine) now() time.Time {
	if sm.Now == nil {
		return time.Now().UTC()
	}
	return sm.Now()
}

// classify keeps domain errors as they are and wraps everything else as a
// PersistenceError.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrConcurrentModification),
		errors.Is(err, ErrPersistence),
		errors.Is(err, ledger.ErrQuotaExhausted),
		errors.Is(err, ledger.ErrInsufficientQuota):
		return err
	}
	return &PersistenceError{Op: "apply transition", Err: err}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	}
	return "error"
}
