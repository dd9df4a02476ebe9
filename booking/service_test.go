package booking_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/store/memory"
)

var hr = booking.Caller{ID: "hr-1", Role: booking.RoleHR}

func newService(t *testing.T) *booking.Service {
	t.Helper()
	svc := booking.NewService(memory.New())
	svc.Now = func() time.Time { return session }
	_, err := svc.EnrollSubscriber(context.Background(), hr, booking.Subscriber{ID: "sub-1", Active: true})
	require.NoError(t, err)
	return svc
}

func TestService_CreateBookingWritesHistory(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, subscriber, booking.NewBooking{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: session, Duration: time.Hour,
	})

	require.NoError(t, err)
	assert.Equal(t, booking.StatusScheduled, b.Status)
	h, err := svc.History(ctx, provider, b.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, booking.Status(""), h[0].From)
	assert.Equal(t, booking.StatusScheduled, h[0].To)
}

func TestService_CreateBookingValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.CreateBooking(ctx, subscriber, booking.NewBooking{SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: session})
	assert.ErrorIs(t, err, booking.ErrInvalidInput)

	_, err = svc.CreateBooking(ctx, booking.Caller{ID: "sub-2", Role: booking.RoleSubscriber}, booking.NewBooking{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: session, Duration: time.Hour,
	})
	assert.ErrorIs(t, err, booking.ErrUnauthorized)

	_, err = svc.CreateBooking(ctx, admin, booking.NewBooking{
		SubscriberID: "ghost", ProviderID: "prov-1", ScheduledAt: session, Duration: time.Hour,
	})
	assert.True(t, booking.IsNotFound(err))
}

func TestService_DeactivatedSubscriberCannotBook(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.DeactivateSubscriber(ctx, hr, "sub-1"))

	_, err := svc.CreateBooking(ctx, subscriber, booking.NewBooking{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: session, Duration: time.Hour,
	})

	var ve *booking.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "subscriber_id", ve.Field)
}

func TestService_QuotaAdministration(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, subscriber, "sub-1", ledger.PoolCompany, 10)
	assert.ErrorIs(t, err, booking.ErrUnauthorized)

	pool, err := svc.Allocate(ctx, hr, "sub-1", ledger.PoolCompany, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, pool.Allocated)

	_, err = svc.Allocate(ctx, hr, "ghost", ledger.PoolCompany, 10)
	assert.True(t, booking.IsNotFound(err))

	bal, err := svc.Balance(ctx, subscriber, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 10, bal.Company.Available())

	_, err = svc.Balance(ctx, booking.Caller{ID: "sub-2", Role: booking.RoleSubscriber}, "sub-1")
	assert.ErrorIs(t, err, booking.ErrUnauthorized)

	_, err = svc.Entries(ctx, provider, "sub-1")
	assert.ErrorIs(t, err, booking.ErrUnauthorized)
}

func TestService_GetBookingHiddenFromStrangers(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	b, err := svc.CreateBooking(ctx, subscriber, booking.NewBooking{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: session, Duration: time.Hour,
	})
	require.NoError(t, err)

	_, err = svc.GetBooking(ctx, booking.Caller{ID: "prov-2", Role: booking.RoleProvider}, b.ID)
	assert.ErrorIs(t, err, booking.ErrUnauthorized)

	got, err := svc.GetBooking(ctx, admin, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
}
