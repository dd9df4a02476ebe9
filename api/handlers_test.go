/*
handlers_test.go - Tests for the HTTP surface

Tests for:
- Authentication (missing, forged and malformed tokens)
- Status transitions and session actions end to end on SQLite
- Error mapping (403, 404, 400 with allowed set, 409, 500)
- Quota administration and the notification inbox
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
	"github.com/warp/session-ledger/store/sqlite"
	"github.com/warp/session-ledger/telemetry"
)

var sessionAt = time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)

type testServer struct {
	store      *sqlite.Store
	auth       *Authenticator
	router     http.Handler
	dispatcher *notify.Dispatcher
}

func newTestServer(t *testing.T, company, personal int) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveSubscriber(ctx, booking.Subscriber{ID: "sub-1", Active: true, CreatedAt: sessionAt, UpdatedAt: sessionAt}))
	_, err = store.SetAllocation(ctx, "sub-1", ledger.PoolCompany, company)
	require.NoError(t, err)
	_, err = store.SetAllocation(ctx, "sub-1", ledger.PoolPersonal, personal)
	require.NoError(t, err)

	log := telemetry.Discard()
	d := notify.NewDispatcher(notify.InboxGateway{Inbox: store}, log, nil)
	d.Start()
	t.Cleanup(d.Stop)

	h := NewHandler(
		booking.NewStateMachine(store, log, nil, d),
		booking.NewService(store),
		store,
		log,
	)
	auth := NewAuthenticator("test-secret", "session-ledger")
	return &testServer{store: store, auth: auth, router: NewRouter(h, auth, nil), dispatcher: d}
}

func (s *testServer) addBooking(t *testing.T, id string, status booking.Status) {
	t.Helper()
	require.NoError(t, s.store.CreateBooking(context.Background(), booking.Booking{
		ID:           ledger.BookingID(id),
		SubscriberID: "sub-1",
		ProviderID:   "prov-1",
		ScheduledAt:  sessionAt,
		Duration:     time.Hour,
		Status:       status,
		CreatedAt:    sessionAt,
		UpdatedAt:    sessionAt,
	}))
}

func (s *testServer) token(t *testing.T, subject string, role booking.Role) string {
	t.Helper()
	tok, err := s.auth.IssueToken(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestHealth_NoAuth(t *testing.T) {
	s := newTestServer(t, 0, 0)

	rec := s.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)

	forged, err := NewAuthenticator("other-secret", "session-ledger").IssueToken("prov-1", booking.RoleProvider, time.Hour)
	require.NoError(t, err)
	expired, err := s.auth.IssueToken("prov-1", booking.RoleProvider, -time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := NewAuthenticator("test-secret", "someone-else").IssueToken("prov-1", booking.RoleProvider, time.Hour)
	require.NoError(t, err)
	unknownRole, err := s.auth.IssueToken("prov-1", "guest", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-1", Issuer: "session-ledger"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
		{"forged signature", forged},
		{"expired", expired},
		{"wrong issuer", wrongIssuer},
		{"unknown role", unknownRole},
		{"alg none", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPut, "/api/bookings/bk-1/status", tt.token, UpdateStatusRequest{Status: "completed"})

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Authentication required", decode[ErrorResponse](t, rec).Error)
		})
	}

	b, err := s.store.GetBooking(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
}

func TestAuthenticator_ParseCaller(t *testing.T) {
	a := NewAuthenticator("secret", "")
	tok, err := a.IssueToken("hr-7", booking.RoleHR, time.Minute)
	require.NoError(t, err)

	caller, err := a.Parse(tok)

	require.NoError(t, err)
	assert.Equal(t, booking.Caller{ID: "hr-7", Role: booking.RoleHR}, caller)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func TestUpdateStatus_CompleteFallsBackToPersonal(t *testing.T) {
	// GIVEN: company pool empty, two personal sessions
	s := newTestServer(t, 0, 2)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)

	// WHEN: the provider completes the session
	rec := s.do(t, http.MethodPut, "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider),
		UpdateStatusRequest{Status: "completed"})

	// THEN: one personal session is charged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TransitionResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "confirmed", resp.PreviousStatus)
	assert.Equal(t, "completed", resp.Booking.Status)
	require.NotNil(t, resp.Booking.LedgerEntryID)
	require.NotNil(t, resp.Debit)
	assert.Equal(t, "personal", resp.Debit.Pool)
	assert.Contains(t, resp.Message, "personal")

	quota := decode[QuotaDTO](t, s.do(t, http.MethodGet, "/api/subscribers/sub-1/quota", s.token(t, "sub-1", booking.RoleSubscriber), nil))
	assert.Equal(t, 1, quota.Personal.Used)
	assert.Equal(t, 0, quota.Company.Used)
	assert.Equal(t, 1, quota.TotalAvailable)
}

func TestUpdateStatus_QuotaExhausted(t *testing.T) {
	s := newTestServer(t, 0, 0)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)

	rec := s.do(t, http.MethodPut, "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider),
		UpdateStatusRequest{Status: "completed"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Session quota exhausted", decode[ErrorResponse](t, rec).Error)
	b, err := s.store.GetBooking(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.False(t, b.HasDebit())
}

func TestUpdateStatus_IllegalTransitionListsAllowed(t *testing.T) {
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusScheduled)

	rec := s.do(t, http.MethodPut, "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider),
		UpdateStatusRequest{Status: "completed"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "Invalid status transition", resp.Error)
	assert.Equal(t, []string{"confirmed", "cancelled", "rescheduled"}, resp.Allowed)
}

func TestUpdateStatus_ErrorStatuses(t *testing.T) {
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)

	tests := []struct {
		name   string
		path   string
		token  string
		body   any
		status int
	}{
		{"stranger", "/api/bookings/bk-1/status", s.token(t, "prov-2", booking.RoleProvider), UpdateStatusRequest{Status: "completed"}, http.StatusForbidden},
		{"hr has no booking rights", "/api/bookings/bk-1/status", s.token(t, "hr-1", booking.RoleHR), UpdateStatusRequest{Status: "cancelled"}, http.StatusForbidden},
		{"unknown booking", "/api/bookings/ghost/status", s.token(t, "ops-1", booking.RoleAdmin), UpdateStatusRequest{Status: "completed"}, http.StatusNotFound},
		{"unknown status", "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider), UpdateStatusRequest{Status: "archived"}, http.StatusBadRequest},
		{"malformed body", "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider), "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPut, tt.path, tt.token, tt.body)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	b, err := s.store.GetBooking(context.Background(), "bk-1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, b.Status)
}

func TestSessionAction_CompleteThenCancelWithRefund(t *testing.T) {
	// GIVEN: one company session and a confirmed booking
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)
	s.addBooking(t, "bk-2", booking.StatusConfirmed)
	prov := s.token(t, "prov-1", booking.RoleProvider)

	// WHEN: the session is completed
	rec := s.do(t, http.MethodPost, "/api/sessions/actions", prov, SessionActionRequest{BookingID: "bk-1", Action: ActionCompleteSession})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: a completed booking cannot be cancelled with a refund
	reason := "provider ill"
	rec = s.do(t, http.MethodPost, "/api/sessions/actions", prov, SessionActionRequest{BookingID: "bk-1", Action: ActionCancelWithRefund, Reason: &reason})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, decode[ErrorResponse](t, rec).Allowed)

	// AND: cancelling the other booking records the reason without a refund
	rec = s.do(t, http.MethodPost, "/api/sessions/actions", prov, SessionActionRequest{BookingID: "bk-2", Action: ActionCancelWithRefund, Reason: &reason})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TransitionResponse](t, rec)
	require.NotNil(t, resp.Booking.CancellationReason)
	assert.Equal(t, reason, *resp.Booking.CancellationReason)
	assert.Nil(t, resp.Refund)
}

func TestSessionAction_CancelRefundsCharge(t *testing.T) {
	// GIVEN: a confirmed booking that already carries a company debit
	s := newTestServer(t, 2, 0)
	ctx := context.Background()
	entry, err := ledger.New(s.store).Debit(ctx, ledger.DebitRequest{
		SubscriberID: "sub-1", BookingID: "bk-1", ProviderID: "prov-1", SessionDate: sessionAt, PreferredPool: ledger.PoolCompany,
	})
	require.NoError(t, err)
	require.NoError(t, s.store.CreateBooking(ctx, booking.Booking{
		ID: "bk-1", SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: sessionAt, Duration: time.Hour,
		Status: booking.StatusConfirmed, LedgerEntryID: &entry.ID, CreatedAt: sessionAt, UpdatedAt: sessionAt,
	}))

	// WHEN: the subscriber cancels with a refund
	rec := s.do(t, http.MethodPost, "/api/sessions/actions", s.token(t, "sub-1", booking.RoleSubscriber),
		SessionActionRequest{BookingID: "bk-1", Action: ActionCancelWithRefund})

	// THEN: the entry is refunded and the unit is back
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[TransitionResponse](t, rec)
	require.NotNil(t, resp.Refund)
	assert.Equal(t, "refunded", resp.Refund.Status)

	entries := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/subscribers/sub-1/ledger", s.token(t, "sub-1", booking.RoleSubscriber), nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "refunded", entries[0].Status)
	assert.NotNil(t, entries[0].RefundedAt)

	quota := decode[QuotaDTO](t, s.do(t, http.MethodGet, "/api/subscribers/sub-1/quota", s.token(t, "hr-1", booking.RoleHR), nil))
	assert.Equal(t, 0, quota.Company.Used)
}

func TestSessionAction_Validation(t *testing.T) {
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)
	prov := s.token(t, "prov-1", booking.RoleProvider)

	rec := s.do(t, http.MethodPost, "/api/sessions/actions", prov, SessionActionRequest{BookingID: "bk-1", Action: "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/sessions/actions", prov, SessionActionRequest{Action: ActionCompleteSession})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestCreateBooking_AndHistory(t *testing.T) {
	s := newTestServer(t, 1, 0)
	sub := s.token(t, "sub-1", booking.RoleSubscriber)

	rec := s.do(t, http.MethodPost, "/api/bookings", sub, CreateBookingRequest{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: sessionAt, DurationMinutes: 50,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[BookingDTO](t, rec)
	assert.Equal(t, "scheduled", created.Status)
	assert.Equal(t, 50, created.DurationMinutes)

	rec = s.do(t, http.MethodPut, "/api/bookings/"+created.ID+"/status", s.token(t, "prov-1", booking.RoleProvider),
		UpdateStatusRequest{Status: "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	history := decode[[]HistoryDTO](t, s.do(t, http.MethodGet, "/api/bookings/"+created.ID+"/history", sub, nil))
	require.Len(t, history, 2)
	assert.Equal(t, "scheduled", history[0].To)
	assert.Equal(t, "scheduled", history[1].From)
	assert.Equal(t, "confirmed", history[1].To)
	assert.Equal(t, "prov-1", history[1].ActorID)

	got := decode[BookingDTO](t, s.do(t, http.MethodGet, "/api/bookings/"+created.ID, sub, nil))
	assert.Equal(t, "confirmed", got.Status)
}

func TestCreateBooking_Rejected(t *testing.T) {
	s := newTestServer(t, 1, 0)

	rec := s.do(t, http.MethodPost, "/api/bookings", s.token(t, "sub-1", booking.RoleSubscriber), CreateBookingRequest{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: sessionAt,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/bookings", s.token(t, "sub-2", booking.RoleSubscriber), CreateBookingRequest{
		SubscriberID: "sub-1", ProviderID: "prov-1", ScheduledAt: sessionAt, DurationMinutes: 30,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/bookings/ghost", s.token(t, "ops-1", booking.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_EnrollAllocateDeactivate(t *testing.T) {
	s := newTestServer(t, 0, 0)
	hr := s.token(t, "hr-1", booking.RoleHR)

	rec := s.do(t, http.MethodPost, "/api/admin/subscribers", s.token(t, "sub-1", booking.RoleSubscriber), EnrollSubscriberRequest{ID: "sub-9"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/subscribers", hr, EnrollSubscriberRequest{ID: "sub-9"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[SubscriberDTO](t, rec).Active)

	rec = s.do(t, http.MethodPut, "/api/admin/subscribers/sub-9/quota/company", hr, AllocateRequest{Allocated: 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pool := decode[PoolDTO](t, rec)
	assert.Equal(t, 4, pool.Allocated)
	assert.Equal(t, 4, pool.Available)

	rec = s.do(t, http.MethodPut, "/api/admin/subscribers/sub-9/quota/family", hr, AllocateRequest{Allocated: 4})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/admin/subscribers/ghost/quota/company", hr, AllocateRequest{Allocated: 4})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/subscribers/sub-9/deactivate", hr, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	sub, err := s.store.GetSubscriber(context.Background(), "sub-9")
	require.NoError(t, err)
	assert.False(t, sub.Active)
}

func TestAdmin_AllocationBelowUsage(t *testing.T) {
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusConfirmed)
	rec := s.do(t, http.MethodPut, "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider), UpdateStatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/api/admin/subscribers/sub-1/quota/company", s.token(t, "ops-1", booking.RoleAdmin), AllocateRequest{Allocated: 0})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// INBOX
// =============================================================================

func TestNotifications_CounterPartyInbox(t *testing.T) {
	// GIVEN: the provider confirms a booking
	s := newTestServer(t, 1, 0)
	s.addBooking(t, "bk-1", booking.StatusScheduled)
	rec := s.do(t, http.MethodPut, "/api/bookings/bk-1/status", s.token(t, "prov-1", booking.RoleProvider), UpdateStatusRequest{Status: "confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: queued notifications are flushed
	s.dispatcher.Stop()

	// THEN: the subscriber sees it and the provider does not
	inbox := decode[[]NotificationDTO](t, s.do(t, http.MethodGet, "/api/notifications", s.token(t, "sub-1", booking.RoleSubscriber), nil))
	require.Len(t, inbox, 1)
	assert.Equal(t, "Session confirmed", inbox[0].Title)
	assert.Equal(t, "bk-1", inbox[0].BookingID)

	inbox = decode[[]NotificationDTO](t, s.do(t, http.MethodGet, "/api/notifications", s.token(t, "prov-1", booking.RoleProvider), nil))
	assert.Empty(t, inbox)

	rec = s.do(t, http.MethodGet, "/api/notifications?limit=-1", s.token(t, "sub-1", booking.RoleSubscriber), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestWriteTransitionError_StatusMapping(t *testing.T) {
	h := &Handler{Log: telemetry.Discard()}

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unauthenticated", ErrUnauthenticated, http.StatusUnauthorized},
		{"forbidden", &booking.AuthorizationError{CallerID: "x", Role: booking.RoleProvider, BookingID: "bk-1", Action: "update"}, http.StatusForbidden},
		{"transition", &booking.TransitionError{From: booking.StatusCompleted, To: booking.StatusCancelled}, http.StatusBadRequest},
		{"quota", &ledger.QuotaExhaustedError{SubscriberID: "sub-1", Tried: ledger.Pools()}, http.StatusBadRequest},
		{"booking not found", &booking.NotFoundError{Kind: "booking", ID: "bk-1"}, http.StatusNotFound},
		{"entry not found", fmt.Errorf("refund: %w", ledger.ErrEntryNotFound), http.StatusNotFound},
		{"conflict", booking.ErrConcurrentModification, http.StatusConflict},
		{"validation", &booking.ValidationError{Field: "duration", Message: "must be at least one minute"}, http.StatusBadRequest},
		{"persistence", &booking.PersistenceError{Op: "apply transition", Err: errors.New("disk I/O error")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/api/bookings/bk-1/status", nil)

			h.writeTransitionError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestWriteTransitionError_HidesInternalDetails(t *testing.T) {
	h := &Handler{Log: telemetry.Discard()}
	rec := httptest.NewRecorder()

	h.writeTransitionError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("password=hunter2"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}
