/*
handlers.go - HTTP API handlers for the session ledger

PURPOSE:
  Exposes booking transitions, quota administration and the in-app inbox
  over REST. Handlers parse the request, take the caller from the context
  (see auth.go) and delegate to booking.StateMachine or booking.Service.

ENDPOINTS:
  Bookings:
    POST   /api/bookings                     Create a scheduled booking
    GET    /api/bookings/{id}                Get booking
    GET    /api/bookings/{id}/history        Status history
    PUT    /api/bookings/{id}/status         Apply a status transition

  Session actions:
    POST   /api/sessions/actions             complete_session | cancel_with_refund

  Quota:
    GET    /api/subscribers/{id}/quota       Both pools
    GET    /api/subscribers/{id}/ledger      Ledger entries, newest first

  Admin (admin or hr):
    POST   /api/admin/subscribers                     Enroll
    POST   /api/admin/subscribers/{id}/deactivate     Deactivate
    PUT    /api/admin/subscribers/{id}/quota/{pool}   Set allocation

  Inbox:
    GET    /api/notifications                Caller's notifications

ERROR HANDLING:
  writeTransitionError maps every domain error to one status:
  - 400: Illegal transition (with allowed set), quota exhausted, validation
  - 401: Missing or invalid token
  - 403: Caller may not act on the booking or subscriber
  - 404: Booking, subscriber or entry not found
  - 409: Booking changed by a concurrent request
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Machine *booking.StateMachine
	Service *booking.Service
	Inbox   notify.Inbox
	Log     *slog.Logger
}

func NewHandler(machine *booking.StateMachine, service *booking.Service, inbox notify.Inbox, log *slog.Logger) *Handler {
	return &Handler{Machine: machine, Service: service, Inbox: inbox, Log: log}
}

// =============================================================================
// TRANSITION ENDPOINTS
// =============================================================================

// UpdateStatus applies PUT /api/bookings/{id}/status.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	target := booking.Status(req.Status)
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown status %q", req.Status), nil)
		return
	}

	meta := booking.Meta{
		CancellationReason: req.CancellationReason,
		ProviderNotes:      req.ProviderNotes,
		ScheduledAt:        req.ScheduledAt,
	}
	h.transition(w, r, caller, ledger.BookingID(chi.URLParam(r, "id")), target, meta)
}

// SessionAction applies POST /api/sessions/actions. Both actions go through
// the same transition as UpdateStatus.
func (h *Handler) SessionAction(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req SessionActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.BookingID == "" {
		writeError(w, http.StatusBadRequest, "bookingId is required", nil)
		return
	}

	var (
		target booking.Status
		meta   booking.Meta
	)
	switch req.Action {
	case ActionCompleteSession:
		target = booking.StatusCompleted
	case ActionCancelWithRefund:
		target = booking.StatusCancelled
		meta.CancellationReason = req.Reason
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action %q", req.Action), nil)
		return
	}
	h.transition(w, r, caller, ledger.BookingID(req.BookingID), target, meta)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, caller booking.Caller, id ledger.BookingID, target booking.Status, meta booking.Meta) {
	res, err := h.Machine.ApplyTransition(r.Context(), caller, id, target, meta)
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{
		Success:        true,
		Booking:        toBookingDTO(res.Booking),
		PreviousStatus: string(res.PreviousStatus),
		Message:        statusMessage(res),
		Debit:          toEntryDTOPtr(res.Debit),
		Refund:         toEntryDTOPtr(res.Refund),
	})
}

func statusMessage(res *booking.Result) string {
	msg := fmt.Sprintf("Booking moved from %s to %s", res.PreviousStatus, res.Booking.Status)
	switch {
	case res.Debit != nil:
		msg += fmt.Sprintf("; one session charged to the %s pool", res.Debit.Pool)
	case res.Refund != nil:
		msg += fmt.Sprintf("; session refunded to the %s pool", res.Refund.Pool)
	}
	return msg
}

// =============================================================================
// BOOKING ENDPOINTS
// =============================================================================

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	b, err := h.Service.CreateBooking(r.Context(), caller, booking.NewBooking{
		SubscriberID: ledger.SubscriberID(req.SubscriberID),
		ProviderID:   ledger.ProviderID(req.ProviderID),
		ScheduledAt:  req.ScheduledAt,
		Duration:     time.Duration(req.DurationMinutes) * time.Minute,
	})
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(*b))
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	b, err := h.Service.GetBooking(r.Context(), caller, ledger.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(*b))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	history, err := h.Service.History(r.Context(), caller, ledger.BookingID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(history))
}

// =============================================================================
// QUOTA ENDPOINTS
// =============================================================================

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	bal, err := h.Service.Balance(r.Context(), caller, ledger.SubscriberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotaDTO(bal))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	entries, err := h.Service.Entries(r.Context(), caller, ledger.SubscriberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) EnrollSubscriber(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req EnrollSubscriberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	active := req.Active == nil || *req.Active
	sub, err := h.Service.EnrollSubscriber(r.Context(), caller, booking.Subscriber{
		ID:        ledger.SubscriberID(req.ID),
		CompanyID: req.CompanyID,
		Active:    active,
	})
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubscriberDTO(*sub))
}

func (h *Handler) DeactivateSubscriber(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if err := h.Service.DeactivateSubscriber(r.Context(), caller, ledger.SubscriberID(chi.URLParam(r, "id"))); err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SetAllocation(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	pool, err := ledger.ParsePool(chi.URLParam(r, "pool"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown pool", err)
		return
	}
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	q, err := h.Service.Allocate(r.Context(), caller, ledger.SubscriberID(chi.URLParam(r, "id")), pool, req.Allocated)
	if err != nil {
		h.writeTransitionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolDTO(*q))
}

// =============================================================================
// INBOX ENDPOINTS
// =============================================================================

// ListNotifications returns the caller's own inbox. ?limit= caps the result.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}

	records, err := h.Inbox.ListNotifications(r.Context(), caller.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list notifications", err)
		return
	}
	out := make([]NotificationDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, toNotificationDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HEALTH
// =============================================================================

func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// =============================================================================
// HELPERS
// =============================================================================

func requireCaller(w http.ResponseWriter, r *http.Request) (booking.Caller, bool) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required", nil)
	}
	return caller, ok
}

// writeTransitionError is the single mapping from booking and ledger errors to HTTP status.
func (h *Handler) writeTransitionError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		transition *booking.TransitionError
		exhausted  *ledger.QuotaExhaustedError
	)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "Authentication required", err)
	case errors.Is(err, booking.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "Not allowed", err)
	case errors.As(err, &transition):
		allowed := make([]string, len(transition.Allowed))
		for i, s := range transition.Allowed {
			allowed[i] = string(s)
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid status transition",
			Details: err.Error(),
			Allowed: allowed,
		})
	case errors.As(err, &exhausted):
		writeError(w, http.StatusBadRequest, "Session quota exhausted", err)
	case booking.IsNotFound(err), ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, booking.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "Booking was modified concurrently, retry", err)
	case booking.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.logger().ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
