/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Field names follow
  the public contract (camelCase) and are decoupled from the domain types
  in booking and ledger.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Bookings:    BookingDTO, CreateBookingRequest, HistoryDTO
  Transitions: UpdateStatusRequest, SessionActionRequest, TransitionResponse
  Quota:       QuotaDTO, PoolDTO, AllocateRequest, EntryDTO
  Enrollment:  EnrollSubscriberRequest, SubscriberDTO
  Inbox:       NotificationDTO

VALIDATION:
  Validation is done in handlers and the booking service, not in DTOs.
*/
package api

import (
	"time"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/notify"
)

// =============================================================================
// BOOKING DTOs
// =============================================================================

type BookingDTO struct {
	ID                 string    `json:"id"`
	SubscriberID       string    `json:"subscriberId"`
	ProviderID         string    `json:"providerId"`
	ScheduledAt        time.Time `json:"scheduledAt"`
	DurationMinutes    int       `json:"durationMinutes"`
	Status             string    `json:"status"`
	CancellationReason *string   `json:"cancellationReason,omitempty"`
	ProviderNotes      *string   `json:"prestadorNotes,omitempty"`
	LedgerEntryID      *string   `json:"ledgerEntryId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type CreateBookingRequest struct {
	SubscriberID    string    `json:"subscriberId"`
	ProviderID      string    `json:"providerId"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"durationMinutes"`
}

type HistoryDTO struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	ActorID   string    `json:"actorId"`
	ActorRole string    `json:"actorRole"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// =============================================================================
// TRANSITION DTOs
// =============================================================================

// UpdateStatusRequest is the body of PUT /api/bookings/{id}/status.
type UpdateStatusRequest struct {
	Status             string     `json:"status"`
	CancellationReason *string    `json:"cancellationReason,omitempty"`
	ProviderNotes      *string    `json:"prestadorNotes,omitempty"`
	ScheduledAt        *time.Time `json:"scheduledAt,omitempty"`
}

// Session actions accepted by POST /api/sessions/actions.
const (
	ActionCompleteSession  = "complete_session"
	ActionCancelWithRefund = "cancel_with_refund"
)

type SessionActionRequest struct {
	BookingID string  `json:"bookingId"`
	Action    string  `json:"action"`
	Reason    *string `json:"reason,omitempty"`
}

type TransitionResponse struct {
	Success        bool       `json:"success"`
	Booking        BookingDTO `json:"booking"`
	PreviousStatus string     `json:"previousStatus"`
	Message        string     `json:"message"`
	Debit          *EntryDTO  `json:"debit,omitempty"`
	Refund         *EntryDTO  `json:"refund,omitempty"`
}

// =============================================================================
// QUOTA DTOs
// =============================================================================

type PoolDTO struct {
	Pool      string `json:"pool"`
	Allocated int    `json:"allocated"`
	Used      int    `json:"used"`
	Available int    `json:"available"`
}

type QuotaDTO struct {
	SubscriberID   string  `json:"subscriberId"`
	Company        PoolDTO `json:"company"`
	Personal       PoolDTO `json:"personal"`
	TotalAvailable int     `json:"totalAvailable"`
}

type AllocateRequest struct {
	Allocated int `json:"allocated"`
}

type EntryDTO struct {
	ID          string     `json:"id"`
	Pool        string     `json:"pool"`
	BookingID   string     `json:"bookingId"`
	ProviderID  string     `json:"providerId"`
	SessionDate time.Time  `json:"sessionDate"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`
}

// =============================================================================
// ENROLLMENT DTOs
// =============================================================================

// EnrollSubscriberRequest creates or updates a subscriber. Active defaults to true.
type EnrollSubscriberRequest struct {
	ID        string  `json:"id"`
	CompanyID *string `json:"companyId,omitempty"`
	Active    *bool   `json:"active,omitempty"`
}

type SubscriberDTO struct {
	ID        string    `json:"id"`
	CompanyID *string   `json:"companyId,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// =============================================================================
// INBOX DTOs
// =============================================================================

type NotificationDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	BookingID string    `json:"bookingId,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// ERROR RESPONSE
// =============================================================================

// ErrorResponse is the standard error response. Allowed is set when a
// transition was rejected and lists the legal targets.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details any      `json:"details,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBookingDTO(b booking.Booking) BookingDTO {
	dto := BookingDTO{
		ID:                 string(b.ID),
		SubscriberID:       string(b.SubscriberID),
		ProviderID:         string(b.ProviderID),
		ScheduledAt:        b.ScheduledAt,
		DurationMinutes:    int(b.Duration / time.Minute),
		Status:             string(b.Status),
		CancellationReason: b.CancellationReason,
		ProviderNotes:      b.ProviderNotes,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
	if b.LedgerEntryID != nil {
		id := string(*b.LedgerEntryID)
		dto.LedgerEntryID = &id
	}
	return dto
}

func toHistoryDTOs(h []booking.HistoryEntry) []HistoryDTO {
	out := make([]HistoryDTO, 0, len(h))
	for _, e := range h {
		out = append(out, HistoryDTO{
			From:      string(e.From),
			To:        string(e.To),
			ActorID:   e.ActorID,
			ActorRole: string(e.ActorRole),
			Reason:    e.Reason,
			At:        e.At,
		})
	}
	return out
}

func toPoolDTO(q ledger.QuotaPool) PoolDTO {
	return PoolDTO{
		Pool:      string(q.Pool),
		Allocated: q.Allocated,
		Used:      q.Used,
		Available: q.Available(),
	}
}

func toQuotaDTO(b ledger.Balance) QuotaDTO {
	return QuotaDTO{
		SubscriberID:   string(b.SubscriberID),
		Company:        toPoolDTO(b.Company),
		Personal:       toPoolDTO(b.Personal),
		TotalAvailable: b.TotalAvailable(),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Pool:        string(e.Pool),
		BookingID:   string(e.BookingID),
		ProviderID:  string(e.ProviderID),
		SessionDate: e.SessionDate,
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt,
		RefundedAt:  e.RefundedAt,
	}
}

func toEntryDTOPtr(e *ledger.Entry) *EntryDTO {
	if e == nil {
		return nil
	}
	dto := toEntryDTO(*e)
	return &dto
}

func toSubscriberDTO(s booking.Subscriber) SubscriberDTO {
	return SubscriberDTO{
		ID:        string(s.ID),
		CompanyID: s.CompanyID,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toNotificationDTO(r notify.InboxRecord) NotificationDTO {
	return NotificationDTO{
		ID:        r.ID,
		Title:     r.Title,
		Body:      r.Body,
		BookingID: r.BookingID,
		Read:      r.Read,
		CreatedAt: r.CreatedAt,
	}
}
