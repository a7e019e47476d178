// Package api exposes the staff-facing check-in verification endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowpay/internal/booking"
	"escrowpay/internal/checkin"
	"escrowpay/internal/common/api"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/middleware"
)

// Handler serves check-in endpoints
type Handler struct {
	service  *checkin.Service
	bookings *booking.Store
	throttle *middleware.Throttle
	logger   *slog.Logger
}

// NewHandler creates a check-in API handler. The throttle caps confirm
// attempts per staff user on top of the per-booking attempt counter.
func NewHandler(service *checkin.Service, bookings *booking.Store, throttle *middleware.Throttle, logger *slog.Logger) *Handler {
	return &Handler{service: service, bookings: bookings, throttle: throttle, logger: logger}
}

// Routes returns the check-in route tree
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Get("/{bookingID}", h.lookup)
	r.With(h.throttle.Limit(confirmKey)).Post("/{bookingID}/confirm", h.confirm)
	r.Post("/{bookingID}/checkout", h.checkout)
	r.Post("/{bookingID}/collection", h.recordCollection)

	return r
}

func confirmKey(r *http.Request) string {
	return middleware.GetUserID(r.Context()) + ":" + chi.URLParam(r, "bookingID")
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	staffUserID := middleware.GetUserID(r.Context())

	result, err := h.service.Lookup(r.Context(), bookingID, staffUserID)
	if err != nil {
		h.writeCheckInError(w, bookingID, err)
		return
	}
	api.WriteData(w, http.StatusOK, result)
}

type confirmRequest struct {
	Code         string `json:"code" validate:"required,len=6"`
	Instructions string `json:"instructions" validate:"max=500"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	staffUserID := middleware.GetUserID(r.Context())

	var req confirmRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	b, err := h.service.Confirm(r.Context(), bookingID, req.Code, staffUserID, req.Instructions)
	if err != nil {
		h.writeCheckInError(w, bookingID, err)
		return
	}
	api.WriteData(w, http.StatusOK, b)
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	staffUserID := middleware.GetUserID(r.Context())

	b, err := h.service.ConfirmCheckOut(r.Context(), bookingID, staffUserID)
	if err != nil {
		h.writeCheckInError(w, bookingID, err)
		return
	}
	api.WriteData(w, http.StatusOK, b)
}

// recordCollection marks a pay-at-property booking's funds as collected
// on site, which is its payment-readiness signal for check-in.
func (h *Handler) recordCollection(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	staffUserID := middleware.GetUserID(r.Context())

	b, err := h.bookings.Get(r.Context(), bookingID)
	if err != nil {
		h.writeCheckInError(w, bookingID, err)
		return
	}
	if !b.IsStaff(staffUserID) {
		api.Forbidden(w, "You are not a party to this booking")
		return
	}
	if b.PaymentMode != booking.PayAtProperty {
		api.BadRequest(w, "Booking is not pay-at-property")
		return
	}

	if err := h.bookings.MarkCollectionRecorded(r.Context(), bookingID); err != nil {
		h.writeCheckInError(w, bookingID, err)
		return
	}
	b.CollectionRecorded = true
	api.WriteData(w, http.StatusOK, b)
}

func (h *Handler) writeCheckInError(w http.ResponseWriter, bookingID string, err error) {
	switch {
	case errors.Is(err, booking.ErrUnauthorized):
		api.Forbidden(w, "You are not a party to this booking")
	case errors.Is(err, booking.ErrAlreadyCheckedIn):
		api.WriteError(w, http.StatusConflict, api.ErrCodeAlreadyCheckedIn, "Booking is already checked in")
	case errors.Is(err, booking.ErrAlreadyCheckedOut):
		api.WriteError(w, http.StatusConflict, api.ErrCodeAlreadyCheckedOut, "Booking is already checked out")
	case errors.Is(err, booking.ErrNotCheckedIn):
		api.Conflict(w, "Booking has not been checked in yet")
	case errors.Is(err, booking.ErrPaymentNotCompleted):
		api.WriteError(w, http.StatusConflict, api.ErrCodePaymentIncomplete, "Booking payment is not completed")
	case errors.Is(err, booking.ErrInvalidCode):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeInvalidCode, "Verification code does not match")
	case errors.Is(err, checkin.ErrTooManyCodeAttempts):
		api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeTooManyAttempts, "Too many verification attempts for this booking")
	case database.IsNotFound(err):
		api.NotFound(w, "Booking not found")
	default:
		h.logger.Error("check-in operation failed", "booking_id", bookingID, "error", err)
		api.InternalError(w, "Check-in operation failed")
	}
}
