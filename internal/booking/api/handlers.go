// Package api exposes the internal booking ingestion endpoints used by
// the upstream marketplace services.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"escrowpay/internal/booking"
	"escrowpay/internal/common/api"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/money"
)

// Handler serves booking endpoints
type Handler struct {
	store  *booking.Store
	logger *slog.Logger
}

// NewHandler creates a booking API handler
func NewHandler(store *booking.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns the booking route tree
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.create)
	r.Get("/{bookingID}", h.get)

	return r
}

type createRequest struct {
	Kind        string `json:"kind" validate:"required,oneof=property tour"`
	Reference   string `json:"reference" validate:"required,max=64"`
	GuestUserID string `json:"guest_user_id" validate:"required"`
	GuestName   string `json:"guest_name" validate:"required,max=200"`
	GuestPhone  string `json:"guest_phone" validate:"omitempty,e164"`
	GuestEmail  string `json:"guest_email" validate:"required,email"`
	HostUserID  string `json:"host_user_id" validate:"required_if=Kind property"`
	AgentUserID string `json:"agent_user_id"`
	GuideUserID string `json:"guide_user_id" validate:"required_if=Kind tour"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	PaymentMode string `json:"payment_mode" validate:"required,oneof=online at_property"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	now := time.Now().UTC()
	b := &booking.Booking{
		ID:          ulid.Make().String(),
		Kind:        booking.Kind(req.Kind),
		Reference:   req.Reference,
		GuestUserID: req.GuestUserID,
		GuestName:   req.GuestName,
		GuestPhone:  req.GuestPhone,
		GuestEmail:  req.GuestEmail,
		HostUserID:  req.HostUserID,
		AgentUserID: req.AgentUserID,
		GuideUserID: req.GuideUserID,
		Amount:      money.New(req.AmountMinor, money.Currency(req.Currency)),
		PaymentMode: booking.PaymentMode(req.PaymentMode),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.store.Create(r.Context(), b); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, "A booking with this reference already exists")
			return
		}
		h.logger.Error("creating booking", "reference", req.Reference, "error", err)
		api.InternalError(w, "Could not create booking")
		return
	}
	api.WriteData(w, http.StatusCreated, b)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")

	b, err := h.store.Get(r.Context(), bookingID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Booking not found")
			return
		}
		h.logger.Error("fetching booking", "booking_id", bookingID, "error", err)
		api.InternalError(w, "Could not load booking")
		return
	}
	api.WriteData(w, http.StatusOK, b)
}
