// Package api exposes the wallet's read surface and admin movements.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowpay/internal/common/api"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/middleware"
	"escrowpay/internal/common/money"
	"escrowpay/internal/wallet"
)

// Handler serves wallet endpoints
type Handler struct {
	service *wallet.Service
	logger  *slog.Logger
}

// NewHandler creates a wallet API handler
func NewHandler(service *wallet.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the wallet route tree
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Get("/", h.getWallet)
	r.Get("/entries", h.listEntries)

	return r
}

// AdminRoutes returns wallet endpoints for internal callers
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{userID}/credit", h.credit)
	r.Post("/{userID}/debit", h.debit)
	r.Post("/{userID}/deactivate", h.deactivate)

	return r
}

func (h *Handler) getWallet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	wlt, err := h.service.GetWallet(r.Context(), userID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "No wallet exists for this account yet")
			return
		}
		h.logger.Error("fetching wallet", "user_id", userID, "error", err)
		api.InternalError(w, "Could not load wallet")
		return
	}
	api.WriteData(w, http.StatusOK, wlt)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := api.GetPaginationParams(r, 50, 100)

	entries, total, err := h.service.ListEntries(r.Context(), userID, limit, offset)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "No wallet exists for this account yet")
			return
		}
		h.logger.Error("listing ledger entries", "user_id", userID, "error", err)
		api.InternalError(w, "Could not load transactions")
		return
	}
	api.WritePaginated(w, entries, &api.Pagination{Limit: limit, Offset: offset, Total: total})
}

type movementRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Reference   string `json:"reference" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) credit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.service.Credit)
}

func (h *Handler) debit(w http.ResponseWriter, r *http.Request) {
	h.move(w, r, h.service.Debit)
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error)) {
	userID := chi.URLParam(r, "userID")

	var req movementRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	entry, err := op(r.Context(), wallet.MovementParams{
		UserID:        userID,
		Amount:        money.New(req.AmountMinor, money.Currency(req.Currency)),
		Reference:     req.Reference,
		Description:   req.Description,
		CorrelationID: middleware.GetCorrelationID(r.Context()),
	})
	if err != nil {
		h.writeMovementError(w, userID, err)
		return
	}
	api.WriteData(w, http.StatusCreated, entry)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.service.Deactivate(r.Context(), userID); err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Wallet not found")
			return
		}
		h.logger.Error("deactivating wallet", "user_id", userID, "error", err)
		api.InternalError(w, "Could not deactivate wallet")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeMovementError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeInsufficientFunds, "Insufficient available balance")
	case errors.Is(err, wallet.ErrWalletInactive):
		api.Conflict(w, "Wallet is inactive")
	case errors.Is(err, wallet.ErrCurrencyMismatch):
		api.BadRequest(w, "Currency does not match the wallet")
	case errors.Is(err, wallet.ErrInvalidAmount):
		api.BadRequest(w, "Amount must be positive")
	case database.IsNotFound(err):
		api.NotFound(w, "Wallet not found")
	default:
		h.logger.Error("wallet movement failed", "user_id", userID, "error", err)
		api.InternalError(w, "Could not record movement")
	}
}
