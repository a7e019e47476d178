// Package api exposes withdrawal request, OTP and payout method endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowpay/internal/common/api"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/middleware"
	"escrowpay/internal/common/money"
	"escrowpay/internal/notify"
	"escrowpay/internal/otp"
	"escrowpay/internal/wallet"
	"escrowpay/internal/withdrawal"
)

// Handler serves withdrawal endpoints
type Handler struct {
	service   *withdrawal.Service
	authority *otp.Authority
	logger    *slog.Logger
}

// NewHandler creates a withdrawal API handler
func NewHandler(service *withdrawal.Service, authority *otp.Authority, logger *slog.Logger) *Handler {
	return &Handler{service: service, authority: authority, logger: logger}
}

// Routes returns the user-facing withdrawal route tree
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Post("/otp", h.issueOTP)
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/{requestID}", h.get)
	r.Post("/{requestID}/cancel", h.cancel)

	r.Route("/methods", func(r chi.Router) {
		r.Post("/", h.saveMethod)
		r.Get("/", h.listMethods)
		r.Delete("/{methodID}", h.deleteMethod)
	})

	return r
}

// AdminRoutes returns the review endpoints for internal callers
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Post("/{requestID}/approve", h.approve)
	r.Post("/{requestID}/reject", h.reject)

	return r
}

type issueOTPRequest struct {
	Phone       string `json:"phone" validate:"required,e164"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

type issueOTPResponse struct {
	Channel   string `json:"channel"`
	ExpiresAt string `json:"expires_at"`
}

func (h *Handler) issueOTP(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req issueOTPRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount := money.New(req.AmountMinor, money.Currency(req.Currency))
	result, err := h.authority.Issue(r.Context(), userID, req.Phone, amount)
	if err != nil {
		h.writeOTPError(w, userID, err)
		return
	}

	// The code itself never appears in the response.
	api.WriteData(w, http.StatusCreated, issueOTPResponse{
		Channel:   string(result.Channel),
		ExpiresAt: result.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type createRequest struct {
	AmountMinor    int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency       string `json:"currency" validate:"required,len=3"`
	Method         string `json:"method" validate:"required_without=PayoutMethodID,omitempty,oneof=mobile_money bank mobile_money_alias"`
	Account        string `json:"account" validate:"required_without=PayoutMethodID"`
	AccountName    string `json:"account_name"`
	BankCode       string `json:"bank_code"`
	PayoutMethodID string `json:"payout_method_id"`
	Code           string `json:"code" validate:"required,len=6,numeric"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req createRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	request, err := h.service.Create(r.Context(), withdrawal.CreateParams{
		UserID: userID,
		Amount: money.New(req.AmountMinor, money.Currency(req.Currency)),
		Destination: withdrawal.Destination{
			Method:      withdrawal.Method(req.Method),
			Account:     req.Account,
			AccountName: req.AccountName,
			BankCode:    req.BankCode,
		},
		PayoutMethodID: req.PayoutMethodID,
		Code:           req.Code,
	})
	if err != nil {
		h.writeWithdrawalError(w, userID, err)
		return
	}
	api.WriteData(w, http.StatusCreated, request)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := api.GetPaginationParams(r, 50, 100)

	requests, total, err := h.service.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("listing withdrawals", "user_id", userID, "error", err)
		api.InternalError(w, "Could not load withdrawals")
		return
	}
	api.WritePaginated(w, requests, &api.Pagination{Limit: limit, Offset: offset, Total: total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	requestID := chi.URLParam(r, "requestID")

	request, err := h.service.Get(r.Context(), requestID, userID)
	if err != nil {
		h.writeWithdrawalError(w, userID, err)
		return
	}
	api.WriteData(w, http.StatusOK, request)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	requestID := chi.URLParam(r, "requestID")

	request, err := h.service.Cancel(r.Context(), requestID, userID)
	if err != nil {
		h.writeWithdrawalError(w, userID, err)
		return
	}
	api.WriteData(w, http.StatusOK, request)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	reviewerID := middleware.GetUserID(r.Context())
	requestID := chi.URLParam(r, "requestID")

	request, err := h.service.Approve(r.Context(), requestID, reviewerID)
	if err != nil {
		h.writeWithdrawalError(w, reviewerID, err)
		return
	}
	api.WriteData(w, http.StatusOK, request)
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	reviewerID := middleware.GetUserID(r.Context())
	requestID := chi.URLParam(r, "requestID")

	var req rejectRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	request, err := h.service.Reject(r.Context(), requestID, reviewerID, req.Reason)
	if err != nil {
		h.writeWithdrawalError(w, reviewerID, err)
		return
	}
	api.WriteData(w, http.StatusOK, request)
}

type saveMethodRequest struct {
	Label       string `json:"label" validate:"required,max=100"`
	Method      string `json:"method" validate:"required,oneof=mobile_money bank mobile_money_alias"`
	Account     string `json:"account" validate:"required"`
	AccountName string `json:"account_name"`
	BankCode    string `json:"bank_code"`
	IsDefault   bool   `json:"is_default"`
}

func (h *Handler) saveMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req saveMethodRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	method, err := h.service.SavePayoutMethod(r.Context(), userID, req.Label, withdrawal.Destination{
		Method:      withdrawal.Method(req.Method),
		Account:     req.Account,
		AccountName: req.AccountName,
		BankCode:    req.BankCode,
	}, req.IsDefault)
	if err != nil {
		h.writeWithdrawalError(w, userID, err)
		return
	}
	api.WriteData(w, http.StatusCreated, method)
}

func (h *Handler) listMethods(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	methods, err := h.service.ListPayoutMethods(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing payout methods", "user_id", userID, "error", err)
		api.InternalError(w, "Could not load payout methods")
		return
	}
	api.WriteData(w, http.StatusOK, methods)
}

func (h *Handler) deleteMethod(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	methodID := chi.URLParam(r, "methodID")

	if err := h.service.DeletePayoutMethod(r.Context(), userID, methodID); err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Payout method not found")
			return
		}
		h.logger.Error("deleting payout method", "user_id", userID, "error", err)
		api.InternalError(w, "Could not delete payout method")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeOTPError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, otp.ErrIssueTooSoon):
		api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeRateLimited, "A code was sent recently; wait before requesting another")
	case errors.Is(err, otp.ErrPhoneMismatch):
		api.BadRequest(w, "Phone number does not match the number on file")
	case errors.Is(err, notify.ErrInvalidPhone):
		api.BadRequest(w, "Phone number must be E.164 formatted")
	case errors.Is(err, otp.ErrDelivery):
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeProviderError, "Could not deliver the code; try again later")
	case database.IsNotFound(err):
		api.NotFound(w, "Account not found")
	default:
		h.logger.Error("otp issue failed", "user_id", userID, "error", err)
		api.InternalError(w, "Could not send verification code")
	}
}

func (h *Handler) writeWithdrawalError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, otp.ErrExpired):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeCodeExpired, "Verification code has expired; request a new one")
	case errors.Is(err, otp.ErrInvalidCode):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeInvalidCode, "Verification code is incorrect")
	case errors.Is(err, otp.ErrTooManyAttempts):
		api.WriteError(w, http.StatusTooManyRequests, api.ErrCodeTooManyAttempts, "Too many incorrect codes; request a new one")
	case errors.Is(err, otp.ErrAmountMismatch):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeAmountMismatch, "Code was issued for a different amount; request a new one")
	case errors.Is(err, wallet.ErrInsufficientFunds):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeInsufficientFunds, "Insufficient available balance")
	case errors.Is(err, wallet.ErrWalletInactive):
		api.Conflict(w, "Wallet is inactive")
	case errors.Is(err, withdrawal.ErrKYCRequired):
		api.Forbidden(w, "Withdrawals require an approved identity verification")
	case errors.Is(err, withdrawal.ErrPhoneUnverified):
		api.Forbidden(w, "High-value withdrawals require a verified phone number")
	case errors.Is(err, withdrawal.ErrInvalidMethod), errors.Is(err, withdrawal.ErrInvalidDestination):
		api.BadRequest(w, "Payout destination is invalid")
	case errors.Is(err, withdrawal.ErrNotOwner):
		api.Forbidden(w, "Withdrawal belongs to another user")
	case errors.Is(err, withdrawal.ErrInvalidTransition):
		api.Conflict(w, "Withdrawal is not in a state that allows this action")
	case database.IsNotFound(err):
		api.NotFound(w, "Withdrawal not found")
	default:
		h.logger.Error("withdrawal operation failed", "user_id", userID, "error", err)
		api.InternalError(w, "Withdrawal operation failed")
	}
}
