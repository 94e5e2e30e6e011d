package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/auth"
	"github.com/sakif/clickpay/internal/model"
	"github.com/sakif/clickpay/internal/service"
)

type WithdrawalHandler struct {
	svc    *service.WithdrawalService
	logger *slog.Logger
}

func NewWithdrawalHandler(svc *service.WithdrawalService, logger *slog.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{svc: svc, logger: logger}
}

// withdrawalRequest accepts the amount as a JSON number or string.
type withdrawalRequest struct {
	Method      model.PayoutMethod `json:"method"`
	Amount      decimal.Decimal    `json:"amount"`
	Destination string             `json:"destination"`
}

// WithdrawalCreatedResponse echoes the escrowed request with its charge.
type WithdrawalCreatedResponse struct {
	WithdrawalID string                 `json:"withdrawalId"`
	Status       model.WithdrawalStatus `json:"status"`
	Amount       decimal.Decimal        `json:"amount"`
	Charge       decimal.Decimal        `json:"charge"`
	Payout       decimal.Decimal        `json:"payout"`
	Message      string                 `json:"message"`
}

// HandleList returns the caller's withdrawals.
//
// HTTP: GET /api/withdrawals?limit=&offset=
func (h *WithdrawalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("a session is required"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := h.svc.ListForUser(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list withdrawals", slog.String("userID", userID), slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	if ws == nil {
		ws = []model.WithdrawalView{}
	}
	writeJSON(w, http.StatusOK, ws)
}

// HandleCreate debits the wallet and records a pending withdrawal.
//
// HTTP: POST /api/withdrawals
//
// An amount above the balance answers 422 insufficient_balance.
func (h *WithdrawalHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("a session is required"))
		return
	}

	var req withdrawalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := h.svc.Request(r.Context(), userID, req.Method, req.Amount, req.Destination)
	if err != nil {
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("withdrawal request failed", slog.String("userID", userID), slog.String("error", err.Error()))
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, WithdrawalCreatedResponse{
		WithdrawalID: view.ID,
		Status:       view.Status,
		Amount:       view.Amount,
		Charge:       view.Charge,
		Payout:       view.Payout,
		Message:      "Withdrawal request submitted",
	})
}
