package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/service"
	u "github.com/riteshkumar/carewallet/internal/utils"
)

type AccountHandler struct {
	walletService service.WalletService
	logger        *slog.Logger
}

func NewAccountHandler(walletService service.WalletService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		walletService: walletService,
		logger:        logger,
	}
}

func (h *AccountHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	router.HandleFunc("/accounts/me", h.GetAccount).Methods(http.MethodGet)
	router.HandleFunc("/accounts/me/transactions", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/wallet/deposit", h.Deposit).Methods(http.MethodPost)
	router.HandleFunc("/wallet/withdraw", h.Withdraw).Methods(http.MethodPost)
	router.HandleFunc("/admin/participants/{id}/approve", h.Approve).Methods(http.MethodPost)
}

// CreateAccount registers the token's subject. Identity and role come from the
// token; the body only carries profile fields.
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	var req models.RegisterRequest
	if err := u.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid create account request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}
	req.ID = caller.AccountID
	req.Role = caller.Role

	account, err := h.walletService.OpenAccount(r.Context(), &req)
	if err != nil {
		handleServiceError(w, h.logger, err, "create account")
		return
	}

	u.WriteJSON(w, http.StatusCreated, account)
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	account, err := h.walletService.Balance(r.Context(), caller)
	if err != nil {
		handleServiceError(w, h.logger, err, "get account")
		return
	}

	u.WriteJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	transactions, err := h.walletService.History(r.Context(), caller)
	if err != nil {
		handleServiceError(w, h.logger, err, "list transactions")
		return
	}

	response := make([]models.TransactionResponse, 0, len(transactions))
	for _, t := range transactions {
		response = append(response, models.NewTransactionResponse(t))
	}
	u.WriteJSON(w, http.StatusOK, response)
}

func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, "deposit", h.walletService.Deposit)
}

func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, "withdraw", h.walletService.Withdraw)
}

func (h *AccountHandler) moveFunds(
	w http.ResponseWriter,
	r *http.Request,
	operation string,
	move func(ctx context.Context, caller models.Caller, amount int64) (*models.Transaction, error),
) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	var req models.AmountRequest
	if err := u.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid "+operation+" request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}

	transaction, err := move(r.Context(), caller, req.Amount)
	if err != nil {
		handleServiceError(w, h.logger, err, operation)
		return
	}

	u.WriteJSON(w, http.StatusCreated, models.NewTransactionResponse(transaction))
}

func (h *AccountHandler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	participant, err := h.walletService.Approve(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "approve participant")
		return
	}

	u.WriteJSON(w, http.StatusOK, participant)
}
