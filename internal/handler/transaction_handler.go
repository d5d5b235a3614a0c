package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/service"
	u "github.com/riteshkumar/carewallet/internal/utils"
)

type TransactionHandler struct {
	walletService service.WalletService
	logger        *slog.Logger
}

func NewTransactionHandler(walletService service.WalletService, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{
		walletService: walletService,
		logger:        logger,
	}
}

func (h *TransactionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/transactions", h.CreateTransaction).Methods(http.MethodPost)
}

// CreateTransaction sends funds from the caller's wallet to another
// participant.
func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	var req models.CreateTransactionRequest
	if err := u.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid create transaction request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}

	transaction, err := h.walletService.Send(r.Context(), caller, &req)
	if err != nil {
		handleServiceError(w, h.logger, err, "create transaction")
		return
	}

	u.WriteJSON(w, http.StatusCreated, models.NewTransactionResponse(transaction))
}
