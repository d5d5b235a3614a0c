package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/service"
	u "github.com/riteshkumar/carewallet/internal/utils"
)

type PrescriptionHandler struct {
	prescriptions service.PrescriptionService
	logger        *slog.Logger
}

func NewPrescriptionHandler(prescriptions service.PrescriptionService, logger *slog.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{
		prescriptions: prescriptions,
		logger:        logger,
	}
}

func (h *PrescriptionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/prescriptions", h.ListPrescriptions).Methods(http.MethodGet)
	router.HandleFunc("/prescriptions/{id}", h.GetPrescription).Methods(http.MethodGet)
	router.HandleFunc("/prescriptions/{id}/accept", h.Accept).Methods(http.MethodPost)
	router.HandleFunc("/prescriptions/{id}/complete", h.Complete).Methods(http.MethodPost)
}

func (h *PrescriptionHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	prescriptions, err := h.prescriptions.ListForParticipant(r.Context(), caller)
	if err != nil {
		handleServiceError(w, h.logger, err, "list prescriptions")
		return
	}
	if prescriptions == nil {
		prescriptions = []*models.Prescription{}
	}
	u.WriteJSON(w, http.StatusOK, prescriptions)
}

func (h *PrescriptionHandler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	prescription, err := h.prescriptions.Get(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "get prescription")
		return
	}
	u.WriteJSON(w, http.StatusOK, prescription)
}

// Accept claims the prescription for the calling pharmacy. Only the first
// candidate to accept wins; the rest get 409.
func (h *PrescriptionHandler) Accept(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	prescription, err := h.prescriptions.Accept(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "accept prescription")
		return
	}
	u.WriteJSON(w, http.StatusOK, prescription)
}

func (h *PrescriptionHandler) Complete(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	prescription, err := h.prescriptions.Complete(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "complete prescription")
		return
	}
	u.WriteJSON(w, http.StatusOK, prescription)
}
