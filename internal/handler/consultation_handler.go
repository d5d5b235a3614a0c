package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/service"
	u "github.com/riteshkumar/carewallet/internal/utils"
)

const defaultNearbyLimit = 10

type ConsultationHandler struct {
	consultations service.ConsultationService
	prescriptions service.PrescriptionService
	chat          service.ChatService
	logger        *slog.Logger
}

func NewConsultationHandler(
	consultations service.ConsultationService,
	prescriptions service.PrescriptionService,
	chat service.ChatService,
	logger *slog.Logger,
) *ConsultationHandler {
	return &ConsultationHandler{
		consultations: consultations,
		prescriptions: prescriptions,
		chat:          chat,
		logger:        logger,
	}
}

func (h *ConsultationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/doctors/nearby", h.NearbyDoctors).Methods(http.MethodGet)
	router.HandleFunc("/consultations", h.RequestConsultation).Methods(http.MethodPost)
	router.HandleFunc("/consultations", h.ListConsultations).Methods(http.MethodGet)
	router.HandleFunc("/consultations/{id}", h.GetConsultation).Methods(http.MethodGet)
	router.HandleFunc("/consultations/{id}/accept", h.Accept).Methods(http.MethodPost)
	router.HandleFunc("/consultations/{id}/decline", h.Decline).Methods(http.MethodPost)
	router.HandleFunc("/consultations/{id}/complete", h.Complete).Methods(http.MethodPost)
	router.HandleFunc("/consultations/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	router.HandleFunc("/consultations/{id}/messages", h.SendMessage).Methods(http.MethodPost)
	router.HandleFunc("/consultations/{id}/prescriptions", h.Prescribe).Methods(http.MethodPost)
}

func (h *ConsultationHandler) NearbyDoctors(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	limit := defaultNearbyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			u.WriteError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	doctors, err := h.consultations.NearbyDoctors(r.Context(), caller, limit)
	if err != nil {
		handleServiceError(w, h.logger, err, "nearby doctors")
		return
	}
	u.WriteJSON(w, http.StatusOK, doctors)
}

func (h *ConsultationHandler) RequestConsultation(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	var req models.RequestConsultationRequest
	if err := u.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid consultation request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}

	consultation, err := h.consultations.Request(r.Context(), caller, req.DoctorID)
	if err != nil {
		handleServiceError(w, h.logger, err, "request consultation")
		return
	}
	u.WriteJSON(w, http.StatusCreated, consultation)
}

func (h *ConsultationHandler) ListConsultations(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	status := models.ConsultationStatus(r.URL.Query().Get("status"))
	consultations, err := h.consultations.ListForParticipant(r.Context(), caller, status)
	if err != nil {
		handleServiceError(w, h.logger, err, "list consultations")
		return
	}
	if consultations == nil {
		consultations = []*models.Consultation{}
	}
	u.WriteJSON(w, http.StatusOK, consultations)
}

func (h *ConsultationHandler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	consultation, err := h.consultations.Get(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "get consultation")
		return
	}
	u.WriteJSON(w, http.StatusOK, consultation)
}

func (h *ConsultationHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, true)
}

func (h *ConsultationHandler) Decline(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, false)
}

func (h *ConsultationHandler) respond(w http.ResponseWriter, r *http.Request, accept bool) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	consultation, err := h.consultations.Respond(r.Context(), caller, mux.Vars(r)["id"], accept)
	if err != nil {
		handleServiceError(w, h.logger, err, "respond to consultation")
		return
	}
	u.WriteJSON(w, http.StatusOK, consultation)
}

func (h *ConsultationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	consultation, err := h.consultations.Complete(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "complete consultation")
		return
	}
	u.WriteJSON(w, http.StatusOK, consultation)
}

func (h *ConsultationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	messages, err := h.chat.History(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		handleServiceError(w, h.logger, err, "list messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	u.WriteJSON(w, http.StatusOK, messages)
}

func (h *ConsultationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := u.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid send message request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}

	msg, err := h.chat.Send(r.Context(), caller, mux.Vars(r)["id"], req.Text)
	if err != nil {
		handleServiceError(w, h.logger, err, "send message")
		return
	}
	u.WriteJSON(w, http.StatusCreated, msg)
}

func (h *ConsultationHandler) Prescribe(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrAbort(w, r)
	if !ok {
		return
	}

	var req models.PrescribeRequest
	if err := u.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid prescribe request", "error", err.Error())
		u.WriteError(w, http.StatusBadRequest, "invalid request payload", err.Error())
		return
	}

	prescription, err := h.prescriptions.Prescribe(r.Context(), caller, mux.Vars(r)["id"], req.Items)
	if err != nil {
		handleServiceError(w, h.logger, err, "prescribe")
		return
	}
	u.WriteJSON(w, http.StatusCreated, prescription)
}
