package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/repository"
)

type PrescriptionService interface {
	Prescribe(ctx context.Context, caller models.Caller, consultationID string, items []models.PrescriptionItem) (*models.Prescription, error)
	Accept(ctx context.Context, caller models.Caller, prescriptionID string) (*models.Prescription, error)
	Complete(ctx context.Context, caller models.Caller, prescriptionID string) (*models.Prescription, error)
	Get(ctx context.Context, caller models.Caller, prescriptionID string) (*models.Prescription, error)
	ListForParticipant(ctx context.Context, caller models.Caller) ([]*models.Prescription, error)
}

type PrescriptionServiceImpl struct {
	prescriptions repository.PrescriptionRepository
	consultations *ConsultationServiceImpl
	participants  repository.ParticipantRepository
	locator       Locator
	audit         repository.AuditRepository
	publisher     notify.Publisher
	candidates    int
	logger        *slog.Logger
}

func NewPrescriptionService(
	prescriptions repository.PrescriptionRepository,
	consultations *ConsultationServiceImpl,
	participants repository.ParticipantRepository,
	locator Locator,
	audit repository.AuditRepository,
	publisher notify.Publisher,
	candidates int,
	logger *slog.Logger,
) *PrescriptionServiceImpl {
	if candidates <= 0 {
		candidates = 3
	}
	return &PrescriptionServiceImpl{
		prescriptions: prescriptions,
		consultations: consultations,
		participants:  participants,
		locator:       locator,
		audit:         audit,
		publisher:     publisher,
		candidates:    candidates,
		logger:        logger,
	}
}

// Prescribe records the doctor's prescription, offers it to the nearest
// approved pharmacies and completes the consultation. Repeating the call after
// a partial failure resumes from the stored prescription. Notifications go
// out only from the call that created the prescription or completed the
// consultation.
func (s *PrescriptionServiceImpl) Prescribe(ctx context.Context, caller models.Caller, consultationID string, items []models.PrescriptionItem) (*models.Prescription, error) {
	if err := authorize(caller, OpPrescribe); err != nil {
		return nil, err
	}
	c, err := s.consultations.assigned(ctx, caller, consultationID)
	if err != nil {
		return nil, err
	}
	if err := validateItems(items); err != nil {
		return nil, err
	}

	var created, completed bool
	p, err := s.prescriptions.GetByConsultation(ctx, c.ID)
	switch {
	case err == nil:
		s.logger.Info("resuming existing prescription",
			"prescription_id", p.ID,
			"consultation_id", c.ID,
		)
	case errors.Is(err, errors.ErrPrescriptionNotFound):
		if c.Status != models.ConsultationAccepted {
			return nil, errors.ErrInvalidTransition
		}
		p, created, err = s.create(ctx, caller, c, items)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if c.Status == models.ConsultationAccepted {
		_, err := s.consultations.completeAccepted(ctx, caller, c)
		switch {
		case err == nil:
			completed = true
		case !errors.Is(err, errors.ErrInvalidTransition):
			return nil, err
		}
	}

	if !created && !completed {
		return p, nil
	}
	for _, pharmacyID := range p.Candidates {
		s.publisher.Publish(models.PersonalChannel(models.RolePharmacy, pharmacyID), models.EventNewPrescription, p)
	}
	s.publisher.Publish(models.PersonalChannel(models.RolePatient, p.PatientID), models.EventPrescribed, p)
	s.publisher.Publish(models.PersonalChannel(models.RoleDoctor, p.DoctorID), models.EventPrescriptionCreated, p)
	return p, nil
}

// create stores a new prescription. It reports false when a concurrent
// attempt stored one first and that one is returned instead.
func (s *PrescriptionServiceImpl) create(ctx context.Context, caller models.Caller, c *models.Consultation, items []models.PrescriptionItem) (*models.Prescription, bool, error) {
	origin, err := s.locator.Location(ctx, c.DoctorID)
	if err != nil {
		return nil, false, err
	}
	pharmacies, err := s.participants.ListApproved(ctx, models.RolePharmacy)
	if err != nil {
		return nil, false, err
	}
	candidates := make([]string, 0, s.candidates)
	for _, r := range rankByDistance(origin, pharmacies, s.candidates) {
		candidates = append(candidates, r.participant.ID)
	}
	if len(candidates) == 0 {
		s.logger.Warn("no approved pharmacies available for prescription",
			"consultation_id", c.ID,
		)
	}

	p := &models.Prescription{
		ConsultationID: c.ID,
		DoctorID:       c.DoctorID,
		PatientID:      c.PatientID,
		Items:          items,
		Candidates:     candidates,
		Status:         models.PrescriptionCreated,
	}
	if err := s.prescriptions.Create(ctx, p); err != nil {
		if errors.Is(err, errors.ErrPrescriptionExists) {
			existing, err := s.prescriptions.GetByConsultation(ctx, c.ID)
			return existing, false, err
		}
		return nil, false, err
	}
	s.record(ctx, caller, p, models.AuditActionCreate, "")
	s.logger.Info("prescription created",
		"prescription_id", p.ID,
		"consultation_id", c.ID,
		"candidates", len(candidates),
	)
	return p, true, nil
}

func validateItems(items []models.PrescriptionItem) error {
	if len(items) == 0 {
		return errors.NewValidationError("items", "at least one item is required")
	}
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			return errors.NewValidationError(fmt.Sprintf("items[%d].name", i), "must be non-empty")
		}
		if item.Quantity <= 0 {
			return errors.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "must be a positive integer")
		}
	}
	return nil
}

// Accept lets one candidate pharmacy claim the prescription. Only the first
// claim succeeds and only it publishes.
func (s *PrescriptionServiceImpl) Accept(ctx context.Context, caller models.Caller, prescriptionID string) (*models.Prescription, error) {
	if err := authorize(caller, OpAcceptPrescription); err != nil {
		return nil, err
	}
	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if !p.IsCandidate(caller.AccountID) {
		return nil, errors.ErrNotAuthorized
	}

	accepted, err := s.prescriptions.Accept(ctx, p.ID, caller.AccountID)
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyAccepted) {
			s.logger.Info("prescription already claimed",
				"prescription_id", p.ID,
				"pharmacy_id", caller.AccountID,
			)
		}
		return nil, err
	}

	s.record(ctx, caller, accepted, models.AuditActionTransition, models.PrescriptionCreated)
	s.publisher.Publish(models.PersonalChannel(models.RolePatient, accepted.PatientID), models.EventPrescriptionAccepted, accepted)
	return accepted, nil
}

func (s *PrescriptionServiceImpl) Complete(ctx context.Context, caller models.Caller, prescriptionID string) (*models.Prescription, error) {
	if err := authorize(caller, OpCompletePrescription); err != nil {
		return nil, err
	}
	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	if p.AcceptedBy == "" {
		return nil, errors.ErrInvalidTransition
	}
	if p.AcceptedBy != caller.AccountID {
		return nil, errors.ErrNotAuthorized
	}

	completed, err := s.prescriptions.Complete(ctx, p.ID, caller.AccountID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, caller, completed, models.AuditActionTransition, models.PrescriptionAccepted)
	s.publisher.Publish(models.PersonalChannel(models.RolePatient, completed.PatientID), models.EventPrescriptionCompleted, completed)
	return completed, nil
}

func (s *PrescriptionServiceImpl) Get(ctx context.Context, caller models.Caller, prescriptionID string) (*models.Prescription, error) {
	p, err := s.prescriptions.GetByID(ctx, prescriptionID)
	if err != nil {
		return nil, err
	}
	switch caller.Role {
	case models.RolePatient:
		if p.PatientID == caller.AccountID {
			return p, nil
		}
	case models.RoleDoctor:
		if p.DoctorID == caller.AccountID {
			return p, nil
		}
	case models.RolePharmacy:
		if p.IsCandidate(caller.AccountID) {
			return p, nil
		}
	}
	return nil, errors.ErrNotAuthorized
}

func (s *PrescriptionServiceImpl) ListForParticipant(ctx context.Context, caller models.Caller) ([]*models.Prescription, error) {
	if err := authorize(caller, OpViewPrescriptions); err != nil {
		return nil, err
	}
	return s.prescriptions.ListByParticipant(ctx, caller.Role, caller.AccountID)
}

func (s *PrescriptionServiceImpl) record(ctx context.Context, caller models.Caller, p *models.Prescription, action string, from models.PrescriptionStatus) {
	var oldValue json.RawMessage
	if from != "" {
		oldValue, _ = json.Marshal(map[string]string{"status": string(from)})
	}
	newValue, _ := json.Marshal(p)
	err := s.audit.Record(ctx, &models.AuditLog{
		EntityType: models.EntityTypePrescription,
		EntityID:   p.ID,
		Action:     action,
		ActorID:    caller.AccountID,
		OldValue:   oldValue,
		NewValue:   newValue,
	})
	if err != nil {
		s.logger.Error("failed to create audit log for prescription",
			"prescription_id", p.ID,
			"error", err.Error(),
		)
	}
}
