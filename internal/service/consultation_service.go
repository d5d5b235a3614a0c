package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/repository"
)

// RefundPolicy decides what happens to the captured fee when a doctor
// declines a consultation.
type RefundPolicy string

const (
	RefundNone    RefundPolicy = "none"
	RefundReverse RefundPolicy = "reverse"
)

type ConsultationService interface {
	Request(ctx context.Context, caller models.Caller, doctorID string) (*models.Consultation, error)
	Respond(ctx context.Context, caller models.Caller, consultationID string, accept bool) (*models.Consultation, error)
	Complete(ctx context.Context, caller models.Caller, consultationID string) (*models.Consultation, error)
	Get(ctx context.Context, caller models.Caller, consultationID string) (*models.Consultation, error)
	ListForParticipant(ctx context.Context, caller models.Caller, status models.ConsultationStatus) ([]*models.Consultation, error)
	NearbyDoctors(ctx context.Context, caller models.Caller, limit int) ([]models.NearbyDoctor, error)
}

type ConsultationConfig struct {
	ConsultationFee  int64
	CompletionReward int64
	RefundPolicy     RefundPolicy
}

type ConsultationServiceImpl struct {
	consultations repository.ConsultationRepository
	participants  repository.ParticipantRepository
	ledger        repository.LedgerStore
	transfers     TransferService
	audit         repository.AuditRepository
	publisher     notify.Publisher
	limiter       RateLimiter
	cfg           ConsultationConfig
	logger        *slog.Logger
}

func NewConsultationService(
	consultations repository.ConsultationRepository,
	participants repository.ParticipantRepository,
	ledger repository.LedgerStore,
	transfers TransferService,
	audit repository.AuditRepository,
	publisher notify.Publisher,
	limiter RateLimiter,
	cfg ConsultationConfig,
	logger *slog.Logger,
) *ConsultationServiceImpl {
	if cfg.RefundPolicy == "" {
		cfg.RefundPolicy = RefundNone
	}
	return &ConsultationServiceImpl{
		consultations: consultations,
		participants:  participants,
		ledger:        ledger,
		transfers:     transfers,
		audit:         audit,
		publisher:     publisher,
		limiter:       limiter,
		cfg:           cfg,
		logger:        logger,
	}
}

func feeKey(patientID, doctorID string, n int) string {
	return fmt.Sprintf("consultation-fee:%s:%s:%d", patientID, doctorID, n)
}

func rewardKey(consultationID string) string {
	return "consultation-reward:" + consultationID
}

func refundKey(consultationID string) string {
	return "consultation-refund:" + consultationID
}

// Request charges the patient and opens a pending consultation with the
// doctor. The charge is keyed by the pair and the number of consultations the
// pair has already closed, so a retry after a failed insert reuses it.
func (s *ConsultationServiceImpl) Request(ctx context.Context, caller models.Caller, doctorID string) (*models.Consultation, error) {
	if err := authorize(caller, OpRequestConsultation); err != nil {
		return nil, err
	}
	if doctorID == "" {
		return nil, errors.NewValidationError("doctor_id", "must be non-empty")
	}

	doctor, err := s.participants.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if doctor.Role != models.RoleDoctor || !doctor.Approved {
		return nil, errors.NewValidationError("doctor_id", "must reference an approved doctor")
	}

	if _, err := s.consultations.FindActive(ctx, caller.AccountID, doctorID); err == nil {
		s.logger.Warn("consultation already active for pair",
			"patient_id", caller.AccountID,
			"doctor_id", doctorID,
		)
		return nil, errors.ErrDuplicateActiveConsultation
	} else if !errors.Is(err, errors.ErrConsultationNotFound) {
		return nil, err
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, "consultation", caller.AccountID); err != nil {
			return nil, err
		}
	}

	closed, err := s.consultations.CountTerminal(ctx, caller.AccountID, doctorID)
	if err != nil {
		return nil, err
	}
	key := feeKey(caller.AccountID, doctorID, closed)

	// A fee already taken under this key is reused, so only a fresh charge
	// needs the balance check.
	if _, err := s.ledger.FindTransactionByKey(ctx, key); errors.Is(err, errors.ErrTransactionNotFound) {
		balance, err := s.ledger.GetBalance(ctx, caller.AccountID)
		if err != nil {
			return nil, err
		}
		if balance < s.cfg.ConsultationFee {
			s.logger.Warn("insufficient balance for consultation",
				"patient_id", caller.AccountID,
				"available_balance", balance,
				"fee", s.cfg.ConsultationFee,
			)
			return nil, errors.ErrInsufficientFunds
		}
	} else if err != nil {
		return nil, err
	}

	txn, err := s.transfers.ChargeConsultationFee(ctx, caller.AccountID, doctorID, key)
	if err != nil {
		return nil, err
	}
	if txn.Replayed {
		s.logger.Info("reusing consultation fee from an earlier attempt",
			"transaction_id", txn.ID,
			"patient_id", caller.AccountID,
		)
	}

	c := &models.Consultation{
		PatientID:        caller.AccountID,
		DoctorID:         doctorID,
		Status:           models.ConsultationPending,
		FeeTransactionID: txn.ID,
	}
	if err := s.consultations.Create(ctx, c); err != nil {
		s.logger.Error("failed to create consultation after charging fee",
			"transaction_id", txn.ID,
			"patient_id", caller.AccountID,
			"doctor_id", doctorID,
			"error", err.Error(),
		)
		return nil, err
	}

	s.recordTransition(ctx, caller, c, "", models.ConsultationPending)
	s.logger.Info("consultation requested",
		"consultation_id", c.ID,
		"patient_id", c.PatientID,
		"doctor_id", c.DoctorID,
	)
	s.publisher.Publish(models.PersonalChannel(models.RoleDoctor, doctorID), models.EventNewRequest, c)
	return c, nil
}

// Respond accepts or declines a pending consultation. The status change is
// written before any refund, so a decline that loses a race with an accept
// never moves money. A refund that fails after the decline is recorded stays
// outstanding, and declining again finishes it.
func (s *ConsultationServiceImpl) Respond(ctx context.Context, caller models.Caller, consultationID string, accept bool) (*models.Consultation, error) {
	if err := authorize(caller, OpRespondConsultation); err != nil {
		return nil, err
	}
	c, err := s.assigned(ctx, caller, consultationID)
	if err != nil {
		return nil, err
	}
	if !accept && c.Status == models.ConsultationDeclined && s.refundOutstanding(c) {
		return s.settleRefund(ctx, c)
	}
	if c.Status != models.ConsultationPending {
		return nil, errors.ErrInvalidTransition
	}

	transition := models.ConsultationTransition{From: models.ConsultationPending, To: models.ConsultationAccepted}
	event := models.EventConsultationAccepted
	if !accept {
		transition.To = models.ConsultationDeclined
		event = models.EventConsultationDeclined
	}

	updated, err := s.consultations.Transition(ctx, c.ID, transition)
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, caller, updated, transition.From, transition.To)
	s.logger.Info("consultation answered",
		"consultation_id", updated.ID,
		"status", updated.Status,
	)
	s.publisher.Publish(models.PersonalChannel(models.RolePatient, updated.PatientID), event, updated)

	if !accept && s.refundOutstanding(updated) {
		return s.settleRefund(ctx, updated)
	}
	return updated, nil
}

func (s *ConsultationServiceImpl) refundOutstanding(c *models.Consultation) bool {
	return s.cfg.RefundPolicy == RefundReverse && c.FeeTransactionID != "" && c.RefundTransactionID == ""
}

// settleRefund reverses the fee of a declined consultation and attaches the
// refund to it. The reversal is keyed by the consultation, so retries reuse
// the first successful one.
func (s *ConsultationServiceImpl) settleRefund(ctx context.Context, c *models.Consultation) (*models.Consultation, error) {
	fee, err := s.ledger.GetTransaction(ctx, c.FeeTransactionID)
	if err != nil {
		return nil, err
	}
	refund, err := s.transfers.Reverse(ctx, fee, refundKey(c.ID))
	if err != nil {
		s.logger.Warn("decline recorded, refund outstanding",
			"consultation_id", c.ID,
			"fee_transaction_id", fee.ID,
			"error", err.Error(),
		)
		return nil, err
	}

	updated, err := s.consultations.Transition(ctx, c.ID, models.ConsultationTransition{
		From:                models.ConsultationDeclined,
		To:                  models.ConsultationDeclined,
		RefundTransactionID: refund.ID,
	})
	if err != nil {
		s.logger.Error("consultation refunded but refund was not attached",
			"consultation_id", c.ID,
			"refund_transaction_id", refund.ID,
			"error", err.Error(),
		)
		return nil, err
	}
	s.logger.Info("consultation fee refunded",
		"consultation_id", updated.ID,
		"refund_transaction_id", refund.ID,
	)
	return updated, nil
}

// Complete ends an accepted consultation and pays the doctor's completion
// reward at most once.
func (s *ConsultationServiceImpl) Complete(ctx context.Context, caller models.Caller, consultationID string) (*models.Consultation, error) {
	if err := authorize(caller, OpCompleteConsultation); err != nil {
		return nil, err
	}
	c, err := s.assigned(ctx, caller, consultationID)
	if err != nil {
		return nil, err
	}
	updated, err := s.completeAccepted(ctx, caller, c)
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(models.PersonalChannel(models.RolePatient, updated.PatientID), models.EventConsultationEnded, updated)
	return updated, nil
}

// completeAccepted rewards the doctor and moves c from accepted to completed.
// It does not publish; callers choose the event.
func (s *ConsultationServiceImpl) completeAccepted(ctx context.Context, caller models.Caller, c *models.Consultation) (*models.Consultation, error) {
	if c.Status != models.ConsultationAccepted {
		return nil, errors.ErrInvalidTransition
	}

	transition := models.ConsultationTransition{From: models.ConsultationAccepted, To: models.ConsultationCompleted}
	if s.cfg.CompletionReward > 0 {
		reward, err := s.transfers.Reward(ctx, c.DoctorID, s.cfg.CompletionReward, rewardKey(c.ID),
			map[string]string{"consultation_id": c.ID})
		if err != nil {
			s.logger.Error("failed to pay completion reward",
				"consultation_id", c.ID,
				"doctor_id", c.DoctorID,
				"error", err.Error(),
			)
			return nil, err
		}
		transition.RewardTransactionID = reward.ID
	}

	updated, err := s.consultations.Transition(ctx, c.ID, transition)
	if err != nil {
		return nil, err
	}
	s.recordTransition(ctx, caller, updated, transition.From, transition.To)
	s.logger.Info("consultation completed",
		"consultation_id", updated.ID,
		"reward_transaction_id", updated.RewardTransactionID,
	)
	return updated, nil
}

func (s *ConsultationServiceImpl) Get(ctx context.Context, caller models.Caller, consultationID string) (*models.Consultation, error) {
	c, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !c.Involves(caller.AccountID) {
		return nil, errors.ErrNotAuthorized
	}
	return c, nil
}

func (s *ConsultationServiceImpl) ListForParticipant(ctx context.Context, caller models.Caller, status models.ConsultationStatus) ([]*models.Consultation, error) {
	if err := authorize(caller, OpViewConsultations); err != nil {
		return nil, err
	}
	switch status {
	case "", models.ConsultationPending, models.ConsultationAccepted, models.ConsultationDeclined, models.ConsultationCompleted:
	default:
		return nil, errors.NewValidationError("status", "unknown consultation status")
	}
	return s.consultations.ListByParticipant(ctx, caller.Role, caller.AccountID, status)
}

// NearbyDoctors ranks approved doctors by distance from the calling patient.
func (s *ConsultationServiceImpl) NearbyDoctors(ctx context.Context, caller models.Caller, limit int) ([]models.NearbyDoctor, error) {
	if err := authorize(caller, OpNearbyDoctors); err != nil {
		return nil, err
	}
	origin, err := s.participants.Location(ctx, caller.AccountID)
	if err != nil {
		return nil, err
	}
	doctors, err := s.participants.ListApproved(ctx, models.RoleDoctor)
	if err != nil {
		return nil, err
	}

	out := make([]models.NearbyDoctor, 0, len(doctors))
	for _, r := range rankByDistance(origin, doctors, limit) {
		out = append(out, models.NearbyDoctor{Participant: *r.participant, Distance: r.distance})
	}
	return out, nil
}

// assigned loads the consultation and checks that caller is its doctor.
func (s *ConsultationServiceImpl) assigned(ctx context.Context, caller models.Caller, consultationID string) (*models.Consultation, error) {
	if consultationID == "" {
		return nil, errors.NewValidationError("consultation_id", "must be non-empty")
	}
	c, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if c.DoctorID != caller.AccountID {
		s.logger.Warn("consultation action by unassigned doctor",
			"consultation_id", consultationID,
			"caller_id", caller.AccountID,
		)
		return nil, errors.ErrNotAuthorized
	}
	return c, nil
}

func (s *ConsultationServiceImpl) recordTransition(ctx context.Context, caller models.Caller, c *models.Consultation, from, to models.ConsultationStatus) {
	var oldValue json.RawMessage
	if from != "" {
		oldValue, _ = json.Marshal(map[string]string{"status": string(from)})
	}
	newValue, _ := json.Marshal(c)
	action := models.AuditActionTransition
	if from == "" {
		action = models.AuditActionCreate
	}
	err := s.audit.Record(ctx, &models.AuditLog{
		EntityType: models.EntityTypeConsultation,
		EntityID:   c.ID,
		Action:     action,
		ActorID:    caller.AccountID,
		OldValue:   oldValue,
		NewValue:   newValue,
	})
	if err != nil {
		s.logger.Error("failed to create audit log for consultation",
			"consultation_id", c.ID,
			"error", err.Error(),
		)
	}
}
