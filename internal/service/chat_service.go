package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/repository"
)

// RateLimiter throttles a subject within a named scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) error
}

const maxMessageLength = 4000

// MessageLog persists chat messages and publishes each one after it is stored.
type MessageLog struct {
	messages  repository.MessageRepository
	publisher notify.Publisher
}

func NewMessageLog(messages repository.MessageRepository, publisher notify.Publisher) *MessageLog {
	return &MessageLog{messages: messages, publisher: publisher}
}

func (l *MessageLog) Append(ctx context.Context, consultationID string, senderRole models.Role, senderID, text string) (*models.Message, error) {
	msg := &models.Message{
		ConsultationID: consultationID,
		SenderRole:     senderRole,
		SenderID:       senderID,
		Text:           text,
	}
	if err := l.messages.Append(ctx, msg); err != nil {
		return nil, errors.NewTransactionError("append message", err)
	}
	l.publisher.Publish(models.ConsultationChannel(consultationID), models.EventMessage, msg)
	return msg, nil
}

// Replay returns the consultation's messages in append order.
func (l *MessageLog) Replay(ctx context.Context, consultationID string) ([]*models.Message, error) {
	return l.messages.ListByConsultation(ctx, consultationID)
}

type ChatService interface {
	Send(ctx context.Context, caller models.Caller, consultationID, text string) (*models.Message, error)
	History(ctx context.Context, caller models.Caller, consultationID string) ([]*models.Message, error)
}

type ChatServiceImpl struct {
	consultations repository.ConsultationRepository
	log           *MessageLog
	limiter       RateLimiter
	logger        *slog.Logger
}

func NewChatService(consultations repository.ConsultationRepository, log *MessageLog, limiter RateLimiter, logger *slog.Logger) *ChatServiceImpl {
	return &ChatServiceImpl{
		consultations: consultations,
		log:           log,
		limiter:       limiter,
		logger:        logger,
	}
}

func (s *ChatServiceImpl) Send(ctx context.Context, caller models.Caller, consultationID, text string) (*models.Message, error) {
	if err := authorize(caller, OpSendMessage); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.NewValidationError("text", "must be non-empty")
	}
	if len(text) > maxMessageLength {
		return nil, errors.NewValidationError("text", "message is too long")
	}

	c, err := s.participantConsultation(ctx, caller, consultationID)
	if err != nil {
		return nil, err
	}
	if c.Status == models.ConsultationDeclined {
		return nil, errors.ErrInvalidTransition
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, "chat", caller.AccountID); err != nil {
			return nil, err
		}
	}

	msg, err := s.log.Append(ctx, c.ID, caller.Role, caller.AccountID, text)
	if err != nil {
		s.logger.Error("failed to append message",
			"consultation_id", consultationID,
			"sender_id", caller.AccountID,
			"error", err.Error(),
		)
		return nil, err
	}
	return msg, nil
}

func (s *ChatServiceImpl) History(ctx context.Context, caller models.Caller, consultationID string) ([]*models.Message, error) {
	if _, err := s.participantConsultation(ctx, caller, consultationID); err != nil {
		return nil, err
	}
	return s.log.Replay(ctx, consultationID)
}

// participantConsultation loads the consultation and checks that caller is
// its patient or doctor.
func (s *ChatServiceImpl) participantConsultation(ctx context.Context, caller models.Caller, consultationID string) (*models.Consultation, error) {
	if consultationID == "" {
		return nil, errors.NewValidationError("consultation_id", "must be non-empty")
	}
	c, err := s.consultations.GetByID(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	if !c.Involves(caller.AccountID) {
		s.logger.Warn("chat access denied",
			"consultation_id", consultationID,
			"caller_id", caller.AccountID,
		)
		return nil, errors.ErrNotAuthorized
	}
	return c, nil
}
