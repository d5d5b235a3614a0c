package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/repository"
	"github.com/riteshkumar/carewallet/internal/settlement"
)

const treasuryID = "treasury"

type published struct {
	channel string
	event   string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(channel, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{channel: channel, event: event, payload: payload})
}

func (p *recordingPublisher) count(channel, event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.channel == channel && e.event == event {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) countEvent(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type harnessConfig struct {
	fee             int64
	commissionBPS   int64
	reward          int64
	signupBonus     int64
	treasury        int64
	refundPolicy    RefundPolicy
	candidates      int
	consultationsFn func(repository.ConsultationRepository) repository.ConsultationRepository
	ledgerFn        func(*repository.MemoryLedgerStore) repository.LedgerStore
}

type harness struct {
	ledger        *repository.MemoryLedgerStore
	participants  *repository.MemoryParticipantRepository
	consultations repository.ConsultationRepository
	prescriptions *repository.MemoryPrescriptionRepository
	messages      *repository.MemoryMessageRepository
	audit         *repository.MemoryAuditRepository
	pub           *recordingPublisher

	transfers *TransactionServiceImpl
	wallet    *AccountServiceImpl
	consult   *ConsultationServiceImpl
	rx        *PrescriptionServiceImpl
	chat      *ChatServiceImpl
	admin     models.Caller
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{
		fee:           10,
		commissionBPS: 1000,
		reward:        1,
		signupBonus:   100,
		treasury:      1000,
		refundPolicy:  RefundNone,
		candidates:    3,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := discardLogger()
	h := &harness{
		participants:  repository.NewMemoryParticipantRepository(),
		prescriptions: repository.NewMemoryPrescriptionRepository(),
		messages:      repository.NewMemoryMessageRepository(),
		audit:         repository.NewMemoryAuditRepository(),
		pub:           &recordingPublisher{},
		admin:         models.Caller{AccountID: treasuryID, Role: models.RoleAdmin},
	}
	h.ledger = repository.NewMemoryLedgerStore(h.audit)
	var ledger repository.LedgerStore = h.ledger
	if cfg.ledgerFn != nil {
		ledger = cfg.ledgerFn(h.ledger)
	}
	h.consultations = repository.NewMemoryConsultationRepository()
	if cfg.consultationsFn != nil {
		h.consultations = cfg.consultationsFn(h.consultations)
	}

	h.transfers = NewTransactionService(ledger, TransferConfig{
		TreasuryAccountID:  treasuryID,
		ConsultationFee:    cfg.fee,
		AdminCommissionBPS: cfg.commissionBPS,
		MaxRetries:         20,
	}, nil, logger)
	h.transfers.backoff = func(int) time.Duration { return 0 }

	h.wallet = NewAccountService(ledger, h.participants, h.transfers, settlement.NewNoopBackend(logger), h.audit,
		WalletConfig{TreasuryAccountID: treasuryID, SignupBonus: cfg.signupBonus}, logger)
	require.NoError(t, h.wallet.EnsureTreasury(context.Background(), cfg.treasury))

	h.consult = NewConsultationService(h.consultations, h.participants, ledger, h.transfers, h.audit, h.pub, nil,
		ConsultationConfig{ConsultationFee: cfg.fee, CompletionReward: cfg.reward, RefundPolicy: cfg.refundPolicy}, logger)
	h.rx = NewPrescriptionService(h.prescriptions, h.consult, h.participants, h.participants, h.audit, h.pub, cfg.candidates, logger)
	h.chat = NewChatService(h.consultations, NewMessageLog(h.messages, h.pub), nil, logger)
	return h
}

// register opens an account and approves it when the role needs approval.
func (h *harness) register(t *testing.T, id string, role models.Role, lat, lng float64) models.Caller {
	t.Helper()
	ctx := context.Background()
	_, err := h.wallet.OpenAccount(ctx, &models.RegisterRequest{ID: id, Role: role, Name: id, Lat: lat, Lng: lng})
	require.NoError(t, err)
	if role != models.RolePatient {
		_, err = h.wallet.Approve(ctx, h.admin, id)
		require.NoError(t, err)
	}
	return models.Caller{AccountID: id, Role: role}
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b
}

// acceptedConsultation walks a fresh patient/doctor pair to an accepted consultation.
func (h *harness) acceptedConsultation(t *testing.T, patient, doctor models.Caller) *models.Consultation {
	t.Helper()
	ctx := context.Background()
	c, err := h.consult.Request(ctx, patient, doctor.AccountID)
	require.NoError(t, err)
	c, err = h.consult.Respond(ctx, doctor, c.ID, true)
	require.NoError(t, err)
	return c
}

// assertLedgerConsistent checks that every balance equals its opening balance
// plus adjustments plus the sum of its transaction legs.
func (h *harness) assertLedgerConsistent(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	snap, err := h.ledger.Snapshot(ctx)
	require.NoError(t, err)
	for _, a := range snap.Accounts {
		require.GreaterOrEqual(t, a.Balance, int64(0), a.ID)
		require.Equal(t, a.InitialBalance+a.Adjustments+snap.LegSums[a.ID], a.Balance, a.ID)
	}
}
