package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/repository"
	"github.com/riteshkumar/carewallet/internal/settlement"
)

type WalletService interface {
	OpenAccount(ctx context.Context, req *models.RegisterRequest) (*models.AccountResponse, error)
	Balance(ctx context.Context, caller models.Caller) (*models.AccountResponse, error)
	History(ctx context.Context, caller models.Caller) ([]*models.Transaction, error)
	Deposit(ctx context.Context, caller models.Caller, amount int64) (*models.Transaction, error)
	Withdraw(ctx context.Context, caller models.Caller, amount int64) (*models.Transaction, error)
	Send(ctx context.Context, caller models.Caller, req *models.CreateTransactionRequest) (*models.Transaction, error)
	Approve(ctx context.Context, caller models.Caller, participantID string) (*models.Participant, error)
}

type WalletConfig struct {
	TreasuryAccountID string
	SignupBonus       int64
}

type AccountServiceImpl struct {
	ledger       repository.LedgerStore
	participants repository.ParticipantRepository
	transfers    TransferService
	settlement   settlement.Backend
	audit        repository.AuditRepository
	cfg          WalletConfig
	logger       *slog.Logger
}

func NewAccountService(
	ledger repository.LedgerStore,
	participants repository.ParticipantRepository,
	transfers TransferService,
	backend settlement.Backend,
	audit repository.AuditRepository,
	cfg WalletConfig,
	logger *slog.Logger,
) *AccountServiceImpl {
	return &AccountServiceImpl{
		ledger:       ledger,
		participants: participants,
		transfers:    transfers,
		settlement:   backend,
		audit:        audit,
		cfg:          cfg,
		logger:       logger,
	}
}

// OpenAccount registers a participant with an empty wallet. Patients are
// approved immediately and receive the signup bonus; doctors and pharmacies
// wait for an admin.
func (s *AccountServiceImpl) OpenAccount(ctx context.Context, req *models.RegisterRequest) (*models.AccountResponse, error) {
	if err := s.validateRegisterRequest(req); err != nil {
		s.logger.Warn("invalid register request",
			"account_id", req.ID,
			"error", err.Error(),
		)
		return nil, err
	}

	participant := &models.Participant{
		ID:       req.ID,
		Role:     req.Role,
		Name:     strings.TrimSpace(req.Name),
		Approved: req.Role == models.RolePatient,
		Location: models.Location{Lat: req.Lat, Lng: req.Lng},
	}
	if err := s.participants.Create(ctx, participant); err != nil {
		if !errors.IsAlreadyExists(err) {
			s.logger.Error("failed to create participant",
				"account_id", req.ID,
				"error", err.Error(),
			)
			return nil, err
		}
		// Resume a registration whose account insert failed last time.
		if _, getErr := s.ledger.GetAccount(ctx, req.ID); getErr == nil {
			s.logger.Warn("account already exists", "account_id", req.ID)
			return nil, err
		}
		existing, getErr := s.participants.GetByID(ctx, req.ID)
		if getErr != nil {
			return nil, getErr
		}
		participant = existing
	}

	account := &models.Account{ID: req.ID, OwnerID: req.ID}
	if err := s.ledger.CreateAccount(ctx, account); err != nil {
		s.logger.Error("failed to create account",
			"account_id", req.ID,
			"error", err.Error(),
		)
		return nil, err
	}

	if err := s.createAccountAuditLog(ctx, account, participant.Role); err != nil {
		s.logger.Error("failed to create audit log for account creation",
			"account_id", req.ID,
			"error", err.Error(),
		)
	}

	if participant.Role == models.RolePatient && s.cfg.SignupBonus > 0 {
		s.grantSignupBonus(ctx, account)
	}

	s.logger.Info("account created successfully",
		"account_id", req.ID,
		"role", participant.Role,
	)
	return &models.AccountResponse{
		ID:       account.ID,
		Role:     participant.Role,
		Balance:  account.Balance,
		Version:  account.Version,
		Approved: participant.Approved,
	}, nil
}

// grantSignupBonus is best effort: the account stays open if the treasury
// cannot fund the bonus, and the key lets an operator retry it later.
func (s *AccountServiceImpl) grantSignupBonus(ctx context.Context, account *models.Account) {
	txn, err := s.transfers.Reward(ctx, account.ID, s.cfg.SignupBonus, "signup-bonus:"+account.ID,
		map[string]string{"reason": "signup"})
	if err != nil {
		s.logger.Error("failed to grant signup bonus",
			"account_id", account.ID,
			"error", err.Error(),
		)
		return
	}
	account.Balance += txn.DeltaFor(account.ID)
	account.Version++
}

func (s *AccountServiceImpl) validateRegisterRequest(req *models.RegisterRequest) error {
	if strings.TrimSpace(req.ID) == "" {
		return errors.ErrInvalidAccountID
	}
	if req.ID == s.cfg.TreasuryAccountID {
		return errors.ErrAccountAlreadyExists
	}
	if !req.Role.Valid() || req.Role == models.RoleAdmin {
		return errors.NewValidationError("role", "must be patient, doctor or pharmacy")
	}
	if req.Lat < -90 || req.Lat > 90 {
		return errors.NewValidationError("lat", "must be between -90 and 90")
	}
	if req.Lng < -180 || req.Lng > 180 {
		return errors.NewValidationError("lng", "must be between -180 and 180")
	}
	return nil
}

func (s *AccountServiceImpl) Balance(ctx context.Context, caller models.Caller) (*models.AccountResponse, error) {
	if caller.AccountID == "" {
		return nil, errors.ErrInvalidAccountID
	}

	account, err := s.ledger.GetAccount(ctx, caller.AccountID)
	if err != nil {
		if errors.IsNotFound(err) {
			s.logger.Warn("account not found", "account_id", caller.AccountID)
			return nil, err
		}
		s.logger.Error("failed to get account",
			"account_id", caller.AccountID,
			"error", err.Error(),
		)
		return nil, err
	}
	participant, err := s.participants.GetByID(ctx, caller.AccountID)
	if err != nil {
		return nil, err
	}

	return &models.AccountResponse{
		ID:       account.ID,
		Role:     participant.Role,
		Balance:  account.Balance,
		Version:  account.Version,
		Approved: participant.Approved,
	}, nil
}

func (s *AccountServiceImpl) History(ctx context.Context, caller models.Caller) ([]*models.Transaction, error) {
	if caller.AccountID == "" {
		return nil, errors.ErrInvalidAccountID
	}
	return s.ledger.ListTransactionsByAccount(ctx, caller.AccountID)
}

// Deposit credits the caller once the settlement backend has confirmed the
// inbound funds. The confirmed amount is minted into the treasury and then
// moved to the caller under a key derived from the settlement reference, so
// the credit never depends on the treasury's existing float.
func (s *AccountServiceImpl) Deposit(ctx context.Context, caller models.Caller, amount int64) (*models.Transaction, error) {
	if err := authorize(caller, OpDeposit); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, errors.ErrInvalidAmount
	}

	ref, err := s.settlement.Confirm(ctx, caller.AccountID, amount)
	if err != nil {
		s.logger.Error("settlement confirm failed",
			"account_id", caller.AccountID,
			"amount", amount,
			"error", err.Error(),
		)
		return nil, errors.NewTransactionError("settlement confirm", err)
	}
	s.logger.Info("deposit confirmed",
		"account_id", caller.AccountID,
		"amount", amount,
		"settlement_ref", ref,
	)

	key := "deposit:" + ref
	if _, err := s.ledger.FindTransactionByKey(ctx, key); errors.Is(err, errors.ErrTransactionNotFound) {
		if _, err := s.transfers.Adjust(ctx, s.cfg.TreasuryAccountID, amount, key); err != nil {
			s.logger.Error("failed to mint confirmed deposit",
				"account_id", caller.AccountID,
				"amount", amount,
				"settlement_ref", ref,
				"error", err.Error(),
			)
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	txn, err := s.transfers.Transfer(ctx, &models.TransferRequest{
		Legs: []models.Leg{
			{AccountID: s.cfg.TreasuryAccountID, Delta: -amount},
			{AccountID: caller.AccountID, Delta: amount},
		},
		Type:           models.TransactionDeposit,
		IdempotencyKey: key,
		Metadata:       map[string]string{"settlement_ref": ref},
	})
	if err != nil {
		s.logger.Error("confirmed deposit not credited",
			"account_id", caller.AccountID,
			"amount", amount,
			"settlement_ref", ref,
			"error", err.Error(),
		)
		return nil, err
	}
	return txn, nil
}

// Withdraw debits the caller into the treasury and then asks the settlement
// backend to pay out. A failed payout is logged with the transaction id for
// manual follow-up; the debit stands.
func (s *AccountServiceImpl) Withdraw(ctx context.Context, caller models.Caller, amount int64) (*models.Transaction, error) {
	if err := authorize(caller, OpWithdraw); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, errors.ErrInvalidAmount
	}

	txn, err := s.transfers.Transfer(ctx, &models.TransferRequest{
		Legs: []models.Leg{
			{AccountID: caller.AccountID, Delta: -amount},
			{AccountID: s.cfg.TreasuryAccountID, Delta: amount},
		},
		Type: models.TransactionWithdrawal,
	})
	if err != nil {
		return nil, err
	}

	ref, err := s.settlement.Payout(ctx, caller.AccountID, amount)
	if err != nil {
		s.logger.Error("settlement payout failed",
			"account_id", caller.AccountID,
			"transaction_id", txn.ID,
			"amount", amount,
			"error", err.Error(),
		)
		return txn, nil
	}
	s.logger.Info("withdrawal settled",
		"transaction_id", txn.ID,
		"settlement_ref", ref,
	)
	return txn, nil
}

// Send moves value from the caller to another participant.
func (s *AccountServiceImpl) Send(ctx context.Context, caller models.Caller, req *models.CreateTransactionRequest) (*models.Transaction, error) {
	if err := authorize(caller, OpSend); err != nil {
		return nil, err
	}
	if req.DestinationAccountID == "" {
		return nil, errors.NewValidationError("destination_account_id", "must be non-empty")
	}
	if req.DestinationAccountID == caller.AccountID {
		return nil, errors.ErrSameAccount
	}
	if req.DestinationAccountID == s.cfg.TreasuryAccountID {
		return nil, errors.NewValidationError("destination_account_id", "cannot send to the treasury")
	}
	if req.Amount <= 0 {
		return nil, errors.ErrInvalidAmount
	}

	return s.transfers.Transfer(ctx, &models.TransferRequest{
		Legs: []models.Leg{
			{AccountID: caller.AccountID, Delta: -req.Amount},
			{AccountID: req.DestinationAccountID, Delta: req.Amount},
		},
		Type: models.TransactionTransfer,
	})
}

// Approve marks a doctor or pharmacy as approved. Admin only.
func (s *AccountServiceImpl) Approve(ctx context.Context, caller models.Caller, participantID string) (*models.Participant, error) {
	if err := authorize(caller, OpApproveParticipant); err != nil {
		return nil, err
	}
	if participantID == "" {
		return nil, errors.ErrInvalidAccountID
	}

	before, err := s.participants.GetByID(ctx, participantID)
	if err != nil {
		return nil, err
	}
	p, err := s.participants.SetApproved(ctx, participantID, true)
	if err != nil {
		return nil, err
	}

	oldValue, _ := json.Marshal(map[string]bool{"approved": before.Approved})
	newValue, _ := json.Marshal(map[string]bool{"approved": true})
	if err := s.audit.Record(ctx, &models.AuditLog{
		EntityType: models.EntityTypeParticipant,
		EntityID:   participantID,
		Action:     models.AuditActionApprove,
		ActorID:    caller.AccountID,
		OldValue:   oldValue,
		NewValue:   newValue,
	}); err != nil {
		s.logger.Error("failed to create audit log for approval",
			"participant_id", participantID,
			"error", err.Error(),
		)
	}
	s.logger.Info("participant approved",
		"participant_id", participantID,
		"role", p.Role,
		"approved_by", caller.AccountID,
	)
	return p, nil
}

// EnsureTreasury creates the admin treasury participant and account if they
// do not exist yet. Safe to call on every start.
func (s *AccountServiceImpl) EnsureTreasury(ctx context.Context, initialBalance int64) error {
	id := s.cfg.TreasuryAccountID
	err := s.participants.Create(ctx, &models.Participant{
		ID:       id,
		Role:     models.RoleAdmin,
		Name:     "treasury",
		Approved: true,
	})
	if err != nil && !errors.IsAlreadyExists(err) {
		return err
	}

	account := &models.Account{ID: id, OwnerID: id, Balance: initialBalance}
	if err := s.ledger.CreateAccount(ctx, account); err != nil {
		if errors.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	if err := s.createAccountAuditLog(ctx, account, models.RoleAdmin); err != nil {
		s.logger.Error("failed to create audit log for treasury", "error", err.Error())
	}
	s.logger.Info("treasury account created",
		"account_id", id,
		"balance", initialBalance,
	)
	return nil
}

// FundTreasury mints (positive) or burns (negative) treasury float.
func (s *AccountServiceImpl) FundTreasury(ctx context.Context, delta int64, reason string) (*models.BalanceResult, error) {
	return s.transfers.Adjust(ctx, s.cfg.TreasuryAccountID, delta, reason)
}

func (s *AccountServiceImpl) createAccountAuditLog(ctx context.Context, account *models.Account, role models.Role) error {
	newValue, err := json.Marshal(struct {
		models.AccountBalanceSnapshot
		Role models.Role `json:"role"`
	}{
		AccountBalanceSnapshot: models.AccountBalanceSnapshot{ID: account.ID, Balance: account.Balance, Version: account.Version},
		Role:                   role,
	})
	if err != nil {
		return err
	}

	return s.audit.Record(ctx, &models.AuditLog{
		EntityType: models.EntityTypeAccount,
		EntityID:   account.ID,
		Action:     models.AuditActionCreate,
		NewValue:   newValue,
	})
}
