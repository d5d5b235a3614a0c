package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/metrics"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/repository"
)

// TransferService is the only component allowed to move value between
// accounts.
type TransferService interface {
	Transfer(ctx context.Context, req *models.TransferRequest) (*models.Transaction, error)
	ChargeConsultationFee(ctx context.Context, patientID, doctorID, idempotencyKey string) (*models.Transaction, error)
	Reward(ctx context.Context, accountID string, amount int64, idempotencyKey string, metadata map[string]string) (*models.Transaction, error)
	Reverse(ctx context.Context, original *models.Transaction, idempotencyKey string) (*models.Transaction, error)
	Adjust(ctx context.Context, accountID string, delta int64, reason string) (*models.BalanceResult, error)
}

type TransferConfig struct {
	TreasuryAccountID  string
	ConsultationFee    int64
	AdminCommissionBPS int64
	MaxRetries         int
}

type TransactionServiceImpl struct {
	ledger  repository.LedgerStore
	cfg     TransferConfig
	metrics *metrics.Collector
	logger  *slog.Logger

	// backoff returns the pause before retry attempt n (1-based).
	backoff func(attempt int) time.Duration
}

func NewTransactionService(ledger repository.LedgerStore, cfg TransferConfig, collector *metrics.Collector, logger *slog.Logger) *TransactionServiceImpl {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &TransactionServiceImpl{
		ledger:  ledger,
		cfg:     cfg,
		metrics: collector,
		logger:  logger,
		backoff: jitteredBackoff,
	}
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt) * 2 * time.Millisecond
	return base + time.Duration(rand.Intn(3000))*time.Microsecond
}

// FeeSplit divides fee between the platform and the doctor. The admin share is
// fee * bps / 10000 rounded half up; the doctor receives the remainder.
func FeeSplit(fee, commissionBPS int64) (adminShare, doctorShare int64) {
	adminShare = (fee*commissionBPS + 5000) / 10000
	return adminShare, fee - adminShare
}

// Transfer applies every leg of req or none of them. Legs are resolved in
// account id order, debits are checked against the same snapshot that is
// committed, and version conflicts are retried a bounded number of times.
func (s *TransactionServiceImpl) Transfer(ctx context.Context, req *models.TransferRequest) (*models.Transaction, error) {
	if err := s.validateTransferRequest(req); err != nil {
		if errors.Is(err, errors.ErrTransferNotBalanced) {
			s.logger.Error("unbalanced transfer rejected",
				"type", req.Type,
				"legs", req.Legs,
			)
		} else {
			s.logger.Warn("invalid transfer request",
				"type", req.Type,
				"error", err.Error(),
			)
		}
		s.metrics.RecordTransfer(string(req.Type), "invalid")
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.ledger.FindTransactionByKey(ctx, req.IdempotencyKey)
		if err == nil {
			existing.Replayed = true
			s.metrics.RecordTransfer(string(req.Type), "replayed")
			return existing, nil
		}
		if !errors.Is(err, errors.ErrTransactionNotFound) {
			return nil, errors.NewTransactionError("lookup idempotency key", err)
		}
	}

	ordered := make([]models.Leg, len(req.Legs))
	copy(ordered, req.Legs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountID < ordered[j].AccountID })

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			s.metrics.RecordCASRetry()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff(attempt)):
			}
		}

		txn, err := s.attempt(ctx, req, ordered)
		switch {
		case err == nil:
			s.metrics.RecordTransfer(string(req.Type), "success")
			s.logger.Info("transfer committed",
				"transaction_id", txn.ID,
				"type", txn.Type,
				"legs", len(txn.Legs),
			)
			return txn, nil
		case errors.IsConcurrentModification(err):
			s.logger.Warn("transfer hit a version conflict, retrying",
				"type", req.Type,
				"attempt", attempt+1,
			)
			continue
		case errors.Is(err, errors.ErrDuplicateTransaction):
			// Lost the race to a concurrent request carrying the same key.
			existing, lookupErr := s.ledger.FindTransactionByKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, errors.NewTransactionError("lookup idempotency key", lookupErr)
			}
			existing.Replayed = true
			s.metrics.RecordTransfer(string(req.Type), "replayed")
			return existing, nil
		case errors.IsInsufficientFunds(err):
			s.metrics.RecordTransfer(string(req.Type), "insufficient_funds")
			return nil, err
		default:
			s.metrics.RecordTransfer(string(req.Type), "failed")
			s.logger.Error("transfer failed",
				"type", req.Type,
				"error", err.Error(),
			)
			return nil, err
		}
	}

	s.metrics.RecordTransfer(string(req.Type), "conflict")
	s.logger.Error("transfer abandoned after repeated version conflicts",
		"type", req.Type,
		"attempts", s.cfg.MaxRetries+1,
	)
	return nil, errors.ErrConcurrentModification
}

// attempt reads a snapshot of every touched account and commits conditioned
// on those versions.
func (s *TransactionServiceImpl) attempt(ctx context.Context, req *models.TransferRequest, ordered []models.Leg) (*models.Transaction, error) {
	writes := make([]models.BalanceWrite, 0, len(ordered))
	for _, leg := range ordered {
		account, err := s.ledger.GetAccount(ctx, leg.AccountID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, fmt.Errorf("account %s: %w", leg.AccountID, err)
			}
			return nil, errors.NewTransactionError("get account", err)
		}
		newBalance := account.Balance + leg.Delta
		if newBalance < 0 {
			s.logger.Warn("insufficient balance for transfer leg",
				"account_id", leg.AccountID,
				"available_balance", account.Balance,
				"requested_amount", -leg.Delta,
			)
			return nil, errors.ErrInsufficientFunds
		}
		writes = append(writes, models.BalanceWrite{
			AccountID:       leg.AccountID,
			ExpectedVersion: account.Version,
			OldBalance:      account.Balance,
			NewBalance:      newBalance,
		})
	}

	txn := &models.Transaction{
		IdempotencyKey: req.IdempotencyKey,
		Type:           req.Type,
		Status:         models.TransactionSuccess,
		Legs:           append([]models.Leg(nil), req.Legs...),
		Metadata:       req.Metadata,
	}
	if err := s.ledger.CommitTransfer(ctx, writes, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *TransactionServiceImpl) validateTransferRequest(req *models.TransferRequest) error {
	if req.Type == "" {
		return errors.NewValidationError("type", "must be non-empty")
	}
	if len(req.Legs) < 2 {
		return errors.NewValidationError("legs", "a transfer needs at least two legs")
	}
	seen := make(map[string]bool, len(req.Legs))
	var sum int64
	for _, leg := range req.Legs {
		if leg.AccountID == "" {
			return errors.ErrInvalidAccountID
		}
		if leg.Delta == 0 {
			return errors.ErrInvalidAmount
		}
		if seen[leg.AccountID] {
			if len(req.Legs) == 2 {
				return errors.ErrSameAccount
			}
			return errors.NewValidationError("legs", "each account may appear in only one leg")
		}
		seen[leg.AccountID] = true
		sum += leg.Delta
	}
	if sum != 0 {
		return errors.ErrTransferNotBalanced
	}
	return nil
}

// ChargeConsultationFee moves the configured fee from the patient, split
// between the doctor and the treasury, as one three-leg transfer.
func (s *TransactionServiceImpl) ChargeConsultationFee(ctx context.Context, patientID, doctorID, idempotencyKey string) (*models.Transaction, error) {
	fee := s.cfg.ConsultationFee
	adminShare, doctorShare := FeeSplit(fee, s.cfg.AdminCommissionBPS)

	legs := []models.Leg{{AccountID: patientID, Delta: -fee}}
	if doctorShare > 0 {
		legs = append(legs, models.Leg{AccountID: doctorID, Delta: doctorShare})
	}
	if adminShare > 0 {
		legs = append(legs, models.Leg{AccountID: s.cfg.TreasuryAccountID, Delta: adminShare})
	}

	return s.Transfer(ctx, &models.TransferRequest{
		Legs:           legs,
		Type:           models.TransactionConsultationFee,
		IdempotencyKey: idempotencyKey,
		Metadata: map[string]string{
			"patient_id":   patientID,
			"doctor_id":    doctorID,
			"fee":          fmt.Sprint(fee),
			"doctor_share": fmt.Sprint(doctorShare),
			"admin_share":  fmt.Sprint(adminShare),
		},
	})
}

// Reward credits accountID from the treasury.
func (s *TransactionServiceImpl) Reward(ctx context.Context, accountID string, amount int64, idempotencyKey string, metadata map[string]string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, errors.ErrInvalidAmount
	}
	return s.Transfer(ctx, &models.TransferRequest{
		Legs: []models.Leg{
			{AccountID: s.cfg.TreasuryAccountID, Delta: -amount},
			{AccountID: accountID, Delta: amount},
		},
		Type:           models.TransactionBonus,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
}

// Reverse issues a transfer that negates every leg of original.
func (s *TransactionServiceImpl) Reverse(ctx context.Context, original *models.Transaction, idempotencyKey string) (*models.Transaction, error) {
	legs := make([]models.Leg, 0, len(original.Legs))
	for _, leg := range original.Legs {
		legs = append(legs, models.Leg{AccountID: leg.AccountID, Delta: -leg.Delta})
	}
	return s.Transfer(ctx, &models.TransferRequest{
		Legs:           legs,
		Type:           models.TransactionRefund,
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]string{"original_transaction_id": original.ID},
	})
}

// Adjust changes a single balance outside of a transfer. It exists to mint or
// burn treasury float; workflow code never calls it.
func (s *TransactionServiceImpl) Adjust(ctx context.Context, accountID string, delta int64, reason string) (*models.BalanceResult, error) {
	if accountID == "" {
		return nil, errors.ErrInvalidAccountID
	}
	if delta == 0 {
		return nil, errors.ErrInvalidAmount
	}
	if reason == "" {
		return nil, errors.NewValidationError("reason", "must be non-empty")
	}

	result, err := s.ledger.ApplyDelta(ctx, accountID, delta, reason)
	if err != nil {
		s.logger.Warn("balance adjustment rejected",
			"account_id", accountID,
			"delta", delta,
			"error", err.Error(),
		)
		return nil, err
	}
	s.logger.Info("balance adjusted",
		"account_id", accountID,
		"delta", delta,
		"reason", reason,
		"balance", result.Balance,
	)
	return result, nil
}
