package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

type memoryAccount struct {
	mu      sync.Mutex
	account models.Account
}

// MemoryLedgerStore keeps accounts and transactions in process memory. Each
// account has its own lock; multi-account commits lock in id order so
// unrelated accounts never contend.
type MemoryLedgerStore struct {
	accountsMu sync.RWMutex
	accounts   map[string]*memoryAccount

	txMu      sync.RWMutex
	txns      map[string]*models.Transaction
	byKey     map[string]string
	byAccount map[string][]string
	audit     AuditRepository
}

func NewMemoryLedgerStore(audit AuditRepository) *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:  make(map[string]*memoryAccount),
		txns:      make(map[string]*models.Transaction),
		byKey:     make(map[string]string),
		byAccount: make(map[string][]string),
		audit:     audit,
	}
}

func (s *MemoryLedgerStore) entry(id string) (*memoryAccount, error) {
	s.accountsMu.RLock()
	defer s.accountsMu.RUnlock()
	e, ok := s.accounts[id]
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return e, nil
}

func (s *MemoryLedgerStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.Balance < 0 {
		return errors.ErrInvalidAmount
	}
	s.accountsMu.Lock()
	defer s.accountsMu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return errors.ErrAccountAlreadyExists
	}
	now := time.Now().UTC()
	account.InitialBalance = account.Balance
	account.Version = 0
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = &memoryAccount{account: *account}
	return nil
}

func (s *MemoryLedgerStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.account
	return &cp, nil
}

func (s *MemoryLedgerStore) GetBalance(ctx context.Context, id string) (int64, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *MemoryLedgerStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	s.accountsMu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	s.accountsMu.RUnlock()
	sort.Strings(ids)

	accounts := make([]*models.Account, 0, len(ids))
	for _, id := range ids {
		account, err := s.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (s *MemoryLedgerStore) ApplyDelta(ctx context.Context, id string, delta int64, reason string) (*models.BalanceResult, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.account
	newBalance := old.Balance + delta
	if newBalance < 0 {
		return nil, errors.ErrInsufficientFunds
	}
	result := &models.BalanceResult{AccountID: id, Balance: newBalance, Version: old.Version + 1}

	if s.audit != nil {
		err := s.audit.Record(ctx, &models.AuditLog{
			EntityType: models.EntityTypeAccount,
			EntityID:   id,
			Action:     models.AuditActionAdjust,
			OldValue:   balanceSnapshot(id, old.Balance, old.Version),
			NewValue:   adjustmentSnapshot(id, newBalance, result.Version, reason),
		})
		if err != nil {
			return nil, errors.NewTransactionError("audit adjustment", err)
		}
	}

	e.account.Balance = newBalance
	e.account.Adjustments += delta
	e.account.Version = result.Version
	e.account.UpdatedAt = time.Now().UTC()
	return result, nil
}

func (s *MemoryLedgerStore) CommitTransfer(ctx context.Context, writes []models.BalanceWrite, txn *models.Transaction) error {
	ordered := make([]models.BalanceWrite, len(writes))
	copy(ordered, writes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountID < ordered[j].AccountID })

	entries := make([]*memoryAccount, 0, len(ordered))
	for i, w := range ordered {
		if i > 0 && ordered[i-1].AccountID == w.AccountID {
			return errors.NewValidationError("legs", "account appears in more than one write")
		}
		e, err := s.entry(w.AccountID)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}()

	for i, w := range ordered {
		if entries[i].account.Version != w.ExpectedVersion {
			return errors.ErrConcurrentModification
		}
		if w.NewBalance < 0 {
			return errors.ErrInsufficientFunds
		}
	}

	s.txMu.Lock()
	if txn.IdempotencyKey != "" {
		if _, exists := s.byKey[txn.IdempotencyKey]; exists {
			s.txMu.Unlock()
			return errors.ErrDuplicateTransaction
		}
	}
	if err := s.auditWrites(ctx, ordered); err != nil {
		s.txMu.Unlock()
		return err
	}
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	txn.CreatedAt = now
	stored := cloneTransaction(txn)
	s.txns[txn.ID] = stored
	if txn.IdempotencyKey != "" {
		s.byKey[txn.IdempotencyKey] = txn.ID
	}
	seen := make(map[string]bool, len(txn.Legs))
	for _, leg := range txn.Legs {
		if !seen[leg.AccountID] {
			s.byAccount[leg.AccountID] = append(s.byAccount[leg.AccountID], txn.ID)
			seen[leg.AccountID] = true
		}
	}
	s.txMu.Unlock()

	for i, w := range ordered {
		entries[i].account.Balance = w.NewBalance
		entries[i].account.Version++
		entries[i].account.UpdatedAt = now
	}
	return nil
}

// auditWrites records one debit or credit row per balance write, the same rows
// the Postgres store inserts inside its commit.
func (s *MemoryLedgerStore) auditWrites(ctx context.Context, writes []models.BalanceWrite) error {
	if s.audit == nil {
		return nil
	}
	for _, w := range writes {
		action := models.AuditActionCredit
		if w.NewBalance < w.OldBalance {
			action = models.AuditActionDebit
		}
		err := s.audit.Record(ctx, &models.AuditLog{
			EntityType: models.EntityTypeAccount,
			EntityID:   w.AccountID,
			Action:     action,
			OldValue:   balanceSnapshot(w.AccountID, w.OldBalance, w.ExpectedVersion),
			NewValue:   balanceSnapshot(w.AccountID, w.NewBalance, w.ExpectedVersion+1),
		})
		if err != nil {
			return errors.NewTransactionError("audit transfer", err)
		}
	}
	return nil
}

func (s *MemoryLedgerStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	txn, ok := s.txns[id]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	return cloneTransaction(txn), nil
}

func (s *MemoryLedgerStore) FindTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	s.txMu.RLock()
	id, ok := s.byKey[key]
	s.txMu.RUnlock()
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	return s.GetTransaction(ctx, id)
}

// ListTransactionsByAccount returns the account's transactions, newest first.
func (s *MemoryLedgerStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]*models.Transaction, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	ids := s.byAccount[accountID]
	out := make([]*models.Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, cloneTransaction(s.txns[ids[i]]))
	}
	return out, nil
}

func (s *MemoryLedgerStore) SumLegsByAccount(ctx context.Context) (map[string]int64, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	sums := make(map[string]int64)
	for _, txn := range s.txns {
		for _, leg := range txn.Legs {
			sums[leg.AccountID] += leg.Delta
		}
	}
	return sums, nil
}

// Snapshot holds every account lock, in id order, and the transaction lock
// while it reads, so no commit or adjustment lands halfway through.
func (s *MemoryLedgerStore) Snapshot(ctx context.Context) (*models.LedgerSnapshot, error) {
	s.accountsMu.RLock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]*memoryAccount, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.accounts[id])
	}
	s.accountsMu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
	}
	defer func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
	}()

	s.txMu.RLock()
	defer s.txMu.RUnlock()

	snap := &models.LedgerSnapshot{
		Accounts: make([]*models.Account, 0, len(entries)),
		LegSums:  make(map[string]int64),
	}
	for _, e := range entries {
		cp := e.account
		snap.Accounts = append(snap.Accounts, &cp)
	}
	for _, txn := range s.txns {
		for _, leg := range txn.Legs {
			snap.LegSums[leg.AccountID] += leg.Delta
		}
	}
	return snap, nil
}

func cloneTransaction(t *models.Transaction) *models.Transaction {
	cp := *t
	cp.Legs = append([]models.Leg(nil), t.Legs...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Replayed = false
	return &cp
}
