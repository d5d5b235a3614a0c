package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

// LedgerStore owns accounts and the append-only transaction log. Every balance
// change is conditioned on the account version observed by the caller.
type LedgerStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetBalance(ctx context.Context, id string) (int64, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	// ApplyDelta adjusts one account outside of any transfer, retrying version
	// conflicts a bounded number of times.
	ApplyDelta(ctx context.Context, id string, delta int64, reason string) (*models.BalanceResult, error)
	// CommitTransfer applies every write and records txn, or does nothing.
	CommitTransfer(ctx context.Context, writes []models.BalanceWrite, txn *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	FindTransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]*models.Transaction, error)
	SumLegsByAccount(ctx context.Context) (map[string]int64, error)
	// Snapshot reads every account and the per-account leg sums as of one
	// point in time.
	Snapshot(ctx context.Context) (*models.LedgerSnapshot, error)
}

// maxDeltaAttempts bounds the CAS loop in ApplyDelta.
const maxDeltaAttempts = 5

type PostgresLedgerStore struct {
	db           *sql.DB
	transactions *PostgresTransactionRepository
	audit        *PostgresAuditRepository
}

func NewLedgerStore(db *sql.DB, transactions *PostgresTransactionRepository, audit *PostgresAuditRepository) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db, transactions: transactions, audit: audit}
}

func (r *PostgresLedgerStore) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `INSERT INTO accounts (id, owner_id, balance, initial_balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $3, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, account.ID, account.OwnerID, account.Balance).
		Scan(&account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrAccountAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	account.InitialBalance = account.Balance
	account.Version = 0
	return nil
}

func (r *PostgresLedgerStore) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT id, owner_id, balance, initial_balance, adjustments, version, created_at, updated_at
		FROM accounts WHERE id = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account by ID: %w", err)
	}
	return account, nil
}

func (r *PostgresLedgerStore) GetBalance(ctx context.Context, id string) (int64, error) {
	account, err := r.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (r *PostgresLedgerStore) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	return listAccounts(ctx, r.db)
}

func listAccounts(ctx context.Context, q rowsQuerier) ([]*models.Account, error) {
	query := `SELECT id, owner_id, balance, initial_balance, adjustments, version, created_at, updated_at
		FROM accounts ORDER BY id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over accounts: %w", err)
	}
	return accounts, nil
}

func (r *PostgresLedgerStore) ApplyDelta(ctx context.Context, id string, delta int64, reason string) (*models.BalanceResult, error) {
	for attempt := 0; attempt < maxDeltaAttempts; attempt++ {
		account, err := r.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		newBalance := account.Balance + delta
		if newBalance < 0 {
			return nil, errors.ErrInsufficientFunds
		}

		result, err := r.applyDeltaOnce(ctx, account, delta, newBalance, reason)
		if errors.IsConcurrentModification(err) {
			continue
		}
		return result, err
	}
	return nil, errors.ErrConcurrentModification
}

func (r *PostgresLedgerStore) applyDeltaOnce(ctx context.Context, account *models.Account, delta, newBalance int64, reason string) (*models.BalanceResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewTransactionError("begin", err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	query := `UPDATE accounts
		SET balance = $1, adjustments = adjustments + $2, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND version = $4`
	if err := casUpdate(ctx, tx, query, newBalance, delta, account.ID, account.Version); err != nil {
		return nil, err
	}

	auditLog := &models.AuditLog{
		EntityType: models.EntityTypeAccount,
		EntityID:   account.ID,
		Action:     models.AuditActionAdjust,
		OldValue:   balanceSnapshot(account.ID, account.Balance, account.Version),
		NewValue:   adjustmentSnapshot(account.ID, newBalance, account.Version+1, reason),
	}
	if err := r.audit.Create(ctx, tx, auditLog); err != nil {
		return nil, errors.NewTransactionError("audit adjustment", err)
	}

	if err := tx.Commit(); err != nil {
		if isRetryableConflict(err) {
			return nil, errors.ErrConcurrentModification
		}
		return nil, errors.NewTransactionError("commit", err)
	}
	tx = nil

	return &models.BalanceResult{AccountID: account.ID, Balance: newBalance, Version: account.Version + 1}, nil
}

// CommitTransfer writes every balance conditionally, in account id order, and
// inserts the transaction with its legs in the same SQL transaction. Row locks
// are therefore always taken in the same global order.
func (r *PostgresLedgerStore) CommitTransfer(ctx context.Context, writes []models.BalanceWrite, txn *models.Transaction) error {
	ordered := make([]models.BalanceWrite, len(writes))
	copy(ordered, writes)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AccountID < ordered[j].AccountID })

	// Begin txn with SERIALIZABLE isolation level for strict consistency
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.NewTransactionError("begin", err)
	}

	// Ensure rollback on error
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	query := `UPDATE accounts SET balance = $1, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND version = $3`
	for _, w := range ordered {
		if w.NewBalance < 0 {
			return errors.ErrInsufficientFunds
		}
		if err := casUpdate(ctx, tx, query, w.NewBalance, w.AccountID, w.ExpectedVersion); err != nil {
			return err
		}
	}

	if err := r.transactions.Create(ctx, tx, txn); err != nil {
		if errors.Is(err, errors.ErrDuplicateTransaction) {
			return err
		}
		return errors.NewTransactionError("create transaction record", err)
	}

	for _, w := range ordered {
		action := models.AuditActionCredit
		if w.NewBalance < w.OldBalance {
			action = models.AuditActionDebit
		}
		auditLog := &models.AuditLog{
			EntityType: models.EntityTypeAccount,
			EntityID:   w.AccountID,
			Action:     action,
			OldValue:   balanceSnapshot(w.AccountID, w.OldBalance, w.ExpectedVersion),
			NewValue:   balanceSnapshot(w.AccountID, w.NewBalance, w.ExpectedVersion+1),
		}
		if err := r.audit.Create(ctx, tx, auditLog); err != nil {
			return errors.NewTransactionError("audit transfer", err)
		}
	}

	// Commit txn
	if err := tx.Commit(); err != nil {
		if isRetryableConflict(err) {
			return errors.ErrConcurrentModification
		}
		return errors.NewTransactionError("commit", err)
	}

	// Nullify tx to avoid rollback in defer
	tx = nil
	return nil
}

func (r *PostgresLedgerStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return r.transactions.GetByID(ctx, id)
}

func (r *PostgresLedgerStore) FindTransactionByKey(ctx context.Context, key string) (*models.Transaction, error) {
	return r.transactions.GetByIdempotencyKey(ctx, key)
}

func (r *PostgresLedgerStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]*models.Transaction, error) {
	return r.transactions.GetByAccountID(ctx, accountID)
}

func (r *PostgresLedgerStore) SumLegsByAccount(ctx context.Context) (map[string]int64, error) {
	return r.transactions.SumLegsByAccount(ctx)
}

// Snapshot runs both reconciliation reads in one read-only REPEATABLE READ
// transaction, so a transfer committing in between is either wholly visible
// or not at all.
func (r *PostgresLedgerStore) Snapshot(ctx context.Context) (*models.LedgerSnapshot, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, errors.NewTransactionError("begin", err)
	}
	defer tx.Rollback()

	accounts, err := listAccounts(ctx, tx)
	if err != nil {
		return nil, err
	}
	sums, err := sumLegs(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.NewTransactionError("commit", err)
	}
	return &models.LedgerSnapshot{Accounts: accounts, LegSums: sums}, nil
}

// casUpdate executes a version-conditioned UPDATE and maps "no row matched" and
// serialization failures to ErrConcurrentModification.
func casUpdate(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if isRetryableConflict(err) {
			return errors.ErrConcurrentModification
		}
		if code, _ := pqCode(err); code == pqCheckViolation {
			return errors.ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update account balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected after updating account balance: %w", err)
	}
	if rowsAffected == 0 {
		return errors.ErrConcurrentModification
	}
	return nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	account := &models.Account{}
	err := row.Scan(&account.ID, &account.OwnerID, &account.Balance, &account.InitialBalance,
		&account.Adjustments, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return account, nil
}
