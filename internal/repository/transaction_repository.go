package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

// PostgresTransactionRepository persists the append-only transaction log and
// its legs. Writes only happen inside a ledger commit.
type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *sql.Tx, transaction *models.Transaction) error {
	// Generate UUID if not set
	if transaction.ID == "" {
		transaction.ID = uuid.New().String()
	}

	metadata, err := json.Marshal(transaction.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	if transaction.Metadata == nil {
		metadata = []byte("{}")
	}

	query := `INSERT INTO transactions (id, idempotency_key, type, status, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err = tx.QueryRowContext(ctx, query,
		transaction.ID,
		nullString(transaction.IdempotencyKey),
		string(transaction.Type),
		string(transaction.Status),
		metadata,
	).Scan(&transaction.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	legQuery := `INSERT INTO transaction_legs (transaction_id, position, account_id, delta) VALUES ($1, $2, $3, $4)`
	for i, leg := range transaction.Legs {
		if _, err := tx.ExecContext(ctx, legQuery, transaction.ID, i, leg.AccountID, leg.Delta); err != nil {
			return fmt.Errorf("failed to create transaction leg: %w", err)
		}
	}
	return nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	query := `SELECT id, COALESCE(idempotency_key, ''), type, status, metadata, created_at
		FROM transactions WHERE id = $1`
	return r.getOne(ctx, query, id)
}

func (r *PostgresTransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	query := `SELECT id, COALESCE(idempotency_key, ''), type, status, metadata, created_at
		FROM transactions WHERE idempotency_key = $1`
	return r.getOne(ctx, query, key)
}

func (r *PostgresTransactionRepository) getOne(ctx context.Context, query string, arg string) (*models.Transaction, error) {
	transaction, err := scanTransaction(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	legs, err := r.legs(ctx, transaction.ID)
	if err != nil {
		return nil, err
	}
	transaction.Legs = legs
	return transaction, nil
}

func (r *PostgresTransactionRepository) GetByAccountID(ctx context.Context, accountID string) ([]*models.Transaction, error) {
	query := `SELECT DISTINCT t.id, COALESCE(t.idempotency_key, ''), t.type, t.status, t.metadata, t.created_at
		FROM transactions t
		JOIN transaction_legs l ON l.transaction_id = t.id
		WHERE l.account_id = $1
		ORDER BY t.created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions by account ID: %w", err)
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, transaction)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over transactions: %w", err)
	}

	for _, transaction := range transactions {
		if transaction.Legs, err = r.legs(ctx, transaction.ID); err != nil {
			return nil, err
		}
	}
	return transactions, nil
}

// SumLegsByAccount returns the net delta of every account that appears in a leg.
func (r *PostgresTransactionRepository) SumLegsByAccount(ctx context.Context) (map[string]int64, error) {
	return sumLegs(ctx, r.db)
}

func sumLegs(ctx context.Context, q rowsQuerier) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT account_id, SUM(delta) FROM transaction_legs GROUP BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transaction legs: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]int64)
	for rows.Next() {
		var id string
		var sum int64
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan leg sum: %w", err)
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

func (r *PostgresTransactionRepository) legs(ctx context.Context, transactionID string) ([]models.Leg, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT account_id, delta FROM transaction_legs WHERE transaction_id = $1 ORDER BY position`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction legs: %w", err)
	}
	defer rows.Close()

	var legs []models.Leg
	for rows.Next() {
		var leg models.Leg
		if err := rows.Scan(&leg.AccountID, &leg.Delta); err != nil {
			return nil, fmt.Errorf("failed to scan transaction leg: %w", err)
		}
		legs = append(legs, leg)
	}
	return legs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	transaction := &models.Transaction{}
	var txType, status string
	var metadata []byte
	if err := row.Scan(&transaction.ID, &transaction.IdempotencyKey, &txType, &status, &metadata, &transaction.CreatedAt); err != nil {
		return nil, err
	}
	transaction.Type = models.TransactionType(txType)
	transaction.Status = models.TransactionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &transaction.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode transaction metadata: %w", err)
		}
	}
	return transaction, nil
}
