package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/riteshkumar/carewallet/internal/models"
)

type AuditRepository interface {
	Record(ctx context.Context, log *models.AuditLog) error
	GetByEntityID(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error)
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowsQuerier is satisfied by both *sql.DB and *sql.Tx.
type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type PostgresAuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

// Create inserts a new audit log entry within a db transaction.
func (r *PostgresAuditRepository) Create(ctx context.Context, tx *sql.Tx, log *models.AuditLog) error {
	return r.insert(ctx, tx, log)
}

// Record inserts a new audit log entry using the db connection directly.
// Used for operations that don't share a ledger transaction (approvals, workflow transitions).
func (r *PostgresAuditRepository) Record(ctx context.Context, log *models.AuditLog) error {
	return r.insert(ctx, r.db, log)
}

func (r *PostgresAuditRepository) insert(ctx context.Context, q queryRower, log *models.AuditLog) error {
	query := `INSERT INTO audit_logs (entity_type, entity_id, action, actor_id, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP)
		RETURNING id, created_at`

	var oldValue interface{}
	if log.OldValue != nil {
		oldValue = []byte(log.OldValue)
	}
	var newValue interface{}
	if log.NewValue != nil {
		newValue = []byte(log.NewValue)
	}

	err := q.QueryRowContext(ctx, query,
		log.EntityType,
		log.EntityID,
		log.Action,
		nullString(log.ActorID),
		oldValue,
		newValue,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	return nil
}

// GetByEntityID retrieves audit logs for a specific entity type and ID, newest first.
func (r *PostgresAuditRepository) GetByEntityID(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error) {
	query := `SELECT id, entity_type, entity_id, action, COALESCE(actor_id, ''), old_value, new_value, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs by entity ID: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var oldValue, newValue []byte

		err := rows.Scan(
			&log.ID, &log.EntityType, &log.EntityID, &log.Action, &log.ActorID, &oldValue, &newValue, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if oldValue != nil {
			log.OldValue = json.RawMessage(oldValue)
		}
		if newValue != nil {
			log.NewValue = json.RawMessage(newValue)
		}

		logs = append(logs, log)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over audit logs: %w", err)
	}
	return logs, nil
}

type MemoryAuditRepository struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) Record(ctx context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.ID = fmt.Sprintf("%d", len(r.logs)+1)
	log.CreatedAt = time.Now().UTC()
	cp := *log
	r.logs = append(r.logs, &cp)
	return nil
}

func (r *MemoryAuditRepository) GetByEntityID(ctx context.Context, entityType, entityID string) ([]*models.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var logs []*models.AuditLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].EntityType == entityType && r.logs[i].EntityID == entityID {
			cp := *r.logs[i]
			logs = append(logs, &cp)
		}
	}
	return logs, nil
}

func balanceSnapshot(id string, balance, version int64) json.RawMessage {
	raw, _ := json.Marshal(models.AccountBalanceSnapshot{ID: id, Balance: balance, Version: version})
	return raw
}

func adjustmentSnapshot(id string, balance, version int64, reason string) json.RawMessage {
	raw, _ := json.Marshal(models.AccountBalanceSnapshot{ID: id, Balance: balance, Version: version, Reason: reason})
	return raw
}
