package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riteshkumar/carewallet/internal/models"
)

// MessageRepository is the append-only per-consultation chat log.
type MessageRepository interface {
	// Append assigns the next sequence number for the consultation.
	Append(ctx context.Context, m *models.Message) error
	ListByConsultation(ctx context.Context, consultationID string) ([]*models.Message, error)
}

// maxAppendAttempts bounds retries when two appends race for the same seq.
const maxAppendAttempts = 5

type PostgresMessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

func (r *PostgresMessageRepository) Append(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	query := `INSERT INTO messages (id, consultation_id, seq, sender_role, sender_id, text)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5 FROM messages WHERE consultation_id = $2
		RETURNING seq, created_at`

	var err error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err = r.db.QueryRowContext(ctx, query, m.ID, m.ConsultationID, string(m.SenderRole), m.SenderID, m.Text).
			Scan(&m.Seq, &m.CreatedAt)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			break
		}
	}
	return fmt.Errorf("failed to append message: %w", err)
}

func (r *PostgresMessageRepository) ListByConsultation(ctx context.Context, consultationID string) ([]*models.Message, error) {
	query := `SELECT id, consultation_id, seq, sender_role, sender_id, text, created_at
		FROM messages WHERE consultation_id = $1 ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query, consultationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var role string
		if err := rows.Scan(&m.ID, &m.ConsultationID, &m.Seq, &role, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SenderRole = models.Role(role)
		out = append(out, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over messages: %w", err)
	}
	return out, nil
}

type MemoryMessageRepository struct {
	mu   sync.Mutex
	logs map[string][]models.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{logs: make(map[string][]models.Message)}
}

func (r *MemoryMessageRepository) Append(ctx context.Context, m *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	log := r.logs[m.ConsultationID]
	m.Seq = int64(len(log)) + 1
	m.CreatedAt = time.Now().UTC()
	r.logs[m.ConsultationID] = append(log, *m)
	return nil
}

func (r *MemoryMessageRepository) ListByConsultation(ctx context.Context, consultationID string) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logs[consultationID]
	out := make([]*models.Message, 0, len(log))
	for i := range log {
		m := log[i]
		out = append(out, &m)
	}
	return out, nil
}
