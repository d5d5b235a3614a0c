package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

type ConsultationRepository interface {
	// Create fails with ErrDuplicateActiveConsultation when the pair already
	// has a pending or accepted consultation.
	Create(ctx context.Context, c *models.Consultation) error
	GetByID(ctx context.Context, id string) (*models.Consultation, error)
	FindActive(ctx context.Context, patientID, doctorID string) (*models.Consultation, error)
	CountTerminal(ctx context.Context, patientID, doctorID string) (int, error)
	// Transition applies t only when the stored status equals t.From, and
	// returns ErrInvalidTransition otherwise.
	Transition(ctx context.Context, id string, t models.ConsultationTransition) (*models.Consultation, error)
	ListByParticipant(ctx context.Context, role models.Role, participantID string, status models.ConsultationStatus) ([]*models.Consultation, error)
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const consultationColumns = `id, patient_id, doctor_id, status, COALESCE(fee_transaction_id, ''),
	COALESCE(reward_transaction_id, ''), COALESCE(refund_transaction_id, ''), archived, created_at, updated_at`

type PostgresConsultationRepository struct {
	db *sql.DB
}

func NewConsultationRepository(db *sql.DB) *PostgresConsultationRepository {
	return &PostgresConsultationRepository{db: db}
}

func (r *PostgresConsultationRepository) Create(ctx context.Context, c *models.Consultation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	query := `INSERT INTO consultations (id, patient_id, doctor_id, status, fee_transaction_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query, c.ID, c.PatientID, c.DoctorID, string(c.Status), nullString(c.FeeTransactionID)).
		Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateActiveConsultation
		}
		return fmt.Errorf("failed to create consultation: %w", err)
	}
	return nil
}

func (r *PostgresConsultationRepository) GetByID(ctx context.Context, id string) (*models.Consultation, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultations WHERE id = $1`
	c, err := scanConsultation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrConsultationNotFound
		}
		return nil, fmt.Errorf("failed to get consultation: %w", err)
	}
	return c, nil
}

func (r *PostgresConsultationRepository) FindActive(ctx context.Context, patientID, doctorID string) (*models.Consultation, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultations
		WHERE patient_id = $1 AND doctor_id = $2 AND status IN ('pending', 'accepted')`
	c, err := scanConsultation(r.db.QueryRowContext(ctx, query, patientID, doctorID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrConsultationNotFound
		}
		return nil, fmt.Errorf("failed to find active consultation: %w", err)
	}
	return c, nil
}

func (r *PostgresConsultationRepository) CountTerminal(ctx context.Context, patientID, doctorID string) (int, error) {
	query := `SELECT COUNT(*) FROM consultations
		WHERE patient_id = $1 AND doctor_id = $2 AND status IN ('declined', 'completed')`
	var n int
	if err := r.db.QueryRowContext(ctx, query, patientID, doctorID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count terminal consultations: %w", err)
	}
	return n, nil
}

func (r *PostgresConsultationRepository) Transition(ctx context.Context, id string, t models.ConsultationTransition) (*models.Consultation, error) {
	query := `UPDATE consultations
		SET status = $1,
			reward_transaction_id = COALESCE($2, reward_transaction_id),
			refund_transaction_id = COALESCE($3, refund_transaction_id),
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $4 AND status = $5
		RETURNING ` + consultationColumns
	c, err := scanConsultation(r.db.QueryRowContext(ctx, query,
		string(t.To), nullString(t.RewardTransactionID), nullString(t.RefundTransactionID), id, string(t.From)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to transition consultation: %w", err)
	}
	return c, nil
}

func (r *PostgresConsultationRepository) ListByParticipant(ctx context.Context, role models.Role, participantID string, status models.ConsultationStatus) ([]*models.Consultation, error) {
	column := "patient_id"
	if role == models.RoleDoctor {
		column = "doctor_id"
	}
	query := `SELECT ` + consultationColumns + ` FROM consultations
		WHERE ` + column + ` = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, participantID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list consultations: %w", err)
	}
	defer rows.Close()

	var out []*models.Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consultation: %w", err)
		}
		out = append(out, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over consultations: %w", err)
	}
	return out, nil
}

func (r *PostgresConsultationRepository) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `UPDATE consultations SET archived = TRUE
		WHERE NOT archived AND status IN ('declined', 'completed') AND updated_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to archive consultations: %w", err)
	}
	return result.RowsAffected()
}

func scanConsultation(row rowScanner) (*models.Consultation, error) {
	c := &models.Consultation{}
	var status string
	err := row.Scan(&c.ID, &c.PatientID, &c.DoctorID, &status, &c.FeeTransactionID,
		&c.RewardTransactionID, &c.RefundTransactionID, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.ConsultationStatus(status)
	return c, nil
}

type MemoryConsultationRepository struct {
	mu            sync.Mutex
	consultations map[string]models.Consultation
}

func NewMemoryConsultationRepository() *MemoryConsultationRepository {
	return &MemoryConsultationRepository{consultations: make(map[string]models.Consultation)}
}

func (r *MemoryConsultationRepository) Create(ctx context.Context, c *models.Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.consultations {
		if existing.PatientID == c.PatientID && existing.DoctorID == c.DoctorID && !existing.Status.Terminal() {
			return errors.ErrDuplicateActiveConsultation
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.consultations[c.ID] = *c
	return nil
}

func (r *MemoryConsultationRepository) GetByID(ctx context.Context, id string) (*models.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, errors.ErrConsultationNotFound
	}
	return &c, nil
}

func (r *MemoryConsultationRepository) FindActive(ctx context.Context, patientID, doctorID string) (*models.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.consultations {
		if c.PatientID == patientID && c.DoctorID == doctorID && !c.Status.Terminal() {
			cp := c
			return &cp, nil
		}
	}
	return nil, errors.ErrConsultationNotFound
}

func (r *MemoryConsultationRepository) CountTerminal(ctx context.Context, patientID, doctorID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.consultations {
		if c.PatientID == patientID && c.DoctorID == doctorID && c.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryConsultationRepository) Transition(ctx context.Context, id string, t models.ConsultationTransition) (*models.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consultations[id]
	if !ok || c.Status != t.From {
		return nil, errors.ErrInvalidTransition
	}
	c.Status = t.To
	if t.RewardTransactionID != "" {
		c.RewardTransactionID = t.RewardTransactionID
	}
	if t.RefundTransactionID != "" {
		c.RefundTransactionID = t.RefundTransactionID
	}
	c.UpdatedAt = time.Now().UTC()
	r.consultations[id] = c
	return &c, nil
}

func (r *MemoryConsultationRepository) ListByParticipant(ctx context.Context, role models.Role, participantID string, status models.ConsultationStatus) ([]*models.Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Consultation
	for _, c := range r.consultations {
		owner := c.PatientID
		if role == models.RoleDoctor {
			owner = c.DoctorID
		}
		if owner != participantID || (status != "" && c.Status != status) {
			continue
		}
		cp := c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryConsultationRepository) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.consultations {
		if !c.Archived && c.Status.Terminal() && c.UpdatedAt.Before(cutoff) {
			c.Archived = true
			r.consultations[id] = c
			n++
		}
	}
	return n, nil
}
