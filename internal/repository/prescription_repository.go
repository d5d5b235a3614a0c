package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

type PrescriptionRepository interface {
	// Create fails with ErrPrescriptionExists if the consultation already has one.
	Create(ctx context.Context, p *models.Prescription) error
	GetByID(ctx context.Context, id string) (*models.Prescription, error)
	GetByConsultation(ctx context.Context, consultationID string) (*models.Prescription, error)
	// Accept moves created -> accepted for the first caller only; later callers
	// get ErrAlreadyAccepted.
	Accept(ctx context.Context, id, pharmacyID string) (*models.Prescription, error)
	Complete(ctx context.Context, id, pharmacyID string) (*models.Prescription, error)
	ListByParticipant(ctx context.Context, role models.Role, participantID string) ([]*models.Prescription, error)
}

const prescriptionColumns = `id, consultation_id, doctor_id, patient_id, items, candidates,
	COALESCE(accepted_by, ''), status, created_at, updated_at`

type PostgresPrescriptionRepository struct {
	db *sql.DB
}

func NewPrescriptionRepository(db *sql.DB) *PostgresPrescriptionRepository {
	return &PostgresPrescriptionRepository{db: db}
}

func (r *PostgresPrescriptionRepository) Create(ctx context.Context, p *models.Prescription) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	items, err := json.Marshal(p.Items)
	if err != nil {
		return fmt.Errorf("failed to encode prescription items: %w", err)
	}
	query := `INSERT INTO prescriptions (id, consultation_id, doctor_id, patient_id, items, candidates, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	err = r.db.QueryRowContext(ctx, query, p.ID, p.ConsultationID, p.DoctorID, p.PatientID,
		items, pq.Array(p.Candidates), string(p.Status)).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrPrescriptionExists
		}
		return fmt.Errorf("failed to create prescription: %w", err)
	}
	return nil
}

func (r *PostgresPrescriptionRepository) GetByID(ctx context.Context, id string) (*models.Prescription, error) {
	return r.getOne(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id)
}

func (r *PostgresPrescriptionRepository) GetByConsultation(ctx context.Context, consultationID string) (*models.Prescription, error) {
	return r.getOne(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE consultation_id = $1`, consultationID)
}

func (r *PostgresPrescriptionRepository) getOne(ctx context.Context, query, arg string) (*models.Prescription, error) {
	p, err := scanPrescription(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrPrescriptionNotFound
		}
		return nil, fmt.Errorf("failed to get prescription: %w", err)
	}
	return p, nil
}

func (r *PostgresPrescriptionRepository) Accept(ctx context.Context, id, pharmacyID string) (*models.Prescription, error) {
	query := `UPDATE prescriptions SET status = 'accepted', accepted_by = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status = 'created' AND accepted_by IS NULL
		RETURNING ` + prescriptionColumns
	p, err := scanPrescription(r.db.QueryRowContext(ctx, query, pharmacyID, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAlreadyAccepted
		}
		return nil, fmt.Errorf("failed to accept prescription: %w", err)
	}
	return p, nil
}

func (r *PostgresPrescriptionRepository) Complete(ctx context.Context, id, pharmacyID string) (*models.Prescription, error) {
	query := `UPDATE prescriptions SET status = 'completed', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'accepted' AND accepted_by = $2
		RETURNING ` + prescriptionColumns
	p, err := scanPrescription(r.db.QueryRowContext(ctx, query, id, pharmacyID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrInvalidTransition
		}
		return nil, fmt.Errorf("failed to complete prescription: %w", err)
	}
	return p, nil
}

func (r *PostgresPrescriptionRepository) ListByParticipant(ctx context.Context, role models.Role, participantID string) ([]*models.Prescription, error) {
	var where string
	switch role {
	case models.RoleDoctor:
		where = `doctor_id = $1`
	case models.RolePharmacy:
		where = `$1 = ANY(candidates)`
	default:
		where = `patient_id = $1`
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE `+where+` ORDER BY created_at DESC`, participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*models.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prescription: %w", err)
		}
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over prescriptions: %w", err)
	}
	return out, nil
}

func scanPrescription(row rowScanner) (*models.Prescription, error) {
	p := &models.Prescription{}
	var items []byte
	var status string
	err := row.Scan(&p.ID, &p.ConsultationID, &p.DoctorID, &p.PatientID, &items,
		pq.Array(&p.Candidates), &p.AcceptedBy, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &p.Items); err != nil {
		return nil, fmt.Errorf("failed to decode prescription items: %w", err)
	}
	p.Status = models.PrescriptionStatus(status)
	return p, nil
}

type MemoryPrescriptionRepository struct {
	mu            sync.Mutex
	prescriptions map[string]models.Prescription
}

func NewMemoryPrescriptionRepository() *MemoryPrescriptionRepository {
	return &MemoryPrescriptionRepository{prescriptions: make(map[string]models.Prescription)}
}

func (r *MemoryPrescriptionRepository) Create(ctx context.Context, p *models.Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.prescriptions {
		if existing.ConsultationID == p.ConsultationID {
			return errors.ErrPrescriptionExists
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	r.prescriptions[p.ID] = clonePrescription(*p)
	return nil
}

func (r *MemoryPrescriptionRepository) GetByID(ctx context.Context, id string) (*models.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, errors.ErrPrescriptionNotFound
	}
	cp := clonePrescription(p)
	return &cp, nil
}

func (r *MemoryPrescriptionRepository) GetByConsultation(ctx context.Context, consultationID string) (*models.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.prescriptions {
		if p.ConsultationID == consultationID {
			cp := clonePrescription(p)
			return &cp, nil
		}
	}
	return nil, errors.ErrPrescriptionNotFound
}

func (r *MemoryPrescriptionRepository) Accept(ctx context.Context, id, pharmacyID string) (*models.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, errors.ErrPrescriptionNotFound
	}
	if p.Status != models.PrescriptionCreated || p.AcceptedBy != "" {
		return nil, errors.ErrAlreadyAccepted
	}
	p.Status = models.PrescriptionAccepted
	p.AcceptedBy = pharmacyID
	p.UpdatedAt = time.Now().UTC()
	r.prescriptions[id] = p
	cp := clonePrescription(p)
	return &cp, nil
}

func (r *MemoryPrescriptionRepository) Complete(ctx context.Context, id, pharmacyID string) (*models.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, errors.ErrPrescriptionNotFound
	}
	if p.Status != models.PrescriptionAccepted || p.AcceptedBy != pharmacyID {
		return nil, errors.ErrInvalidTransition
	}
	p.Status = models.PrescriptionCompleted
	p.UpdatedAt = time.Now().UTC()
	r.prescriptions[id] = p
	cp := clonePrescription(p)
	return &cp, nil
}

func (r *MemoryPrescriptionRepository) ListByParticipant(ctx context.Context, role models.Role, participantID string) ([]*models.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Prescription
	for _, p := range r.prescriptions {
		var match bool
		switch role {
		case models.RoleDoctor:
			match = p.DoctorID == participantID
		case models.RolePharmacy:
			match = p.IsCandidate(participantID)
		default:
			match = p.PatientID == participantID
		}
		if match {
			cp := clonePrescription(p)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func clonePrescription(p models.Prescription) models.Prescription {
	p.Items = append([]models.PrescriptionItem(nil), p.Items...)
	p.Candidates = append([]string(nil), p.Candidates...)
	return p
}
