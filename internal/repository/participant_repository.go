package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

// ParticipantRepository is the directory of registered participants. It also
// serves as the geolocation source for ranking.
type ParticipantRepository interface {
	Create(ctx context.Context, p *models.Participant) error
	GetByID(ctx context.Context, id string) (*models.Participant, error)
	ListApproved(ctx context.Context, role models.Role) ([]*models.Participant, error)
	SetApproved(ctx context.Context, id string, approved bool) (*models.Participant, error)
	Location(ctx context.Context, id string) (models.Location, error)
}

type PostgresParticipantRepository struct {
	db *sql.DB
}

func NewParticipantRepository(db *sql.DB) *PostgresParticipantRepository {
	return &PostgresParticipantRepository{db: db}
}

func (r *PostgresParticipantRepository) Create(ctx context.Context, p *models.Participant) error {
	query := `INSERT INTO participants (id, role, name, approved, lat, lng)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query, p.ID, string(p.Role), p.Name, p.Approved, p.Location.Lat, p.Location.Lng).
		Scan(&p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrAccountAlreadyExists
		}
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

func (r *PostgresParticipantRepository) GetByID(ctx context.Context, id string) (*models.Participant, error) {
	query := `SELECT id, role, name, approved, lat, lng, created_at FROM participants WHERE id = $1`
	p, err := scanParticipant(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return p, nil
}

func (r *PostgresParticipantRepository) ListApproved(ctx context.Context, role models.Role) ([]*models.Participant, error) {
	query := `SELECT id, role, name, approved, lat, lng, created_at
		FROM participants WHERE role = $1 AND approved ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over participants: %w", err)
	}
	return out, nil
}

func (r *PostgresParticipantRepository) SetApproved(ctx context.Context, id string, approved bool) (*models.Participant, error) {
	query := `UPDATE participants SET approved = $1 WHERE id = $2
		RETURNING id, role, name, approved, lat, lng, created_at`
	p, err := scanParticipant(r.db.QueryRowContext(ctx, query, approved, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to approve participant: %w", err)
	}
	return p, nil
}

func (r *PostgresParticipantRepository) Location(ctx context.Context, id string) (models.Location, error) {
	var loc models.Location
	err := r.db.QueryRowContext(ctx, `SELECT lat, lng FROM participants WHERE id = $1`, id).Scan(&loc.Lat, &loc.Lng)
	if err != nil {
		if err == sql.ErrNoRows {
			return loc, errors.ErrParticipantNotFound
		}
		return loc, fmt.Errorf("failed to get participant location: %w", err)
	}
	return loc, nil
}

func scanParticipant(row rowScanner) (*models.Participant, error) {
	p := &models.Participant{}
	var role string
	if err := row.Scan(&p.ID, &role, &p.Name, &p.Approved, &p.Location.Lat, &p.Location.Lng, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Role = models.Role(role)
	return p, nil
}

type MemoryParticipantRepository struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
}

func NewMemoryParticipantRepository() *MemoryParticipantRepository {
	return &MemoryParticipantRepository{participants: make(map[string]models.Participant)}
}

func (r *MemoryParticipantRepository) Create(ctx context.Context, p *models.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.participants[p.ID]; exists {
		return errors.ErrAccountAlreadyExists
	}
	p.CreatedAt = time.Now().UTC()
	r.participants[p.ID] = *p
	return nil
}

func (r *MemoryParticipantRepository) GetByID(ctx context.Context, id string) (*models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, errors.ErrParticipantNotFound
	}
	return &p, nil
}

func (r *MemoryParticipantRepository) ListApproved(ctx context.Context, role models.Role) ([]*models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Participant
	for _, p := range r.participants {
		if p.Role == role && p.Approved {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryParticipantRepository) SetApproved(ctx context.Context, id string, approved bool) (*models.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[id]
	if !ok {
		return nil, errors.ErrParticipantNotFound
	}
	p.Approved = approved
	r.participants[id] = p
	return &p, nil
}

func (r *MemoryParticipantRepository) Location(ctx context.Context, id string) (models.Location, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return models.Location{}, err
	}
	return p.Location, nil
}
