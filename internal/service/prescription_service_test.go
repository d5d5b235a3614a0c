package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/repository"
)

var sampleItems = []models.PrescriptionItem{{Name: "amoxicillin", Dose: "500mg", Quantity: 21}}

// prescriptionFixture registers a patient and doctor at the origin plus a ring
// of pharmacies, and returns an accepted consultation between the two.
func prescriptionFixture(t *testing.T, h *harness) (patient, doctor models.Caller, c *models.Consultation) {
	t.Helper()
	patient = h.register(t, "p1", models.RolePatient, 0, 0)
	doctor = h.register(t, "d1", models.RoleDoctor, 0, 0)
	h.register(t, "ph-0", models.RolePharmacy, 1, 0)
	h.register(t, "ph-b", models.RolePharmacy, 0, 1)
	h.register(t, "ph-a", models.RolePharmacy, 1, 1)
	h.register(t, "ph-c", models.RolePharmacy, 3, 0)
	h.register(t, "ph-d", models.RolePharmacy, 5, 5)
	_, err := h.wallet.OpenAccount(context.Background(), &models.RegisterRequest{ID: "ph-e", Role: models.RolePharmacy, Name: "unapproved"})
	require.NoError(t, err)
	return patient, doctor, h.acceptedConsultation(t, patient, doctor)
}

func pharmacy(id string) models.Caller {
	return models.Caller{AccountID: id, Role: models.RolePharmacy}
}

func TestPrescribe_OffersNearestPharmaciesAndCompletesConsultation(t *testing.T) {
	h := newHarness(t)
	patient, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()

	p, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)
	assert.Equal(t, models.PrescriptionCreated, p.Status)
	assert.Equal(t, []string{"ph-0", "ph-b", "ph-a"}, p.Candidates)
	assert.Equal(t, "p1", p.PatientID)

	stored, err := h.consult.Get(ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsultationCompleted, stored.Status)
	assert.Equal(t, int64(10), h.balance(t, "d1"))

	for _, id := range []string{"ph-0", "ph-b", "ph-a"} {
		assert.Equal(t, 1, h.pub.count("pharmacy:"+id, models.EventNewPrescription), id)
	}
	assert.Equal(t, 0, h.pub.count("pharmacy:ph-c", models.EventNewPrescription))
	assert.Equal(t, 0, h.pub.count("pharmacy:ph-e", models.EventNewPrescription))
	assert.Equal(t, 1, h.pub.count("patient:p1", models.EventPrescribed))
	assert.Equal(t, 1, h.pub.count("doctor:d1", models.EventPrescriptionCreated))
}

func TestPrescribe_RetryReturnsSamePrescription(t *testing.T) {
	h := newHarness(t)
	_, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()

	first, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)
	second, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(10), h.balance(t, "d1"))
	list, err := h.rx.ListForParticipant(ctx, doctor)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Equal(t, 1, h.pub.count("patient:p1", models.EventPrescribed))
	assert.Equal(t, 1, h.pub.count("doctor:d1", models.EventPrescriptionCreated))
	assert.Equal(t, 3, h.pub.countEvent(models.EventNewPrescription))
}

// failingCompletion rejects the first accepted -> completed transition.
type failingCompletion struct {
	repository.ConsultationRepository
	failures atomic.Int32
}

func (r *failingCompletion) Transition(ctx context.Context, id string, t models.ConsultationTransition) (*models.Consultation, error) {
	if t.To == models.ConsultationCompleted && r.failures.Add(-1) >= 0 {
		return nil, errors.NewTransactionError("transition consultation", fmt.Errorf("connection reset"))
	}
	return r.ConsultationRepository.Transition(ctx, id, t)
}

func TestPrescribe_ResumeAfterFailedCompletionPublishesOnce(t *testing.T) {
	var repo *failingCompletion
	h := newHarness(t, func(c *harnessConfig) {
		c.consultationsFn = func(inner repository.ConsultationRepository) repository.ConsultationRepository {
			repo = &failingCompletion{ConsultationRepository: inner}
			return repo
		}
	})
	patient, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()

	repo.failures.Store(1)
	_, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.Error(t, err)
	assert.Equal(t, 0, h.pub.count("patient:p1", models.EventPrescribed))

	p, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)
	stored, err := h.consult.Get(ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConsultationCompleted, stored.Status)
	assert.Equal(t, 1, h.pub.count("patient:p1", models.EventPrescribed))

	again, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, 1, h.pub.count("patient:p1", models.EventPrescribed))
	assert.Equal(t, 1, h.pub.count("doctor:d1", models.EventPrescriptionCreated))
}

func TestPrescribe_Rejections(t *testing.T) {
	h := newHarness(t)
	patient, doctor, c := prescriptionFixture(t, h)
	other := h.register(t, "d2", models.RoleDoctor, 0, 0)
	ctx := context.Background()

	_, err := h.rx.Prescribe(ctx, doctor, c.ID, nil)
	assert.True(t, errors.IsValidationError(err))
	_, err = h.rx.Prescribe(ctx, doctor, c.ID, []models.PrescriptionItem{{Name: " ", Quantity: 1}})
	assert.True(t, errors.IsValidationError(err))
	_, err = h.rx.Prescribe(ctx, doctor, c.ID, []models.PrescriptionItem{{Name: "x", Quantity: 0}})
	assert.True(t, errors.IsValidationError(err))

	_, err = h.rx.Prescribe(ctx, other, c.ID, sampleItems)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
	_, err = h.rx.Prescribe(ctx, patient, c.ID, sampleItems)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)

	pending, err := h.consult.Request(ctx, patient, "d2")
	require.NoError(t, err)
	_, err = h.rx.Prescribe(ctx, other, pending.ID, sampleItems)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestAcceptPrescription_ExactlyOneWinner(t *testing.T) {
	h := newHarness(t)
	_, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()
	p, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for _, id := range p.Candidates {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.rx.Accept(ctx, pharmacy(id), p.ID)
			if err == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			if !errors.Is(err, errors.ErrAlreadyAccepted) {
				t.Errorf("unexpected error for %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, 1, h.pub.count("patient:p1", models.EventPrescriptionAccepted))

	stored, err := h.rx.Get(ctx, pharmacy(winners[0]), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PrescriptionAccepted, stored.Status)
	assert.Equal(t, winners[0], stored.AcceptedBy)
}

func TestAcceptPrescription_NonCandidateRejected(t *testing.T) {
	h := newHarness(t)
	_, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()
	p, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)

	_, err = h.rx.Accept(ctx, pharmacy("ph-c"), p.ID)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
	_, err = h.rx.Accept(ctx, doctor, p.ID)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
	_, err = h.rx.Get(ctx, pharmacy("ph-c"), p.ID)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
}

func TestCompletePrescription(t *testing.T) {
	h := newHarness(t)
	_, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()
	p, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)

	_, err = h.rx.Complete(ctx, pharmacy("ph-0"), p.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)

	_, err = h.rx.Accept(ctx, pharmacy("ph-b"), p.ID)
	require.NoError(t, err)

	_, err = h.rx.Complete(ctx, pharmacy("ph-0"), p.ID)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)

	done, err := h.rx.Complete(ctx, pharmacy("ph-b"), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PrescriptionCompleted, done.Status)
	assert.Equal(t, 1, h.pub.count("patient:p1", models.EventPrescriptionCompleted))

	_, err = h.rx.Complete(ctx, pharmacy("ph-b"), p.ID)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
}

func TestPrescriptionListsByRole(t *testing.T) {
	h := newHarness(t)
	patient, doctor, c := prescriptionFixture(t, h)
	ctx := context.Background()
	_, err := h.rx.Prescribe(ctx, doctor, c.ID, sampleItems)
	require.NoError(t, err)

	mine, err := h.rx.ListForParticipant(ctx, patient)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	offered, err := h.rx.ListForParticipant(ctx, pharmacy("ph-a"))
	require.NoError(t, err)
	assert.Len(t, offered, 1)

	notOffered, err := h.rx.ListForParticipant(ctx, pharmacy("ph-d"))
	require.NoError(t, err)
	assert.Empty(t, notOffered)
}
