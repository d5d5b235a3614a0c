package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/carewallet/internal/errors"
	"github.com/riteshkumar/carewallet/internal/models"
)

func TestOpenAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	patient, err := h.wallet.OpenAccount(ctx, &models.RegisterRequest{ID: "p1", Role: models.RolePatient, Name: "Pat"})
	require.NoError(t, err)
	assert.True(t, patient.Approved)
	assert.Equal(t, int64(100), patient.Balance)
	assert.Equal(t, int64(900), h.balance(t, treasuryID))

	doctor, err := h.wallet.OpenAccount(ctx, &models.RegisterRequest{ID: "d1", Role: models.RoleDoctor, Name: "Doc"})
	require.NoError(t, err)
	assert.False(t, doctor.Approved)
	assert.Equal(t, int64(0), doctor.Balance)

	_, err = h.wallet.OpenAccount(ctx, &models.RegisterRequest{ID: "p1", Role: models.RolePatient})
	assert.True(t, errors.IsAlreadyExists(err))
	assert.Equal(t, int64(100), h.balance(t, "p1"))

	h.assertLedgerConsistent(t)
}

func TestOpenAccount_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  *models.RegisterRequest
	}{
		{name: "empty id", req: &models.RegisterRequest{Role: models.RolePatient}},
		{name: "treasury id", req: &models.RegisterRequest{ID: treasuryID, Role: models.RolePatient}},
		{name: "admin role", req: &models.RegisterRequest{ID: "x", Role: models.RoleAdmin}},
		{name: "unknown role", req: &models.RegisterRequest{ID: "x", Role: "nurse"}},
		{name: "latitude", req: &models.RegisterRequest{ID: "x", Role: models.RolePatient, Lat: 91}},
		{name: "longitude", req: &models.RegisterRequest{ID: "x", Role: models.RolePatient, Lng: -181}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.wallet.OpenAccount(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
}

func TestOpenAccount_BonusSkippedWhenTreasuryIsEmpty(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.treasury = 50 })

	resp, err := h.wallet.OpenAccount(context.Background(), &models.RegisterRequest{ID: "p1", Role: models.RolePatient})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Balance)
	assert.Equal(t, int64(50), h.balance(t, treasuryID))
}

func TestApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.wallet.OpenAccount(ctx, &models.RegisterRequest{ID: "d1", Role: models.RoleDoctor})
	require.NoError(t, err)
	patient := h.register(t, "p1", models.RolePatient, 0, 0)

	_, err = h.wallet.Approve(ctx, patient, "d1")
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)

	p, err := h.wallet.Approve(ctx, h.admin, "d1")
	require.NoError(t, err)
	assert.True(t, p.Approved)

	logs, err := h.audit.GetByEntityID(ctx, models.EntityTypeParticipant, "d1")
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.AuditActionApprove, logs[0].Action)
	assert.Equal(t, treasuryID, logs[0].ActorID)

	_, err = h.wallet.Approve(ctx, h.admin, "ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestDepositWithdrawSend(t *testing.T) {
	h := newHarness(t)
	patient := h.register(t, "p1", models.RolePatient, 0, 0)
	doctor := h.register(t, "d1", models.RoleDoctor, 0, 0)
	ctx := context.Background()

	dep, err := h.wallet.Deposit(ctx, patient, 40)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionDeposit, dep.Type)
	assert.NotEmpty(t, dep.Metadata["settlement_ref"])
	assert.Equal(t, int64(140), h.balance(t, "p1"))

	_, err = h.wallet.Send(ctx, patient, &models.CreateTransactionRequest{DestinationAccountID: "d1", Amount: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(110), h.balance(t, "p1"))
	assert.Equal(t, int64(30), h.balance(t, "d1"))

	_, err = h.wallet.Withdraw(ctx, doctor, 31)
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)
	wd, err := h.wallet.Withdraw(ctx, doctor, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(-30), wd.DeltaFor("d1"))
	assert.Equal(t, int64(0), h.balance(t, "d1"))

	history, err := h.wallet.History(ctx, doctor)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TransactionWithdrawal, history[0].Type)

	// The deposit is minted, so the treasury float is untouched by it.
	assert.Equal(t, int64(900+30), h.balance(t, treasuryID))
	h.assertLedgerConsistent(t)
}

func TestDeposit_CreditsEvenWithEmptyTreasury(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.treasury = 0 })
	patient := h.register(t, "p1", models.RolePatient, 0, 0)
	ctx := context.Background()
	require.Equal(t, int64(0), h.balance(t, "p1"))

	dep, err := h.wallet.Deposit(ctx, patient, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), h.balance(t, "p1"))
	assert.Equal(t, int64(0), h.balance(t, treasuryID))

	ref := dep.Metadata["settlement_ref"]
	require.NotEmpty(t, ref)
	found, err := h.ledger.FindTransactionByKey(ctx, "deposit:"+ref)
	require.NoError(t, err)
	assert.Equal(t, dep.ID, found.ID)

	treasury, err := h.ledger.GetAccount(ctx, treasuryID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), treasury.Adjustments)
	h.assertLedgerConsistent(t)
}

func TestSend_Rejections(t *testing.T) {
	h := newHarness(t)
	patient := h.register(t, "p1", models.RolePatient, 0, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *models.CreateTransactionRequest
		want func(error) bool
	}{
		{"to self", &models.CreateTransactionRequest{DestinationAccountID: "p1", Amount: 1}, func(err error) bool { return errors.Is(err, errors.ErrSameAccount) }},
		{"to treasury", &models.CreateTransactionRequest{DestinationAccountID: treasuryID, Amount: 1}, errors.IsValidationError},
		{"zero amount", &models.CreateTransactionRequest{DestinationAccountID: "x", Amount: 0}, func(err error) bool { return errors.Is(err, errors.ErrInvalidAmount) }},
		{"unknown destination", &models.CreateTransactionRequest{DestinationAccountID: "x", Amount: 1}, errors.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.wallet.Send(ctx, patient, tt.req)
			assert.True(t, tt.want(err), "got %v", err)
		})
	}

	_, err := h.wallet.Deposit(ctx, h.admin, 10)
	assert.ErrorIs(t, err, errors.ErrNotAuthorized)
	assert.Equal(t, int64(100), h.balance(t, "p1"))
}

func TestBalance(t *testing.T) {
	h := newHarness(t)
	patient := h.register(t, "p1", models.RolePatient, 0, 0)

	resp, err := h.wallet.Balance(context.Background(), patient)
	require.NoError(t, err)
	assert.Equal(t, int64(100), resp.Balance)
	assert.Equal(t, models.RolePatient, resp.Role)

	_, err = h.wallet.Balance(context.Background(), models.Caller{AccountID: "ghost", Role: models.RolePatient})
	assert.True(t, errors.IsNotFound(err))
}

func TestEnsureTreasuryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.wallet.EnsureTreasury(context.Background(), 5000))
	assert.Equal(t, int64(1000), h.balance(t, treasuryID))

	result, err := h.wallet.FundTreasury(context.Background(), 250, "float top-up")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), result.Balance)
	h.assertLedgerConsistent(t)
}
