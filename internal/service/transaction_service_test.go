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

func TestFeeSplit(t *testing.T) {
	tests := []struct {
		fee, bps           int64
		wantAdmin, wantDoc int64
	}{
		{fee: 10, bps: 1000, wantAdmin: 1, wantDoc: 9},
		{fee: 15, bps: 1000, wantAdmin: 2, wantDoc: 13}, // 1.5 rounds up
		{fee: 14, bps: 1000, wantAdmin: 1, wantDoc: 13},
		{fee: 10, bps: 0, wantAdmin: 0, wantDoc: 10},
		{fee: 10, bps: 10000, wantAdmin: 10, wantDoc: 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.fee, tt.bps), func(t *testing.T) {
			admin, doctor := FeeSplit(tt.fee, tt.bps)
			assert.Equal(t, tt.wantAdmin, admin)
			assert.Equal(t, tt.wantDoc, doctor)
			assert.Equal(t, tt.fee, admin+doctor)
		})
	}
}

func TestTransfer_Validation(t *testing.T) {
	h := newHarness(t)
	h.register(t, "p1", models.RolePatient, 0, 0)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *models.TransferRequest
		want error
	}{
		{
			name: "unbalanced",
			req: &models.TransferRequest{Type: models.TransactionTransfer, Legs: []models.Leg{
				{AccountID: "p1", Delta: -10}, {AccountID: treasuryID, Delta: 9},
			}},
			want: errors.ErrTransferNotBalanced,
		},
		{
			name: "same account",
			req: &models.TransferRequest{Type: models.TransactionTransfer, Legs: []models.Leg{
				{AccountID: "p1", Delta: -10}, {AccountID: "p1", Delta: 10},
			}},
			want: errors.ErrSameAccount,
		},
		{
			name: "zero leg",
			req: &models.TransferRequest{Type: models.TransactionTransfer, Legs: []models.Leg{
				{AccountID: "p1", Delta: 0}, {AccountID: treasuryID, Delta: 0},
			}},
			want: errors.ErrInvalidAmount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.transfers.Transfer(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := h.transfers.Transfer(ctx, &models.TransferRequest{Type: models.TransactionTransfer, Legs: []models.Leg{{AccountID: "p1", Delta: 1}}})
	assert.True(t, errors.IsValidationError(err))

	assert.Equal(t, int64(100), h.balance(t, "p1"))
}

func TestTransfer_InsufficientFundsAppliesNoLeg(t *testing.T) {
	h := newHarness(t)
	h.register(t, "p1", models.RolePatient, 0, 0)
	h.register(t, "p2", models.RolePatient, 0, 0)
	ctx := context.Background()
	treasuryBefore := h.balance(t, treasuryID)

	// p1 can cover its leg, p2 cannot.
	_, err := h.transfers.Transfer(ctx, &models.TransferRequest{
		Type: models.TransactionTransfer,
		Legs: []models.Leg{
			{AccountID: "p1", Delta: -50},
			{AccountID: "p2", Delta: -150},
			{AccountID: treasuryID, Delta: 200},
		},
	})
	require.ErrorIs(t, err, errors.ErrInsufficientFunds)

	assert.Equal(t, int64(100), h.balance(t, "p1"))
	assert.Equal(t, int64(100), h.balance(t, "p2"))
	assert.Equal(t, treasuryBefore, h.balance(t, treasuryID))
	history, err := h.ledger.ListTransactionsByAccount(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, history, 1) // signup bonus only
}

func TestTransfer_UnknownAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.transfers.Transfer(context.Background(), &models.TransferRequest{
		Type: models.TransactionTransfer,
		Legs: []models.Leg{{AccountID: treasuryID, Delta: -1}, {AccountID: "ghost", Delta: 1}},
	})
	assert.ErrorIs(t, err, errors.ErrAccountNotFound)
}

func TestTransfer_IdempotentReplay(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.signupBonus = 0 })
	h.register(t, "d1", models.RoleDoctor, 0, 0)
	ctx := context.Background()

	first, err := h.transfers.Reward(ctx, "d1", 5, "reward-once", nil)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.transfers.Reward(ctx, "d1", 5, "reward-once", nil)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(5), h.balance(t, "d1"))
}

type flakyLedger struct {
	*repository.MemoryLedgerStore
	conflicts atomic.Int32
}

func (l *flakyLedger) CommitTransfer(ctx context.Context, writes []models.BalanceWrite, txn *models.Transaction) error {
	if l.conflicts.Add(-1) >= 0 {
		return errors.ErrConcurrentModification
	}
	return l.MemoryLedgerStore.CommitTransfer(ctx, writes, txn)
}

func TestTransfer_RetriesVersionConflicts(t *testing.T) {
	var flaky *flakyLedger
	h := newHarness(t, func(c *harnessConfig) {
		c.signupBonus = 0
		c.ledgerFn = func(m *repository.MemoryLedgerStore) repository.LedgerStore {
			flaky = &flakyLedger{MemoryLedgerStore: m}
			return flaky
		}
	})
	h.register(t, "d1", models.RoleDoctor, 0, 0)

	flaky.conflicts.Store(3)
	txn, err := h.transfers.Reward(context.Background(), "d1", 2, "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionSuccess, txn.Status)
	assert.Equal(t, int64(2), h.balance(t, "d1"))
}

func TestTransfer_SurfacesConflictAfterMaxRetries(t *testing.T) {
	var flaky *flakyLedger
	h := newHarness(t, func(c *harnessConfig) {
		c.signupBonus = 0
		c.ledgerFn = func(m *repository.MemoryLedgerStore) repository.LedgerStore {
			flaky = &flakyLedger{MemoryLedgerStore: m}
			return flaky
		}
	})
	h.register(t, "d1", models.RoleDoctor, 0, 0)

	flaky.conflicts.Store(1000)
	_, err := h.transfers.Reward(context.Background(), "d1", 2, "", nil)
	require.ErrorIs(t, err, errors.ErrConcurrentModification)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, int64(0), h.balance(t, "d1"))
}

func TestTransfer_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.register(t, "p1", models.RolePatient, 0, 0)
	h.register(t, "p2", models.RolePatient, 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.transfers.Transfer(ctx, &models.TransferRequest{
				Type: models.TransactionTransfer,
				Legs: []models.Leg{{AccountID: "p1", Delta: -7}, {AccountID: "p2", Delta: 7}},
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			if !errors.IsInsufficientFunds(err) && !errors.IsConcurrentModification(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	moved := succeeded.Load() * 7
	assert.Equal(t, 100-moved, h.balance(t, "p1"))
	assert.Equal(t, 100+moved, h.balance(t, "p2"))
	assert.LessOrEqual(t, moved, int64(100))
	h.assertLedgerConsistent(t)
}

func TestTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a", models.RolePatient, 0, 0)
	h.register(t, "b", models.RolePatient, 0, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.transfers.Transfer(ctx, &models.TransferRequest{
				Type: models.TransactionTransfer,
				Legs: []models.Leg{{AccountID: "a", Delta: -1}, {AccountID: "b", Delta: 1}},
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = h.transfers.Transfer(ctx, &models.TransferRequest{
				Type: models.TransactionTransfer,
				Legs: []models.Leg{{AccountID: "b", Delta: -1}, {AccountID: "a", Delta: 1}},
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(200), h.balance(t, "a")+h.balance(t, "b"))
	h.assertLedgerConsistent(t)
}

func TestReverse_NegatesEveryLeg(t *testing.T) {
	h := newHarness(t)
	h.register(t, "p1", models.RolePatient, 0, 0)
	h.register(t, "d1", models.RoleDoctor, 0, 0)
	ctx := context.Background()
	treasuryBefore := h.balance(t, treasuryID)

	fee, err := h.transfers.ChargeConsultationFee(ctx, "p1", "d1", "fee-1")
	require.NoError(t, err)
	require.Len(t, fee.Legs, 3)

	refund, err := h.transfers.Reverse(ctx, fee, "refund-1")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionRefund, refund.Type)
	assert.Equal(t, fee.ID, refund.Metadata["original_transaction_id"])

	assert.Equal(t, int64(100), h.balance(t, "p1"))
	assert.Equal(t, int64(0), h.balance(t, "d1"))
	assert.Equal(t, treasuryBefore, h.balance(t, treasuryID))
}

func TestAdjust_RecordsAdjustmentAndStaysReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.transfers.Adjust(ctx, treasuryID, 500, "top up")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), result.Balance)

	_, err = h.transfers.Adjust(ctx, treasuryID, -5000, "burn")
	assert.ErrorIs(t, err, errors.ErrInsufficientFunds)

	_, err = h.transfers.Adjust(ctx, treasuryID, 5, "")
	assert.True(t, errors.IsValidationError(err))

	logs, err := h.audit.GetByEntityID(ctx, models.EntityTypeAccount, treasuryID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.AuditActionAdjust, logs[0].Action)
	h.assertLedgerConsistent(t)
}
