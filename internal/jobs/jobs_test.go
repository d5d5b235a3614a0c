package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riteshkumar/carewallet/internal/metrics"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/repository"
)

type archiverStub struct {
	cutoff time.Time
	n      int64
	err    error
}

func (s *archiverStub) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.n, s.err
}

type ledgerStub struct {
	accounts []*models.Account
	sums     map[string]int64
	err      error
}

func (s *ledgerStub) Snapshot(ctx context.Context) (*models.LedgerSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.LedgerSnapshot{Accounts: s.accounts, LegSums: s.sums}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestArchiveTerminalConsultations_UsesConfiguredAge(t *testing.T) {
	archiver := &archiverStub{n: 3}
	j := NewJobs(archiver, &ledgerStub{}, 24*time.Hour, nil, testLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	j.ArchiveTerminalConsultations()
	assert.Equal(t, fixed.Add(-24*time.Hour), archiver.cutoff)

	archiver.err = errors.New("db down")
	assert.NotPanics(t, j.ArchiveTerminalConsultations)
}

func TestReconcile_ReportsMismatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, reg)
	ledger := &ledgerStub{
		accounts: []*models.Account{
			{ID: "ok", Balance: 90, InitialBalance: 0, Adjustments: 0},
			{ID: "treasury", Balance: 1501, InitialBalance: 1000, Adjustments: 500},
			{ID: "drifted", Balance: 50},
		},
		sums: map[string]int64{"ok": 90, "treasury": 1, "drifted": 40},
	}
	j := NewJobs(&archiverStub{}, ledger, time.Hour, collector, testLogger())

	mismatches, err := j.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, Mismatch{AccountID: "drifted", Balance: 50, Expected: 40}, mismatches[0])
	assert.Equal(t, 1.0, gaugeValue(t, reg, "carewallet_ledger_mismatched_accounts"))

	ledger.accounts = ledger.accounts[:2]
	j.ReconcileLedger()
	assert.Equal(t, 0.0, gaugeValue(t, reg, "carewallet_ledger_mismatched_accounts"))
}

func TestReconcile_PropagatesLedgerErrors(t *testing.T) {
	j := NewJobs(&archiverStub{}, &ledgerStub{err: errors.New("boom")}, time.Hour, nil, testLogger())
	_, err := j.Reconcile(context.Background())
	assert.Error(t, err)
}

func TestReconcile_MemoryLedgerIsConsistent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore(nil)
	require.NoError(t, store.CreateAccount(ctx, &models.Account{ID: "a", Balance: 100}))
	require.NoError(t, store.CreateAccount(ctx, &models.Account{ID: "b"}))
	require.NoError(t, store.CommitTransfer(ctx, []models.BalanceWrite{
		{AccountID: "a", ExpectedVersion: 0, OldBalance: 100, NewBalance: 75},
		{AccountID: "b", ExpectedVersion: 0, OldBalance: 0, NewBalance: 25},
	}, &models.Transaction{Legs: []models.Leg{{AccountID: "a", Delta: -25}, {AccountID: "b", Delta: 25}}}))
	_, err := store.ApplyDelta(ctx, "b", 5, "correction")
	require.NoError(t, err)

	j := NewJobs(repository.NewMemoryConsultationRepository(), store, time.Hour, nil, testLogger())
	mismatches, err := j.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestReconcile_NoFalseMismatchUnderConcurrentTransfers(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryLedgerStore(nil)
	require.NoError(t, store.CreateAccount(ctx, &models.Account{ID: "a", Balance: 500}))
	require.NoError(t, store.CreateAccount(ctx, &models.Account{ID: "b"}))
	j := NewJobs(repository.NewMemoryConsultationRepository(), store, time.Hour, nil, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			a, _ := store.GetAccount(ctx, "a")
			b, _ := store.GetAccount(ctx, "b")
			_ = store.CommitTransfer(ctx, []models.BalanceWrite{
				{AccountID: "a", ExpectedVersion: a.Version, OldBalance: a.Balance, NewBalance: a.Balance - 1},
				{AccountID: "b", ExpectedVersion: b.Version, OldBalance: b.Balance, NewBalance: b.Balance + 1},
			}, &models.Transaction{Legs: []models.Leg{{AccountID: "a", Delta: -1}, {AccountID: "b", Delta: 1}}})
		}
	}()

	for i := 0; i < 100; i++ {
		mismatches, err := j.Reconcile(ctx)
		require.NoError(t, err)
		assert.Empty(t, mismatches)
	}
	<-done
}

func TestScheduler_RegistersNonEmptySchedules(t *testing.T) {
	j := NewJobs(&archiverStub{}, &ledgerStub{}, time.Hour, nil, testLogger())

	s := NewScheduler(j, Schedules{Archive: "@every 1h", Reconcile: ""}, testLogger())
	assert.Equal(t, 1, s.Start())
	<-s.Stop().Done()

	bad := NewScheduler(j, Schedules{Archive: "not a cron spec", Reconcile: "*/5 * * * *"}, testLogger())
	assert.Equal(t, 1, bad.Start())
	<-bad.Stop().Done()
}
