package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/riteshkumar/carewallet/internal/metrics"
	"github.com/riteshkumar/carewallet/internal/models"
)

// ConsultationArchiver flags old terminal consultations so listings can skip them.
type ConsultationArchiver interface {
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerReader is the read side of the ledger needed for reconciliation.
// Snapshot must return accounts and leg sums from the same point in time,
// otherwise an in-flight transfer shows up as a mismatch.
type LedgerReader interface {
	Snapshot(ctx context.Context) (*models.LedgerSnapshot, error)
}

// Mismatch describes one account whose stored balance disagrees with its
// opening balance, adjustments and transaction legs.
type Mismatch struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Expected  int64  `json:"expected"`
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	consultations ConsultationArchiver
	ledger        LedgerReader
	archiveAfter  time.Duration
	metrics       *metrics.Collector
	logger        *slog.Logger
	now           func() time.Time
}

func NewJobs(consultations ConsultationArchiver, ledger LedgerReader, archiveAfter time.Duration, collector *metrics.Collector, logger *slog.Logger) *Jobs {
	return &Jobs{
		consultations: consultations,
		ledger:        ledger,
		archiveAfter:  archiveAfter,
		metrics:       collector,
		logger:        logger,
		now:           time.Now,
	}
}

// ArchiveTerminalConsultations archives declined and completed consultations
// untouched for longer than the configured age.
func (j *Jobs) ArchiveTerminalConsultations() {
	j.logger.Info("starting consultation archive job")
	cutoff := j.now().Add(-j.archiveAfter)

	n, err := j.consultations.ArchiveTerminalBefore(context.Background(), cutoff)
	if err != nil {
		j.logger.Error("failed to archive consultations", "error", err)
		return
	}
	j.logger.Info("consultation archive job finished", "archived", n, "cutoff", cutoff)
}

// ReconcileLedger is the scheduled wrapper around Reconcile.
func (j *Jobs) ReconcileLedger() {
	j.logger.Info("starting ledger reconciliation job")
	mismatches, err := j.Reconcile(context.Background())
	if err != nil {
		j.logger.Error("failed to reconcile ledger", "error", err)
		return
	}
	j.logger.Info("ledger reconciliation job finished", "mismatched_accounts", len(mismatches))
}

// Reconcile checks every account against its history and reports the ones
// that disagree. It only reads; fixing a mismatch is an operator decision.
func (j *Jobs) Reconcile(ctx context.Context) ([]Mismatch, error) {
	snap, err := j.ledger.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	for _, a := range snap.Accounts {
		expected := a.InitialBalance + a.Adjustments + snap.LegSums[a.ID]
		if a.Balance == expected && a.Balance >= 0 {
			continue
		}
		j.logger.Error("ledger mismatch",
			"account_id", a.ID,
			"balance", a.Balance,
			"expected", expected,
		)
		mismatches = append(mismatches, Mismatch{AccountID: a.ID, Balance: a.Balance, Expected: expected})
	}
	j.metrics.SetMismatchedAccounts(len(mismatches))
	return mismatches, nil
}
