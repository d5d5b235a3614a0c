package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Backend moves value between the internal ledger and an external rail.
// Confirm acknowledges inbound funds before a deposit is credited; Payout
// releases funds after a withdrawal has been debited. Both return an external
// reference recorded alongside the ledger transaction.
type Backend interface {
	Confirm(ctx context.Context, accountID string, amount int64) (string, error)
	Payout(ctx context.Context, accountID string, amount int64) (string, error)
}

// NoopBackend accepts every request without contacting an external system.
type NoopBackend struct {
	logger *slog.Logger
}

func NewNoopBackend(logger *slog.Logger) *NoopBackend {
	return &NoopBackend{logger: logger}
}

func (b *NoopBackend) Confirm(ctx context.Context, accountID string, amount int64) (string, error) {
	ref := "noop-" + uuid.New().String()
	b.logger.Info("settlement confirm", "account_id", accountID, "amount", amount, "ref", ref)
	return ref, nil
}

func (b *NoopBackend) Payout(ctx context.Context, accountID string, amount int64) (string, error) {
	ref := "noop-" + uuid.New().String()
	b.logger.Info("settlement payout", "account_id", accountID, "amount", amount, "ref", ref)
	return ref, nil
}

// New returns the backend registered under name.
func New(name string, logger *slog.Logger) (Backend, error) {
	switch name {
	case "", "noop":
		return NewNoopBackend(logger), nil
	default:
		return nil, fmt.Errorf("unknown settlement backend %q", name)
	}
}
