// Package app wires configuration into stores and services. The HTTP server
// and the admin CLI share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/riteshkumar/carewallet/internal/config"
	"github.com/riteshkumar/carewallet/internal/jobs"
	"github.com/riteshkumar/carewallet/internal/metrics"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/ratelimit"
	"github.com/riteshkumar/carewallet/internal/repository"
	"github.com/riteshkumar/carewallet/internal/service"
	"github.com/riteshkumar/carewallet/internal/settlement"
)

// Stores groups the repositories for one storage driver.
type Stores struct {
	DB            *sql.DB
	Ledger        repository.LedgerStore
	Participants  repository.ParticipantRepository
	Consultations repository.ConsultationRepository
	Prescriptions repository.PrescriptionRepository
	Messages      repository.MessageRepository
	Audit         repository.AuditRepository
}

// Close releases the database connection, if any.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStores builds the repositories for cfg.StoreDriver. The postgres driver
// connects and migrates the schema before returning.
func OpenStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stores, error) {
	switch cfg.StoreDriver {
	case "memory":
		audit := repository.NewMemoryAuditRepository()
		participants := repository.NewMemoryParticipantRepository()
		logger.Warn("using in-memory store; all state is lost on exit")
		return &Stores{
			Ledger:        repository.NewMemoryLedgerStore(audit),
			Participants:  participants,
			Consultations: repository.NewMemoryConsultationRepository(),
			Prescriptions: repository.NewMemoryPrescriptionRepository(),
			Messages:      repository.NewMemoryMessageRepository(),
			Audit:         audit,
		}, nil
	case "postgres":
		db, err := ConnectDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := repository.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("connected to database successfully")

		audit := repository.NewAuditRepository(db)
		return &Stores{
			DB:            db,
			Ledger:        repository.NewLedgerStore(db, repository.NewTransactionRepository(db), audit),
			Participants:  repository.NewParticipantRepository(db),
			Consultations: repository.NewConsultationRepository(db),
			Prescriptions: repository.NewPrescriptionRepository(db),
			Messages:      repository.NewMessageRepository(db),
			Audit:         audit,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// ConnectDB establishes a connection to the Postgres database.
func ConnectDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Services holds the core operations built on top of Stores.
type Services struct {
	Transfers     *service.TransactionServiceImpl
	Wallet        *service.AccountServiceImpl
	Consultations *service.ConsultationServiceImpl
	Prescriptions *service.PrescriptionServiceImpl
	Chat          *service.ChatServiceImpl
	Jobs          *jobs.Jobs
}

// Limiters holds one limiter per rate-limited operation. A nil field disables
// limiting for that operation.
type Limiters struct {
	Chat          service.RateLimiter
	Consultations service.RateLimiter
}

// NewLimiters builds the chat and consultation limiters on one Redis client,
// each with its own per-minute budget.
func NewLimiters(client redis.UniversalClient, cfg config.Config, logger *slog.Logger) Limiters {
	return Limiters{
		Chat:          ratelimit.NewLimiter(client, cfg.RateLimitPrefix, cfg.MessageRateLimitPerMinute, time.Minute, logger),
		Consultations: ratelimit.NewLimiter(client, cfg.RateLimitPrefix, cfg.ConsultationRateLimitPerMinute, time.Minute, logger),
	}
}

// NewServices builds every service.
func NewServices(
	cfg config.Config,
	stores *Stores,
	publisher notify.Publisher,
	limiters Limiters,
	collector *metrics.Collector,
	logger *slog.Logger,
) (*Services, error) {
	backend, err := settlement.New(cfg.SettlementBackend, logger)
	if err != nil {
		return nil, err
	}

	transfers := service.NewTransactionService(stores.Ledger, service.TransferConfig{
		TreasuryAccountID:  cfg.TreasuryAccountID,
		ConsultationFee:    cfg.ConsultationFee,
		AdminCommissionBPS: cfg.AdminCommissionBPS,
		MaxRetries:         cfg.LedgerMaxRetries,
	}, collector, logger)

	wallet := service.NewAccountService(stores.Ledger, stores.Participants, transfers, backend, stores.Audit,
		service.WalletConfig{
			TreasuryAccountID: cfg.TreasuryAccountID,
			SignupBonus:       cfg.SignupBonus,
		}, logger)

	consultations := service.NewConsultationService(stores.Consultations, stores.Participants, stores.Ledger,
		transfers, stores.Audit, publisher, limiters.Consultations,
		service.ConsultationConfig{
			ConsultationFee:  cfg.ConsultationFee,
			CompletionReward: cfg.CompletionReward,
			RefundPolicy:     service.RefundPolicy(cfg.DeclineRefundPolicy),
		}, logger)

	prescriptions := service.NewPrescriptionService(stores.Prescriptions, consultations, stores.Participants,
		stores.Participants, stores.Audit, publisher, cfg.PharmacyCandidates, logger)

	chat := service.NewChatService(stores.Consultations, service.NewMessageLog(stores.Messages, publisher), limiters.Chat, logger)

	return &Services{
		Transfers:     transfers,
		Wallet:        wallet,
		Consultations: consultations,
		Prescriptions: prescriptions,
		Chat:          chat,
		Jobs:          jobs.NewJobs(stores.Consultations, stores.Ledger, cfg.ArchiveAfter, collector, logger),
	}, nil
}
