package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/riteshkumar/carewallet/internal/app"
	"github.com/riteshkumar/carewallet/internal/config"
	"github.com/riteshkumar/carewallet/internal/handler"
	"github.com/riteshkumar/carewallet/internal/models"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/repository"
)

// env is what every data command needs: loaded config, a postgres-backed
// store and the services on top of it.
type env struct {
	cfg      config.Config
	stores   *app.Stores
	services *app.Services
	logger   *slog.Logger
}

func (e *env) admin() models.Caller {
	return models.Caller{AccountID: e.cfg.TreasuryAccountID, Role: models.RoleAdmin}
}

func loadConfig(configDir string) (config.Config, error) {
	_ = godotenv.Load()
	return config.LoadConfig(configDir)
}

func openEnv(ctx context.Context, configDir string) (*env, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := loadConfig(configDir)
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver != "postgres" {
		return nil, fmt.Errorf("carectl needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
	}
	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	// Events raised by admin commands have no live subscribers in this process.
	hub := notify.NewHub(1, nil, logger)
	services, err := app.NewServices(cfg, stores, hub, app.Limiters{}, nil, logger)
	if err != nil {
		stores.Close()
		return nil, err
	}
	return &env{cfg: cfg, stores: stores, services: services, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "carectl",
		Short:         "Administer a carewallet deployment",
		Long:          "carectl runs migrations, approves participants, funds the treasury and checks the ledger against its transaction history.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding the .env file")

	// withEnv opens the store for the duration of one command.
	withEnv := func(run func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context(), configDir)
			if err != nil {
				return err
			}
			defer e.stores.Close()
			return run(cmd, e, args)
		}
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			db, err := app.ConnectDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}

	approveCmd := &cobra.Command{
		Use:   "approve <participant-id>",
		Short: "Approve a doctor or pharmacy",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			p, err := e.services.Wallet.Approve(cmd.Context(), e.admin(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s %s\n", p.Role, p.ID)
			return nil
		}),
	}

	balanceCmd := &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print an account balance",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			account, err := e.stores.Ledger.GetAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d version=%d\n", account.ID, account.Balance, account.Version)
			return nil
		}),
	}

	var reason string
	treasuryCmd := &cobra.Command{
		Use:   "treasury",
		Short: "Manage the admin treasury",
	}
	fundCmd := &cobra.Command{
		Use:   "fund <amount>",
		Short: "Add (or with a negative amount, remove) treasury funds",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			amount, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || amount == 0 {
				return fmt.Errorf("amount must be a non-zero integer")
			}
			result, err := e.services.Wallet.FundTreasury(cmd.Context(), amount, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d\n", result.AccountID, result.Balance)
			return nil
		}),
	}
	fundCmd.Flags().StringVar(&reason, "reason", "manual top-up", "reason recorded in the audit log")
	treasuryCmd.AddCommand(fundCmd)

	var ttl time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token <account-id> <role>",
		Short: "Mint a bearer token for local testing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET must be set")
			}
			role := models.Role(args[1])
			if !role.Valid() {
				return fmt.Errorf("unknown role %q", args[1])
			}
			auth := handler.NewAuthenticator(cfg.JWTSecret, slog.Default())
			token, err := auth.IssueToken(models.Caller{AccountID: args[0], Role: role}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check every balance against its transaction legs",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			mismatches, err := e.services.Jobs.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range mismatches {
				fmt.Fprintf(cmd.OutOrStdout(), "MISMATCH %s balance=%d expected=%d\n", m.AccountID, m.Balance, m.Expected)
			}
			if len(mismatches) > 0 {
				return fmt.Errorf("%d accounts out of balance", len(mismatches))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger is consistent")
			return nil
		}),
	}

	root.AddCommand(migrateCmd, approveCmd, balanceCmd, treasuryCmd, tokenCmd, reconcileCmd)
	return root
}
