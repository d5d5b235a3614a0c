package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/riteshkumar/carewallet/internal/app"
	"github.com/riteshkumar/carewallet/internal/config"
	"github.com/riteshkumar/carewallet/internal/handler"
	"github.com/riteshkumar/carewallet/internal/jobs"
	"github.com/riteshkumar/carewallet/internal/metrics"
	"github.com/riteshkumar/carewallet/internal/notify"
	"github.com/riteshkumar/carewallet/internal/ratelimit"
)

func main() {
	// Initialise logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", "error", err.Error())
	}

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET must be set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err.Error())
		os.Exit(1)
	}
	defer stores.Close()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

	// Notifications
	hub := notify.NewHub(cfg.NotifyBuffer, collector, logger)
	var bridge *notify.Bridge
	if cfg.RabbitMQURL != "" {
		producer, err := notify.NewProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err.Error())
			os.Exit(1)
		}
		defer producer.Close()
		bridge = notify.NewBridge(producer, cfg.EventExchange, 0, logger)
		hub.AddForwarder(bridge)
		go bridge.Run(ctx)
		logger.Info("forwarding notifications to broker", "exchange", cfg.EventExchange)
	}

	// Rate limiting is off unless redis is configured.
	var limiters app.Limiters
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err.Error())
			os.Exit(1)
		}
		defer client.Close()
		limiters = app.NewLimiters(client, cfg, logger)
	}

	// Initialise services
	services, err := app.NewServices(cfg, stores, hub, limiters, collector, logger)
	if err != nil {
		logger.Error("failed to build services", "error", err.Error())
		os.Exit(1)
	}
	if err := services.Wallet.EnsureTreasury(ctx, cfg.TreasuryInitialBalance); err != nil {
		logger.Error("failed to provision treasury", "error", err.Error())
		os.Exit(1)
	}

	// Initialise handlers
	auth := handler.NewAuthenticator(cfg.JWTSecret, logger)
	router := handler.NewRouter(auth,
		handler.NewWebSocketHandler(hub, services.Consultations, services.Chat, auth, logger),
		collector, logger,
		handler.NewAccountHandler(services.Wallet, logger),
		handler.NewTransactionHandler(services.Wallet, logger),
		handler.NewConsultationHandler(services.Consultations, services.Prescriptions, services.Chat, logger),
		handler.NewPrescriptionHandler(services.Prescriptions, logger),
	)

	scheduler := jobs.NewScheduler(services.Jobs, jobs.Schedules{
		Archive:   cfg.ArchiveSchedule,
		Reconcile: cfg.ReconcileSchedule,
	}, logger)
	scheduler.Start()

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a go routine
	go func() {
		logger.Info("starting server on port " + cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", "error", err.Error())
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err.Error())
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduled jobs still running at shutdown")
	}
	if bridge != nil {
		<-bridge.Done()
	}

	logger.Info("server exited gracefully")
}
