// escrowpay is the marketplace funds service: escrow wallets with an
// append-only ledger, check-in verification gating fund release, and
// OTP-authorized withdrawals.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"escrowpay/internal/booking"
	bookingapi "escrowpay/internal/booking/api"
	"escrowpay/internal/checkin"
	checkinapi "escrowpay/internal/checkin/api"
	"escrowpay/internal/common/database"
	"escrowpay/internal/common/middleware"
	commonnats "escrowpay/internal/common/nats"
	"escrowpay/internal/notify"
	"escrowpay/internal/otp"
	"escrowpay/internal/providers/paygate"
	"escrowpay/internal/release"
	"escrowpay/internal/user"
	"escrowpay/internal/wallet"
	walletapi "escrowpay/internal/wallet/api"
	"escrowpay/internal/withdrawal"
	withdrawalapi "escrowpay/internal/withdrawal/api"
	"escrowpay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AutoApproveMinor int64         `envconfig:"WITHDRAWAL_AUTO_APPROVE_MINOR" default:"0"`
	SweepInterval    time.Duration `envconfig:"WITHDRAWAL_SWEEP_INTERVAL" default:"1h"`
	ConfirmMaxPerMin int           `envconfig:"CHECKIN_CONFIRM_MAX_PER_MIN" default:"10"`

	Database   database.Config
	NATS       commonnats.Config
	Redis      otp.RedisConfig
	OTP        otp.Config
	Gateway    notify.GatewayConfig
	Notify     notify.Config
	CheckIn    checkin.Config
	Withdrawal withdrawal.Config
	Paygate    paygate.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database.URL, migrations.FS, ".", logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	natsClient, err := commonnats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, commonnats.DefaultStreamConfig("ESCROWPAY_EVENTS", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := commonnats.NewPublisher(natsClient, logger)

	sessions, err := otp.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	// Gateways and notifications
	smsGateway := notify.NewHTTPSMSGateway(cfg.Gateway)
	emailGateway := notify.NewHTTPEmailGateway(cfg.Gateway)
	dispatcher := notify.NewDispatcher(smsGateway, emailGateway, cfg.Notify, logger)

	// Core services
	directory := user.NewStore(db)
	walletService := wallet.NewService(db, publisher, logger)
	bookingStore := booking.NewStore(db)
	releaseEngine := release.NewEngine(walletService, logger)
	checkinService := checkin.NewService(bookingStore, releaseEngine, dispatcher, directory, publisher, cfg.CheckIn, logger)
	authority := otp.NewAuthority(sessions, directory, smsGateway, emailGateway, cfg.OTP, logger)

	payoutAdapter := paygate.NewAdapter(cfg.Paygate, natsClient, logger)
	var policy withdrawal.ApprovalPolicy = withdrawal.ManualApproval{}
	if cfg.AutoApproveMinor > 0 {
		policy = withdrawal.ThresholdApproval{MaxMinor: cfg.AutoApproveMinor}
	}
	withdrawalStore := withdrawal.NewStore(db)
	withdrawalService := withdrawal.NewService(
		withdrawalStore, walletService, authority, payoutAdapter,
		dispatcher, directory, publisher, policy, cfg.Withdrawal, logger,
	)

	sweeper := withdrawal.NewSweeper(withdrawalService, withdrawalStore, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	webhook := paygate.NewWebhookHandler(cfg.Paygate, bookingStore, walletService, withdrawalService, dispatcher, logger)

	// Handlers
	walletHandler := walletapi.NewHandler(walletService, logger)
	bookingHandler := bookingapi.NewHandler(bookingStore, logger)
	confirmThrottle := middleware.NewThrottle(cfg.ConfirmMaxPerMin, time.Minute)
	checkinHandler := checkinapi.NewHandler(checkinService, bookingStore, confirmThrottle, logger)
	withdrawalHandler := withdrawalapi.NewHandler(withdrawalService, authority, logger)

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.ActingUser)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/wallet", walletHandler.Routes())
		r.Mount("/checkin", checkinHandler.Routes())
		r.Mount("/withdrawals", withdrawalHandler.Routes())
	})

	// Internal surface: trusted upstream services only, fenced off at
	// the network edge.
	r.Route("/internal/v1", func(r chi.Router) {
		r.Mount("/bookings", bookingHandler.Routes())
		r.Mount("/wallets", walletHandler.AdminRoutes())
		r.Mount("/withdrawals", withdrawalHandler.AdminRoutes())
	})

	r.Method(http.MethodPost, "/webhooks/paygate", webhook)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting escrowpay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
