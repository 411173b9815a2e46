package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tgrange/bastion/internal/auth"
	"github.com/tgrange/bastion/internal/background"
	"github.com/tgrange/bastion/internal/config"
	"github.com/tgrange/bastion/internal/database"
	"github.com/tgrange/bastion/internal/engine"
	"github.com/tgrange/bastion/internal/handlers"
	"github.com/tgrange/bastion/internal/notify"
	"github.com/tgrange/bastion/internal/routes"
	"github.com/tgrange/bastion/internal/store"
	pkglogger "github.com/tgrange/bastion/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store
	var credStore store.CredentialStore
	switch cfg.Database.Backend {
	case "postgres":
		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}
		credStore = pg
	default:
		logger.Warn("using in-memory credential store; state is lost on restart")
		credStore = store.NewMemoryStore()
	}

	// Engine components
	tokens := auth.NewTokenIssuer(
		cfg.Auth.SigningKey,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
		cfg.Auth.PendingTokenTTL,
		cfg.Auth.APIKeyPrefix,
	)
	twoFactor := auth.NewTwoFactorManager(cfg.Auth.TOTPIssuer, cfg.Auth.BackupCodeCount)
	tracker := auth.NewMemoryAttemptTracker(cfg.Auth.LockoutThreshold, cfg.Auth.AttemptWindow)
	anomaly := auth.NewAnomalyDetector(credStore)
	auditLogger := pkglogger.NewAuditLogger(logger)

	var notifier engine.AnomalyNotifier
	if cfg.Notify.Enabled {
		sesNotifier, err := notify.NewSESNotifier(cfg.Notify.AWSRegion, cfg.Notify.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	}

	authEngine := engine.New(
		credStore,
		tokens,
		twoFactor,
		tracker,
		anomaly,
		notifier,
		logger,
		auditLogger,
		engine.Config{
			LockoutThreshold: cfg.Auth.LockoutThreshold,
			LockoutDuration:  cfg.Auth.LockoutDuration,
		},
	)

	// Background sweep keeps the attempt tracker bounded
	sweeper := background.NewSweeper(tracker, logger, cfg.Auth.SweepInterval)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	// HTTP boundary
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	authHandler := handlers.NewAuthHandler(authEngine)
	routes.RegisterRoutes(router, authHandler, tokens)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", slog.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}
