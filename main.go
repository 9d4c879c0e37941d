package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iconforge/internal/billing"
	"iconforge/internal/config"
	"iconforge/internal/credits"
	"iconforge/internal/db"
	httpapi "iconforge/internal/http"
	"iconforge/internal/ledger"
	"iconforge/internal/logging"
	"iconforge/internal/replicate"
	"iconforge/internal/services"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if err != nil && !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	logger, logCloser, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	hasher, err := ledger.NewHasher(cfg.IdentifierHashKey)
	if err != nil {
		return err
	}
	accounts := ledger.NewPostgres(pool, cfg.AnonDailyFreeUnits)
	var anonymous ledger.AnonymousStore = accounts
	if cfg.AnonCounterBackend == config.AnonBackendValkey {
		client, err := ledger.OpenValkey(cfg.ValkeyURL)
		if err != nil {
			return err
		}
		defer client.Close()
		anonymous = ledger.NewValkey(client, cfg.AnonDailyFreeUnits)
	}
	logger.Info("credit ledger ready", "anonymous_backend", cfg.AnonCounterBackend, "daily_units", cfg.AnonDailyFreeUnits)
	router := ledger.NewRouter(accounts, anonymous, hasher)

	svc := services.New(cfg, services.Deps{
		Pool:     pool,
		Executor: credits.NewExecutor(router, logger),
		Balances: router,
		Generator: replicate.New(replicate.Config{
			BaseURL:      cfg.ReplicateBaseURL,
			Token:        cfg.ReplicateAPIToken,
			PollInterval: cfg.ReplicatePollInterval,
			MaxPolls:     cfg.ReplicateMaxPolls,
		}, logger),
		Logger: logger,
	})
	webhook := billing.NewWebhook(cfg, svc, logger)
	if !webhook.Configured() {
		logger.Warn("stripe webhook secret not set, billing events will be refused")
	}

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httpapi.NewServer(cfg, svc, webhook, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.ServerAddr, "environment", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
