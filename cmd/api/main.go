package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/walletcore/ledger/internal/config"
	"github.com/walletcore/ledger/internal/handler"
	"github.com/walletcore/ledger/internal/ledger"
	"github.com/walletcore/ledger/internal/logging"
	"github.com/walletcore/ledger/internal/middleware"
	"github.com/walletcore/ledger/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logging.Init("wallet-ledger-api", cfg.LogLevel, cfg.AppEnv)

	db, err := connectDB(cfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := ledger.NewPostgresStore(db, cfg.LockTimeout())
	engine := settlement.NewEngine(store, settlement.Config{
		MaxDebitRetries: cfg.DebitMaxRetries,
		RetryBackoff:    cfg.RetryBackoff(),
	})

	settlementHandler := handler.NewSettlementHandler(engine)
	accountHandler := handler.NewAccountHandler(store)
	healthHandler := handler.NewHealthHandler(db)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.Liveness)
	mux.HandleFunc("GET /health/ready", healthHandler.Readiness)

	authed := middleware.Auth(cfg.JWTSecret)
	mux.Handle("POST /api/v1/charges", authed(http.HandlerFunc(settlementHandler.Charge)))
	mux.Handle("POST /api/v1/charges/{id}/reverse", authed(http.HandlerFunc(settlementHandler.Reverse)))
	mux.Handle("POST /api/v1/credits", authed(http.HandlerFunc(settlementHandler.Credit)))
	mux.Handle("GET /api/v1/accounts/{id}/balance", authed(http.HandlerFunc(accountHandler.Balance)))
	mux.Handle("GET /api/v1/accounts/{id}/transactions", authed(http.HandlerFunc(accountHandler.Transactions)))

	chain := middleware.Tracing(middleware.Logging(middleware.Recovery(mux)))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           chain,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func connectDB(cfg *config.Config) (*sql.DB, error) {
	pool := ledger.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	}

	var lastErr error
	for i := range 30 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := ledger.Open(ctx, cfg.DatabaseURL, pool)
		cancel()
		if err == nil {
			return db, nil
		}
		lastErr = err
		slog.Info("waiting for database", "attempt", i+1)
		time.Sleep(time.Second)
	}

	return nil, fmt.Errorf("connectDB: gave up after 30 attempts: %w", lastErr)
}
