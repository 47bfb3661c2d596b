// Command demo runs a short settlement flow against the in-memory store:
// top up an account, charge it twice with the same order reference, decline
// an oversized charge, then reverse the first debit.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/walletcore/ledger/internal/ledger"
	"github.com/walletcore/ledger/internal/logging"
	"github.com/walletcore/ledger/internal/settlement"
)

func main() {
	logging.Init("wallet-ledger-demo", "info", os.Getenv("APP_ENV"))

	ctx := context.Background()
	store := ledger.NewMemoryStore(3 * time.Second)
	engine := settlement.NewEngine(store, settlement.Config{})

	topup, err := engine.Credit(ctx, "cust-42", 5000, "topup-1")
	if err != nil {
		slog.Error("credit failed", "error", err)
		os.Exit(1)
	}
	slog.Info("topped up", "status", topup.Status, "balance", topup.NewBalance)

	charge, err := engine.Charge(ctx, "cust-42", 1500, "order-1001")
	if err != nil {
		slog.Error("charge failed", "error", err)
		os.Exit(1)
	}
	slog.Info("charged", "status", charge.Status, "balance", charge.NewBalance, "transaction_id", charge.TransactionID)

	replay, err := engine.Charge(ctx, "cust-42", 1500, "order-1001")
	if err != nil {
		slog.Error("replay charge failed", "error", err)
		os.Exit(1)
	}
	slog.Info("replayed", "status", replay.Status, "replayed", replay.Replayed, "balance", replay.NewBalance)

	declined, err := engine.Charge(ctx, "cust-42", 100000, "order-1002")
	if err != nil {
		slog.Error("oversized charge failed", "error", err)
		os.Exit(1)
	}
	slog.Info("oversized charge", "status", declined.Status, "reason", declined.Reason)

	reversal, err := engine.Reverse(ctx, charge.TransactionID)
	if err != nil {
		slog.Error("reversal failed", "error", err)
		os.Exit(1)
	}
	slog.Info("reversed", "status", reversal.Status, "balance", reversal.NewBalance)

	balance, err := store.GetBalance(ctx, "cust-42")
	if err != nil {
		slog.Error("balance lookup failed", "error", err)
		os.Exit(1)
	}
	slog.Info("final balance", "account_id", "cust-42", "balance", balance)
}
