// Command payment-migrate applies the payment schema's migrations
// against POSTGRES_URL and exits, following the teacher pack's
// cmd/<name>-migrate convention for a dedicated migration binary
// separate from the long-running service.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ar-permaweb/turbo/internal/config"
	"github.com/ar-permaweb/turbo/internal/payment/schema"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.LoadPayment()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(2)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("connect", "err", err)
		os.Exit(3)
	}
	defer pool.Close()

	if err := schema.Apply(ctx, pool); err != nil {
		slog.Error("migrate", "err", err)
		os.Exit(3)
	}
	slog.Info("payment schema migrations applied")
}
