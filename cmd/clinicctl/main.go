package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/odyssey-erp/odyssey-clinic/cmd/clinicctl/cli"
	"github.com/odyssey-erp/odyssey-clinic/internal/app"
	"github.com/odyssey-erp/odyssey-clinic/internal/billing"
	"github.com/odyssey-erp/odyssey-clinic/internal/catalog"
	"github.com/odyssey-erp/odyssey-clinic/internal/platform/db"
	"github.com/odyssey-erp/odyssey-clinic/internal/shared"
	"github.com/odyssey-erp/odyssey-clinic/migrations"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	connect := func(ctx context.Context) (*pgxpool.Pool, error) {
		return db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 4})
	}

	root := cli.NewRootCommand(cli.Deps{
		Migrate: func(ctx context.Context) ([]string, error) {
			pool, err := connect(ctx)
			if err != nil {
				return nil, err
			}
			defer pool.Close()
			return migrations.Apply(ctx, pool)
		},
		Jobs: func(ctx context.Context) (cli.JobOps, func(), error) {
			jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
			return jobsCLI, func() {
				if err := jobsCLI.Close(); err != nil {
					logger.Warn("jobs cli close", slog.Any("error", err))
				}
			}, nil
		},
		Balances: func(ctx context.Context) (cli.BalanceOps, func(), error) {
			pool, err := connect(ctx)
			if err != nil {
				return nil, nil, err
			}
			// Balance recomputation never reads the catalog, so no cache is wired.
			catalogService := catalog.NewService(catalog.NewRepository(pool), nil, logger)
			service := billing.NewService(billing.NewRepository(pool), catalogService, shared.NewAuditLogger(pool),
				billing.ServiceConfig{Location: cfg.Location()})
			service.SetLogger(logger)
			return service, pool.Close, nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "clinicctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
