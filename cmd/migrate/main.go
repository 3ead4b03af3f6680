package main

import (
	"context"
	"os/signal"
	"syscall"

	"teetime-lottery/internal/infra/config"
	"teetime-lottery/internal/infra/db"
	applog "teetime-lottery/internal/infra/log"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("migrate: не указан адрес БД (PG_DSN)")
	}
	if err := db.Migrate(ctx, cfg.PGDSN); err != nil {
		logger.Fatal().Err(err).Msg("migrate: не удалось применить миграции")
	}
	logger.Info().Msg("migrate: миграции применены")
}
