package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"teetime-lottery/internal/adapters/repo"
	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/cache"
	"teetime-lottery/internal/infra/config"
	"teetime-lottery/internal/infra/db"
	applog "teetime-lottery/internal/infra/log"
	"teetime-lottery/internal/infra/metrics"
	"teetime-lottery/internal/usecase/priority"
	"teetime-lottery/internal/usecase/profiles"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	store := repo.NewPostgres(pool)

	var once *cache.RedisCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		once = cache.NewRedis(client)
	}

	weights := priority.Weights{
		Alternate:  cfg.Lottery.MissWeight,
		Fallback:   cfg.Lottery.FallbackWeight,
		Unassigned: cfg.Lottery.UnassignedWeight,
	}
	maintainer := profiles.NewMaintainer(store, store, store, profiles.MaintainerConfig{
		Thresholds:   priority.Thresholds{FastMax: cfg.Lottery.FastMaxMinutes, SlowMin: cfg.Lottery.SlowMinMinutes},
		Weights:      weights,
		RoundsWindow: cfg.Lottery.RoundsWindow,
	}, logger)

	every := cfg.Lottery.MaintenanceEvery
	if every <= 0 {
		every = 24 * time.Hour
	}
	logger.Info().Dur("interval", every).Msg("scheduler: старт")
	runMaintenance(ctx, logger, once, maintainer, every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler: остановлен")
			return
		case <-ticker.C:
			runMaintenance(ctx, logger, once, maintainer, every)
		}
	}
}

// runMaintenance выполняет пересчёт профилей. С Redis несколько реплик
// планировщика выполняют один пересчёт за интервал.
func runMaintenance(ctx context.Context, logger zerolog.Logger, once *cache.RedisCache, m *profiles.Maintainer, every time.Duration) {
	run := func() error {
		report, err := m.Run(ctx)
		if err != nil {
			return err
		}
		logger.Info().
			Str("period", report.Period).
			Int("processed", report.Processed).
			Int("tier_changed", report.TierChanged).
			Int("created", report.Created).
			Int("failed", report.Failed).
			Msg("scheduler: пересчёт профилей завершён")
		return nil
	}
	if once == nil {
		if err := run(); err != nil {
			logger.Error().Err(err).Msg("scheduler: ошибка пересчёта профилей")
		}
		return
	}
	key := "lottery:maintenance:" + time.Now().UTC().Truncate(every).Format(domain.DateLayout+"T15:04")
	ran, err := once.Once(ctx, key, every, run)
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: ошибка пересчёта профилей")
		return
	}
	if !ran {
		logger.Debug().Str("key", key).Msg("scheduler: пересчёт уже выполнен другой репликой")
	}
}
