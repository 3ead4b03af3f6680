package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"teetime-lottery/internal/adapters/httpapi"
	"teetime-lottery/internal/adapters/repo"
	"teetime-lottery/internal/domain"
	"teetime-lottery/internal/infra/cache"
	"teetime-lottery/internal/infra/config"
	"teetime-lottery/internal/infra/db"
	httpinfra "teetime-lottery/internal/infra/http"
	applog "teetime-lottery/internal/infra/log"
	"teetime-lottery/internal/infra/metrics"
	"teetime-lottery/internal/infra/queue"
	"teetime-lottery/internal/usecase/finalize"
	"teetime-lottery/internal/usecase/lottery"
	"teetime-lottery/internal/usecase/priority"
	"teetime-lottery/internal/usecase/profiles"
	"teetime-lottery/internal/usecase/reconcile"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	if cfg.PGDSN == "" {
		logger.Fatal().Msg("api: не указан адрес БД (PG_DSN)")
	}
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	store := repo.NewPostgres(pool)

	var (
		locker        domain.DateLocker
		finalizeQueue domain.FinalizeQueue
		redisClient   *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		locker = cache.NewRedis(redisClient)
	} else {
		logger.Warn().Msg("api: REDIS_ADDR не задан, фиксация без межпроцессной блокировки")
	}
	q, closeQueue, err := queue.Open(cfg.Queues.Backend, redisClient, cfg.RabbitURL, cfg.Queues.Finalize)
	if err != nil {
		logger.Warn().Err(err).Msg("api: очередь фиксации недоступна, асинхронная фиксация отключена")
	} else {
		defer closeQueue()
		finalizeQueue = q
	}

	registry := reconcile.NewRegistry(cfg.Lottery.SessionIdleTTL, logger)
	go registry.RunJanitor(ctx, cfg.Lottery.JanitorInterval)

	lotteryService := lottery.NewService(lottery.Deps{
		Entries:   store,
		Slots:     store,
		Rules:     store,
		Profiles:  store,
		Drafts:    store,
		Finalizer: finalize.NewService(store, store, logger),
		Registry:  registry,
		Locker:    locker,
		Queue:     finalizeQueue,
		LockTTL:   cfg.Lottery.FinalizeLockTTL,
		Logger:    logger,
	})
	profileService := profiles.NewService(store, priority.Thresholds{
		FastMax: cfg.Lottery.FastMaxMinutes,
		SlowMin: cfg.Lottery.SlowMinMinutes,
	})

	server := httpinfra.NewServer(applog.Component(logger, "http"))
	httpapi.NewHandler(lotteryService, profileService, logger).Mount(server.Router)

	go func() {
		logger.Info().Msg("api: старт")
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
