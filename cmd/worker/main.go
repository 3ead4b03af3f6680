package main

import (
	"context"
	"errors"
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
	"teetime-lottery/internal/infra/queue"
	"teetime-lottery/internal/usecase/finalize"
	"teetime-lottery/internal/usecase/lottery"
	"teetime-lottery/internal/usecase/reconcile"
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
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()
	store := repo.NewPostgres(pool)

	var (
		redisClient *redis.Client
		locker      domain.DateLocker
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		locker = cache.NewRedis(redisClient)
	}
	finalizeQueue, closeQueue, err := queue.Open(cfg.Queues.Backend, redisClient, cfg.RabbitURL, cfg.Queues.Finalize)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь фиксации")
	}
	defer closeQueue()

	service := lottery.NewService(lottery.Deps{
		Entries:   store,
		Slots:     store,
		Rules:     store,
		Profiles:  store,
		Drafts:    store,
		Finalizer: finalize.NewService(store, store, logger),
		Registry:  reconcile.NewRegistry(0, logger),
		Locker:    locker,
		LockTTL:   cfg.Lottery.FinalizeLockTTL,
		Logger:    logger,
	})

	w := &jobWorker{
		log:      logger,
		queue:    finalizeQueue,
		statuses: store,
		service:  service,
	}

	logger.Info().Str("backend", cfg.Queues.Backend).Msg("worker: запуск обработки очереди")
	w.Run(ctx)
	logger.Info().Msg("worker: остановлен")
}

// finalizer выполняет фиксацию даты по задаче из очереди.
type finalizer interface {
	Finalize(ctx context.Context, date time.Time) (finalize.Result, error)
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.FinalizeQueue
	statuses domain.FinalizeJobStatusRepo
	service  finalizer
	sleep    func(time.Duration)
}

const maxDeliveryAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) pause() {
	if w.sleep != nil {
		w.sleep(time.Second)
		return
	}
	time.Sleep(time.Second)
}

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			w.pause()
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("date", job.Date).
			Str("cause", string(job.Cause)).
			Str("requested_by", job.RequestedBy).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("worker: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		done, attempt, err := w.statuses.EnsureFinalizeJob(ctx, job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
			}
			w.pause()
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("worker: задача уже выполнена, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить выполненную задачу")
			}
			continue
		}

		outcome, res := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
			jobLog.Warn().Msg("worker: задача завершилась ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось вернуть задачу после ошибки")
			}
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("worker: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkFinalizeJobDone(ctx, job.ID, res.Committed, res.Failed()); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось пометить задачу завершённой")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу после ошибки статуса")
			}
			w.pause()
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу")
		}
	}
}

// handleJob фиксирует дату задачи. Повтор имеет смысл, пока остаются ошибки,
// не связанные с недопустимым переходом состояния: уже зафиксированные заявки пропускаются.
func (w *jobWorker) handleJob(ctx context.Context, job domain.FinalizeJob, jobLog zerolog.Logger) (jobOutcome, finalize.Result) {
	date, err := domain.ParseDate(job.Date)
	if err != nil {
		jobLog.Error().Err(err).Msg("worker: некорректная дата задачи")
		return jobOutcomeCompleted, finalize.Result{}
	}
	res, err := w.service.Finalize(ctx, date)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			jobLog.Warn().Err(err).Msg("worker: фиксация отклонена")
			return jobOutcomeCompleted, res
		}
		jobLog.Error().Err(err).Msg("worker: ошибка фиксации")
		return jobOutcomeRetry, res
	}
	jobLog.Info().Int("committed", res.Committed).Int("skipped", res.Skipped).Int("failed", res.Failed()).Msg("worker: фиксация выполнена")
	for _, ue := range res.Errors {
		if !errors.Is(ue, domain.ErrInvalidStateTransition) {
			return jobOutcomeRetry, res
		}
	}
	return jobOutcomeCompleted, res
}
