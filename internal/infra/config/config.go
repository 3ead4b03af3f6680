package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	TZ          string `envconfig:"TZ" default:"Europe/Moscow"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		// Backend выбирает транспорт очереди фиксации: redis или rabbitmq.
		Backend  string `envconfig:"FINALIZE_QUEUE_BACKEND" default:"redis"`
		Finalize string `envconfig:"FINALIZE_QUEUE_KEY" default:"lottery_finalize_jobs"`
	} `envconfig:""`

	Lottery struct {
		FastMaxMinutes   float64       `envconfig:"SPEED_FAST_MAX_MINUTES" default:"235"`
		SlowMinMinutes   float64       `envconfig:"SPEED_SLOW_MIN_MINUTES" default:"246"`
		MissWeight       float64       `envconfig:"FAIRNESS_MISS_WEIGHT" default:"5"`
		FallbackWeight   float64       `envconfig:"FAIRNESS_FALLBACK_WEIGHT" default:"8"`
		UnassignedWeight float64       `envconfig:"FAIRNESS_UNASSIGNED_WEIGHT" default:"10"`
		RoundsWindow     int           `envconfig:"PACE_ROUNDS_WINDOW" default:"10"`
		SessionIdleTTL   time.Duration `envconfig:"RECONCILE_SESSION_IDLE_TTL" default:"1h"`
		JanitorInterval  time.Duration `envconfig:"RECONCILE_JANITOR_INTERVAL" default:"10m"`
		FinalizeLockTTL  time.Duration `envconfig:"FINALIZE_LOCK_TTL" default:"5m"`
		MaintenanceEvery time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"24h"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Файл .env, если он есть, читается первым.
func Load() AppConfig {
	_ = godotenv.Load()
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
