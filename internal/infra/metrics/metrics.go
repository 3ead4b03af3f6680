package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	AllocationRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lottery_allocation_run_seconds",
		Help:    "Время расчёта распределения",
		Buckets: prometheus.DefBuckets,
	})
	AllocationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_allocation_outcomes_total",
		Help: "Назначения по качеству",
	}, []string{"quality"})

	FinalizeCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lottery_finalize_committed_total",
		Help: "Зафиксированные назначения",
	})
	FinalizeSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lottery_finalize_skipped_total",
		Help: "Пропущенные при фиксации назначения",
	})
	FinalizeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_finalize_errors_total",
		Help: "Ошибки фиксации по типам",
	}, []string{"kind"})

	ReconcileOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_reconcile_operations_total",
		Help: "Операции сессий сверки",
	}, []string{"operation", "status"})
	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lottery_reconcile_open_sessions",
		Help: "Открытые сессии сверки",
	})

	MaintenanceProfiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lottery_maintenance_profiles_total",
		Help: "Профили, обработанные регламентным пересчётом",
	}, []string{"result"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		AllocationRunSeconds,
		AllocationOutcomes,
		FinalizeCommitted,
		FinalizeSkipped,
		FinalizeErrors,
		ReconcileOperations,
		OpenSessions,
		MaintenanceProfiles,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveAllocation записывает длительность расчёта и распределение по качеству.
func ObserveAllocation(start time.Time, preferred, alternate, fallback, unassigned int) {
	AllocationRunSeconds.Observe(time.Since(start).Seconds())
	AllocationOutcomes.WithLabelValues("preferred").Add(float64(preferred))
	AllocationOutcomes.WithLabelValues("alternate").Add(float64(alternate))
	AllocationOutcomes.WithLabelValues("fallback").Add(float64(fallback))
	AllocationOutcomes.WithLabelValues("unassigned").Add(float64(unassigned))
}

// ObserveFinalize записывает итог фиксации.
func ObserveFinalize(committed, skipped int) {
	FinalizeCommitted.Add(float64(committed))
	FinalizeSkipped.Add(float64(skipped))
}

// IncFinalizeError увеличивает счётчик ошибок фиксации.
func IncFinalizeError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	FinalizeErrors.WithLabelValues(kind).Inc()
}

// IncReconcile учитывает операцию сессии сверки.
func IncReconcile(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	ReconcileOperations.WithLabelValues(operation, status).Inc()
}

// IncMaintenance учитывает обработанный профиль.
func IncMaintenance(result string) {
	MaintenanceProfiles.WithLabelValues(result).Inc()
}
