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
	PairingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_requests_total",
		Help: "Запросы QR-привязки по исходу",
	}, []string{"outcome"})

	SummaryRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "summary_runs_total",
		Help: "Запуски генерации резюме по источнику",
	}, []string{"cause"})

	SummaryGroupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "summary_groups_total",
		Help: "Обработанные группы по коду результата",
	}, []string{"reason"})

	SummaryBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "summary_build_seconds",
		Help:    "Время генерации резюме одной группы",
		Buckets: prometheus.DefBuckets,
	})

	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_total",
		Help: "Отправки резюме в группы по статусу",
	}, []string{"status"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PairingRequestsTotal,
		SummaryRunsTotal,
		SummaryGroupsTotal,
		SummaryBuildSeconds,
		DeliveriesTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
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

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
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

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncPairing увеличивает счётчик запросов привязки.
func IncPairing(outcome string) {
	PairingRequestsTotal.WithLabelValues(outcome).Inc()
}

// IncSummaryRun увеличивает счётчик запусков генерации.
func IncSummaryRun(cause string) {
	SummaryRunsTotal.WithLabelValues(cause).Inc()
}

// IncSummaryGroup увеличивает счётчик обработанных групп.
func IncSummaryGroup(reason string) {
	SummaryGroupsTotal.WithLabelValues(reason).Inc()
}

// IncDelivery увеличивает счётчик доставок.
func IncDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}
