package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"wa-summary-bot/internal/adapters/evolution"
	"wa-summary-bot/internal/adapters/repo"
	"wa-summary-bot/internal/adapters/summarizer"
	"wa-summary-bot/internal/infra/cache"
	"wa-summary-bot/internal/infra/config"
	"wa-summary-bot/internal/infra/db"
	applog "wa-summary-bot/internal/infra/log"
	"wa-summary-bot/internal/infra/metrics"
	"wa-summary-bot/internal/infra/openai"
	connectionusecase "wa-summary-bot/internal/usecase/connection"
	deliveryusecase "wa-summary-bot/internal/usecase/delivery"
	"wa-summary-bot/internal/usecase/ingest"
	scheduleusecase "wa-summary-bot/internal/usecase/schedule"
	summaryusecase "wa-summary-bot/internal/usecase/summary"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	repoAdapter := repo.NewPostgres(pool)
	gateway := evolution.NewClient(evolution.Config{
		BaseURL: cfg.Evolution.BaseURL,
		APIKey:  cfg.Evolution.APIKey,
		Timeout: cfg.Evolution.Timeout,
	})

	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	aiSummarizer := summarizer.NewOpenAI(openaiClient, cfg.OpenAI.ModelLight, cfg.OpenAI.ModelPremium, cfg.OpenAI.Timeout)
	fetcher := ingest.NewFetcher(gateway, cfg.Limits.FetchLimit, cfg.Limits.RecentLimit)

	connectionService := connectionusecase.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, gateway)
	summaryService := summaryusecase.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, fetcher, aiSummarizer)
	deliveryService := deliveryusecase.NewService(repoAdapter, gateway)
	scheduleService := scheduleusecase.NewService(
		cache.NewRedis(redisClient),
		repoAdapter,
		repoAdapter,
		repoAdapter,
		summaryService,
		deliveryService,
		connectionService,
		cfg.Scheduler.UTCOffset,
		logger.With().Str("component", "schedule").Logger(),
	)

	go metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.MetricsPort))

	c := cron.New()
	if _, err := c.AddFunc("0 * * * *", func() {
		if err := scheduleService.RunHourly(ctx); err != nil {
			logger.Error().Err(err).Msg("часовой слот завершился с ошибкой")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("scheduler: некорректное расписание")
	}
	c.Start()
	defer c.Stop()

	logger.Info().Int("utc_offset", cfg.Scheduler.UTCOffset).Msg("планировщик запущен")
	<-ctx.Done()
	logger.Info().Msg("планировщик останавливается")
}
