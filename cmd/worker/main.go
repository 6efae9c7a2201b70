package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wa-summary-bot/internal/adapters/evolution"
	"wa-summary-bot/internal/adapters/repo"
	"wa-summary-bot/internal/adapters/summarizer"
	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/config"
	"wa-summary-bot/internal/infra/db"
	applog "wa-summary-bot/internal/infra/log"
	"wa-summary-bot/internal/infra/metrics"
	"wa-summary-bot/internal/infra/openai"
	"wa-summary-bot/internal/infra/queue"
	connectionusecase "wa-summary-bot/internal/usecase/connection"
	deliveryusecase "wa-summary-bot/internal/usecase/delivery"
	"wa-summary-bot/internal/usecase/ingest"
	"wa-summary-bot/internal/usecase/schedule"
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
		log.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	var summaryQueue domain.SummaryQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitSummaryQueue(cfg.RabbitURL, cfg.Queues.Summary)
		if err != nil {
			log.Fatal().Err(err).Msg("worker: нет подключения к RabbitMQ")
		}
		defer rabbitQueue.Close()
		summaryQueue = rabbitQueue
	} else {
		summaryQueue = queue.NewRedisSummaryQueue(redisClient, cfg.Queues.Summary)
	}

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

	go metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.MetricsPort))

	logger.Info().Str("queue", cfg.Queues.Summary).Msg("воркер запущен")
	for {
		job, err := summaryQueue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("воркер останавливается")
				return
			}
			logger.Error().Err(err).Msg("чтение задачи не удалось")
			time.Sleep(time.Second)
			continue
		}
		processJob(ctx, logger, job, repoAdapter, summaryService, deliveryService, connectionService, cfg.Scheduler.UTCOffset)
	}
}

// processJob выполняет одну задачу генерации. Ошибки логируются и не
// останавливают цикл: ручной повтор всегда возможен через API.
func processJob(
	ctx context.Context,
	logger zerolog.Logger,
	job domain.SummaryJob,
	repoAdapter *repo.Postgres,
	summaryService *summaryusecase.Service,
	deliveryService *deliveryusecase.Service,
	connectionService *connectionusecase.Service,
	utcOffset int,
) {
	metrics.IncSummaryRun(string(job.Cause))

	at := job.RequestedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	// Дата резюме считается по местному дню продукта, как в часовом слоте.
	date := schedule.LocalDate(at, utcOffset)

	res, err := summaryService.GenerateForUser(ctx, job.UserID, date)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Int64("user_id", job.UserID).Msg("генерация резюме не удалась")
		if errors.Is(err, domain.ErrInstanceNotFound) {
			if archiveErr := connectionService.Archive(ctx, job.UserID, "instance_not_found"); archiveErr != nil {
				logger.Error().Err(archiveErr).Int64("user_id", job.UserID).Msg("архивирование привязки не удалось")
			}
		}
		return
	}

	prefs, err := repoAdapter.PreferencesByUser(ctx, job.UserID)
	if err != nil {
		logger.Error().Err(err).Int64("user_id", job.UserID).Msg("чтение настроек не удалось")
		return
	}
	if !prefs.SendSummaryToGroup {
		logger.Info().Str("job_id", job.ID).Int("generated", res.Generated).Msg("доставка отключена настройками")
		return
	}

	conn, err := repoAdapter.ActiveByUser(ctx, job.UserID)
	if err != nil {
		logger.Error().Err(err).Int64("user_id", job.UserID).Msg("привязка исчезла до доставки")
		return
	}

	delivered := 0
	for _, group := range res.Groups {
		if group.Summary == nil {
			continue
		}
		if job.GroupJID != "" && group.GroupJID != job.GroupJID {
			continue
		}
		outcome, err := deliveryService.Deliver(ctx, conn.InstanceName, *group.Summary)
		if err != nil {
			logger.Error().Err(err).Str("group_jid", group.GroupJID).Msg("доставка резюме не удалась")
			continue
		}
		if outcome == deliveryusecase.OutcomeSent {
			delivered++
		}
	}
	logger.Info().Str("job_id", job.ID).Int("generated", res.Generated).Int("delivered", delivered).Msg("задача выполнена")
}
