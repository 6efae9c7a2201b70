package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"wa-summary-bot/internal/adapters/evolution"
	"wa-summary-bot/internal/adapters/repo"
	"wa-summary-bot/internal/adapters/summarizer"
	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/cache"
	"wa-summary-bot/internal/infra/config"
	"wa-summary-bot/internal/infra/db"
	httpinfra "wa-summary-bot/internal/infra/http"
	applog "wa-summary-bot/internal/infra/log"
	"wa-summary-bot/internal/infra/metrics"
	"wa-summary-bot/internal/infra/openai"
	"wa-summary-bot/internal/infra/queue"
	connectionusecase "wa-summary-bot/internal/usecase/connection"
	deliveryusecase "wa-summary-bot/internal/usecase/delivery"
	groupsusecase "wa-summary-bot/internal/usecase/groups"
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
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	var summaryQueue domain.SummaryQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitSummaryQueue(cfg.RabbitURL, cfg.Queues.Summary)
		if err != nil {
			log.Fatal().Err(err).Msg("api: нет подключения к RabbitMQ")
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

	connectionService := connectionusecase.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, gateway)
	groupsService := groupsusecase.NewService(repoAdapter, repoAdapter, gateway)

	openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
	aiSummarizer := summarizer.NewOpenAI(openaiClient, cfg.OpenAI.ModelLight, cfg.OpenAI.ModelPremium, cfg.OpenAI.Timeout)
	fetcher := ingest.NewFetcher(gateway, cfg.Limits.FetchLimit, cfg.Limits.RecentLimit)
	summaryService := summaryusecase.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, repoAdapter, fetcher, aiSummarizer)
	deliveryService := deliveryusecase.NewService(repoAdapter, gateway)
	scheduleService := scheduleusecase.NewService(redisCache, repoAdapter, repoAdapter, repoAdapter, summaryService, deliveryService, connectionService, cfg.Scheduler.UTCOffset, logger.With().Str("component", "schedule").Logger())

	server := httpinfra.NewServer(logger)
	server.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(httpinfra.BearerAuthMiddleware(cfg.APIToken))

		r.Post("/connection/pairing", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UserID         int64  `json:"user_id"`
				ConnectionType string `json:"connection_type"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "нужен user_id")
				return
			}
			res, err := connectionService.RequestPairing(r.Context(), req.UserID, domain.ConnectionType(req.ConnectionType))
			if err != nil {
				logger.Error().Err(err).Int64("user_id", req.UserID).Msg("запрос привязки не удался")
				httpinfra.WriteError(w, http.StatusBadGateway, "привязка недоступна")
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, res)
		})

		r.Get("/connection/status", func(w http.ResponseWriter, r *http.Request) {
			instance := r.URL.Query().Get("instance")
			if instance == "" {
				httpinfra.WriteError(w, http.StatusBadRequest, "нужен instance")
				return
			}
			res, err := connectionService.PollStatus(r.Context(), instance)
			if errors.Is(err, domain.ErrConnectionNotFound) {
				httpinfra.WriteError(w, http.StatusNotFound, "привязка не найдена")
				return
			}
			if err != nil {
				logger.Error().Err(err).Str("instance", instance).Msg("опрос статуса не удался")
				httpinfra.WriteError(w, http.StatusBadGateway, "статус недоступен")
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, res)
		})

		r.Post("/connection/disconnect", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := decodeUserID(w, r)
			if !ok {
				return
			}
			if err := connectionService.Disconnect(r.Context(), userID); err != nil {
				if errors.Is(err, domain.ErrConnectionNotFound) {
					httpinfra.WriteError(w, http.StatusNotFound, "привязка не найдена")
					return
				}
				logger.Error().Err(err).Int64("user_id", userID).Msg("отключение не удалось")
				httpinfra.WriteError(w, http.StatusBadGateway, "отключение не удалось")
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
		})

		r.Post("/groups/sync", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := decodeUserID(w, r)
			if !ok {
				return
			}
			count, err := groupsService.Sync(r.Context(), userID)
			if errors.Is(err, groupsusecase.ErrNotConnected) {
				httpinfra.WriteError(w, http.StatusConflict, "сессия WhatsApp не подключена")
				return
			}
			if err != nil {
				logger.Error().Err(err).Int64("user_id", userID).Msg("синхронизация групп не удалась")
				httpinfra.WriteError(w, http.StatusBadGateway, "синхронизация не удалась")
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]int{"groups": count})
		})

		r.Get("/groups", func(w http.ResponseWriter, r *http.Request) {
			userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
			if err != nil || userID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "нужен user_id")
				return
			}
			groups, err := groupsService.List(r.Context(), userID)
			if err != nil {
				logger.Error().Err(err).Int64("user_id", userID).Msg("чтение групп не удалось")
				httpinfra.WriteError(w, http.StatusInternalServerError, "группы недоступны")
				return
			}
			items := make([]map[string]any, 0, len(groups))
			for _, g := range groups {
				items = append(items, map[string]any{
					"group_jid":         g.GroupJID,
					"name":              g.Name,
					"is_selected":       g.IsSelected,
					"participant_count": g.ParticipantCount,
				})
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"groups": items})
		})

		r.Put("/groups/{jid}/selected", func(w http.ResponseWriter, r *http.Request) {
			jid := chi.URLParam(r, "jid")
			var req struct {
				UserID   int64 `json:"user_id"`
				Selected bool  `json:"selected"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
				httpinfra.WriteError(w, http.StatusBadRequest, "нужен user_id")
				return
			}
			if err := groupsService.SetSelected(r.Context(), req.UserID, jid, req.Selected); err != nil {
				httpinfra.WriteError(w, http.StatusNotFound, "группа не найдена")
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"group_jid": jid, "selected": req.Selected})
		})

		r.Post("/summaries/run", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := decodeUserID(w, r)
			if !ok {
				return
			}
			job := domain.SummaryJob{
				ID:          uuid.NewString(),
				UserID:      userID,
				RequestedAt: time.Now().UTC(),
				Cause:       domain.SummaryCauseManual,
			}
			if err := summaryQueue.Enqueue(r.Context(), job); err != nil {
				logger.Error().Err(err).Int64("user_id", userID).Msg("постановка задачи не удалась")
				httpinfra.WriteError(w, http.StatusInternalServerError, "очередь недоступна")
				return
			}
			httpinfra.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
		})

		// Ручной пинок часового слота. Замок в Redis защищает от двойного
		// выполнения, если штатный планировщик уже отработал этот час.
		r.Post("/scheduler/run", func(w http.ResponseWriter, r *http.Request) {
			if err := scheduleService.RunHourly(r.Context()); err != nil {
				logger.Error().Err(err).Msg("ручной запуск слота не удался")
				httpinfra.WriteError(w, http.StatusInternalServerError, "запуск не удался")
				return
			}
			httpinfra.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	go metrics.StartServer(ctx, logger, fmt.Sprintf(":%d", cfg.MetricsPort))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Int("port", cfg.Port).Msg("api запущен")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("api: сервер остановился с ошибкой")
	}
}

func decodeUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "нужен user_id")
		return 0, false
	}
	return req.UserID, true
}
