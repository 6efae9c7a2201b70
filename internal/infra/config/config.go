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
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsPort int    `envconfig:"METRICS_PORT" default:"9090"`
	APIToken    string `envconfig:"API_TOKEN"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Evolution struct {
		BaseURL string        `envconfig:"EVOLUTION_BASE_URL"`
		APIKey  string        `envconfig:"EVOLUTION_API_KEY"`
		Timeout time.Duration `envconfig:"EVOLUTION_TIMEOUT" default:"30s"`
	} `envconfig:""`

	OpenAI struct {
		APIKey       string        `envconfig:"OPENAI_API_KEY"`
		BaseURL      string        `envconfig:"OPENAI_BASE_URL"`
		ModelLight   string        `envconfig:"OPENAI_MODEL_LIGHT" default:"gpt-4o-mini"`
		ModelPremium string        `envconfig:"OPENAI_MODEL_PREMIUM" default:"gpt-4o"`
		Timeout      time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Scheduler struct {
		// UTCOffset — фиксированный сдвиг локального часа (без переходов
		// на летнее время); целевой регион живёт в UTC-3.
		UTCOffset int `envconfig:"SCHEDULER_UTC_OFFSET" default:"-3"`
	} `envconfig:""`

	Limits struct {
		FetchLimit  int `envconfig:"FETCH_MESSAGES_LIMIT" default:"500"`
		RecentLimit int `envconfig:"RECENT_MESSAGES_LIMIT" default:"1000"`
	} `envconfig:""`

	Queues struct {
		Summary string `envconfig:"SUMMARY_QUEUE_KEY" default:"summary_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Файл .env подхватывается, если есть.
func Load() AppConfig {
	_ = godotenv.Load()
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
