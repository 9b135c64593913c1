// Package config предоставляет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек сервиса
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	Identity                `yaml:"identity"`
	Stripe                  `yaml:"stripe"`
	RabbitMQ                `yaml:"rabbitmq"`
	Gating                  `yaml:"gating"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env:"HTTP_ADDRESS" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env:"REDIS_ADDRESS"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user" env:"REDIS_USER"`
	DB           int           `yaml:"db" env-default:"0"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env-default:"3s"`
}

// Identity настройки валидации токенов внешнего identity-провайдера.
// Провайдер подписывает access-токены HS256 общим секретом;
// мы проверяем подпись локально, не ходя в провайдер.
type Identity struct {
	JWTSecretKey string `yaml:"jwt_secret_key" env:"IDENTITY_JWT_SECRET"`
	Audience     string `yaml:"audience" env-default:"authenticated"`
}

// Stripe настройки провайдера биллинга: ключи, прайс и URL-ы редиректов.
type Stripe struct {
	SecretKey     string `yaml:"secret_key" env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
	PriceID       string `yaml:"price_id" env:"STRIPE_PRICE_ID"`
	TrialDays     int64  `yaml:"trial_days" env-default:"30"`
	SuccessURL    string `yaml:"success_url"`
	CancelURL     string `yaml:"cancel_url"`
	PortalReturn  string `yaml:"portal_return_url"`
}

// RabbitMQ настройки подключения к брокеру уведомлений.
type RabbitMQ struct {
	URL string `yaml:"url" env:"RABBITMQ_URL"`
}

// Gating переключатели окружения, не являющиеся частью доменной логики:
// отключение гейтинга целиком для dev/demo сборок и режим скриншотов,
// в котором доступ всегда разрешён.
type Gating struct {
	Disabled       bool `yaml:"disabled" env:"GATING_DISABLED" env-default:"false"`
	ScreenshotMode bool `yaml:"screenshot_mode" env:"SCREENSHOT_MODE" env-default:"false"`
}

// MustLoad загружает конфиг по пути из CONFIG_PATH, при ошибке завершает процесс.
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("file: %s - does not exist", configPath)
	}
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return &cfg
}
