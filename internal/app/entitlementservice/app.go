package entitlementservice

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/dayssupplyrx/entitlement-service/internal/billing"
	"github.com/dayssupplyrx/entitlement-service/internal/cache"
	"github.com/dayssupplyrx/entitlement-service/internal/config"
	"github.com/dayssupplyrx/entitlement-service/internal/http/handlers/entitlement/status"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/identity"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/migrations"
	"github.com/dayssupplyrx/entitlement-service/internal/paymentprovider"
	"github.com/dayssupplyrx/entitlement-service/internal/rabbitmq"
	billingservice "github.com/dayssupplyrx/entitlement-service/internal/services/billing"
	entitlementsvc "github.com/dayssupplyrx/entitlement-service/internal/services/entitlement"
	"github.com/dayssupplyrx/entitlement-service/internal/storage/repository"
)

// App HTTP-приложение сервиса доступа.
type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
	conn   *amqp.Connection
	ch     *amqp.Channel
}

// New собирает зависимости: хранилище с миграциями, кеш, брокер,
// клиент провайдера и маршруты. Недоступный брокер не фатален —
// сервис работает без публикации событий.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	var (
		conn      *amqp.Connection
		ch        *amqp.Channel
		publisher billingservice.Publisher
	)
	if cfg.RabbitMQ.URL != "" {
		conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, 5, 3*time.Second)
		if err != nil {
			logger.Warn("rabbitmq unavailable, events will not be published", sl.Err(err))
		} else {
			ch, err = rabbitmq.SetupChannel(conn, rabbitmq.GetBillingQueues())
			if err != nil {
				logger.Warn("rabbitmq channel setup failed", sl.Err(err))
			} else {
				publisher = rabbitmq.NewPublisher(ch)
			}
		}
	}

	provider := paymentprovider.NewClient(paymentprovider.Config{
		SecretKey:    cfg.Stripe.SecretKey,
		PriceID:      cfg.Stripe.PriceID,
		TrialDays:    cfg.Stripe.TrialDays,
		SuccessURL:   cfg.Stripe.SuccessURL,
		CancelURL:    cfg.Stripe.CancelURL,
		PortalReturn: cfg.Stripe.PortalReturn,
	})

	billingSvc := billingservice.New(db, cacheRedis, publisher, logger)
	entitlementSvc := entitlementsvc.New(db, cacheRedis, logger)
	normalizer := billing.NewNormalizer(provider, logger)
	validator := identity.NewValidator(cfg.Identity.JWTSecretKey, cfg.Identity.Audience)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, db, billingSvc, entitlementSvc, normalizer, provider, validator,
		cfg.Stripe.WebhookSecret, status.Options{
			ScreenshotMode: cfg.Gating.ScreenshotMode,
			GatingDisabled: cfg.Gating.Disabled,
		})

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
		conn:   conn,
		ch:     ch,
	}, nil
}

// Run запускает HTTP-сервер и останавливает его по отмене контекста.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		if a.ch != nil {
			if cerr := a.ch.Close(); cerr != nil {
				a.logger.Error("failed to close channel", sl.Err(cerr))
			}
		}
		if a.conn != nil {
			if cerr := a.conn.Close(); cerr != nil {
				a.logger.Error("failed to close connection", sl.Err(cerr))
			}
		}
		if cerr := a.db.DB.Close(); cerr != nil {
			a.logger.Error("failed to close database", sl.Err(cerr))
		}
		return err
	}
}
