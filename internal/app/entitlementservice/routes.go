// Package entitlementservice собирает HTTP-приложение сервиса доступа:
// маршруты, зависимости и жизненный цикл сервера.
package entitlementservice

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/dayssupplyrx/entitlement-service/internal/http/handlers/billing/checkout"
	"github.com/dayssupplyrx/entitlement-service/internal/http/handlers/billing/portal"
	"github.com/dayssupplyrx/entitlement-service/internal/http/handlers/billing/webhook"
	"github.com/dayssupplyrx/entitlement-service/internal/http/handlers/entitlement/status"
	"github.com/dayssupplyrx/entitlement-service/internal/http/handlers/health"
	"github.com/dayssupplyrx/entitlement-service/internal/http/middlewarectx"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/identity"
	"github.com/dayssupplyrx/entitlement-service/internal/paymentprovider"
	billingservice "github.com/dayssupplyrx/entitlement-service/internal/services/billing"
	entitlementservice "github.com/dayssupplyrx/entitlement-service/internal/services/entitlement"
	"github.com/dayssupplyrx/entitlement-service/internal/storage/repository"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(
	r chi.Router,
	logger *slog.Logger,
	db *repository.Storage,
	billingSvc *billingservice.Service,
	entitlementSvc *entitlementservice.Service,
	normalizer webhook.Normalizer,
	provider *paymentprovider.Client,
	validator *identity.Validator,
	webhookSecret string,
	gating status.Options,
) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	webhookHandler := webhook.New(logger, normalizer, billingSvc, webhookSecret)
	statusHandler := status.New(logger, entitlementSvc, validator, gating)

	r.Route("/api/v1", func(r chi.Router) {
		// Вебхук провайдера: без аутентификации, подпись проверяется
		// самим обработчиком. GET — проверка живости маршрута.
		r.Post("/billing/webhook", webhookHandler.ServeHTTP)
		r.Get("/billing/webhook", webhookHandler.Liveness)

		// Статус доступа всегда отвечает 200 и сам разбирает токен,
		// поэтому стоит вне группы аутентификации.
		r.Get("/entitlement", statusHandler.ServeHTTP)

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.AuthMiddleware(validator, gating.GatingDisabled, logger))
			r.Use(middlewarectx.RateLimitMiddleware(logger))
			r.Post("/billing/checkout", checkout.New(logger, provider).ServeHTTP)
			r.Post("/billing/portal", portal.New(logger, entitlementSvc, provider).ServeHTTP)
		})
	})

	r.Get("/health", health.New(logger, db).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
