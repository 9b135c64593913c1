// Package webhook принимает события провайдера биллинга: проверяет
// подпись по сырым байтам тела, нормализует событие и передаёт его
// сервису биллинга. Пропущенные и неизвестные события подтверждаются
// кодом 200, чтобы провайдер не повторял недоставляемое; ошибка
// хранилища отдаётся кодом 500 — повтор доставки провайдером и есть
// единственный механизм ретрая.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/dayssupplyrx/entitlement-service/internal/billing"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/metrics"
	"github.com/dayssupplyrx/entitlement-service/internal/models"
)

// webhookBodyLimit ограничение на размер тела вебхука.
const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Normalizer приводит событие провайдера к нормализованному виду.
type Normalizer interface {
	Normalize(ctx context.Context, event *stripe.Event) (*models.NormalizedEvent, error)
}

// Service применяет нормализованное событие к хранилищу.
type Service interface {
	ProcessEvent(ctx context.Context, ev *models.NormalizedEvent) error
}

// Handler обработчик вебхука провайдера биллинга.
type Handler struct {
	log           *slog.Logger
	normalizer    Normalizer
	service       Service
	webhookSecret string
}

// New создаёт обработчик вебхука.
func New(log *slog.Logger, normalizer Normalizer, service Service, secret string) *Handler {
	return &Handler{
		log:           log,
		normalizer:    normalizer,
		service:       service,
		webhookSecret: secret,
	}
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Skipped  bool   `json:"skipped,omitempty"`
	Route    string `json:"route,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Liveness отвечает на GET: живой ли маршрут вебхука.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, receivedResponse{Received: true, Route: "billing-webhook"})
}

// ServeHTTP проверяет подпись события и передаёт его на обработку.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.webhook"
	log := h.log.With(slog.String("op", op))

	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		status = http.StatusBadRequest
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "failed to read request body"})
		return
	}
	defer func() { _ = r.Body.Close() }()

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		log.Error("missing webhook signature")
		status = http.StatusBadRequest
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "missing signature"})
		return
	}

	// Подпись считается по точным сырым байтам тела, не по
	// пересериализованной форме.
	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, h.webhookSecret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Error("invalid webhook signature", sl.Err(err))
		status = http.StatusBadRequest
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "invalid signature"})
		return
	}
	eventType = string(event.Type)

	normalized, err := h.normalizer.Normalize(r.Context(), &event)
	if err != nil {
		if errors.Is(err, billing.ErrSkipEvent) {
			// Событие никогда не станет обрабатываемым: подтверждаем,
			// чтобы провайдер не повторял его.
			log.Warn("webhook event skipped", slog.String("event", eventType))
			render.JSON(w, r, receivedResponse{Received: true, Skipped: true})
			return
		}
		log.Error("failed to normalize webhook event", slog.String("event", eventType), sl.Err(err))
		status = http.StatusBadRequest
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, errorResponse{Error: "malformed payload"})
		return
	}
	if normalized == nil {
		render.JSON(w, r, receivedResponse{Received: true, Skipped: true})
		return
	}

	if err := h.service.ProcessEvent(r.Context(), normalized); err != nil {
		log.Error("failed to process webhook event",
			slog.String("event", eventType), sl.Err(err))
		status = http.StatusInternalServerError
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Error: "processing failed"})
		return
	}

	log.Info("webhook processed successfully",
		slog.String("event", eventType),
		slog.String("subscription_id", normalized.SubscriptionID))
	render.JSON(w, r, receivedResponse{Received: true})
}
