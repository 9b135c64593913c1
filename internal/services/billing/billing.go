// Package billing содержит бизнес-логику применения нормализованных
// событий биллинга: идемпотентную запись в хранилище, инвалидацию кеша
// и публикацию события для конвейера уведомлений.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/models"
)

// SubscriptionRepository описывает запись нормализованных кортежей.
type SubscriptionRepository interface {
	// UpsertByAccount пишет запись по ключу аккаунта, поглощая
	// сиротскую строку той же подписки.
	UpsertByAccount(ctx context.Context, rec models.SubscriptionRecord) error
	// UpsertBySubscription пишет запись по ключу внешней подписки,
	// когда аккаунт ещё не известен.
	UpsertBySubscription(ctx context.Context, rec models.SubscriptionRecord) error
}

// Cache описывает инвалидацию кешированных представлений доступа.
type Cache interface {
	Invalidate(ctx context.Context, key string) error
}

// Publisher публикует события биллинга для конвейера уведомлений.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// StatusChangedMessage сообщение для конвейера уведомлений.
type StatusChangedMessage struct {
	Kind           models.EventKind `json:"kind"`
	AccountID      *string          `json:"account_id,omitempty"`
	SubscriptionID string           `json:"subscription_id"`
	Status         models.Status    `json:"status"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// Service применяет нормализованные события к хранилищу.
type Service struct {
	repo      SubscriptionRepository
	cache     Cache
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

// New создаёт сервис биллинга. Publisher может быть nil, если брокер
// не сконфигурирован.
func New(repo SubscriptionRepository, cache Cache, publisher Publisher, log *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CacheKey ключ кеша представления доступа для аккаунта.
func CacheKey(accountID string) string {
	return "entitlement:" + accountID
}

// ProcessEvent записывает нормализованное событие. Повторная доставка
// того же события приводит хранилище в то же состояние: запись — это
// один идемпотентный upsert, это и есть весь протокол at-least-once.
func (s *Service) ProcessEvent(ctx context.Context, ev *models.NormalizedEvent) error {
	const op = "services.billing.ProcessEvent"

	rec := models.SubscriptionRecord{
		AccountID:              ev.AccountID,
		ExternalSubscriptionID: ev.SubscriptionID,
		ExternalCustomerID:     ev.CustomerID,
		RawStatus:              ev.RawStatus,
		PeriodEnd:              ev.PeriodEnd,
		UpdatedAt:              s.now(),
	}

	var err error
	if ev.AccountID != nil {
		err = s.repo.UpsertByAccount(ctx, rec)
	} else {
		err = s.repo.UpsertBySubscription(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if ev.AccountID != nil {
		if err := s.cache.Invalidate(ctx, CacheKey(*ev.AccountID)); err != nil {
			// Кеш короткоживущий, протухнет сам: запись важнее.
			s.log.Warn("failed to invalidate entitlement cache",
				slog.String("account_id", *ev.AccountID), sl.Err(err))
		}
	}

	if s.publisher != nil {
		msg := StatusChangedMessage{
			Kind:           ev.Kind,
			AccountID:      ev.AccountID,
			SubscriptionID: ev.SubscriptionID,
			Status:         ev.RawStatus,
			OccurredAt:     rec.UpdatedAt,
		}
		if err := s.publisher.Publish("status-changed", msg); err != nil {
			s.log.Warn("failed to publish billing event", sl.Err(err))
		}
	}

	s.log.Info("billing event processed",
		slog.String("kind", string(ev.Kind)),
		slog.String("subscription_id", ev.SubscriptionID),
		slog.String("status", string(ev.RawStatus)))
	return nil
}
