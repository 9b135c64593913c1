// Package entitlement вычисляет представление доступа из записи
// подписки и текущего времени, а также отдаёт его по аккаунту с кешем
// перед хранилищем.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/models"
	billingservice "github.com/dayssupplyrx/entitlement-service/internal/services/billing"
	"github.com/dayssupplyrx/entitlement-service/internal/storage/repository"
)

// cacheTTL время жизни кешированного представления. Короткое: кеш
// защищает от пачек опросов поллера, а не заменяет хранилище.
const cacheTTL = 30 * time.Second

// Evaluate чистая функция (запись, время) -> представление доступа.
// Отсутствие конца периода трактуется оптимистично как "не истёк":
// провайдер дозаполняет его асинхронно, и это не должно блокировать
// доступ. Конец периода, равный now, считается истёкшим.
func Evaluate(rec *models.SubscriptionRecord, now time.Time) models.EntitlementView {
	if rec == nil {
		return models.EntitlementView{
			IsEntitled:      false,
			RawStatus:       models.StatusUnknown,
			EffectiveStatus: models.StatusUnknown,
		}
	}

	notExpired := rec.PeriodEnd == nil || rec.PeriodEnd.After(now)

	view := models.EntitlementView{
		RawStatus:       rec.RawStatus,
		EffectiveStatus: rec.RawStatus,
		PeriodEnd:       rec.PeriodEnd,
		SubscriptionID:  rec.ExternalSubscriptionID,
		CustomerID:      rec.ExternalCustomerID,
	}
	if !rec.UpdatedAt.IsZero() {
		updatedAt := rec.UpdatedAt
		view.UpdatedAt = &updatedAt
	}

	view.IsEntitled = rec.RawStatus.IsPro() && notExpired

	// Истёкший, но всё ещё помеченный trialing/active статус
	// понижается до canceled.
	if rec.RawStatus.IsPro() && !notExpired {
		view.EffectiveStatus = models.StatusCanceled
	}

	if view.EffectiveStatus == models.StatusTrialing && rec.PeriodEnd != nil {
		days := int(rec.PeriodEnd.Sub(now).Hours() / 24)
		if days < 0 {
			days = 0
		}
		view.DaysRemaining = &days
	}

	return view
}

// SubscriptionReader описывает чтение записей подписок.
type SubscriptionReader interface {
	ReadByAccount(ctx context.Context, accountID string) (*models.SubscriptionRecord, error)
}

// Cache описывает кеш представлений доступа.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
}

// Service отдаёт представление доступа по аккаунту.
type Service struct {
	repo  SubscriptionReader
	cache Cache
	log   *slog.Logger
	now   func() time.Time
}

// New создаёт сервис доступа.
func New(repo SubscriptionReader, cache Cache, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Status возвращает представление доступа аккаунта. Отсутствие записи —
// нормальный результат (не entitled, статус unknown), а не ошибка:
// это ключевой сигнал "вебхук ещё не записал".
func (s *Service) Status(ctx context.Context, accountID string) (models.EntitlementView, error) {
	const op = "services.entitlement.Status"

	key := billingservice.CacheKey(accountID)

	var cached models.EntitlementView
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.Warn("entitlement cache read failed", sl.Err(err))
	}
	if found {
		return cached, nil
	}

	rec, err := s.repo.ReadByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRecord) {
			return Evaluate(nil, s.now()), nil
		}
		return models.EntitlementView{}, fmt.Errorf("%s: %w", op, err)
	}

	view := Evaluate(rec, s.now())
	if err := s.cache.Set(ctx, key, view, cacheTTL); err != nil {
		s.log.Warn("entitlement cache write failed", sl.Err(err))
	}
	return view, nil
}

// CustomerID возвращает идентификатор покупателя у провайдера для
// аккаунта. Отсутствие записи отдаётся как repository.ErrNoRecord.
func (s *Service) CustomerID(ctx context.Context, accountID string) (string, error) {
	const op = "services.entitlement.CustomerID"

	rec, err := s.repo.ReadByAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRecord) {
			return "", repository.ErrNoRecord
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if rec.ExternalCustomerID == "" {
		return "", repository.ErrNoRecord
	}
	return rec.ExternalCustomerID, nil
}
