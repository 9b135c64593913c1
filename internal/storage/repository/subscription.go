package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dayssupplyrx/entitlement-service/internal/models"
)

// ErrNoRecord возвращается, когда для аккаунта нет записи подписки.
// Это ожидаемое отсутствие, а не сбой: вызывающие ветвятся по нему.
var ErrNoRecord = errors.New("subscription record not found")

// UpsertByAccount записывает нормализованный кортеж по ключу аккаунта.
// Если та же внешняя подписка уже числится за другой строкой — как
// "сирота" без аккаунта (вебхук пришёл раньше связывания сессии), так
// и перепривязка к другому аккаунту, — та строка удаляется в той же
// транзакции: её поля вытесняются полями текущего события, и на
// подписку остаётся ровно одна строка.
func (s *Storage) UpsertByAccount(ctx context.Context, rec models.SubscriptionRecord) error {
	const op = "storage.UpsertByAccount"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}
	if rec.AccountID == nil {
		return fmt.Errorf("%s: account id is required", op)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM subscriptions
		 WHERE external_subscription_id = $1 AND account_id IS DISTINCT FROM $2`,
		rec.ExternalSubscriptionID, *rec.AccountID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO subscriptions
			      (account_id, external_subscription_id, external_customer_id,
			       status, current_period_end, updated_at)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  ON CONFLICT (account_id) DO UPDATE
			  SET external_subscription_id = EXCLUDED.external_subscription_id,
			      external_customer_id = EXCLUDED.external_customer_id,
			      status = EXCLUDED.status,
			      current_period_end = EXCLUDED.current_period_end,
			      updated_at = GREATEST(EXCLUDED.updated_at, subscriptions.updated_at)`
	_, err = tx.ExecContext(ctx, query,
		*rec.AccountID, rec.ExternalSubscriptionID, rec.ExternalCustomerID,
		string(rec.RawStatus), rec.PeriodEnd, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// UpsertBySubscription записывает кортеж по ключу внешней подписки,
// когда аккаунт ещё не известен. Уже связанный account_id строки при
// этом не затирается.
func (s *Storage) UpsertBySubscription(ctx context.Context, rec models.SubscriptionRecord) error {
	const op = "storage.UpsertBySubscription"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO subscriptions
			      (account_id, external_subscription_id, external_customer_id,
			       status, current_period_end, updated_at)
			  VALUES (NULL, $1, $2, $3, $4, $5)
			  ON CONFLICT (external_subscription_id) DO UPDATE
			  SET external_customer_id = EXCLUDED.external_customer_id,
			      status = EXCLUDED.status,
			      current_period_end = EXCLUDED.current_period_end,
			      updated_at = GREATEST(EXCLUDED.updated_at, subscriptions.updated_at)`
	_, err := s.DB.ExecContext(ctx, query,
		rec.ExternalSubscriptionID, rec.ExternalCustomerID,
		string(rec.RawStatus), rec.PeriodEnd, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ReadByAccount возвращает запись подписки аккаунта или ErrNoRecord.
func (s *Storage) ReadByAccount(ctx context.Context, accountID string) (*models.SubscriptionRecord, error) {
	const op = "storage.ReadByAccount"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT account_id, external_subscription_id, external_customer_id,
			         status, current_period_end, updated_at
			  FROM subscriptions WHERE account_id = $1`
	row := s.DB.QueryRowContext(ctx, query, accountID)

	var result models.SubscriptionRecord
	var rawStatus string
	if err := row.Scan(&result.AccountID, &result.ExternalSubscriptionID,
		&result.ExternalCustomerID, &rawStatus, &result.PeriodEnd, &result.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result.RawStatus = models.ParseStatus(rawStatus)
	return &result, nil
}

// ReadBySubscription возвращает запись по идентификатору внешней подписки.
func (s *Storage) ReadBySubscription(ctx context.Context, subscriptionID string) (*models.SubscriptionRecord, error) {
	const op = "storage.ReadBySubscription"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT account_id, external_subscription_id, external_customer_id,
			         status, current_period_end, updated_at
			  FROM subscriptions WHERE external_subscription_id = $1`
	row := s.DB.QueryRowContext(ctx, query, subscriptionID)

	var result models.SubscriptionRecord
	var rawStatus string
	if err := row.Scan(&result.AccountID, &result.ExternalSubscriptionID,
		&result.ExternalCustomerID, &rawStatus, &result.PeriodEnd, &result.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result.RawStatus = models.ParseStatus(rawStatus)
	return &result, nil
}
