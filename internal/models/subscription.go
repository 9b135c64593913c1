// Package models содержит доменные структуры биллинга: нормализованную
// запись подписки, перечисление статусов жизненного цикла и производное
// представление доступа (entitlement), которое отдаётся клиентам.
package models

import "time"

// Status нормализованный статус подписки в нашей системе,
// независимый от строк провайдера биллинга.
type Status string

// Перечисление допустимых статусов. Всё, что провайдер присылает
// сверх этого списка, приводится к StatusUnknown.
const (
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
	StatusUnknown    Status = "unknown"

	// StatusNoUser терминальное состояние "нет аутентифицированного
	// пользователя". В хранилище никогда не пишется, существует только
	// в ответах о доступе.
	StatusNoUser Status = "no_user"
)

// ParseStatus приводит строку провайдера к нормализованному статусу.
func ParseStatus(raw string) Status {
	switch Status(raw) {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete:
		return Status(raw)
	default:
		return StatusUnknown
	}
}

// IsPro сообщает, даёт ли статус сам по себе право на доступ
// (без учёта срока действия периода).
func (s Status) IsPro() bool {
	return s == StatusTrialing || s == StatusActive
}

// SubscriptionRecord единственная персистентная сущность: состояние
// подписки, записанное обработчиком вебхука. AccountID может быть nil,
// если событие провайдера пришло раньше, чем клиент связал свою сессию
// (гонка между редиректом с checkout и доставкой вебхука).
type SubscriptionRecord struct {
	AccountID              *string    // Идентификатор аккаунта во внешнем identity-провайдере
	ExternalSubscriptionID string     // Первичный ключ сверки, идентификатор подписки у провайдера
	ExternalCustomerID     string     // Вторичный ключ, идентификатор покупателя у провайдера
	RawStatus              Status     // Нормализованный статус подписки
	PeriodEnd              *time.Time // Конец текущего оплаченного периода или триала, nil если ещё не известен
	UpdatedAt              time.Time  // Время последней записи, монотонно растёт
}

// EntitlementView производное, неперсистентное представление доступа,
// вычисляемое из записи подписки и текущего времени.
type EntitlementView struct {
	IsEntitled      bool       `json:"is_entitled"`
	EffectiveStatus Status     `json:"effective_status"`
	RawStatus       Status     `json:"status"`
	DaysRemaining   *int       `json:"trial_days_remaining,omitempty"`
	PeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	SubscriptionID  string     `json:"external_subscription_id,omitempty"`
	CustomerID      string     `json:"external_customer_id,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}
