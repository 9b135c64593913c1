package models

import "time"

// EventKind вид события биллинга после нормализации.
type EventKind string

// Поддерживаемые виды событий провайдера.
const (
	EventCheckoutCompleted    EventKind = "checkout_completed"
	EventInvoicePaid          EventKind = "invoice_paid"
	EventInvoicePaymentFailed EventKind = "invoice_payment_failed"
	EventSubscriptionCreated  EventKind = "subscription_created"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
)

// NormalizedEvent результат разбора события провайдера: минимальный
// кортеж, который нужен для идемпотентной записи в хранилище.
// AccountID равен nil, если ни одно поле события не вело к аккаунту.
type NormalizedEvent struct {
	Kind           EventKind
	AccountID      *string
	SubscriptionID string
	CustomerID     string
	RawStatus      Status
	PeriodEnd      *time.Time
}
