// Package billing разбирает события провайдера биллинга и приводит их
// к нормализованному виду. Каждый вид события разбирается явным шагом
// parse-and-validate в минимальную структуру; нераспознанная форма
// ведёт к пропуску события, а не к чтению отсутствующих полей.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/models"
	"github.com/dayssupplyrx/entitlement-service/internal/paymentprovider"
)

// ErrSkipEvent означает, что событие неполно (нет идентификатора
// подписки) и никогда не станет обрабатываемым: его нужно пропустить и
// подтвердить получение, чтобы провайдер не устраивал шторм повторов.
var ErrSkipEvent = errors.New("event skipped: no subscription id")

// SubscriptionResolver дочитывает подписку у провайдера, когда событие
// не принесло всех нужных полей.
type SubscriptionResolver interface {
	ResolveSubscription(subscriptionID string) (*paymentprovider.ResolvedSubscription, error)
}

// Normalizer приводит события провайдера к models.NormalizedEvent.
type Normalizer struct {
	resolver SubscriptionResolver
	log      *slog.Logger
}

// NewNormalizer создаёт нормализатор событий.
func NewNormalizer(resolver SubscriptionResolver, log *slog.Logger) *Normalizer {
	return &Normalizer{
		resolver: resolver,
		log:      log,
	}
}

// Normalize разбирает событие провайдера. Возвращает (nil, nil) для
// видов событий, которые система не обрабатывает, и ErrSkipEvent для
// событий без идентификатора подписки.
func (n *Normalizer) Normalize(_ context.Context, event *stripe.Event) (*models.NormalizedEvent, error) {
	const op = "billing.Normalize"

	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSessionPayload
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%s: decode checkout.session: %w", op, err)
		}
		return n.normalizeCheckout(&session)

	case "invoice.payment_succeeded", "invoice.paid":
		var invoice invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%s: decode invoice: %w", op, err)
		}
		return n.normalizeInvoice(&invoice, models.EventInvoicePaid)

	case "invoice.payment_failed":
		var invoice invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%s: decode invoice: %w", op, err)
		}
		return n.normalizeInvoice(&invoice, models.EventInvoicePaymentFailed)

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%s: decode subscription: %w", op, err)
		}
		return n.normalizeSubscription(&sub, event.Type)

	default:
		n.log.Info("ignored webhook event", slog.String("event", string(event.Type)))
		return nil, nil
	}
}

func (n *Normalizer) normalizeCheckout(session *checkoutSessionPayload) (*models.NormalizedEvent, error) {
	if session.Subscription == "" {
		n.log.Warn("checkout.session.completed: missing subscription id",
			slog.String("session_id", session.ID))
		return nil, ErrSkipEvent
	}

	accountID := session.ClientReferenceID
	if accountID == "" {
		accountID = session.Metadata[paymentprovider.MetadataAccountKey]
	}

	normalized := &models.NormalizedEvent{
		Kind:           models.EventCheckoutCompleted,
		SubscriptionID: session.Subscription,
		CustomerID:     session.Customer,
		// Оптимистичный статус: checkout открывает триал; настоящий
		// статус дочитывается у провайдера ниже.
		RawStatus: models.StatusTrialing,
	}

	resolved, err := n.resolver.ResolveSubscription(session.Subscription)
	if err != nil {
		// Дочитать не удалось: событие всё равно обрабатываем с тем,
		// что есть, конец периода запишет следующее событие.
		n.log.Warn("failed to resolve subscription, using checkout fields only",
			slog.String("subscription_id", session.Subscription), sl.Err(err))
	} else {
		if resolved.Status != "" {
			normalized.RawStatus = models.ParseStatus(resolved.Status)
		}
		normalized.PeriodEnd = resolved.PeriodEnd
		if normalized.CustomerID == "" {
			normalized.CustomerID = resolved.CustomerID
		}
		if accountID == "" {
			accountID = resolved.AccountID
		}
	}

	if accountID != "" {
		normalized.AccountID = &accountID
	}
	return normalized, nil
}

func (n *Normalizer) normalizeInvoice(invoice *invoicePayload, kind models.EventKind) (*models.NormalizedEvent, error) {
	subscriptionID := string(invoice.Subscription)
	if subscriptionID == "" {
		n.log.Warn("invoice event: missing subscription id", slog.String("invoice_id", invoice.ID))
		return nil, ErrSkipEvent
	}

	normalized := &models.NormalizedEvent{
		Kind:           kind,
		SubscriptionID: subscriptionID,
		CustomerID:     invoice.Customer,
	}

	switch kind {
	case models.EventInvoicePaid:
		// Оплаченный счёт означает доступ сейчас, даже если объект
		// подписки у провайдера ещё не догнал.
		normalized.RawStatus = models.StatusActive
	default:
		normalized.RawStatus = models.StatusPastDue
	}

	resolved, err := n.resolver.ResolveSubscription(subscriptionID)
	if err != nil {
		n.log.Warn("failed to resolve subscription for invoice event",
			slog.String("subscription_id", subscriptionID), sl.Err(err))
		return normalized, nil
	}

	if kind != models.EventInvoicePaid && resolved.Status != "" {
		normalized.RawStatus = models.ParseStatus(resolved.Status)
	}
	normalized.PeriodEnd = resolved.PeriodEnd
	if normalized.CustomerID == "" {
		normalized.CustomerID = resolved.CustomerID
	}
	if resolved.AccountID != "" {
		accountID := resolved.AccountID
		normalized.AccountID = &accountID
	}
	return normalized, nil
}

func (n *Normalizer) normalizeSubscription(sub *subscriptionPayload, eventType stripe.EventType) (*models.NormalizedEvent, error) {
	if sub.ID == "" {
		n.log.Warn("subscription event: missing subscription id", slog.String("event", string(eventType)))
		return nil, ErrSkipEvent
	}

	normalized := &models.NormalizedEvent{
		SubscriptionID: sub.ID,
		CustomerID:     sub.Customer,
		RawStatus:      models.ParseStatus(sub.Status),
		PeriodEnd:      sub.periodEnd(),
	}

	switch eventType {
	case "customer.subscription.created":
		normalized.Kind = models.EventSubscriptionCreated
	case "customer.subscription.deleted":
		normalized.Kind = models.EventSubscriptionDeleted
		// Удаление подписки закрывает доступ независимо от поля status.
		normalized.RawStatus = models.StatusCanceled
	default:
		normalized.Kind = models.EventSubscriptionUpdated
	}

	if accountID := sub.Metadata[paymentprovider.MetadataAccountKey]; accountID != "" {
		normalized.AccountID = &accountID
	}
	return normalized, nil
}
