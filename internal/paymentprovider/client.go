// Package paymentprovider инкапсулирует работу с API Stripe: создание
// checkout-сессий, сессий портала самообслуживания и чтение подписок.
// Поверх SDK заведены функции-поля, чтобы в тестах подменять вызовы
// без сетевых обращений.
package paymentprovider

import (
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// MetadataAccountKey ключ метаданных, в котором checkout-сессия и
// подписка несут идентификатор аккаунта для обратной связки в вебхуке.
const MetadataAccountKey = "account_id"

// Config параметры клиента: ключ API, прайс и URL-ы редиректов.
type Config struct {
	SecretKey    string
	PriceID      string
	TrialDays    int64
	SuccessURL   string
	CancelURL    string
	PortalReturn string
}

// Client клиент провайдера биллинга.
type Client struct {
	cfg Config

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortalSession   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	getSubscription       func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// NewClient создаёт клиент Stripe с переданной конфигурацией.
func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{
		cfg:                   cfg,
		createCheckoutSession: checkoutsession.New,
		createPortalSession:   portalsession.New,
		getSubscription:       stripesub.Get,
	}
}

// CheckoutOverrides необязательные переопределения URL-ов редиректа
// для конкретной checkout-сессии; пустые поля берутся из конфигурации.
type CheckoutOverrides struct {
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession создаёт checkout-сессию подписки с вшитым
// идентификатором аккаунта (client_reference_id плюс метаданные сессии
// и самой подписки), чтобы вебхук мог связать событие с аккаунтом.
func (c *Client) CreateCheckoutSession(accountID, email string, overrides CheckoutOverrides) (string, error) {
	const op = "paymentprovider.CreateCheckoutSession"

	successURL := c.cfg.SuccessURL
	if overrides.SuccessURL != "" {
		successURL = overrides.SuccessURL
	}
	cancelURL := c.cfg.CancelURL
	if overrides.CancelURL != "" {
		cancelURL = overrides.CancelURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.cfg.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(accountID),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			TrialPeriodDays: stripe.Int64(c.cfg.TrialDays),
			Metadata: map[string]string{
				MetadataAccountKey: accountID,
			},
		},
		Metadata: map[string]string{
			MetadataAccountKey: accountID,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	session, err := c.createCheckoutSession(params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if session == nil || session.URL == "" {
		return "", fmt.Errorf("%s: provider returned empty checkout url", op)
	}
	return session.URL, nil
}

// CreatePortalSession создаёт сессию портала самообслуживания для
// уже известного покупателя провайдера.
func (c *Client) CreatePortalSession(customerID string) (string, error) {
	const op = "paymentprovider.CreatePortalSession"

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.cfg.PortalReturn),
	}
	session, err := c.createPortalSession(params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if session == nil || session.URL == "" {
		return "", fmt.Errorf("%s: provider returned empty portal url", op)
	}
	return session.URL, nil
}

// ResolveSubscription дочитывает подписку у провайдера, когда событие
// не принесло всех полей: статус, покупателя, конец периода и
// идентификатор аккаунта из метаданных.
func (c *Client) ResolveSubscription(subscriptionID string) (*ResolvedSubscription, error) {
	const op = "paymentprovider.ResolveSubscription"

	sub, err := c.getSubscription(subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return resolveFromSubscription(sub), nil
}
