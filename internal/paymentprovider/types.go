package paymentprovider

import (
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// ResolvedSubscription результат дочитывания подписки у провайдера.
// AccountID пустой, если метаданные подписки не несут аккаунт.
type ResolvedSubscription struct {
	SubscriptionID string
	CustomerID     string
	AccountID      string
	Status         string
	PeriodEnd      *time.Time
}

func resolveFromSubscription(sub *stripe.Subscription) *ResolvedSubscription {
	if sub == nil {
		return &ResolvedSubscription{}
	}

	resolved := &ResolvedSubscription{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}
	if sub.Customer != nil {
		resolved.CustomerID = sub.Customer.ID
	}
	if sub.Metadata != nil {
		resolved.AccountID = sub.Metadata[MetadataAccountKey]
	}
	// Конец периода провайдер отдаёт на позиции подписки.
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				resolved.PeriodEnd = &t
				break
			}
		}
	}
	return resolved
}
