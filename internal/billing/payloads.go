package billing

import (
	"bytes"
	"encoding/json"
	"time"
)

// Минимальные структуры полезных нагрузок вебхука. Разбираются из
// event.Data.Raw; всё, что не описано здесь, сознательно игнорируется.

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID           string     `json:"id"`
	Customer     string     `json:"customer"`
	Subscription flexibleID `json:"subscription"`
}

type subscriptionPayload struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	Metadata         map[string]string `json:"metadata"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd возвращает конец периода из самой подписки либо с первой
// позиции: в зависимости от версии API провайдера поле приходит на
// разных уровнях.
func (p *subscriptionPayload) periodEnd() *time.Time {
	if p.CurrentPeriodEnd > 0 {
		t := time.Unix(p.CurrentPeriodEnd, 0).UTC()
		return &t
	}
	for _, item := range p.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			return &t
		}
	}
	return nil
}

// flexibleID идентификатор, который провайдер присылает либо строкой,
// либо вложенным объектом с полем id.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*f = flexibleID(obj.ID)
	return nil
}
