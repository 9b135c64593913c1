package rabbitmq

// BillingExchange имя exchange, в который публикуются события биллинга.
const BillingExchange = "billing"

// QueueConfig описывает очередь и ключ маршрутизации для неё.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetBillingQueues возвращает очереди конвейера уведомлений.
func GetBillingQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "billing.events", RoutingKey: "status-changed"},
		// при необходимости дополнительные очереди для других воркеров
	}
}
