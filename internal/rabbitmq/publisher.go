package rabbitmq

import (
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// PublishMessage публикует сообщение в RabbitMQ.
func PublishMessage(ch *amqp.Channel, exchange string, routingkey string, message any) error {
	const op = "rabbitmq.PublishMessage"
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = ch.Publish(
		exchange,
		routingkey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Publisher публикует сообщения в обменник биллинга от имени сервисов.
type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher создаёт публикатор поверх открытого канала.
func NewPublisher(ch *amqp.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish отправляет сообщение с указанным ключом маршрутизации.
func (p *Publisher) Publish(routingKey string, message any) error {
	return PublishMessage(p.ch, BillingExchange, routingKey, message)
}
