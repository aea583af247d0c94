package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// FailureExchange 终态失败的 topic 交换机，routing key 为 <queue>.failed
	FailureExchange = "triage.failed"
)

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares a durable topic exchange.
func DeclareExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// RoutingKey returns the routing key for failures of a job queue.
func RoutingKey(queue string) string {
	return queue + ".failed"
}
