package amqp

import (
	"time"

	"github.com/rabbitmq/amqp091-go"

	"chitieu/internal/events"
)

// publishing wraps an inconsistency notification in a persistent AMQP message
func publishing(msg *events.Inconsistency) (amqp091.Publishing, error) {
	body, err := msg.ToJSON()
	if err != nil {
		return amqp091.Publishing{}, err
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.DiscrepancyID,
		Timestamp:    time.Now(),
		Type:         "ledger.inconsistency",
		Body:         body,
	}, nil
}
