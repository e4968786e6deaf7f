// Package kafka carries ledger inconsistency notifications over Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"chitieu/internal/events"
	"chitieu/internal/log"
)

var _ events.Publisher = (*Publisher)(nil)

type Publisher struct {
	writer *kafka.Writer
	logger *log.Logger
}

func NewPublisher(brokers []string, topic string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger.WithComponent(log.ComponentKafka),
	}
}

// PublishInconsistency writes the message keyed by membership id so all
// notifications for one membership land on the same partition.
func (p *Publisher) PublishInconsistency(ctx context.Context, msg *events.Inconsistency) error {
	km, err := message(msg)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}

	p.logger.InfoContext(ctx, "Published inconsistency message",
		log.FieldDiscrepancyID, msg.DiscrepancyID,
		log.FieldMembershipID, msg.MembershipID,
		"topic", p.writer.Topic)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func message(msg *events.Inconsistency) (kafka.Message, error) {
	data, err := msg.ToJSON()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal message: %w", err)
	}
	return kafka.Message{
		Key:   []byte(msg.MembershipID),
		Value: data,
		Time:  msg.Timestamp,
	}, nil
}

var _ events.Consumer = (*Consumer)(nil)

type Consumer struct {
	reader *kafka.Reader
	logger *log.Logger
}

func NewConsumer(brokers []string, topic, groupID string, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Discard()
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		logger: logger.WithComponent(log.ComponentKafka),
	}
}

// ConsumeInconsistencies commits a message only after handler succeeds. A
// failing handler stops consumption so the message is redelivered after the
// caller restarts.
func (c *Consumer) ConsumeInconsistencies(ctx context.Context, handler events.Handler) error {
	c.logger.InfoContext(ctx, "Started consuming inconsistency messages", "topic", c.reader.Config().Topic)

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		msg, err := events.InconsistencyFromJSON(km.Value)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to unmarshal message", log.FieldError, err, "offset", km.Offset)
			if err := c.reader.CommitMessages(ctx, km); err != nil {
				return fmt.Errorf("commit kafka message: %w", err)
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("handle message for membership %s: %w", msg.MembershipID, err)
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil {
			return fmt.Errorf("commit kafka message: %w", err)
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
