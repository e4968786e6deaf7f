package backend

import (
	"context"
	"fmt"

	"chitieu/internal/amqp"
	"chitieu/internal/events"
	"chitieu/internal/kafka"
	"chitieu/internal/log"
	"chitieu/internal/store"
	"chitieu/internal/store/memory"
	"chitieu/internal/store/mongo"
	"chitieu/internal/store/postgres"
	"chitieu/internal/store/sqlite"
)

// Factory opens stores and event transports from a Config
type Factory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) *Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &Factory{logger: logger.WithComponent(log.ComponentBackend)}
}

// OpenStore opens the configured record store.
func (f *Factory) OpenStore(ctx context.Context, config Config) (*StoreResult, error) {
	if !config.Type.IsValid() {
		return nil, fmt.Errorf("invalid backend type: %s", config.Type)
	}

	var (
		s   store.Store
		err error
	)
	switch config.Type {
	case MemoryStore:
		s = memory.New()
		f.logger.Warn("Using in-memory store, data is lost on restart")
	case SQLiteStore:
		s, err = sqlite.New(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		f.logger.Info("Initialized SQLite store", "db_path", config.SQLiteDBPath)
	case PostgresStore:
		s, err = postgres.New(ctx, config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
		}
		f.logger.Info("Initialized Postgres store")
	case MongoStore:
		s, err = mongo.New(ctx, config.MongoURI, config.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Mongo store: %w", err)
		}
		f.logger.Info("Initialized Mongo store", "database", config.MongoDatabase)
	}

	_, transactional := s.(store.Transactional)
	f.logger.Info("Record store ready", "type", config.Type.String(), "transactional", transactional)
	return &StoreResult{Store: s, Cleanup: s.Close}, nil
}

// OpenPublisher returns the inconsistency publisher. A broker that cannot be
// reached is not fatal: discrepancies are durable and the repair sweep finds
// them without a notification.
func (f *Factory) OpenPublisher(config Config) *Publisher {
	switch config.Events {
	case AMQPEvents:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without notifications", log.FieldError, err)
			return nopPublisher()
		}
		f.logger.Info("Initialized AMQP publisher",
			"exchange", config.AMQPExchange,
			"queue", config.AMQPQueue)
		return &Publisher{Publisher: client, Cleanup: client.Close}
	case KafkaEvents:
		p := kafka.NewPublisher(config.KafkaBrokers, config.KafkaTopic, f.logger)
		f.logger.Info("Initialized Kafka publisher", "topic", config.KafkaTopic)
		return &Publisher{Publisher: p, Cleanup: p.Close}
	default:
		return nopPublisher()
	}
}

// OpenConsumer returns the inconsistency consumer, or nil when notifications
// are disabled.
func (f *Factory) OpenConsumer(config Config) (events.Consumer, error) {
	switch config.Events {
	case AMQPEvents:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
		}
		return client, nil
	case KafkaEvents:
		return kafka.NewConsumer(config.KafkaBrokers, config.KafkaTopic, config.KafkaGroupID, f.logger), nil
	default:
		return nil, nil
	}
}

func nopPublisher() *Publisher {
	return &Publisher{Publisher: events.Nop{}, Cleanup: events.Nop{}.Close}
}
