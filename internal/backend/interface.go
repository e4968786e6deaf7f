// Package backend opens the record store and the inconsistency channel the
// configuration asks for.
package backend

import (
	"chitieu/internal/events"
	"chitieu/internal/store"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// StoreResult contains the store instance and its cleanup function
type StoreResult struct {
	Store   store.Store
	Cleanup CleanupFunc
}

// Config holds configuration for backend creation
type Config struct {
	Type StoreType

	SQLiteDBPath  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	Events       EventsType
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

// StoreType names a record store implementation
type StoreType string

const (
	MemoryStore   StoreType = "memory"
	SQLiteStore   StoreType = "sqlite"
	PostgresStore StoreType = "postgres"
	MongoStore    StoreType = "mongo"
)

// String implements fmt.Stringer
func (t StoreType) String() string {
	return string(t)
}

// IsValid returns true if the store type is valid
func (t StoreType) IsValid() bool {
	switch t {
	case MemoryStore, SQLiteStore, PostgresStore, MongoStore:
		return true
	default:
		return false
	}
}

// EventsType names the transport for inconsistency notifications
type EventsType string

const (
	NoEvents    EventsType = "none"
	AMQPEvents  EventsType = "amqp"
	KafkaEvents EventsType = "kafka"
)

func (t EventsType) IsValid() bool {
	switch t {
	case NoEvents, AMQPEvents, KafkaEvents:
		return true
	default:
		return false
	}
}

// Publisher pairs a publisher with the func that releases it.
type Publisher struct {
	events.Publisher
	Cleanup CleanupFunc
}
