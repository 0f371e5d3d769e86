package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"planning-server/internal/interfaces"
)

const (
	// ExchangeStorageEvents is the fanout exchange for storage outcome events.
	ExchangeStorageEvents = "planning_storage_events"
)

// Compile-time check against the publisher interface.
var _ interfaces.StorageEventPublisher = (*RabbitMQStorageEventPublisher)(nil)

// RabbitMQStorageEventPublisher publishes storage events to RabbitMQ.
type RabbitMQStorageEventPublisher struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewRabbitMQStorageEventPublisher creates a publisher over an established
// connection. Reconnect handling stays with the code owning the connection.
func NewRabbitMQStorageEventPublisher(conn *amqp091.Connection) (*RabbitMQStorageEventPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Failed to open a channel")
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Durable fanout exchange so events survive a broker restart.
	err = ch.ExchangeDeclare(
		ExchangeStorageEvents, // name
		"fanout",              // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		_ = ch.Close()
		log.Error().Err(err).Str("exchange", ExchangeStorageEvents).Msg("Failed to declare exchange")
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", ExchangeStorageEvents, err)
	}

	log.Info().Str("exchange", ExchangeStorageEvents).Msg("Storage events exchange declared successfully")
	return &RabbitMQStorageEventPublisher{conn: conn, ch: ch}, nil
}

// PublishStorageEvent publishes one storage event.
func (p *RabbitMQStorageEventPublisher) PublishStorageEvent(ctx context.Context, event interfaces.StorageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Interface("event", event).Msg("Failed to marshal storage event")
		return fmt.Errorf("failed to marshal storage event: %w", err)
	}

	err = p.ch.PublishWithContext(ctx,
		ExchangeStorageEvents, // exchange
		"",                    // routing key (unused for fanout)
		false,                 // mandatory
		false,                 // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		log.Error().Err(err).Str("eventType", string(event.EventType)).Msg("Failed to publish storage event")
		return fmt.Errorf("failed to publish storage event: %w", err)
	}

	log.Debug().Str("eventType", string(event.EventType)).Str("contentID", event.ContentID).Msg("Storage event published")
	return nil
}

// Close closes the publisher channel.
func (p *RabbitMQStorageEventPublisher) Close() error {
	return p.ch.Close()
}
