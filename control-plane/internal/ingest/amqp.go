package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig configures an AMQP queue consumer.
type AMQPConfig struct {
	URL      string
	Queue    string
	Prefetch int
	// ReconnectDelay between connection attempts.
	ReconnectDelay time.Duration
}

// AMQPSource consumes beats from a durable queue with manual acks.
// Malformed messages are rejected without requeue; anything else that fails
// is requeued.
type AMQPSource struct {
	config  AMQPConfig
	handler *Handler
	logger  *slog.Logger
}

// NewAMQPSource creates a new AMQP source.
func NewAMQPSource(cfg AMQPConfig, h *Handler, logger *slog.Logger) *AMQPSource {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &AMQPSource{
		config:  cfg,
		handler: h,
		logger:  logger.With("component", "amqp_source", "queue", cfg.Queue),
	}
}

// Run consumes until ctx is cancelled, reconnecting when the connection drops.
func (s *AMQPSource) Run(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			s.logger.Info("AMQP source stopping")
			return nil
		}
		s.logger.Error("AMQP consumer stopped, reconnecting",
			"error", err,
			"delay", s.config.ReconnectDelay,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.ReconnectDelay):
		}
	}
}

// consume runs one connection until it fails or ctx is cancelled.
func (s *AMQPSource) consume(ctx context.Context) error {
	conn, err := amqp.Dial(s.config.URL)
	if err != nil {
		return fmt.Errorf("connecting to AMQP: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(s.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("setting QoS: %w", err)
	}

	queue, err := ch.QueueDeclare(
		s.config.Queue, // name
		true,           // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}

	deliveries, err := ch.Consume(
		queue.Name,              // queue
		"beatmon-control-plane", // consumer tag
		false,                   // auto-ack
		false,                   // exclusive
		false,                   // no-local
		false,                   // no-wait
		nil,                     // args
	)
	if err != nil {
		return fmt.Errorf("registering consumer: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.logger.Info("AMQP source started", "prefetch", s.config.Prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.handleDelivery(d)
		}
	}
}

// handleDelivery records one delivery and settles it.
func (s *AMQPSource) handleDelivery(d amqp.Delivery) {
	device, _ := d.Headers["device"].(string)

	_, err := s.handler.Handle("amqp", device, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			s.logger.Warn("AMQP ack failed", "error", ackErr)
		}
	case errors.Is(err, ErrMalformed):
		s.logger.Warn("dropping malformed AMQP beat",
			"error", err,
			"message_id", d.MessageId,
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			s.logger.Warn("AMQP nack failed", "error", nackErr)
		}
	default:
		s.logger.Error("failed to handle AMQP beat, requeueing",
			"error", err,
			"message_id", d.MessageId,
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			s.logger.Warn("AMQP nack failed", "error", nackErr)
		}
	}
}
