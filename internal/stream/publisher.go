// Package stream publishes committed movements to Kafka for downstream
// consumers. Messages are keyed by opportunity id so each opportunity's
// movements stay ordered within a partition.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pipeline_engine_backend/internal/events"
	"pipeline_engine_backend/platform/config"
	"pipeline_engine_backend/platform/logger"

	"github.com/segmentio/kafka-go"
)

const (
	defaultMaxAttempts = 3
	attemptTimeout     = 5 * time.Second
	initialBackoff     = 100 * time.Millisecond
	maxBackoff         = 2 * time.Second
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type MovementPublisher struct {
	writer      MessageWriter
	maxAttempts int
	log         *logger.Logger
}

func NewMovementPublisher(cfg config.KafkaConfig, log *logger.Logger) (*MovementPublisher, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	topic := cfg.GetKafkaMovementTopic()
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return newMovementPublisher(w, log), nil
}

func newMovementPublisher(w MessageWriter, log *logger.Logger) *MovementPublisher {
	if log == nil {
		log = logger.Discard()
	}
	return &MovementPublisher{writer: w, maxAttempts: defaultMaxAttempts, log: log}
}

// RegisterHandlers streams every MovementRecorded event.
func (p *MovementPublisher) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.MovementRecorded{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.MovementRecorded)
		if !ok {
			return nil
		}
		if err := p.PublishMovement(ctx, e); err != nil {
			p.log.Error("movement stream publish failed", "movementId", e.MovementID, "error", err)
			return err
		}
		return nil
	}))
}

// PublishMovement writes one movement, retrying transient failures.
func (p *MovementPublisher) PublishMovement(ctx context.Context, e events.MovementRecorded) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal movement: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.OpportunityID.String()),
		Value: value,
		Time:  e.MovedAt,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(e.EventName())},
			{Key: "tenant", Value: []byte(e.TenantID.String())},
		},
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *MovementPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
