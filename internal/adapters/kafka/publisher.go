package kafkaad

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"resort_booking/internal/adapters/observability"
	"resort_booking/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes booking events keyed by room id, so every event for one
// room lands on one partition in commit order.
type Publisher struct {
	w messageWriter
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Error().Str("component", "kafka").Msgf(msg, args...)
		}),
	}
	return &Publisher{w: w}, nil
}

func newPublisherWithWriter(w messageWriter) *Publisher { return &Publisher{w: w} }

type envelope struct {
	EventID string `json:"event_id"`
	domain.BookingEvent
}

func (p *Publisher) Publish(ctx context.Context, e domain.BookingEvent) error {
	id := uuid.NewString()
	body, err := json.Marshal(envelope{EventID: id, BookingEvent: e})
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.RoomID, 10)),
		Value: body,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(id)},
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	observability.ObserveEvent(string(e.Type), err)
	if err != nil {
		return fmt.Errorf("publish %s for booking %d: %w", e.Type, e.BookingID, err)
	}
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }
