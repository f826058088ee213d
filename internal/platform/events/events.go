// Package events publishes domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// SummaryGenerated is emitted when an interview closes a summary turn.
type SummaryGenerated struct {
	SessionID   uuid.UUID `json:"session_id"`
	ChatID      uuid.UUID `json:"chat_id"`
	TurnID      uuid.UUID `json:"turn_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	Summary     string    `json:"summary"`
	Corrected   bool      `json:"corrected"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Publisher interface {
	PublishSummary(ctx context.Context, ev SummaryGenerated) error
	Close() error
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
	return &KafkaPublisher{writer: w, timeout: 10 * time.Second}
}

// PublishSummary keys the message by session so a session's summaries stay
// ordered within one partition.
func (p *KafkaPublisher) PublishSummary(ctx context.Context, ev SummaryGenerated) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode summary event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.SessionID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("interview.summary.generated")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish summary for session %s: %w", ev.SessionID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher stands in when no brokers are configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishSummary(_ context.Context, ev SummaryGenerated) error {
	p.logger.Info().
		Str("session_id", ev.SessionID.String()).
		Str("turn_id", ev.TurnID.String()).
		Bool("corrected", ev.Corrected).
		Msg("summary generated")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Fanout hands each event to every publisher. A failing sink does not stop
// the others; their errors are joined.
type Fanout []Publisher

func (f Fanout) PublishSummary(ctx context.Context, ev SummaryGenerated) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishSummary(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
