package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"funding-rate-alerts/internal/funding"
)

// KafkaWriter is satisfied by *kafka.Writer.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// AlertPayload is the JSON document published for each alert.
type AlertPayload struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Kind          string    `json:"kind"`
	PreviousRate  string    `json:"previous_rate"`
	NewRate       string    `json:"new_rate"`
	Change        string    `json:"change"`
	Bias          string    `json:"bias"`
	IntervalHours int       `json:"interval_hours"`
	SettledAt     time.Time `json:"settled_at"`
}

// NewAlertPayload converts event to its wire form.
func NewAlertPayload(event funding.AlertEvent) AlertPayload {
	return AlertPayload{
		ID:            event.ID,
		Symbol:        event.Symbol,
		Kind:          string(event.Kind),
		PreviousRate:  event.PreviousRate.String(),
		NewRate:       event.NewRate.String(),
		Change:        event.Change().String(),
		Bias:          event.BiasDescription,
		IntervalHours: event.IntervalHours,
		SettledAt:     event.SettledAt.UTC(),
	}
}

// KafkaNotifier publishes alerts keyed by symbol so a symbol's alerts stay ordered.
type KafkaNotifier struct {
	writer KafkaWriter
	logger zerolog.Logger
}

// NewKafkaNotifier wraps writer.
func NewKafkaNotifier(writer KafkaWriter, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: writer,
		logger: logger.With().Str("component", "alert_kafka").Logger(),
	}
}

// Notify publishes event.
func (n *KafkaNotifier) Notify(ctx context.Context, event funding.AlertEvent) error {
	value, err := json.Marshal(NewAlertPayload(event))
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Symbol),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	n.logger.Debug().Str("symbol", event.Symbol).Str("kind", string(event.Kind)).Msg("alert published")
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
