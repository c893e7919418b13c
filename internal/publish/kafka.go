// Package publish sends attendance events to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/presence"
)

var logf = monitoring.Tagged("kafka")

// Event is the JSON payload of one attendance message.
type Event struct {
	Type   string          `json:"type"`
	SiteID string          `json:"site_id"`
	Reason presence.Reason `json:"reason"`
	At     time.Time       `json:"at"`
}

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes check-ins and check-outs keyed by site id, so all
// events for one site land on one partition in order.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates a synchronous writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// each event is written on its own; don't wait for a batch to fill
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaSink{w: w, topic: topic}, nil
}

func newKafkaSinkWithWriter(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{w: w, topic: topic}
}

func (k *KafkaSink) HandleCheckIn(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error {
	return k.publish(ctx, Event{Type: "check_in", SiteID: siteID, Reason: reason, At: at.UTC()})
}

func (k *KafkaSink) HandleCheckOut(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error {
	return k.publish(ctx, Event{Type: "check_out", SiteID: siteID, Reason: reason, At: at.UTC()})
}

func (k *KafkaSink) publish(ctx context.Context, ev Event) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s for %s to %s: %w", ev.Type, ev.SiteID, k.topic, err)
	}
	logf("published %s for %s", ev.Type, ev.SiteID)
	return nil
}

func encode(ev Event) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:   []byte(ev.SiteID),
		Value: b,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}, nil
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
