// Package ingest moves provider heartbeats and request lifecycle events
// over Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/observability"
)

// Heartbeat statuses. An empty status only moves the provider.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// SourceHeader names the producing instance on every message, so an
// instance can skip heartbeats it already applied itself.
const SourceHeader = "source"

// LocationUpdate is a provider heartbeat.
type LocationUpdate struct {
	ProviderID string            `json:"provider_id"`
	Location   models.Coordinate `json:"location"`
	Status     string            `json:"status,omitempty"`
	At         time.Time         `json:"at"`
}

// Event describes one request state change.
type Event struct {
	RequestID    string              `json:"request_id"`
	From         models.State        `json:"from"`
	To           models.State        `json:"to"`
	ProviderID   string              `json:"provider_id,omitempty"`
	CancelReason models.CancelReason `json:"cancel_reason,omitempty"`
	Version      int                 `json:"version"`
	At           time.Time           `json:"at"`
}

// messageWriter is the slice of kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
	source    string
}

// NewKafkaProducer writes heartbeats to locationTopic and lifecycle events to
// eventTopic. An empty topic disables that stream. source is stamped into
// the SourceHeader of every message.
func NewKafkaProducer(brokers []string, locationTopic, eventTopic, source string) *KafkaProducer {
	k := &KafkaProducer{source: source}
	if locationTopic != "" {
		k.locations = &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: locationTopic, Balancer: &kafka.Hash{}}
	}
	if eventTopic != "" {
		k.events = &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: eventTopic, Balancer: &kafka.Hash{}}
	}
	return k
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	return k.publish(ctx, k.locations, "locations", u.ProviderID, u)
}

func (k *KafkaProducer) PublishEvent(ctx context.Context, e Event) error {
	return k.publish(ctx, k.events, "events", e.RequestID, e)
}

// publish keys messages by id so one provider or request stays ordered on
// a single partition.
func (k *KafkaProducer) publish(ctx context.Context, w messageWriter, topic, key string, v any) error {
	if w == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(key), Value: b}
	if k.source != "" {
		msg.Headers = []kafka.Header{{Key: SourceHeader, Value: []byte(k.source)}}
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		observability.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return err
	}
	observability.EventsPublishedTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (k *KafkaProducer) Close() error {
	var err error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
