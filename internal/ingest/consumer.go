package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/observability"
)

// ProviderUpdater applies heartbeats to the provider registry.
type ProviderUpdater interface {
	SetOnline(providerID string, c models.Coordinate) error
	SetOffline(providerID string) error
	UpdateLocation(providerID string, c models.Coordinate) error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Attempts and Delay bound the retries of one heartbeat.
	Attempts int
	Delay    time.Duration
	// IgnoreSource skips messages stamped with this SourceHeader value.
	IgnoreSource string
	Logger       *slog.Logger
}

// LocationConsumer reads provider heartbeats from Kafka and applies them to
// the registry.
type LocationConsumer struct {
	reader  messageReader
	target  ProviderUpdater
	cfg     ConsumerConfig
	log     *slog.Logger
	backoff time.Duration
}

func NewLocationConsumer(target ProviderUpdater, cfg ConsumerConfig) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.Brokers, Topic: cfg.Topic, GroupID: cfg.GroupID, MinBytes: 10e3, MaxBytes: 10e6})
	return newLocationConsumer(r, target, cfg)
}

func newLocationConsumer(r messageReader, target ProviderUpdater, cfg ConsumerConfig) *LocationConsumer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &LocationConsumer{reader: r, target: target, cfg: cfg, log: log.With("component", "heartbeats"), backoff: time.Second}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially
// up to 30s.
func (c *LocationConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.log.Info("consumer listening", "topic", c.cfg.Topic, "brokers", c.cfg.Brokers, "group", c.cfg.GroupID)

	const maxBackoff = 30 * time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka read error", "backoff", c.backoff, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			c.backoff *= 2
			if c.backoff > maxBackoff {
				c.backoff = maxBackoff
			}
			continue
		}
		c.backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) {
	if c.ownMessage(m) {
		observability.HeartbeatsConsumedTotal.WithLabelValues("own").Inc()
		return
	}
	var u LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil || u.ProviderID == "" {
		observability.HeartbeatsConsumedTotal.WithLabelValues("invalid").Inc()
		c.log.Warn("invalid heartbeat", "offset", m.Offset, "err", err)
		return
	}
	if err := applyWithRetry(ctx, c.target, u, c.cfg.Attempts, c.cfg.Delay); err != nil {
		observability.HeartbeatsConsumedTotal.WithLabelValues("error").Inc()
		c.log.Warn("heartbeat not applied", "provider_id", u.ProviderID, "err", err)
		return
	}
	observability.HeartbeatsConsumedTotal.WithLabelValues("ok").Inc()
}

// ownMessage reports whether m was produced by this instance, which applied
// the heartbeat before publishing it.
func (c *LocationConsumer) ownMessage(m kafka.Message) bool {
	if c.cfg.IgnoreSource == "" {
		return false
	}
	for _, h := range m.Headers {
		if h.Key == SourceHeader && string(h.Value) == c.cfg.IgnoreSource {
			return true
		}
	}
	return false
}

// applyWithRetry retries with a doubling delay. Unknown providers, bad
// coordinates and unknown statuses are permanent and fail at once.
func applyWithRetry(ctx context.Context, target ProviderUpdater, u LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = apply(target, u)
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrUnknownProvider) || errors.Is(err, models.ErrInvalidCoordinate) || errors.Is(err, models.ErrInvalidRequest) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

func apply(target ProviderUpdater, u LocationUpdate) error {
	switch u.Status {
	case StatusOnline:
		return target.SetOnline(u.ProviderID, u.Location)
	case StatusOffline:
		return target.SetOffline(u.ProviderID)
	case "":
		return target.UpdateLocation(u.ProviderID, u.Location)
	}
	return fmt.Errorf("heartbeat status %q: %w", u.Status, models.ErrInvalidRequest)
}
