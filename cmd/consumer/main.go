// Command consumer projects request lifecycle events from Kafka into a Redis
// read model that dashboards can query without touching the dispatch core.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/drivehub/internal/config"
	"github.com/example/drivehub/internal/ingest"
	"github.com/example/drivehub/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_events_consumed_total",
		Help: "Total request events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_events_invalid_total",
		Help: "Total undecodable request events",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_redis_updates_total",
		Help: "Total successful read model updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projector_redis_errors_total",
		Help: "Total failed read model updates",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// finishedTTL is how long a terminal request stays in the read model.
const finishedTTL = 24 * time.Hour

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel).With("component", "projector")
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		log.Info("metrics listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaEventTopic,
		GroupID:  cfg.KafkaGroup + "-projector",
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Info("projector consuming", "topic", cfg.KafkaEventTopic, "brokers", brokers)
	run(ctx, r, &redisAdapter{c: rc}, log)
}

type eventReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func run(ctx context.Context, r eventReader, store ReadModel, log *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down projector")
				return
			}
			log.Warn("kafka read failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ev ingest.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RequestID == "" {
			msgsInvalid.Inc()
			log.Warn("invalid event", "offset", m.Offset, "err", err)
			continue
		}
		if err := projectWithRetry(ctx, store, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			log.Error("read model update failed", "request_id", ev.RequestID, "err", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// ReadModel is the subset of redis operations the projection needs.
type ReadModel interface {
	HSet(ctx context.Context, key string, values map[string]any) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]any) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func requestKey(id string) string { return "request:" + id }

// projectWithRetry writes the event's state onto the request hash. Terminal
// requests get a TTL so the read model does not grow without bound.
func projectWithRetry(ctx context.Context, store ReadModel, ev ingest.Event, attempts int, delay time.Duration) error {
	fields := map[string]any{
		"state":      string(ev.To),
		"version":    ev.Version,
		"updated_at": ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.ProviderID != "" {
		fields["provider_id"] = ev.ProviderID
	}
	if ev.CancelReason != "" {
		fields["cancel_reason"] = string(ev.CancelReason)
	}
	key := requestKey(ev.RequestID)
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = store.HSet(ctx, key, fields); err != nil {
			continue
		}
		if ev.To.Terminal() {
			if err = store.Expire(ctx, key, finishedTTL); err != nil {
				continue
			}
		}
		return nil
	}
	return err
}
