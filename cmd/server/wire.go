package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/drivehub/internal/config"
	"github.com/example/drivehub/internal/core"
	"github.com/example/drivehub/internal/dispatch"
	"github.com/example/drivehub/internal/geo"
	httpapi "github.com/example/drivehub/internal/http"
	"github.com/example/drivehub/internal/ingest"
	"github.com/example/drivehub/internal/lifecycle"
	"github.com/example/drivehub/internal/matcher"
	"github.com/example/drivehub/internal/registry"
	"github.com/example/drivehub/internal/routing"
	"github.com/example/drivehub/internal/storage"
)

type app struct {
	core       *core.Core
	wsreg      *dispatch.WSRegistry
	heartbeats httpapi.LocationPublisher
	runners    []func(context.Context) error
	closers    []io.Closer
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// build picks a backend for every concern: in-memory by default, Redis,
// Postgres, Kafka and external routers when configured.
func build(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (*app, error) {
	a := &app{}
	reg := registry.New()

	var store storage.TripStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, ps)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx, cfg.MigrationPath); err != nil {
				return nil, err
			}
			log.Info("migration applied", "path", cfg.MigrationPath)
		}
		store = ps
	}
	archiver := storage.NewArchiver(store, 0, log)
	a.runners = append(a.runners, archiver.Run)
	hooks := []func(lifecycle.Transition){func(tr lifecycle.Transition) { archiver.Enqueue(tr.Snapshot) }}

	if len(cfg.KafkaBrokers) > 0 {
		// heartbeats taken over HTTP are applied here before being mirrored,
		// so the consumer skips the ones this instance produced
		instance := uuid.NewString()
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic, instance)
		a.closers = append(a.closers, kp)
		a.heartbeats = kp
		events := ingest.NewEventPublisher(kp, 0, log)
		hooks = append(hooks, events.OnTransition)
		consumer := ingest.NewLocationConsumer(reg, ingest.ConsumerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaLocationTopic,
			GroupID:      cfg.KafkaGroup,
			IgnoreSource: instance,
			Logger:       log,
		})
		a.runners = append(a.runners, events.Run, consumer.Run)
	}

	reqs := lifecycle.NewManager(reg, lifecycle.Config{
		Retention:    cfg.RequestRetention,
		Logger:       log,
		OnTransition: hooks,
	})

	router, err := newRouter(cfg)
	if err != nil {
		return nil, err
	}
	var cache routing.Cache = routing.NewMemoryCache(cfg.RouteCacheTTL)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rc.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, rc)
		cache = routing.NewRedisCache(rc, cfg.RouteCacheTTL)
	}
	routes := routing.NewClient(router, cache, routing.ClientConfig{
		Attempts: cfg.RouteAttempts,
		Backoff:  cfg.RouteBackoff,
		Timeout:  cfg.RouteTimeout,
		Logger:   log,
	})

	a.wsreg = dispatch.NewWSRegistry(log)
	notifier := dispatch.Fanout{a.wsreg}
	if cfg.OfferWebhookURL != "" {
		notifier = append(notifier, dispatch.NewWebhookNotifier(cfg.OfferWebhookURL))
	}
	notifier = append(notifier, dispatch.LogNotifier{Logger: log})

	engine := matcher.NewEngine(reg, reqs, routes, notifier, matcher.Config{
		OfferTimeout: cfg.OfferTimeout,
		MaxOffers:    cfg.MaxOffers,
		Logger:       log,
	})
	a.core = core.New(core.Deps{
		Registry:        reg,
		Requests:        reqs,
		Engine:          engine,
		Positions:       geo.NewMemoryLocator(),
		DefaultLocation: cfg.DefaultLocation,
		Logger:          log,
	})
	a.runners = append(a.runners, a.core.Run)
	return a, nil
}

func newRouter(cfg config.ServerConfig) (routing.Router, error) {
	switch {
	case cfg.GoogleMapsAPIKey != "":
		return routing.NewGoogleRouter(cfg.GoogleMapsAPIKey)
	case cfg.RoutingEndpoint != "":
		return routing.NewHTTPRouter(cfg.RoutingEndpoint, cfg.RouteTimeout), nil
	}
	return routing.StraightLineRouter{SpeedMps: cfg.DefaultSpeedMps}, nil
}
