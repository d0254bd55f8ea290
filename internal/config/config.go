package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/drivehub/internal/models"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from environment variables with defaults that let the
// binary run locally with every backend in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventTopic    string
	KafkaGroup         string

	PGDSN         string
	RunMigrations bool
	MigrationPath string

	RoutingEndpoint  string
	GoogleMapsAPIKey string
	RouteAttempts    int
	RouteBackoff     time.Duration
	RouteTimeout     time.Duration
	RouteCacheTTL    time.Duration
	DefaultSpeedMps  float64

	OfferTimeout     time.Duration
	MaxOffers        int
	RequestRetention time.Duration
	OfferWebhookURL  string

	DefaultLocation models.Coordinate

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		KafkaLocationTopic: "provider-heartbeats",
		KafkaEventTopic:    "request-events",
		KafkaGroup:         "drivehub-dispatch",
		MigrationPath:      "migrations/001_create_rides.sql",
		RouteAttempts:      3,
		RouteBackoff:       200 * time.Millisecond,
		RouteTimeout:       2 * time.Second,
		RouteCacheTTL:      2 * time.Minute,
		DefaultSpeedMps:    8,
		OfferTimeout:       15 * time.Second,
		RequestRetention:   10 * time.Minute,
		// Rio de Janeiro centre, the map default of the rider app
		DefaultLocation: models.Coordinate{Lat: -22.9068, Lon: -43.1729},
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventTopic, "KAFKA_EVENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationPath, "MIGRATION_PATH")

	setStringFromEnv(&cfg.RoutingEndpoint, "ROUTING_ENDPOINT")
	cfg.GoogleMapsAPIKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setIntFromEnv(&cfg.RouteAttempts, "ROUTE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RouteBackoff, "ROUTE_BACKOFF", &errs)
	setDurationFromEnv(&cfg.RouteTimeout, "ROUTE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MaxOffers, "MATCHER_MAX_OFFERS", &errs)
	setDurationFromEnv(&cfg.RequestRetention, "REQUEST_RETENTION", &errs)
	setStringFromEnv(&cfg.OfferWebhookURL, "OFFER_WEBHOOK_URL")

	setFloatFromEnv(&cfg.DefaultLocation.Lat, "DEFAULT_LAT", &errs)
	setFloatFromEnv(&cfg.DefaultLocation.Lon, "DEFAULT_LON", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.RouteAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_ATTEMPTS must be > 0"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.RequestRetention <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_RETENTION must be > 0"))
	}
	if cfg.MaxOffers < 0 {
		errs = append(errs, fmt.Errorf("MATCHER_MAX_OFFERS must be >= 0"))
	}
	if !cfg.DefaultLocation.Valid() {
		errs = append(errs, fmt.Errorf("DEFAULT_LAT/DEFAULT_LON out of range: %v", cfg.DefaultLocation))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
