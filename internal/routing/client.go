package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/drivehub/internal/geo"
	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/observability"
)

type ClientConfig struct {
	Attempts int
	Backoff  time.Duration
	// Timeout bounds a single backend attempt.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Result is delivered by GetRouteAsync.
type Result struct {
	Route models.Route
	Err   error
}

type Client struct {
	router Router
	cache  Cache
	cfg    ClientConfig
	group  singleflight.Group
	log    *slog.Logger
}

// NewClient wraps router. cache may be nil to disable reuse.
func NewClient(router Router, cache Cache, cfg ClientConfig) *Client {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{router: router, cache: cache, cfg: cfg, log: log.With("component", "routing")}
}

// GetRoute returns a route from origin to dest. Any failure is reported as
// an error wrapping models.ErrRouteUnavailable.
func (c *Client) GetRoute(ctx context.Context, origin, dest models.Coordinate) (models.Route, error) {
	key := keyFor(origin, dest)
	if c.cache != nil {
		if r, ok := c.cache.Get(ctx, key); ok {
			observability.RouteRequestsTotal.WithLabelValues("cache_hit").Inc()
			return r, nil
		}
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		r, err := c.fetchWithRetry(ctx, origin, dest)
		if err != nil {
			return models.Route{}, err
		}
		if c.cache != nil {
			c.cache.Set(ctx, key, r)
		}
		return r, nil
	})
	if err != nil {
		observability.RouteRequestsTotal.WithLabelValues("unavailable").Inc()
		return models.Route{}, err
	}
	observability.RouteRequestsTotal.WithLabelValues("ok").Inc()
	return v.(models.Route), nil
}

// GetRouteAsync runs GetRoute in its own goroutine so callers can keep
// their own timers running.
func (c *Client) GetRouteAsync(ctx context.Context, origin, dest models.Coordinate) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		r, err := c.GetRoute(ctx, origin, dest)
		out <- Result{Route: r, Err: err}
	}()
	return out
}

func (c *Client) fetchWithRetry(ctx context.Context, origin, dest models.Coordinate) (models.Route, error) {
	delay := c.cfg.Backoff
	var lastErr error
	for i := 0; i < c.cfg.Attempts; i++ {
		r, err := c.fetchOnce(ctx, origin, dest)
		if err == nil {
			if r.DistanceM == 0 {
				r.DistanceM = geo.PathLength(r.Path)
			}
			return r, nil
		}
		lastErr = err
		if errors.Is(err, models.ErrRouteUnavailable) {
			return models.Route{}, err
		}
		if i == c.cfg.Attempts-1 {
			break
		}
		c.log.Warn("route lookup failed, retrying", "attempt", i+1, "backoff", delay, "err", err)
		select {
		case <-ctx.Done():
			return models.Route{}, fmt.Errorf("%w: %v", models.ErrRouteUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return models.Route{}, fmt.Errorf("%w after %d attempts: %v", models.ErrRouteUnavailable, c.cfg.Attempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, origin, dest models.Coordinate) (models.Route, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	r, err := c.router.Route(ctx, origin, dest)
	observability.RouteLatency.Observe(time.Since(start).Seconds())
	return r, err
}
