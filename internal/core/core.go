// Package core is the composition root of the dispatch service. It exposes
// the operations rider and instructor apps invoke and owns the goroutines
// that run each request's offer protocol.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/drivehub/internal/geo"
	"github.com/example/drivehub/internal/lifecycle"
	"github.com/example/drivehub/internal/matcher"
	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/registry"
)

type Deps struct {
	Registry *registry.Registry
	Requests *lifecycle.Manager
	Engine   *matcher.Engine
	// Positions answers where riders are when they omit a pickup. Optional.
	Positions geo.Locator
	// DefaultLocation is used when no position is known for a rider.
	DefaultLocation models.Coordinate
	Logger          *slog.Logger
}

type Core struct {
	registry *registry.Registry
	requests *lifecycle.Manager
	engine   *matcher.Engine
	locator  *geo.FallbackLocator
	log      *slog.Logger

	// tasks is cancelled on Shutdown; every matching goroutine derives from it.
	tasks  context.Context
	cancel context.CancelFunc
	// mu orders spawn against Shutdown so wg.Add never races wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ErrShuttingDown rejects new requests once Shutdown has begun.
var ErrShuttingDown = errors.New("dispatch is shutting down")

func New(d Deps) *Core {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	tasks, cancel := context.WithCancel(context.Background())
	return &Core{
		registry: d.Registry,
		requests: d.Requests,
		engine:   d.Engine,
		locator:  geo.NewFallbackLocator(d.Positions, d.DefaultLocation),
		log:      log.With("component", "core"),
		tasks:    tasks,
		cancel:   cancel,
	}
}

// CreateRequest books a lesson and starts searching for an instructor in
// the background. A zero pickup is resolved from the rider's last known
// position; if none is available the request proceeds from the default
// location and carries the geolocation_unavailable annotation.
func (c *Core) CreateRequest(ctx context.Context, riderID string, pickup models.Coordinate, dest *models.Coordinate) (models.Snapshot, error) {
	if c.isClosed() {
		return models.Snapshot{}, ErrShuttingDown
	}
	var annotations []models.Annotation
	if pickup.IsZero() {
		var degraded bool
		pickup, degraded = c.LocateRider(ctx, riderID)
		if degraded {
			annotations = append(annotations, models.AnnotationGeolocationUnavailable)
		}
	}
	snap, err := c.requests.Create(riderID, pickup, dest, annotations...)
	if err != nil {
		return models.Snapshot{}, err
	}
	started := c.spawn(func(ctx context.Context) {
		final, err := c.engine.Run(ctx, snap.ID)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("matching failed", "request_id", snap.ID, "err", err)
			return
		}
		c.log.Debug("matching finished", "request_id", snap.ID, "state", final.State)
	})
	if !started {
		// Shutdown won the race after the request was created
		_, _ = c.requests.Cancel(snap.ID, models.ActorSystem, models.ReasonShutdown)
		return models.Snapshot{}, ErrShuttingDown
	}
	return snap, nil
}

// LocateRider returns the rider's current coordinate. degraded reports that
// a last-known or default coordinate was used instead.
func (c *Core) LocateRider(ctx context.Context, riderID string) (coord models.Coordinate, degraded bool) {
	coord, err := c.locator.Resolve(ctx, riderID)
	if err != nil {
		c.log.Info("rider position unavailable, using fallback", "rider_id", riderID, "err", err)
		return coord, true
	}
	return coord, false
}

// ReportRiderPosition records a fix sent by a rider app, when the configured
// position source accepts reports.
func (c *Core) ReportRiderPosition(riderID string, coord models.Coordinate) error {
	if !coord.Valid() {
		return fmt.Errorf("rider %s position %v: %w", riderID, coord, models.ErrInvalidCoordinate)
	}
	if r, ok := c.locator.Source.(interface {
		Report(string, models.Coordinate)
	}); ok {
		r.Report(riderID, coord)
	}
	return nil
}

// ObserveRequest streams snapshots of the request, beginning with the
// current one. The channel closes after the terminal snapshot or when ctx
// is done.
func (c *Core) ObserveRequest(ctx context.Context, requestID string) (<-chan models.Snapshot, error) {
	updates, unsubscribe, err := c.requests.Subscribe(requestID)
	if err != nil {
		return nil, err
	}
	out := make(chan models.Snapshot)
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case s, ok := <-updates:
				if !ok {
					return
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Core) GetRequest(requestID string) (models.Snapshot, error) {
	return c.requests.Get(requestID)
}

// RespondToOffer is the instructor's answer to an outstanding offer.
func (c *Core) RespondToOffer(requestID, providerID string, accept bool) (models.Snapshot, error) {
	if accept {
		return c.requests.Accept(requestID, providerID)
	}
	return c.requests.Decline(requestID, providerID)
}

// SetDestination records the lesson's end point. For a ride already in
// progress the route is recomputed in the background.
func (c *Core) SetDestination(requestID string, dest models.Coordinate) (models.Snapshot, error) {
	s, err := c.requests.SetDestination(requestID, dest)
	if err != nil {
		return s, err
	}
	if s.State == models.StateInProgress {
		c.spawn(func(ctx context.Context) {
			if _, err := c.engine.RefreshRoute(ctx, requestID); err != nil {
				c.log.Warn("route refresh failed", "request_id", requestID, "err", err)
			}
		})
	}
	return s, nil
}

// EndRide completes an in-progress ride. Repeated calls return the final
// snapshot.
func (c *Core) EndRide(requestID string) (models.Snapshot, error) {
	return c.requests.Complete(requestID)
}

func (c *Core) CancelRequest(requestID string, actor models.Actor) (models.Snapshot, error) {
	return c.requests.Cancel(requestID, actor, models.ReasonNone)
}

func (c *Core) RegisterProvider(p models.Provider) error { return c.registry.Register(p) }

func (c *Core) DeregisterProvider(providerID string) error {
	return c.registry.Deregister(providerID)
}

func (c *Core) GetProvider(providerID string) (models.Provider, error) {
	return c.registry.Get(providerID)
}

func (c *Core) GoOnline(providerID string, coord models.Coordinate) error {
	return c.registry.SetOnline(providerID, coord)
}

func (c *Core) GoOffline(providerID string) error { return c.registry.SetOffline(providerID) }

func (c *Core) UpdateLocation(providerID string, coord models.Coordinate) error {
	return c.registry.UpdateLocation(providerID, coord)
}

// Run evicts finished requests until ctx is cancelled.
func (c *Core) Run(ctx context.Context) error {
	c.requests.Run(ctx)
	return nil
}

// Shutdown stops accepting requests, cancels every running search and
// waits for the matching goroutines to exit or ctx to expire.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// spawn runs fn on the task context. It reports false once Shutdown began.
func (c *Core) spawn(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.tasks)
	}()
	return true
}
