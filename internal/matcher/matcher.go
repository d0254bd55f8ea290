// Package matcher drives the offer protocol that turns a searching lesson
// request into a matched one, then resolves its route.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/example/drivehub/internal/dispatch"
	"github.com/example/drivehub/internal/geo"
	"github.com/example/drivehub/internal/lifecycle"
	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/observability"
	"github.com/example/drivehub/internal/routing"
)

// Registry is the candidate source. Reserve guarantees a provider holds at
// most one outstanding offer.
type Registry interface {
	ListCandidates(origin models.Coordinate, maxResults int) iter.Seq[models.Provider]
	Reserve(providerID, requestID string) bool
	Release(providerID, requestID string)
}

// Requests is the part of the lifecycle manager the engine drives.
type Requests interface {
	Get(id string) (models.Snapshot, error)
	BeginSearch(id string) (models.Snapshot, error)
	Offer(id, providerID string, ttl time.Duration) (*lifecycle.Ticket, error)
	ExpireOffer(id, offerID string) bool
	Cancel(id string, actor models.Actor, reason models.CancelReason) (models.Snapshot, error)
	Start(id string, route *models.Route, annotations ...models.Annotation) (models.Snapshot, error)
	SetRoute(id string, route *models.Route, annotations ...models.Annotation) (models.Snapshot, error)
	Subscribe(id string) (<-chan models.Snapshot, func(), error)
}

// Routes computes routes without blocking the caller.
type Routes interface {
	GetRouteAsync(ctx context.Context, origin, dest models.Coordinate) <-chan routing.Result
}

type Config struct {
	// OfferTimeout is how long a candidate has to answer.
	OfferTimeout time.Duration
	// MaxOffers caps the number of candidates tried per request; <= 0 means
	// every eligible provider may be tried.
	MaxOffers int
	Logger    *slog.Logger
}

type Engine struct {
	Registry Registry
	Requests Requests
	Routes   Routes
	Notifier dispatch.Notifier

	cfg Config
	log *slog.Logger
}

func NewEngine(reg Registry, reqs Requests, routes Routes, notifier dispatch.Notifier, cfg Config) *Engine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = dispatch.LogNotifier{Logger: log}
	}
	return &Engine{
		Registry: reg,
		Requests: reqs,
		Routes:   routes,
		Notifier: notifier,
		cfg:      cfg,
		log:      log.With("component", "matcher"),
	}
}

// Run searches for a provider for requestID, one candidate at a time, and
// returns once the request is in progress or terminal. Exhausting the
// candidates cancels the request with ReasonNoProvidersAvailable. Cancelling
// ctx cancels the request with ReasonShutdown.
func (e *Engine) Run(ctx context.Context, requestID string) (models.Snapshot, error) {
	snap, err := e.Requests.BeginSearch(requestID)
	if err != nil {
		return snap, err
	}
	start := time.Now()
	tried := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return e.shutdown(ctx, requestID)
		}
		if e.cfg.MaxOffers > 0 && len(tried) >= e.cfg.MaxOffers {
			return e.exhausted(requestID, len(tried))
		}
		p, ok := e.nextCandidate(snap.Pickup, requestID, tried)
		if !ok {
			return e.exhausted(requestID, len(tried))
		}
		tried[p.ID] = true

		outcome, err := e.offer(ctx, snap, p)
		observability.OffersTotal.WithLabelValues(outcome.String()).Inc()
		if err != nil {
			if ctx.Err() != nil {
				return e.shutdown(ctx, requestID)
			}
			// the request left StateSearching underneath us, usually a cancel
			cur, gerr := e.Requests.Get(requestID)
			if gerr == nil && cur.State.Terminal() {
				return cur, nil
			}
			return cur, err
		}
		switch outcome {
		case lifecycle.OutcomeAccepted:
			observability.MatchesTotal.Inc()
			observability.MatchLatency.Observe(time.Since(start).Seconds())
			e.log.Info("request matched", "request_id", requestID, "provider_id", p.ID, "offers", len(tried))
			return e.resolveRoute(ctx, requestID)
		case lifecycle.OutcomeCancelled:
			return e.Requests.Get(requestID)
		default:
			e.log.Debug("offer not taken", "request_id", requestID, "provider_id", p.ID, "outcome", outcome)
		}
	}
}

// nextCandidate re-queries the registry so that availability changes made
// during the search are honoured, and reserves the first untried provider.
func (e *Engine) nextCandidate(pickup models.Coordinate, requestID string, tried map[string]bool) (models.Provider, bool) {
	for p := range e.Registry.ListCandidates(pickup, 0) {
		if tried[p.ID] {
			continue
		}
		if e.Registry.Reserve(p.ID, requestID) {
			return p, true
		}
	}
	return models.Provider{}, false
}

func (e *Engine) offer(ctx context.Context, snap models.Snapshot, p models.Provider) (lifecycle.Outcome, error) {
	defer e.Registry.Release(p.ID, snap.ID)

	ticket, err := e.Requests.Offer(snap.ID, p.ID, e.cfg.OfferTimeout)
	if err != nil {
		return lifecycle.OutcomeCancelled, err
	}
	e.notify(ctx, snap, p, ticket.Offer)

	timer := time.NewTimer(e.cfg.OfferTimeout)
	defer timer.Stop()
	select {
	case <-ticket.Done():
		return ticket.Outcome(), nil
	case <-timer.C:
		if e.Requests.ExpireOffer(snap.ID, ticket.Offer.ID) {
			return lifecycle.OutcomeExpired, nil
		}
		// an answer won the race against the timer
		<-ticket.Done()
		return ticket.Outcome(), nil
	case <-ctx.Done():
		return lifecycle.OutcomeCancelled, ctx.Err()
	}
}

// notify is best effort: the deadline applies whether or not the app was
// reached.
func (e *Engine) notify(ctx context.Context, snap models.Snapshot, p models.Provider, o models.Offer) {
	n := dispatch.OfferNotice{
		RequestID:  snap.ID,
		OfferID:    o.ID,
		ProviderID: p.ID,
		RiderID:    snap.RiderID,
		Pickup:     snap.Pickup,
		DistanceM:  geo.Distance(p.Location, snap.Pickup),
		Deadline:   o.Deadline,
	}
	go func() {
		nctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), o.Deadline)
		defer cancel()
		if err := e.Notifier.NotifyOffer(nctx, n); err != nil {
			e.log.Warn("offer notification failed", "request_id", n.RequestID, "provider_id", n.ProviderID, "offer_id", n.OfferID, "err", err)
		}
	}()
}

func (e *Engine) exhausted(requestID string, tried int) (models.Snapshot, error) {
	observability.NoProvidersTotal.Inc()
	e.log.Info("no providers available", "request_id", requestID, "offers", tried)
	return e.Requests.Cancel(requestID, models.ActorSystem, models.ReasonNoProvidersAvailable)
}

func (e *Engine) shutdown(ctx context.Context, requestID string) (models.Snapshot, error) {
	s, err := e.Requests.Cancel(requestID, models.ActorSystem, models.ReasonShutdown)
	if err != nil {
		return s, err
	}
	return s, ctx.Err()
}

// resolveRoute waits for a matched request to have a destination, computes
// its route and starts the ride. A failed route lookup starts the ride in
// degraded mode.
func (e *Engine) resolveRoute(ctx context.Context, requestID string) (models.Snapshot, error) {
	updates, unsubscribe, err := e.Requests.Subscribe(requestID)
	if err != nil {
		return models.Snapshot{}, err
	}
	defer unsubscribe()

	var cur models.Snapshot
	for cur.Destination == nil {
		select {
		case s, ok := <-updates:
			if !ok {
				return e.Requests.Get(requestID)
			}
			if s.State.Terminal() {
				return s, nil
			}
			cur = s
		case <-ctx.Done():
			return e.shutdown(ctx, requestID)
		}
	}

	route, routed, annotation, err := e.awaitRoute(ctx, updates, cur.Pickup, *cur.Destination)
	if err != nil {
		if ctx.Err() != nil {
			return e.shutdown(ctx, requestID)
		}
		return e.Requests.Get(requestID)
	}
	var s models.Snapshot
	if route != nil {
		s, err = e.Requests.Start(requestID, route)
	} else {
		s, err = e.Requests.Start(requestID, nil, annotation)
	}
	if errors.Is(err, models.ErrInvalidTransition) && s.State.Terminal() {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	// the destination moved after the lookup finished but before the start
	if s.Destination != nil && *s.Destination != routed {
		return e.RefreshRoute(ctx, requestID)
	}
	return s, nil
}

// errRequestEnded reports that the request became terminal while a route
// was being computed.
var errRequestEnded = errors.New("request ended")

// awaitRoute computes the route to dest, starting over whenever the
// destination changes while the lookup runs. It returns the destination the
// route was computed for.
func (e *Engine) awaitRoute(ctx context.Context, updates <-chan models.Snapshot, origin, dest models.Coordinate) (*models.Route, models.Coordinate, models.Annotation, error) {
	lookup := func(d models.Coordinate) (<-chan routing.Result, context.CancelFunc) {
		lctx, cancel := context.WithCancel(ctx)
		return e.Routes.GetRouteAsync(lctx, origin, d), cancel
	}
	res, cancel := lookup(dest)
	defer func() { cancel() }()
	for {
		select {
		case r := <-res:
			if r.Err != nil {
				e.log.Warn("route unavailable, continuing without one", "origin", origin.String(), "destination", dest.String(), "err", r.Err)
				return nil, dest, models.AnnotationRouteUnavailable, nil
			}
			rt := r.Route
			return &rt, dest, "", nil
		case s, ok := <-updates:
			if !ok || s.State.Terminal() {
				return nil, dest, "", errRequestEnded
			}
			if s.Destination != nil && *s.Destination != dest {
				cancel()
				dest = *s.Destination
				e.log.Debug("destination changed, recomputing route", "request_id", s.ID, "destination", dest.String())
				res, cancel = lookup(dest)
			}
		case <-ctx.Done():
			return nil, dest, "", ctx.Err()
		}
	}
}

// RefreshRoute recomputes the route of an in-progress request after its
// destination changed.
func (e *Engine) RefreshRoute(ctx context.Context, requestID string) (models.Snapshot, error) {
	s, err := e.Requests.Get(requestID)
	if err != nil {
		return s, err
	}
	if s.State != models.StateInProgress || s.Destination == nil {
		return s, fmt.Errorf("refresh route of %s request: %w", s.State, models.ErrInvalidTransition)
	}
	r := <-e.Routes.GetRouteAsync(ctx, s.Pickup, *s.Destination)
	if r.Err != nil {
		return e.Requests.SetRoute(requestID, nil, models.AnnotationRouteUnavailable)
	}
	return e.Requests.SetRoute(requestID, &r.Route)
}
