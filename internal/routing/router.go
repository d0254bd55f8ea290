// Package routing turns a pickup/destination pair into a drivable path.
//
// A Router talks to one backend. Client wraps a Router with retries, a
// freshness-window cache and collapsing of identical in-flight lookups.
// Backend failures that retrying cannot fix are reported as
// models.ErrRouteUnavailable; everything else is treated as transient.
package routing

import (
	"context"
	"time"

	"github.com/example/drivehub/internal/geo"
	"github.com/example/drivehub/internal/models"
)

// Router fetches one route from a routing backend.
type Router interface {
	Route(ctx context.Context, origin, dest models.Coordinate) (models.Route, error)
}

// StraightLineRouter draws a two-point path and estimates the ETA from a
// constant speed. It is the fallback when no backend is configured.
type StraightLineRouter struct {
	SpeedMps float64
}

func (s StraightLineRouter) Route(_ context.Context, origin, dest models.Coordinate) (models.Route, error) {
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Distance(origin, dest)
	return models.Route{
		Path:      []models.Coordinate{origin, dest},
		ETA:       time.Duration(d / speed * float64(time.Second)),
		DistanceM: d,
	}, nil
}
