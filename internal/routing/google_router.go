package routing

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/drivehub/internal/models"
)

// GoogleRouter resolves routes with the Google Maps Directions API.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

func (g *GoogleRouter) Route(ctx context.Context, origin, dest models.Coordinate) (models.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      origin.String(),
		Destination: dest.String(),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return models.Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return models.Route{}, fmt.Errorf("no route found: %w", models.ErrRouteUnavailable)
	}
	pts, err := routes[0].OverviewPolyline.Decode()
	if err != nil || len(pts) < 2 {
		return models.Route{}, fmt.Errorf("decode overview polyline: %w", models.ErrRouteUnavailable)
	}
	path := make([]models.Coordinate, len(pts))
	for i, p := range pts {
		path[i] = models.Coordinate{Lat: p.Lat, Lon: p.Lng}
	}
	var eta time.Duration
	var meters int
	for _, leg := range routes[0].Legs {
		eta += leg.Duration
		meters += leg.Distance.Meters
	}
	return models.Route{Path: path, ETA: eta, DistanceM: float64(meters)}, nil
}
