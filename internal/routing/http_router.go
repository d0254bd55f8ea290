package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/example/drivehub/internal/models"
)

// HTTPRouter queries GET <endpoint>?origin=lat,lon&destination=lat,lon.
// Geometry arrives as [lon, lat] pairs and is reordered to (lat, lon). Both
// the flat shape and the OSRM route shape are understood.
type HTTPRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPRouter(endpoint string, timeout time.Duration) *HTTPRouter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPRouter{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

type routeResponse struct {
	Coordinates [][]float64 `json:"coordinates"`
	Duration    float64     `json:"duration"`
	Distance    float64     `json:"distance"`

	Code   string `json:"code"`
	Routes []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (h *HTTPRouter) Route(ctx context.Context, origin, dest models.Coordinate) (models.Route, error) {
	q := url.Values{}
	q.Set("origin", fmt.Sprintf("%.6f,%.6f", origin.Lat, origin.Lon))
	q.Set("destination", fmt.Sprintf("%.6f,%.6f", dest.Lat, dest.Lon))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.Endpoint+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return models.Route{}, fmt.Errorf("build routing request: %w", models.ErrRouteUnavailable)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return models.Route{}, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.Route{}, fmt.Errorf("routing backend status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return models.Route{}, fmt.Errorf("routing backend status %d: %w", resp.StatusCode, models.ErrRouteUnavailable)
	}

	var out routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.Route{}, fmt.Errorf("decode route: %v: %w", err, models.ErrRouteUnavailable)
	}
	raw, dur, dist := out.Coordinates, out.Duration, out.Distance
	if len(raw) == 0 && len(out.Routes) > 0 {
		if out.Code != "" && out.Code != "Ok" {
			return models.Route{}, fmt.Errorf("osrm code %s: %w", out.Code, models.ErrRouteUnavailable)
		}
		r := out.Routes[0]
		raw, dur, dist = r.Geometry.Coordinates, r.Duration, r.Distance
	}
	path, err := decodeLonLat(raw)
	if err != nil {
		return models.Route{}, err
	}
	return models.Route{
		Path:      path,
		ETA:       time.Duration(dur * float64(time.Second)),
		DistanceM: dist,
	}, nil
}

func decodeLonLat(raw [][]float64) ([]models.Coordinate, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("route geometry has %d points: %w", len(raw), models.ErrRouteUnavailable)
	}
	path := make([]models.Coordinate, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("route point %d malformed: %w", i, models.ErrRouteUnavailable)
		}
		c := models.Coordinate{Lat: pair[1], Lon: pair[0]}
		if !c.Valid() {
			return nil, fmt.Errorf("route point %d out of range: %w", i, models.ErrRouteUnavailable)
		}
		path = append(path, c)
	}
	return path, nil
}
