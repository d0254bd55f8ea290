// Package geotest generates coordinates near a reference point for tests and local demos.
package geotest

import (
	"math"

	"github.com/example/drivehub/internal/models"
)

const metersPerDegreeLat = 111195.0

// Offset shifts c by fixed degree deltas.
func Offset(c models.Coordinate, dLat, dLon float64) models.Coordinate {
	return models.Coordinate{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}

// North returns the point km kilometres due north of c.
func North(c models.Coordinate, km float64) models.Coordinate {
	return Offset(c, km*1000/metersPerDegreeLat, 0)
}

// East returns the point km kilometres due east of c.
func East(c models.Coordinate, km float64) models.Coordinate {
	return Offset(c, 0, km*1000/(metersPerDegreeLat*math.Cos(c.Lat*math.Pi/180)))
}
