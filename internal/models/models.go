package models

import (
	"fmt"
	"math"
	"time"
)

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Valid reports whether the coordinate lies inside the WGS84 range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coordinate) String() string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon) }

// Provider is an instructor that can serve lesson requests.
type Provider struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Vehicle      string     `json:"vehicle"`
	Rating       float64    `json:"rating"` // 0..5
	PriceQuote   string     `json:"price_quote"`
	Location     Coordinate `json:"location"`
	Online       bool       `json:"online"`
	Busy         bool       `json:"busy"`
	RegisteredAt time.Time  `json:"registered_at"`
	Updated      time.Time  `json:"updated"`
}

// State is a request lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateSearching  State = "searching"
	StateOffered    State = "offered"
	StateMatched    State = "matched"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// Actor identifies who asked for a cancellation.
type Actor string

const (
	ActorRider    Actor = "rider"
	ActorProvider Actor = "provider"
	ActorSystem   Actor = "system"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorRider, ActorProvider, ActorSystem:
		return true
	}
	return false
}

// CancelReason explains why a request ended in StateCancelled.
type CancelReason string

const (
	ReasonNone                 CancelReason = ""
	ReasonRiderCancelled       CancelReason = "rider_cancelled"
	ReasonProviderCancelled    CancelReason = "provider_cancelled"
	ReasonNoProvidersAvailable CancelReason = "no_providers_available"
	ReasonShutdown             CancelReason = "shutdown"
)

// Annotation marks a recovered, non-fatal condition on a request.
type Annotation string

const (
	AnnotationRouteUnavailable       Annotation = "route_unavailable"
	AnnotationGeolocationUnavailable Annotation = "geolocation_unavailable"
)

// Offer is a time-bounded proposal of one request to one provider.
type Offer struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
}

func (o Offer) Expired(now time.Time) bool { return !now.Before(o.Deadline) }

// Route is a drivable path between two coordinates.
type Route struct {
	Path          []Coordinate  `json:"path"`
	ETA           time.Duration `json:"eta"`
	DistanceM     float64       `json:"distance_m"`
	NavigationURL string        `json:"navigation_url,omitempty"`
}

// NavigationURL builds a turn-by-turn deep link toward dest.
func NavigationURL(dest Coordinate) string {
	return fmt.Sprintf("https://www.google.com/maps/dir/?api=1&destination=%.6f,%.6f", dest.Lat, dest.Lon)
}

// Snapshot is an immutable view of a request handed to callers and observers.
type Snapshot struct {
	ID           string       `json:"id"`
	Version      int          `json:"version"`
	RiderID      string       `json:"rider_id"`
	Pickup       Coordinate   `json:"pickup"`
	Destination  *Coordinate  `json:"destination,omitempty"`
	State        State        `json:"state"`
	ProviderID   string       `json:"provider_id,omitempty"`
	Offer        *Offer       `json:"offer,omitempty"`
	Route        *Route       `json:"route,omitempty"`
	CancelReason CancelReason `json:"cancel_reason,omitempty"`
	CancelledBy  Actor        `json:"cancelled_by,omitempty"`
	Annotations  []Annotation `json:"annotations,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	EndedAt      *time.Time   `json:"ended_at,omitempty"`
}

func (s Snapshot) HasAnnotation(a Annotation) bool {
	for _, x := range s.Annotations {
		if x == a {
			return true
		}
	}
	return false
}
