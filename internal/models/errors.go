package models

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrUnknownProvider        = errors.New("unknown provider")
	ErrOfferExpired           = errors.New("offer expired")
	ErrNoProvidersAvailable   = errors.New("no providers available")
	ErrRouteUnavailable       = errors.New("route unavailable")
	ErrGeolocationUnavailable = errors.New("geolocation unavailable")
	ErrInvalidProvider        = errors.New("invalid provider")
	ErrInvalidCoordinate      = errors.New("invalid coordinate")
	ErrInvalidRequest         = errors.New("invalid request")
)
