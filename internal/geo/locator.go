package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/drivehub/internal/models"
)

var (
	ErrPermissionDenied = errors.New("geolocation permission denied")
	ErrUnavailable      = errors.New("geolocation unavailable")
)

// Locator fetches the current coordinate of a rider or provider.
type Locator interface {
	Locate(ctx context.Context, subjectID string) (models.Coordinate, error)
}

// MemoryLocator answers with the last position a client reported.
type MemoryLocator struct {
	mu        sync.RWMutex
	positions map[string]models.Coordinate
}

func NewMemoryLocator() *MemoryLocator {
	return &MemoryLocator{positions: make(map[string]models.Coordinate)}
}

func (m *MemoryLocator) Report(subjectID string, c models.Coordinate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[subjectID] = c
}

func (m *MemoryLocator) Locate(_ context.Context, subjectID string) (models.Coordinate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.positions[subjectID]
	if !ok {
		return models.Coordinate{}, ErrUnavailable
	}
	return c, nil
}

// FallbackLocator never fails: when the source errors it answers with the
// last coordinate it saw for the subject, or Default.
type FallbackLocator struct {
	Source  Locator
	Default models.Coordinate

	mu        sync.Mutex
	lastKnown map[string]models.Coordinate
}

func NewFallbackLocator(src Locator, def models.Coordinate) *FallbackLocator {
	return &FallbackLocator{Source: src, Default: def, lastKnown: make(map[string]models.Coordinate)}
}

// Resolve returns a coordinate for subjectID. The error is non-nil only to
// describe a degraded answer and always wraps models.ErrGeolocationUnavailable.
func (f *FallbackLocator) Resolve(ctx context.Context, subjectID string) (models.Coordinate, error) {
	var err error
	if f.Source != nil {
		var c models.Coordinate
		c, err = f.Source.Locate(ctx, subjectID)
		if err == nil && c.Valid() {
			f.mu.Lock()
			f.lastKnown[subjectID] = c
			f.mu.Unlock()
			return c, nil
		}
		if err == nil {
			err = models.ErrInvalidCoordinate
		}
	} else {
		err = ErrUnavailable
	}

	f.mu.Lock()
	c, ok := f.lastKnown[subjectID]
	f.mu.Unlock()
	if !ok {
		c = f.Default
	}
	return c, fmt.Errorf("%w: %v", models.ErrGeolocationUnavailable, err)
}
