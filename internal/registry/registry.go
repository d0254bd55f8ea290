// Package registry tracks instructor availability, location and busy state.
// It is the single source of truth the matcher queries for candidates.
package registry

import (
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/example/drivehub/internal/geo"
	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/observability"
)

type entry struct {
	mu         sync.Mutex
	p          models.Provider
	seq        uint64
	reservedBy string // request holding an outstanding offer
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextSeq uint64
	now     func() time.Time
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry), now: time.Now}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, models.ErrUnknownProvider)
	}
	return e, nil
}

// Register adds a provider or refreshes the profile of a known one. Status
// flags of a known provider are left untouched.
func (r *Registry) Register(p models.Provider) error {
	if p.ID == "" || p.Rating < 0 || p.Rating > 5 {
		return fmt.Errorf("provider %q: %w", p.ID, models.ErrInvalidProvider)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[p.ID]; ok {
		e.mu.Lock()
		e.p.Name, e.p.Vehicle, e.p.Rating, e.p.PriceQuote = p.Name, p.Vehicle, p.Rating, p.PriceQuote
		e.p.Updated = r.now()
		e.mu.Unlock()
		return nil
	}
	r.nextSeq++
	now := r.now()
	p.Online, p.Busy = false, false
	p.RegisteredAt, p.Updated = now, now
	r.entries[p.ID] = &entry{p: p, seq: r.nextSeq}
	return nil
}

// Deregister removes a provider. A busy provider cannot leave mid-ride.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, models.ErrUnknownProvider)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Busy {
		return fmt.Errorf("deregister busy provider %s: %w", id, models.ErrInvalidTransition)
	}
	if e.p.Online {
		observability.ProvidersOnline.Dec()
	}
	delete(r.entries, id)
	return nil
}

func (r *Registry) Get(id string) (models.Provider, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Provider{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) SetOnline(id string, c models.Coordinate) error {
	if !c.Valid() {
		return fmt.Errorf("provider %s location %v: %w", id, c, models.ErrInvalidCoordinate)
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.Online {
		observability.ProvidersOnline.Inc()
	}
	e.p.Online = true
	e.p.Location = c
	e.p.Updated = r.now()
	return nil
}

func (r *Registry) SetOffline(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Online {
		observability.ProvidersOnline.Dec()
	}
	e.p.Online = false
	e.p.Updated = r.now()
	return nil
}

// UpdateLocation overwrites the location of an online provider. Heartbeats
// from offline providers are ignored.
func (r *Registry) UpdateLocation(id string, c models.Coordinate) error {
	if !c.Valid() {
		return fmt.Errorf("provider %s location %v: %w", id, c, models.ErrInvalidCoordinate)
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.Online {
		return nil
	}
	e.p.Location = c
	e.p.Updated = r.now()
	return nil
}

// MarkBusy claims an online, free provider for a ride. An instructor who
// went offline while holding an offer can no longer accept it.
func (r *Registry) MarkBusy(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.Online {
		return fmt.Errorf("mark busy %s: provider offline: %w", id, models.ErrInvalidTransition)
	}
	if e.p.Busy {
		return fmt.Errorf("mark busy %s: %w", id, models.ErrInvalidTransition)
	}
	e.p.Busy = true
	e.p.Updated = r.now()
	return nil
}

func (r *Registry) MarkFree(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.Busy {
		return fmt.Errorf("mark free %s: %w", id, models.ErrInvalidTransition)
	}
	e.p.Busy = false
	e.p.Updated = r.now()
	return nil
}

// Reserve gives requestID the exclusive right to offer to the provider.
// It returns false when the provider is busy, offline or already holds
// another request's offer.
func (r *Registry) Reserve(providerID, requestID string) bool {
	e, err := r.lookup(providerID)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.p.Online || e.p.Busy {
		return false
	}
	if e.reservedBy != "" && e.reservedBy != requestID {
		return false
	}
	e.reservedBy = requestID
	return true
}

// Release drops the reservation if requestID still holds it.
func (r *Registry) Release(providerID, requestID string) {
	e, err := r.lookup(providerID)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reservedBy == requestID {
		e.reservedBy = ""
	}
}

type candidate struct {
	p    models.Provider
	seq  uint64
	dist float64
}

// ListCandidates yields online, free providers nearest to origin first,
// breaking ties by higher rating and then registration order. Every range
// takes a fresh snapshot; maxResults <= 0 means no limit.
func (r *Registry) ListCandidates(origin models.Coordinate, maxResults int) iter.Seq[models.Provider] {
	return func(yield func(models.Provider) bool) {
		cands := r.snapshot(origin)
		for i, c := range cands {
			if maxResults > 0 && i >= maxResults {
				return
			}
			if !yield(c.p) {
				return
			}
		}
	}
}

func (r *Registry) snapshot(origin models.Coordinate) []candidate {
	r.mu.RLock()
	es := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		es = append(es, e)
	}
	r.mu.RUnlock()

	arr := make([]candidate, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		p, seq := e.p, e.seq
		e.mu.Unlock()
		if !p.Online || p.Busy {
			continue
		}
		arr = append(arr, candidate{p: p, seq: seq, dist: geo.Distance(origin, p.Location)})
	}
	sort.Slice(arr, func(i, j int) bool {
		a, b := arr[i], arr[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.p.Rating != b.p.Rating {
			return a.p.Rating > b.p.Rating
		}
		return a.seq < b.seq
	})
	return arr
}
