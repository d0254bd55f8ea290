// Package storage archives finished lesson requests. The archive is write
// only: live request state is never restored from it.
package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/drivehub/internal/models"
)

// TripStore persists request snapshots.
type TripStore interface {
	SaveRide(ctx context.Context, s models.Snapshot) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Snapshot)}
}

func (m *MemoryStore) SaveRide(_ context.Context, s models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(id string) (models.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rides[id]
	return s, ok
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}

// Archiver saves terminal snapshots off the caller's goroutine. Enqueue never
// blocks; when the queue is full the snapshot is dropped and logged.
type Archiver struct {
	store TripStore
	queue chan models.Snapshot
	log   *slog.Logger
}

func NewArchiver(store TripStore, size int, log *slog.Logger) *Archiver {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{store: store, queue: make(chan models.Snapshot, size), log: log.With("component", "archiver")}
}

// Enqueue schedules s for saving if it is terminal.
func (a *Archiver) Enqueue(s models.Snapshot) {
	if !s.State.Terminal() {
		return
	}
	select {
	case a.queue <- s:
	default:
		a.log.Warn("archive queue full, dropping ride", "request_id", s.ID)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case s := <-a.queue:
			a.save(ctx, s)
		case <-ctx.Done():
			for {
				select {
				case s := <-a.queue:
					a.save(context.WithoutCancel(ctx), s)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Archiver) save(ctx context.Context, s models.Snapshot) {
	if err := a.store.SaveRide(ctx, s); err != nil {
		a.log.Error("archive ride", "request_id", s.ID, "err", err)
	}
}
