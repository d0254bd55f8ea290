package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/drivehub/internal/models"
)

func snapshot(id string, state models.State) models.Snapshot {
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.Snapshot{
		ID:        id,
		RiderID:   "mariana",
		Pickup:    models.Coordinate{Lat: -22.9068, Lon: -43.1729},
		State:     state,
		CreatedAt: end.Add(-time.Hour),
		EndedAt:   &end,
	}
}

func TestArchiver_SavesOnlyTerminal(t *testing.T) {
	store := NewMemoryStore()
	a := NewArchiver(store, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Enqueue(snapshot("live", models.StateInProgress))
	a.Enqueue(snapshot("done", models.StateCompleted))
	a.Enqueue(snapshot("gone", models.StateCancelled))

	require.Eventually(t, func() bool { return store.Len() == 2 }, time.Second, 5*time.Millisecond)
	_, ok := store.Get("live")
	assert.False(t, ok)
	got, ok := store.Get("done")
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, got.State)

	cancel()
	assert.NoError(t, <-done)
}

func TestArchiver_FlushesOnShutdown(t *testing.T) {
	store := NewMemoryStore()
	a := NewArchiver(store, 4, nil)
	a.Enqueue(snapshot("a", models.StateCompleted))
	a.Enqueue(snapshot("b", models.StateCancelled))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Equal(t, 2, store.Len())
}

func TestArchiver_DropsWhenFull(t *testing.T) {
	store := NewMemoryStore()
	a := NewArchiver(store, 1, nil)
	a.Enqueue(snapshot("a", models.StateCompleted))
	a.Enqueue(snapshot("b", models.StateCompleted))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Equal(t, 1, store.Len())
}

// Runs only against a real database, e.g.
// DRIVEHUB_TEST_PG_DSN=postgres://localhost/drivehub?sslmode=disable
func TestPostgresStore_Upsert(t *testing.T) {
	dsn := os.Getenv("DRIVEHUB_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DRIVEHUB_TEST_PG_DSN not set")
	}
	p, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()
	require.NoError(t, p.Migrate(ctx, "../../migrations/001_create_rides.sql"))

	s := snapshot("pg-"+time.Now().Format("150405.000000"), models.StateCancelled)
	s.Annotations = []models.Annotation{models.AnnotationRouteUnavailable}
	require.NoError(t, p.SaveRide(ctx, s))
	s.CancelReason = models.ReasonNoProvidersAvailable
	require.NoError(t, p.SaveRide(ctx, s))

	var reason string
	require.NoError(t, p.db.QueryRowContext(ctx, `SELECT cancel_reason FROM rides WHERE id=$1`, s.ID).Scan(&reason))
	assert.Equal(t, string(models.ReasonNoProvidersAvailable), reason)
}
