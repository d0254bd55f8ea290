package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/example/drivehub/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

const upsertRide = `INSERT INTO rides(id, rider_id, provider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, state,
	cancel_reason, cancelled_by, annotations, route_eta_seconds, route_distance_m, created_at, ended_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET provider_id=EXCLUDED.provider_id, dest_lat=EXCLUDED.dest_lat, dest_lon=EXCLUDED.dest_lon,
	state=EXCLUDED.state, cancel_reason=EXCLUDED.cancel_reason, cancelled_by=EXCLUDED.cancelled_by,
	annotations=EXCLUDED.annotations, route_eta_seconds=EXCLUDED.route_eta_seconds,
	route_distance_m=EXCLUDED.route_distance_m, ended_at=EXCLUDED.ended_at`

func (p *PostgresStore) SaveRide(ctx context.Context, s models.Snapshot) error {
	var destLat, destLon sql.NullFloat64
	if s.Destination != nil {
		destLat = sql.NullFloat64{Float64: s.Destination.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: s.Destination.Lon, Valid: true}
	}
	var eta, dist sql.NullFloat64
	if s.Route != nil && len(s.Route.Path) > 0 {
		eta = sql.NullFloat64{Float64: s.Route.ETA.Seconds(), Valid: true}
		dist = sql.NullFloat64{Float64: s.Route.DistanceM, Valid: true}
	}
	annotations := make([]string, len(s.Annotations))
	for i, a := range s.Annotations {
		annotations[i] = string(a)
	}
	_, err := p.db.ExecContext(ctx, upsertRide,
		s.ID, s.RiderID, sql.NullString{String: s.ProviderID, Valid: s.ProviderID != ""},
		s.Pickup.Lat, s.Pickup.Lon, destLat, destLon, string(s.State),
		string(s.CancelReason), string(s.CancelledBy), pq.Array(annotations),
		eta, dist, s.CreatedAt, pq.NullTime{Time: derefTime(s.EndedAt), Valid: s.EndedAt != nil})
	if err != nil {
		return fmt.Errorf("save ride %s: %w", s.ID, err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
