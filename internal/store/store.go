// Package store reads route, stop, vehicle, and history data from Postgres.
// All queries are read-only; this process never writes transit metadata.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store wraps the read-only connection pool.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Stop fetches one stop's metadata. sql.ErrNoRows passes through for callers
// to map onto their own not-found handling.
func (s *Store) Stop(ctx context.Context, stopID string) (model.Stop, error) {
	q := `SELECT id, name, latitude, longitude, route_id FROM stops WHERE id = $1`
	var st model.Stop
	err := s.db.QueryRowContext(ctx, q, stopID).Scan(&st.ID, &st.Name, &st.Lat, &st.Lon, &st.RouteID)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Stop{}, err
		}
		return model.Stop{}, fmt.Errorf("query stop %s: %w", stopID, err)
	}
	return st, nil
}

// RouteGeometry returns the ordered polyline vertices for a route.
func (s *Store) RouteGeometry(ctx context.Context, routeID string) ([]model.Point, error) {
	q := `SELECT latitude, longitude FROM route_points
          WHERE route_id = $1 ORDER BY sequence`
	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route geometry %s: %w", routeID, err)
	}
	defer rows.Close()

	var pts []model.Point
	for rows.Next() {
		var p model.Point
		if err := rows.Scan(&p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// VehicleActive reports whether the vehicle is currently in service. Unknown
// vehicles are simply inactive.
func (s *Store) VehicleActive(ctx context.Context, vehicleID string) (bool, error) {
	q := `SELECT status FROM vehicles WHERE id = $1`
	var status string
	err := s.db.QueryRowContext(ctx, q, vehicleID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("query vehicle %s: %w", vehicleID, err)
	}
	return status == "active", nil
}

// RecentSpeedSamples bulk-loads speed observations newer than the cutoff,
// used to seed historical-method averages.
func (s *Store) RecentSpeedSamples(ctx context.Context, since time.Time) ([]model.SpeedSample, error) {
	q := `SELECT vehicle_id, COALESCE(route_id, ''), speed_kmh, recorded_at
          FROM speed_samples WHERE recorded_at >= $1 ORDER BY recorded_at`
	rows, err := s.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("query speed samples: %w", err)
	}
	defer rows.Close()

	var samples []model.SpeedSample
	for rows.Next() {
		var sm model.SpeedSample
		if err := rows.Scan(&sm.VehicleID, &sm.RouteID, &sm.SpeedKmh, &sm.Timestamp); err != nil {
			return nil, err
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// RouteDelayFactors loads per-route, per-period delay multipliers, keyed
// route id -> period -> factor.
func (s *Store) RouteDelayFactors(ctx context.Context) (map[string]map[string]float64, error) {
	q := `SELECT route_id, period, factor FROM route_delay_factors`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query delay factors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]float64)
	for rows.Next() {
		var routeID, period string
		var factor float64
		if err := rows.Scan(&routeID, &period, &factor); err != nil {
			return nil, err
		}
		if out[routeID] == nil {
			out[routeID] = make(map[string]float64)
		}
		out[routeID][period] = factor
	}
	return out, rows.Err()
}
