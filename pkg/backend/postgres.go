package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/geo"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS agent_positions (
	agent_id   TEXT PRIMARY KEY,
	latitude   DOUBLE PRECISION NOT NULL,
	longitude  DOUBLE PRECISION NOT NULL,
	accuracy   DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_ping  TIMESTAMPTZ NOT NULL,
	is_online  BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_agent_positions_online_lat_lng
	ON agent_positions (is_online, latitude, longitude);
`

// PostgresStore keeps one row per agent in agent_positions
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, pings it and creates the table
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %v: %w", err, pkg.ErrConfiguration)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.HealthCheckPeriod = 1 * time.Minute
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{Pool: pool}, nil
}

// Close releases the pool
func (s *PostgresStore) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Ping checks the pool can reach the server
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Upsert implements PositionSink
func (s *PostgresStore) Upsert(ctx context.Context, p pkg.AgentPosition) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO agent_positions (agent_id, latitude, longitude, accuracy, last_ping, is_online)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			accuracy = EXCLUDED.accuracy,
			last_ping = EXCLUDED.last_ping,
			is_online = EXCLUDED.is_online`,
		p.AgentID, p.Latitude, p.Longitude, p.Accuracy, p.LastPing, p.IsOnline)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// SetOffline implements PositionSink
func (s *PostgresStore) SetOffline(ctx context.Context, agentID string) error {
	_, err := s.Pool.Exec(ctx,
		`UPDATE agent_positions SET is_online = FALSE, last_ping = NOW() WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("failed to mark agent offline: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// NearbyAgents implements NearbyFinder. The bounding box narrows the scan
// through the index; the exact radius is applied afterwards.
func (s *PostgresStore) NearbyAgents(ctx context.Context, center pkg.Coordinate, radiusKm float64) ([]pkg.Agent, error) {
	box := geo.BoundingBox(center, radiusKm)
	rows, err := s.Pool.Query(ctx, `
		SELECT agent_id, latitude, longitude, accuracy, last_ping, is_online
		FROM agent_positions
		WHERE is_online AND latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("nearby query: %v: %w", err, pkg.ErrNetwork)
	}
	defer rows.Close()

	var agents []pkg.Agent
	for rows.Next() {
		var a pkg.Agent
		if err := rows.Scan(&a.ID, &a.Lat, &a.Lng, &a.Accuracy, &a.LastPing, &a.IsOnline); err != nil {
			return nil, fmt.Errorf("nearby scan: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nearby rows: %v: %w", err, pkg.ErrNetwork)
	}
	return withinRadius(center, radiusKm, agents), nil
}
