package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/geo"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_positions (
	agent_id   TEXT PRIMARY KEY,
	latitude   REAL NOT NULL,
	longitude  REAL NOT NULL,
	accuracy   REAL NOT NULL DEFAULT 0,
	last_ping  INTEGER NOT NULL,
	is_online  INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_agent_positions_lat_lng ON agent_positions(latitude, longitude);
`

// SQLiteStore is the single-node position sink for standalone deployments
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is open
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert implements PositionSink
func (s *SQLiteStore) Upsert(ctx context.Context, p pkg.AgentPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_positions (agent_id, latitude, longitude, accuracy, last_ping, is_online)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			accuracy = excluded.accuracy,
			last_ping = excluded.last_ping,
			is_online = excluded.is_online`,
		p.AgentID, p.Latitude, p.Longitude, p.Accuracy, p.LastPing.UnixMilli(), p.IsOnline)
	if err != nil {
		return fmt.Errorf("failed to upsert position: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// SetOffline implements PositionSink
func (s *SQLiteStore) SetOffline(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_positions SET is_online = 0, last_ping = ? WHERE agent_id = ?`,
		time.Now().UnixMilli(), agentID)
	if err != nil {
		return fmt.Errorf("failed to mark agent offline: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// NearbyAgents implements NearbyFinder
func (s *SQLiteStore) NearbyAgents(ctx context.Context, center pkg.Coordinate, radiusKm float64) ([]pkg.Agent, error) {
	box := geo.BoundingBox(center, radiusKm)
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, latitude, longitude, accuracy, last_ping, is_online
		FROM agent_positions
		WHERE is_online = 1 AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
	if err != nil {
		return nil, fmt.Errorf("nearby query: %v: %w", err, pkg.ErrNetwork)
	}
	defer rows.Close()

	var agents []pkg.Agent
	for rows.Next() {
		var a pkg.Agent
		var lastPing int64
		if err := rows.Scan(&a.ID, &a.Lat, &a.Lng, &a.Accuracy, &lastPing, &a.IsOnline); err != nil {
			return nil, fmt.Errorf("nearby scan: %v: %w", err, pkg.ErrNetwork)
		}
		a.LastPing = time.UnixMilli(lastPing)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("nearby rows: %v: %w", err, pkg.ErrNetwork)
	}
	return withinRadius(center, radiusKm, agents), nil
}

// Position returns the stored row for agentID, for diagnostics
func (s *SQLiteStore) Position(ctx context.Context, agentID string) (pkg.AgentPosition, error) {
	var p pkg.AgentPosition
	var lastPing int64
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, latitude, longitude, accuracy, last_ping, is_online
		FROM agent_positions WHERE agent_id = ?`, agentID).
		Scan(&p.AgentID, &p.Latitude, &p.Longitude, &p.Accuracy, &lastPing, &p.IsOnline)
	if err != nil {
		return pkg.AgentPosition{}, fmt.Errorf("position lookup: %w", err)
	}
	p.LastPing = time.UnixMilli(lastPing)
	return p, nil
}
