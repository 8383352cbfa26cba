package backend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geotrack/geotrack/pkg"
)

const (
	redisGeoKey    = "geotrack:agents:online"
	redisMetaKeyFn = "geotrack:agent:%s"
)

// RedisGeoStore keeps online agents in a geo set, with per-agent metadata
// hashes for accuracy and last ping
type RedisGeoStore struct {
	client *redis.Client
}

// NewRedisGeoStore connects to redisURL and pings it
func NewRedisGeoStore(ctx context.Context, redisURL string) (*RedisGeoStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %v: %w", err, pkg.ErrConfiguration)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisGeoStore{client: client}, nil
}

// Close closes the client
func (s *RedisGeoStore) Close() error {
	return s.client.Close()
}

// Ping checks the connection
func (s *RedisGeoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Upsert implements PositionSink
func (s *RedisGeoStore) Upsert(ctx context.Context, p pkg.AgentPosition) error {
	pipe := s.client.TxPipeline()
	if p.IsOnline {
		pipe.GeoAdd(ctx, redisGeoKey, &redis.GeoLocation{
			Name:      p.AgentID,
			Longitude: p.Longitude,
			Latitude:  p.Latitude,
		})
	} else {
		pipe.ZRem(ctx, redisGeoKey, p.AgentID)
	}
	pipe.HSet(ctx, fmt.Sprintf(redisMetaKeyFn, p.AgentID),
		"accuracy", p.Accuracy,
		"last_ping", p.LastPing.UnixMilli(),
		"online", p.IsOnline)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// SetOffline implements PositionSink
func (s *RedisGeoStore) SetOffline(ctx context.Context, agentID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, redisGeoKey, agentID)
	pipe.HSet(ctx, fmt.Sprintf(redisMetaKeyFn, agentID), "online", false, "last_ping", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set offline: %v: %w", err, pkg.ErrNetwork)
	}
	return nil
}

// NearbyAgents implements NearbyFinder using GEOSEARCH, nearest first
func (s *RedisGeoStore) NearbyAgents(ctx context.Context, center pkg.Coordinate, radiusKm float64) ([]pkg.Agent, error) {
	locs, err := s.client.GeoSearchLocation(ctx, redisGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %v: %w", err, pkg.ErrNetwork)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(locs))
	for i, loc := range locs {
		metas[i] = pipe.HGetAll(ctx, fmt.Sprintf(redisMetaKeyFn, loc.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis metadata: %v: %w", err, pkg.ErrNetwork)
	}

	agents := make([]pkg.Agent, 0, len(locs))
	for i, loc := range locs {
		a := pkg.Agent{
			ID:             loc.Name,
			Lat:            loc.Latitude,
			Lng:            loc.Longitude,
			IsOnline:       true,
			DistanceMeters: loc.Dist * 1000,
		}
		meta := metas[i].Val()
		if v, err := strconv.ParseFloat(meta["accuracy"], 64); err == nil {
			a.Accuracy = v
		}
		if v, err := strconv.ParseInt(meta["last_ping"], 10, 64); err == nil {
			a.LastPing = time.UnixMilli(v)
		}
		agents = append(agents, a)
	}
	return agents, nil
}
