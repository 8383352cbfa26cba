// Package backend holds the data-plane collaborators: the places index,
// reverse geocoding, and the position sinks that record tracked agents.
package backend

import (
	"context"
	"errors"
	"sort"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/geo"
)

// PlaceQuery is the input of a places search
type PlaceQuery struct {
	Query      string
	City       string
	UserLat    *float64
	UserLng    *float64
	MaxResults int
}

// PlaceRow is one ranked place from the store
type PlaceRow struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Subtitle         string   `json:"subtitle"`
	FormattedAddress string   `json:"formatted_address"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	PopularityScore  float64  `json:"popularity_score"`
	DistanceMeters   *float64 `json:"distance_m,omitempty"`
	Badge            *string  `json:"badge,omitempty"`
	Score            float64  `json:"score"`
}

// PlaceSearcher runs the ranked places search
type PlaceSearcher interface {
	SearchPlaces(ctx context.Context, q PlaceQuery) ([]PlaceRow, error)
}

// ReverseGeocoder turns a coordinate into a formatted address
type ReverseGeocoder interface {
	ReverseGeocode(ctx context.Context, c pkg.Coordinate) (string, error)
}

// PositionSink records the latest position of a tracked agent
type PositionSink interface {
	Upsert(ctx context.Context, p pkg.AgentPosition) error
	SetOffline(ctx context.Context, agentID string) error
}

// NearbyFinder answers proximity queries over online agents
type NearbyFinder interface {
	NearbyAgents(ctx context.Context, center pkg.Coordinate, radiusKm float64) ([]pkg.Agent, error)
}

// MultiSink fans every write out to several sinks. All sinks are attempted;
// the joined error reports every failure.
type MultiSink []PositionSink

// Upsert implements PositionSink
func (m MultiSink) Upsert(ctx context.Context, p pkg.AgentPosition) error {
	var errs []error
	for _, s := range m {
		if err := s.Upsert(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetOffline implements PositionSink
func (m MultiSink) SetOffline(ctx context.Context, agentID string) error {
	var errs []error
	for _, s := range m {
		if err := s.SetOffline(ctx, agentID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withinRadius keeps the agents inside radiusKm of center, fills their
// distance and orders them nearest first
func withinRadius(center pkg.Coordinate, radiusKm float64, agents []pkg.Agent) []pkg.Agent {
	out := make([]pkg.Agent, 0, len(agents))
	for _, a := range agents {
		d := geo.HaversineMeters(center, pkg.Coordinate{Lat: a.Lat, Lng: a.Lng})
		if d > radiusKm*1000 {
			continue
		}
		a.DistanceMeters = d
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out
}
