package pkg

import (
	"errors"
	"time"
)

// Coordinate is a WGS-84 point in decimal degrees
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Source records where a fix came from so callers can decide how far to trust it
type Source string

// Fix sources
const (
	SourceCurrent  Source = "current"
	SourceGeocoded Source = "geocoded"
	SourcePopular  Source = "popular"
	SourceRecent   Source = "recent"
	SourceIP       Source = "ip"
	SourceFallback Source = "fallback"
	SourceDatabase Source = "database"
)

// LocationFix is a resolved position. Fixes are values; nothing mutates one after it is built.
type LocationFix struct {
	Address        string    `json:"address"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	Source         Source    `json:"source"`
	AccuracyMeters *float64  `json:"accuracy_m,omitempty"`
	Name           *string   `json:"name,omitempty"`
	Subtitle       *string   `json:"subtitle,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Coordinate returns the fix position
func (f LocationFix) Coordinate() Coordinate {
	return Coordinate{Lat: f.Lat, Lng: f.Lng}
}

// Accuracy returns the accuracy in meters, or 0 when unknown
func (f LocationFix) Accuracy() float64 {
	if f.AccuracyMeters == nil {
		return 0
	}
	return *f.AccuracyMeters
}

// SearchResult is a place search hit
type SearchResult struct {
	LocationFix
	ID             string   `json:"id"`
	Title          *string  `json:"title,omitempty"`
	Badge          *string  `json:"badge,omitempty"`
	IsPopular      bool     `json:"is_popular"`
	DistanceMeters *float64 `json:"distance_m,omitempty"`
	RelevanceScore float64  `json:"relevance_score"`
}

// Agent is another tracked entity returned by a proximity query
type Agent struct {
	ID             string    `json:"agent_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	Accuracy       float64   `json:"accuracy"`
	LastPing       time.Time `json:"last_ping"`
	IsOnline       bool      `json:"is_online"`
	DistanceMeters float64   `json:"distance_m"`
}

// AgentPosition is the row pushed to the position sink
type AgentPosition struct {
	AgentID   string    `json:"agent_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	LastPing  time.Time `json:"last_ping"`
	IsOnline  bool      `json:"is_online"`
}

// Error taxonomy. Network and coordinate failures are absorbed by the
// resolver and search engine; only ErrNoLocationAvailable (and, in strict
// mode, ErrConfiguration) ever reaches a Resolve caller.
var (
	ErrPermissionDenied       = errors.New("location permission denied")
	ErrPositionUnavailable    = errors.New("position unavailable")
	ErrTimeout                = errors.New("location request timed out")
	ErrNetwork                = errors.New("network failure")
	ErrInvalidCoordinate      = errors.New("invalid coordinate")
	ErrNoLocationAvailable    = errors.New("no location available")
	ErrConfiguration          = errors.New("configuration error")
	ErrGeolocationUnsupported = errors.New("geolocation unsupported")
	ErrSuperseded             = errors.New("superseded by a newer request")
)

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

// String returns a pointer to s
func String(s string) *string { return &s }
