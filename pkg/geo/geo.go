// Package geo provides distance math and coordinate validation
package geo

import (
	"fmt"
	"math"

	"github.com/geotrack/geotrack/pkg"
)

const (
	earthRadiusM  = 6371000 // meters
	earthRadiusKm = 6371.0
)

// HaversineMeters returns the great-circle distance between two coordinates in meters
func HaversineMeters(a, b pkg.Coordinate) float64 {
	return earthRadiusM * centralAngle(a, b)
}

// HaversineKm is the kilometre variant used for search-space computations
func HaversineKm(a, b pkg.Coordinate) float64 {
	return earthRadiusKm * centralAngle(a, b)
}

func centralAngle(a, b pkg.Coordinate) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// IsValidCoordinate reports whether lat/lng can be surfaced to callers.
// Zero on either axis is rejected: upstream sources use 0 for "no fix".
func IsValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat != 0 && lng != 0 && math.Abs(lat) <= 90 && math.Abs(lng) <= 180
}

// IsValid validates a Coordinate
func IsValid(c pkg.Coordinate) bool {
	return IsValidCoordinate(c.Lat, c.Lng)
}

// FormatDistance renders meters as "850 m" or "2.4 km"
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%d m", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// FormatDuration renders seconds as "45 s", "12 min" or "2 h"
func FormatDuration(seconds float64) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%d s", int(math.Round(seconds)))
	case seconds < 3600:
		return fmt.Sprintf("%d min", int(math.Round(seconds/60)))
	default:
		return fmt.Sprintf("%d h", int(math.Round(seconds/3600)))
	}
}

// Box is a lat/lng envelope
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Contains reports whether c lies inside the box
func (b Box) Contains(c pkg.Coordinate) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lng >= b.MinLng && c.Lng <= b.MaxLng
}

// BoundingBox returns the envelope of the circle of radiusKm around center.
// Longitude span widens with latitude; near the poles it clamps to the full range.
func BoundingBox(center pkg.Coordinate, radiusKm float64) Box {
	dLat := radiusKm / earthRadiusKm * 180 / math.Pi
	cosLat := math.Cos(center.Lat * math.Pi / 180)

	dLng := 180.0
	if cosLat > 1e-9 {
		dLng = math.Min(180, dLat/cosLat)
	}

	return Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLng: math.Max(-180, center.Lng-dLng),
		MaxLng: math.Min(180, center.Lng+dLng),
	}
}
