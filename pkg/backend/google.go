package backend

import (
	"context"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/geotrack/geotrack/pkg"
)

// GoogleGeocoder reverse-geocodes through the Google Geocoding API
type GoogleGeocoder struct {
	client *maps.Client
}

// NewGoogleGeocoder creates a geocoder for apiKey. Extra options (base URL,
// HTTP client) are passed through to the maps client.
func NewGoogleGeocoder(apiKey string, opts ...maps.ClientOption) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %v: %w", err, pkg.ErrConfiguration)
	}
	return &GoogleGeocoder{client: client}, nil
}

// ReverseGeocode implements ReverseGeocoder
func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, c pkg.Coordinate) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: c.Lat, Lng: c.Lng},
	})
	if err != nil {
		if strings.Contains(err.Error(), "REQUEST_DENIED") || strings.Contains(err.Error(), "INVALID_REQUEST") {
			return "", fmt.Errorf("google geocode: %v: %w", err, pkg.ErrConfiguration)
		}
		return "", fmt.Errorf("google geocode: %v: %w", err, pkg.ErrNetwork)
	}
	if len(results) == 0 || results[0].FormattedAddress == "" {
		return "", fmt.Errorf("google geocode: no address: %w", pkg.ErrPositionUnavailable)
	}
	return results[0].FormattedAddress, nil
}
