// Package ipgeo locates the host from its public IP through keyless HTTP
// services, racing several of them against each other.
package ipgeo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/geotrack/geotrack/pkg"
)

// Result is one provider answer
type Result struct {
	Lat     float64
	Lng     float64
	City    string
	Country string
}

// Provider looks up the caller's position from its IP address
type Provider interface {
	Name() string
	Lookup(ctx context.Context) (Result, error)
}

// decoder turns a provider body into a Result
type decoder func(body []byte) (Result, error)

var decoders = map[string]decoder{
	"ipapi":     decodeIPAPI,
	"ipwhois":   decodeIPWhois,
	"freeipapi": decodeFreeIPAPI,
}

// HTTPProvider queries one JSON endpoint
type HTTPProvider struct {
	name    string
	url     string
	decode  decoder
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider creates a provider for a known response format
// (ipapi, ipwhois, freeipapi). ratePerSec bounds outgoing requests;
// zero disables the bound.
func NewHTTPProvider(name, format, url string, ratePerSec float64, client *http.Client) (*HTTPProvider, error) {
	dec, ok := decoders[format]
	if !ok {
		return nil, fmt.Errorf("unknown ipgeo format %q: %w", format, pkg.ErrConfiguration)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	p := &HTTPProvider{name: name, url: url, decode: dec, client: client}
	if ratePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}
	return p, nil
}

// Name implements Provider
func (p *HTTPProvider) Name() string { return p.name }

// Lookup implements Provider. A request over the rate budget fails
// immediately instead of waiting, since the race has a short deadline.
func (p *HTTPProvider) Lookup(ctx context.Context) (Result, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		return Result{}, fmt.Errorf("%s: rate limited: %w", p.name, pkg.ErrNetwork)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%s: bad request: %v: %w", p.name, err, pkg.ErrConfiguration)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %v: %w", p.name, err, pkg.ErrNetwork)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("%s: read body: %v: %w", p.name, err, pkg.ErrNetwork)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%s: status %d: %w", p.name, resp.StatusCode, pkg.ErrNetwork)
	}

	res, err := p.decode(body)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", p.name, err)
	}
	return res, nil
}

func decodeIPAPI(body []byte) (Result, error) {
	var r struct {
		Error     bool     `json:"error"`
		Reason    string   `json:"reason"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		City      string   `json:"city"`
		Country   string   `json:"country_name"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Result{}, fmt.Errorf("decode: %v: %w", err, pkg.ErrNetwork)
	}
	if r.Error {
		return Result{}, fmt.Errorf("provider error %q: %w", r.Reason, pkg.ErrNetwork)
	}
	if r.Latitude == nil || r.Longitude == nil {
		return Result{}, fmt.Errorf("missing coordinates: %w", pkg.ErrInvalidCoordinate)
	}
	return Result{Lat: *r.Latitude, Lng: *r.Longitude, City: r.City, Country: r.Country}, nil
}

func decodeIPWhois(body []byte) (Result, error) {
	var r struct {
		Success   bool     `json:"success"`
		Message   string   `json:"message"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		City      string   `json:"city"`
		Country   string   `json:"country"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Result{}, fmt.Errorf("decode: %v: %w", err, pkg.ErrNetwork)
	}
	if !r.Success {
		return Result{}, fmt.Errorf("provider error %q: %w", r.Message, pkg.ErrNetwork)
	}
	if r.Latitude == nil || r.Longitude == nil {
		return Result{}, fmt.Errorf("missing coordinates: %w", pkg.ErrInvalidCoordinate)
	}
	return Result{Lat: *r.Latitude, Lng: *r.Longitude, City: r.City, Country: r.Country}, nil
}

func decodeFreeIPAPI(body []byte) (Result, error) {
	var r struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		City      string   `json:"cityName"`
		Country   string   `json:"countryName"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return Result{}, fmt.Errorf("decode: %v: %w", err, pkg.ErrNetwork)
	}
	if r.Latitude == nil || r.Longitude == nil {
		return Result{}, fmt.Errorf("missing coordinates: %w", pkg.ErrInvalidCoordinate)
	}
	return Result{Lat: *r.Latitude, Lng: *r.Longitude, City: r.City, Country: r.Country}, nil
}
