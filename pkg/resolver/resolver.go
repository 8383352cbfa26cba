// Package resolver answers "where is the user right now" through an ordered
// fallback cascade: cache, device GPS, IP geolocation, the places store, and
// a jittered zone of the requested city.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/backend"
	"github.com/geotrack/geotrack/pkg/cache"
	"github.com/geotrack/geotrack/pkg/device"
	"github.com/geotrack/geotrack/pkg/geo"
	"github.com/geotrack/geotrack/pkg/ipgeo"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/metrics"
	"github.com/geotrack/geotrack/pkg/retry"
	"github.com/geotrack/geotrack/pkg/zones"
)

// Tier names, used in logs and metrics
const (
	TierCache    = "cache"
	TierGPS      = "gps"
	TierIP       = "ip"
	TierDatabase = "database"
	TierFallback = "fallback"
)

const (
	ipAccuracy         = 3000.0
	databaseAccuracy   = 1000.0
	fallbackAccuracy   = 5000.0
	fallbackJitter     = 0.005 // degrees, per axis
	databaseCandidates = 5
	databaseTopPick    = 3
)

// errSkipped marks a tier with no collaborator wired or disabled by config
var errSkipped = errors.New("tier skipped")

// Config holds resolver tuning
type Config struct {
	DefaultCity     string
	CacheTTL        time.Duration
	GPSAttempts     int
	GPSRetryDelay   time.Duration
	GPSTimeout      time.Duration
	GPSMaxTimeout   time.Duration
	IPTimeout       time.Duration
	DisableFallback bool
	StrictConfig    bool

	// Rand drives the database and fallback picks. Seed it for reproducible output.
	Rand *rand.Rand
	// Now stamps fixes and cache entries
	Now func() time.Time
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		DefaultCity:   zones.Default,
		CacheTTL:      10 * time.Minute,
		GPSAttempts:   3,
		GPSRetryDelay: 1500 * time.Millisecond,
		GPSTimeout:    5 * time.Second,
		GPSMaxTimeout: 15 * time.Second,
		IPTimeout:     2500 * time.Millisecond,
	}
}

// Deps are the collaborators a resolver consults. Any of them may be nil;
// the matching tier is then skipped.
type Deps struct {
	Locator   device.Locator
	Geocoder  backend.ReverseGeocoder
	Providers []ipgeo.Provider
	Places    backend.PlaceSearcher
	Metrics   *metrics.Metrics
	Logger    *logx.Logger
}

// Options are per-call knobs
type Options struct {
	City         string
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
	// ForceRefresh skips the cache read; the result is still cached
	ForceRefresh bool
	// SkipGPS skips the device tier, for callers that know it is pointless
	SkipGPS bool
}

// Resolver runs the cascade. It is safe for concurrent use.
type Resolver struct {
	config  Config
	deps    Deps
	logger  *logx.Logger
	cache   *cache.Cache[pkg.LocationFix]
	gpsRuns *retry.Runner

	randMu sync.Mutex
	rng    *rand.Rand
}

// New creates a resolver
func New(config Config, deps Deps) *Resolver {
	def := DefaultConfig()
	if config.DefaultCity == "" {
		config.DefaultCity = def.DefaultCity
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.GPSAttempts <= 0 {
		config.GPSAttempts = def.GPSAttempts
	}
	if config.GPSRetryDelay <= 0 {
		config.GPSRetryDelay = def.GPSRetryDelay
	}
	if config.GPSTimeout <= 0 {
		config.GPSTimeout = def.GPSTimeout
	}
	if config.GPSMaxTimeout <= 0 {
		config.GPSMaxTimeout = def.GPSMaxTimeout
	}
	if config.IPTimeout <= 0 {
		config.IPTimeout = def.IPTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	rng := config.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := deps.Logger
	if logger == nil {
		logger = logx.Discard()
	}

	// delay before attempt n is GPSRetryDelay x (n-1)
	runner := retry.NewRunner(retry.Config{
		MaxAttempts:  config.GPSAttempts,
		InitialDelay: config.GPSRetryDelay,
		MaxDelay:     config.GPSRetryDelay * time.Duration(config.GPSAttempts),
		Backoff:      retry.Linear,
	})

	return &Resolver{
		config:  config,
		deps:    deps,
		logger:  logger.With("component", "resolver"),
		cache:   cache.New[pkg.LocationFix](config.CacheTTL).WithClock(config.Now),
		gpsRuns: runner,
		rng:     rng,
	}
}

// Close drops every cached position
func (r *Resolver) Close() {
	r.cache.Clear()
}

func cacheKey(city string) string {
	return "position_" + strings.ToLower(strings.TrimSpace(city))
}

type tier struct {
	name string
	run  func(ctx context.Context, opts Options) (pkg.LocationFix, error)
}

// Resolve returns the best available fix. It fails only with
// pkg.ErrNoLocationAvailable when the fallback tier is disabled and every
// other tier missed, or, in strict mode, with a configuration error.
func (r *Resolver) Resolve(ctx context.Context, opts Options) (pkg.LocationFix, error) {
	start := time.Now()
	defer func() { r.deps.Metrics.ObserveResolve(time.Since(start)) }()

	if strings.TrimSpace(opts.City) == "" {
		opts.City = r.config.DefaultCity
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.config.GPSTimeout
	}
	key := cacheKey(opts.City)

	if !opts.ForceRefresh {
		if fix, ok := r.cache.Get(key); ok && geo.IsValidCoordinate(fix.Lat, fix.Lng) {
			r.deps.Metrics.RecordTierHit(TierCache)
			r.logger.Debug("position served from cache", "city", opts.City)
			return fix, nil
		}
	}

	tiers := []tier{
		{TierGPS, r.fromDevice},
		{TierIP, r.fromIP},
		{TierDatabase, r.fromDatabase},
		{TierFallback, r.fromFallback},
	}
	for _, t := range tiers {
		fix, err := t.run(ctx, opts)
		if err == nil && !geo.IsValidCoordinate(fix.Lat, fix.Lng) {
			err = fmt.Errorf("%s tier returned (%v, %v): %w", t.name, fix.Lat, fix.Lng, pkg.ErrInvalidCoordinate)
		}
		if err != nil {
			if ferr := r.absorb(t.name, err); ferr != nil {
				return pkg.LocationFix{}, ferr
			}
			continue
		}

		r.cache.Set(key, fix)
		r.deps.Metrics.RecordTierHit(t.name)
		r.logger.Info("position resolved", "tier", t.name, "source", fix.Source, "city", opts.City)
		return fix, nil
	}

	r.logger.Error("no location available", "city", opts.City)
	return pkg.LocationFix{}, pkg.ErrNoLocationAvailable
}

// absorb turns a tier failure into a miss. Configuration errors are logged
// at error level and returned when strict mode is on.
func (r *Resolver) absorb(tierName string, err error) error {
	reason := reasonOf(err)
	r.deps.Metrics.RecordTierMiss(tierName, reason)

	switch {
	case errors.Is(err, errSkipped):
		r.logger.Debug("tier skipped", "tier", tierName)
	case errors.Is(err, pkg.ErrConfiguration):
		r.deps.Metrics.RecordConfigError(tierName)
		r.logger.Error("tier misconfigured", "tier", tierName, "error", err)
		if r.config.StrictConfig {
			return fmt.Errorf("%s tier: %w", tierName, err)
		}
	default:
		r.logger.Warn("tier missed", "tier", tierName, "reason", reason, "error", err)
	}
	return nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, errSkipped):
		return "skipped"
	case errors.Is(err, pkg.ErrConfiguration):
		return "configuration"
	case errors.Is(err, pkg.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, pkg.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, pkg.ErrInvalidCoordinate):
		return "invalid_coordinate"
	case errors.Is(err, pkg.ErrPositionUnavailable):
		return "unavailable"
	case errors.Is(err, pkg.ErrNetwork):
		return "network"
	default:
		return "other"
	}
}

// gpsOptions relaxes the request for later attempts: accuracy drops, the
// timeout grows linearly up to the cap, and older cached fixes are accepted
func (r *Resolver) gpsOptions(opts Options, attempt int) device.Options {
	timeout := opts.Timeout * time.Duration(attempt)
	if timeout > r.config.GPSMaxTimeout {
		timeout = r.config.GPSMaxTimeout
	}
	o := device.Options{
		HighAccuracy: opts.HighAccuracy,
		Timeout:      timeout,
		MaxAge:       opts.MaxAge,
	}
	if attempt > 1 {
		o.HighAccuracy = false
		if o.MaxAge < time.Minute {
			o.MaxAge = time.Minute
		}
	}
	return o
}

func (r *Resolver) fromDevice(ctx context.Context, opts Options) (pkg.LocationFix, error) {
	if r.deps.Locator == nil || opts.SkipGPS {
		return pkg.LocationFix{}, errSkipped
	}

	var raw device.Fix
	err := r.gpsRuns.Do(ctx, func(ctx context.Context, attempt int) error {
		o := r.gpsOptions(opts, attempt)
		actx, cancel := context.WithTimeout(ctx, o.Timeout)
		defer cancel()

		fix, err := r.deps.Locator.CurrentPosition(actx, o)
		if err != nil {
			r.logger.Debug("gps attempt failed", "attempt", attempt, "error", err)
			if errors.Is(err, pkg.ErrPermissionDenied) {
				return retry.Permanent(err)
			}
			return err
		}
		if !geo.IsValidCoordinate(fix.Lat, fix.Lng) {
			return fmt.Errorf("gps fix (%v, %v): %w", fix.Lat, fix.Lng, pkg.ErrInvalidCoordinate)
		}
		raw = fix
		return nil
	})
	if err != nil {
		return pkg.LocationFix{}, err
	}

	fix := pkg.LocationFix{
		Address:   r.reverseGeocode(ctx, raw.Coordinate()),
		Lat:       raw.Lat,
		Lng:       raw.Lng,
		Source:    pkg.SourceCurrent,
		Timestamp: r.config.Now(),
	}
	if raw.Accuracy > 0 {
		fix.AccuracyMeters = pkg.Float64(raw.Accuracy)
	}
	return fix, nil
}

// reverseGeocode never fails: a synthetic label stands in for the address
func (r *Resolver) reverseGeocode(ctx context.Context, c pkg.Coordinate) string {
	synthetic := fmt.Sprintf("Position actuelle (%.6f, %.6f)", c.Lat, c.Lng)
	if r.deps.Geocoder == nil {
		return synthetic
	}
	address, err := r.deps.Geocoder.ReverseGeocode(ctx, c)
	if err != nil || strings.TrimSpace(address) == "" {
		if errors.Is(err, pkg.ErrConfiguration) {
			r.deps.Metrics.RecordConfigError("geocoder")
			r.logger.Error("reverse geocoder misconfigured", "error", err)
		} else {
			r.logger.Debug("reverse geocode failed", "error", err)
		}
		return synthetic
	}
	return address
}

func (r *Resolver) fromIP(ctx context.Context, opts Options) (pkg.LocationFix, error) {
	if len(r.deps.Providers) == 0 {
		return pkg.LocationFix{}, errSkipped
	}

	w, err := ipgeo.Race(ctx, r.deps.Providers, r.config.IPTimeout)
	if err != nil {
		return pkg.LocationFix{}, err
	}
	r.deps.Metrics.RecordIPWinner(w.Provider)

	var parts []string
	for _, p := range []string{w.City, w.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	address := strings.Join(parts, ", ")
	if address == "" {
		address = fmt.Sprintf("Position approximative (%.4f, %.4f)", w.Lat, w.Lng)
	}

	return pkg.LocationFix{
		Address:        address,
		Lat:            w.Lat,
		Lng:            w.Lng,
		Source:         pkg.SourceIP,
		AccuracyMeters: pkg.Float64(ipAccuracy),
		Timestamp:      r.config.Now(),
	}, nil
}

func (r *Resolver) fromDatabase(ctx context.Context, opts Options) (pkg.LocationFix, error) {
	if r.deps.Places == nil {
		return pkg.LocationFix{}, errSkipped
	}

	rows, err := r.deps.Places.SearchPlaces(ctx, backend.PlaceQuery{
		City:       opts.City,
		MaxResults: databaseCandidates,
	})
	if err != nil {
		return pkg.LocationFix{}, err
	}

	var valid []backend.PlaceRow
	for _, row := range rows {
		if geo.IsValidCoordinate(row.Latitude, row.Longitude) {
			valid = append(valid, row)
		}
		if len(valid) == databaseTopPick {
			break
		}
	}
	if len(valid) == 0 {
		return pkg.LocationFix{}, fmt.Errorf("%d places for %s, none usable: %w", len(rows), opts.City, pkg.ErrInvalidCoordinate)
	}

	row := valid[r.intn(len(valid))]
	address := row.FormattedAddress
	if address == "" {
		address = row.Name
	}
	fix := pkg.LocationFix{
		Address:        address,
		Lat:            row.Latitude,
		Lng:            row.Longitude,
		Source:         pkg.SourceDatabase,
		AccuracyMeters: pkg.Float64(databaseAccuracy),
		Timestamp:      r.config.Now(),
	}
	if row.Name != "" {
		fix.Name = pkg.String(row.Name)
	}
	if row.Subtitle != "" {
		fix.Subtitle = pkg.String(row.Subtitle)
	}
	return fix, nil
}

func (r *Resolver) fromFallback(ctx context.Context, opts Options) (pkg.LocationFix, error) {
	if r.config.DisableFallback {
		return pkg.LocationFix{}, errSkipped
	}

	city := zones.LookupOrDefault(opts.City)
	r.randMu.Lock()
	zone := city.Zones[r.rng.Intn(len(city.Zones))]
	dLat := (r.rng.Float64()*2 - 1) * fallbackJitter
	dLng := (r.rng.Float64()*2 - 1) * fallbackJitter
	r.randMu.Unlock()

	return pkg.LocationFix{
		Address:        fmt.Sprintf("%s, %s", zone.Name, city.Name),
		Lat:            zone.Lat + dLat,
		Lng:            zone.Lng + dLng,
		Source:         pkg.SourceFallback,
		AccuracyMeters: pkg.Float64(fallbackAccuracy),
		Name:           pkg.String(zone.Name),
		Timestamp:      r.config.Now(),
	}, nil
}

func (r *Resolver) intn(n int) int {
	r.randMu.Lock()
	defer r.randMu.Unlock()
	return r.rng.Intn(n)
}
