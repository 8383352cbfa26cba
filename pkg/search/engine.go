// Package search runs debounced, cached and ranked place searches against
// the places store, with the city's zone list as an offline fallback.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/backend"
	"github.com/geotrack/geotrack/pkg/cache"
	"github.com/geotrack/geotrack/pkg/geo"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/metrics"
	"github.com/geotrack/geotrack/pkg/zones"
)

const (
	popularThreshold = 80.0
	fallbackLimit    = 5
	defaultIdentity  = "default"

	exactBonus    = 50.0
	prefixBonus   = 30.0
	containsBonus = 15.0

	proximityWeight = 20.0
	proximityRange  = 10000.0 // meters

	// storeWeight scales the store's own text score, normalized to the
	// best hit of the batch
	storeWeight = 25.0
)

// Config holds engine tuning
type Config struct {
	DefaultCity  string
	Debounce     time.Duration
	CacheTTL     time.Duration
	MaxResults   int
	StrictConfig bool
	Now          func() time.Time
}

// DefaultConfig returns the production tuning
func DefaultConfig() Config {
	return Config{
		DefaultCity: zones.Default,
		Debounce:    200 * time.Millisecond,
		CacheTTL:    10 * time.Minute,
		MaxResults:  10,
	}
}

// Options are per-call knobs
type Options struct {
	City string
	// Reference is the point distances are measured from
	Reference *pkg.Coordinate
	// Identity groups calls for debouncing, e.g. one per input field
	Identity   string
	MaxResults int
}

// Engine is safe for concurrent use
type Engine struct {
	config    Config
	places    backend.PlaceSearcher
	cache     *cache.Cache[[]pkg.SearchResult]
	debouncer *cache.Debouncer
	flights   singleflight.Group
	metrics   *metrics.Metrics
	logger    *logx.Logger
}

// New creates an engine. places may be nil, in which case every search
// uses the zone fallback.
func New(config Config, places backend.PlaceSearcher, m *metrics.Metrics, logger *logx.Logger) *Engine {
	def := DefaultConfig()
	if config.DefaultCity == "" {
		config.DefaultCity = def.DefaultCity
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.MaxResults <= 0 {
		config.MaxResults = def.MaxResults
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = logx.Discard()
	}

	return &Engine{
		config:    config,
		places:    places,
		cache:     cache.New[[]pkg.SearchResult](config.CacheTTL).WithClock(config.Now),
		debouncer: cache.NewDebouncer(config.Debounce),
		metrics:   m,
		logger:    logger.With("component", "search"),
	}
}

// Clear drops cached results and releases pending debounced calls with
// pkg.ErrSuperseded
func (e *Engine) Clear() {
	e.cache.Clear()
	e.debouncer.CancelAll()
}

func cacheKey(query, city string) string {
	return strings.ToLower(query) + "_" + strings.ToLower(city)
}

// Search returns ranked places for query. A call replaced by a newer one
// with the same identity inside the debounce window returns
// pkg.ErrSuperseded. Store failures degrade to the zone list.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]pkg.SearchResult, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		e.metrics.RecordSearch("empty")
		return []pkg.SearchResult{}, nil
	}
	if strings.TrimSpace(opts.City) == "" {
		opts.City = e.config.DefaultCity
	}
	if opts.Identity == "" {
		opts.Identity = defaultIdentity
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = e.config.MaxResults
	}
	key := cacheKey(q, opts.City)

	if results, ok := e.cache.Get(key); ok {
		e.metrics.RecordSearch("cache")
		return clone(results), nil
	}

	if err := e.debouncer.Wait(ctx, opts.Identity); err != nil {
		if errors.Is(err, pkg.ErrSuperseded) {
			e.metrics.RecordSearch("superseded")
		}
		return nil, err
	}

	v, err, shared := e.flights.Do(key, func() (interface{}, error) {
		if results, ok := e.cache.Get(key); ok {
			return results, nil
		}
		return e.query(ctx, key, q, opts)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("search shared an in-flight query", "query", q)
	}
	return clone(v.([]pkg.SearchResult)), nil
}

func (e *Engine) query(ctx context.Context, key, q string, opts Options) ([]pkg.SearchResult, error) {
	if e.places == nil {
		e.metrics.RecordSearch("fallback")
		return e.fallback(q, opts.City), nil
	}

	pq := backend.PlaceQuery{Query: q, City: opts.City, MaxResults: opts.MaxResults}
	if opts.Reference != nil {
		pq.UserLat = pkg.Float64(opts.Reference.Lat)
		pq.UserLng = pkg.Float64(opts.Reference.Lng)
	}

	rows, err := e.places.SearchPlaces(ctx, pq)
	if err != nil {
		if errors.Is(err, pkg.ErrConfiguration) {
			e.metrics.RecordConfigError("search")
			e.logger.Error("places store misconfigured", "error", err)
			if e.config.StrictConfig {
				return nil, fmt.Errorf("places search: %w", err)
			}
		} else {
			e.logger.Warn("places search failed, using zone list", "query", q, "error", err)
		}
		e.metrics.RecordSearch("fallback")
		return e.fallback(q, opts.City), nil
	}

	results := e.rank(q, rows, opts.Reference)
	e.cache.Set(key, results)
	e.metrics.RecordSearch("backend")
	e.logger.Debug("search completed", "query", q, "city", opts.City, "results", len(results))
	return results, nil
}

// ranked pairs a result with the popularity used to break ties
type ranked struct {
	result     pkg.SearchResult
	popularity float64
}

// rank maps store rows to results ordered by relevance, then popularity,
// then distance
func (e *Engine) rank(q string, rows []backend.PlaceRow, ref *pkg.Coordinate) []pkg.SearchResult {
	now := e.config.Now()

	var best float64
	for _, row := range rows {
		best = math.Max(best, row.Score)
	}

	candidates := make([]ranked, 0, len(rows))
	for _, row := range rows {
		if !geo.IsValidCoordinate(row.Latitude, row.Longitude) {
			e.logger.Debug("dropping place with invalid coordinate", "id", row.ID)
			continue
		}

		var distance *float64
		if ref != nil {
			distance = pkg.Float64(geo.HaversineMeters(*ref, pkg.Coordinate{Lat: row.Latitude, Lng: row.Longitude}))
		} else if row.DistanceMeters != nil {
			distance = pkg.Float64(*row.DistanceMeters)
		}

		var textScore float64
		if best > 0 && row.Score > 0 {
			textScore = row.Score / best
		}

		address := row.FormattedAddress
		if address == "" {
			address = row.Name
		}
		isPopular := row.PopularityScore > popularThreshold
		source := pkg.SourceDatabase
		if isPopular {
			source = pkg.SourcePopular
		}

		r := pkg.SearchResult{
			LocationFix: pkg.LocationFix{
				Address:   address,
				Lat:       row.Latitude,
				Lng:       row.Longitude,
				Source:    source,
				Timestamp: now,
			},
			ID:             row.ID,
			Badge:          row.Badge,
			IsPopular:      isPopular,
			DistanceMeters: distance,
			RelevanceScore: Relevance(q, row.Name, row.PopularityScore, textScore, distance),
		}
		if row.Name != "" {
			r.Name = pkg.String(row.Name)
			r.Title = pkg.String(row.Name)
		}
		if row.Subtitle != "" {
			r.Subtitle = pkg.String(row.Subtitle)
		}
		candidates = append(candidates, ranked{result: r, popularity: row.PopularityScore})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.result.RelevanceScore != b.result.RelevanceScore {
			return a.result.RelevanceScore > b.result.RelevanceScore
		}
		if a.popularity != b.popularity {
			return a.popularity > b.popularity
		}
		return distanceOf(a.result) < distanceOf(b.result)
	})

	results := make([]pkg.SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = c.result
	}
	return results
}

func distanceOf(r pkg.SearchResult) float64 {
	if r.DistanceMeters == nil {
		return math.Inf(1)
	}
	return *r.DistanceMeters
}

// Relevance scores a place: its popularity, a bonus for how well name
// matches the query, up to 25 points from the store's text score (textScore
// in [0,1], relative to the best hit) and up to 20 points for being within 10 km
func Relevance(query, name string, popularity, textScore float64, distance *float64) float64 {
	score := popularity + storeWeight*math.Min(1, math.Max(0, textScore))

	q := strings.ToLower(strings.TrimSpace(query))
	n := strings.ToLower(name)
	switch {
	case q == "":
	case n == q:
		score += exactBonus
	case strings.HasPrefix(n, q):
		score += prefixBonus
	case strings.Contains(n, q):
		score += containsBonus
	}

	if distance != nil {
		score += math.Max(0, proximityWeight*(1-*distance/proximityRange))
	}
	return score
}

// fallback lists matching zones of the city. These results are never cached.
func (e *Engine) fallback(q, city string) []pkg.SearchResult {
	c := zones.LookupOrDefault(city)
	now := e.config.Now()

	matches := c.Match(q, fallbackLimit)
	results := make([]pkg.SearchResult, 0, len(matches))
	for i, z := range matches {
		results = append(results, pkg.SearchResult{
			LocationFix: pkg.LocationFix{
				Address:        fmt.Sprintf("%s, %s", z.Name, c.Name),
				Lat:            z.Lat,
				Lng:            z.Lng,
				Source:         pkg.SourceFallback,
				AccuracyMeters: pkg.Float64(1),
				Name:           pkg.String(z.Name),
				Subtitle:       pkg.String(c.Name),
				Timestamp:      now,
			},
			ID:    fmt.Sprintf("fallback-%d", i),
			Title: pkg.String(z.Name),
		})
	}
	return results
}

func clone(results []pkg.SearchResult) []pkg.SearchResult {
	out := make([]pkg.SearchResult, len(results))
	copy(out, results)
	return out
}
