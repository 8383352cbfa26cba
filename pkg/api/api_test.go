package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/health"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/resolver"
	"github.com/geotrack/geotrack/pkg/search"
	"github.com/geotrack/geotrack/pkg/tracker"
)

type fakeResolver struct {
	fix  pkg.LocationFix
	err  error
	last resolver.Options
}

func (f *fakeResolver) Resolve(ctx context.Context, opts resolver.Options) (pkg.LocationFix, error) {
	f.last = opts
	return f.fix, f.err
}

type fakeSearcher struct {
	results []pkg.SearchResult
	err     error
	query   string
	last    search.Options
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts search.Options) ([]pkg.SearchResult, error) {
	f.query = query
	f.last = opts
	return f.results, f.err
}

type fakeTracker struct {
	state    tracker.State
	startErr error
	opts     tracker.TrackOptions
	radius   float64
	agents   []pkg.Agent
}

func (f *fakeTracker) Start(ctx context.Context, opts tracker.TrackOptions) error {
	f.opts = opts
	if f.startErr != nil {
		return f.startErr
	}
	f.state.IsTracking = true
	return nil
}

func (f *fakeTracker) Stop(ctx context.Context) error {
	f.state.IsTracking = false
	return nil
}

func (f *fakeTracker) State() tracker.State { return f.state }

func (f *fakeTracker) NearbyAgents(ctx context.Context, radiusKm float64) []pkg.Agent {
	f.radius = radiusKm
	return f.agents
}

type fixture struct {
	resolver *fakeResolver
	searcher *fakeSearcher
	tracker  *fakeTracker
	router   http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		resolver: &fakeResolver{},
		searcher: &fakeSearcher{},
		tracker:  &fakeTracker{},
	}
	checker := health.NewChecker("test", logx.Discard())
	f.router = New(f.resolver, f.searcher, f.tracker, checker, logx.Discard()).Router()
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetPosition(t *testing.T) {
	f := newFixture()
	f.resolver.fix = pkg.LocationFix{
		Address: "Gombe, Kinshasa",
		Lat:     -4.3017,
		Lng:     15.3136,
		Source:  pkg.SourceFallback,
	}

	rec := f.do(http.MethodGet, "/v1/position?city=Kinshasa&high_accuracy=true&timeout_ms=2500&refresh=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var fix pkg.LocationFix
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fix))
	assert.Equal(t, "Gombe, Kinshasa", fix.Address)
	assert.Equal(t, pkg.SourceFallback, fix.Source)

	assert.Equal(t, resolver.Options{
		City:         "Kinshasa",
		HighAccuracy: true,
		Timeout:      2500 * time.Millisecond,
		ForceRefresh: true,
	}, f.resolver.last)
}

func TestGetPositionErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
		code   string
	}{
		{"bad timeout", "/v1/position?timeout_ms=-5", nil, http.StatusBadRequest, "invalid_parameter"},
		{"bad flag", "/v1/position?high_accuracy=maybe", nil, http.StatusBadRequest, "invalid_parameter"},
		{"exhausted", "/v1/position", pkg.ErrNoLocationAvailable, http.StatusServiceUnavailable, "no_location"},
		{"strict config", "/v1/position", fmt.Errorf("database tier: %w", pkg.ErrConfiguration), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.resolver.err = tt.err
			rec := f.do(http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestSearchPlaces(t *testing.T) {
	f := newFixture()
	f.searcher.results = []pkg.SearchResult{{ID: "p1", RelevanceScore: 130}}

	rec := f.do(http.MethodGet, "/v1/places?q=gare&city=Kinshasa&lat=-4.3&lng=15.3&identity=pickup&limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var results []pkg.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].ID)

	assert.Equal(t, "gare", f.searcher.query)
	assert.Equal(t, "Kinshasa", f.searcher.last.City)
	assert.Equal(t, "pickup", f.searcher.last.Identity)
	assert.Equal(t, 3, f.searcher.last.MaxResults)
	require.NotNil(t, f.searcher.last.Reference)
	assert.Equal(t, pkg.Coordinate{Lat: -4.3, Lng: 15.3}, *f.searcher.last.Reference)
}

func TestSearchPlacesErrors(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/v1/places?q=gare&lat=abc&lng=15.3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/v1/places?q=gare&lat=-4.3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "lat without lng")

	rec = f.do(http.MethodGet, "/v1/places?q=gare&lat=95&lng=15.3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/v1/places?q=gare&limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.searcher.err = pkg.ErrSuperseded
	rec = f.do(http.MethodGet, "/v1/places?q=gare", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "superseded", decodeError(t, rec).Error)
}

func TestSearchIdentity(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"explicit", "/v1/places?q=gare&identity=pickup", "", "pickup"},
		{"session header", "/v1/places?q=gare", "rider-42", "session:rider-42"},
		{"remote address", "/v1/places?q=gare", "", "addr:198.51.100.7:5123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			req.RemoteAddr = "198.51.100.7:5123"
			if tt.header != "" {
				req.Header.Set(sessionHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, f.searcher.last.Identity)
		})
	}
}

func TestConcurrentClientsDoNotSupersede(t *testing.T) {
	cfg := search.DefaultConfig()
	cfg.Debounce = 200 * time.Millisecond
	engine := search.New(cfg, nil, nil, logx.Discard())
	router := New(&fakeResolver{}, engine, &fakeTracker{}, nil, logx.Discard()).Router()

	clients := []struct {
		addr  string
		query string
	}{
		{"198.51.100.7:5123", "gombe"},
		{"203.0.113.9:40100", "lemba"},
	}

	codes := make([]int, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, addr, query string) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/v1/places?city=Kinshasa&q="+query, nil)
			req.RemoteAddr = addr
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i, c.addr, c.query)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
}

func TestTrackingLifecycle(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/v1/tracking/start", `{"high_accuracy":true,"timeout_ms":8000,"max_age_ms":1000}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, tracker.TrackOptions{
		HighAccuracy: true,
		Timeout:      8 * time.Second,
		MaxAge:       time.Second,
	}, f.tracker.opts)

	last := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	f.tracker.state.AdaptiveInterval = 15 * time.Second
	f.tracker.state.LastUpdate = last
	f.tracker.state.Err = errors.New("timeout: watch stalled")

	rec = f.do(http.MethodGet, "/v1/tracking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view TrackingView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.IsTracking)
	assert.Equal(t, int64(15000), view.AdaptiveIntervalMS)
	assert.Equal(t, "timeout: watch stalled", view.Error)
	require.NotNil(t, view.LastUpdate)
	assert.True(t, last.Equal(*view.LastUpdate))

	rec = f.do(http.MethodPost, "/v1/tracking/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.IsTracking)
}

func TestStartTrackingErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"high_accuracy":`, nil, http.StatusBadRequest},
		{"negative timeout", `{"timeout_ms":-1}`, nil, http.StatusBadRequest},
		{"unsupported", "", pkg.ErrGeolocationUnsupported, http.StatusNotImplemented},
		{"denied", "", pkg.ErrPermissionDenied, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.tracker.startErr = tt.err
			rec := f.do(http.MethodPost, "/v1/tracking/start", tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestNearbyAgents(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/v1/agents/nearby", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultNearbyKm, f.tracker.radius)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.tracker.agents = []pkg.Agent{{ID: "moto-7", Lat: -4.31, Lng: 15.31, IsOnline: true, DistanceMeters: 850}}
	rec = f.do(http.MethodGet, "/v1/agents/nearby?radius_km=2.5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.5, f.tracker.radius)

	var agents []pkg.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "moto-7", agents[0].ID)

	rec = f.do(http.MethodGet, "/v1/agents/nearby?radius_km=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthMounted(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "").Code)
}
