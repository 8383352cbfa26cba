package search

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/backend"
)

type countingPlaces struct {
	mu      sync.Mutex
	queries []backend.PlaceQuery
	rows    []backend.PlaceRow
	err     error
	gate    chan struct{}
}

func (p *countingPlaces) SearchPlaces(ctx context.Context, q backend.PlaceQuery) ([]backend.PlaceRow, error) {
	p.mu.Lock()
	p.queries = append(p.queries, q)
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return p.rows, p.err
}

func (p *countingPlaces) calls() []backend.PlaceQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]backend.PlaceQuery(nil), p.queries...)
}

var places = []backend.PlaceRow{
	{ID: "a", Name: "Kinshasa Gare Centrale", FormattedAddress: "Gombe", Latitude: -4.3010, Longitude: 15.3130, PopularityScore: 70},
	{ID: "b", Name: "Kinshasa", FormattedAddress: "Kinshasa", Latitude: -4.3217, Longitude: 15.3125, PopularityScore: 60},
	{ID: "c", Name: "Marché de Kinshasa", FormattedAddress: "Barumbu", Latitude: -4.3150, Longitude: 15.3250, PopularityScore: 90, Badge: pkg.String("Populaire")},
	{ID: "bad", Name: "Nowhere", Latitude: 0, Longitude: 0, PopularityScore: 100},
}

func testEngine(p backend.PlaceSearcher, debounce time.Duration) *Engine {
	cfg := DefaultConfig()
	cfg.Debounce = debounce
	return New(cfg, p, nil, nil)
}

func TestDebounceCoalescesKeystrokes(t *testing.T) {
	backend := &countingPlaces{rows: places}
	e := testEngine(backend, 200*time.Millisecond)

	queries := []string{"kin", "kins", "kinshasa"}
	errs := make([]error, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			_, errs[i] = e.Search(context.Background(), q, Options{City: "Kinshasa"})
		}(i, q)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	calls := backend.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "kinshasa", calls[0].Query)
	assert.ErrorIs(t, errs[0], pkg.ErrSuperseded)
	assert.ErrorIs(t, errs[1], pkg.ErrSuperseded)
	assert.NoError(t, errs[2])
}

func TestSeparateIdentitiesDoNotSupersede(t *testing.T) {
	backend := &countingPlaces{rows: places}
	e := testEngine(backend, 20*time.Millisecond)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for _, id := range []string{"pickup", "dropoff"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := e.Search(context.Background(), "gare "+id, Options{Identity: id}); err != nil {
				failures.Add(1)
			}
		}(id)
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
	assert.Len(t, backend.calls(), 2)
}

func TestCacheHitSkipsDebounce(t *testing.T) {
	backend := &countingPlaces{rows: places}
	e := testEngine(backend, 100*time.Millisecond)
	ctx := context.Background()

	first, err := e.Search(ctx, "Kinshasa", Options{City: "Kinshasa"})
	require.NoError(t, err)

	start := time.Now()
	second, err := e.Search(ctx, "  kinshasa ", Options{City: "kinshasa"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "cache hit must not wait for the debounce")
	assert.Equal(t, first, second)
	assert.Len(t, backend.calls(), 1)

	second[0].ID = "mutated"
	third, _ := e.Search(ctx, "kinshasa", Options{City: "Kinshasa"})
	assert.NotEqual(t, "mutated", third[0].ID, "callers get copies")

	e.Clear()
	_, err = e.Search(ctx, "kinshasa", Options{City: "Kinshasa"})
	require.NoError(t, err)
	assert.Len(t, backend.calls(), 2)
}

func TestRanking(t *testing.T) {
	e := testEngine(&countingPlaces{rows: places}, 0)
	ref := pkg.Coordinate{Lat: -4.3217, Lng: 15.3125}

	results, err := e.Search(context.Background(), "kinshasa", Options{City: "Kinshasa", Reference: &ref})
	require.NoError(t, err)
	require.Len(t, results, 3, "invalid coordinates are dropped")

	// b: 60 + 50 exact + 20 at distance 0 = 130
	// c: 90 + 15 contains + ~16.9 = ~121.9
	// a: 70 + 30 prefix + ~15.4 = ~115.4
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.Equal(t, "a", results[2].ID)
	assert.InDelta(t, 130, results[0].RelevanceScore, 0.001)

	assert.False(t, results[0].IsPopular)
	assert.True(t, results[1].IsPopular)
	assert.Equal(t, pkg.SourcePopular, results[1].Source)
	assert.Equal(t, pkg.SourceDatabase, results[0].Source)
	require.NotNil(t, results[1].Badge)
	assert.Equal(t, "Populaire", *results[1].Badge)
	require.NotNil(t, results[0].DistanceMeters)
	assert.InDelta(t, 0, *results[0].DistanceMeters, 0.001)
	require.NotNil(t, results[0].Title)
	assert.Equal(t, "Kinshasa", *results[0].Title)
}

func TestRankingTieBreaks(t *testing.T) {
	rows := []backend.PlaceRow{
		{ID: "far", Name: "Zeta", Latitude: -4.30, Longitude: 15.30, PopularityScore: 50, DistanceMeters: pkg.Float64(20000)},
		{ID: "near", Name: "Zeta", Latitude: -4.31, Longitude: 15.31, PopularityScore: 50, DistanceMeters: pkg.Float64(15000)},
		{ID: "farthest", Name: "Zeta", Latitude: -4.32, Longitude: 15.32, PopularityScore: 50, DistanceMeters: pkg.Float64(30000)},
	}
	e := testEngine(&countingPlaces{rows: rows}, 0)

	results, err := e.Search(context.Background(), "omega", Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	// equal relevance and popularity; nearest first
	assert.Equal(t, "near", results[0].ID)
	assert.Equal(t, "far", results[1].ID)
	assert.Equal(t, "farthest", results[2].ID)
}

func TestStoreScoreOrdersOtherwiseEqualPlaces(t *testing.T) {
	rows := []backend.PlaceRow{
		{ID: "weak", Name: "Gombe Nord", Latitude: -4.30, Longitude: 15.30, PopularityScore: 50, Score: 0.1},
		{ID: "strong", Name: "Gombe Sud", Latitude: -4.31, Longitude: 15.31, PopularityScore: 50, Score: 99},
	}
	e := testEngine(&countingPlaces{rows: rows}, 0)

	results, err := e.Search(context.Background(), "gombe", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "strong", results[0].ID)
	assert.Equal(t, "weak", results[1].ID)
	// 50 + 30 prefix + 25 for the best store hit
	assert.InDelta(t, 105, results[0].RelevanceScore, 1e-9)
	assert.InDelta(t, 80+25*0.1/99, results[1].RelevanceScore, 1e-9)
}

func TestDuplicateIDsKeepTheirOwnPopularity(t *testing.T) {
	rows := []backend.PlaceRow{
		{ID: "dup", Name: "Zeta", Latitude: -4.31, Longitude: 15.31, PopularityScore: 20, DistanceMeters: pkg.Float64(5000)},
		{ID: "dup", Name: "Zeta", Latitude: -4.30, Longitude: 15.30, PopularityScore: 30},
	}
	e := testEngine(&countingPlaces{rows: rows}, 0)

	// both score 30: 20 + 10 proximity against 30 with no distance
	results, err := e.Search(context.Background(), "omega", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, results[0].RelevanceScore, results[1].RelevanceScore, 1e-9)
	assert.Nil(t, results[0].DistanceMeters, "the more popular row wins the tie")
	require.NotNil(t, results[1].DistanceMeters)
}

func TestRelevance(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		place    string
		pop      float64
		text     float64
		distance *float64
		want     float64
	}{
		{"exact", "gombe", "Gombe", 10, 0, nil, 60},
		{"prefix", "gom", "Gombe", 10, 0, nil, 40},
		{"contains", "omb", "Gombe", 10, 0, nil, 25},
		{"no match", "xyz", "Gombe", 10, 0, nil, 10},
		{"best store hit", "xyz", "Gombe", 10, 1, nil, 35},
		{"half store hit", "xyz", "Gombe", 10, 0.5, nil, 22.5},
		{"store score clamped", "xyz", "Gombe", 0, 3, nil, 25},
		{"at reference", "xyz", "Gombe", 0, 0, pkg.Float64(0), 20},
		{"halfway", "xyz", "Gombe", 0, 0, pkg.Float64(5000), 10},
		{"beyond range", "xyz", "Gombe", 0, 0, pkg.Float64(25000), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Relevance(tt.query, tt.place, tt.pop, tt.text, tt.distance), 1e-9)
		})
	}
}

func TestBackendFailureFallsBackToZones(t *testing.T) {
	backend := &countingPlaces{err: fmt.Errorf("rpc down: %w", pkg.ErrNetwork)}
	e := testEngine(backend, 0)
	ctx := context.Background()

	results, err := e.Search(ctx, "LI", Options{City: "Kinshasa"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	names := []string{}
	for i, r := range results {
		names = append(names, *r.Name)
		assert.Equal(t, fmt.Sprintf("fallback-%d", i), r.ID)
		assert.Equal(t, pkg.SourceFallback, r.Source)
		assert.Equal(t, 1.0, r.Accuracy())
	}
	assert.Equal(t, []string{"Lingwala", "Ngaliema", "Limete"}, names)

	results, err = e.Search(ctx, "a", Options{City: "Kinshasa"})
	require.NoError(t, err)
	assert.Len(t, results, 5, "fallback caps at five")

	_, err = e.Search(ctx, "LI", Options{City: "Kinshasa"})
	require.NoError(t, err)
	assert.Len(t, backend.calls(), 3, "fallback results are not cached")
}

func TestStrictConfigSurfacesMisconfiguration(t *testing.T) {
	backend := &countingPlaces{err: fmt.Errorf("no index: %w", pkg.ErrConfiguration)}

	cfg := DefaultConfig()
	cfg.Debounce = 0
	cfg.StrictConfig = true
	_, err := New(cfg, backend, nil, nil).Search(context.Background(), "gombe", Options{})
	assert.ErrorIs(t, err, pkg.ErrConfiguration)

	results, err := testEngine(backend, 0).Search(context.Background(), "gombe", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Gombe", *results[0].Name)
}

func TestNoStoreUsesZones(t *testing.T) {
	results, err := testEngine(nil, 0).Search(context.Background(), "ruashi", Options{City: "Lubumbashi"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Ruashi, Lubumbashi", results[0].Address)
}

func TestEmptyQuery(t *testing.T) {
	backend := &countingPlaces{rows: places}
	results, err := testEngine(backend, time.Second).Search(context.Background(), "   ", Options{})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Empty(t, backend.calls())
}

func TestIdenticalQueriesShareOneCall(t *testing.T) {
	backend := &countingPlaces{rows: places, gate: make(chan struct{})}
	e := testEngine(backend, time.Millisecond)

	var wg sync.WaitGroup
	out := make([][]pkg.SearchResult, 2)
	for i, id := range []string{"tab-1", "tab-2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out[i], _ = e.Search(context.Background(), "kinshasa", Options{Identity: id})
		}(i, id)
	}

	require.Eventually(t, func() bool { return len(backend.calls()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	assert.Len(t, backend.calls(), 1)
	assert.Equal(t, out[0], out[1])
}

func TestClearReleasesPendingSearch(t *testing.T) {
	backend := &countingPlaces{rows: places}
	e := testEngine(backend, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := e.Search(context.Background(), "gombe", Options{})
		done <- err
	}()
	require.Eventually(t, func() bool { return e.debouncer.Pending() == 1 }, time.Second, time.Millisecond)

	e.Clear()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, pkg.ErrSuperseded)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Clear did not release the pending search")
	}
	assert.Empty(t, backend.calls())
}
