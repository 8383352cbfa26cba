package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/olivere/elastic/v7"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/geo"
	"github.com/geotrack/geotrack/pkg/logx"
)

// Place is the indexed document
type Place struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Subtitle   string           `json:"subtitle,omitempty"`
	Address    string           `json:"address"`
	City       string           `json:"city"`
	Location   elastic.GeoPoint `json:"location"`
	Popularity float64          `json:"popularity_score"`
	Badge      string           `json:"badge,omitempty"`
}

// ElasticStore serves places search and nearest-place reverse geocoding
// from an Elasticsearch index with a geo_point "location" field
type ElasticStore struct {
	Client *elastic.Client
	Index  string
	logger *logx.Logger
}

// NewElasticStore connects to url without sniffing, which suits single
// nodes and proxies
func NewElasticStore(url, index string, logger *logx.Logger) (*ElasticStore, error) {
	client, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create elastic client: %w", err)
	}
	return &ElasticStore{Client: client, Index: index, logger: logger}, nil
}

// classify separates a broken integration (missing index, rejected query)
// from a transient failure
func classify(op string, err error) error {
	if elastic.IsNotFound(err) || elastic.IsStatusCode(err, 400) {
		return fmt.Errorf("%s: %v: %w", op, err, pkg.ErrConfiguration)
	}
	return fmt.Errorf("%s: %v: %w", op, err, pkg.ErrNetwork)
}

// SearchPlaces implements PlaceSearcher. Rows come back in the store's
// order: text score, then popularity.
func (es *ElasticStore) SearchPlaces(ctx context.Context, q PlaceQuery) ([]PlaceRow, error) {
	query := elastic.NewBoolQuery()
	if q.City != "" {
		query = query.Filter(elastic.NewMatchQuery("city", q.City))
	}
	if q.Query != "" {
		query = query.Must(elastic.NewMultiMatchQuery(q.Query, "name^3", "subtitle", "address").
			Type("best_fields").
			Fuzziness("AUTO"))
	} else {
		query = query.Must(elastic.NewMatchAllQuery())
	}

	size := q.MaxResults
	if size <= 0 {
		size = 10
	}

	res, err := es.Client.Search().
		Index(es.Index).
		Query(query).
		SortBy(elastic.NewScoreSort(), elastic.NewFieldSort("popularity_score").Desc()).
		Size(size).
		Do(ctx)
	if err != nil {
		return nil, classify("places search", err)
	}

	rows := make([]PlaceRow, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		var p Place
		if err := json.Unmarshal(hit.Source, &p); err != nil {
			es.logger.Debug("skipping undecodable place", "id", hit.Id, "error", err)
			continue
		}
		row := PlaceRow{
			ID:               p.ID,
			Name:             p.Name,
			Subtitle:         p.Subtitle,
			FormattedAddress: p.Address,
			Latitude:         p.Location.Lat,
			Longitude:        p.Location.Lon,
			PopularityScore:  p.Popularity,
		}
		if row.ID == "" {
			row.ID = hit.Id
		}
		if hit.Score != nil {
			row.Score = *hit.Score
		}
		if p.Badge != "" {
			row.Badge = pkg.String(p.Badge)
		}
		if q.UserLat != nil && q.UserLng != nil {
			d := geo.HaversineMeters(pkg.Coordinate{Lat: *q.UserLat, Lng: *q.UserLng}, pkg.Coordinate{Lat: row.Latitude, Lng: row.Longitude})
			row.DistanceMeters = &d
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReverseGeocode implements ReverseGeocoder with the nearest indexed place
// within two kilometres
func (es *ElasticStore) ReverseGeocode(ctx context.Context, c pkg.Coordinate) (string, error) {
	res, err := es.Client.Search().
		Index(es.Index).
		Query(elastic.NewGeoDistanceQuery("location").Point(c.Lat, c.Lng).Distance("2km")).
		SortBy(elastic.NewGeoDistanceSort("location").
			Point(c.Lat, c.Lng).
			Asc().
			Unit("m").
			DistanceType("arc").
			IgnoreUnmapped(true)).
		Size(1).
		Do(ctx)
	if err != nil {
		return "", classify("reverse geocode", err)
	}
	if len(res.Hits.Hits) == 0 {
		return "", fmt.Errorf("no place near (%.6f, %.6f): %w", c.Lat, c.Lng, pkg.ErrPositionUnavailable)
	}

	var p Place
	if err := json.Unmarshal(res.Hits.Hits[0].Source, &p); err != nil {
		return "", fmt.Errorf("decode place: %v: %w", err, pkg.ErrNetwork)
	}
	if p.Address != "" {
		return p.Address, nil
	}
	return p.Name, nil
}

// IndexPlaces bulk-loads places, keyed by their ID
func (es *ElasticStore) IndexPlaces(ctx context.Context, places []Place) error {
	if len(places) == 0 {
		return nil
	}
	bulk := es.Client.Bulk().Index(es.Index)
	for _, place := range places {
		bulk.Add(elastic.NewBulkIndexRequest().Id(place.ID).Doc(place))
	}
	res, err := bulk.Do(ctx)
	if err != nil {
		return classify("bulk index", err)
	}
	if res.Errors {
		return fmt.Errorf("bulk index: %d items failed: %w", len(res.Failed()), pkg.ErrNetwork)
	}
	return nil
}

// Ping checks the places index exists
func (es *ElasticStore) Ping(ctx context.Context) error {
	ok, err := es.Client.IndexExists(es.Index).Do(ctx)
	if err != nil {
		return classify("index exists", err)
	}
	if !ok {
		return fmt.Errorf("index %s missing: %w", es.Index, pkg.ErrConfiguration)
	}
	return nil
}
