package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/geotrack/geotrack/pkg/api"
	"github.com/geotrack/geotrack/pkg/backend"
	"github.com/geotrack/geotrack/pkg/device"
	"github.com/geotrack/geotrack/pkg/health"
	"github.com/geotrack/geotrack/pkg/ipgeo"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/metrics"
	"github.com/geotrack/geotrack/pkg/presence"
	"github.com/geotrack/geotrack/pkg/resolver"
	"github.com/geotrack/geotrack/pkg/search"
	"github.com/geotrack/geotrack/pkg/tracker"
	"github.com/geotrack/geotrack/pkg/uci"
)

// daemon holds the wired components and what must be closed on exit
type daemon struct {
	router        http.Handler
	resolver      *resolver.Resolver
	engine        *search.Engine
	tracker       *tracker.Tracker
	health        *health.Checker
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	closers       []func()
}

func (d *daemon) close() {
	d.resolver.Close()
	d.engine.Clear()
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// build wires configuration into running components. Stores that fail to
// connect are logged and left out; the cascade degrades instead of failing.
func build(ctx context.Context, config *uci.Config, logger *logx.Logger) (*daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	d := &daemon{
		health:        health.NewChecker(version, logger),
		metrics:       m,
		metricsServer: metrics.NewServer(reg, logger.With("component", "metrics")),
	}

	var (
		places   backend.PlaceSearcher
		geocoder backend.ReverseGeocoder
		sinks    backend.MultiSink
		nearby   backend.NearbyFinder
	)

	if config.Backend.ElasticURL != "" {
		es, err := backend.NewElasticStore(config.Backend.ElasticURL, config.Backend.ElasticIndex, logger.With("component", "elastic"))
		if err != nil {
			logger.Warn("Elasticsearch unavailable, place search uses zones", "error", err)
		} else {
			places = es
			geocoder = es
			d.health.Register("elastic", es.Ping)
		}
	}

	if config.Backend.GoogleAPIKey != "" {
		g, err := backend.NewGoogleGeocoder(config.Backend.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("google geocoder: %w", err)
		}
		geocoder = g
	}

	if config.Backend.PostgresDSN != "" {
		pg, err := backend.NewPostgresStore(ctx, config.Backend.PostgresDSN)
		if err != nil {
			logger.Warn("Postgres unavailable", "error", err)
		} else {
			sinks = append(sinks, pg)
			nearby = pg
			d.health.Register("postgres", pg.Ping)
			d.closers = append(d.closers, pg.Close)
		}
	}

	if config.Backend.SQLitePath != "" {
		lite, err := backend.NewSQLiteStore(config.Backend.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		sinks = append(sinks, lite)
		if nearby == nil {
			nearby = lite
		}
		d.health.Register("sqlite", lite.Ping)
		d.closers = append(d.closers, func() { lite.Close() })
	}

	if config.Backend.RedisURL != "" {
		rs, err := backend.NewRedisGeoStore(ctx, config.Backend.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable", "error", err)
		} else {
			sinks = append(sinks, rs)
			nearby = rs
			d.health.Register("redis", rs.Ping)
			d.closers = append(d.closers, func() { rs.Close() })
		}
	}

	if config.Backend.AMQPURL != "" {
		b, err := backend.NewAMQPBroadcaster(config.Backend.AMQPURL, config.Backend.AMQPExchange)
		if err != nil {
			logger.Warn("AMQP unavailable", "error", err)
		} else {
			sinks = append(sinks, b)
			d.closers = append(d.closers, func() { b.Close() })
		}
	}

	var locator device.Locator
	switch config.Device {
	case "gpsd":
		locator = device.NewGPSD(logger.With("component", "gpsd"))
	case "starlink":
		sl := device.NewStarlink(config.StarlinkAddr, logger.With("component", "starlink"))
		locator = sl
		d.closers = append(d.closers, func() { sl.Close() })
	}

	providers, err := ipProviders(config.IPGeo)
	if err != nil {
		return nil, err
	}

	// the tracker is built after the channel, so events are routed through
	// this variable; none arrive before Start subscribes
	var trk *tracker.Tracker
	onPresence := func(e presence.Event) {
		if trk != nil {
			trk.OnPresence(e)
		}
	}

	var channel presence.Channel
	switch config.Presence.Transport {
	case "mqtt":
		channel = presence.NewMQTTChannel(presence.MQTTConfig{
			Broker:      config.Presence.MQTTBroker,
			Port:        config.Presence.MQTTPort,
			TopicPrefix: config.Presence.TopicPrefix,
			QoS:         1,
			AgentID:     config.AgentID,
		}, logger.With("component", "presence"), onPresence)
	case "websocket":
		channel = presence.NewWSChannel(config.Presence.WSURL, config.Presence.Channel, logger.With("component", "presence"), onPresence)
	}

	rc := resolver.DefaultConfig()
	rc.DefaultCity = config.DefaultCity
	rc.CacheTTL = config.CacheTTL()
	rc.GPSAttempts = config.GPSAttempts
	rc.GPSRetryDelay = config.GPSRetryDelay()
	rc.GPSTimeout = config.GPSTimeout()
	rc.IPTimeout = config.IPTimeout()
	rc.DisableFallback = config.DisableFallback
	rc.StrictConfig = config.StrictConfig
	rc.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))

	d.resolver = resolver.New(rc, resolver.Deps{
		Locator:   locator,
		Geocoder:  geocoder,
		Providers: providers,
		Places:    places,
		Metrics:   m,
		Logger:    logger,
	})

	sc := search.DefaultConfig()
	sc.DefaultCity = config.DefaultCity
	sc.Debounce = config.SearchDebounce()
	sc.CacheTTL = config.CacheTTL()
	sc.StrictConfig = config.StrictConfig
	d.engine = search.New(sc, places, m, logger)

	td := tracker.Deps{
		Locator:  locator,
		Presence: channel,
		Nearby:   nearby,
		Metrics:  m,
		Logger:   logger,
	}
	if len(sinks) > 0 {
		td.Sink = sinks
	}
	trk = tracker.New(tracker.Config{
		AgentID:        config.AgentID,
		ReconnectDelay: config.ReconnectDelay(),
	}, td)
	d.tracker = trk

	d.health.Register("tracker", func(ctx context.Context) error {
		return trk.State().Err
	})

	d.router = api.New(d.resolver, d.engine, d.tracker, d.health, logger).Router()
	return d, nil
}

func ipProviders(configs []uci.IPGeoConfig) ([]ipgeo.Provider, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	var providers []ipgeo.Provider
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		p, err := ipgeo.NewHTTPProvider(c.Name, c.Format, c.URL, c.RatePerSec, client)
		if err != nil {
			return nil, fmt.Errorf("ipgeo provider %s: %w", c.Name, err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func trackOptions(config *uci.Config) tracker.TrackOptions {
	return tracker.TrackOptions{
		HighAccuracy: true,
		Timeout:      config.GPSTimeout(),
	}
}
