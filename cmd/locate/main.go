package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/backend"
	"github.com/geotrack/geotrack/pkg/device"
	"github.com/geotrack/geotrack/pkg/geo"
	"github.com/geotrack/geotrack/pkg/ipgeo"
	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/resolver"
	"github.com/geotrack/geotrack/pkg/search"
	"github.com/geotrack/geotrack/pkg/uci"
)

var (
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configFile = flag.String("config", "/etc/config/geotrack", "UCI config file path")
	city       = flag.String("city", "", "City to resolve or search in")
	query      = flag.String("search", "", "Search places instead of resolving the position")
	deviceName = flag.String("device", "", "Device override (gpsd|starlink|none)")
	noGPS      = flag.Bool("no-gps", false, "Skip the device tier")
	continuous = flag.Bool("continuous", false, "Resolve repeatedly")
	interval   = flag.Duration("interval", 10*time.Second, "Resolve interval for continuous mode")
	timeout    = flag.Duration("timeout", 30*time.Second, "Timeout per resolve")
)

func main() {
	flag.Parse()

	// Initialize logger
	logLevel := "warn"
	if *verbose {
		logLevel = "debug"
	}
	logger := logx.NewLogger(logLevel, "locate")

	config, err := uci.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *deviceName != "" {
		config.Device = *deviceName
	}

	var places backend.PlaceSearcher
	if config.Backend.ElasticURL != "" {
		es, err := backend.NewElasticStore(config.Backend.ElasticURL, config.Backend.ElasticIndex, logger)
		if err != nil {
			fmt.Printf("⚠️  Elasticsearch unavailable, using built-in zones: %v\n", err)
		} else {
			places = es
		}
	}

	if *query != "" {
		runSearch(config, places, logger)
		return
	}

	r := newResolver(config, places, logger)
	defer r.Close()

	fmt.Println("Position Resolution Tool")
	fmt.Println("========================")

	if !*continuous {
		if !resolveOnce(r) {
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	count := 0
	for {
		count++
		fmt.Printf("\n--- Resolve #%d ---\n", count)
		resolveOnce(r)

		// Wait for next interval
		<-ticker.C
	}
}

func newResolver(config *uci.Config, places backend.PlaceSearcher, logger *logx.Logger) *resolver.Resolver {
	var locator device.Locator
	switch config.Device {
	case "gpsd":
		locator = device.NewGPSD(logger)
	case "starlink":
		locator = device.NewStarlink(config.StarlinkAddr, logger)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	var providers []ipgeo.Provider
	for _, c := range config.IPGeo {
		if !c.Enabled {
			continue
		}
		p, err := ipgeo.NewHTTPProvider(c.Name, c.Format, c.URL, c.RatePerSec, client)
		if err != nil {
			fmt.Printf("⚠️  Skipping provider %s: %v\n", c.Name, err)
			continue
		}
		providers = append(providers, p)
	}

	rc := resolver.DefaultConfig()
	rc.DefaultCity = config.DefaultCity
	rc.GPSAttempts = config.GPSAttempts
	rc.GPSRetryDelay = config.GPSRetryDelay()
	rc.GPSTimeout = config.GPSTimeout()
	rc.IPTimeout = config.IPTimeout()
	rc.DisableFallback = config.DisableFallback
	rc.StrictConfig = config.StrictConfig

	var geocoder backend.ReverseGeocoder
	if g, ok := places.(backend.ReverseGeocoder); ok {
		geocoder = g
	}

	return resolver.New(rc, resolver.Deps{
		Locator:   locator,
		Geocoder:  geocoder,
		Providers: providers,
		Places:    places,
		Logger:    logger,
	})
}

func resolveOnce(r *resolver.Resolver) bool {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fix, err := r.Resolve(ctx, resolver.Options{City: *city, SkipGPS: *noGPS, ForceRefresh: true})
	if err != nil {
		fmt.Printf("❌ Resolve failed: %v\n", err)
		return false
	}
	displayFix(fix)
	return true
}

func runSearch(config *uci.Config, places backend.PlaceSearcher, logger *logx.Logger) {
	sc := search.DefaultConfig()
	sc.DefaultCity = config.DefaultCity
	sc.Debounce = 0
	engine := search.New(sc, places, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	results, err := engine.Search(ctx, *query, search.Options{City: *city})
	if err != nil {
		fmt.Printf("❌ Search failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d result(s) for %q\n", len(results), *query)
	for i, res := range results {
		fmt.Printf("%2d. %s  [%s, score %.1f]\n", i+1, res.Address, res.Source, res.RelevanceScore)
		if res.DistanceMeters != nil {
			fmt.Printf("    %s away\n", geo.FormatDistance(*res.DistanceMeters))
		}
	}
}

func displayFix(fix pkg.LocationFix) {
	fmt.Println("✅ Position resolved:")
	fmt.Printf("   📍 Coordinates: %.6f, %.6f\n", fix.Lat, fix.Lng)
	fmt.Printf("   🏠 Address: %s\n", fix.Address)
	fmt.Printf("   📡 Source: %s\n", fix.Source)
	if fix.AccuracyMeters != nil {
		fmt.Printf("   🎯 Accuracy: %s\n", geo.FormatDistance(*fix.AccuracyMeters))
	}
	if fix.Name != nil {
		fmt.Printf("   🏷️  Name: %s\n", *fix.Name)
	}
	fmt.Printf("   ⏰ Timestamp: %s\n", fix.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("   🗺️  Google Maps: https://maps.google.com/?q=%.6f,%.6f\n", fix.Lat, fix.Lng)
}
