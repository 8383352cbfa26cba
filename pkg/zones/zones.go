// Package zones holds the static city table: a centroid and the named
// districts used when no live source can place the user.
package zones

import (
	"sort"
	"strings"

	"github.com/geotrack/geotrack/pkg"
)

// Zone is a named district of a city
type Zone struct {
	Name string
	pkg.Coordinate
}

// City is a centroid plus its districts
type City struct {
	Name     string
	Centroid pkg.Coordinate
	Zones    []Zone
}

var cities = map[string]City{
	"kinshasa": {
		Name:     "Kinshasa",
		Centroid: pkg.Coordinate{Lat: -4.3217, Lng: 15.3125},
		Zones: []Zone{
			{"Gombe", pkg.Coordinate{Lat: -4.3050, Lng: 15.3100}},
			{"Kinshasa", pkg.Coordinate{Lat: -4.3250, Lng: 15.3050}},
			{"Barumbu", pkg.Coordinate{Lat: -4.3150, Lng: 15.3250}},
			{"Lingwala", pkg.Coordinate{Lat: -4.3260, Lng: 15.2950}},
			{"Kintambo", pkg.Coordinate{Lat: -4.3300, Lng: 15.2700}},
			{"Ngaliema", pkg.Coordinate{Lat: -4.3650, Lng: 15.2500}},
			{"Bandalungwa", pkg.Coordinate{Lat: -4.3450, Lng: 15.2850}},
			{"Kalamu", pkg.Coordinate{Lat: -4.3450, Lng: 15.3150}},
			{"Limete", pkg.Coordinate{Lat: -4.3650, Lng: 15.3450}},
			{"Lemba", pkg.Coordinate{Lat: -4.3950, Lng: 15.3200}},
			{"Matete", pkg.Coordinate{Lat: -4.3850, Lng: 15.3450}},
			{"Ngaba", pkg.Coordinate{Lat: -4.3750, Lng: 15.3150}},
			{"Masina", pkg.Coordinate{Lat: -4.3850, Lng: 15.3950}},
			{"N'djili", pkg.Coordinate{Lat: -4.4000, Lng: 15.3700}},
			{"Kasa-Vubu", pkg.Coordinate{Lat: -4.3350, Lng: 15.3050}},
			{"Mont-Ngafula", pkg.Coordinate{Lat: -4.4500, Lng: 15.2900}},
		},
	},
	"lubumbashi": {
		Name:     "Lubumbashi",
		Centroid: pkg.Coordinate{Lat: -11.6647, Lng: 27.4794},
		Zones: []Zone{
			{"Lubumbashi Centre", pkg.Coordinate{Lat: -11.6647, Lng: 27.4794}},
			{"Kampemba", pkg.Coordinate{Lat: -11.6800, Lng: 27.4900}},
			{"Kenya", pkg.Coordinate{Lat: -11.6900, Lng: 27.4700}},
			{"Katuba", pkg.Coordinate{Lat: -11.7000, Lng: 27.4500}},
			{"Ruashi", pkg.Coordinate{Lat: -11.6300, Lng: 27.5200}},
			{"Annexe", pkg.Coordinate{Lat: -11.6200, Lng: 27.4300}},
			{"Kamalondo", pkg.Coordinate{Lat: -11.6750, Lng: 27.4850}},
		},
	},
	"goma": {
		Name:     "Goma",
		Centroid: pkg.Coordinate{Lat: -1.6792, Lng: 29.2228},
		Zones: []Zone{
			{"Goma Centre", pkg.Coordinate{Lat: -1.6792, Lng: 29.2228}},
			{"Karisimbi", pkg.Coordinate{Lat: -1.6600, Lng: 29.2300}},
			{"Himbi", pkg.Coordinate{Lat: -1.6850, Lng: 29.2100}},
			{"Katindo", pkg.Coordinate{Lat: -1.6700, Lng: 29.2050}},
			{"Majengo", pkg.Coordinate{Lat: -1.6550, Lng: 29.2200}},
		},
	},
	"kisangani": {
		Name:     "Kisangani",
		Centroid: pkg.Coordinate{Lat: 0.5153, Lng: 25.1911},
		Zones: []Zone{
			{"Makiso", pkg.Coordinate{Lat: 0.5153, Lng: 25.1911}},
			{"Tshopo", pkg.Coordinate{Lat: 0.5400, Lng: 25.2000}},
			{"Kabondo", pkg.Coordinate{Lat: 0.5000, Lng: 25.2100}},
			{"Mangobo", pkg.Coordinate{Lat: 0.5300, Lng: 25.1700}},
			{"Lubunga", pkg.Coordinate{Lat: 0.4900, Lng: 25.1800}},
		},
	},
	"bukavu": {
		Name:     "Bukavu",
		Centroid: pkg.Coordinate{Lat: -2.5083, Lng: 28.8608},
		Zones: []Zone{
			{"Ibanda", pkg.Coordinate{Lat: -2.5083, Lng: 28.8608}},
			{"Kadutu", pkg.Coordinate{Lat: -2.5000, Lng: 28.8500}},
			{"Bagira", pkg.Coordinate{Lat: -2.4800, Lng: 28.8300}},
		},
	},
}

// Default is the city used for unknown names
const Default = "Kinshasa"

// Lookup returns the city for name, case-insensitively
func Lookup(name string) (City, bool) {
	c, ok := cities[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// LookupOrDefault returns the named city, or the default city when unknown
func LookupOrDefault(name string) City {
	if c, ok := Lookup(name); ok {
		return c
	}
	return cities[strings.ToLower(Default)]
}

// Match returns up to limit zones of the city whose name contains query,
// case-insensitively, in table order
func (c City) Match(query string, limit int) []Zone {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Zone
	for _, z := range c.Zones {
		if len(out) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(z.Name), q) {
			out = append(out, z)
		}
	}
	return out
}

// Names lists the known cities in alphabetical order
func Names() []string {
	out := make([]string, 0, len(cities))
	for _, c := range cities {
		out = append(out, c.Name)
	}
	sort.Strings(out)
	return out
}
