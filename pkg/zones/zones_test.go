package zones

import (
	"reflect"
	"sort"
	"testing"

	"github.com/geotrack/geotrack/pkg/geo"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"Kinshasa", "kinshasa", "  GOMA "} {
		if _, ok := Lookup(name); !ok {
			t.Errorf("Lookup(%q) missed", name)
		}
	}
	if _, ok := Lookup("Paris"); ok {
		t.Error("unknown city should miss")
	}
	if c := LookupOrDefault("Paris"); c.Name != Default {
		t.Errorf("LookupOrDefault fell back to %q; want %q", c.Name, Default)
	}
}

func TestNamesAreSortedAndStable(t *testing.T) {
	first := Names()
	if !sort.StringsAreSorted(first) {
		t.Fatalf("Names() not sorted: %v", first)
	}
	for i := 0; i < 20; i++ {
		if got := Names(); !reflect.DeepEqual(got, first) {
			t.Fatalf("Names() changed between calls: %v then %v", first, got)
		}
	}
}

func TestZonesAreValidAndNearCentroid(t *testing.T) {
	for _, name := range Names() {
		c, _ := Lookup(name)
		if len(c.Zones) == 0 {
			t.Errorf("%s has no zones", name)
		}
		for _, z := range c.Zones {
			if !geo.IsValid(z.Coordinate) {
				t.Errorf("%s/%s has invalid coordinate %+v", name, z.Name, z.Coordinate)
			}
			if d := geo.HaversineKm(c.Centroid, z.Coordinate); d > 25 {
				t.Errorf("%s/%s is %.1f km from the centroid", name, z.Name, d)
			}
		}
	}
}

func TestMatch(t *testing.T) {
	kin, _ := Lookup("Kinshasa")

	tests := []struct {
		query string
		limit int
		want  []string
	}{
		{"gombe", 5, []string{"Gombe"}},
		{"LI", 5, []string{"Lingwala", "Ngaliema", "Limete"}},
		{"a", 5, []string{"Kinshasa", "Barumbu", "Lingwala", "Kintambo", "Ngaliema"}},
		{"zzz", 5, nil},
	}

	for _, tt := range tests {
		got := kin.Match(tt.query, tt.limit)
		if len(got) != len(tt.want) {
			t.Errorf("Match(%q) returned %d zones; want %d", tt.query, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Name != tt.want[i] {
				t.Errorf("Match(%q)[%d] = %s; want %s", tt.query, i, got[i].Name, tt.want[i])
			}
		}
	}
}
