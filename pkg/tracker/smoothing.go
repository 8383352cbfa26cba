package tracker

import (
	"math"

	"github.com/sajari/regression"

	"github.com/geotrack/geotrack/pkg"
	"github.com/geotrack/geotrack/pkg/geo"
)

const minTrendSamples = 3

// smoothedSpeed fits cumulative distance against elapsed time over the
// buffer; the slope is the trend speed in m/s. Falls back to instant when
// the buffer is too short or too bursty to fit.
func smoothedSpeed(buffer []Sample, instant float64) float64 {
	if len(buffer) < minTrendSamples {
		return instant
	}
	first := buffer[0].Timestamp
	if buffer[len(buffer)-1].Timestamp.Sub(first) < minElapsed {
		return instant
	}

	var r regression.Regression
	r.SetObserved("distance_m")
	r.SetVar(0, "elapsed_s")

	distance := 0.0
	for i, s := range buffer {
		if i > 0 {
			prev := buffer[i-1]
			distance += geo.HaversineMeters(pkg.Coordinate{Lat: prev.Lat, Lng: prev.Lng}, pkg.Coordinate{Lat: s.Lat, Lng: s.Lng})
		}
		r.Train(regression.DataPoint(distance, []float64{s.Timestamp.Sub(first).Seconds()}))
	}

	if err := r.Run(); err != nil {
		return instant
	}
	slope := r.Coeff(1)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return instant
	}
	return math.Max(0, slope)
}
