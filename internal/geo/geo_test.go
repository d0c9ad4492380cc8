package geo

import (
	"math"
	"testing"
)

func TestDistanceSymmetry(t *testing.T) {
	cases := [][4]float64{
		{12.9716, 77.5946, 12.9352, 77.6245},
		{0, 0, 0, 1},
		{51.5074, -0.1278, 48.8566, 2.3522},
		{-33.8688, 151.2093, 35.6762, 139.6503},
	}
	for _, c := range cases {
		ab := Distance(c[0], c[1], c[2], c[3])
		ba := Distance(c[2], c[3], c[0], c[1])
		if math.Abs(ab-ba) > 1e-6 {
			t.Errorf("distance not symmetric: %f vs %f", ab, ba)
		}
	}
}

func TestDistanceIdentity(t *testing.T) {
	if d := Distance(12.9716, 77.5946, 12.9716, 77.5946); d != 0 {
		t.Errorf("distance to self = %f, want 0", d)
	}
}

func TestDistanceTriangleInequality(t *testing.T) {
	a := [2]float64{12.9716, 77.5946}
	b := [2]float64{12.9352, 77.6245}
	c := [2]float64{13.0358, 77.5970}
	ab := Distance(a[0], a[1], b[0], b[1])
	bc := Distance(b[0], b[1], c[0], c[1])
	ac := Distance(a[0], a[1], c[0], c[1])
	if ac > ab+bc+1e-6 {
		t.Errorf("triangle inequality violated: %f > %f + %f", ac, ab, bc)
	}
}

func TestDistanceKnownValue(t *testing.T) {
	// One degree of longitude at the equator is about 111.19 km.
	d := Distance(0, 0, 0, 1)
	if math.Abs(d-111195) > 200 {
		t.Errorf("equator degree = %f m, want ~111195", d)
	}
}

func TestBearingCardinal(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"east", 0, 0, 0, 1, 90},
		{"north", 0, 0, 1, 0, 0},
		{"west", 0, 1, 0, 0, 270},
		{"south", 1, 0, 0, 0, 180},
	}
	for _, c := range cases {
		got := Bearing(c.lat1, c.lon1, c.lat2, c.lon2)
		if math.Abs(got-c.want) > 0.5 {
			t.Errorf("%s: bearing = %f, want %f", c.name, got, c.want)
		}
	}
}

func TestProjectRoundTrip(t *testing.T) {
	lat, lon := 12.9716, 77.5946
	for _, meters := range []float64{100, 1000, 5000} {
		for _, brng := range []float64{0, 45, 90, 213} {
			plat, plon := Project(lat, lon, brng, meters)
			back := Distance(lat, lon, plat, plon)
			if math.Abs(back-meters)/meters > 0.001 {
				t.Errorf("project %.0fm@%.0f° round-trips to %.2fm", meters, brng, back)
			}
		}
	}
}

func TestProjectZeroDistance(t *testing.T) {
	lat, lon := Project(12.9716, 77.5946, 90, 0)
	if math.Abs(lat-12.9716) > 1e-9 || math.Abs(lon-77.5946) > 1e-9 {
		t.Errorf("zero projection moved the point to (%f, %f)", lat, lon)
	}
}
