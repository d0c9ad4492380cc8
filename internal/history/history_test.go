package history

import (
	"context"
	"testing"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

func sample(veh, route string, speed float64) model.SpeedSample {
	return model.SpeedSample{VehicleID: veh, RouteID: route, SpeedKmh: speed, Timestamp: time.Now()}
}

func TestVehicleAverage(t *testing.T) {
	r := NewRecorder()
	r.Add(sample("v1", "r1", 20))
	r.Add(sample("v1", "r1", 30))
	r.Add(sample("v1", "r1", 40))

	avg, n := r.VehicleAverage("v1")
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if avg != 30 {
		t.Errorf("avg = %f, want 30", avg)
	}
}

func TestRouteAverageAggregatesVehicles(t *testing.T) {
	r := NewRecorder()
	r.Add(sample("v1", "r1", 20))
	r.Add(sample("v2", "r1", 40))

	avg, n := r.RouteAverage("r1")
	if n != 2 || avg != 30 {
		t.Errorf("route avg = %f (n=%d), want 30 (n=2)", avg, n)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := NewRecorder()
	// Fill the vehicle ring with 10s, then overflow with 20s.
	for i := 0; i < vehicleRingCap; i++ {
		r.Add(sample("v1", "", 10))
	}
	for i := 0; i < vehicleRingCap; i++ {
		r.Add(sample("v1", "", 20))
	}
	avg, n := r.VehicleAverage("v1")
	if n != vehicleRingCap {
		t.Fatalf("n = %d, want %d (bounded)", n, vehicleRingCap)
	}
	if avg != 20 {
		t.Errorf("avg = %f after full overwrite, want 20", avg)
	}
}

func TestImplausibleSpeedsDropped(t *testing.T) {
	r := NewRecorder()
	r.Add(sample("v1", "", 0))
	r.Add(sample("v1", "", -5))
	r.Add(sample("v1", "", 400))
	if _, n := r.VehicleAverage("v1"); n != 0 {
		t.Errorf("implausible speeds recorded, n = %d", n)
	}
}

func TestUnknownAveragesEmpty(t *testing.T) {
	r := NewRecorder()
	if _, n := r.VehicleAverage("ghost"); n != 0 {
		t.Error("unknown vehicle reported samples")
	}
	if _, n := r.RouteAverage("ghost"); n != 0 {
		t.Error("unknown route reported samples")
	}
}

func TestDelayFactorDefault(t *testing.T) {
	r := NewRecorder()
	if f := r.DelayFactor("r1", "morning_rush"); f != 1.0 {
		t.Errorf("default delay factor = %f, want 1.0", f)
	}
	r.SetDelayFactors(map[string]map[string]float64{
		"r1": {"morning_rush": 1.3},
	})
	if f := r.DelayFactor("r1", "morning_rush"); f != 1.3 {
		t.Errorf("delay factor = %f, want 1.3", f)
	}
	if f := r.DelayFactor("r1", "off_peak"); f != 1.0 {
		t.Errorf("unset period factor = %f, want 1.0", f)
	}
}

type fakeSource struct {
	samples []model.SpeedSample
	factors map[string]map[string]float64
}

func (f *fakeSource) RecentSpeedSamples(_ context.Context, _ time.Time) ([]model.SpeedSample, error) {
	return f.samples, nil
}

func (f *fakeSource) RouteDelayFactors(_ context.Context) (map[string]map[string]float64, error) {
	return f.factors, nil
}

func TestLoaderSeedsRecorder(t *testing.T) {
	src := &fakeSource{
		samples: []model.SpeedSample{sample("v1", "r1", 25), sample("v1", "r1", 35)},
		factors: map[string]map[string]float64{"r1": {"daytime": 1.2}},
	}
	rec := NewRecorder()
	l := NewLoader(src, rec, time.Hour)
	if err := l.load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if avg, n := rec.VehicleAverage("v1"); n != 2 || avg != 30 {
		t.Errorf("seeded avg = %f (n=%d), want 30 (n=2)", avg, n)
	}
	if f := rec.DelayFactor("r1", "daytime"); f != 1.2 {
		t.Errorf("seeded delay factor = %f, want 1.2", f)
	}
}
