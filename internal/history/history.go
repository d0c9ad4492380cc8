// Package history keeps bounded ring buffers of recent speed observations per
// vehicle and per route, plus time-of-day delay factors loaded from the store.
package history

import (
	"sync"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

const (
	vehicleRingCap = 50
	routeRingCap   = 200

	// Speeds outside this band are sensor noise, not driving.
	maxPlausibleKmh = 150.0
)

type ring struct {
	samples []float64
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]float64, capacity)}
}

func (r *ring) add(v float64) {
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) stats() (avg float64, n int) {
	n = r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.samples[i]
	}
	return sum / float64(n), n
}

// Recorder accumulates speed samples. Oldest samples are overwritten once a
// ring fills, bounding memory per vehicle and per route.
type Recorder struct {
	mu       sync.RWMutex
	vehicles map[string]*ring
	routes   map[string]*ring
	delays   map[delayKey]float64
}

type delayKey struct {
	routeID string
	period  string
}

func NewRecorder() *Recorder {
	return &Recorder{
		vehicles: make(map[string]*ring),
		routes:   make(map[string]*ring),
		delays:   make(map[delayKey]float64),
	}
}

// Add records one observation. Implausible speeds are dropped.
func (r *Recorder) Add(sample model.SpeedSample) {
	if sample.SpeedKmh <= 0 || sample.SpeedKmh > maxPlausibleKmh {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sample.VehicleID != "" {
		rg, ok := r.vehicles[sample.VehicleID]
		if !ok {
			rg = newRing(vehicleRingCap)
			r.vehicles[sample.VehicleID] = rg
		}
		rg.add(sample.SpeedKmh)
	}
	if sample.RouteID != "" {
		rg, ok := r.routes[sample.RouteID]
		if !ok {
			rg = newRing(routeRingCap)
			r.routes[sample.RouteID] = rg
		}
		rg.add(sample.SpeedKmh)
	}
}

// VehicleAverage returns the mean of the vehicle's recent speeds and how many
// samples back it.
func (r *Recorder) VehicleAverage(vehicleID string) (float64, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg, ok := r.vehicles[vehicleID]
	if !ok {
		return 0, 0
	}
	return rg.stats()
}

// RouteAverage returns the mean recent speed across all vehicles on a route.
func (r *Recorder) RouteAverage(routeID string) (float64, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rg, ok := r.routes[routeID]
	if !ok {
		return 0, 0
	}
	return rg.stats()
}

// SetDelayFactors replaces the delay-factor table wholesale.
func (r *Recorder) SetDelayFactors(factors map[string]map[string]float64) {
	table := make(map[delayKey]float64)
	for routeID, periods := range factors {
		for period, f := range periods {
			table[delayKey{routeID, period}] = f
		}
	}
	r.mu.Lock()
	r.delays = table
	r.mu.Unlock()
}

// DelayFactor returns the route's delay multiplier for a time-of-day period,
// defaulting to 1.0 when no historical data exists.
func (r *Recorder) DelayFactor(routeID, period string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.delays[delayKey{routeID, period}]; ok && f > 0 {
		return f
	}
	return 1.0
}
