// Package smoother maintains the current best-estimate position per vehicle,
// applying exponential smoothing to incoming GPS reports and dead-reckoning
// interpolation between them.
package smoother

import (
	"sync"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/geo"
	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

const (
	// Smoothing factors: trust fresh data more when updates are sparse.
	factorFrequent = 0.3
	factorSparse   = 0.7
	sparseAfter    = 10 * time.Second

	// Interpolation stops once the last report is older than this.
	maxStaleness = 60 * time.Second

	// Interpolated positions carry reduced trust relative to their source.
	interpolationPenalty = 0.8

	minConfidence = 0.1
)

type vehicleState struct {
	mu  sync.Mutex
	pos model.SmoothedPosition
	// Raw coordinates of the last report. Displacement for the confidence
	// check is measured report-to-report; the smoothed position lags and
	// would inflate the apparent movement.
	rawLat float64
	rawLon float64
}

// Smoother holds one state slot per vehicle. Updates and interpolation reads
// for the same vehicle are serialized by the slot mutex; different vehicles
// never contend.
type Smoother struct {
	mu       sync.RWMutex
	vehicles map[string]*vehicleState
}

func New() *Smoother {
	return &Smoother{vehicles: make(map[string]*vehicleState)}
}

func (s *Smoother) slot(vehicleID string) *vehicleState {
	s.mu.RLock()
	st, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.vehicles[vehicleID]; ok {
		return st
	}
	st = &vehicleState{}
	s.vehicles[vehicleID] = st
	return st
}

// Update applies a raw report to the vehicle's state and returns the new
// smoothed position. The first report for a vehicle is taken verbatim with
// confidence 1.0. Reports are assumed pre-validated and in arrival order.
func (s *Smoother) Update(report model.PositionReport) model.SmoothedPosition {
	st := s.slot(report.VehicleID)
	st.mu.Lock()
	defer st.mu.Unlock()

	prev := st.pos
	if prev.Timestamp.IsZero() {
		st.pos = model.SmoothedPosition{
			VehicleID:  report.VehicleID,
			Lat:        report.Lat,
			Lon:        report.Lon,
			SpeedKmh:   report.SpeedKmh,
			BearingDeg: report.BearingDeg,
			Timestamp:  report.Timestamp,
			Confidence: 1.0,
		}
		st.rawLat, st.rawLon = report.Lat, report.Lon
		return st.pos
	}

	dt := report.Timestamp.Sub(prev.Timestamp)
	f := factorSparse
	if dt < sparseAfter {
		f = factorFrequent
	}

	next := model.SmoothedPosition{
		VehicleID:  report.VehicleID,
		Lat:        f*report.Lat + (1-f)*prev.Lat,
		Lon:        f*report.Lon + (1-f)*prev.Lon,
		SpeedKmh:   f*report.SpeedKmh + (1-f)*prev.SpeedKmh,
		BearingDeg: report.BearingDeg,
		Timestamp:  report.Timestamp,
	}
	next.Confidence = displacementConfidence(st.rawLat, st.rawLon, prev.SpeedKmh, report, dt)
	st.pos = next
	st.rawLat, st.rawLon = report.Lat, report.Lon
	return next
}

// displacementConfidence compares how far the vehicle actually moved against
// how far its previous speed says it should have, over the elapsed time.
// Agreement earns high confidence; divergence is penalized.
func displacementConfidence(prevLat, prevLon, prevSpeedKmh float64, report model.PositionReport, dt time.Duration) float64 {
	if dt <= 0 {
		return minConfidence
	}
	actual := geo.Distance(prevLat, prevLon, report.Lat, report.Lon)
	expected := prevSpeedKmh / 3.6 * dt.Seconds()

	denom := actual
	if expected > denom {
		denom = expected
	}
	if denom < 1.0 {
		denom = 1.0
	}
	conf := 1.0 - abs(actual-expected)/denom
	return clamp(conf, minConfidence, 1.0)
}

// Interpolate projects the vehicle forward from its last smoothed position by
// dead reckoning. It reports false once the last report is older than the
// staleness bound, or when the vehicle is unknown.
func (s *Smoother) Interpolate(vehicleID string, now time.Time) (model.SmoothedPosition, bool) {
	s.mu.RLock()
	st, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if !ok {
		return model.SmoothedPosition{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	pos := st.pos
	if pos.Timestamp.IsZero() {
		return model.SmoothedPosition{}, false
	}
	elapsed := now.Sub(pos.Timestamp)
	if elapsed < 0 || elapsed > maxStaleness {
		return model.SmoothedPosition{}, false
	}

	dist := pos.SpeedKmh / 3.6 * elapsed.Seconds()
	lat, lon := geo.Project(pos.Lat, pos.Lon, pos.BearingDeg, dist)
	return model.SmoothedPosition{
		VehicleID:    pos.VehicleID,
		Lat:          lat,
		Lon:          lon,
		SpeedKmh:     pos.SpeedKmh,
		BearingDeg:   pos.BearingDeg,
		Timestamp:    now,
		Interpolated: true,
		Confidence:   clamp(pos.Confidence*interpolationPenalty, minConfidence, 1.0),
	}, true
}

// Current returns the freshest usable position for the vehicle: the last
// smoothed report if no time has passed since it arrived, otherwise an
// interpolation, otherwise nothing.
func (s *Smoother) Current(vehicleID string, now time.Time) (model.SmoothedPosition, bool) {
	s.mu.RLock()
	st, ok := s.vehicles[vehicleID]
	s.mu.RUnlock()
	if ok {
		st.mu.Lock()
		pos := st.pos
		st.mu.Unlock()
		if !pos.Timestamp.IsZero() && !now.After(pos.Timestamp) {
			return pos, true
		}
	}
	return s.Interpolate(vehicleID, now)
}

// Count reports how many vehicles currently hold state.
func (s *Smoother) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}

// Vehicles lists every vehicle currently holding state.
func (s *Smoother) Vehicles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.vehicles))
	for id := range s.vehicles {
		ids = append(ids, id)
	}
	return ids
}

// Forget drops all state for a vehicle, e.g. when it goes offline.
func (s *Smoother) Forget(vehicleID string) {
	s.mu.Lock()
	delete(s.vehicles, vehicleID)
	s.mu.Unlock()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
