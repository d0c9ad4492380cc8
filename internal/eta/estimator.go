// Package eta computes and caches confidence-scored arrival estimates for
// (vehicle, stop) pairs.
package eta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/geo"
	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

// Expected absences. "No ETA right now" is steady state for offline vehicles,
// so these are normal results a caller checks with errors.Is, never panics.
var (
	ErrNoLocation = errors.New("eta: no location data")
	ErrNotFound   = errors.New("eta: route or stop not found")
)

const (
	minSpeedKmh      = 5.0
	maxSpeedKmh      = 60.0
	fallbackSpeedKmh = 25.0

	// Speeds outside [plausibleMin, plausibleMax] cost extra confidence.
	plausibleMinKmh = 5.0
	plausibleMaxKmh = 50.0

	// Straight-line distance understates real road distance; the historical
	// method scales it by this indirection factor.
	routeIndirectionFactor = 1.4

	// Default traffic multipliers per time-of-day bucket.
	trafficMorningRush = 1.5
	trafficEveningRush = 1.6
	trafficDaytime     = 1.2
	trafficOffPeak     = 1.0
)

// Time-of-day buckets used for traffic and delay correction.
const (
	PeriodMorningRush = "morning_rush"
	PeriodEveningRush = "evening_rush"
	PeriodDaytime     = "daytime"
	PeriodOffPeak     = "off_peak"
)

// PositionSource yields the current (possibly interpolated) vehicle position.
type PositionSource interface {
	Current(vehicleID string, now time.Time) (model.SmoothedPosition, bool)
}

// StopSource resolves stop metadata.
type StopSource interface {
	Stop(ctx context.Context, stopID string) (model.Stop, error)
}

// SegmentIndex locates vehicles and stops along route polylines.
type SegmentIndex interface {
	SegmentsFor(ctx context.Context, routeID string) ([]model.RouteSegment, error)
	NearestSegment(ctx context.Context, routeID string, lat, lon float64) (int, error)
	SegmentContaining(ctx context.Context, routeID string, lat, lon float64) (int, error)
}

// SpeedHistory supplies historical speed averages and delay factors.
type SpeedHistory interface {
	VehicleAverage(vehicleID string) (float64, int)
	RouteAverage(routeID string) (float64, int)
	DelayFactor(routeID, period string) float64
}

// Estimator computes ETAs by running three independent methods, keeping the
// most confident result, and applying time-of-day correction.
type Estimator struct {
	positions PositionSource
	stops     StopSource
	segments  SegmentIndex
	history   SpeedHistory
	now       func() time.Time
	loc       *time.Location
}

func NewEstimator(positions PositionSource, stops StopSource, segments SegmentIndex, history SpeedHistory) *Estimator {
	return &Estimator{
		positions: positions,
		stops:     stops,
		segments:  segments,
		history:   history,
		now:       time.Now,
		loc:       time.Local,
	}
}

// WithClock overrides the time source. Test hook.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// WithLocation sets the zone used for time-of-day traffic classification.
func (e *Estimator) WithLocation(loc *time.Location) *Estimator {
	if loc != nil {
		e.loc = loc
	}
	return e
}

// methodResult is one candidate estimate before factor adjustment. The three
// methods form a closed set; selection is a max-by-confidence fold.
type methodResult struct {
	method     string
	distanceM  float64
	speedKmh   float64
	etaSeconds float64
	confidence float64
}

// Calculate produces an arrival estimate for the pair, or ErrNoLocation /
// ErrNotFound when the inputs for any estimate are missing.
func (e *Estimator) Calculate(ctx context.Context, vehicleID, stopID string) (*model.ETAResult, error) {
	if vehicleID == "" || stopID == "" {
		return nil, fmt.Errorf("eta: empty vehicle or stop id")
	}
	now := e.now()

	pos, ok := e.positions.Current(vehicleID, now)
	if !ok {
		return nil, ErrNoLocation
	}
	stop, err := e.stops.Stop(ctx, stopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stop %s: %w", stopID, err)
	}

	var candidates []methodResult
	candidates = append(candidates, e.haversineMethod(pos, stop))
	if r, ok := e.routeAwareMethod(ctx, pos, stop); ok {
		candidates = append(candidates, r)
	}
	if r, ok := e.historicalMethod(pos, stop); ok {
		candidates = append(candidates, r)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.confidence > best.confidence {
			best = c
		}
	}

	period := ClassifyPeriod(now.In(e.loc))
	traffic := trafficFactor(period)
	delay := e.history.DelayFactor(stop.RouteID, period)

	adjusted := best.etaSeconds * traffic * delay
	conf := best.confidence
	if combined := traffic * delay; combined > 1.5 || combined < 0.7 {
		conf *= 0.9
	}

	return &model.ETAResult{
		VehicleID:       vehicleID,
		StopID:          stopID,
		ETASeconds:      adjusted,
		ETAMinutes:      adjusted / 60,
		Confidence:      clamp(conf, 0.01, 1.0),
		DistanceMeters:  best.distanceM,
		AverageSpeedKmh: best.speedKmh,
		TrafficFactor:   traffic,
		DelayFactor:     delay,
		Method:          best.method,
		CalculatedAt:    now,
	}, nil
}

// haversineMethod divides straight-line distance by the current reported
// speed. Always produces a result: implausible speeds fall back to a default.
func (e *Estimator) haversineMethod(pos model.SmoothedPosition, stop model.Stop) methodResult {
	dist := geo.Distance(pos.Lat, pos.Lon, stop.Lat, stop.Lon)

	speed := pos.SpeedKmh
	if speed <= 0 || speed > 150 {
		speed = fallbackSpeedKmh
	}
	clamped := clamp(speed, minSpeedKmh, maxSpeedKmh)

	conf := pos.Confidence * 0.7
	// Penalty keys off the reported speed, fallback or not.
	if pos.SpeedKmh < plausibleMinKmh || pos.SpeedKmh > plausibleMaxKmh {
		conf *= 0.8
	}
	return methodResult{
		method:     model.MethodHaversine,
		distanceM:  dist,
		speedKmh:   clamped,
		etaSeconds: etaSeconds(dist, clamped),
		confidence: conf,
	}
}

// routeAwareMethod walks the route polyline between the vehicle's segment and
// the stop's segment. Abstains when either cannot be located on the route.
func (e *Estimator) routeAwareMethod(ctx context.Context, pos model.SmoothedPosition, stop model.Stop) (methodResult, bool) {
	if stop.RouteID == "" {
		return methodResult{}, false
	}
	segs, err := e.segments.SegmentsFor(ctx, stop.RouteID)
	if err != nil {
		return methodResult{}, false
	}
	vehIdx, err := e.segments.NearestSegment(ctx, stop.RouteID, pos.Lat, pos.Lon)
	if err != nil {
		return methodResult{}, false
	}
	stopIdx, err := e.segments.SegmentContaining(ctx, stop.RouteID, stop.Lat, stop.Lon)
	if err != nil {
		return methodResult{}, false
	}

	speed := e.historicalSpeed(pos.VehicleID, stop.RouteID)
	conf := pos.Confidence * 0.9

	if vehIdx > stopIdx {
		// Vehicle is already past the stop's segment. Summing segments the
		// wrong way would go negative; report arrival now at reduced trust.
		return methodResult{
			method:     model.MethodRouteAware,
			distanceM:  0,
			speedKmh:   speed,
			etaSeconds: 0,
			confidence: conf * 0.5,
		}, true
	}

	var dist float64
	if vehIdx == stopIdx {
		dist = geo.Distance(pos.Lat, pos.Lon, stop.Lat, stop.Lon)
	} else {
		cur := segs[vehIdx]
		dist = geo.Distance(pos.Lat, pos.Lon, cur.EndLat, cur.EndLon)
		for i := vehIdx + 1; i < stopIdx; i++ {
			dist += segs[i].LengthMeters
		}
		final := segs[stopIdx]
		dist += geo.Distance(final.StartLat, final.StartLon, stop.Lat, stop.Lon)
	}

	return methodResult{
		method:     model.MethodRouteAware,
		distanceM:  dist,
		speedKmh:   speed,
		etaSeconds: etaSeconds(dist, speed),
		confidence: conf,
	}, true
}

// historicalMethod applies the vehicle's (or route's) recent average speed to
// an indirection-scaled straight-line distance. Abstains without data.
func (e *Estimator) historicalMethod(pos model.SmoothedPosition, stop model.Stop) (methodResult, bool) {
	avg, n := e.history.VehicleAverage(pos.VehicleID)
	if n < 3 && stop.RouteID != "" {
		avg, n = e.history.RouteAverage(stop.RouteID)
	}
	if n == 0 || avg <= 0 {
		return methodResult{}, false
	}

	dist := geo.Distance(pos.Lat, pos.Lon, stop.Lat, stop.Lon) * routeIndirectionFactor
	dataConf := 0.5 + 0.05*float64(min(n, 9))
	if dataConf > 0.95 {
		dataConf = 0.95
	}
	return methodResult{
		method:     model.MethodHistorical,
		distanceM:  dist,
		speedKmh:   avg,
		etaSeconds: etaSeconds(dist, avg),
		confidence: pos.Confidence * dataConf,
	}, true
}

// historicalSpeed picks the best available average for the route-aware
// method: vehicle history, then route history, then the default.
func (e *Estimator) historicalSpeed(vehicleID, routeID string) float64 {
	if avg, n := e.history.VehicleAverage(vehicleID); n > 0 && avg > 0 {
		return clamp(avg, minSpeedKmh, maxSpeedKmh)
	}
	if avg, n := e.history.RouteAverage(routeID); n > 0 && avg > 0 {
		return clamp(avg, minSpeedKmh, maxSpeedKmh)
	}
	return fallbackSpeedKmh
}

// etaSeconds converts distance and speed to travel time. Zero distance is a
// zero ETA, never an error.
func etaSeconds(distM, speedKmh float64) float64 {
	if distM <= 0 {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = fallbackSpeedKmh
	}
	return distM / (speedKmh / 3.6)
}

// ClassifyPeriod buckets a wall-clock instant for traffic correction.
func ClassifyPeriod(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 7 && h < 10:
		return PeriodMorningRush
	case h >= 17 && h < 21:
		return PeriodEveningRush
	case h >= 10 && h < 17:
		return PeriodDaytime
	default:
		return PeriodOffPeak
	}
}

func trafficFactor(period string) float64 {
	switch period {
	case PeriodMorningRush:
		return trafficMorningRush
	case PeriodEveningRush:
		return trafficEveningRush
	case PeriodDaytime:
		return trafficDaytime
	default:
		return trafficOffPeak
	}
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

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
