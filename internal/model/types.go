package model

import "time"

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PositionReport is a raw GPS ping as delivered by a vehicle. Immutable once received.
type PositionReport struct {
	VehicleID  string    `json:"vehicleId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKmh   float64   `json:"speedKmh"`
	BearingDeg float64   `json:"bearing"`
	Timestamp  time.Time `json:"timestamp"`
}

// SmoothedPosition is the current best estimate of a vehicle's position.
// A new value supersedes the previous one on every accepted report; values
// are never mutated in place.
type SmoothedPosition struct {
	VehicleID    string    `json:"vehicleId"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	SpeedKmh     float64   `json:"speedKmh"`
	BearingDeg   float64   `json:"bearing"`
	Timestamp    time.Time `json:"timestamp"`
	Interpolated bool      `json:"interpolated"`
	Confidence   float64   `json:"confidence"` // (0,1]
}

// Stop is a fixed waypoint on a route for which arrivals are estimated.
type Stop struct {
	ID      string
	Name    string
	Lat     float64
	Lon     float64
	RouteID string
}

// RouteSegment is one straight-line piece of a route polyline.
// Segment lists are immutable snapshots, rebuilt wholesale when geometry changes.
type RouteSegment struct {
	StartLat          float64
	StartLon          float64
	EndLat            float64
	EndLon            float64
	LengthMeters      float64
	CumDistanceMeters float64 // distance along the route at the segment start
	ExpectedTravelSec float64
}

// Estimation method tags carried on ETAResult.
const (
	MethodHaversine  = "haversine"
	MethodRouteAware = "route_aware"
	MethodHistorical = "historical"
)

// ETAResult is one arrival estimate for a (vehicle, stop) pair.
// The JSON tags are the wire schema for API consumers.
type ETAResult struct {
	VehicleID       string    `json:"vehicleId"`
	StopID          string    `json:"stopId"`
	ETASeconds      float64   `json:"etaSeconds"`
	ETAMinutes      float64   `json:"etaMinutes"`
	Confidence      float64   `json:"confidence"`
	DistanceMeters  float64   `json:"distanceMeters"`
	AverageSpeedKmh float64   `json:"averageSpeedKmh"`
	TrafficFactor   float64   `json:"trafficFactor"`
	DelayFactor     float64   `json:"delayFactor"`
	Method          string    `json:"method"`
	CalculatedAt    time.Time `json:"calculatedAt"`
}

// SpeedSample is one historical speed observation.
type SpeedSample struct {
	VehicleID string
	RouteID   string
	SpeedKmh  float64
	Timestamp time.Time
}

// Confidence bands exposed to callers deciding on notification thresholds.
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// ConfidenceReport grades an ETAResult for downstream consumers.
type ConfidenceReport struct {
	Level                 string  `json:"level"`
	Composite             float64 `json:"compositeConfidence"`
	RecommendedTTLSeconds float64 `json:"recommendedTtlSeconds"`
}
