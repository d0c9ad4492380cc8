// Package route maintains per-route polyline segment indexes used for
// path-following distance calculations.
package route

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pryaaansu/bmtctracker-sub000/internal/geo"
	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

// ErrNotFound is returned when a route has no usable geometry or a point
// cannot be matched to any segment.
var ErrNotFound = errors.New("route: not found")

const (
	// Expected traversal time assumes urban-bus pace, dwell included.
	defaultRouteSpeedKmh = 20.0

	// A waypoint matches a segment only within this distance.
	containmentRadiusM = 500.0
)

// GeometrySource supplies the ordered coordinate list for a route.
type GeometrySource interface {
	RouteGeometry(ctx context.Context, routeID string) ([]model.Point, error)
}

// Index caches segment lists per route. Lists are immutable snapshots: a
// rebuild produces a fresh slice and swaps the map entry, so concurrent
// readers never observe a partially built list.
type Index struct {
	src GeometrySource

	mu       sync.RWMutex
	segments map[string][]model.RouteSegment
}

func NewIndex(src GeometrySource) *Index {
	return &Index{src: src, segments: make(map[string][]model.RouteSegment)}
}

// SegmentsFor returns the route's ordered segment list, building it from
// stored geometry on first use.
func (ix *Index) SegmentsFor(ctx context.Context, routeID string) ([]model.RouteSegment, error) {
	ix.mu.RLock()
	segs, ok := ix.segments[routeID]
	ix.mu.RUnlock()
	if ok {
		return segs, nil
	}

	pts, err := ix.src.RouteGeometry(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("route geometry %s: %w", routeID, err)
	}
	segs = buildSegments(pts)
	if len(segs) == 0 {
		return nil, ErrNotFound
	}

	ix.mu.Lock()
	// Another goroutine may have built the same route concurrently; either
	// snapshot is fine, keep the existing one for stable reads.
	if existing, ok := ix.segments[routeID]; ok {
		segs = existing
	} else {
		ix.segments[routeID] = segs
	}
	ix.mu.Unlock()
	return segs, nil
}

// Invalidate drops a route's cached segments so the next lookup rebuilds
// from fresh geometry.
func (ix *Index) Invalidate(routeID string) {
	ix.mu.Lock()
	delete(ix.segments, routeID)
	ix.mu.Unlock()
}

func buildSegments(pts []model.Point) []model.RouteSegment {
	if len(pts) < 2 {
		return nil
	}
	segs := make([]model.RouteSegment, 0, len(pts)-1)
	cum := 0.0
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		length := geo.Distance(a.Lat, a.Lon, b.Lat, b.Lon)
		segs = append(segs, model.RouteSegment{
			StartLat:          a.Lat,
			StartLon:          a.Lon,
			EndLat:            b.Lat,
			EndLon:            b.Lon,
			LengthMeters:      length,
			CumDistanceMeters: cum,
			ExpectedTravelSec: length / (defaultRouteSpeedKmh / 3.6),
		})
		cum += length
	}
	return segs
}

// NearestSegment returns the index of the segment whose start or end point is
// geodesically closest to the given position.
func (ix *Index) NearestSegment(ctx context.Context, routeID string, lat, lon float64) (int, error) {
	segs, err := ix.SegmentsFor(ctx, routeID)
	if err != nil {
		return 0, err
	}
	idx, _ := nearest(segs, lat, lon)
	return idx, nil
}

// SegmentContaining returns the index of the segment a waypoint sits on,
// or ErrNotFound when the waypoint is nowhere near the route.
func (ix *Index) SegmentContaining(ctx context.Context, routeID string, lat, lon float64) (int, error) {
	segs, err := ix.SegmentsFor(ctx, routeID)
	if err != nil {
		return 0, err
	}
	idx, dist := nearest(segs, lat, lon)
	if dist > containmentRadiusM {
		return 0, ErrNotFound
	}
	return idx, nil
}

func nearest(segs []model.RouteSegment, lat, lon float64) (int, float64) {
	bestIdx := 0
	bestDist := geo.Distance(lat, lon, segs[0].StartLat, segs[0].StartLon)
	for i, s := range segs {
		if d := geo.Distance(lat, lon, s.StartLat, s.StartLon); d < bestDist {
			bestIdx, bestDist = i, d
		}
		if d := geo.Distance(lat, lon, s.EndLat, s.EndLon); d < bestDist {
			bestIdx, bestDist = i, d
		}
	}
	return bestIdx, bestDist
}
