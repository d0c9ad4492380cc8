// Package tracker wires the smoothing, estimation, and caching layers into
// the contract exposed to API and notification consumers.
package tracker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/eta"
	"github.com/pryaaansu/bmtctracker-sub000/internal/history"
	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
	"github.com/pryaaansu/bmtctracker-sub000/internal/smoother"
)

// VehicleGauge reports the live vehicle count. Optional.
type VehicleGauge interface {
	ActiveVehiclesSet(n int)
}

// StatusSource answers whether a vehicle is still in service. Optional;
// when present, vehicles that went inactive are pruned periodically.
type StatusSource interface {
	VehicleActive(ctx context.Context, vehicleID string) (bool, error)
}

const pruneInterval = 10 * time.Minute

// Service is constructed once at process start and handed to every call
// site; there is no package-level state.
type Service struct {
	smoother *smoother.Smoother
	history  *history.Recorder
	cache    *eta.Cache
	loader   *history.Loader
	status   StatusSource
	gauge    VehicleGauge

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sm *smoother.Smoother, rec *history.Recorder, cache *eta.Cache, loader *history.Loader, gauge VehicleGauge) *Service {
	return &Service{smoother: sm, history: rec, cache: cache, loader: loader, gauge: gauge}
}

// WithStatusSource enables periodic pruning of vehicles the store no longer
// reports as active.
func (s *Service) WithStatusSource(src StatusSource) *Service {
	s.status = src
	return s
}

// Start launches the cache refresh/cleanup loops, the history loader, and
// the vehicle pruner.
func (s *Service) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.cache.Start(ctx)
	if s.loader != nil {
		s.loader.Start(ctx)
	}
	if s.status != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.pruneInactive(ctx)
				}
			}
		}()
	}
}

// Stop shuts the background loops down cooperatively.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cache.Stop()
	if s.loader != nil {
		s.loader.Stop()
	}
}

// pruneInactive drops tracking state for vehicles the store reports out of
// service. Lookup failures leave the vehicle alone until the next pass.
func (s *Service) pruneInactive(ctx context.Context) {
	for _, id := range s.smoother.Vehicles() {
		if ctx.Err() != nil {
			return
		}
		active, err := s.status.VehicleActive(ctx, id)
		if err != nil {
			log.Printf("vehicle %s status check: %v", id, err)
			continue
		}
		if !active {
			log.Printf("pruning inactive vehicle %s", id)
			s.InvalidateVehicle(id)
		}
	}
}

// Update feeds one raw GPS report into the pipeline. Malformed reports are
// rejected here and never reach the smoother.
func (s *Service) Update(report model.PositionReport) error {
	if err := Validate(report); err != nil {
		return err
	}
	s.smoother.Update(report)
	s.history.Add(model.SpeedSample{
		VehicleID: report.VehicleID,
		SpeedKmh:  report.SpeedKmh,
		Timestamp: report.Timestamp,
	})
	if s.gauge != nil {
		s.gauge.ActiveVehiclesSet(s.smoother.Count())
	}
	return nil
}

// Validate checks a raw report's ranges. These are caller input errors, the
// only condition the pipeline reports as a hard failure.
func Validate(report model.PositionReport) error {
	if report.VehicleID == "" {
		return fmt.Errorf("tracker: empty vehicle id")
	}
	if report.Lat < -90 || report.Lat > 90 {
		return fmt.Errorf("tracker: latitude %.4f out of range", report.Lat)
	}
	if report.Lon < -180 || report.Lon > 180 {
		return fmt.Errorf("tracker: longitude %.4f out of range", report.Lon)
	}
	if report.SpeedKmh < 0 {
		return fmt.Errorf("tracker: negative speed %.2f", report.SpeedKmh)
	}
	if report.Timestamp.IsZero() {
		return fmt.Errorf("tracker: missing timestamp")
	}
	return nil
}

// GetETA returns the cached or freshly computed estimate for the pair.
// Absence is signaled via eta.ErrNoLocation / eta.ErrNotFound.
func (s *Service) GetETA(ctx context.Context, vehicleID, stopID string, force bool) (*model.ETAResult, error) {
	return s.cache.Get(ctx, vehicleID, stopID, force)
}

// GetETABatch resolves many pairs at once; every requested pair is present in
// the result, nil when unavailable.
func (s *Service) GetETABatch(ctx context.Context, pairs []eta.Pair) map[eta.Pair]*model.ETAResult {
	return s.cache.GetBatch(ctx, pairs)
}

// GetConfidence grades a result for display and notification thresholds.
func (s *Service) GetConfidence(res *model.ETAResult) model.ConfidenceReport {
	return s.cache.Report(res)
}

// InvalidateVehicle drops cached estimates and position state for a vehicle
// that went offline.
func (s *Service) InvalidateVehicle(vehicleID string) {
	s.cache.InvalidateVehicle(vehicleID)
	s.smoother.Forget(vehicleID)
	if s.gauge != nil {
		s.gauge.ActiveVehiclesSet(s.smoother.Count())
	}
}

// InvalidateStop drops cached estimates for a stop whose metadata changed.
func (s *Service) InvalidateStop(stopID string) {
	s.cache.InvalidateStop(stopID)
}
