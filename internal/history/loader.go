package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

// SampleSource is the slice of the store the loader needs.
type SampleSource interface {
	RecentSpeedSamples(ctx context.Context, since time.Time) ([]model.SpeedSample, error)
	RouteDelayFactors(ctx context.Context) (map[string]map[string]float64, error)
}

// Loader periodically bulk-loads recent speed samples and delay factors from
// the store into a Recorder. A failed load is logged and retried on the next
// tick; the recorder keeps serving whatever it already has.
type Loader struct {
	src      SampleSource
	rec      *Recorder
	interval time.Duration
	lookback time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLoader(src SampleSource, rec *Recorder, interval time.Duration) *Loader {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Loader{src: src, rec: rec, interval: interval, lookback: 24 * time.Hour}
}

// Start launches the reload loop with an immediate first load.
func (l *Loader) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.load(ctx); err != nil {
			log.Printf("history load error: %v", err)
		}
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.load(ctx); err != nil {
					log.Printf("history load error: %v", err)
				}
			}
		}
	}()
}

func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *Loader) load(ctx context.Context) error {
	since := time.Now().Add(-l.lookback)
	samples, err := l.src.RecentSpeedSamples(ctx, since)
	if err != nil {
		return err
	}
	for _, s := range samples {
		l.rec.Add(s)
	}
	factors, err := l.src.RouteDelayFactors(ctx)
	if err != nil {
		return err
	}
	l.rec.SetDelayFactors(factors)
	log.Printf("history loaded: %d speed samples, %d routes with delay factors", len(samples), len(factors))
	return nil
}
