package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/config"
	"github.com/pryaaansu/bmtctracker-sub000/internal/eta"
	"github.com/pryaaansu/bmtctracker-sub000/internal/history"
	"github.com/pryaaansu/bmtctracker-sub000/internal/ingest"
	"github.com/pryaaansu/bmtctracker-sub000/internal/metrics"
	"github.com/pryaaansu/bmtctracker-sub000/internal/route"
	"github.com/pryaaansu/bmtctracker-sub000/internal/smoother"
	"github.com/pryaaansu/bmtctracker-sub000/internal/store"
	"github.com/pryaaansu/bmtctracker-sub000/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Read-only metadata store
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("db ping error: %v", err)
	}

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector()
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Pipeline: smoother -> estimator -> cache, with history and route index
	sm := smoother.New()
	rec := history.NewRecorder()
	loader := history.NewLoader(st, rec, cfg.HistoryReload)
	segIndex := route.NewIndex(st)
	estimator := eta.NewEstimator(sm, st, segIndex, rec).WithLocation(cfg.Location)
	cache := eta.NewCache(estimator, eta.CacheConfig{
		MaxEntries:       cfg.CacheMaxEntries,
		BatchConcurrency: cfg.BatchConcurrency,
		BatchTimeout:     cfg.BatchTimeout,
	}, cacheMetrics(mcol))

	svc := tracker.New(sm, rec, cache, loader, vehicleGauge(mcol)).WithStatusSource(st)
	svc.Start(ctx)

	// Position report feed
	sub, err := ingest.NewSubscriber(cfg.NATSURL, cfg.NATSSubject, svc, subscriberMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer sub.Close()

	// Block until context cancelled
	<-ctx.Done()
	svc.Stop()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

// Nil-safe adapters: a nil *Collector must become a nil interface.
func cacheMetrics(c *metrics.Collector) eta.CacheMetrics {
	if c == nil {
		return nil
	}
	return c
}

func vehicleGauge(c *metrics.Collector) tracker.VehicleGauge {
	if c == nil {
		return nil
	}
	return c
}

func subscriberMetrics(c *metrics.Collector) ingest.SubscriberMetrics {
	if c == nil {
		return nil
	}
	return c
}
