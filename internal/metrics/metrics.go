package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ReportsReceived prometheus.Counter
	ReportsRejected *prometheus.CounterVec // reason label: bad_coords|bad_speed|bad_payload
	ActiveVehicles  prometheus.Gauge

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheSize      prometheus.Gauge

	RefreshSuccesses prometheus.Counter
	RefreshFailures  prometheus.Counter

	NATSConnected prometheus.Gauge

	CalcDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_position_reports_received_total",
			Help: "Total position reports accepted at the ingest boundary.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_position_reports_rejected_total",
			Help: "Total position reports rejected at the ingest boundary.",
		}, []string{"reason"}),
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_active_vehicles",
			Help: "Number of vehicles with a live position state.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_cache_hits_total",
			Help: "Total ETA cache hits within TTL.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_cache_misses_total",
			Help: "Total ETA cache misses or expirations.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_cache_evictions_total",
			Help: "Total entries evicted by priority when the cache was full.",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_cache_entries",
			Help: "Current number of cached ETA entries.",
		}),
		RefreshSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_refresh_successes_total",
			Help: "Total background refreshes that produced a result.",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_refresh_failures_total",
			Help: "Total background refresh attempts that failed.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		CalcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eta_calculation_duration_seconds",
			Help:    "Duration of ETA calculations including metadata lookups.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}

	reg.MustRegister(
		c.ReportsReceived, c.ReportsRejected, c.ActiveVehicles,
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheSize,
		c.RefreshSuccesses, c.RefreshFailures,
		c.NATSConnected, c.CalcDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// CacheHitInc and friends satisfy the eta.CacheMetrics interface.
func (c *Collector) CacheHitInc()                { c.CacheHits.Inc() }
func (c *Collector) CacheMissInc()               { c.CacheMisses.Inc() }
func (c *Collector) EvictionsAdd(n int)          { c.CacheEvictions.Add(float64(n)) }
func (c *Collector) RefreshSuccessInc()          { c.RefreshSuccesses.Inc() }
func (c *Collector) RefreshFailureInc()          { c.RefreshFailures.Inc() }
func (c *Collector) CacheSizeSet(n int)          { c.CacheSize.Set(float64(n)) }
func (c *Collector) CalcObserve(d time.Duration) { c.CalcDuration.Observe(d.Seconds()) }

// Ingest-side adapters.
func (c *Collector) ReportReceivedInc()              { c.ReportsReceived.Inc() }
func (c *Collector) ReportRejectedInc(reason string) { c.ReportsRejected.WithLabelValues(reason).Inc() }
func (c *Collector) ActiveVehiclesSet(n int)         { c.ActiveVehicles.Set(float64(n)) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
