package eta

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
)

const (
	ttlLong    = 180 * time.Second
	ttlDefault = 120 * time.Second
	ttlShort   = 60 * time.Second

	ttlLongMinConf    = 0.8
	ttlDefaultMinConf = 0.4

	// Entries scoring above this get proactive background refresh.
	refreshPriorityThreshold = 0.6
	refreshLead              = 30 * time.Second
	refreshMinDelay          = 30 * time.Second
	refreshMaxRetries        = 3
	refreshBackoffBase       = 30 * time.Second

	refreshTickInterval = 30 * time.Second
	cleanupTickInterval = 5 * time.Minute
	evictFractionDenom  = 10 // lowest 10% go first

	// Priority weights: confidence, urgency, recency.
	wConfidence = 0.4
	wUrgency    = 0.3
	wRecency    = 0.3

	urgencyCeiling = 30 * time.Minute
	recencyWindow  = 5 * time.Minute
)

// Pair identifies one cached estimate.
type Pair struct {
	VehicleID string
	StopID    string
}

type cacheEntry struct {
	result      *model.ETAResult
	cachedAt    time.Time
	accessCount int
	lastAccess  time.Time
}

type refreshTask struct {
	pair        Pair
	scheduledAt time.Time
	priority    float64
	retries     int
}

// CacheMetrics receives cache activity counts. Optional.
type CacheMetrics interface {
	CacheHitInc()
	CacheMissInc()
	EvictionsAdd(n int)
	RefreshSuccessInc()
	RefreshFailureInc()
	CacheSizeSet(n int)
	CalcObserve(d time.Duration)
}

// CacheConfig bounds the cache and its batch fan-out.
type CacheConfig struct {
	MaxEntries       int
	BatchConcurrency int
	BatchTimeout     time.Duration
}

func (c *CacheConfig) defaults() {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 8
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
}

// Cache serves estimator results under a confidence-driven TTL, evicts by
// priority when full, and proactively refreshes hot entries before expiry.
type Cache struct {
	estimator *Estimator
	cfg       CacheConfig
	metrics   CacheMetrics
	now       func() time.Time

	mu      sync.RWMutex
	entries map[Pair]*cacheEntry

	taskMu sync.Mutex
	tasks  []refreshTask

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCache(estimator *Estimator, cfg CacheConfig, metrics CacheMetrics) *Cache {
	cfg.defaults()
	return &Cache{
		estimator: estimator,
		cfg:       cfg,
		metrics:   metrics,
		now:       time.Now,
		entries:   make(map[Pair]*cacheEntry),
	}
}

// WithClock overrides the time source. Test hook.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TTLFor maps a confidence score to the entry lifetime. Higher confidence
// earns a longer life.
func TTLFor(confidence float64) time.Duration {
	switch {
	case confidence >= ttlLongMinConf:
		return ttlLong
	case confidence >= ttlDefaultMinConf:
		return ttlDefault
	default:
		return ttlShort
	}
}

// Get returns the cached estimate for the pair while its TTL holds, otherwise
// recomputes, caches, and schedules a refresh for high-priority entries.
// Absent results (ErrNoLocation, ErrNotFound) are never cached.
func (c *Cache) Get(ctx context.Context, vehicleID, stopID string, force bool) (*model.ETAResult, error) {
	pair := Pair{VehicleID: vehicleID, StopID: stopID}
	now := c.now()

	if !force {
		c.mu.Lock()
		if e, ok := c.entries[pair]; ok && now.Sub(e.cachedAt) < TTLFor(e.result.Confidence) {
			e.accessCount++
			e.lastAccess = now
			res := e.result
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.CacheHitInc()
			}
			return res, nil
		}
		c.mu.Unlock()
	}
	if c.metrics != nil && !force {
		c.metrics.CacheMissInc()
	}

	start := time.Now()
	res, err := c.estimator.Calculate(ctx, vehicleID, stopID)
	if c.metrics != nil {
		c.metrics.CalcObserve(time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	c.store(pair, res, now)
	return res, nil
}

func (c *Cache) store(pair Pair, res *model.ETAResult, now time.Time) {
	c.mu.Lock()
	c.entries[pair] = &cacheEntry{result: res, cachedAt: now, lastAccess: now}
	size := len(c.entries)
	var evicted int
	if size > c.cfg.MaxEntries {
		evicted = c.evictLocked(now)
		size = len(c.entries)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheSizeSet(size)
		if evicted > 0 {
			c.metrics.EvictionsAdd(evicted)
		}
	}

	if p := priorityScore(res, now); p > refreshPriorityThreshold {
		delay := TTLFor(res.Confidence) - refreshLead
		if delay < refreshMinDelay {
			delay = refreshMinDelay
		}
		c.enqueueTask(refreshTask{pair: pair, scheduledAt: now.Add(delay), priority: p})
	}
}

// priorityScore ranks an entry for eviction and refresh: confident, imminent,
// fresh estimates score highest.
func priorityScore(res *model.ETAResult, now time.Time) float64 {
	urgency := 1 - minF(res.ETASeconds/urgencyCeiling.Seconds(), 1)
	age := now.Sub(res.CalculatedAt)
	recency := 1 - minF(age.Seconds()/recencyWindow.Seconds(), 1)
	if recency < 0 {
		recency = 0
	}
	return wConfidence*res.Confidence + wUrgency*urgency + wRecency*recency
}

// evictLocked removes the lowest-priority decile (at least the overflow).
// Caller holds the write lock.
func (c *Cache) evictLocked(now time.Time) int {
	type scored struct {
		pair  Pair
		score float64
	}
	all := make([]scored, 0, len(c.entries))
	for p, e := range c.entries {
		all = append(all, scored{pair: p, score: priorityScore(e.result, now)})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })

	n := len(all) / evictFractionDenom
	if overflow := len(c.entries) - c.cfg.MaxEntries; n < overflow {
		n = overflow
	}
	if n < 1 {
		n = 1
	}
	for _, s := range all[:n] {
		delete(c.entries, s.pair)
	}
	return n
}

// GetBatch resolves every requested pair, serving hits from cache and
// computing misses concurrently with bounded fan-out. Pairs that fail or time
// out map to a nil result; no pair is omitted.
func (c *Cache) GetBatch(ctx context.Context, pairs []Pair) map[Pair]*model.ETAResult {
	out := make(map[Pair]*model.ETAResult, len(pairs))
	now := c.now()

	var misses []Pair
	c.mu.Lock()
	for _, p := range pairs {
		if _, dup := out[p]; dup {
			continue
		}
		if e, ok := c.entries[p]; ok && now.Sub(e.cachedAt) < TTLFor(e.result.Confidence) {
			e.accessCount++
			e.lastAccess = now
			out[p] = e.result
			continue
		}
		out[p] = nil
		misses = append(misses, p)
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return out
	}

	var outMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)
	for _, p := range misses {
		p := p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, c.cfg.BatchTimeout)
			defer cancel()
			res, err := c.Get(callCtx, p.VehicleID, p.StopID, false)
			if err != nil {
				// Absence and timeouts are per-pair outcomes, not batch failures.
				return nil
			}
			outMu.Lock()
			out[p] = res
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Report grades a result for consumers choosing display or notification
// thresholds. The composite blends base confidence, freshness, method
// reliability, speed plausibility, and how far traffic/delay correction
// deviated from neutral.
func (c *Cache) Report(res *model.ETAResult) model.ConfidenceReport {
	age := c.now().Sub(res.CalculatedAt).Seconds()
	freshness := 1 - minF(age/recencyWindow.Seconds(), 1)
	if freshness < 0 {
		freshness = 0
	}

	var methodWeight float64
	switch res.Method {
	case model.MethodRouteAware:
		methodWeight = 1.0
	case model.MethodHistorical:
		methodWeight = 0.9
	default:
		methodWeight = 0.7
	}

	speedScore := 0.3
	switch {
	case res.AverageSpeedKmh >= plausibleMinKmh && res.AverageSpeedKmh <= plausibleMaxKmh:
		speedScore = 1.0
	case res.AverageSpeedKmh > 0 && res.AverageSpeedKmh <= 80:
		speedScore = 0.6
	}

	deviation := abs(res.TrafficFactor*res.DelayFactor - 1)
	factorScore := 1 - minF(deviation, 1)

	composite := 0.4*res.Confidence + 0.2*freshness + 0.2*methodWeight + 0.1*speedScore + 0.1*factorScore

	level := model.LevelLow
	switch {
	case composite >= 0.8:
		level = model.LevelHigh
	case composite >= 0.6:
		level = model.LevelMedium
	}
	return model.ConfidenceReport{
		Level:                 level,
		Composite:             composite,
		RecommendedTTLSeconds: TTLFor(composite).Seconds(),
	}
}

// InvalidateVehicle drops every entry and pending refresh for the vehicle.
func (c *Cache) InvalidateVehicle(vehicleID string) {
	c.invalidate(func(p Pair) bool { return p.VehicleID == vehicleID })
}

// InvalidateStop drops every entry and pending refresh for the stop.
func (c *Cache) InvalidateStop(stopID string) {
	c.invalidate(func(p Pair) bool { return p.StopID == stopID })
}

func (c *Cache) invalidate(match func(Pair) bool) {
	c.mu.Lock()
	for p := range c.entries {
		if match(p) {
			delete(c.entries, p)
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.taskMu.Lock()
	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if !match(t.pair) {
			kept = append(kept, t)
		}
	}
	c.tasks = kept
	c.taskMu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheSizeSet(size)
	}
}

func (c *Cache) enqueueTask(t refreshTask) {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	// One pending task per pair; keep the earlier schedule.
	for i := range c.tasks {
		if c.tasks[i].pair == t.pair {
			if t.scheduledAt.Before(c.tasks[i].scheduledAt) {
				c.tasks[i] = t
			}
			return
		}
	}
	c.tasks = append(c.tasks, t)
}

func (c *Cache) popDueTasks(now time.Time) []refreshTask {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	var due []refreshTask
	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if !t.scheduledAt.After(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	c.tasks = kept
	return due
}

// Start launches the refresh and cleanup loops. They never block request
// paths and exit cooperatively when the context is cancelled.
func (c *Cache) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(refreshTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runDueRefreshes(ctx)
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(cleanupTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

// Stop cancels the background loops; in-flight refreshes are abandoned.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cache) runDueRefreshes(ctx context.Context) {
	for _, t := range c.popDueTasks(c.now()) {
		if ctx.Err() != nil {
			return
		}
		_, err := c.Get(ctx, t.pair.VehicleID, t.pair.StopID, true)
		if err == nil {
			if c.metrics != nil {
				c.metrics.RefreshSuccessInc()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.RefreshFailureInc()
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if t.retries+1 > refreshMaxRetries {
			// Give up quietly; the stale entry expires on its TTL.
			continue
		}
		backoff := refreshBackoffBase << t.retries
		c.enqueueTask(refreshTask{
			pair:        t.pair,
			scheduledAt: c.now().Add(backoff),
			priority:    t.priority,
			retries:     t.retries + 1,
		})
	}
}

// sweepExpired removes entries past their TTL, bounding memory independently
// of size-based eviction.
func (c *Cache) sweepExpired() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for p, e := range c.entries {
		if now.Sub(e.cachedAt) >= TTLFor(e.result.Confidence) {
			delete(c.entries, p)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()
	if removed > 0 {
		log.Printf("eta cache: swept %d expired entries, %d remain", removed, size)
	}
	if c.metrics != nil {
		c.metrics.CacheSizeSet(size)
	}
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
