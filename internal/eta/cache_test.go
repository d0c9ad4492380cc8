package eta

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pryaaansu/bmtctracker-sub000/internal/model"
	"github.com/pryaaansu/bmtctracker-sub000/internal/route"
)

func newTestCache(pos fakePositions, stops fakeStops, cfg CacheConfig) (*Cache, *time.Time) {
	est := NewEstimator(pos, stops, route.NewIndex(testGeometry), &fakeHistory{})
	clock := offPeak
	now := func() time.Time { return clock }
	est.WithClock(now).WithLocation(time.UTC)
	c := NewCache(est, cfg, nil).WithClock(now)
	return c, &clock
}

func standardFixtures() (fakePositions, fakeStops) {
	pos := fakePositions{"42": {
		VehicleID: "42", Lat: 12.9716, Lon: 77.5946,
		SpeedKmh: 25, BearingDeg: 90, Timestamp: offPeak, Confidence: 1.0,
	}}
	stops := fakeStops{"s1": {ID: "s1", Lat: 12.9716, Lon: 77.6046}}
	return pos, stops
}

func TestTTLMonotonic(t *testing.T) {
	confs := []float64{0.1, 0.3, 0.4, 0.6, 0.8, 0.9, 1.0}
	for i := 1; i < len(confs); i++ {
		lo, hi := TTLFor(confs[i-1]), TTLFor(confs[i])
		if hi < lo {
			t.Errorf("TTL(%f)=%v < TTL(%f)=%v", confs[i], hi, confs[i-1], lo)
		}
	}
	if TTLFor(0.85) != 180*time.Second {
		t.Errorf("high confidence TTL = %v, want 180s", TTLFor(0.85))
	}
	if TTLFor(0.5) != 120*time.Second {
		t.Errorf("default TTL = %v, want 120s", TTLFor(0.5))
	}
	if TTLFor(0.2) != 60*time.Second {
		t.Errorf("short TTL = %v, want 60s", TTLFor(0.2))
	}
}

func TestCacheHitKeepsCalculatedAt(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	ctx := context.Background()

	first, err := c.Get(ctx, "42", "s1", false)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	*clock = clock.Add(50 * time.Second)
	second, err := c.Get(ctx, "42", "s1", false)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !second.CalculatedAt.Equal(first.CalculatedAt) {
		t.Errorf("CalculatedAt changed on a cache hit: %v vs %v", second.CalculatedAt, first.CalculatedAt)
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	ctx := context.Background()

	first, err := c.Get(ctx, "42", "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	// Haversine confidence 0.7 earns the default 120s TTL.
	*clock = clock.Add(TTLFor(first.Confidence) + time.Second)
	second, err := c.Get(ctx, "42", "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if second.CalculatedAt.Equal(first.CalculatedAt) {
		t.Error("expired entry served as a hit")
	}
}

func TestForcedRecomputeIdempotent(t *testing.T) {
	pos, stops := standardFixtures()
	c, _ := newTestCache(pos, stops, CacheConfig{})
	ctx := context.Background()

	a, err := c.Get(ctx, "42", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Get(ctx, "42", "s1", true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := a.ETASeconds - b.ETASeconds; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("back-to-back forced results differ: %f vs %f", a.ETASeconds, b.ETASeconds)
	}
}

func TestAbsentResultNotCached(t *testing.T) {
	_, stops := standardFixtures()
	c, _ := newTestCache(fakePositions{}, stops, CacheConfig{})
	ctx := context.Background()

	if _, err := c.Get(ctx, "42", "s1", false); err == nil {
		t.Fatal("expected absence for vehicle with no reports")
	}
	if c.Len() != 0 {
		t.Errorf("cache holds %d entries after an absent result, want 0", c.Len())
	}
	// The next request re-attempts rather than serving a cached negative.
	if _, err := c.Get(ctx, "42", "s1", false); err == nil {
		t.Fatal("expected absence on re-attempt")
	}
}

func makeResult(veh string, etaSec, conf float64, at time.Time) *model.ETAResult {
	return &model.ETAResult{
		VehicleID: veh, StopID: "s1",
		ETASeconds: etaSec, ETAMinutes: etaSec / 60,
		Confidence: conf, AverageSpeedKmh: 25,
		TrafficFactor: 1.0, DelayFactor: 1.0,
		Method: model.MethodHaversine, CalculatedAt: at,
	}
}

func TestEvictionRemovesLowestPriority(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{MaxEntries: 20})
	now := *clock

	// 20 entries with strictly increasing confidence, therefore increasing
	// priority; the 21st insert must evict the lowest decile (2 entries).
	for i := 0; i < 20; i++ {
		veh := fmt.Sprintf("v%02d", i)
		conf := 0.05 + float64(i)*0.04
		c.store(Pair{VehicleID: veh, StopID: "s1"}, makeResult(veh, 600, conf, now), now)
	}
	if c.Len() != 20 {
		t.Fatalf("len = %d, want 20", c.Len())
	}
	c.store(Pair{VehicleID: "v20", StopID: "s1"}, makeResult("v20", 600, 0.99, now), now)

	if c.Len() != 19 {
		t.Fatalf("len = %d after overflow, want 19 (21 - 2 evicted)", c.Len())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, veh := range []string{"v00", "v01"} {
		if _, ok := c.entries[Pair{VehicleID: veh, StopID: "s1"}]; ok {
			t.Errorf("lowest-priority entry %s survived eviction", veh)
		}
	}
	for _, veh := range []string{"v10", "v19", "v20"} {
		if _, ok := c.entries[Pair{VehicleID: veh, StopID: "s1"}]; !ok {
			t.Errorf("higher-priority entry %s was evicted", veh)
		}
	}
}

func TestPriorityScoreOrdering(t *testing.T) {
	now := offPeak
	confident := priorityScore(makeResult("a", 300, 0.9, now), now)
	doubtful := priorityScore(makeResult("b", 300, 0.2, now), now)
	if confident <= doubtful {
		t.Errorf("confidence ordering: %f <= %f", confident, doubtful)
	}

	imminent := priorityScore(makeResult("a", 60, 0.5, now), now)
	distant := priorityScore(makeResult("b", 1700, 0.5, now), now)
	if imminent <= distant {
		t.Errorf("urgency ordering: %f <= %f", imminent, distant)
	}

	fresh := priorityScore(makeResult("a", 300, 0.5, now), now)
	stale := priorityScore(makeResult("b", 300, 0.5, now.Add(-4*time.Minute)), now)
	if fresh <= stale {
		t.Errorf("recency ordering: %f <= %f", fresh, stale)
	}
}

func TestGetBatchCompleteness(t *testing.T) {
	pos, stops := standardFixtures()
	stops["s2"] = model.Stop{ID: "s2", Lat: 12.9716, Lon: 77.6146}
	c, _ := newTestCache(pos, stops, CacheConfig{BatchConcurrency: 4})

	pairs := []Pair{
		{VehicleID: "42", StopID: "s1"},
		{VehicleID: "42", StopID: "s2"},
		{VehicleID: "ghost", StopID: "s1"}, // no location
		{VehicleID: "42", StopID: "nope"},  // no such stop
	}
	out := c.GetBatch(context.Background(), pairs)

	if len(out) != len(pairs) {
		t.Fatalf("batch returned %d pairs, want %d", len(out), len(pairs))
	}
	for _, p := range pairs {
		if _, ok := out[p]; !ok {
			t.Errorf("pair %v omitted from batch result", p)
		}
	}
	if out[pairs[0]] == nil || out[pairs[1]] == nil {
		t.Error("resolvable pairs came back nil")
	}
	if out[pairs[2]] != nil || out[pairs[3]] != nil {
		t.Error("unresolvable pairs came back non-nil")
	}
}

func TestGetBatchServesHits(t *testing.T) {
	pos, stops := standardFixtures()
	c, _ := newTestCache(pos, stops, CacheConfig{})
	ctx := context.Background()

	warm, err := c.Get(ctx, "42", "s1", false)
	if err != nil {
		t.Fatal(err)
	}
	out := c.GetBatch(ctx, []Pair{{VehicleID: "42", StopID: "s1"}})
	got := out[Pair{VehicleID: "42", StopID: "s1"}]
	if got == nil || !got.CalculatedAt.Equal(warm.CalculatedAt) {
		t.Error("batch did not serve the warm cache entry")
	}
}

func TestRefreshTaskScheduling(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	now := *clock

	// High confidence, imminent, fresh: priority well above the threshold.
	c.store(Pair{VehicleID: "42", StopID: "s1"}, makeResult("42", 120, 0.9, now), now)

	c.taskMu.Lock()
	n := len(c.tasks)
	c.taskMu.Unlock()
	if n != 1 {
		t.Fatalf("pending refresh tasks = %d, want 1", n)
	}

	// Not due yet.
	if due := c.popDueTasks(now.Add(time.Minute)); len(due) != 0 {
		t.Errorf("popped %d tasks before schedule, want 0", len(due))
	}
	// TTL(0.9)=180s, lead 30s: due at +150s.
	if due := c.popDueTasks(now.Add(151 * time.Second)); len(due) != 1 {
		t.Errorf("popped %d tasks after schedule, want 1", len(due))
	}
}

func TestRefreshTaskDeduplicated(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	now := *clock

	pair := Pair{VehicleID: "42", StopID: "s1"}
	c.store(pair, makeResult("42", 120, 0.9, now), now)
	c.store(pair, makeResult("42", 110, 0.9, now), now)

	c.taskMu.Lock()
	n := len(c.tasks)
	c.taskMu.Unlock()
	if n != 1 {
		t.Errorf("duplicate refresh tasks: %d, want 1", n)
	}
}

func TestLowPriorityEntryNotScheduled(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	now := *clock

	// Low confidence, distant arrival, aged: priority under the threshold.
	c.store(Pair{VehicleID: "42", StopID: "s1"},
		makeResult("42", 1800, 0.2, now.Add(-5*time.Minute)), now)

	c.taskMu.Lock()
	n := len(c.tasks)
	c.taskMu.Unlock()
	if n != 0 {
		t.Errorf("low-priority entry scheduled %d refresh tasks", n)
	}
}

func TestRefreshRetryBackoff(t *testing.T) {
	// Estimator with no positions: every refresh fails.
	c, clock := newTestCache(fakePositions{}, fakeStops{}, CacheConfig{})
	now := *clock

	c.enqueueTask(refreshTask{pair: Pair{VehicleID: "42", StopID: "s1"}, scheduledAt: now})
	c.runDueRefreshes(context.Background())

	c.taskMu.Lock()
	if len(c.tasks) != 1 {
		c.taskMu.Unlock()
		t.Fatalf("failed refresh not requeued")
	}
	requeued := c.tasks[0]
	c.taskMu.Unlock()
	if requeued.retries != 1 {
		t.Errorf("retries = %d, want 1", requeued.retries)
	}
	if !requeued.scheduledAt.Equal(now.Add(30 * time.Second)) {
		t.Errorf("backoff schedule = %v, want +30s", requeued.scheduledAt)
	}

	// Exhaust the remaining retries; the task must eventually be dropped.
	for i := 0; i < refreshMaxRetries; i++ {
		*clock = clock.Add(5 * time.Minute)
		c.runDueRefreshes(context.Background())
	}
	c.taskMu.Lock()
	n := len(c.tasks)
	c.taskMu.Unlock()
	if n != 0 {
		t.Errorf("task not dropped after %d retries, %d pending", refreshMaxRetries, n)
	}
}

func TestSweepExpired(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	now := *clock

	c.store(Pair{VehicleID: "old", StopID: "s1"}, makeResult("old", 600, 0.2, now), now)
	c.store(Pair{VehicleID: "new", StopID: "s1"}, makeResult("new", 600, 0.9, now), now)

	// 61s: past the short TTL, within the long one.
	*clock = clock.Add(61 * time.Second)
	c.sweepExpired()

	if c.Len() != 1 {
		t.Fatalf("len = %d after sweep, want 1", c.Len())
	}
	c.mu.RLock()
	_, ok := c.entries[Pair{VehicleID: "new", StopID: "s1"}]
	c.mu.RUnlock()
	if !ok {
		t.Error("unexpired entry swept")
	}
}

func TestInvalidate(t *testing.T) {
	pos, stops := standardFixtures()
	c, clock := newTestCache(pos, stops, CacheConfig{})
	now := *clock

	c.store(Pair{VehicleID: "42", StopID: "s1"}, makeResult("42", 120, 0.9, now), now)
	c.store(Pair{VehicleID: "43", StopID: "s1"}, makeResult("43", 120, 0.9, now), now)
	c.store(Pair{VehicleID: "42", StopID: "s2"}, makeResult("42", 120, 0.9, now), now)

	c.InvalidateVehicle("42")
	if c.Len() != 1 {
		t.Errorf("len = %d after vehicle invalidate, want 1", c.Len())
	}
	c.taskMu.Lock()
	for _, task := range c.tasks {
		if task.pair.VehicleID == "42" {
			t.Error("pending refresh survived vehicle invalidate")
		}
	}
	c.taskMu.Unlock()

	c.InvalidateStop("s1")
	if c.Len() != 0 {
		t.Errorf("len = %d after stop invalidate, want 0", c.Len())
	}
}

func TestConfidenceReportLevels(t *testing.T) {
	pos, stops := standardFixtures()
	c, _ := newTestCache(pos, stops, CacheConfig{})

	fresh := makeResult("42", 300, 0.95, offPeak)
	fresh.Method = model.MethodRouteAware
	rep := c.Report(fresh)
	if rep.Level != model.LevelHigh {
		t.Errorf("fresh route-aware level = %s (%.2f), want high", rep.Level, rep.Composite)
	}

	weak := makeResult("42", 300, 0.2, offPeak.Add(-10*time.Minute))
	weak.AverageSpeedKmh = 90
	weak.TrafficFactor = 1.6
	rep = c.Report(weak)
	if rep.Level != model.LevelLow {
		t.Errorf("stale low-confidence level = %s (%.2f), want low", rep.Level, rep.Composite)
	}
}

func TestConfidenceReportTTLFollowsComposite(t *testing.T) {
	pos, stops := standardFixtures()
	c, _ := newTestCache(pos, stops, CacheConfig{})

	strong := makeResult("42", 300, 0.95, offPeak)
	strong.Method = model.MethodRouteAware
	weak := makeResult("42", 300, 0.2, offPeak.Add(-10*time.Minute))

	if c.Report(strong).RecommendedTTLSeconds < c.Report(weak).RecommendedTTLSeconds {
		t.Error("stronger result recommended a shorter TTL")
	}
}
